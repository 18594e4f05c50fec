package updater

import (
	"sort"
	"strings"
)

// clusterCutoff is the minimum similarity ratio at which a new cmdline is
// merged into an existing cluster rather than appended as a distinct entry.
const clusterCutoff = 0.8

type matchingBlock struct {
	a, b, size int
}

// longestMatch finds the longest matching run of bytes between a[alo:ahi]
// and b[blo:bhi], breaking ties toward the earliest such run. This is the
// same dynamic-programming core difflib.SequenceMatcher uses internally,
// without the junk-element heuristics (cmdlines are short enough that the
// plain algorithm is fast).
func longestMatch(a, b string, alo, ahi, blo, bhi int) (besti, bestj, bestsize int) {
	besti, bestj, bestsize = alo, blo, 0
	j2len := make(map[int]int)
	for i := alo; i < ahi; i++ {
		newj2len := make(map[int]int)
		for j := blo; j < bhi; j++ {
			if a[i] != b[j] {
				continue
			}
			k := j2len[j-1] + 1
			newj2len[j] = k
			if k > bestsize {
				besti, bestj, bestsize = i-k+1, j-k+1, k
			}
		}
		j2len = newj2len
	}
	return besti, bestj, bestsize
}

// matchingBlocks returns the ordered, non-overlapping matching runs between
// a and b, recursing left and right of each run the way
// difflib.SequenceMatcher.get_matching_blocks does.
func matchingBlocks(a, b string) []matchingBlock {
	var blocks []matchingBlock
	var recurse func(alo, ahi, blo, bhi int)
	recurse = func(alo, ahi, blo, bhi int) {
		ai, bj, size := longestMatch(a, b, alo, ahi, blo, bhi)
		if size == 0 {
			return
		}
		if alo < ai && blo < bj {
			recurse(alo, ai, blo, bj)
		}
		blocks = append(blocks, matchingBlock{ai, bj, size})
		if ai+size < ahi && bj+size < bhi {
			recurse(ai+size, ahi, bj+size, bhi)
		}
	}
	recurse(0, len(a), 0, len(b))
	sort.Slice(blocks, func(i, j int) bool { return blocks[i].a < blocks[j].a })
	return blocks
}

// similarity returns difflib's ratio: twice the number of matching bytes
// over the combined length of both strings.
func similarity(a, b string) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 1
	}
	matched := 0
	for _, blk := range matchingBlocks(a, b) {
		matched += blk.size
	}
	return 2 * float64(matched) / float64(len(a)+len(b))
}

// closestMatch returns the index of the entry in existing most similar to
// a, provided its similarity is at least cutoff; -1 if none qualifies.
func closestMatch(a string, existing []string, cutoff float64) int {
	best := -1
	bestRatio := -1.0
	al := strings.ToLower(a)
	for i, c := range existing {
		r := similarity(al, strings.ToLower(c))
		if r >= cutoff && r > bestRatio {
			bestRatio = r
			best = i
		}
	}
	return best
}

// mergePattern builds the '*'-masked merge of a against its closest match
// b: every matching run is preserved verbatim, every gap between runs (any
// leading gap, and any trailing span past the last match) collapses to a
// run of '*'.
func mergePattern(a, b string) string {
	al, bl := strings.ToLower(a), strings.ToLower(b)
	var sb strings.Builder
	for _, blk := range matchingBlocks(al, bl) {
		for sb.Len() < blk.a {
			sb.WriteByte('*')
		}
		sb.WriteString(a[blk.a : blk.a+blk.size])
	}
	for sb.Len() < len(a) {
		sb.WriteByte('*')
	}
	return sb.String()
}

// insertCmdline inserts cmdline into cmdlines, clustering it into the
// closest existing entry (replacing that entry with a merged '*'-masked
// pattern) when similarity is at least clusterCutoff, then deduplicating
// and sorting. A cmdline already present verbatim is a no-op, matching the
// state-update algorithm's "if proc.cmdline not in entry.cmdlines" guard.
func insertCmdline(cmdlines []string, cmdline string) []string {
	for _, c := range cmdlines {
		if c == cmdline {
			return cmdlines
		}
	}

	idx := closestMatch(cmdline, cmdlines, clusterCutoff)
	if idx < 0 {
		cmdlines = append(cmdlines, cmdline)
	} else {
		merged := mergePattern(cmdline, cmdlines[idx])
		cmdlines[idx] = merged
		deduped := cmdlines[:0]
		seen := false
		for _, c := range cmdlines {
			if c == merged {
				if seen {
					continue
				}
				seen = true
			}
			deduped = append(deduped, c)
		}
		cmdlines = deduped
	}

	sort.Strings(cmdlines)
	return cmdlines
}
