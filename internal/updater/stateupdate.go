package updater

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/aschaap/picosnitch-go/internal/procinfo"
	"github.com/aschaap/picosnitch-go/internal/reputation"
)

// applyUpdate runs the state-update algorithm for one resolved
// (identity, connection, timestamp) triple, atomically with respect to any
// concurrent Snapshot() read (invariant I6).
func (u *Updater) applyUpdate(p pendingUpdate, digest string) {
	u.state.lock()
	defer u.state.unlock()

	cfg := u.state.Config
	proc := p.proc

	cmdline := proc.Cmdline
	if !cfg.LogCommandLines {
		cmdline = ""
	}

	dns := ""
	if p.ip != "" && !procinfo.IsPrivateOrReserved(p.ip) {
		dns = reverseDomainName(reverseDNS(p.ip))
	}
	if !cfg.LogRemoteAddress {
		dns = ""
	}

	_, hadExe := u.state.Processes[proc.Exe]
	_, hadName := u.state.Names[proc.Name]
	if !hadExe || !hadName {
		u.state.LatestEntries = append(u.state.LatestEntries, p.ctime+" "+proc.Name+" - "+proc.Exe)
	}

	u.updateNameIndexLocked(proc, p.ip, p.port)

	loggable := cfg.Loggable(p.port, proc.Name)

	entry, exists := u.state.Processes[proc.Exe]
	if !exists {
		ports := []int{}
		if p.port >= 0 {
			ports = append(ports, p.port)
		}
		entry = &ExecutableRecord{
			Name:            proc.Name,
			Cmdlines:        []string{cmdline},
			FirstSeen:       p.ctime,
			LastSeen:        p.ctime,
			DaysSeen:        1,
			Ports:           ports,
			RemoteAddresses: []string{},
			Results:         map[string]string{digest: reputation.PendingVerdict},
		}
		u.state.Processes[proc.Exe] = entry
		u.requestReputationLocked(proc, digest)
		if loggable && dns != "" {
			entry.RemoteAddresses = append(entry.RemoteAddresses, dns)
		}
	} else {
		u.updateExistingRecordLocked(entry, proc, cmdline, p.port, p.ctime, digest, loggable, dns)
	}

	u.updateAddressIndexLocked(dns, proc.Exe, loggable, p.ctime)
}

// updateNameIndexLocked mirrors the original's Names-update branch: a
// known name gains a new path (with notification); an unknown name is
// created either because this event carries a network address, or because
// connections-only logging is disabled.
func (u *Updater) updateNameIndexLocked(proc procinfo.Identity, ip string, port int) {
	paths, ok := u.state.Names[proc.Name]
	if ok {
		for _, e := range paths {
			if e == proc.Exe {
				return
			}
		}
		u.state.Names[proc.Name] = append(paths, proc.Exe)
		u.notifier.Notify("New executable detected for " + proc.Name + ": " + proc.Exe)
		return
	}

	if ip != "" || port >= 0 {
		u.state.Names[proc.Name] = []string{proc.Exe}
		u.notifier.Notify("First network connection detected for " + proc.Name)
		return
	}

	if !u.state.Config.OnlyLogConnections {
		u.state.Names[proc.Name] = []string{proc.Exe}
	}
}

// updateExistingRecordLocked mutates an already-created ExecutableRecord:
// alternative-name tokens, clustered cmdlines, sorted ports, remote
// addresses, digest/verdict bookkeeping, and the days-seen/last-seen
// timestamps.
func (u *Updater) updateExistingRecordLocked(entry *ExecutableRecord, proc procinfo.Identity, cmdline string, port int, ctime, digest string, loggable bool, dns string) {
	if !strings.Contains(entry.Name, proc.Name) {
		entry.Name += " alternative=" + proc.Name
	}

	entry.Cmdlines = insertCmdline(entry.Cmdlines, cmdline)

	if port >= 0 && !containsInt(entry.Ports, port) {
		entry.Ports = append(entry.Ports, port)
		sort.Ints(entry.Ports)
	}

	if dns != "" && !containsString(entry.RemoteAddresses, dns) && loggable {
		entry.RemoteAddresses = append(entry.RemoteAddresses, dns)
	}

	if _, ok := entry.Results[digest]; !ok {
		entry.Results[digest] = reputation.PendingVerdict
		u.requestReputationLocked(proc, digest)
		u.notifier.Notify("New sha256 detected for " + proc.Name + ": " + proc.Exe)
	}

	if dateTokens(ctime) != dateTokens(entry.LastSeen) {
		entry.DaysSeen++
	}
	entry.LastSeen = ctime
}

// updateAddressIndexLocked mirrors the original's Remote-Addresses update:
// a known reverse-DNS name gains this executable (after dropping the
// legacy "no processes found" placeholder, if present); an unknown one is
// created with a "First connection" sentinel, subject to the unlog filter.
func (u *Updater) updateAddressIndexLocked(dns, exe string, loggable bool, ctime string) {
	if list, ok := u.state.RemoteAddresses[dns]; ok {
		if containsString(list, exe) {
			return
		}
		merged := make([]string, 0, len(list)+1)
		merged = append(merged, list[0], exe)
		merged = append(merged, list[1:]...)
		u.state.RemoteAddresses[dns] = removeAll(merged, NoProcessesPlaceholder)
		return
	}

	if loggable {
		u.state.RemoteAddresses[dns] = []string{"First connection: " + ctime, exe}
	}
}

// requestReputationLocked submits a reputation query for (proc, digest).
// Called while the state lock is already held, so failures are recorded
// directly rather than through the locking recordError helper.
func (u *Updater) requestReputationLocked(proc procinfo.Identity, digest string) {
	if u.ledger != nil {
		if err := u.ledger.MarkPending(context.Background(), proc.Exe, proc.Name, digest); err != nil {
			u.logger.Warn("updater: mark pending in ledger failed", "error", err)
		}
	}
	if u.reputation.Submit(reputation.Request{Exe: proc.Exe, Name: proc.Name, Digest: digest}) {
		return
	}
	msg := fmt.Sprintf("reputation request dropped for %s (%s)", proc.Exe, digest)
	u.state.Errors = append(u.state.Errors, nowCtime()+" "+msg)
	u.logger.Warn("updater: " + msg)
}

// dateTokens returns the first three whitespace-separated tokens of a
// ctime string: weekday, month, day-of-month, which together denote the
// calendar day for day-rollover comparisons.
func dateTokens(ctime string) string {
	fields := strings.Fields(ctime)
	if len(fields) > 3 {
		fields = fields[:3]
	}
	return strings.Join(fields, " ")
}

func containsInt(xs []int, v int) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

func containsString(xs []string, v string) bool {
	for _, x := range xs {
		if x == v {
			return true
		}
	}
	return false
}

// removeAll returns list with every occurrence of v removed.
func removeAll(list []string, v string) []string {
	out := list[:0]
	for _, e := range list {
		if e != v {
			out = append(out, e)
		}
	}
	return out
}
