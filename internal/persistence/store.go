// Package persistence implements the §6 persisted knowledge base: an
// atomically-written, pretty-printed JSON snapshot file, the error.log
// flush-and-clear sink, and a small SQLite ledger that lets the Updater
// resume its reputation check_pending sweep on restart without re-walking
// the (possibly large) JSON snapshot. It is the concrete implementation of
// internal/updater.Persister.
package persistence

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/aschaap/picosnitch-go/internal/updater"
)

// SnapshotFile and ErrorLogFile are the filenames written inside a Store's
// directory, matching spec.md §6's persisted-state layout.
const (
	SnapshotFile = "snitch.json"
	ErrorLogFile = "error.log"
)

// requiredTopLevelKeys are the §6 top-level keys that must be present on
// read; a missing one is fatal (InvalidPersistedState).
var requiredTopLevelKeys = []string{
	"Config", "Errors", "Latest Entries", "Names", "Processes", "Remote Addresses",
}

// Store is the durable-storage sink for one daemon's knowledge base. It
// implements updater.Persister.
type Store struct {
	dir string
}

// New returns a Store rooted at dir, creating it (and any missing parents)
// with 0700 permissions if it does not already exist.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("persistence: create state dir %q: %w", dir, err)
	}
	return &Store{dir: dir}, nil
}

// SnapshotPath returns the path to the persisted knowledge-base JSON file.
func (s *Store) SnapshotPath() string { return filepath.Join(s.dir, SnapshotFile) }

// ErrorLogPath returns the path to the append-only error log.
func (s *Store) ErrorLogPath() string { return filepath.Join(s.dir, ErrorLogFile) }

// Persist atomically writes snapshot to SnapshotPath: it writes to a
// temporary file in the same directory (so the rename is on the same
// filesystem) and renames it over the target, so a reader never observes a
// partially-written file and a crash mid-write leaves the prior snapshot
// intact.
func (s *Store) Persist(ctx context.Context, snapshot []byte) error {
	tmp, err := os.CreateTemp(s.dir, ".snitch-*.json.tmp")
	if err != nil {
		return fmt.Errorf("persistence: create temp snapshot file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(snapshot); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("persistence: write temp snapshot file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("persistence: sync temp snapshot file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("persistence: close temp snapshot file: %w", err)
	}

	if err := os.Rename(tmpPath, s.SnapshotPath()); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("persistence: rename temp snapshot file: %w", err)
	}
	return nil
}

// FlushErrors appends lines to the error.log sink. Called by the Updater
// once a snapshot persist succeeds, after which the Errors slice in the
// live state is cleared; a failure here leaves the Errors entries in memory
// so they are retried on the next successful persist rather than lost.
func (s *Store) FlushErrors(ctx context.Context, lines []string) error {
	if len(lines) == 0 {
		return nil
	}

	f, err := os.OpenFile(s.ErrorLogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("persistence: open error log: %w", err)
	}
	defer f.Close()

	var buf bytes.Buffer
	for _, line := range lines {
		buf.WriteString(line)
		buf.WriteByte('\n')
	}
	if _, err := f.Write(buf.Bytes()); err != nil {
		return fmt.Errorf("persistence: append error log: %w", err)
	}
	return nil
}

// LoadState reads and validates a previously persisted snapshot. A missing
// file returns (nil, os.ErrNotExist)-wrapping error so callers can
// distinguish "fresh install" from a corrupt snapshot. Any required
// top-level key missing, or present with the wrong JSON type, is reported
// as an InvalidPersistedState error — fatal at startup per spec.md §7.
func (s *Store) LoadState() (*updater.State, error) {
	data, err := os.ReadFile(s.SnapshotPath())
	if err != nil {
		return nil, fmt.Errorf("persistence: read snapshot: %w", err)
	}

	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, &InvalidPersistedStateError{Cause: fmt.Errorf("snapshot is not a JSON object: %w", err)}
	}

	var missing []string
	for _, key := range requiredTopLevelKeys {
		if _, ok := raw[key]; !ok {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, &InvalidPersistedStateError{Cause: fmt.Errorf("missing required key(s): %v", missing)}
	}

	state := updater.NewState(updater.DefaultConfig())
	if err := json.Unmarshal(data, state); err != nil {
		return nil, &InvalidPersistedStateError{Cause: fmt.Errorf("type mismatch decoding snapshot: %w", err)}
	}
	return state, nil
}

// InvalidPersistedStateError wraps the fatal-at-startup condition described
// in spec.md §7: a persisted snapshot that is missing a required key or has
// a key of the wrong type.
type InvalidPersistedStateError struct {
	Cause error
}

func (e *InvalidPersistedStateError) Error() string {
	return fmt.Sprintf("persistence: invalid persisted state: %v", e.Cause)
}

func (e *InvalidPersistedStateError) Unwrap() error { return e.Cause }
