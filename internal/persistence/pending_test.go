package persistence

import (
	"context"
	"path/filepath"
	"testing"
)

func openTestLedger(t *testing.T) *PendingLedger {
	t.Helper()
	dir := t.TempDir()
	l, err := OpenPendingLedger(filepath.Join(dir, "pending.db"))
	if err != nil {
		t.Fatalf("OpenPendingLedger: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func TestMarkPendingThenListPending(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.MarkPending(ctx, "/usr/bin/foo", "foo", "digest-a"); err != nil {
		t.Fatalf("MarkPending: %v", err)
	}
	if err := l.MarkPending(ctx, "/usr/bin/bar", "bar", "digest-b"); err != nil {
		t.Fatalf("MarkPending: %v", err)
	}

	entries, err := l.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
}

func TestMarkPendingUpsertsOnConflict(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.MarkPending(ctx, "/usr/bin/foo", "foo", "digest-a"); err != nil {
		t.Fatalf("MarkPending: %v", err)
	}
	if err := l.MarkPending(ctx, "/usr/bin/foo", "foo-renamed", "digest-a"); err != nil {
		t.Fatalf("MarkPending (update): %v", err)
	}

	entries, err := l.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("len(entries) = %d, want 1 (upsert, not insert)", len(entries))
	}
	if entries[0].Name != "foo-renamed" {
		t.Errorf("Name = %q, want %q", entries[0].Name, "foo-renamed")
	}
}

func TestMarkResolvedRemovesEntry(t *testing.T) {
	l := openTestLedger(t)
	ctx := context.Background()

	if err := l.MarkPending(ctx, "/usr/bin/foo", "foo", "digest-a"); err != nil {
		t.Fatalf("MarkPending: %v", err)
	}
	if err := l.MarkResolved(ctx, "/usr/bin/foo", "digest-a"); err != nil {
		t.Fatalf("MarkResolved: %v", err)
	}

	entries, err := l.ListPending(ctx)
	if err != nil {
		t.Fatalf("ListPending: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("len(entries) = %d, want 0 after resolution", len(entries))
	}
}

func TestMarkResolvedUnknownEntryIsNoop(t *testing.T) {
	l := openTestLedger(t)
	if err := l.MarkResolved(context.Background(), "/usr/bin/nope", "digest-x"); err != nil {
		t.Errorf("MarkResolved on unknown entry: %v", err)
	}
}
