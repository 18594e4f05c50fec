package persistence

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/aschaap/picosnitch-go/internal/updater"
)

func TestPersistThenLoadStateRoundTrips(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	state := updater.NewState(updater.DefaultConfig())
	snap, err := state.Snapshot()
	if err != nil {
		t.Fatalf("Snapshot: %v", err)
	}

	ctx := context.Background()
	if err := store.Persist(ctx, snap); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	loaded, err := store.LoadState()
	if err != nil {
		t.Fatalf("LoadState: %v", err)
	}
	if loaded.Config.VTLimitRequest != state.Config.VTLimitRequest {
		t.Errorf("VTLimitRequest = %v, want %v", loaded.Config.VTLimitRequest, state.Config.VTLimitRequest)
	}
}

func TestPersistLeavesNoTempFilesBehind(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := store.Persist(context.Background(), []byte(`{}`)); err != nil {
		t.Fatalf("Persist: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	for _, e := range entries {
		if e.Name() != SnapshotFile {
			t.Errorf("unexpected leftover file %q", e.Name())
		}
	}
}

func TestLoadStateMissingFileReturnsNotExist(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	_, err = store.LoadState()
	if !errors.Is(err, os.ErrNotExist) {
		t.Errorf("LoadState error = %v, want a not-exist error", err)
	}
}

func TestLoadStateMissingKeyIsInvalid(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	body, _ := json.Marshal(map[string]interface{}{"Config": map[string]interface{}{}})
	if err := os.WriteFile(filepath.Join(dir, SnapshotFile), body, 0o600); err != nil {
		t.Fatalf("write fixture: %v", err)
	}

	_, err = store.LoadState()
	var invalid *InvalidPersistedStateError
	if !errors.As(err, &invalid) {
		t.Errorf("LoadState error = %v, want *InvalidPersistedStateError", err)
	}
}

func TestFlushErrorsAppends(t *testing.T) {
	dir := t.TempDir()
	store, err := New(dir)
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	if err := store.FlushErrors(context.Background(), []string{"first"}); err != nil {
		t.Fatalf("FlushErrors: %v", err)
	}
	if err := store.FlushErrors(context.Background(), []string{"second"}); err != nil {
		t.Fatalf("FlushErrors: %v", err)
	}

	data, err := os.ReadFile(store.ErrorLogPath())
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	want := "first\nsecond\n"
	if string(data) != want {
		t.Errorf("error.log = %q, want %q", data, want)
	}
}
