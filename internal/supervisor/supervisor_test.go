package supervisor

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/aschaap/picosnitch-go/internal/hasher"
	"github.com/aschaap/picosnitch-go/internal/monitor"
	"github.com/aschaap/picosnitch-go/internal/procinfo"
	"github.com/aschaap/picosnitch-go/internal/reputation"
	"github.com/aschaap/picosnitch-go/internal/snitchevent"
	"github.com/aschaap/picosnitch-go/internal/updater"
)

// fakeSource is a kprobe.Source that never delivers records, sufficient for
// exercising the Supervisor's start/stop/restart plumbing without a real
// kernel probe.
type fakeSource struct {
	ch chan snitchevent.RawRecord
}

func newFakeSource() *fakeSource { return &fakeSource{ch: make(chan snitchevent.RawRecord)} }

func (s *fakeSource) Attach(context.Context) (<-chan snitchevent.RawRecord, error) {
	return s.ch, nil
}

func (s *fakeSource) Close() error { return nil }

// fakeSampler reports a fixed RSS value that a test can change mid-run.
type fakeSampler struct {
	mu  sync.Mutex
	rss uint64
}

func (f *fakeSampler) set(rss uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rss = rss
}

func (f *fakeSampler) RSSBytes(int) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.rss, nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(noopWriter{}, nil))
}

type noopWriter struct{}

func (noopWriter) Write(p []byte) (int, error) { return len(p), nil }

func newTestDeps(t *testing.T) (Deps, *fakeSampler) {
	t.Helper()

	h := hasher.New()
	resolver := procinfo.New()
	rep := reputation.New(reputation.DisabledService{})
	mon := monitor.New(newFakeSource())
	up := updater.New(mon.Events(), h, resolver, rep)

	sampler := &fakeSampler{}

	deps := Deps{
		Monitor:    mon,
		Resolver:   resolver,
		Hasher:     h,
		Reputation: rep,
		Updater:    up,
		SelfPID:    1,
		RebuildUpdater: func(seed *updater.State) *updater.Updater {
			return updater.New(mon.Events(), h, resolver, rep, updater.WithState(seed))
		},
	}
	return deps, sampler
}

func TestSupervisorStartStop(t *testing.T) {
	deps, sampler := newTestDeps(t)
	s := New(deps, WithLogger(testLogger()), WithMemSampler(sampler))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
}

func TestCheckMonitorRestartsOverCeiling(t *testing.T) {
	deps, sampler := newTestDeps(t)
	s := New(deps, WithLogger(testLogger()), WithMemSampler(sampler), WithMonitorMemCeilingMiB(1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	sampler.set(2 * 1024 * 1024) // exceeds the 1 MiB ceiling
	s.checkMonitor(ctx)

	select {
	case <-s.Aborted():
		t.Fatal("supervisor aborted after a single over-ceiling reading")
	default:
	}
	if len(s.monitorRestarts) != 1 {
		t.Errorf("len(monitorRestarts) = %d, want 1", len(s.monitorRestarts))
	}
}

func TestCheckMonitorAbortsAfterRepeatedRestarts(t *testing.T) {
	deps, sampler := newTestDeps(t)
	s := New(deps, WithLogger(testLogger()), WithMemSampler(sampler), WithMonitorMemCeilingMiB(1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	sampler.set(2 * 1024 * 1024)
	s.checkMonitor(ctx)
	s.checkMonitor(ctx)
	s.checkMonitor(ctx)

	select {
	case <-s.Aborted():
	default:
		t.Fatal("expected supervisor to abort after three over-ceiling readings within the restart window")
	}
}

func TestCheckUpdaterRebuildsOverCeiling(t *testing.T) {
	deps, sampler := newTestDeps(t)
	s := New(deps, WithLogger(testLogger()), WithMemSampler(sampler), WithUpdaterMemCeilingMiB(1))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := s.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	original := s.deps.Updater
	sampler.set(2 * 1024 * 1024)
	s.checkUpdater(ctx)

	s.mu.Lock()
	replaced := s.deps.Updater
	s.mu.Unlock()

	if replaced == original {
		t.Error("expected the Updater to be replaced after exceeding its memory ceiling")
	}
}
