// Package supervisor implements the Supervisor component (spec.md §4.5): it
// starts the Monitor, ProcResolver, Hasher, ReputationClient, and Updater
// workers, runs a 5-second health loop that enforces memory ceilings and
// restart policy, and orchestrates shutdown.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/aschaap/picosnitch-go/internal/hasher"
	"github.com/aschaap/picosnitch-go/internal/monitor"
	"github.com/aschaap/picosnitch-go/internal/procinfo"
	"github.com/aschaap/picosnitch-go/internal/reputation"
	"github.com/aschaap/picosnitch-go/internal/updater"
)

// healthInterval is the Supervisor's polling period for liveness and
// memory-ceiling checks.
const healthInterval = 5 * time.Second

// monitorRestartWindow and monitorRestartBudget together implement "two
// restarts within 300s aborts" for the Monitor.
const (
	monitorRestartWindow = 300 * time.Second
	monitorRestartBudget = 2
)

// MemSampler reports the resident-set size, in bytes, of the process with
// the given pid. Abstracted so tests can substitute a fake without touching
// real process tables.
type MemSampler interface {
	RSSBytes(pid int) (uint64, error)
}

// GopsutilMemSampler implements MemSampler via gopsutil, matching the
// original's psutil.Process(pid).memory_info().rss.
type GopsutilMemSampler struct{}

// RSSBytes implements MemSampler.
func (GopsutilMemSampler) RSSBytes(pid int) (uint64, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return 0, fmt.Errorf("supervisor: process table lookup for pid %d: %w", pid, err)
	}
	mem, err := p.MemoryInfo()
	if err != nil {
		return 0, fmt.Errorf("supervisor: read memory info for pid %d: %w", pid, err)
	}
	return mem.RSS, nil
}

// Deps bundles the already-constructed workers and a factory the
// Supervisor uses to rebuild the Updater after a memory-ceiling restart.
type Deps struct {
	Monitor    *monitor.Monitor
	Resolver   *procinfo.ProcResolver
	Hasher     *hasher.Hasher
	Reputation *reputation.Client
	Updater    *updater.Updater

	// RebuildUpdater constructs a replacement Updater seeded with snapshot
	// (the state of the Updater being replaced), reusing the same
	// hasher/resolver/reputation/persister wiring. Required for the
	// Updater memory-ceiling graceful-restart path.
	RebuildUpdater func(snapshot *updater.State) *updater.Updater

	// SelfPID is this process's own pid, used to sample the Supervisor's
	// own children by their subprocess pid. In this implementation all
	// workers are goroutines inside one OS process (see DESIGN.md's "process
	// vs goroutine model" note), so every worker's RSS sample is in fact
	// this same process's RSS; the ceiling still bounds runaway memory
	// growth of the pipeline as a whole, matching the policy's intent.
	SelfPID int
}

// Supervisor runs the health loop described in spec.md §4.5: memory-ceiling
// polling, restart-with-backoff for the Monitor, and graceful handoff
// restart for the Updater. The health loop samples memory only: it does not
// check whether the Hasher, ProcResolver, or ReputationClient workers are
// still running, and the exit of one of them does not tear down the
// pipeline.
type Supervisor struct {
	logger  *slog.Logger
	sampler MemSampler

	monitorMemCeiling uint64
	updaterMemCeiling uint64

	mu   sync.Mutex
	deps Deps

	monitorRestarts []time.Time

	cancel   func()
	stopOnce sync.Once
	wg       sync.WaitGroup

	abort chan struct{}
}

// Option configures a Supervisor at construction time.
type Option func(*Supervisor)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Supervisor) { s.logger = logger }
}

// WithMemSampler overrides the default gopsutil-backed RSS sampler.
func WithMemSampler(m MemSampler) Option {
	return func(s *Supervisor) { s.sampler = m }
}

// WithMonitorMemCeilingMiB overrides the default 256 MiB Monitor ceiling.
func WithMonitorMemCeilingMiB(mib int) Option {
	return func(s *Supervisor) { s.monitorMemCeiling = uint64(mib) * 1024 * 1024 }
}

// WithUpdaterMemCeilingMiB overrides the default 21 MiB Updater ceiling.
func WithUpdaterMemCeilingMiB(mib int) Option {
	return func(s *Supervisor) { s.updaterMemCeiling = uint64(mib) * 1024 * 1024 }
}

// New constructs a Supervisor over deps. The returned Supervisor is not yet
// running workers; call Start.
func New(deps Deps, opts ...Option) *Supervisor {
	s := &Supervisor{
		logger:            slog.Default(),
		sampler:           GopsutilMemSampler{},
		monitorMemCeiling: 256 * 1024 * 1024,
		updaterMemCeiling: 21 * 1024 * 1024,
		deps:              deps,
		abort:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Aborted returns a channel that closes if the Supervisor gives up on the
// pipeline entirely: a Monitor memory-ceiling breach after two Monitor
// restarts within 300s. The exit of another worker does not close it.
func (s *Supervisor) Aborted() <-chan struct{} {
	return s.abort
}

// Start starts all five workers and the health loop. Calling Start on an
// already-running Supervisor is a no-op.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cancel != nil {
		return nil
	}

	if err := s.deps.Hasher.Start(ctx); err != nil {
		return fmt.Errorf("supervisor: start hasher: %w", err)
	}
	if err := s.deps.Resolver.Start(ctx); err != nil {
		return fmt.Errorf("supervisor: start resolver: %w", err)
	}
	if err := s.deps.Reputation.Start(ctx); err != nil {
		return fmt.Errorf("supervisor: start reputation client: %w", err)
	}
	if err := s.deps.Updater.Start(ctx); err != nil {
		return fmt.Errorf("supervisor: start updater: %w", err)
	}
	if err := s.deps.Monitor.Start(ctx); err != nil {
		s.logger.Warn("supervisor: monitor failed to attach, will retry on health loop",
			slog.Any("error", err))
	}

	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(1)
	go s.healthLoop(ctx)

	s.logger.Info("supervisor started")
	return nil
}

// Stop signals every worker's terminate path and waits for the health loop
// to exit. Idempotent.
func (s *Supervisor) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		cancel := s.cancel
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		s.wg.Wait()

		s.deps.Monitor.Stop()
		s.deps.Updater.Stop()
		s.deps.Reputation.Stop()
		s.deps.Resolver.Stop()
		s.deps.Hasher.Stop()
		s.logger.Info("supervisor stopped")
	})
}

func (s *Supervisor) healthLoop(ctx context.Context) {
	defer s.wg.Done()

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkMonitor(ctx)
			s.checkUpdater(ctx)
		}
	}
}

// checkMonitor enforces the Monitor's memory ceiling and restart-with-
// backoff policy: exceeding the ceiling requests a restart; two restarts
// within 300s aborts the whole pipeline, matching §4.5's stated policy.
func (s *Supervisor) checkMonitor(ctx context.Context) {
	rss, err := s.sampler.RSSBytes(s.deps.SelfPID)
	if err != nil {
		s.logger.Warn("supervisor: monitor memory sample failed", slog.Any("error", err))
		return
	}
	if rss <= s.monitorMemCeiling {
		return
	}

	s.logger.Warn("supervisor: monitor exceeded memory ceiling, restarting",
		slog.Uint64("rss_bytes", rss), slog.Uint64("ceiling_bytes", s.monitorMemCeiling))

	now := time.Now()
	cutoff := now.Add(-monitorRestartWindow)
	recent := s.monitorRestarts[:0]
	for _, t := range s.monitorRestarts {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	s.monitorRestarts = append(recent, now)

	if len(s.monitorRestarts) > monitorRestartBudget {
		s.logger.Error("supervisor: monitor restarted twice within 300s, aborting")
		s.triggerAbort()
		return
	}

	s.restartMonitor(ctx)
}

// restartMonitor stops and restarts the Monitor with a bounded exponential
// backoff between the stop and the restart attempt, matching the
// reconnect-backoff shape used elsewhere in this codebase for restartable
// workers.
func (s *Supervisor) restartMonitor(ctx context.Context) {
	s.deps.Monitor.Stop()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0 // a single retry budget; the outer restart-count policy governs giving up

	err := backoff.Retry(func() error {
		return s.deps.Monitor.Start(ctx)
	}, backoff.WithMaxRetries(backoff.WithContext(b, ctx), 3))

	if err != nil {
		s.logger.Error("supervisor: monitor restart failed", slog.Any("error", err))
	}
}

// checkUpdater enforces the Updater's (lower) memory ceiling with a
// graceful handoff restart: the Updater is stopped (which persists a final
// snapshot and, since Stop waits for the goroutine to fully exit, leaves
// its in-memory State() safe to read without a race), then a replacement
// Updater is built seeded from that snapshot.
func (s *Supervisor) checkUpdater(ctx context.Context) {
	rss, err := s.sampler.RSSBytes(s.deps.SelfPID)
	if err != nil {
		s.logger.Warn("supervisor: updater memory sample failed", slog.Any("error", err))
		return
	}
	if rss <= s.updaterMemCeiling {
		return
	}
	if s.deps.RebuildUpdater == nil {
		s.logger.Warn("supervisor: updater exceeded memory ceiling but no rebuild factory configured")
		return
	}

	s.logger.Warn("supervisor: updater exceeded memory ceiling, performing graceful restart",
		slog.Uint64("rss_bytes", rss), slog.Uint64("ceiling_bytes", s.updaterMemCeiling))

	s.mu.Lock()
	defer s.mu.Unlock()

	old := s.deps.Updater
	old.Stop()
	snapshot := old.State()

	fresh := s.deps.RebuildUpdater(snapshot)
	if err := fresh.Start(ctx); err != nil {
		s.logger.Error("supervisor: restarted updater failed to start", slog.Any("error", err))
		return
	}
	s.deps.Updater = fresh
}

func (s *Supervisor) triggerAbort() {
	select {
	case <-s.abort:
	default:
		close(s.abort)
	}
}
