package updater

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/aschaap/picosnitch-go/internal/procinfo"
	"github.com/aschaap/picosnitch-go/internal/reputation"
	"github.com/aschaap/picosnitch-go/internal/snitchevent"
)

// defaultDwell is the fixed sleep at the head of every iteration.
const defaultDwell = 5 * time.Second

// defaultPidCacheSize bounds the PidIdentity correlation cache. Policy, not
// a correctness requirement (see design note on the 9000-entry bound);
// backed by an LRU rather than a strict FIFO.
const defaultPidCacheSize = 9000

// maxMissed bounds how many rounds a deferred connection is re-queued
// before it is dropped.
const maxMissed = 5

// persistInterval is how often the Updater considers writing a snapshot.
const persistInterval = 30 * time.Second

// persistMaxAge forces a write even when the serialized size hasn't
// changed, once this much time has passed since the last write.
const persistMaxAge = 600 * time.Second

// Hasher is the subset of internal/hasher.Hasher the Updater depends on.
type Hasher interface {
	Digest(ctx context.Context, exe string) (string, error)
}

// Resolver is the subset of internal/procinfo.ProcResolver the Updater
// depends on.
type Resolver interface {
	Resolve(ctx context.Context, pid int) (procinfo.Identity, error)
}

// Reputation is the subset of internal/reputation.Client the Updater
// depends on.
type Reputation interface {
	Submit(req reputation.Request) bool
	Results() <-chan reputation.Result
}

// Notifier delivers a fire-and-forget, user-visible notification. The
// default implementation logs; a real desktop-notification backend can be
// substituted via WithNotifier.
type Notifier interface {
	Notify(message string)
}

// LogNotifier is the default Notifier: it prints the message through a
// logger, matching the documented fallback behavior when no system
// notifier is available.
type LogNotifier struct {
	Logger *slog.Logger
}

// Notify implements Notifier.
func (n LogNotifier) Notify(message string) {
	logger := n.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Info("picosnitch notification", slog.String("message", message))
}

// Persister writes a snapshot of the knowledge base to durable storage and
// flushes the error log, matching §6's "on each successful persist, Errors
// is appended to error.log and then cleared" rule.
type Persister interface {
	Persist(ctx context.Context, snapshot []byte) error
	FlushErrors(ctx context.Context, lines []string) error
}

// PendingEntry is one (executable, digest) pair awaiting a reputation
// verdict, as recorded by a PendingLedger.
type PendingEntry struct {
	Exe    string
	Name   string
	Digest string
}

// PendingLedger lets the Updater resume its check_pending sweep (§5) on
// restart without re-walking the full knowledge base for "Pending"
// verdicts. Optional: an Updater without one still works, falling back to
// a state scan in ResumePending.
type PendingLedger interface {
	MarkPending(ctx context.Context, exe, name, digest string) error
	MarkResolved(ctx context.Context, exe, digest string) error
	ListPending(ctx context.Context) ([]PendingEntry, error)
}

// pendingUpdate is one (identity, connection, timestamp) triple awaiting
// the state-update algorithm.
type pendingUpdate struct {
	proc  procinfo.Identity
	ip    string
	port  int // -1 marks a synthetic "no connection" event (bare exec)
	ctime string
}

// deferredConn is a ConnEvent awaiting identity resolution across rounds.
type deferredConn struct {
	pid, ppid int
	name      string
	ip        string
	port      int
	missed    int
}

// Updater runs the cooperative state-machine loop described in the
// component design: drain events, resolve identities, correlate orphan
// connections, mutate the knowledge base, emit notifications, and
// periodically persist.
type Updater struct {
	logger     *slog.Logger
	hasher     Hasher
	resolver   Resolver
	reputation Reputation
	notifier   Notifier
	persister  Persister
	ledger     PendingLedger

	dwell       time.Duration
	pidCacheCap int

	ingress <-chan snitchevent.Event

	state     *State
	knownPids *lru.Cache[int, procinfo.Identity]
	deferred  []deferredConn

	lastPersistSize int
	lastPersistAt   time.Time

	mu       sync.Mutex
	cancel   func()
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures an Updater at construction time.
type Option func(*Updater)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(u *Updater) { u.logger = logger }
}

// WithDwell overrides the default 5-second iteration dwell.
func WithDwell(d time.Duration) Option {
	return func(u *Updater) { u.dwell = d }
}

// WithNotifier overrides the default log-only notifier.
func WithNotifier(n Notifier) Option {
	return func(u *Updater) { u.notifier = n }
}

// WithPersister registers the durable-storage sink. Without one, the
// Updater still mutates state in memory but never writes it out.
func WithPersister(p Persister) Option {
	return func(u *Updater) { u.persister = p }
}

// WithPendingLedger registers the resume ledger used by ResumePending.
// Without one, ResumePending falls back to scanning the knowledge base
// directly for "Pending" verdicts.
func WithPendingLedger(l PendingLedger) Option {
	return func(u *Updater) { u.ledger = l }
}

// WithPidCacheSize overrides the default 9000-entry PidIdentity bound.
func WithPidCacheSize(n int) Option {
	return func(u *Updater) { u.pidCacheCap = n }
}

// WithState seeds the Updater with a pre-existing knowledge base, used for
// restart handoff (a fresh Updater resumes from a Supervisor-held
// snapshot) and for tests.
func WithState(s *State) Option {
	return func(u *Updater) { u.state = s }
}

// New constructs an Updater reading events from ingress and consulting
// hasher, resolver, and rep for the synchronous lookups the state-update
// algorithm requires. The returned Updater is not yet running.
func New(ingress <-chan snitchevent.Event, hasher Hasher, resolver Resolver, rep Reputation, opts ...Option) *Updater {
	cache, _ := lru.New[int, procinfo.Identity](defaultPidCacheSize)
	u := &Updater{
		logger:      slog.Default(),
		hasher:      hasher,
		resolver:    resolver,
		reputation:  rep,
		dwell:       defaultDwell,
		pidCacheCap: defaultPidCacheSize,
		ingress:     ingress,
		state:       NewState(DefaultConfig()),
		knownPids:   cache,
	}
	for _, opt := range opts {
		opt(u)
	}
	u.notifier = orDefaultNotifier(u.notifier, u.logger)
	if u.pidCacheCap != defaultPidCacheSize {
		if cache, err := lru.New[int, procinfo.Identity](u.pidCacheCap); err == nil {
			u.knownPids = cache
		}
	}
	return u
}

func orDefaultNotifier(n Notifier, logger *slog.Logger) Notifier {
	if n != nil {
		return n
	}
	return LogNotifier{Logger: logger}
}

// State returns the knowledge base. Callers outside the Updater's own
// goroutine must not mutate it; it is exposed read-mostly for snapshotting
// and tests.
func (u *Updater) State() *State {
	return u.state
}

// Start launches the update loop. Calling Start on an already-running
// Updater is a no-op.
func (u *Updater) Start(ctx context.Context) error {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	u.cancel = cancel

	u.wg.Add(1)
	go u.run(ctx)

	u.logger.Info("updater started")
	return nil
}

// Stop cancels the update loop and waits for it to exit, persisting a
// final snapshot first if a Persister is registered. Idempotent.
func (u *Updater) Stop() {
	u.stopOnce.Do(func() {
		u.mu.Lock()
		cancel := u.cancel
		u.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		u.wg.Wait()
		u.logger.Info("updater stopped")
	})
}

func (u *Updater) run(ctx context.Context) {
	defer u.wg.Done()
	defer u.persistFinal(context.Background())

	ticker := time.NewTicker(u.dwell)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			u.tick(ctx)
		}
	}
}

func (u *Updater) persistFinal(ctx context.Context) {
	if u.persister == nil {
		return
	}
	snap, err := u.state.Snapshot()
	if err != nil {
		u.logger.Warn("updater: final snapshot encode failed", slog.Any("error", err))
		return
	}
	if err := u.persister.Persist(ctx, snap); err != nil {
		u.logger.Warn("updater: final persist failed", slog.Any("error", err))
		return
	}
	u.flushErrorsLocked(ctx)
}

// flushErrorsLocked hands the current Errors slice to the persister's
// error.log sink and clears it from the live state, but only once the
// persister has confirmed the write — a failed flush leaves Errors intact
// so nothing is lost, just retried on the next successful persist.
func (u *Updater) flushErrorsLocked(ctx context.Context) {
	u.state.mu.Lock()
	lines := u.state.Errors
	u.state.mu.Unlock()

	if len(lines) == 0 {
		return
	}
	if err := u.persister.FlushErrors(ctx, lines); err != nil {
		u.logger.Warn("updater: flush error log failed", slog.Any("error", err))
		return
	}

	u.state.mu.Lock()
	u.state.Errors = u.state.Errors[len(lines):]
	u.state.mu.Unlock()
}

// ResumePending implements the startup check_pending sweep (§5): every
// digest whose verdict is still "Pending" — because the process exited (or
// was restarted) before a reputation result arrived — is re-submitted. It
// prefers the PendingLedger (if registered) for O(pending) resume; without
// one it falls back to scanning the knowledge base directly.
func (u *Updater) ResumePending(ctx context.Context) {
	if u.ledger != nil {
		entries, err := u.ledger.ListPending(ctx)
		if err != nil {
			u.logger.Warn("updater: resume pending: ledger scan failed, falling back to state scan", slog.Any("error", err))
		} else {
			u.state.lock()
			for _, e := range entries {
				u.resubmitPending(e.Exe, e.Name, e.Digest)
			}
			u.state.unlock()
			return
		}
	}

	u.state.lock()
	defer u.state.unlock()
	for exe, entry := range u.state.Processes {
		for digest, verdict := range entry.Results {
			if verdict == reputation.PendingVerdict {
				u.resubmitPending(exe, entry.Name, digest)
			}
		}
	}
}

func (u *Updater) resubmitPending(exe, name, digest string) {
	u.requestReputationLocked(procinfo.Identity{Exe: exe, Name: name}, digest)
}

// Prime feeds events directly into the same batch-processing path a
// regular tick uses, bypassing the ingress channel. It is meant to be
// called once, before Start, to seed the knowledge base from
// procinfo.InitialScan's startup snapshot of the live process table.
func (u *Updater) Prime(ctx context.Context, events []snitchevent.Event) {
	u.processBatch(ctx, events)
}

// tick runs one full iteration of the cooperative loop: drain the ingress
// channel, partition and correlate the batch plus the carried-over deferred
// queue, apply the state-update algorithm to every resolved triple, merge
// reputation results, and persist on schedule.
func (u *Updater) tick(ctx context.Context) {
	u.processBatch(ctx, u.drainIngress())
	u.drainReputationResults()
	u.maybePersist(ctx)
}

func (u *Updater) processBatch(ctx context.Context, batch []snitchevent.Event) {
	execs, conns := partition(batch)

	pending := u.applyExecs(execs)

	fromConns, freshlyDeferred := u.applyConns(ctx, conns)
	pending = append(pending, fromConns...)

	oldDeferred := u.deferred
	u.deferred = freshlyDeferred
	pending = append(pending, u.applyDeferred(oldDeferred)...)

	for _, p := range pending {
		digest, err := u.hasher.Digest(ctx, p.proc.Exe)
		if err != nil {
			u.recordError(fmt.Sprintf("update snitch: digest lookup failed for %s: %v", p.proc.Exe, err))
			continue
		}
		u.applyUpdate(p, digest)
	}
}

// partition splits a batch into its ExecEvents and ConnEvents, preserving
// relative order within each, so that ExecEvents of a batch are always
// applied before its ConnEvents regardless of arrival order within the
// channel drain.
func partition(batch []snitchevent.Event) (execs, conns []snitchevent.Event) {
	for _, e := range batch {
		switch e.Kind {
		case snitchevent.Exec:
			execs = append(execs, e)
		case snitchevent.Conn:
			conns = append(conns, e)
		}
	}
	return execs, conns
}

// drainIngress non-blockingly collects every event currently queued.
func (u *Updater) drainIngress() []snitchevent.Event {
	var batch []snitchevent.Event
	for {
		select {
		case e, ok := <-u.ingress:
			if !ok {
				return batch
			}
			batch = append(batch, e)
		default:
			return batch
		}
	}
}

// applyExecs inserts/overwrites PidIdentity for every ExecEvent and, unless
// connections-only logging is configured, queues each as a bare-exec
// pending update.
func (u *Updater) applyExecs(execs []snitchevent.Event) []pendingUpdate {
	ctime := nowCtime()
	var pending []pendingUpdate

	for _, e := range execs {
		exe, _ := tokenizeExec(e.Cmdline)
		id := procinfo.Identity{PID: e.PID, Name: e.Name, Exe: exe, Cmdline: e.Cmdline}
		u.knownPids.Add(e.PID, id)

		if !u.state.Config.OnlyLogConnections {
			pending = append(pending, pendingUpdate{proc: id, ip: "", port: -1, ctime: ctime})
		}
	}
	return pending
}

// applyConns resolves identity for each ConnEvent of the current batch.
// Events whose pid (or, failing that, ppid) resolves are queued for a state
// update; unresolved events are returned as freshly deferred, to be
// retried starting next round.
func (u *Updater) applyConns(ctx context.Context, conns []snitchevent.Event) (pending []pendingUpdate, deferredOut []deferredConn) {
	ctime := nowCtime()

	for _, e := range conns {
		if id, ok := u.knownPids.Get(e.PID); ok {
			pending = append(pending, pendingUpdate{proc: id, ip: e.IP, port: e.Port, ctime: ctime})
			continue
		}

		if id, err := u.resolver.Resolve(ctx, e.PID); err == nil && id.Exe != "" {
			u.knownPids.Add(e.PID, id)
			pending = append(pending, pendingUpdate{proc: id, ip: e.IP, port: e.Port, ctime: ctime})
			continue
		}

		// The child most often forked and exited before user space
		// could observe it; use the parent's identity as the best
		// guess for both parent and child if it resolves.
		parent, ok := u.knownPids.Get(e.PPID)
		if !ok {
			if id, err := u.resolver.Resolve(ctx, e.PPID); err == nil && id.Exe != "" {
				parent, ok = id, true
				u.knownPids.Add(e.PPID, id)
			}
		}
		if ok {
			u.knownPids.Add(e.PID, parent)
			pending = append(pending, pendingUpdate{proc: parent, ip: e.IP, port: e.Port, ctime: ctime})
			continue
		}

		deferredOut = append(deferredOut, deferredConn{
			pid: e.PID, ppid: e.PPID, name: e.Name, ip: e.IP, port: e.Port, missed: 1,
		})
	}
	return pending, deferredOut
}

// applyDeferred resolves the deferred queue carried over from prior
// rounds. Now-known pids are queued for a state update; still-unknown ones
// are re-deferred with an incremented missed counter, up to maxMissed,
// after which they are dropped and recorded as an error.
func (u *Updater) applyDeferred(queue []deferredConn) []pendingUpdate {
	ctime := nowCtime()
	var pending []pendingUpdate

	for _, dc := range queue {
		if id, ok := u.knownPids.Get(dc.pid); ok {
			pending = append(pending, pendingUpdate{proc: id, ip: dc.ip, port: dc.port, ctime: ctime})
			continue
		}
		if dc.missed < maxMissed {
			dc.missed++
			u.deferred = append(u.deferred, dc)
			continue
		}
		u.recordError(fmt.Sprintf("no known process for conn: pid=%d ppid=%d name=%s ip=%s port=%d",
			dc.pid, dc.ppid, dc.name, dc.ip, dc.port))
	}
	return pending
}

// drainReputationResults merges every available reputation verdict into
// the matching ExecutableRecord.
func (u *Updater) drainReputationResults() {
	for {
		select {
		case res, ok := <-u.reputation.Results():
			if !ok {
				return
			}
			u.mergeReputationResult(res)
		default:
			return
		}
	}
}

func (u *Updater) mergeReputationResult(res reputation.Result) {
	u.state.lock()
	defer u.state.unlock()

	entry, ok := u.state.Processes[res.Exe]
	if !ok {
		return
	}
	entry.Results[res.Digest] = res.Verdict
	if u.ledger != nil {
		if err := u.ledger.MarkResolved(context.Background(), res.Exe, res.Digest); err != nil {
			u.logger.Warn("updater: mark resolved in pending ledger failed", slog.Any("error", err))
		}
	}
	if res.Suspicious {
		u.notifier.Notify("Suspicious results for " + entry.Name)
	}
}

// maybePersist writes a snapshot if the persist interval has elapsed and
// either the serialized size changed or the max age has been exceeded.
func (u *Updater) maybePersist(ctx context.Context) {
	if u.persister == nil {
		return
	}
	if time.Since(u.lastPersistAt) < persistInterval {
		return
	}

	size, err := u.state.recordSize()
	if err != nil {
		u.recordError(fmt.Sprintf("persist: encode failed: %v", err))
		return
	}
	if size == u.lastPersistSize && time.Since(u.lastPersistAt) < persistMaxAge {
		return
	}

	snap, err := u.state.Snapshot()
	if err != nil {
		u.recordError(fmt.Sprintf("persist: snapshot failed: %v", err))
		return
	}
	if err := u.persister.Persist(ctx, snap); err != nil {
		u.recordError(fmt.Sprintf("persist: write failed: %v", err))
		return
	}
	u.lastPersistSize = size
	u.lastPersistAt = time.Now()
	u.flushErrorsLocked(ctx)
}

func (u *Updater) recordError(msg string) {
	entry := nowCtime() + " " + msg
	u.state.mu.Lock()
	u.state.Errors = append(u.state.Errors, entry)
	u.state.mu.Unlock()
	u.logger.Warn("updater: " + msg)
}

// nowCtime formats the current time the way the persisted format's ctime
// fields expect: weekday, month, and day as the first three
// whitespace-separated tokens (time.ANSIC matches this layout exactly).
func nowCtime() string {
	return time.Now().Format(time.ANSIC)
}
