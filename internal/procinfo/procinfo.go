// Package procinfo implements the ProcResolver worker and the startup
// initial-scan routine that seeds the Updater's knowledge base from the live
// process table before the kernel probe has emitted anything.
package procinfo

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"

	gopsnet "github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/aschaap/picosnitch-go/internal/snitchevent"
)

// Identity is a best-effort process identity: name, executable path, and
// command line, as read from the live process table.
type Identity struct {
	PID     int
	Name    string
	Exe     string
	Cmdline string
}

// request pairs a pid lookup with the channel its answer is delivered on.
type request struct {
	pid   int
	reply chan result
}

type result struct {
	identity Identity
	err      error
}

// defaultRequestBuffer sizes the ProcResolver's request channel.
const defaultRequestBuffer = 256

// ProcResolver runs a single synchronous worker goroutine that answers pid
// identity lookups, serializing concurrent requests the way the Hasher
// serializes digest computation.
type ProcResolver struct {
	logger *slog.Logger

	requests chan request

	mu       sync.Mutex
	cancel   func()
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a ProcResolver at construction time.
type Option func(*ProcResolver)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *ProcResolver) { r.logger = logger }
}

// New constructs a ProcResolver. The returned resolver is not yet running;
// call Start before calling Resolve.
func New(opts ...Option) *ProcResolver {
	r := &ProcResolver{
		logger:   slog.Default(),
		requests: make(chan request, defaultRequestBuffer),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Start launches the worker goroutine. Calling Start on an already-running
// resolver is a no-op.
func (r *ProcResolver) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	r.wg.Add(1)
	go r.run(ctx)
	return nil
}

// Stop cancels the worker goroutine and waits for it to exit. Idempotent.
func (r *ProcResolver) Stop() {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		cancel := r.cancel
		r.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		r.wg.Wait()
	})
}

func (r *ProcResolver) run(ctx context.Context) {
	defer r.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-r.requests:
			id, err := resolvePID(req.pid)
			select {
			case req.reply <- result{identity: id, err: err}:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Resolve returns the best-effort identity for pid, or an error if the
// process table has no entry for it (most often because it has already
// exited by the time this is called).
func (r *ProcResolver) Resolve(ctx context.Context, pid int) (Identity, error) {
	reply := make(chan result, 1)
	select {
	case r.requests <- request{pid: pid, reply: reply}:
	case <-ctx.Done():
		return Identity{}, ctx.Err()
	}

	select {
	case res := <-reply:
		return res.identity, res.err
	case <-ctx.Done():
		return Identity{}, ctx.Err()
	}
}

// resolvePID performs the actual /proc (via gopsutil) lookup.
func resolvePID(pid int) (Identity, error) {
	p, err := process.NewProcess(int32(pid))
	if err != nil {
		return Identity{}, fmt.Errorf("procinfo: no process table entry for pid %d: %w", pid, err)
	}

	name, _ := p.Name()
	exe, _ := p.Exe()
	args, _ := p.CmdlineSlice()

	return Identity{
		PID:     pid,
		Name:    name,
		Exe:     exe,
		Cmdline: strings.Join(args, " "),
	}, nil
}

// InitialScan seeds the Updater from the live process table and existing
// non-private remote connections, mirroring the startup behavior of the
// original implementation's initial_poll routine: every process whose exe
// still exists on disk is a candidate ExecEvent (suppressed when
// onlyLogConnections is set), and every connection to a non-private remote
// address is a candidate ConnEvent correlated by pid. Errors resolving
// individual connections are logged and skipped rather than aborting the
// scan.
func InitialScan(onlyLogConnections bool, logger *slog.Logger) []snitchevent.Event {
	if logger == nil {
		logger = slog.Default()
	}

	procs, err := process.Processes()
	if err != nil {
		logger.Warn("procinfo: initial scan: list processes", slog.Any("error", err))
		procs = nil
	}

	byExe := make(map[string]Identity)
	for _, p := range procs {
		exe, err := p.Exe()
		if err != nil || exe == "" {
			continue
		}
		if _, err := os.Stat(exe); err != nil {
			continue
		}
		name, _ := p.Name()
		args, _ := p.CmdlineSlice()
		byExe[exe] = Identity{
			PID:     int(p.Pid),
			Name:    name,
			Exe:     exe,
			Cmdline: strings.Join(args, " "),
		}
	}

	var events []snitchevent.Event

	conns, err := gopsnet.Connections("all")
	if err != nil {
		logger.Warn("procinfo: initial scan: list connections", slog.Any("error", err))
		conns = nil
	}

	for _, conn := range conns {
		if conn.Pid == 0 || conn.Raddr.Ip == "" {
			continue
		}
		if isPrivateOrReserved(conn.Raddr.Ip) {
			continue
		}

		p, err := process.NewProcess(conn.Pid)
		if err != nil {
			logger.Warn("procinfo: initial scan: resolve connection owner",
				slog.Int("pid", int(conn.Pid)), slog.Any("error", err))
			continue
		}
		exe, err := p.Exe()
		if err != nil {
			continue
		}
		name, _ := p.Name()
		ppid, _ := p.Ppid()

		delete(byExe, exe)

		events = append(events, snitchevent.Event{
			Kind: snitchevent.Conn,
			PID:  int(conn.Pid),
			PPID: int(ppid),
			Name: name,
			IP:   conn.Raddr.Ip,
			Port: int(conn.Raddr.Port),
		})
	}

	if !onlyLogConnections {
		for _, id := range byExe {
			events = append(events, snitchevent.Event{
				Kind:    snitchevent.Exec,
				PID:     id.PID,
				Name:    id.Name,
				Cmdline: id.Cmdline,
			})
		}
	}

	return events
}

// IsPrivateOrReserved reports whether ip is a private, loopback, or
// link-local address that should never be recorded as a remote address,
// even defensively inside the Updater's state-update step (the kernel
// probe and the initial scan are expected to filter these upstream, but
// the Updater must tolerate one slipping through).
func IsPrivateOrReserved(ip string) bool {
	return isPrivateOrReserved(ip)
}

// isPrivateOrReserved reports whether ip should be excluded from
// remote-address tracking: RFC 1918 / ULA private ranges, loopback, and
// link-local addresses, matching the original implementation's use of
// ipaddress.is_private.
func isPrivateOrReserved(ip string) bool {
	parsed := net.ParseIP(ip)
	if parsed == nil {
		return true
	}
	return parsed.IsPrivate() || parsed.IsLoopback() || parsed.IsLinkLocalUnicast() || parsed.IsLinkLocalMulticast() || parsed.IsUnspecified()
}
