// Package monitor implements the Monitor component: it consumes decoded
// kernel-probe records, reassembles fragmented execve argv accumulations
// into whole command lines, and publishes normalized events to the Updater.
package monitor

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/aschaap/picosnitch-go/internal/kprobe"
	"github.com/aschaap/picosnitch-go/internal/snitchevent"
)

// defaultArgvBound caps the accumulated length of a single execve cmdline
// before the tail is replaced by the literal token "...".
const defaultArgvBound = 4096

// defaultEventBuffer sizes the ingress channel the Updater reads from.
const defaultEventBuffer = 4096

// Monitor reassembles fragmented execve records from a kprobe.Source into
// whole ExecEvents, passes ConnEvents through unchanged, and publishes both
// as snitchevent.Event values on a bounded channel.
type Monitor struct {
	source    kprobe.Source
	logger    *slog.Logger
	argvBound int

	events chan snitchevent.Event

	mu       sync.Mutex
	cancel   func()
	stopOnce sync.Once
	wg       sync.WaitGroup

	fragments     map[uint32]*strings.Builder
	fragmentNames map[uint32]string
}

// Option configures a Monitor at construction time.
type Option func(*Monitor)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(m *Monitor) { m.logger = logger }
}

// WithArgvBound overrides the default accumulated-cmdline length bound.
func WithArgvBound(n int) Option {
	return func(m *Monitor) { m.argvBound = n }
}

// WithEventBuffer overrides the default ingress channel capacity.
func WithEventBuffer(n int) Option {
	return func(m *Monitor) { m.events = make(chan snitchevent.Event, n) }
}

// New constructs a Monitor reading from source. The returned Monitor is not
// yet running; call Start to begin delivering events.
func New(source kprobe.Source, opts ...Option) *Monitor {
	m := &Monitor{
		source:    source,
		logger:    slog.Default(),
		argvBound: defaultArgvBound,
		events:    make(chan snitchevent.Event, defaultEventBuffer),
		fragments: make(map[uint32]*strings.Builder),

		fragmentNames: make(map[uint32]string),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Events returns the channel on which normalized events are published. The
// channel is closed after Stop returns.
func (m *Monitor) Events() <-chan snitchevent.Event {
	return m.events
}

// Start attaches to the kernel-probe source and begins translating its
// records into events. Calling Start on an already-running Monitor is a
// no-op.
func (m *Monitor) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		return nil
	}

	raw, err := m.source.Attach(ctx)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	m.wg.Add(1)
	go m.run(ctx, raw)

	m.logger.Info("monitor started")
	return nil
}

// Stop cancels the background loop, waits for it to exit, and closes the
// Events channel. Stop is idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() {
		m.mu.Lock()
		cancel := m.cancel
		m.mu.Unlock()

		if cancel != nil {
			cancel()
		}
		_ = m.source.Close()
		m.wg.Wait()

		close(m.events)
		m.logger.Info("monitor stopped")
	})
}

func (m *Monitor) run(ctx context.Context, raw <-chan snitchevent.RawRecord) {
	defer m.wg.Done()

	for {
		select {
		case <-ctx.Done():
			return
		case rec, ok := <-raw:
			if !ok {
				return
			}
			m.handleRecord(rec)
		}
	}
}

func (m *Monitor) handleRecord(rec snitchevent.RawRecord) {
	switch rec.Type {
	case "exec":
		m.handleExecFragment(rec)
	case "conn":
		m.publish(snitchevent.Event{
			Kind: snitchevent.Conn,
			PID:  int(rec.PID),
			PPID: int(rec.PPID),
			Name: rec.Name,
			IP:   rec.IP,
			Port: int(rec.Port),
			Host: rec.Host,
		})
	default:
		m.logger.Warn("monitor: unrecognized record type", slog.String("type", rec.Type))
	}
}

// handleExecFragment accumulates one argv fragment for rec.PID. On the
// fragment marked Final, it flushes the accumulated cmdline as one ExecEvent,
// named by the latest fragment for that pid that carried a name, and forgets
// the accumulator for that pid.
func (m *Monitor) handleExecFragment(rec snitchevent.RawRecord) {
	b, ok := m.fragments[rec.PID]
	if !ok {
		b = &strings.Builder{}
		m.fragments[rec.PID] = b
	}
	if rec.Name != "" {
		m.fragmentNames[rec.PID] = rec.Name
	}

	if b.Len() > 0 && rec.Cmdline != "" {
		b.WriteByte(' ')
	}
	if b.Len() < m.argvBound {
		b.WriteString(rec.Cmdline)
	}

	if !rec.Final {
		return
	}

	cmdline := b.String()
	if len(cmdline) > m.argvBound {
		cmdline = cmdline[:m.argvBound] + "..."
	}
	name := m.fragmentNames[rec.PID]
	delete(m.fragments, rec.PID)
	delete(m.fragmentNames, rec.PID)

	m.publish(snitchevent.Event{
		Kind:    snitchevent.Exec,
		PID:     int(rec.PID),
		Name:    name,
		Cmdline: cmdline,
	})
}

// publish delivers evt to the ingress channel without blocking; an overflow
// drops the event and logs a warning, matching the Monitor's backpressure
// contract (ingress channel full → drop and report).
func (m *Monitor) publish(evt snitchevent.Event) {
	select {
	case m.events <- evt:
	default:
		m.logger.Warn("monitor: ingress channel full, dropping event",
			slog.String("kind", string(evt.Kind)),
			slog.Int("pid", evt.PID),
		)
	}
}
