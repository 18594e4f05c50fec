// Package hasher implements the Hasher component: a synchronous worker that
// computes the SHA-256 digest of an executable on demand, memoized so that a
// frequently re-exec'd binary is only read from disk once.
package hasher

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"log/slog"
	"os"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// SentinelDigest is returned (and recorded) when the executable could not be
// read — e.g. it has already been replaced or deleted by the time the
// Hasher gets to it. 64 zero characters, matching a well-formed SHA-256 hex
// digest in shape so downstream code need not special-case it structurally.
const SentinelDigest = "0000000000000000000000000000000000000000000000000000000000000000"[:64]

// defaultCacheSize bounds the digest memoization cache.
const defaultCacheSize = 1024

type request struct {
	exe   string
	reply chan string
}

// Hasher runs a single worker goroutine that computes and memoizes digests.
type Hasher struct {
	logger *slog.Logger
	cache  *lru.Cache[string, string]

	requests chan request

	mu       sync.Mutex
	cancel   func()
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Hasher at construction time.
type Option func(*Hasher)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(h *Hasher) { h.logger = logger }
}

// WithCacheSize overrides the default 1024-entry memoization bound.
func WithCacheSize(n int) Option {
	return func(h *Hasher) {
		cache, err := lru.New[string, string](n)
		if err == nil {
			h.cache = cache
		}
	}
}

// New constructs a Hasher. The returned Hasher is not yet running; call
// Start before calling Digest.
func New(opts ...Option) *Hasher {
	cache, _ := lru.New[string, string](defaultCacheSize)
	h := &Hasher{
		logger:   slog.Default(),
		cache:    cache,
		requests: make(chan request, 256),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Start launches the worker goroutine. Calling Start on an already-running
// Hasher is a no-op.
func (h *Hasher) Start(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel

	h.wg.Add(1)
	go h.run(ctx)
	return nil
}

// Stop cancels the worker goroutine and waits for it to exit. Idempotent.
func (h *Hasher) Stop() {
	h.stopOnce.Do(func() {
		h.mu.Lock()
		cancel := h.cancel
		h.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		h.wg.Wait()
	})
}

func (h *Hasher) run(ctx context.Context) {
	defer h.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-h.requests:
			digest := h.digest(req.exe)
			select {
			case req.reply <- digest:
			case <-ctx.Done():
				return
			}
		}
	}
}

// Digest returns the SHA-256 hex digest of the executable at exe, or
// SentinelDigest if it cannot be read.
func (h *Hasher) Digest(ctx context.Context, exe string) (string, error) {
	reply := make(chan string, 1)
	select {
	case h.requests <- request{exe: exe, reply: reply}:
	case <-ctx.Done():
		return "", ctx.Err()
	}

	select {
	case digest := <-reply:
		return digest, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (h *Hasher) digest(exe string) string {
	if d, ok := h.cache.Get(exe); ok {
		return d
	}

	d := computeDigest(exe)
	h.cache.Add(exe, d)
	if d == SentinelDigest {
		h.logger.Warn("hasher: could not read executable", slog.String("exe", exe))
	}
	return d
}

func computeDigest(exe string) string {
	f, err := os.Open(exe)
	if err != nil {
		return SentinelDigest
	}
	defer f.Close()

	sum := sha256.New()
	if _, err := io.Copy(sum, f); err != nil {
		return SentinelDigest
	}
	return hex.EncodeToString(sum.Sum(nil))
}
