// Package reputation implements the ReputationClient component: it submits
// executable digests to an external reputation service, rate-limited to at
// most one outbound request per configured interval, and reports back a
// verdict string and a suspicious flag.
package reputation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/ratelimit"
)

// PendingVerdict is the verdict text recorded while a query is in flight.
const PendingVerdict = "Pending"

// NotAnalyzedVerdict is returned when the service has no record for a digest
// and file upload is disabled, so there is no way to force an analysis.
const NotAnalyzedVerdict = "File not analyzed (analysis not found)"

// defaultInterval is the minimum spacing between outbound requests.
const defaultInterval = 15 * time.Second

// Request pairs an executable identity with the digest to look up.
type Request struct {
	Exe    string
	Name   string
	Digest string
}

// Result is delivered once a Request has been resolved to a verdict.
type Result struct {
	Exe        string
	Digest     string
	Verdict    string
	Suspicious bool
}

// Service is the external reputation backend's request/response contract.
// A production Service implementation performs the actual network I/O (for
// example, querying a VirusTotal-compatible API); tests supply a stub.
type Service interface {
	// Lookup returns found=true with a populated verdict and suspicious
	// flag if the service already has an analysis for digest.
	Lookup(ctx context.Context, digest string) (found bool, verdict string, suspicious bool, err error)
	// Upload submits the executable at exe for analysis. The caller
	// retries Lookup afterward until the analysis completes.
	Upload(ctx context.Context, exe string) error
}

// Client runs the rate-limited worker loop described above.
type Client struct {
	svc             Service
	logger          *slog.Logger
	limiter         ratelimit.Limiter
	fileUploadOn    bool
	pollBackoffOpts func() backoff.BackOff

	requests chan Request
	results  chan Result

	mu       sync.Mutex
	cancel   func()
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// Option configures a Client at construction time.
type Option func(*Client)

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithInterval overrides the default 15s minimum inter-request interval.
func WithInterval(d time.Duration) Option {
	return func(c *Client) { c.limiter = ratelimit.New(1, ratelimit.Per(d)) }
}

// WithFileUpload enables or disables submitting unanalyzed executables.
func WithFileUpload(enabled bool) Option {
	return func(c *Client) { c.fileUploadOn = enabled }
}

// WithPollBackoff overrides the default backoff used while polling for an
// analysis verdict after an upload. Exposed chiefly so tests need not wait
// out the default multi-second intervals.
func WithPollBackoff(factory func() backoff.BackOff) Option {
	return func(c *Client) { c.pollBackoffOpts = factory }
}

// New constructs a Client backed by svc. The returned Client is not yet
// running; call Start before sending Requests.
func New(svc Service, opts ...Option) *Client {
	c := &Client{
		svc:      svc,
		logger:   slog.Default(),
		limiter:  ratelimit.New(1, ratelimit.Per(defaultInterval)),
		requests: make(chan Request, 256),
		results:  make(chan Result, 256),
		pollBackoffOpts: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = time.Second
			b.MaxInterval = 30 * time.Second
			b.MaxElapsedTime = 5 * time.Minute
			return b
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Results returns the channel Result values are published on. It is closed
// after Stop returns.
func (c *Client) Results() <-chan Result {
	return c.results
}

// Submit enqueues req for processing without blocking on the rate limiter;
// it returns false if the request channel is full.
func (c *Client) Submit(req Request) bool {
	select {
	case c.requests <- req:
		return true
	default:
		c.logger.Warn("reputation: request channel full, dropping query",
			slog.String("exe", req.Exe), slog.String("digest", req.Digest))
		return false
	}
}

// Start launches the worker goroutine. Calling Start on an already-running
// Client is a no-op.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	c.wg.Add(1)
	go c.run(ctx)
	return nil
}

// Stop cancels the worker goroutine, waits for it to exit, and closes the
// Results channel. Idempotent.
func (c *Client) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		c.wg.Wait()
		close(c.results)
	})
}

func (c *Client) run(ctx context.Context) {
	defer c.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-c.requests:
			c.process(ctx, req)
		}
	}
}

func (c *Client) process(ctx context.Context, req Request) {
	correlationID := uuid.New().String()

	select {
	case <-rateLimited(c.limiter):
	case <-ctx.Done():
		return
	}

	found, verdict, suspicious, err := c.svc.Lookup(ctx, req.Digest)
	if err != nil {
		c.logger.Warn("reputation: lookup failed",
			slog.String("correlation_id", correlationID),
			slog.String("digest", req.Digest), slog.Any("error", err))
		return
	}

	if !found {
		if !c.fileUploadOn {
			c.deliver(Result{Exe: req.Exe, Digest: req.Digest, Verdict: NotAnalyzedVerdict})
			return
		}
		found, verdict, suspicious, err = c.uploadAndPoll(ctx, req, correlationID)
		if err != nil {
			c.logger.Warn("reputation: upload/poll failed",
				slog.String("correlation_id", correlationID),
				slog.String("exe", req.Exe), slog.Any("error", err))
			return
		}
		if !found {
			return // verdict stays Pending; retried at next session's check_pending sweep
		}
	}

	if suspicious {
		c.logger.Warn("reputation: suspicious analysis result",
			slog.String("exe", req.Exe), slog.String("name", req.Name))
	}
	c.deliver(Result{Exe: req.Exe, Digest: req.Digest, Verdict: verdict, Suspicious: suspicious})
}

// uploadAndPoll submits the executable for analysis and polls for its
// verdict with exponential backoff until it is ready or the backoff's
// maximum elapsed time is reached.
func (c *Client) uploadAndPoll(ctx context.Context, req Request, correlationID string) (found bool, verdict string, suspicious bool, err error) {
	if err := c.svc.Upload(ctx, req.Exe); err != nil {
		return false, "", false, err
	}

	b := backoff.WithContext(c.pollBackoffOpts(), ctx)
	pollErr := backoff.Retry(func() error {
		var lookupErr error
		found, verdict, suspicious, lookupErr = c.svc.Lookup(ctx, req.Digest)
		if lookupErr != nil {
			return lookupErr
		}
		if !found {
			return errNotReady
		}
		return nil
	}, b)

	if pollErr != nil && pollErr != errNotReady {
		return false, "", false, pollErr
	}
	return found, verdict, suspicious, nil
}

func (c *Client) deliver(res Result) {
	select {
	case c.results <- res:
	default:
		c.logger.Warn("reputation: results channel full, dropping verdict",
			slog.String("exe", res.Exe), slog.String("digest", res.Digest))
	}
}

// rateLimited returns a channel that closes once the limiter admits the
// next request, letting callers select on it alongside ctx.Done().
func rateLimited(l ratelimit.Limiter) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		l.Take()
		close(done)
	}()
	return done
}

var errNotReady = &notReadyError{}

type notReadyError struct{}

func (*notReadyError) Error() string { return "reputation: analysis not yet ready" }
