// Package retrieval polls a capability URL until the artifact behind it exists, then
// writes it to a local file.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecapture/internal/metrics"
)

// Retry budget. Delays grow as BaseDelay * 2^n and are capped at MaxDelay, so the whole
// budget covers roughly the capture timeout plus packaging and upload.
const (
	DefaultMaxAttempts = 12
	DefaultBaseDelay   = 10 * time.Second
	DefaultMaxDelay    = 120 * time.Second
)

// Outcome is how a retrieval ended.
type Outcome string

// Retrieval outcomes.
const (
	Downloaded    Outcome = "downloaded"
	AlreadyExists Outcome = "already-exists"
	Failed        Outcome = "failed"
)

// Reason classifies a failed retrieval.
type Reason string

// Failure reasons. NotReady is ambiguous: the job may still be running or may have failed.
const (
	ReasonNotReady  Reason = "not-ready"
	ReasonRejected  Reason = "rejected"
	ReasonTransport Reason = "transport"
	ReasonLocal     Reason = "local"
)

// Error describes a failed retrieval.
type Error struct {
	Reason     Reason
	Attempts   int
	StatusCode int
	Err        error
}

func (e *Error) Error() string {
	switch e.Reason {
	case ReasonNotReady:
		return fmt.Sprintf("artifact not available after %d attempts; the job may still be running or may have failed, try again later or contact an operator", e.Attempts)
	case ReasonRejected:
		return fmt.Sprintf("capability rejected with status %d; it may have expired", e.StatusCode)
	default:
		if e.Err == nil {
			return fmt.Sprintf("retrieval failed (%s)", e.Reason)
		}
		return fmt.Sprintf("retrieval failed (%s): %v", e.Reason, e.Err)
	}
}

func (e *Error) Unwrap() error { return e.Err }

// Option customizes a Client.
type Option func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.http = hc }
}

// WithBackoff overrides the retry budget.
func WithBackoff(maxAttempts int, base, maxDelay time.Duration) Option {
	return func(c *Client) {
		c.maxAttempts = maxAttempts
		c.baseDelay = base
		c.maxDelay = maxDelay
	}
}

// WithSleep replaces the delay function, for tests.
func WithSleep(sleep func(context.Context, time.Duration) error) Option {
	return func(c *Client) { c.sleep = sleep }
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client retrieves artifacts. It is safe for concurrent use; each Retrieve call is an
// independent loop.
type Client struct {
	http        *http.Client
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
	sleep       func(context.Context, time.Duration) error
	logger      *zap.Logger
}

// New returns a Client with the default retry budget.
func New(opts ...Option) *Client {
	c := &Client{
		http:        &http.Client{Timeout: 5 * time.Minute},
		maxAttempts: DefaultMaxAttempts,
		baseDelay:   DefaultBaseDelay,
		maxDelay:    DefaultMaxDelay,
		sleep:       sleepWithContext,
		logger:      zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.maxAttempts < 1 {
		c.maxAttempts = 1
	}
	return c
}

// Retrieve downloads url to dest. An existing dest is never touched and no request is made.
func (c *Client) Retrieve(ctx context.Context, url, dest string) (Outcome, error) {
	logger := c.logger.With(zap.String("dest", dest))
	if _, err := os.Lstat(dest); err == nil {
		logger.Warn("destination exists, not downloading")
		return AlreadyExists, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return Failed, &Error{Reason: ReasonLocal, Err: err}
	}

	var lastErr error
	for attempt := 1; attempt <= c.maxAttempts; attempt++ {
		done, err := c.attempt(ctx, url, dest)
		if done {
			if err != nil {
				var rerr *Error
				if errors.As(err, &rerr) {
					rerr.Attempts = attempt
				}
				return Failed, err
			}
			logger.Info("artifact downloaded", zap.Int("attempts", attempt))
			return Downloaded, nil
		}
		lastErr = err
		if attempt == c.maxAttempts {
			break
		}
		delay := c.backoff(attempt)
		logger.Debug("artifact not ready", zap.Int("attempt", attempt), zap.Duration("retry_in", delay), zap.Error(err))
		if err := c.sleep(ctx, delay); err != nil {
			return Failed, &Error{Reason: ReasonTransport, Attempts: attempt, Err: err}
		}
	}

	var rerr *Error
	if errors.As(lastErr, &rerr) && rerr.Reason == ReasonTransport {
		rerr.Attempts = c.maxAttempts
		return Failed, rerr
	}
	return Failed, &Error{Reason: ReasonNotReady, Attempts: c.maxAttempts, Err: lastErr}
}

// attempt performs one request. done is false when the failure is retryable.
func (c *Client) attempt(ctx context.Context, url, dest string) (done bool, err error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		metrics.ObserveRetrievalAttempt("invalid")
		return true, &Error{Reason: ReasonRejected, Err: err}
	}
	resp, err := c.http.Do(req)
	if err != nil {
		metrics.ObserveRetrievalAttempt("transport")
		if ctx.Err() != nil {
			return true, &Error{Reason: ReasonTransport, Err: err}
		}
		return false, &Error{Reason: ReasonTransport, Err: err}
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == http.StatusOK:
		metrics.ObserveRetrievalAttempt("ok")
		if err := writeNew(dest, resp.Body); err != nil {
			return true, &Error{Reason: ReasonLocal, StatusCode: resp.StatusCode, Err: err}
		}
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		metrics.ObserveRetrievalAttempt("not-found")
		return false, fmt.Errorf("status %d", resp.StatusCode)
	case resp.StatusCode >= http.StatusInternalServerError:
		metrics.ObserveRetrievalAttempt("server-error")
		return false, &Error{Reason: ReasonTransport, StatusCode: resp.StatusCode, Err: fmt.Errorf("status %d", resp.StatusCode)}
	default:
		metrics.ObserveRetrievalAttempt("rejected")
		return true, &Error{Reason: ReasonRejected, StatusCode: resp.StatusCode}
	}
}

func (c *Client) backoff(attempt int) time.Duration {
	delay := c.baseDelay
	for i := 1; i < attempt && delay < c.maxDelay; i++ {
		delay *= 2
	}
	return min(delay, c.maxDelay)
}

// writeNew streams r into a file that must not exist yet. A partial file is removed.
func writeNew(dest string, r io.Reader) error {
	// #nosec G304 -- dest is chosen by the caller of the CLI.
	f, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	if _, err := io.Copy(f, r); err != nil {
		_ = f.Close()
		_ = os.Remove(dest)
		return fmt.Errorf("write %s: %w", dest, err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(dest)
		return fmt.Errorf("close %s: %w", dest, err)
	}
	return nil
}

func sleepWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("retrieval backoff: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
