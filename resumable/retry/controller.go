// Package retry decides whether and when a failed upload request is retried.
//
// A Controller owns the retry budget of one upload: the retry count, the
// total timeout of the current retry sequence and the exponential delay with
// jitter. The same budget is shared by the engine's own retry loop and by the
// retryablehttp hooks the transport is configured with.
package retry

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"github.com/bitrise-io/go-resumable-upload/resumable/transport"
	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-retryablehttp"
)

var (
	// ErrRetryLimitExceeded is returned once MaxRetries retries were used up.
	ErrRetryLimitExceeded = errors.New("retry limit exceeded")
	// ErrTotalTimeoutExceeded is returned once the retry sequence ran out of time.
	ErrTotalTimeoutExceeded = errors.New("retry total timeout exceeded")
	errUnknownFailure       = errors.New("unknown failure")
)

var (
	_ backoff.BackOff          = (*Controller)(nil)
	_ retryablehttp.CheckRetry = new(Controller).CheckRetry
	_ retryablehttp.Backoff    = new(Controller).Backoff
)

// Controller tracks the retry budget of a single upload. It is safe for
// concurrent use, although an upload only ever drives it from one goroutine
// at a time.
type Controller struct {
	cfg Config

	// OnRetry is called before every granted retry.
	OnRetry func(attempt int, delay time.Duration, err error)

	mu      sync.Mutex
	retries int
	started time.Time
	pending time.Duration
	lastErr error

	now    func() time.Time
	jitter func(limit time.Duration) time.Duration
}

// NewController creates a Controller for cfg.
func NewController(cfg Config) *Controller {
	return &Controller{
		cfg:    cfg,
		now:    time.Now,
		jitter: randomJitter,
	}
}

func randomJitter(limit time.Duration) time.Duration {
	if limit <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(limit)))
}

// Config returns the configuration of the controller.
func (c *Controller) Config() Config {
	return c.cfg
}

// Start marks the first request of a retry sequence. Calls after the first
// one are no-ops until Reset.
func (c *Controller) Start() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started.IsZero() {
		c.started = c.now()
	}
}

// Reset starts a new retry sequence: the retry count and the total timeout
// budget are restored. Called after the server acknowledged progress.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.retries = 0
	c.started = time.Time{}
	c.pending = 0
	c.lastErr = nil
}

// Retries returns the number of retries granted in the current sequence.
func (c *Controller) Retries() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.retries
}

// Delay returns the delay the next retry would wait, without consuming it.
// A value <= 0 means the total timeout budget is spent.
func (c *Controller) Delay() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.delayLocked()
}

func (c *Controller) delayLocked() time.Duration {
	multiplier := c.cfg.RetryDelayMultiplier
	if multiplier <= 0 {
		multiplier = 1
	}

	delay := time.Duration(math.Pow(multiplier, float64(c.retries))*float64(c.cfg.BaseDelay)) + c.jitter(c.cfg.MaxJitter)
	if c.cfg.MaxRetryDelay > 0 && delay > c.cfg.MaxRetryDelay {
		delay = c.cfg.MaxRetryDelay
	}

	if c.cfg.TotalTimeout > 0 {
		var elapsed time.Duration
		if !c.started.IsZero() {
			elapsed = c.now().Sub(c.started)
		}
		if remaining := c.cfg.TotalTimeout - elapsed; delay > remaining {
			delay = remaining
		}
	}

	return delay
}

// Retryable reports whether err may be retried under the configuration.
// It does not check the remaining budget; Next does.
func (c *Controller) Retryable(err error) bool {
	if err == nil || !c.cfg.Enabled() {
		return false
	}
	if errors.Is(err, ErrRetryLimitExceeded) || errors.Is(err, ErrTotalTimeoutExceeded) || errors.Is(err, context.Canceled) {
		return false
	}
	if c.cfg.RetryableErrorFn != nil {
		return c.cfg.RetryableErrorFn(err)
	}
	return IsRetryable(err)
}

// Next consumes one retry for err and returns how long to wait before it.
// When no retry may happen the returned error is final and wraps err.
func (c *Controller) Next(err error) (time.Duration, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err == nil {
		err = errUnknownFailure
	}
	c.lastErr = err

	if !c.cfg.Enabled() {
		return 0, err
	}
	if c.retries >= c.cfg.MaxRetries {
		return 0, fmt.Errorf("%w after %d retries: %w", ErrRetryLimitExceeded, c.retries, err)
	}
	if c.started.IsZero() {
		c.started = c.now()
	}

	delay := c.delayLocked()
	if delay <= 0 {
		return 0, fmt.Errorf("%w: %w", ErrTotalTimeoutExceeded, err)
	}

	c.retries++
	if c.OnRetry != nil {
		c.OnRetry(c.retries, delay, err)
	}

	return delay, nil
}

// Observe records the failure the next NextBackOff call is decided for.
//
// Observe and NextBackOff let callers run their own operations on the
// budget of an upload with backoff.Retry; the operation calls Observe with
// its error before returning it. The upload engine itself uses Next and the
// retryablehttp hooks.
func (c *Controller) Observe(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastErr = err
}

// NextBackOff implements backoff.BackOff. It returns backoff.Stop when the
// budget allows no further retry.
func (c *Controller) NextBackOff() time.Duration {
	c.mu.Lock()
	err := c.lastErr
	c.mu.Unlock()

	delay, err := c.Next(err)
	if err != nil {
		return backoff.Stop
	}
	return delay
}

// CheckRetry is a retryablehttp.CheckRetry backed by the controller's budget.
// A granted retry stores its delay for the following Backoff call.
func (c *Controller) CheckRetry(ctx context.Context, resp *http.Response, err error) (bool, error) {
	if ctx.Err() != nil {
		return false, ctx.Err()
	}

	cause := err
	if cause == nil {
		if resp == nil || resp.StatusCode < http.StatusBadRequest {
			return false, nil
		}
		cause = transport.StatusErrorFromResponse(resp)
	}

	if !c.Retryable(cause) {
		return false, nil
	}

	delay, err := c.Next(cause)
	if err != nil {
		return false, err
	}

	c.mu.Lock()
	c.pending = delay
	c.mu.Unlock()

	return true, nil
}

// Backoff is a retryablehttp.Backoff returning the delay granted by the
// preceding CheckRetry call.
func (c *Controller) Backoff(_, _ time.Duration, _ int, _ *http.Response) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()

	delay := c.pending
	c.pending = 0
	return delay
}
