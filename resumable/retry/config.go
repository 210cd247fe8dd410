package retry

import "time"

// Idempotency decides which requests may be retried automatically.
type Idempotency int

const (
	// RetryConditional retries every request except session creation
	// without a generation precondition.
	RetryConditional Idempotency = iota
	// RetryAlways retries every retryable failure.
	RetryAlways
	// RetryNever disables automatic retries.
	RetryNever
)

func (i Idempotency) String() string {
	switch i {
	case RetryConditional:
		return "conditional"
	case RetryAlways:
		return "always"
	case RetryNever:
		return "never"
	default:
		return "unknown"
	}
}

// Config holds the retry configuration of an upload.
type Config struct {
	// AutoRetry enables automatic retries.
	// Default: true
	AutoRetry bool

	// MaxRetries is the number of retries allowed before the upload fails.
	// Default: 3
	MaxRetries int

	// RetryDelayMultiplier is the exponential growth factor of the delay.
	// Default: 2
	RetryDelayMultiplier float64

	// BaseDelay is the delay of the first retry before jitter is added.
	// Default: 1 second
	BaseDelay time.Duration

	// MaxJitter is the upper bound of the random delay added to each retry.
	// Default: 1 second
	MaxJitter time.Duration

	// MaxRetryDelay caps a single delay.
	// Default: 64 seconds
	MaxRetryDelay time.Duration

	// TotalTimeout is the time budget of a retry sequence, measured from
	// its first request. It is not a budget for the whole upload: a sequence
	// ends, and the window restarts with it, whenever the server
	// acknowledges an offset beyond the highest one seen so far.
	// Default: 600 seconds
	TotalTimeout time.Duration

	// Idempotency selects which requests are retried.
	// Default: RetryConditional
	Idempotency Idempotency

	// RetryableErrorFn overrides the default error classification when set.
	RetryableErrorFn func(error) bool
}

// DefaultConfig returns the default retry configuration.
func DefaultConfig() Config {
	return Config{
		AutoRetry:            true,
		MaxRetries:           3,
		RetryDelayMultiplier: 2,
		BaseDelay:            time.Second,
		MaxJitter:            time.Second,
		MaxRetryDelay:        64 * time.Second,
		TotalTimeout:         600 * time.Second,
		Idempotency:          RetryConditional,
	}
}

// Enabled reports whether automatic retries may happen at all.
func (c Config) Enabled() bool {
	return c.AutoRetry && c.Idempotency != RetryNever && c.MaxRetries > 0
}

// CreationRetryAllowed reports whether a failed session creation may be
// retried. Without a generation precondition a repeated creation request is
// not idempotent, so the conditional policy refuses it.
func CreationRetryAllowed(cfg Config, hasGenerationPrecondition bool) bool {
	if !cfg.Enabled() {
		return false
	}
	if cfg.Idempotency == RetryConditional {
		return hasGenerationPrecondition
	}
	return true
}
