package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	syncerr "github.com/23skdu/cloudsync/internal/errors"
)

// RetryPolicy bounds how often and how quickly a failed unit of work is retried.
type RetryPolicy struct {
	MaxAttempts  int           `envconfig:"RETRY_MAX_ATTEMPTS" default:"5"`
	InitialDelay time.Duration `envconfig:"RETRY_INITIAL_DELAY" default:"1s"`
	MaxDelay     time.Duration `envconfig:"RETRY_MAX_DELAY" default:"60s"`
	Multiplier   float64       `envconfig:"RETRY_MULTIPLIER" default:"2"`
	Jitter       bool          `envconfig:"RETRY_JITTER" default:"true"`

	RetryableFunc func(error) bool             `ignored:"true"`
	OnRetry       func(attempt int, err error) `ignored:"true"`
}

func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:   5,
		InitialDelay:  time.Second,
		MaxDelay:      60 * time.Second,
		Multiplier:    2.0,
		Jitter:        true,
		RetryableFunc: syncerr.IsRetryable,
	}
}

// Delay returns how long to wait before the given retry (1-based). A
// server-suggested delay carried by err wins over the computed backoff and is
// never shortened by jitter.
func (p *RetryPolicy) Delay(attempt int, err error) time.Duration {
	if d, ok := syncerr.RetryAfter(err); ok {
		return d
	}
	delay := calculateDelay(p, attempt)
	if p.Jitter {
		delay = time.Duration(float64(delay) * (0.8 + 0.4*randFloat()))
		if p.MaxDelay > 0 && delay > p.MaxDelay {
			delay = p.MaxDelay
		}
	}
	return delay
}

// Exhausted reports whether attempts have used up the policy.
func (p *RetryPolicy) Exhausted(attempts int) bool {
	return p.MaxAttempts > 0 && attempts >= p.MaxAttempts
}

// Retry runs fn until it succeeds, returns a non-retryable error, the policy
// is exhausted, or ctx is done. A policy without RetryableFunc retries the
// errors syncerr.IsRetryable accepts. fn always runs at least once.
func Retry[T any](ctx context.Context, policy *RetryPolicy, fn func() (T, error)) (T, error) {
	var result T
	var lastErr error

	if policy == nil {
		policy = DefaultRetryPolicy()
	}
	retryable := policy.RetryableFunc
	if retryable == nil {
		retryable = syncerr.IsRetryable
	}
	attempts := max(policy.MaxAttempts, 1)

	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			t := time.NewTimer(policy.Delay(attempt, lastErr))
			select {
			case <-ctx.Done():
				t.Stop()
				return result, fmt.Errorf("retry cancelled: %w", ctx.Err())
			case <-t.C:
			}
		}

		res, err := fn()
		if err == nil {
			return res, nil
		}
		result = res
		lastErr = err

		if !retryable(err) {
			break
		}
		if policy.OnRetry != nil && attempt+1 < attempts {
			policy.OnRetry(attempt+1, err)
		}
	}

	return result, lastErr
}

func calculateDelay(policy *RetryPolicy, attempt int) time.Duration {
	if attempt <= 0 {
		return policy.InitialDelay
	}

	delay := float64(policy.InitialDelay) * math.Pow(policy.Multiplier, float64(attempt-1))

	if policy.MaxDelay > 0 && delay > float64(policy.MaxDelay) {
		delay = float64(policy.MaxDelay)
	}

	return time.Duration(delay)
}

var (
	rngMu sync.Mutex
	rng   = rand.New(rand.NewSource(time.Now().UnixNano()))
)

func randFloat() float64 {
	rngMu.Lock()
	defer rngMu.Unlock()
	return rng.Float64()
}
