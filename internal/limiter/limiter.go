package limiter

import (
	"time"

	"github.com/23skdu/cloudsync/internal/metrics"
	"golang.org/x/time/rate"
)

// Config holds rate limiter configuration
type Config struct {
	RPS   float64 `envconfig:"RATE_LIMIT_RPS" default:"0"`   // 0 means disabled
	Burst int     `envconfig:"RATE_LIMIT_BURST" default:"0"` // 0 means use RPS
}

// RateLimiter throttles how quickly queued operations are started.
type RateLimiter struct {
	limiter *rate.Limiter
	enabled bool
}

// NewRateLimiter creates a new rate limiter
func NewRateLimiter(cfg Config) *RateLimiter {
	if cfg.RPS <= 0 {
		return &RateLimiter{enabled: false}
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(cfg.RPS)
		if burst < 1 {
			burst = 1
		}
	}
	return &RateLimiter{
		limiter: rate.NewLimiter(rate.Limit(cfg.RPS), burst),
		enabled: true,
	}
}

// Enabled reports whether starts are throttled at all.
func (l *RateLimiter) Enabled() bool {
	return l != nil && l.enabled
}

// Delay reserves a token and returns how long the caller must wait before
// using it. The reservation is cancelled if the wait is impossible.
func (l *RateLimiter) Delay() time.Duration {
	if !l.Enabled() {
		return 0
	}
	r := l.limiter.Reserve()
	if !r.OK() {
		return 0
	}
	d := r.Delay()
	if d > 0 {
		metrics.RateLimitRequestsTotal.WithLabelValues("throttled").Inc()
	} else {
		metrics.RateLimitRequestsTotal.WithLabelValues("allowed").Inc()
	}
	return d
}
