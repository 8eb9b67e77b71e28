package remote

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/23skdu/cloudsync/internal/breaker"
	syncerr "github.com/23skdu/cloudsync/internal/errors"
	"github.com/23skdu/cloudsync/internal/metrics"
	"github.com/23skdu/cloudsync/internal/record"
)

// Guard wraps a Store with a circuit breaker, error classification and
// request metrics.
type Guard struct {
	inner   Store
	backend string
	cb      *breaker.CircuitBreaker
	logger  zerolog.Logger
}

// NewGuard guards inner. backend labels metrics ("memory", "s3").
func NewGuard(inner Store, backend string, settings breaker.Settings, logger zerolog.Logger) *Guard {
	g := &Guard{
		inner:   inner,
		backend: backend,
		logger:  logger.With().Str("component", "remote").Str("backend", backend).Logger(),
	}
	if settings.Name == "" {
		settings.Name = "remote-" + backend
	}
	next := settings.OnStateChange
	settings.OnStateChange = func(name string, from, to breaker.State) {
		metrics.CircuitBreakerState.WithLabelValues(name).Set(float64(to))
		g.logger.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		if next != nil {
			next(name, from, to)
		}
	}
	g.cb = breaker.NewCircuitBreaker(settings)
	metrics.CircuitBreakerState.WithLabelValues(settings.Name).Set(float64(breaker.StateClosed))
	return g
}

// Breaker exposes the breaker for health reporting.
func (g *Guard) Breaker() *breaker.CircuitBreaker {
	return g.cb
}

func (g *Guard) call(method string, fn func() error) error {
	start := time.Now()
	err := g.cb.Do(func() error {
		if err := fn(); err != nil {
			return syncerr.Classify(err)
		}
		return nil
	})
	metrics.RemoteRequestDurationSeconds.WithLabelValues(g.backend, method).Observe(time.Since(start).Seconds())
	if err != nil {
		se := syncerr.Classify(err)
		metrics.RemoteErrorsTotal.WithLabelValues(g.backend, string(se.Type)).Inc()
		g.logger.Debug().Err(err).Str("method", method).Str("type", string(se.Type)).Msg("Remote request failed")
		return se
	}
	return nil
}

func (g *Guard) AccountStatus(ctx context.Context) (Account, error) {
	var a Account
	err := g.call("AccountStatus", func() (err error) {
		a, err = g.inner.AccountStatus(ctx)
		return err
	})
	return a, err
}

func (g *Guard) EnsureZone(ctx context.Context, zone string) error {
	return g.call("EnsureZone", func() error {
		return g.inner.EnsureZone(ctx, zone)
	})
}

func (g *Guard) FetchChanges(ctx context.Context, zone, token string) (*ChangeSet, error) {
	var cs *ChangeSet
	err := g.call("FetchChanges", func() (err error) {
		cs, err = g.inner.FetchChanges(ctx, zone, token)
		return err
	})
	return cs, err
}

func (g *Guard) ModifyRecords(ctx context.Context, zone string, saves []*record.Record, deletes []record.ID) (*ModifyResult, error) {
	var res *ModifyResult
	err := g.call("ModifyRecords", func() (err error) {
		res, err = g.inner.ModifyRecords(ctx, zone, saves, deletes)
		return err
	})
	return res, err
}

func (g *Guard) MaxBatchSize() int {
	return g.inner.MaxBatchSize()
}
