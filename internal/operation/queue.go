package operation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	syncerr "github.com/23skdu/cloudsync/internal/errors"
	"github.com/23skdu/cloudsync/internal/limiter"
	"github.com/23skdu/cloudsync/internal/metrics"
	"github.com/23skdu/cloudsync/internal/reachability"
)

// Config holds queue configuration
type Config struct {
	MaxConcurrent int  `envconfig:"QUEUE_MAX_CONCURRENT" default:"1"`
	AllowsWWAN    bool `envconfig:"ALLOWS_WWAN" default:"true"`
	Limiter       limiter.Config
}

func DefaultConfig() Config {
	return Config{MaxConcurrent: 1, AllowsWWAN: true}
}

// Queue runs operations in submission order with bounded concurrency.
type Queue struct {
	logger  zerolog.Logger
	limiter *limiter.RateLimiter
	max     int

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	wg     sync.WaitGroup

	mu         sync.Mutex
	ready      []*Operation
	live       map[*Operation]struct{}
	running    int
	status     reachability.Status
	allowsWWAN bool
	suspended  bool
	closed     bool
}

// NewQueue starts a queue. The initial network status is local-network until
// SetStatus says otherwise.
func NewQueue(cfg Config, logger zerolog.Logger) *Queue {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		logger:     logger.With().Str("component", "operation_queue").Logger(),
		limiter:    limiter.NewRateLimiter(cfg.Limiter),
		max:        cfg.MaxConcurrent,
		ctx:        ctx,
		cancel:     cancel,
		wake:       make(chan struct{}, 1),
		live:       make(map[*Operation]struct{}),
		status:     reachability.StatusLocalNetwork,
		allowsWWAN: cfg.AllowsWWAN,
	}
	q.wg.Add(1)
	go q.dispatchLoop()
	return q
}

// Add submits an operation.
func (q *Queue) Add(op *Operation) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return syncerr.NewValidationError("queue.Add", "queue is closed")
	}
	op.mu.Lock()
	if op.queue != nil || op.state != StatePending {
		op.mu.Unlock()
		return syncerr.NewValidationError("queue.Add", "operation was already submitted")
	}
	op.queue = q
	op.mu.Unlock()

	q.ready = append(q.ready, op)
	q.live[op] = struct{}{}
	metrics.QueueDepth.Set(float64(len(q.live)))
	q.signal()
	return nil
}

// AddFunc wraps fn in an operation and submits it.
func (q *Queue) AddFunc(kind string, fn Func, opts ...Option) (*Operation, error) {
	op := New(kind, fn, opts...)
	return op, q.Add(op)
}

// SetStatus feeds the admission policy the current network status.
func (q *Queue) SetStatus(s reachability.Status) {
	q.mu.Lock()
	q.status = s
	q.mu.Unlock()
	q.signal()
}

// SetAllowsWWAN toggles whether network work may run on metered networks.
func (q *Queue) SetAllowsWWAN(allowed bool) {
	q.mu.Lock()
	q.allowsWWAN = allowed
	q.mu.Unlock()
	q.signal()
}

// Suspend stops starting new operations. Running ones continue.
func (q *Queue) Suspend() {
	q.mu.Lock()
	q.suspended = true
	q.mu.Unlock()
	metrics.QueueSuspended.Set(1)
}

// Resume undoes Suspend.
func (q *Queue) Resume() {
	q.mu.Lock()
	q.suspended = false
	q.mu.Unlock()
	metrics.QueueSuspended.Set(0)
	q.signal()
}

// Len returns the number of operations that are not terminal.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.live)
}

// CancelAll cancels every outstanding operation.
func (q *Queue) CancelAll() {
	q.mu.Lock()
	ops := make([]*Operation, 0, len(q.live))
	for op := range q.live {
		ops = append(ops, op)
	}
	q.mu.Unlock()

	for _, op := range ops {
		op.Cancel()
	}
}

// Close cancels everything and waits for running bodies to return.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.mu.Unlock()

	q.CancelAll()
	q.cancel()
	q.wg.Wait()
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) forget(op *Operation) {
	q.mu.Lock()
	delete(q.live, op)
	metrics.QueueDepth.Set(float64(len(q.live)))
	q.mu.Unlock()
	q.signal()
}

// admits must hold q.mu.
func (q *Queue) admits(op *Operation) bool {
	if !op.network {
		return true
	}
	switch q.status {
	case reachability.StatusNone:
		return false
	case reachability.StatusMeteredNetwork:
		return q.allowsWWAN
	}
	return true
}

func (q *Queue) dispatchLoop() {
	defer q.wg.Done()
	for {
		select {
		case <-q.ctx.Done():
			return
		case <-q.wake:
			q.dispatch()
		}
	}
}

func (q *Queue) dispatch() {
	q.mu.Lock()
	defer q.mu.Unlock()

	kept := q.ready[:0]
	for _, op := range q.ready {
		if op.State() != StatePending {
			// cancelled while waiting
			continue
		}
		if q.suspended || q.running >= q.max || !q.admits(op) {
			if !q.suspended && q.running < q.max {
				q.logger.Debug().Str("kind", op.kind).Str("status", q.status.String()).
					Bool("allows_wwan", q.allowsWWAN).Msg("Holding operation")
			}
			kept = append(kept, op)
			continue
		}
		q.running++
		q.wg.Add(1)
		go q.execute(op, q.limiter.Delay())
	}
	for i := len(kept); i < len(q.ready); i++ {
		q.ready[i] = nil
	}
	q.ready = kept
}

func (q *Queue) execute(op *Operation, wait time.Duration) {
	defer q.wg.Done()
	defer q.release()

	if wait > 0 {
		t := time.NewTimer(wait)
		select {
		case <-t.C:
		case <-op.done:
			t.Stop()
			return
		case <-q.ctx.Done():
			t.Stop()
			return
		}
	}

	ctx, cancel := context.WithCancel(q.ctx)
	defer cancel()
	if !op.begin(cancel) {
		return
	}

	q.logger.Debug().Str("kind", op.kind).Int("attempt", op.Attempts()).Msg("Operation started")
	start := time.Now()
	err := run(ctx, op.fn)
	metrics.OperationDurationSeconds.WithLabelValues(op.kind).Observe(time.Since(start).Seconds())

	out := op.complete(err)
	switch {
	case out.discard:
		q.logger.Debug().Str("kind", op.kind).Msg("Discarding result of cancelled operation")
	case out.terminal:
		metrics.OperationsTotal.WithLabelValues(op.kind, out.state.String()).Inc()
		if out.state == StateFailed {
			q.logger.Error().Err(out.err).Str("kind", op.kind).Int("attempts", op.Attempts()).Msg("Operation failed")
		} else {
			q.logger.Debug().Str("kind", op.kind).Str("state", out.state.String()).Msg("Operation finished")
		}
		q.forget(op)
	default:
		metrics.OperationRetriesTotal.WithLabelValues(op.kind, retryReason(out.err)).Inc()
		q.logger.Info().Err(out.err).Str("kind", op.kind).Dur("retry_in", out.retryIn).Msg("Operation retry scheduled")
		op.setTimer(time.AfterFunc(out.retryIn, func() { q.requeue(op) }))
	}
}

// retryReason labels a scheduled retry for metrics.
func retryReason(err error) string {
	var d *deferral
	switch {
	case errors.As(err, &d):
		return "deferred"
	case err != nil:
		return string(syncerr.TypeOf(err))
	}
	return "error"
}

func (q *Queue) requeue(op *Operation) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed || !op.requeue() {
		return
	}
	q.ready = append(q.ready, op)
	q.signal()
}

func (q *Queue) release() {
	q.mu.Lock()
	q.running--
	q.mu.Unlock()
	q.signal()
}

// run calls fn, turning a panic into a fatal error.
func run(ctx context.Context, fn Func) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = syncerr.NewFatalError("operation", fmt.Sprintf("panic: %v", r))
		}
	}()
	return fn(ctx)
}
