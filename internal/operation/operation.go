// Package operation runs cancelable, retryable units of sync work on a queue
// that limits concurrency and holds network work while the network is
// unusable or metered and disallowed.
package operation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	syncerr "github.com/23skdu/cloudsync/internal/errors"
	"github.com/23skdu/cloudsync/internal/resilience"
)

// State is the lifecycle state of an Operation.
type State int

const (
	StatePending State = iota
	StateExecuting
	StateRetryScheduled
	StateFinished
	StateFailed
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateExecuting:
		return "executing"
	case StateRetryScheduled:
		return "retry_scheduled"
	case StateFinished:
		return "finished"
	case StateFailed:
		return "failed"
	case StateCancelled:
		return "cancelled"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool {
	return s == StateFinished || s == StateFailed || s == StateCancelled
}

// Func is the body of an operation. It must honour ctx cancellation.
type Func func(ctx context.Context) error

// ErrCancelled is the error of a cancelled operation.
var ErrCancelled = syncerr.New(syncerr.ErrorTypeCancelled, "operation", "operation cancelled")

type deferral struct {
	after  time.Duration
	reason string
}

func (d *deferral) Error() string {
	return fmt.Sprintf("retry requested in %s: %s", d.after, d.reason)
}

// RetryAfter is returned by a Func that wants to run again later for a reason
// that is not a failure, such as an account that is not ready yet. It does not
// use up a retry attempt.
func RetryAfter(after time.Duration, reason string) error {
	return &deferral{after: after, reason: reason}
}

// Option configures an Operation.
type Option func(*Operation)

// WithPolicy overrides the retry policy.
func WithPolicy(p *resilience.RetryPolicy) Option {
	return func(o *Operation) { o.policy = p }
}

// LocalOnly marks work that needs no network; it bypasses admission holds.
func LocalOnly() Option {
	return func(o *Operation) { o.network = false }
}

// Operation is a unit of asynchronous work with a future-like result.
type Operation struct {
	kind    string
	fn      Func
	policy  *resilience.RetryPolicy
	network bool

	mu        sync.Mutex
	state     State
	attempts  int
	err       error
	fireAt    time.Time
	cancelRun context.CancelFunc
	timer     *time.Timer
	done      chan struct{}
	queue     *Queue
}

// New creates a pending operation. kind labels logs and metrics.
func New(kind string, fn Func, opts ...Option) *Operation {
	o := &Operation{
		kind:    kind,
		fn:      fn,
		policy:  resilience.DefaultRetryPolicy(),
		network: true,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *Operation) Kind() string {
	return o.kind
}

// State returns the current lifecycle state.
func (o *Operation) State() State {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

// Attempts returns how many times the body has started, excluding
// self-requested deferrals.
func (o *Operation) Attempts() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.attempts
}

// FireAt is when a scheduled retry becomes pending again.
func (o *Operation) FireAt() time.Time {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fireAt
}

// Done is closed when the operation reaches a terminal state.
func (o *Operation) Done() <-chan struct{} {
	return o.done
}

// Err returns the terminal error, or nil while running or on success.
func (o *Operation) Err() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.err
}

// Wait blocks until the operation is terminal or ctx is done.
func (o *Operation) Wait(ctx context.Context) error {
	select {
	case <-o.done:
		return o.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Cancel moves a non-terminal operation to cancelled. An executing body has
// its context cancelled and whatever it returns later is discarded.
func (o *Operation) Cancel() {
	o.mu.Lock()
	if o.state.Terminal() {
		o.mu.Unlock()
		return
	}
	if o.cancelRun != nil {
		o.cancelRun()
	}
	if o.timer != nil {
		o.timer.Stop()
	}
	q := o.terminate(StateCancelled, ErrCancelled)
	o.mu.Unlock()

	if q != nil {
		q.forget(o)
	}
}

// terminate must hold o.mu. It returns the queue to notify.
func (o *Operation) terminate(s State, err error) *Queue {
	o.state = s
	o.err = err
	close(o.done)
	return o.queue
}

// begin marks the operation executing unless it was cancelled while waiting.
func (o *Operation) begin(cancel context.CancelFunc) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StatePending {
		return false
	}
	o.state = StateExecuting
	o.attempts++
	o.cancelRun = cancel
	return true
}

type outcome struct {
	terminal bool
	retryIn  time.Duration
	state    State
	err      error
	discard  bool
}

// complete applies the body's result. The operation, not the queue, decides
// whether err is retryable and how long to wait.
func (o *Operation) complete(err error) outcome {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.cancelRun = nil

	if o.state != StateExecuting {
		// cancelled while running; the late result has no effect
		return outcome{discard: true}
	}

	if err == nil {
		o.terminate(StateFinished, nil)
		return outcome{terminal: true, state: StateFinished}
	}

	var d *deferral
	if errors.As(err, &d) {
		o.attempts--
		o.state = StateRetryScheduled
		o.fireAt = time.Now().Add(d.after)
		return outcome{retryIn: d.after, state: StateRetryScheduled, err: err}
	}

	classified := syncerr.Classify(err)
	retryable := o.policy.RetryableFunc
	if retryable == nil {
		retryable = syncerr.IsRetryable
	}
	if retryable(classified) && !o.policy.Exhausted(o.attempts) {
		delay := o.policy.Delay(o.attempts, classified)
		o.state = StateRetryScheduled
		o.fireAt = time.Now().Add(delay)
		return outcome{retryIn: delay, state: StateRetryScheduled, err: classified}
	}

	state := StateFailed
	if classified.Type == syncerr.ErrorTypeCancelled {
		state = StateCancelled
	}
	o.terminate(state, err)
	return outcome{terminal: true, state: state, err: err}
}

// requeue moves a scheduled retry back to pending.
func (o *Operation) requeue() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state != StateRetryScheduled {
		return false
	}
	o.state = StatePending
	o.timer = nil
	return true
}

func (o *Operation) setTimer(t *time.Timer) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.state == StateRetryScheduled {
		o.timer = t
		return
	}
	t.Stop()
}
