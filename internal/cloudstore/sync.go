package cloudstore

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	syncerr "github.com/23skdu/cloudsync/internal/errors"
	"github.com/23skdu/cloudsync/internal/operation"
	"github.com/23skdu/cloudsync/internal/pull"
	"github.com/23skdu/cloudsync/internal/push"
	"github.com/23skdu/cloudsync/internal/reachability"
	"github.com/23skdu/cloudsync/internal/remote"
	"github.com/23skdu/cloudsync/internal/resilience"
)

const (
	kindPull = "pull"
	kindPush = "push"
)

// Notification is the part of a remote change notification the store
// matches on. An empty Zone means every zone of the container.
type Notification struct {
	ContainerID string
	Zone        string
}

// Run bootstraps the zone, announces the account state and then syncs until
// ctx is done or the store is closed: an initial pull, a push every
// PushInterval, a pull every PullInterval and whatever triggers arrive.
func (s *Store) Run(ctx context.Context) error {
	if err := s.announce(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.loop(gctx) })
	if m := s.opts.Reachability; m != nil {
		g.Go(func() error { return s.followReachability(gctx, m) })
	}
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (s *Store) loop(ctx context.Context) error {
	pushTicker := time.NewTicker(s.opts.PushInterval)
	defer pushTicker.Stop()
	var pullC <-chan time.Time
	if s.opts.PullInterval > 0 {
		t := time.NewTicker(s.opts.PullInterval)
		defer t.Stop()
		pullC = t.C
	}

	s.background(kindPull)
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return nil
		case <-pushTicker.C:
			s.background(kindPush)
		case <-pullC:
			s.background(kindPull)
		case kind := <-s.triggers:
			s.background(kind)
		}
	}
}

func (s *Store) followReachability(ctx context.Context, m *reachability.Monitor) error {
	ch, cancel := m.Subscribe()
	defer cancel()
	s.queue.SetStatus(m.Current())
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.ctx.Done():
			return nil
		case st, ok := <-ch:
			if !ok {
				return nil
			}
			s.queue.SetStatus(st)
			if st.Reachable() {
				s.trigger(kindPull)
			}
		}
	}
}

// trigger asks the run loop for a pull or push. Requests made while one is
// already waiting are coalesced.
func (s *Store) trigger(kind string) {
	select {
	case s.triggers <- kind:
	default:
	}
}

func (s *Store) background(kind string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		var err error
		switch kind {
		case kindPull:
			if !s.CanRead() {
				return
			}
			_, err = s.Pull(s.ctx)
		case kindPush:
			if !s.CanWrite() {
				return
			}
			_, err = s.Push(s.ctx)
		}
		if err != nil && s.ctx.Err() == nil {
			s.logger.Warn().Err(err).Str("kind", kind).Msg("Background sync failed")
		}
	}()
}

// announce ensures the zone exists when the account allows it and publishes
// the account state.
func (s *Store) announce(ctx context.Context) error {
	acct := s.Account()
	if acct.Status != remote.AccountAvailable {
		s.emit(Event{Kind: EventAccountUnavailable, Account: acct.Status, Err: s.errUnavailable("cloudstore.announce")})
		return nil
	}
	err := s.submit(ctx, "ensure-zone", func(ctx context.Context) error {
		return s.remote.EnsureZone(ctx, s.opts.Zone)
	})
	if err != nil {
		if syncerr.Is(err, syncerr.ErrorTypeAccountUnavailable) {
			s.halt(err)
			return nil
		}
		return err
	}
	s.emit(Event{Kind: EventAccountReady, Account: acct.Status})
	return nil
}

// halt stops syncing until AccountChanged reports a usable account.
func (s *Store) halt(err error) {
	s.mu.Lock()
	already := s.halted
	s.halted = true
	status := s.account.Status
	s.mu.Unlock()
	if !already {
		s.emit(Event{Kind: EventAccountUnavailable, Account: status, Err: err})
	}
}

// AccountChanged rereads the account. A different account reopens the
// backing store for the new identity; any account change resumes a halted
// session.
func (s *Store) AccountChanged(ctx context.Context) error {
	acct, err := readAccount(ctx, s.remote, s.opts.Retry)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.account = acct
	s.halted = false
	old := s.sess
	s.mu.Unlock()

	if id := Identifier(s.opts.Scope, acct); id != old.identifier {
		s.queue.CancelAll()
		sess, err := openSession(ctx, s.opts, acct, s.remote, s.comp, s.logger)
		if err != nil {
			return err
		}
		s.mu.Lock()
		s.sess = sess
		s.mu.Unlock()
		if err := old.store.Close(); err != nil {
			s.logger.Warn().Err(err).Str("path", old.path).Msg("Closing previous backing store")
		}
		s.logger.Info().Str("from", old.identifier).Str("to", id).Str("path", sess.path).Msg("Switched backing store")
	}

	if err := s.announce(ctx); err != nil {
		return err
	}
	if s.CanRead() {
		s.trigger(kindPull)
	}
	return nil
}

// readAccount asks the remote for the account, retrying transient failures
// under policy. Open and AccountChanged run outside the operation queue.
func readAccount(ctx context.Context, rs remote.Store, policy *resilience.RetryPolicy) (remote.Account, error) {
	return resilience.Retry(ctx, policy, func() (remote.Account, error) {
		return rs.AccountStatus(ctx)
	})
}

// SetAllowsWWAN toggles sync over metered networks.
func (s *Store) SetAllowsWWAN(allowed bool) {
	s.queue.SetAllowsWWAN(allowed)
}

// HandleRemoteNotification schedules a pull when n concerns this store. A
// burst of notifications collapses into one pull after NotificationDelay.
func (s *Store) HandleRemoteNotification(n Notification) bool {
	if n.ContainerID != s.opts.ContainerID || (n.Zone != "" && n.Zone != s.opts.Zone) {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	if s.notify != nil {
		s.notify.Stop()
	}
	s.notify = time.AfterFunc(s.opts.NotificationDelay, func() { s.trigger(kindPull) })
	return true
}

// Pull fetches and applies remote changes until the zone is drained. A pull
// already in flight is joined rather than repeated.
func (s *Store) Pull(ctx context.Context) (pull.Result, error) {
	if !s.CanRead() {
		return pull.Result{}, s.errUnavailable("cloudstore.Pull")
	}
	v, err := s.single(ctx, kindPull, s.pullOnce)
	res, _ := v.(pull.Result)
	return res, err
}

// Push sends pending local changes. A push already in flight is joined.
func (s *Store) Push(ctx context.Context) (push.Result, error) {
	if !s.CanWrite() {
		return push.Result{}, s.errUnavailable("cloudstore.Push")
	}
	v, err := s.single(ctx, kindPush, s.pushOnce)
	res, _ := v.(push.Result)
	return res, err
}

// SyncNow pulls then pushes, skipping whichever the account does not allow.
func (s *Store) SyncNow(ctx context.Context) error {
	if !s.CanRead() {
		return s.errUnavailable("cloudstore.SyncNow")
	}
	if _, err := s.Pull(ctx); err != nil {
		return err
	}
	if !s.CanWrite() {
		return nil
	}
	_, err := s.Push(ctx)
	return err
}

// single runs fn once per key at a time. The shared call runs on the store's
// lifetime context so one caller giving up does not cancel it for the rest.
func (s *Store) single(ctx context.Context, key string, fn func(context.Context) (any, error)) (any, error) {
	ch := s.flights.DoChan(key, func() (any, error) { return fn(s.ctx) })
	select {
	case r := <-ch:
		return r.Val, r.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// submit runs fn as a queued operation and waits for its outcome.
func (s *Store) submit(ctx context.Context, kind string, fn operation.Func) error {
	op, err := s.queue.AddFunc(kind, fn, operation.WithPolicy(s.opts.Retry))
	if err != nil {
		return err
	}
	defer op.Cancel()
	return op.Wait(ctx)
}

func (s *Store) pullOnce(ctx context.Context) (any, error) {
	sess := s.current()
	importing, err := sess.importPending(ctx)
	if err != nil {
		return pull.Result{}, err
	}
	if importing {
		s.setImporting(true)
		s.emit(Event{Kind: EventImportStarted, Account: s.Account().Status})
	}

	var (
		mu  sync.Mutex
		res pull.Result
	)
	err = s.submit(ctx, kindPull, func(ctx context.Context) error {
		r, err := sess.pull.PullAll(ctx)
		mu.Lock()
		res = r
		mu.Unlock()
		return err
	})
	mu.Lock()
	out := res
	mu.Unlock()

	if importing {
		s.setImporting(false)
		if err != nil {
			s.emit(Event{Kind: EventImportFailed, Account: s.Account().Status, Err: err})
		} else {
			s.emit(Event{Kind: EventImportFinished, Account: s.Account().Status})
		}
	}
	if err != nil {
		s.failed(kindPull, err)
		return out, err
	}
	s.trigger(kindPush)
	return out, nil
}

func (s *Store) pushOnce(ctx context.Context) (any, error) {
	sess := s.current()
	var (
		mu  sync.Mutex
		res push.Result
	)
	err := s.submit(ctx, kindPush, func(ctx context.Context) error {
		r, err := sess.push.Push(ctx)
		mu.Lock()
		res = r
		mu.Unlock()
		return err
	})
	mu.Lock()
	out := res
	mu.Unlock()

	if out.Conflicted() {
		s.trigger(kindPull)
	}
	if err != nil {
		s.failed(kindPush, err)
	}
	return out, err
}

func (s *Store) failed(kind string, err error) {
	switch {
	case syncerr.Is(err, syncerr.ErrorTypeAccountUnavailable):
		s.halt(err)
	case errors.Is(err, context.Canceled), errors.Is(err, operation.ErrCancelled):
	default:
		s.logger.Error().Err(err).Str("kind", kind).Msg("Sync operation failed")
	}
}

func (s *Store) setImporting(v bool) {
	s.mu.Lock()
	s.importing = v
	s.mu.Unlock()
}
