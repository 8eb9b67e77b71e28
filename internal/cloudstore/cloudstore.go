// Package cloudstore presents a remote record store as a local object store.
// Writes land in the local SQLite store immediately and reach the remote on
// the next push; remote changes arrive through pulls triggered by timers,
// remote notifications and pushes that hit conflicts.
package cloudstore

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/23skdu/cloudsync/internal/compress"
	syncerr "github.com/23skdu/cloudsync/internal/errors"
	"github.com/23skdu/cloudsync/internal/merge"
	"github.com/23skdu/cloudsync/internal/operation"
	"github.com/23skdu/cloudsync/internal/reachability"
	"github.com/23skdu/cloudsync/internal/remote"
	"github.com/23skdu/cloudsync/internal/resilience"
	"github.com/23skdu/cloudsync/internal/schema"
	"github.com/23skdu/cloudsync/internal/store"
)

// Options configures Open.
type Options struct {
	ContainerID string
	Scope       Scope
	Zone        string
	// DataPath is the root directory of backing stores; ":memory:" keeps
	// everything in memory.
	DataPath    string
	Schema      *schema.Schema
	Compression compress.Config
	Policy      merge.Policy
	AllowsWWAN  bool

	PushInterval time.Duration
	// PullInterval polls for remote changes; zero disables polling.
	PullInterval      time.Duration
	NotificationDelay time.Duration

	BatchSize        int
	ConflictRetries  int
	MaxDeferAttempts int

	Queue operation.Config
	Retry *resilience.RetryPolicy
	// Reachability, when set, drives the queue's network admission.
	Reachability *reachability.Monitor
}

func DefaultOptions() Options {
	return Options{
		Scope:             ScopePrivate,
		Zone:              "default",
		Compression:       compress.DefaultConfig(),
		Policy:            merge.ServerWins,
		AllowsWWAN:        true,
		PushInterval:      15 * time.Second,
		PullInterval:      5 * time.Minute,
		NotificationDelay: time.Second,
		BatchSize:         remote.DefaultMaxBatchSize,
		ConflictRetries:   3,
		MaxDeferAttempts:  10,
		Queue:             operation.DefaultConfig(),
		Retry:             resilience.DefaultRetryPolicy(),
	}
}

func (o Options) validate() error {
	switch {
	case o.ContainerID == "":
		return syncerr.NewConfigurationError("cloudstore.Open", "container id is required")
	case o.Zone == "":
		return syncerr.NewConfigurationError("cloudstore.Open", "zone is required")
	case o.DataPath == "":
		return syncerr.NewConfigurationError("cloudstore.Open", "data path is required")
	case o.Schema == nil:
		return syncerr.NewConfigurationError("cloudstore.Open", "schema is required")
	case o.PushInterval <= 0:
		return syncerr.NewConfigurationError("cloudstore.Open", "push interval must be positive")
	}
	return nil
}

// Store is a sync session over one container zone.
type Store struct {
	opts   Options
	remote remote.Store
	comp   *compress.Compressor
	queue  *operation.Queue
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	flights  singleflight.Group
	triggers chan string

	mu        sync.Mutex
	sess      *session
	account   remote.Account
	halted    bool
	notify    *time.Timer
	importing bool
	closed    bool

	evMu     sync.Mutex
	events   chan Event
	evClosed bool
}

// Open reads the account status and opens the backing store for it. It does
// not talk to the remote beyond that; Run bootstraps the zone and syncs.
func Open(ctx context.Context, rs remote.Store, opts Options, logger zerolog.Logger) (*Store, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}
	if opts.Retry == nil {
		opts.Retry = resilience.DefaultRetryPolicy()
	}
	if opts.NotificationDelay <= 0 {
		opts.NotificationDelay = time.Second
	}
	comp, err := compress.New(opts.Compression)
	if err != nil {
		return nil, err
	}

	acct, err := readAccount(ctx, rs, opts.Retry)
	if err != nil {
		return nil, fmt.Errorf("reading account status: %w", err)
	}

	logger = logger.With().Str("component", "cloudstore").Str("container", opts.ContainerID).Str("zone", opts.Zone).Logger()
	sess, err := openSession(ctx, opts, acct, rs, comp, logger)
	if err != nil {
		return nil, err
	}

	qcfg := opts.Queue
	qcfg.AllowsWWAN = opts.AllowsWWAN
	runCtx, cancel := context.WithCancel(context.Background())
	s := &Store{
		opts:     opts,
		remote:   rs,
		comp:     comp,
		queue:    operation.NewQueue(qcfg, logger),
		logger:   logger,
		ctx:      runCtx,
		cancel:   cancel,
		triggers: make(chan string, 8),
		sess:     sess,
		account:  acct,
		events:   make(chan Event, eventBuffer),
	}
	if opts.Reachability != nil {
		s.queue.SetStatus(opts.Reachability.Current())
	}
	logger.Info().Str("account", acct.Status.String()).Str("path", sess.path).Msg("Opened cloud store")
	return s, nil
}

func (s *Store) current() *session {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sess
}

// Account returns the last known account state.
func (s *Store) Account() remote.Account {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.account
}

// CanRead reports whether pulls may run: the account is available, or the
// session reads the public database, which needs no account.
func (s *Store) CanRead() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.halted {
		return false
	}
	return s.account.Status == remote.AccountAvailable || s.opts.Scope == ScopePublic
}

// CanWrite reports whether local saves and pushes are allowed.
func (s *Store) CanWrite() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.halted && s.account.Status == remote.AccountAvailable
}

func (s *Store) errUnavailable(op string) error {
	return syncerr.NewAccountUnavailableError(op, "account is "+s.Account().Status.String()).
		WithContext("scope", s.opts.Scope.String())
}

// Save writes obj locally and queues it for push. The mapping to its remote
// record is created in the same transaction. It returns the object ID.
func (s *Store) Save(ctx context.Context, obj *store.Object) (string, error) {
	if !s.CanWrite() {
		return "", s.errUnavailable("cloudstore.Save")
	}
	sess := s.current()
	var id string
	err := sess.store.Update(ctx, func(tx *store.Tx) (err error) {
		id, err = tx.Save(obj)
		if err != nil {
			return err
		}
		_, err = sess.cache.In(tx).Register(id, obj.Entity)
		return err
	})
	return id, err
}

// Delete removes an object locally and queues the deletion.
func (s *Store) Delete(ctx context.Context, id string) error {
	if !s.CanWrite() {
		return s.errUnavailable("cloudstore.Delete")
	}
	return s.current().store.Update(ctx, func(tx *store.Tx) error {
		return tx.Remove(id)
	})
}

// Object returns one local object.
func (s *Store) Object(ctx context.Context, id string) (*store.Object, error) {
	return s.current().store.Get(ctx, id)
}

// Objects lists the local objects of an entity.
func (s *Store) Objects(ctx context.Context, entity string) ([]*store.Object, error) {
	return s.current().store.Objects(ctx, entity)
}

// Subscribe forwards post-commit change notices of the current backing store.
func (s *Store) Subscribe() (<-chan store.ChangeNotice, func()) {
	return s.current().store.Subscribe()
}

// Ping checks the backing store.
func (s *Store) Ping(ctx context.Context) error {
	return s.current().store.Ping(ctx)
}

// Status is a snapshot for health reporting.
type Status struct {
	Account   remote.AccountStatus
	Halted    bool
	Pending   int
	Queued    int
	Path      string
	Importing bool
}

func (s *Store) Status(ctx context.Context) (Status, error) {
	s.mu.Lock()
	st := Status{Account: s.account.Status, Halted: s.halted, Path: s.sess.path, Importing: s.importing}
	sess := s.sess
	s.mu.Unlock()

	st.Queued = s.queue.Len()
	n, err := sess.store.PendingCount(ctx)
	st.Pending = n
	return st, err
}

// Suspend holds queued sync work, as when the host app goes to background.
func (s *Store) Suspend() {
	s.queue.Suspend()
}

// Resume releases held work and pulls.
func (s *Store) Resume() {
	s.queue.Resume()
	s.trigger(kindPull)
}

// Close cancels outstanding operations and closes the backing store.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	if s.notify != nil {
		s.notify.Stop()
	}
	sess := s.sess
	s.mu.Unlock()

	s.cancel()
	s.queue.Close()
	s.wg.Wait()
	s.closeEvents()
	err := sess.store.Close()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	s.logger.Info().Msg("Closed cloud store")
	return nil
}
