// Package store is the local persistence layer: objects plus the backing
// entries, pending transactions, change tokens and deferred records the sync
// engines share. All access goes through Update or View, which serialize on a
// single connection so pull and push never interleave read-modify-writes.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite" // register pure-Go SQLite driver

	syncerr "github.com/23skdu/cloudsync/internal/errors"
	"github.com/23skdu/cloudsync/internal/metrics"
	"github.com/23skdu/cloudsync/internal/schema"
)

const (
	metaStoreID       = "store_id"
	metaInitialImport = "initial_import_done"
)

// Options configures Open.
type Options struct {
	// Path of the SQLite file; ":memory:" is allowed for tests.
	Path        string
	Schema      *schema.Schema
	Logger      zerolog.Logger
	BusyTimeout time.Duration
}

// Store is the local object store.
type Store struct {
	db     *sql.DB
	schema *schema.Schema
	logger zerolog.Logger
	id     string

	mu sync.Mutex

	subMu  sync.Mutex
	subs   map[int]chan ChangeNotice
	nextID int
	closed bool
}

// Open opens or creates the store at opts.Path.
func Open(ctx context.Context, opts Options) (*Store, error) {
	if opts.Schema == nil {
		return nil, syncerr.NewConfigurationError("store.Open", "schema is required")
	}
	if opts.BusyTimeout <= 0 {
		opts.BusyTimeout = 5 * time.Second
	}
	if opts.Path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(opts.Path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	dsn := fmt.Sprintf("%s?_pragma=busy_timeout(%d)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)",
		opts.Path, opts.BusyTimeout.Milliseconds())
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}
	// one connection keeps ":memory:" databases alive and serializes writers
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	s := &Store{
		db:     db,
		schema: opts.Schema,
		logger: opts.Logger.With().Str("component", "store").Logger(),
		subs:   make(map[int]chan ChangeNotice),
	}
	if err := s.initSchema(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	if err := s.loadIdentity(ctx); err != nil {
		db.Close()
		return nil, err
	}

	s.logger.Debug().Str("path", opts.Path).Str("store_id", s.id).Msg("Opened local store")
	return s, nil
}

func (s *Store) initSchema(ctx context.Context) error {
	ddl := `
		CREATE TABLE IF NOT EXISTS objects (
			id TEXT PRIMARY KEY,
			entity TEXT NOT NULL,
			data BLOB NOT NULL,
			modified_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_objects_entity ON objects(entity);

		CREATE TABLE IF NOT EXISTS backing_entries (
			local_id TEXT PRIMARY KEY,
			zone TEXT NOT NULL,
			record_name TEXT NOT NULL,
			record_type TEXT NOT NULL,
			version TEXT NOT NULL DEFAULT '',
			snapshot BLOB,
			UNIQUE(zone, record_name)
		);

		CREATE TABLE IF NOT EXISTS transactions (
			seq INTEGER PRIMARY KEY AUTOINCREMENT,
			local_id TEXT NOT NULL,
			entity TEXT NOT NULL,
			action TEXT NOT NULL,
			created_at INTEGER NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_transactions_local ON transactions(local_id, seq);

		CREATE TABLE IF NOT EXISTS change_tokens (
			zone TEXT PRIMARY KEY,
			token TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS metadata (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS deferred_records (
			zone TEXT NOT NULL,
			record_name TEXT NOT NULL,
			payload BLOB NOT NULL,
			reason TEXT NOT NULL,
			attempts INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY(zone, record_name)
		);
	`
	_, err := s.db.ExecContext(ctx, ddl)
	return err
}

func (s *Store) loadIdentity(ctx context.Context) error {
	return s.Update(ctx, func(tx *Tx) error {
		id, ok, err := tx.Metadata(metaStoreID)
		if err != nil {
			return err
		}
		if !ok {
			id = uuid.NewString()
			if err := tx.SetMetadata(metaStoreID, id); err != nil {
				return err
			}
		}
		s.id = id
		return nil
	})
}

// ID is the store's persistent UUID.
func (s *Store) ID() string {
	return s.id
}

// Schema returns the schema the store was opened with.
func (s *Store) Schema() *schema.Schema {
	return s.schema
}

// Update runs fn in a write transaction. Hooks registered with Tx.OnCommit
// run after a successful commit, followed by subscriber notification.
func (s *Store) Update(ctx context.Context, fn func(tx *Tx) error) error {
	return s.run(ctx, true, fn)
}

// View runs fn in a transaction that is always rolled back.
func (s *Store) View(ctx context.Context, fn func(tx *Tx) error) error {
	return s.run(ctx, false, fn)
}

func (s *Store) run(ctx context.Context, writable bool, fn func(tx *Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	kind := "view"
	if writable {
		kind = "update"
	}

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		metrics.StoreTransactionsTotal.WithLabelValues(kind, "error").Inc()
		return syncerr.WrapStorageError(err, "store."+kind, "begin transaction")
	}
	tx := &Tx{ctx: ctx, tx: sqlTx, store: s, writable: writable}

	if err := fn(tx); err != nil {
		_ = sqlTx.Rollback()
		metrics.StoreTransactionsTotal.WithLabelValues(kind, "rollback").Inc()
		return err
	}
	if !writable {
		_ = sqlTx.Rollback()
		metrics.StoreTransactionsTotal.WithLabelValues(kind, "ok").Inc()
		return nil
	}
	if err := sqlTx.Commit(); err != nil {
		metrics.StoreTransactionsTotal.WithLabelValues(kind, "error").Inc()
		return syncerr.WrapStorageError(err, "store.update", "commit")
	}
	metrics.StoreTransactionsTotal.WithLabelValues(kind, "ok").Inc()

	for _, hook := range tx.onCommit {
		hook()
	}
	if !tx.notice.Empty() {
		s.publish(tx.notice)
	}
	return nil
}

// Subscribe returns a channel of post-commit change notices and a function
// that cancels the subscription. Slow subscribers miss notices rather than
// block commits.
func (s *Store) Subscribe() (<-chan ChangeNotice, func()) {
	s.subMu.Lock()
	defer s.subMu.Unlock()

	ch := make(chan ChangeNotice, 64)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	id := s.nextID
	s.nextID++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			defer s.subMu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
}

func (s *Store) publish(n ChangeNotice) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for _, ch := range s.subs {
		select {
		case ch <- n:
		default:
			s.logger.Warn().Msg("Dropping change notice for slow subscriber")
		}
	}
}

// Ping checks the database is usable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes subscriptions and the database.
func (s *Store) Close() error {
	s.subMu.Lock()
	if !s.closed {
		s.closed = true
		for id, ch := range s.subs {
			delete(s.subs, id)
			close(ch)
		}
	}
	s.subMu.Unlock()
	return s.db.Close()
}

// Get fetches one object outside of a larger transaction.
func (s *Store) Get(ctx context.Context, id string) (*Object, error) {
	var obj *Object
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		obj, err = tx.Get(id)
		return err
	})
	return obj, err
}

// Objects lists the objects of one entity.
func (s *Store) Objects(ctx context.Context, entity string) ([]*Object, error) {
	var out []*Object
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		out, err = tx.Objects(entity)
		return err
	})
	return out, err
}

// PendingCount returns the number of unpushed transactions.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.View(ctx, func(tx *Tx) error {
		var err error
		n, err = tx.PendingCount()
		return err
	})
	return n, err
}
