package cloudstore

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/23skdu/cloudsync/internal/compress"
	syncerr "github.com/23skdu/cloudsync/internal/errors"
	"github.com/23skdu/cloudsync/internal/mapping"
	"github.com/23skdu/cloudsync/internal/pull"
	"github.com/23skdu/cloudsync/internal/push"
	"github.com/23skdu/cloudsync/internal/remote"
	"github.com/23skdu/cloudsync/internal/store"
	"github.com/23skdu/cloudsync/internal/transform"
)

// Scope is the database scope a session syncs.
type Scope int

const (
	ScopePrivate Scope = iota
	ScopeShared
	ScopePublic
)

var scopeNames = [...]string{"private", "shared", "public"}

func (s Scope) String() string {
	if int(s) < len(scopeNames) {
		return scopeNames[s]
	}
	return "unknown"
}

func ParseScope(v string) (Scope, error) {
	for i, n := range scopeNames {
		if strings.EqualFold(strings.TrimSpace(v), n) {
			return Scope(i), nil
		}
	}
	return 0, syncerr.NewConfigurationError("cloudstore.ParseScope", fmt.Sprintf("unknown database scope %q", v))
}

// localIdentifier names the backing store of sessions without a private account.
const localIdentifier = "local"

// Identifier returns the directory name of the backing store for an account.
// Private stores are keyed by a UUID derived from the account token so the
// token itself never reaches the file system.
func Identifier(scope Scope, acct remote.Account) string {
	if scope != ScopePrivate || acct.Token == "" {
		return localIdentifier
	}
	return uuid.NewSHA1(uuid.NameSpaceOID, []byte(acct.Token)).String()
}

// StorePath is <data>/<identifier>/<container>/<zone>.sqlite.
func StorePath(dataPath, identifier, container, zone string) string {
	return filepath.Join(dataPath, identifier, container, zone+".sqlite")
}

// session is everything bound to one backing store.
type session struct {
	identifier string
	path       string
	store      *store.Store
	cache      *mapping.Cache
	pull       *pull.Engine
	push       *push.Engine
}

func openSession(ctx context.Context, opts Options, acct remote.Account, rs remote.Store, comp *compress.Compressor, logger zerolog.Logger) (*session, error) {
	id := Identifier(opts.Scope, acct)
	path := StorePath(opts.DataPath, id, opts.ContainerID, opts.Zone)
	if opts.DataPath == ":memory:" {
		path = ":memory:"
	}

	st, err := store.Open(ctx, store.Options{Path: path, Schema: opts.Schema, Logger: logger})
	if err != nil {
		return nil, err
	}
	cache := mapping.New(opts.Zone, acct.Token)
	if err := cache.Warm(ctx, st); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("warming mapping cache: %w", err)
	}

	tf := transform.New(comp)
	pullOpts := pull.DefaultOptions(opts.Zone)
	pullOpts.Policy = opts.Policy
	if opts.MaxDeferAttempts > 0 {
		pullOpts.MaxDeferAttempts = opts.MaxDeferAttempts
	}
	pushOpts := push.DefaultOptions(opts.Zone)
	pushOpts.Policy = opts.Policy
	if opts.BatchSize > 0 {
		pushOpts.BatchSize = opts.BatchSize
	}
	pushOpts.ConflictRetries = opts.ConflictRetries

	return &session{
		identifier: id,
		path:       path,
		store:      st,
		cache:      cache,
		pull:       pull.New(st, rs, cache, tf, pullOpts, logger),
		push:       push.New(st, rs, cache, tf, pushOpts, logger),
	}, nil
}

func (s *session) importPending(ctx context.Context) (bool, error) {
	var done bool
	err := s.store.View(ctx, func(tx *store.Tx) (err error) {
		done, err = tx.InitialImportDone()
		return err
	})
	return !done, err
}
