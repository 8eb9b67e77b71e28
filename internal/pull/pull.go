// Package pull applies remote changes to the local store, one page per call.
package pull

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	syncerr "github.com/23skdu/cloudsync/internal/errors"
	"github.com/23skdu/cloudsync/internal/mapping"
	"github.com/23skdu/cloudsync/internal/merge"
	"github.com/23skdu/cloudsync/internal/metrics"
	"github.com/23skdu/cloudsync/internal/record"
	"github.com/23skdu/cloudsync/internal/remote"
	"github.com/23skdu/cloudsync/internal/store"
	"github.com/23skdu/cloudsync/internal/transform"
)

// Options configures an Engine.
type Options struct {
	Zone   string
	Policy merge.Policy
	// MaxDeferAttempts drops a deferred record after this many failed
	// applications.
	MaxDeferAttempts int
}

func DefaultOptions(zone string) Options {
	return Options{Zone: zone, Policy: merge.ServerWins, MaxDeferAttempts: 10}
}

// Result summarizes one page.
type Result struct {
	Changed    int
	Deleted    int
	Deferred   int
	Dropped    int
	Token      string
	MoreComing bool
	// InitialImport is true when the page belonged to the first full import.
	InitialImport bool
}

func (r *Result) add(o Result) {
	r.Changed += o.Changed
	r.Deleted += o.Deleted
	r.Deferred += o.Deferred
	r.Dropped += o.Dropped
	r.Token = o.Token
	r.MoreComing = o.MoreComing
	r.InitialImport = r.InitialImport || o.InitialImport
}

// Engine fetches change pages and applies them.
type Engine struct {
	store  *store.Store
	remote remote.Store
	cache  *mapping.Cache
	tf     *transform.Transformer
	opts   Options
	logger zerolog.Logger
}

func New(st *store.Store, rs remote.Store, cache *mapping.Cache, tf *transform.Transformer, opts Options, logger zerolog.Logger) *Engine {
	if opts.Zone == "" {
		opts.Zone = cache.Zone()
	}
	if opts.MaxDeferAttempts <= 0 {
		opts.MaxDeferAttempts = 10
	}
	return &Engine{
		store:  st,
		remote: rs,
		cache:  cache,
		tf:     tf,
		opts:   opts,
		logger: logger.With().Str("component", "pull").Str("zone", opts.Zone).Logger(),
	}
}

// Pull fetches the page after the committed change token and applies it. The
// new token commits in the same transaction as the page, so a failure leaves
// the old token in place and the page is fetched again next time.
func (e *Engine) Pull(ctx context.Context) (Result, error) {
	var token string
	if err := e.store.View(ctx, func(tx *store.Tx) (err error) {
		token, err = tx.ChangeToken(e.opts.Zone)
		return err
	}); err != nil {
		return Result{}, err
	}

	cs, err := e.remote.FetchChanges(ctx, e.opts.Zone, token)
	if err != nil && token != "" && errors.Is(err, remote.ErrChangeTokenExpired) {
		e.logger.Warn().Str("token", token).Msg("Change token expired, refetching zone from the beginning")
		cs, err = e.remote.FetchChanges(ctx, e.opts.Zone, "")
	}
	if err != nil {
		return Result{}, err
	}

	var res Result
	err = e.store.Update(ctx, func(tx *store.Tx) error {
		res = Result{Token: cs.Token, MoreComing: cs.MoreComing}
		return e.apply(tx, cs, &res)
	})
	if err != nil {
		return Result{}, fmt.Errorf("applying changes: %w", err)
	}

	metrics.PullRecordsTotal.WithLabelValues("applied").Add(float64(res.Changed))
	metrics.PullRecordsTotal.WithLabelValues("deleted").Add(float64(res.Deleted))
	metrics.PullRecordsTotal.WithLabelValues("deferred").Add(float64(res.Deferred))
	metrics.PullRecordsTotal.WithLabelValues("dropped").Add(float64(res.Dropped))
	e.updateDeferredGauge(ctx)

	e.logger.Info().
		Int("changed", res.Changed).
		Int("deleted", res.Deleted).
		Int("deferred", res.Deferred).
		Bool("more_coming", res.MoreComing).
		Bool("initial_import", res.InitialImport).
		Msg("Applied change page")
	return res, nil
}

// PullAll pulls pages until the server reports no more.
func (e *Engine) PullAll(ctx context.Context) (Result, error) {
	var total Result
	for {
		res, err := e.Pull(ctx)
		if err != nil {
			return total, err
		}
		total.add(res)
		if !res.MoreComing {
			return total, nil
		}
	}
}

func (e *Engine) updateDeferredGauge(ctx context.Context) {
	_ = e.store.View(ctx, func(tx *store.Tx) error {
		n, err := tx.DeferredCount()
		if err == nil {
			metrics.DeferredRecords.Set(float64(n))
		}
		return err
	})
}

func (e *Engine) apply(tx *store.Tx, cs *remote.ChangeSet, res *Result) error {
	tx.MarkRemote()
	scope := e.cache.In(tx)

	done, err := tx.InitialImportDone()
	if err != nil {
		return err
	}
	res.InitialImport = !done

	// link unseen records first so references inside the page resolve
	for _, rec := range cs.Records {
		if _, ok := tx.Schema().Entity(rec.Type); !ok {
			continue
		}
		if _, err := scope.RegisterRemote(rec.ID, rec.Type); err != nil {
			return err
		}
	}

	inPage := make(map[record.ID]bool, len(cs.Records))
	for _, rec := range cs.Records {
		inPage[rec.ID] = true
		err := e.applyRecord(tx, scope, rec)
		switch {
		case err == nil:
			res.Changed++
			if err := tx.RemoveDeferred(rec.ID); err != nil {
				return err
			}
		case syncerr.IsDeferrable(err):
			e.logger.Debug().Err(err).Str("record", rec.ID.String()).Msg("Deferring record")
			if err := tx.Defer(rec, string(syncerr.TypeOf(err))); err != nil {
				return err
			}
			res.Deferred++
		default:
			return err
		}
	}

	if err := e.retryDeferred(tx, scope, inPage, res); err != nil {
		return err
	}

	for _, id := range cs.Deleted {
		deleted, err := e.applyDelete(tx, scope, id)
		if err != nil {
			return err
		}
		if deleted {
			res.Deleted++
		}
	}

	if err := tx.SetChangeToken(e.opts.Zone, cs.Token); err != nil {
		return err
	}
	if !done && !cs.MoreComing {
		return tx.MarkInitialImportDone()
	}
	return nil
}

// retryDeferred reapplies records parked by earlier pages. Records delivered
// again in the current page were already handled there.
func (e *Engine) retryDeferred(tx *store.Tx, scope *mapping.Scope, skip map[record.ID]bool, res *Result) error {
	deferred, err := tx.Deferred(e.opts.Zone)
	if err != nil {
		return err
	}
	for _, d := range deferred {
		if skip[d.Record.ID] {
			continue
		}
		err := e.applyRecord(tx, scope, d.Record)
		switch {
		case err == nil:
			res.Changed++
			if err := tx.RemoveDeferred(d.Record.ID); err != nil {
				return err
			}
		case syncerr.IsDeferrable(err) && d.Attempts+1 < e.opts.MaxDeferAttempts:
			if err := tx.Defer(d.Record, string(syncerr.TypeOf(err))); err != nil {
				return err
			}
		case syncerr.IsDeferrable(err):
			e.logger.Error().Err(err).Str("record", d.Record.ID.String()).Int("attempts", d.Attempts+1).
				Msg("Dropping record that never became applicable")
			if err := tx.RemoveDeferred(d.Record.ID); err != nil {
				return err
			}
			res.Dropped++
		default:
			return err
		}
	}
	return nil
}

// applyRecord writes one remote record through to its local object, merging
// with unpushed local edits under the configured policy.
func (e *Engine) applyRecord(tx *store.Tx, scope *mapping.Scope, rec *record.Record) error {
	entity, ok := tx.Schema().Entity(rec.Type)
	if !ok {
		return syncerr.NewSchemaMismatchError("pull", "unknown record type "+rec.Type).WithContext("record", rec.ID.String())
	}
	entry, err := scope.RegisterRemote(rec.ID, rec.Type)
	if err != nil {
		return err
	}

	existing, err := tx.Get(entry.LocalID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	pending, err := tx.HasPending(entry.LocalID)
	if err != nil {
		return err
	}

	incoming := rec
	var resolver transform.Resolver = scope
	switch {
	case pending && existing != nil:
		prov := scope.Provisional()
		localFull, err := e.tf.ToRemoteFields(existing, entity, prov)
		if err != nil {
			return err
		}
		result := merge.Resolve(e.opts.Policy, merge.Conflict{
			Base:   entry.Snapshot,
			Local:  merge.Side{Fields: transform.ChangedFields(entry.Snapshot, localFull), ModifiedAt: existing.ModifiedAt},
			Server: merge.Side{Fields: rec.Fields, ModifiedAt: rec.ModifiedAt},
		})
		incoming = rec.Copy()
		incoming.Fields = result.Fields
		resolver = prov
		metrics.ConflictsTotal.WithLabelValues(e.opts.Policy.String()).Inc()
	case pending:
		// deleted locally but not pushed yet
		if e.opts.Policy == merge.ClientWins {
			return e.acknowledge(tx, entry, rec)
		}
		if err := tx.DiscardTransactions(entry.LocalID); err != nil {
			return err
		}
	}

	fields, err := e.tf.ToLocalFields(incoming, entity, resolver)
	if err != nil {
		return err
	}
	obj := &store.Object{ID: entry.LocalID, Entity: entity.Name, Values: fields, ModifiedAt: rec.ModifiedAt}
	if existing != nil {
		obj.Values = existing.Copy().Values
		for k, v := range fields {
			obj.Values[k] = v
		}
	}
	if _, err := tx.Put(obj); err != nil {
		return err
	}
	return e.acknowledge(tx, entry, rec)
}

// acknowledge records rec as the server state the entry last saw.
func (e *Engine) acknowledge(tx *store.Tx, entry *store.BackingEntry, rec *record.Record) error {
	entry.Version = rec.Version
	entry.RecordType = rec.Type
	entry.Snapshot = record.CopyFields(rec.Fields)
	return tx.PutEntry(entry)
}

func (e *Engine) applyDelete(tx *store.Tx, scope *mapping.Scope, id record.ID) (bool, error) {
	if err := tx.RemoveDeferred(id); err != nil {
		return false, err
	}
	localID, ok, err := scope.LocalID(id)
	if err != nil || !ok {
		return false, err
	}

	if e.opts.Policy == merge.ClientWins {
		pending, err := tx.HasPending(localID)
		if err != nil {
			return false, err
		}
		if pending {
			// keep the object; its next push recreates the record
			entry, err := tx.Entry(localID)
			if err != nil || entry == nil {
				return false, err
			}
			entry.Version = ""
			entry.Snapshot = nil
			return false, tx.PutEntry(entry)
		}
	}

	existed, err := tx.Delete(localID)
	if err != nil {
		return false, err
	}
	if err := tx.DiscardTransactions(localID); err != nil {
		return false, err
	}
	return existed, scope.Forget(localID)
}
