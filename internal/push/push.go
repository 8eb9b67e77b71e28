// Package push sends pending local transactions to the remote store and
// resolves the conflicts it reports.
package push

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
	// BatchSize caps records per write; the remote's own limit also applies.
	BatchSize int
	// ConflictRetries is how many times resolved conflicts are resubmitted.
	ConflictRetries int
}

func DefaultOptions(zone string) Options {
	return Options{Zone: zone, Policy: merge.ServerWins, BatchSize: remote.DefaultMaxBatchSize, ConflictRetries: 3}
}

// Conflict is a record that could not be reconciled within the retry budget.
type Conflict struct {
	LocalID   string
	Attempted *record.Record
	Server    *record.Record
}

// Result summarizes a push.
type Result struct {
	Saved   int
	Deleted int
	Skipped int
	Batches int
	// Resolved counts server-reported conflicts handled by the merge policy.
	Resolved  int
	Conflicts []Conflict
}

// Conflicted reports whether the server disagreed with any write, resolved
// or not. Callers pull afterwards to pick up the server state.
func (r Result) Conflicted() bool {
	return r.Resolved > 0 || len(r.Conflicts) > 0
}

// item is the coalesced pending work for one object.
type item struct {
	localID string
	entity  string
	seqs    []int64
	rec     *record.Record
	del     *record.ID
	// last server state seen in a conflict
	server *record.Record
}

func (it *item) name() string {
	if it.del != nil {
		return it.del.Name
	}
	return it.rec.ID.Name
}

// Engine pushes pending transactions.
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
	if opts.BatchSize <= 0 {
		opts.BatchSize = remote.DefaultMaxBatchSize
	}
	if opts.ConflictRetries < 0 {
		opts.ConflictRetries = 0
	}
	return &Engine{
		store:  st,
		remote: rs,
		cache:  cache,
		tf:     tf,
		opts:   opts,
		logger: logger.With().Str("component", "push").Str("zone", opts.Zone).Logger(),
	}
}

// Push sends everything pending. Transactions are deleted only once the
// server acknowledged them; ones added while the push runs stay pending.
// Conflicts left after the retry budget come back in Result.Conflicts along
// with a version conflict error.
func (e *Engine) Push(ctx context.Context) (Result, error) {
	var res Result
	var items []*item
	err := e.store.Update(ctx, func(tx *store.Tx) (err error) {
		items, err = e.collect(tx, &res)
		return err
	})
	if err != nil {
		return res, fmt.Errorf("collecting changes: %w", err)
	}

	batchSize := e.opts.BatchSize
	if max := e.remote.MaxBatchSize(); max > 0 && max < batchSize {
		batchSize = max
	}

	for round := 0; len(items) > 0; round++ {
		if round > e.opts.ConflictRetries {
			return e.escalate(ctx, items, res)
		}
		var next []*item
		for start := 0; start < len(items); start += batchSize {
			end := start + batchSize
			if end > len(items) {
				end = len(items)
			}
			retry, err := e.send(ctx, items[start:end], &res)
			if err != nil {
				e.updatePendingGauge(ctx)
				return res, err
			}
			next = append(next, retry...)
		}
		items = next
	}

	e.updatePendingGauge(ctx)
	log := e.logger.Info()
	if res.Batches == 0 {
		log = e.logger.Debug()
	}
	log.
		Int("saved", res.Saved).
		Int("deleted", res.Deleted).
		Int("batches", res.Batches).
		Int("resolved", res.Resolved).
		Msg("Push complete")
	return res, nil
}

// collect coalesces pending transactions per object in creation order and
// builds the remote writes.
func (e *Engine) collect(tx *store.Tx, res *Result) ([]*item, error) {
	txns, err := tx.PendingTransactions(0)
	if err != nil {
		return nil, err
	}
	scope := e.cache.In(tx)

	var order []*item
	byID := make(map[string]*item)
	last := make(map[string]store.Action)
	for _, t := range txns {
		it, ok := byID[t.LocalID]
		if !ok {
			it = &item{localID: t.LocalID, entity: t.Entity}
			byID[t.LocalID] = it
			order = append(order, it)
		}
		it.seqs = append(it.seqs, t.Seq)
		last[t.LocalID] = t.Action
	}

	// register every surviving object before transforming so references
	// between new objects resolve
	for _, it := range order {
		if last[it.localID] == store.ActionDelete {
			continue
		}
		if _, err := scope.Register(it.localID, it.entity); err != nil {
			return nil, err
		}
	}

	var out []*item
	for _, it := range order {
		keep, err := e.build(tx, scope, it, last[it.localID])
		if err != nil {
			return nil, err
		}
		if keep {
			out = append(out, it)
			continue
		}
		res.Skipped++
		metrics.PushRecordsTotal.WithLabelValues("skipped").Inc()
	}
	return out, nil
}

// build fills in the remote write for it. It returns false when nothing
// needs to be sent, in which case the transactions are already settled or
// left for a later push.
func (e *Engine) build(tx *store.Tx, scope *mapping.Scope, it *item, action store.Action) (bool, error) {
	entry, err := tx.Entry(it.localID)
	if err != nil {
		return false, err
	}

	if action == store.ActionDelete {
		if entry == nil {
			// created and deleted without ever reaching the server
			return false, tx.DeleteTransactions(it.seqs)
		}
		id := entry.RecordID
		it.del = &id
		return true, nil
	}

	obj, err := tx.Get(it.localID)
	if errors.Is(err, store.ErrNotFound) {
		return false, tx.DeleteTransactions(it.seqs)
	}
	if err != nil {
		return false, err
	}
	entity, ok := tx.Schema().Entity(obj.Entity)
	if !ok {
		return false, syncerr.NewSchemaMismatchError("push", "unknown entity "+obj.Entity)
	}

	fields, err := e.tf.ToRemoteFields(obj, entity, scope)
	if syncerr.IsDeferrable(err) {
		e.logger.Warn().Err(err).Str("object", it.localID).Msg("Leaving object for a later push")
		return false, nil
	}
	if err != nil {
		return false, err
	}

	changed := transform.ChangedFields(entry.Snapshot, fields)
	if entry.Pushed() && len(changed) == 0 {
		return false, tx.DeleteTransactions(it.seqs)
	}
	rec := record.New(entry.RecordID, entity.Name)
	rec.Version = entry.Version
	rec.Fields = changed
	rec.ModifiedAt = obj.ModifiedAt
	it.rec = rec
	return true, nil
}

// send writes one batch and settles its outcome locally. It returns the items
// that must go out again.
func (e *Engine) send(ctx context.Context, batch []*item, res *Result) ([]*item, error) {
	var saves []*record.Record
	var deletes []record.ID
	for _, it := range batch {
		if it.del != nil {
			deletes = append(deletes, *it.del)
		} else {
			saves = append(saves, it.rec)
		}
	}

	out, err := e.remote.ModifyRecords(ctx, e.opts.Zone, saves, deletes)
	if err != nil {
		return nil, err
	}
	res.Batches++
	metrics.PushBatchesTotal.Inc()

	byName := make(map[string]*item, len(batch))
	for _, it := range batch {
		byName[it.name()] = it
	}
	settled := make(map[string]bool, len(batch))

	var retry []*item
	err = e.store.Update(ctx, func(tx *store.Tx) error {
		scope := e.cache.In(tx)
		for _, saved := range out.Saved {
			it, ok := byName[saved.ID.Name]
			if !ok {
				continue
			}
			settled[it.name()] = true
			if err := e.acknowledge(tx, it, saved); err != nil {
				return err
			}
		}
		for _, id := range out.Deleted {
			it, ok := byName[id.Name]
			if !ok {
				continue
			}
			settled[it.name()] = true
			if err := tx.DeleteTransactions(it.seqs); err != nil {
				return err
			}
			if err := scope.Forget(it.localID); err != nil {
				return err
			}
		}
		for _, c := range out.Conflicts {
			it, ok := byName[c.Attempted.ID.Name]
			if !ok {
				continue
			}
			settled[it.name()] = true
			again, err := e.resolve(tx, scope, it, c)
			if err != nil {
				return err
			}
			if again {
				retry = append(retry, it)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	saved, deleted := len(out.Saved), len(out.Deleted)
	res.Saved += saved
	res.Deleted += deleted
	metrics.PushRecordsTotal.WithLabelValues("saved").Add(float64(saved))
	metrics.PushRecordsTotal.WithLabelValues("deleted").Add(float64(deleted))
	res.Resolved += len(out.Conflicts)
	metrics.PushRecordsTotal.WithLabelValues("conflict").Add(float64(len(out.Conflicts)))

	// a rejected batch applied nothing; resend the innocent members
	for _, it := range batch {
		if !settled[it.name()] {
			retry = append(retry, it)
		}
	}
	return retry, nil
}

// acknowledge caches the server's state for an applied save and clears the
// transactions that produced it.
func (e *Engine) acknowledge(tx *store.Tx, it *item, saved *record.Record) error {
	entry, err := tx.Entry(it.localID)
	if err != nil {
		return err
	}
	if entry == nil {
		entry = &store.BackingEntry{LocalID: it.localID, RecordID: saved.ID, RecordType: saved.Type}
	}
	entry.Version = saved.Version
	entry.Snapshot = record.CopyFields(saved.Fields)
	if err := tx.PutEntry(entry); err != nil {
		return err
	}
	return tx.DeleteTransactions(it.seqs)
}

// resolve applies the merge policy to a rejected write. It reports whether
// the item must be written again with the server's version.
func (e *Engine) resolve(tx *store.Tx, scope *mapping.Scope, it *item, c remote.Conflict) (bool, error) {
	entry, err := tx.Entry(it.localID)
	if err != nil {
		return false, err
	}
	if entry == nil {
		return false, tx.DeleteTransactions(it.seqs)
	}
	log := e.logger.Warn().Str("object", it.localID).Str("record", entry.RecordID.String()).Str("policy", e.opts.Policy.String())

	if it.del != nil {
		// deletes do not conflict on the stores we talk to; treat as applied
		if err := tx.DeleteTransactions(it.seqs); err != nil {
			return false, err
		}
		return false, scope.Forget(it.localID)
	}

	obj, err := tx.Get(it.localID)
	if errors.Is(err, store.ErrNotFound) {
		// deleted locally since collect; the delete goes out next push
		return false, nil
	}
	if err != nil {
		return false, err
	}
	entity, ok := tx.Schema().Entity(obj.Entity)
	if !ok {
		return false, syncerr.NewSchemaMismatchError("push", "unknown entity "+obj.Entity)
	}

	if c.Server == nil {
		if e.opts.Policy == merge.ClientWins {
			log.Msg("Record deleted on server, recreating")
			fields, err := e.tf.ToRemoteFields(obj, entity, scope)
			if err != nil {
				return false, err
			}
			entry.Version, entry.Snapshot = "", nil
			if err := tx.PutEntry(entry); err != nil {
				return false, err
			}
			it.rec = record.New(entry.RecordID, entity.Name)
			it.rec.Fields = transform.ChangedFields(nil, fields)
			it.rec.ModifiedAt = obj.ModifiedAt
			metrics.ConflictsTotal.WithLabelValues(e.opts.Policy.String()).Inc()
			return true, nil
		}
		log.Msg("Record deleted on server, deleting local object")
		if _, err := tx.Delete(it.localID); err != nil {
			return false, err
		}
		if err := tx.DiscardTransactions(it.localID); err != nil {
			return false, err
		}
		metrics.ConflictsTotal.WithLabelValues(e.opts.Policy.String()).Inc()
		return false, scope.Forget(it.localID)
	}

	localFull, err := e.tf.ToRemoteFields(obj, entity, scope)
	if err != nil {
		return false, err
	}
	result := merge.Resolve(e.opts.Policy, merge.Conflict{
		Base:   entry.Snapshot,
		Local:  merge.Side{Fields: transform.ChangedFields(entry.Snapshot, localFull), ModifiedAt: obj.ModifiedAt},
		Server: merge.Side{Fields: c.Server.Fields, ModifiedAt: c.Server.ModifiedAt},
	})

	merged := c.Server.Copy()
	merged.Fields = result.Fields
	values, err := e.tf.ToLocalFields(merged, entity, scope)
	if syncerr.IsDeferrable(err) {
		// the server state references records not pulled yet
		e.logger.Info().Err(err).Str("object", it.localID).Msg("Leaving conflict for the next pull")
		return false, nil
	}
	if err != nil {
		return false, err
	}
	for k, v := range values {
		obj.Values[k] = v
	}
	if _, err := tx.Put(obj); err != nil {
		return false, err
	}

	entry.Version = c.Server.Version
	entry.Snapshot = record.CopyFields(c.Server.Fields)
	if err := tx.PutEntry(entry); err != nil {
		return false, err
	}
	metrics.ConflictsTotal.WithLabelValues(e.opts.Policy.String()).Inc()

	if !result.LocalSurvived() {
		log.Msg("Conflict resolved to server state")
		return false, tx.DeleteTransactions(it.seqs)
	}
	log.Strs("fields", result.Changed).Msg("Conflict resolved, resubmitting")
	it.rec = record.New(entry.RecordID, entity.Name)
	it.rec.Version = c.Server.Version
	it.rec.ModifiedAt = obj.ModifiedAt
	for _, name := range result.Changed {
		it.rec.Fields[name] = result.Fields[name]
	}
	it.server = c.Server
	return true, nil
}

func (e *Engine) escalate(ctx context.Context, items []*item, res Result) (Result, error) {
	for _, it := range items {
		c := Conflict{LocalID: it.localID, Attempted: it.rec, Server: it.server}
		res.Conflicts = append(res.Conflicts, c)
		metrics.ConflictsTotal.WithLabelValues("escalated").Inc()
	}
	e.updatePendingGauge(ctx)
	e.logger.Error().Int("conflicts", len(res.Conflicts)).Msg("Conflicts left after retry budget")
	return res, syncerr.NewVersionConflictError("push",
		fmt.Sprintf("%d records still conflict after %d retries", len(res.Conflicts), e.opts.ConflictRetries))
}

func (e *Engine) updatePendingGauge(ctx context.Context) {
	_ = e.store.View(ctx, func(tx *store.Tx) error {
		n, err := tx.PendingCount()
		if err == nil {
			metrics.PendingTransactions.Set(float64(n))
		}
		return err
	})
}
