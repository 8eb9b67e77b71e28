package push

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/cloudsync/internal/compress"
	syncerr "github.com/23skdu/cloudsync/internal/errors"
	"github.com/23skdu/cloudsync/internal/mapping"
	"github.com/23skdu/cloudsync/internal/merge"
	"github.com/23skdu/cloudsync/internal/record"
	"github.com/23skdu/cloudsync/internal/remote"
	"github.com/23skdu/cloudsync/internal/schema"
	"github.com/23skdu/cloudsync/internal/store"
	"github.com/23skdu/cloudsync/internal/transform"
)

const zone = "main"

const testSchema = `
entities:
  - name: Folder
    attributes:
      - {name: title, type: string}
    relationships:
      - {name: notes, destination: Note, toMany: true, inverse: folder}
  - name: Note
    attributes:
      - {name: title, type: string}
      - {name: rank, type: int}
    relationships:
      - {name: folder, destination: Folder, inverse: notes}
`

type fixture struct {
	store  *store.Store
	cache  *mapping.Cache
	engine *Engine
}

func newFixture(t *testing.T, rs remote.Store, opts Options) *fixture {
	t.Helper()
	sc, err := schema.Parse([]byte(testSchema), schema.NewRegistry())
	require.NoError(t, err)
	st, err := store.Open(context.Background(), store.Options{
		Path:   filepath.Join(t.TempDir(), "push.sqlite"),
		Schema: sc,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	comp, err := compress.New(compress.DefaultConfig())
	require.NoError(t, err)
	cache := mapping.New(zone, "account")
	return &fixture{store: st, cache: cache, engine: New(st, rs, cache, transform.New(comp), opts, zerolog.Nop())}
}

func newRemote(t *testing.T) *remote.MemoryStore {
	t.Helper()
	m := remote.NewMemoryStore("account")
	require.NoError(t, m.EnsureZone(context.Background(), zone))
	return m
}

func (f *fixture) create(t *testing.T, entity string, values map[string]any) string {
	t.Helper()
	var id string
	require.NoError(t, f.store.Update(context.Background(), func(tx *store.Tx) (err error) {
		id, err = tx.Save(&store.Object{Entity: entity, Values: values})
		if err != nil {
			return err
		}
		_, err = f.cache.In(tx).Register(id, entity)
		return err
	}))
	return id
}

func (f *fixture) edit(t *testing.T, id string, values map[string]any) {
	t.Helper()
	require.NoError(t, f.store.Update(context.Background(), func(tx *store.Tx) error {
		obj, err := tx.Get(id)
		if err != nil {
			return err
		}
		for k, v := range values {
			obj.Values[k] = v
		}
		_, err = tx.Save(obj)
		return err
	}))
}

func (f *fixture) remove(t *testing.T, id string) {
	t.Helper()
	require.NoError(t, f.store.Update(context.Background(), func(tx *store.Tx) error {
		return tx.Remove(id)
	}))
}

func (f *fixture) entry(t *testing.T, id string) *store.BackingEntry {
	t.Helper()
	var e *store.BackingEntry
	require.NoError(t, f.store.View(context.Background(), func(tx *store.Tx) (err error) {
		e, err = tx.Entry(id)
		return err
	}))
	return e
}

func (f *fixture) pending(t *testing.T) int {
	t.Helper()
	n, err := f.store.PendingCount(context.Background())
	require.NoError(t, err)
	return n
}

func recordID(localID string) record.ID {
	return record.ID{Zone: zone, Name: mapping.DeriveRecordName("account", localID)}
}

// overwrite changes a record on the server as another device would.
func overwrite(t *testing.T, m *remote.MemoryStore, id record.ID, fields map[string]record.Value) {
	t.Helper()
	cur, ok := m.Record(id)
	require.True(t, ok)
	upd := record.New(id, cur.Type)
	upd.Version = cur.Version
	upd.Fields = fields
	res, err := m.ModifyRecords(context.Background(), zone, []*record.Record{upd}, nil)
	require.NoError(t, err)
	require.Empty(t, res.Conflicts)
}

// recorder keeps every save batch sent to the remote.
type recorder struct {
	remote.Store
	mu      sync.Mutex
	batches [][]*record.Record
}

func (r *recorder) ModifyRecords(ctx context.Context, zone string, saves []*record.Record, deletes []record.ID) (*remote.ModifyResult, error) {
	r.mu.Lock()
	batch := make([]*record.Record, len(saves))
	for i, s := range saves {
		batch[i] = s.Copy()
	}
	r.batches = append(r.batches, batch)
	r.mu.Unlock()
	return r.Store.ModifyRecords(ctx, zone, saves, deletes)
}

func TestPush_InsertCreatesRecord(t *testing.T) {
	ctx := context.Background()
	m := newRemote(t)
	f := newFixture(t, m, DefaultOptions(zone))
	id := f.create(t, "Folder", map[string]any{"title": "home"})

	res, err := f.engine.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Saved)
	assert.Equal(t, 1, res.Batches)
	assert.False(t, res.Conflicted())
	assert.Zero(t, f.pending(t))

	rec, ok := m.Record(recordID(id))
	require.True(t, ok)
	assert.Equal(t, "Folder", rec.Type)
	assert.Equal(t, record.String("home"), rec.Fields["title"])

	e := f.entry(t, id)
	require.NotNil(t, e)
	assert.True(t, e.Pushed())
	assert.Equal(t, rec.Version, e.Version)

	again, err := f.engine.Push(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Batches)
}

func TestPush_ResolvesReferencesBetweenNewObjects(t *testing.T) {
	m := newRemote(t)
	f := newFixture(t, m, DefaultOptions(zone))
	folder := f.create(t, "Folder", map[string]any{"title": "home"})
	note := f.create(t, "Note", map[string]any{"title": "milk", "rank": int64(1), "folder": folder})

	_, err := f.engine.Push(context.Background())
	require.NoError(t, err)

	rec, ok := m.Record(recordID(note))
	require.True(t, ok)
	ref := rec.Fields["folder"]
	require.Equal(t, record.KindReference, ref.Kind)
	assert.Equal(t, recordID(folder), ref.Ref.ID)
	assert.Equal(t, "Folder", ref.Ref.Type)
}

func TestPush_InsertThenDeleteNeverReachesServer(t *testing.T) {
	m := newRemote(t)
	f := newFixture(t, m, DefaultOptions(zone))
	id := f.create(t, "Folder", map[string]any{"title": "scratch"})
	f.remove(t, id)

	res, err := f.engine.Push(context.Background())
	require.NoError(t, err)
	assert.Zero(t, res.Batches)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, m.Len(zone))
	assert.Zero(t, f.pending(t))
}

func TestPush_UpdateSendsOnlyChangedFields(t *testing.T) {
	ctx := context.Background()
	m := newRemote(t)
	rec := &recorder{Store: m}
	f := newFixture(t, rec, DefaultOptions(zone))
	id := f.create(t, "Note", map[string]any{"title": "draft", "rank": int64(1)})
	_, err := f.engine.Push(ctx)
	require.NoError(t, err)

	f.edit(t, id, map[string]any{"rank": int64(2)})
	f.edit(t, id, map[string]any{"rank": int64(3)})
	res, err := f.engine.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Saved)

	require.Len(t, rec.batches, 2)
	sent := rec.batches[1]
	require.Len(t, sent, 1)
	assert.Equal(t, map[string]record.Value{"rank": record.Int(3)}, sent[0].Fields)

	stored, _ := m.Record(recordID(id))
	assert.Equal(t, record.String("draft"), stored.Fields["title"])
	assert.Equal(t, record.Int(3), stored.Fields["rank"])
}

func TestPush_EditBackToServerStateSendsNothing(t *testing.T) {
	ctx := context.Background()
	m := newRemote(t)
	f := newFixture(t, m, DefaultOptions(zone))
	id := f.create(t, "Folder", map[string]any{"title": "home"})
	_, err := f.engine.Push(ctx)
	require.NoError(t, err)

	f.edit(t, id, map[string]any{"title": "away"})
	f.edit(t, id, map[string]any{"title": "home"})
	res, err := f.engine.Push(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Batches)
	assert.Equal(t, 1, res.Skipped)
	assert.Zero(t, f.pending(t))
}

func TestPush_DeleteRemovesRecord(t *testing.T) {
	ctx := context.Background()
	m := newRemote(t)
	f := newFixture(t, m, DefaultOptions(zone))
	id := f.create(t, "Folder", map[string]any{"title": "home"})
	_, err := f.engine.Push(ctx)
	require.NoError(t, err)

	f.remove(t, id)
	res, err := f.engine.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	_, ok := m.Record(recordID(id))
	assert.False(t, ok)
	assert.Nil(t, f.entry(t, id))
	assert.Zero(t, f.pending(t))
}

func TestPush_SplitsBatches(t *testing.T) {
	for _, tc := range []struct {
		name        string
		optsBatch   int
		remoteBatch int
	}{
		{"engine limit", 2, 400},
		{"remote limit", 400, 2},
	} {
		t.Run(tc.name, func(t *testing.T) {
			m := newRemote(t)
			m.SetMaxBatchSize(tc.remoteBatch)
			opts := DefaultOptions(zone)
			opts.BatchSize = tc.optsBatch
			f := newFixture(t, m, opts)
			for i := 0; i < 5; i++ {
				f.create(t, "Folder", map[string]any{"title": "f"})
			}

			res, err := f.engine.Push(context.Background())
			require.NoError(t, err)
			assert.Equal(t, 3, res.Batches)
			assert.Equal(t, 5, res.Saved)
			assert.Equal(t, 5, m.Len(zone))
		})
	}
}

func TestPush_TransientFailureKeepsTransactions(t *testing.T) {
	m := newRemote(t)
	f := newFixture(t, m, DefaultOptions(zone))
	f.create(t, "Folder", map[string]any{"title": "home"})
	m.SetFault(func(method string) error {
		if method == "ModifyRecords" {
			return syncerr.NewTransientNetworkError("ModifyRecords", "connection reset")
		}
		return nil
	})

	_, err := f.engine.Push(context.Background())
	require.Error(t, err)
	assert.True(t, syncerr.IsRetryable(err))
	assert.Equal(t, 1, f.pending(t))

	m.SetFault(nil)
	res, err := f.engine.Push(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, res.Saved)
	assert.Zero(t, f.pending(t))
}

func pushedNote(t *testing.T, m *remote.MemoryStore, opts Options) (*fixture, string) {
	t.Helper()
	f := newFixture(t, m, opts)
	id := f.create(t, "Note", map[string]any{"title": "draft", "rank": int64(1)})
	_, err := f.engine.Push(context.Background())
	require.NoError(t, err)
	return f, id
}

func TestPush_ConflictServerWins(t *testing.T) {
	ctx := context.Background()
	m := newRemote(t)
	f, id := pushedNote(t, m, DefaultOptions(zone))

	overwrite(t, m, recordID(id), map[string]record.Value{"title": record.String("theirs")})
	f.edit(t, id, map[string]any{"title": "mine"})

	res, err := f.engine.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	assert.Zero(t, res.Saved)
	assert.True(t, res.Conflicted())
	assert.Zero(t, f.pending(t))

	obj, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "theirs", obj.Values["title"])
	stored, _ := m.Record(recordID(id))
	assert.Equal(t, stored.Version, f.entry(t, id).Version)
}

func TestPush_ConflictFieldLevelKeepsBothEdits(t *testing.T) {
	ctx := context.Background()
	m := newRemote(t)
	opts := DefaultOptions(zone)
	opts.Policy = merge.FieldLevel
	f, id := pushedNote(t, m, opts)

	overwrite(t, m, recordID(id), map[string]record.Value{"rank": record.Int(5)})
	f.edit(t, id, map[string]any{"title": "mine"})

	res, err := f.engine.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Resolved)
	assert.Equal(t, 1, res.Saved)
	assert.Zero(t, f.pending(t))

	stored, _ := m.Record(recordID(id))
	assert.Equal(t, record.String("mine"), stored.Fields["title"])
	assert.Equal(t, record.Int(5), stored.Fields["rank"])

	obj, err := f.store.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "mine", obj.Values["title"])
	assert.Equal(t, int64(5), obj.Values["rank"])
	assert.Equal(t, stored.Version, f.entry(t, id).Version)
}

func TestPush_ConflictWithServerDelete(t *testing.T) {
	for _, tc := range []struct {
		policy    merge.Policy
		recreated bool
	}{
		{merge.ServerWins, false},
		{merge.ClientWins, true},
	} {
		t.Run(tc.policy.String(), func(t *testing.T) {
			ctx := context.Background()
			m := newRemote(t)
			opts := DefaultOptions(zone)
			opts.Policy = tc.policy
			f, id := pushedNote(t, m, opts)

			_, err := m.ModifyRecords(ctx, zone, nil, []record.ID{recordID(id)})
			require.NoError(t, err)
			f.edit(t, id, map[string]any{"title": "mine"})

			_, err = f.engine.Push(ctx)
			require.NoError(t, err)
			assert.Zero(t, f.pending(t))

			stored, ok := m.Record(recordID(id))
			_, getErr := f.store.Get(ctx, id)
			if tc.recreated {
				require.True(t, ok)
				assert.Equal(t, record.String("mine"), stored.Fields["title"])
				assert.Equal(t, record.Int(1), stored.Fields["rank"])
				assert.NoError(t, getErr)
				return
			}
			assert.False(t, ok)
			assert.ErrorIs(t, getErr, store.ErrNotFound)
			assert.Nil(t, f.entry(t, id))
		})
	}
}

// racing rewrites every record it is about to receive, so each write the
// engine makes carries a stale version.
type racing struct {
	*remote.MemoryStore
	rank int64
}

func (r *racing) ModifyRecords(ctx context.Context, zone string, saves []*record.Record, deletes []record.ID) (*remote.ModifyResult, error) {
	for _, s := range saves {
		cur, ok := r.Record(s.ID)
		if !ok {
			continue
		}
		r.rank++
		upd := record.New(s.ID, cur.Type)
		upd.Version = cur.Version
		upd.Set("rank", record.Int(r.rank+100))
		if _, err := r.MemoryStore.ModifyRecords(ctx, zone, []*record.Record{upd}, nil); err != nil {
			return nil, err
		}
	}
	return r.MemoryStore.ModifyRecords(ctx, zone, saves, deletes)
}

func TestPush_EscalatesConflictsAfterRetryBudget(t *testing.T) {
	ctx := context.Background()
	m := newRemote(t)
	opts := DefaultOptions(zone)
	opts.Policy = merge.FieldLevel
	opts.ConflictRetries = 2
	f, id := pushedNote(t, m, opts)

	rec := &recorder{Store: &racing{MemoryStore: m}}
	f.engine.remote = rec
	f.edit(t, id, map[string]any{"title": "mine"})

	res, err := f.engine.Push(ctx)
	require.Error(t, err)
	assert.True(t, syncerr.Is(err, syncerr.ErrorTypeVersionConflict))
	require.Len(t, res.Conflicts, 1)
	c := res.Conflicts[0]
	assert.Equal(t, id, c.LocalID)
	require.NotNil(t, c.Server)
	assert.Equal(t, record.String("mine"), c.Attempted.Fields["title"])
	assert.Len(t, rec.batches, opts.ConflictRetries+1)
	assert.Equal(t, 1, f.pending(t), "unresolved edits stay queued")
}

func TestPush_MembershipSetOnToManySide(t *testing.T) {
	m := newRemote(t)
	f := newFixture(t, m, DefaultOptions(zone))
	note := f.create(t, "Note", map[string]any{"title": "n"})
	folder := f.create(t, "Folder", map[string]any{"title": "f", "notes": []string{note}})

	_, err := f.engine.Push(context.Background())
	require.NoError(t, err)
	assert.Zero(t, f.pending(t))

	rec, ok := m.Record(recordID(note))
	require.True(t, ok)
	ref := rec.Fields["folder"]
	require.Equal(t, record.KindReference, ref.Kind)
	assert.Equal(t, recordID(folder), ref.Ref.ID)

	frec, ok := m.Record(recordID(folder))
	require.True(t, ok)
	_, present := frec.Fields["notes"]
	assert.False(t, present)
}

func TestPush_DeletedTargetDrainsReferrers(t *testing.T) {
	ctx := context.Background()
	m := newRemote(t)
	f := newFixture(t, m, DefaultOptions(zone))
	folder := f.create(t, "Folder", map[string]any{"title": "f"})
	note := f.create(t, "Note", map[string]any{"title": "n", "rank": int64(1), "folder": folder})
	_, err := f.engine.Push(ctx)
	require.NoError(t, err)

	f.remove(t, folder)
	f.edit(t, note, map[string]any{"rank": int64(2)})
	res, err := f.engine.Push(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	assert.Zero(t, f.pending(t))

	rec, ok := m.Record(recordID(note))
	require.True(t, ok)
	assert.True(t, rec.Fields["folder"].IsNull())
	assert.Equal(t, record.Int(2), rec.Fields["rank"])

	f.edit(t, note, map[string]any{"rank": int64(3)})
	_, err = f.engine.Push(ctx)
	require.NoError(t, err)
	assert.Zero(t, f.pending(t))
}
