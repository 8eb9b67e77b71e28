package pull

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/cloudsync/internal/compress"
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
	remote *remote.MemoryStore
	cache  *mapping.Cache
	engine *Engine
}

func newFixture(t *testing.T, rs remote.Store, policy merge.Policy) *fixture {
	t.Helper()
	sc, err := schema.Parse([]byte(testSchema), schema.NewRegistry())
	require.NoError(t, err)
	st, err := store.Open(context.Background(), store.Options{
		Path:   filepath.Join(t.TempDir(), "pull.sqlite"),
		Schema: sc,
		Logger: zerolog.Nop(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	comp, err := compress.New(compress.DefaultConfig())
	require.NoError(t, err)
	cache := mapping.New(zone, "account")
	opts := DefaultOptions(zone)
	opts.Policy = policy
	f := &fixture{store: st, cache: cache, engine: New(st, rs, cache, transform.New(comp), opts, zerolog.Nop())}
	if m, ok := rs.(*remote.MemoryStore); ok {
		f.remote = m
	}
	return f
}

func newRemote(t *testing.T) *remote.MemoryStore {
	t.Helper()
	m := remote.NewMemoryStore("account")
	require.NoError(t, m.EnsureZone(context.Background(), zone))
	return m
}

func folderRecord(name, title string) *record.Record {
	r := record.New(record.ID{Zone: zone, Name: name}, "Folder")
	r.Set("title", record.String(title))
	return r
}

func noteRecord(name, title string, rank int64, folder string) *record.Record {
	r := record.New(record.ID{Zone: zone, Name: name}, "Note")
	r.Set("title", record.String(title))
	r.Set("rank", record.Int(rank))
	if folder != "" {
		r.Set("folder", record.Ref(record.Reference{ID: record.ID{Zone: zone, Name: folder}, Type: "Folder"}))
	}
	return r
}

func save(t *testing.T, m *remote.MemoryStore, recs ...*record.Record) []*record.Record {
	t.Helper()
	res, err := m.ModifyRecords(context.Background(), zone, recs, nil)
	require.NoError(t, err)
	require.Empty(t, res.Conflicts)
	return res.Saved
}

func (f *fixture) localID(t *testing.T, name string) string {
	t.Helper()
	var id string
	require.NoError(t, f.store.View(context.Background(), func(tx *store.Tx) error {
		e, err := tx.EntryByRecord(record.ID{Zone: zone, Name: name})
		if err != nil {
			return err
		}
		require.NotNil(t, e, "no entry for %s", name)
		id = e.LocalID
		return nil
	}))
	return id
}

func (f *fixture) object(t *testing.T, name string) *store.Object {
	t.Helper()
	obj, err := f.store.Get(context.Background(), f.localID(t, name))
	require.NoError(t, err)
	return obj
}

func (f *fixture) token(t *testing.T) string {
	t.Helper()
	var token string
	require.NoError(t, f.store.View(context.Background(), func(tx *store.Tx) (err error) {
		token, err = tx.ChangeToken(zone)
		return err
	}))
	return token
}

func (f *fixture) entryCount(t *testing.T) int {
	t.Helper()
	var n int
	require.NoError(t, f.store.View(context.Background(), func(tx *store.Tx) error {
		entries, err := tx.Entries()
		n = len(entries)
		return err
	}))
	return n
}

func TestPull_AppliesPageAndResolvesReferencesWithinIt(t *testing.T) {
	ctx := context.Background()
	m := newRemote(t)
	// the note is delivered before the folder it references
	save(t, m, noteRecord("n1", "groceries", 1, "f1"), folderRecord("f1", "home"))

	f := newFixture(t, m, merge.ServerWins)
	res, err := f.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Changed)
	assert.Zero(t, res.Deferred)
	assert.True(t, res.InitialImport)
	assert.False(t, res.MoreComing)

	note := f.object(t, "n1")
	assert.Equal(t, "groceries", note.Values["title"])
	assert.Equal(t, int64(1), note.Values["rank"])
	assert.Equal(t, f.localID(t, "f1"), note.Values["folder"])
	assert.Equal(t, res.Token, f.token(t))

	again, err := f.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Changed)
	assert.False(t, again.InitialImport)
	assert.Equal(t, 2, f.entryCount(t))

	pending, err := f.store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending, "applying remote state must not queue pushes")
}

func TestPull_RedeliveryDoesNotDuplicate(t *testing.T) {
	ctx := context.Background()
	m := newRemote(t)
	saved := save(t, m, folderRecord("f1", "home"))
	f := newFixture(t, m, merge.ServerWins)
	_, err := f.engine.Pull(ctx)
	require.NoError(t, err)

	upd := folderRecord("f1", "office")
	upd.Version = saved[0].Version
	save(t, m, upd)
	m.ExpireTokens(zone)

	_, err = f.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, f.entryCount(t))
	assert.Equal(t, "office", f.object(t, "f1").Values["title"])
}

func TestPull_DefersUnresolvedReferences(t *testing.T) {
	ctx := context.Background()
	m := newRemote(t)
	save(t, m, noteRecord("n1", "orphan", 1, "f-missing"))

	f := newFixture(t, m, merge.ServerWins)
	res, err := f.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)
	assert.NotEmpty(t, f.token(t), "a deferred record still advances the token")

	save(t, m, folderRecord("f-missing", "late"))
	res, err = f.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Changed)

	note := f.object(t, "n1")
	assert.Equal(t, f.localID(t, "f-missing"), note.Values["folder"])
	require.NoError(t, f.store.View(ctx, func(tx *store.Tx) error {
		n, err := tx.DeferredCount()
		assert.Zero(t, n)
		return err
	}))
}

func TestPull_DropsRecordsThatNeverResolve(t *testing.T) {
	ctx := context.Background()
	m := newRemote(t)
	save(t, m, noteRecord("n1", "orphan", 1, "nowhere"))

	f := newFixture(t, m, merge.ServerWins)
	f.engine.opts.MaxDeferAttempts = 2

	res, err := f.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)

	res, err = f.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Dropped)
}

func TestPull_UnknownTypeIsDeferred(t *testing.T) {
	ctx := context.Background()
	m := newRemote(t)
	save(t, m, record.New(record.ID{Zone: zone, Name: "x"}, "Attachment"))

	f := newFixture(t, m, merge.ServerWins)
	res, err := f.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deferred)
	assert.Zero(t, f.entryCount(t))
}

func TestPull_DeletesAreIdempotent(t *testing.T) {
	ctx := context.Background()
	m := newRemote(t)
	save(t, m, folderRecord("f1", "home"))
	f := newFixture(t, m, merge.ServerWins)
	_, err := f.engine.Pull(ctx)
	require.NoError(t, err)
	localID := f.localID(t, "f1")

	_, err = m.ModifyRecords(ctx, zone, nil, []record.ID{{Zone: zone, Name: "f1"}, {Zone: zone, Name: "never-seen"}})
	require.NoError(t, err)

	res, err := f.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)
	_, err = f.store.Get(ctx, localID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Zero(t, f.entryCount(t))

	m.ExpireTokens(zone)
	res, err = f.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Deleted)
}

// cancelAfterFetch cancels the pull's context once the page has been fetched,
// so the local apply fails like a crash between fetch and commit.
type cancelAfterFetch struct {
	remote.Store
	cancel context.CancelFunc
}

func (c *cancelAfterFetch) FetchChanges(ctx context.Context, zone, token string) (*remote.ChangeSet, error) {
	cs, err := c.Store.FetchChanges(ctx, zone, token)
	c.cancel()
	return cs, err
}

func TestPull_TokenNotAdvancedWhenApplyFails(t *testing.T) {
	m := newRemote(t)
	save(t, m, folderRecord("f1", "home"), noteRecord("n1", "x", 1, "f1"))

	ctx, cancel := context.WithCancel(context.Background())
	f := newFixture(t, &cancelAfterFetch{Store: m, cancel: cancel}, merge.ServerWins)
	_, err := f.engine.Pull(ctx)
	require.Error(t, err)
	assert.Empty(t, f.token(t))
	assert.Zero(t, f.entryCount(t))

	f.engine.remote = m
	res, err := f.engine.Pull(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, res.Changed)
	assert.Equal(t, 2, f.entryCount(t))
}

func TestPullAll_FollowsMoreComing(t *testing.T) {
	m := newRemote(t)
	m.SetPageSize(1)
	save(t, m, folderRecord("f1", "a"), folderRecord("f2", "b"), folderRecord("f3", "c"))

	f := newFixture(t, m, merge.ServerWins)
	res, err := f.engine.PullAll(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, res.Changed)
	assert.False(t, res.MoreComing)
	assert.True(t, res.InitialImport)
	assert.Equal(t, 3, f.entryCount(t))
}

func TestPull_InitialImportEndsWithLastPage(t *testing.T) {
	ctx := context.Background()
	m := newRemote(t)
	m.SetPageSize(1)
	save(t, m, folderRecord("f1", "a"), folderRecord("f2", "b"))

	f := newFixture(t, m, merge.ServerWins)
	first, err := f.engine.Pull(ctx)
	require.NoError(t, err)
	assert.True(t, first.MoreComing)
	assert.True(t, first.InitialImport)

	second, err := f.engine.Pull(ctx)
	require.NoError(t, err)
	assert.False(t, second.MoreComing)
	assert.True(t, second.InitialImport)

	third, err := f.engine.Pull(ctx)
	require.NoError(t, err)
	assert.False(t, third.InitialImport)
}

func editLocally(t *testing.T, f *fixture, name string, values map[string]any) {
	t.Helper()
	obj := f.object(t, name)
	for k, v := range values {
		obj.Values[k] = v
	}
	require.NoError(t, f.store.Update(context.Background(), func(tx *store.Tx) error {
		_, err := tx.Save(obj)
		return err
	}))
}

func TestPull_MergesPendingLocalEdits(t *testing.T) {
	cases := []struct {
		policy    merge.Policy
		wantTitle string
		wantRank  int64
	}{
		{merge.ServerWins, "server", 2},
		{merge.ClientWins, "local", 2},
		{merge.FieldLevel, "local", 2},
	}
	for _, tc := range cases {
		t.Run(tc.policy.String(), func(t *testing.T) {
			ctx := context.Background()
			m := newRemote(t)
			saved := save(t, m, noteRecord("n1", "server", 1, ""))
			f := newFixture(t, m, tc.policy)
			_, err := f.engine.Pull(ctx)
			require.NoError(t, err)

			editLocally(t, f, "n1", map[string]any{"title": "local"})

			upd := record.New(record.ID{Zone: zone, Name: "n1"}, "Note")
			upd.Version = saved[0].Version
			upd.Set("rank", record.Int(2))
			save(t, m, upd)

			_, err = f.engine.Pull(ctx)
			require.NoError(t, err)
			obj := f.object(t, "n1")
			assert.Equal(t, tc.wantTitle, obj.Values["title"])
			assert.Equal(t, tc.wantRank, obj.Values["rank"])

			pending, err := f.store.PendingCount(ctx)
			require.NoError(t, err)
			assert.Equal(t, 1, pending, "local edits stay queued for push")
		})
	}
}

func TestPull_RemoteDeleteUnderClientWinsKeepsPendingObject(t *testing.T) {
	ctx := context.Background()
	m := newRemote(t)
	save(t, m, folderRecord("f1", "home"))
	f := newFixture(t, m, merge.ClientWins)
	_, err := f.engine.Pull(ctx)
	require.NoError(t, err)
	editLocally(t, f, "f1", map[string]any{"title": "mine"})

	_, err = m.ModifyRecords(ctx, zone, nil, []record.ID{{Zone: zone, Name: "f1"}})
	require.NoError(t, err)
	res, err := f.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Zero(t, res.Deleted)

	assert.Equal(t, "mine", f.object(t, "f1").Values["title"])
	require.NoError(t, f.store.View(ctx, func(tx *store.Tx) error {
		e, err := tx.EntryByRecord(record.ID{Zone: zone, Name: "f1"})
		require.NotNil(t, e)
		assert.False(t, e.Pushed())
		return err
	}))
}

func TestPull_MaintainsToManySide(t *testing.T) {
	ctx := context.Background()
	m := newRemote(t)
	save(t, m, noteRecord("n1", "groceries", 1, "f1"), folderRecord("f1", "home"), folderRecord("f2", "work"))

	f := newFixture(t, m, merge.ServerWins)
	_, err := f.engine.Pull(ctx)
	require.NoError(t, err)

	note := f.localID(t, "n1")
	assert.Equal(t, []string{note}, f.object(t, "f1").Values["notes"])
	assert.Empty(t, f.object(t, "f2").Values["notes"])

	cur, ok := m.Record(record.ID{Zone: zone, Name: "n1"})
	require.True(t, ok)
	moved := noteRecord("n1", "groceries", 1, "f2")
	moved.Version = cur.Version
	save(t, m, moved)

	_, err = f.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Empty(t, f.object(t, "f1").Values["notes"])
	assert.Equal(t, []string{note}, f.object(t, "f2").Values["notes"])

	pending, err := f.store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}

func TestPull_RemoteDeleteClearsReferences(t *testing.T) {
	ctx := context.Background()
	m := newRemote(t)
	save(t, m, folderRecord("f1", "home"), noteRecord("n1", "groceries", 1, "f1"))

	f := newFixture(t, m, merge.ServerWins)
	_, err := f.engine.Pull(ctx)
	require.NoError(t, err)
	require.NotEmpty(t, f.object(t, "n1").Values["folder"])

	_, err = m.ModifyRecords(ctx, zone, nil, []record.ID{{Zone: zone, Name: "f1"}})
	require.NoError(t, err)
	res, err := f.engine.Pull(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, res.Deleted)

	assert.Empty(t, f.object(t, "n1").Values["folder"])
	pending, err := f.store.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
}
