package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/cloudsync/internal/record"
	"github.com/23skdu/cloudsync/internal/schema"
)

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
      - {name: body, type: binary}
      - {name: rank, type: int}
      - {name: score, type: float}
      - {name: done, type: bool}
      - {name: due, type: date}
      - {name: tags, type: transformable, transformer: string-list}
    relationships:
      - {name: folder, destination: Folder, inverse: notes}
`

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()
	sc, err := schema.Parse([]byte(testSchema), schema.NewRegistry())
	require.NoError(t, err)
	s, err := Open(context.Background(), Options{Path: path, Schema: sc, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestSaveGetRoundTrip(t *testing.T) {
	s := openTestStore(t, filepath.Join(t.TempDir(), "db.sqlite"))
	ctx := context.Background()
	due := time.Date(2026, 3, 1, 12, 30, 0, 123, time.UTC)

	var id string
	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		var err error
		id, err = tx.Save(&Object{Entity: "Note", Values: map[string]any{
			"title":  "hello",
			"body":   []byte{0, 1, 2, 255},
			"rank":   7,
			"score":  1.5,
			"done":   true,
			"due":    due,
			"tags":   []string{"a", "b"},
			"folder": "f1",
		}})
		return err
	}))
	require.NotEmpty(t, id)

	obj, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "hello", obj.Values["title"])
	assert.Equal(t, []byte{0, 1, 2, 255}, obj.Values["body"])
	assert.Equal(t, int64(7), obj.Values["rank"])
	assert.Equal(t, 1.5, obj.Values["score"])
	assert.Equal(t, true, obj.Values["done"])
	assert.True(t, due.Equal(obj.Values["due"].(time.Time)))
	assert.Equal(t, []string{"a", "b"}, obj.Values["tags"])
	assert.Equal(t, "f1", obj.Values["folder"])

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestTransactionLog(t *testing.T) {
	s := openTestStore(t, ":memory:")
	ctx := context.Background()

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		if _, err := tx.Save(&Object{ID: "n1", Entity: "Note", Values: map[string]any{"title": "a"}}); err != nil {
			return err
		}
		if _, err := tx.Save(&Object{ID: "n1", Entity: "Note", Values: map[string]any{"title": "b"}}); err != nil {
			return err
		}
		return tx.Remove("n1")
	}))

	var pending []Transaction
	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		var err error
		pending, err = tx.PendingTransactions(0)
		return err
	}))
	require.Len(t, pending, 3)
	assert.Equal(t, []Action{ActionInsert, ActionUpdate, ActionDelete},
		[]Action{pending[0].Action, pending[1].Action, pending[2].Action})
	assert.Less(t, pending[0].Seq, pending[1].Seq)

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		return tx.DeleteTransactions([]int64{pending[0].Seq, pending[1].Seq})
	}))
	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestPutDoesNotLogTransactions(t *testing.T) {
	s := openTestStore(t, ":memory:")
	ctx := context.Background()
	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		_, err := tx.Put(&Object{ID: "n1", Entity: "Note", Values: map[string]any{"title": "remote"}})
		return err
	}))
	n, err := s.PendingCount(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRollbackSkipsCommitHooksAndToken(t *testing.T) {
	s := openTestStore(t, ":memory:")
	ctx := context.Background()
	hookRan := false
	boom := errors.New("apply failed")

	err := s.Update(ctx, func(tx *Tx) error {
		tx.OnCommit(func() { hookRan = true })
		if err := tx.SetChangeToken("main", "t2"); err != nil {
			return err
		}
		_, err := tx.Put(&Object{ID: "n1", Entity: "Note", Values: map[string]any{"title": "x"}})
		if err != nil {
			return err
		}
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.False(t, hookRan)

	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		token, err := tx.ChangeToken("main")
		assert.Empty(t, token)
		return err
	}))
	_, err = s.Get(ctx, "n1")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBackingEntries(t *testing.T) {
	s := openTestStore(t, ":memory:")
	ctx := context.Background()
	rid := record.ID{Zone: "main", Name: "r1"}

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		return tx.PutEntry(&BackingEntry{
			LocalID: "n1", RecordID: rid, RecordType: "Note", Version: "v1",
			Snapshot: map[string]record.Value{"title": record.String("a")},
		})
	}))

	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		e, err := tx.Entry("n1")
		require.NoError(t, err)
		require.NotNil(t, e)
		assert.Equal(t, rid, e.RecordID)
		assert.True(t, e.Pushed())
		assert.True(t, record.String("a").Equal(e.Snapshot["title"]))

		byRec, err := tx.EntryByRecord(rid)
		require.NoError(t, err)
		assert.Equal(t, "n1", byRec.LocalID)

		none, err := tx.Entry("nope")
		assert.Nil(t, none)
		return err
	}))

	// a record is linked to at most one local object
	err := s.Update(ctx, func(tx *Tx) error {
		return tx.PutEntry(&BackingEntry{LocalID: "n2", RecordID: rid, RecordType: "Note"})
	})
	assert.Error(t, err)
}

func TestSubscribe(t *testing.T) {
	s := openTestStore(t, ":memory:")
	ctx := context.Background()
	ch, cancel := s.Subscribe()
	defer cancel()

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		tx.MarkRemote()
		_, err := tx.Put(&Object{ID: "n1", Entity: "Note", Values: map[string]any{"title": "x"}})
		return err
	}))

	select {
	case n := <-ch:
		assert.Equal(t, []string{"n1"}, n.Inserted)
		assert.True(t, n.Remote)
	case <-time.After(time.Second):
		t.Fatal("no change notice")
	}
}

func TestReopenKeepsState(t *testing.T) {
	path := filepath.Join(t.TempDir(), "acct", "zone.sqlite")
	ctx := context.Background()

	s := openTestStore(t, path)
	id := s.ID()
	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		if err := tx.SetChangeToken("main", "t9"); err != nil {
			return err
		}
		return tx.MarkInitialImportDone()
	}))
	require.NoError(t, s.Close())

	s2 := openTestStore(t, path)
	assert.Equal(t, id, s2.ID())
	require.NoError(t, s2.View(ctx, func(tx *Tx) error {
		token, err := tx.ChangeToken("main")
		require.NoError(t, err)
		assert.Equal(t, "t9", token)
		done, err := tx.InitialImportDone()
		assert.True(t, done)
		return err
	}))
}

func TestDeferredRecords(t *testing.T) {
	s := openTestStore(t, ":memory:")
	ctx := context.Background()
	rec := record.New(record.ID{Zone: "main", Name: "r1"}, "Note")
	rec.Set("title", record.String("waiting"))

	for i := 0; i < 2; i++ {
		require.NoError(t, s.Update(ctx, func(tx *Tx) error { return tx.Defer(rec, "unresolved_reference") }))
	}

	require.NoError(t, s.Update(ctx, func(tx *Tx) error {
		d, err := tx.Deferred("main")
		require.NoError(t, err)
		require.Len(t, d, 1)
		assert.Equal(t, 2, d[0].Attempts)
		assert.Equal(t, "Note", d[0].Record.Type)
		return tx.RemoveDeferred(rec.ID)
	}))
	require.NoError(t, s.View(ctx, func(tx *Tx) error {
		n, err := tx.DeferredCount()
		assert.Zero(t, n)
		return err
	}))
}

func TestViewRejectsWrites(t *testing.T) {
	s := openTestStore(t, ":memory:")
	err := s.View(context.Background(), func(tx *Tx) error {
		return tx.SetChangeToken("main", "x")
	})
	assert.Error(t, err)
}

func TestSaveRejectsUnknownField(t *testing.T) {
	s := openTestStore(t, ":memory:")
	err := s.Update(context.Background(), func(tx *Tx) error {
		_, err := tx.Save(&Object{Entity: "Note", Values: map[string]any{"color": "red"}})
		return err
	})
	assert.Error(t, err)
}
