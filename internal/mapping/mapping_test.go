package mapping

import (
	"context"
	"errors"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/23skdu/cloudsync/internal/record"
	"github.com/23skdu/cloudsync/internal/schema"
	"github.com/23skdu/cloudsync/internal/store"
)

func openStore(t *testing.T) *store.Store {
	t.Helper()
	sc, err := schema.Parse([]byte(`entities: [{name: Note, attributes: [{name: title, type: string}]}]`), nil)
	require.NoError(t, err)
	s, err := store.Open(context.Background(), store.Options{Path: ":memory:", Schema: sc, Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestDeriveRecordNameProperties checks that record names converge across
// devices and separate across accounts and objects.
func TestDeriveRecordNameProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	properties.Property("same token and local id give the same name", prop.ForAll(
		func(token, localID string) bool {
			a := New("main", token)
			b := New("main", token)
			return DeriveRecordName(a.accountToken, localID) == DeriveRecordName(b.accountToken, localID)
		},
		gen.AnyString(),
		gen.AnyString(),
	))

	properties.Property("different local ids give different names", prop.ForAll(
		func(token, x, y string) bool {
			if x == y {
				return true
			}
			return DeriveRecordName(token, x) != DeriveRecordName(token, y)
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.Property("different accounts give different names", prop.ForAll(
		func(t1, t2, localID string) bool {
			if t1 == t2 {
				return true
			}
			return DeriveRecordName(t1, localID) != DeriveRecordName(t2, localID)
		},
		gen.Identifier(),
		gen.Identifier(),
		gen.Identifier(),
	))

	properties.TestingRun(t)
}

func TestRegisterConvergesAcrossStores(t *testing.T) {
	ctx := context.Background()
	var ids []record.ID
	for i := 0; i < 2; i++ {
		s := openStore(t)
		c := New("main", "account-token")
		require.NoError(t, s.Update(ctx, func(tx *store.Tx) error {
			e, err := c.In(tx).Register("note-1", "Note")
			if err != nil {
				return err
			}
			ids = append(ids, e.RecordID)
			return nil
		}))
	}
	assert.Equal(t, ids[0], ids[1])
	assert.Equal(t, "main", ids[0].Zone)
}

func TestCacheOnlyLearnsCommittedEntries(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	c := New("main", "tok")
	boom := errors.New("rollback")

	err := s.Update(ctx, func(tx *store.Tx) error {
		scope := c.In(tx)
		e, err := scope.Register("n1", "Note")
		require.NoError(t, err)

		// visible inside the transaction
		id, ok, err := scope.RecordID("n1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, e.RecordID, id)
		return boom
	})
	require.ErrorIs(t, err, boom)
	assert.Zero(t, c.Len())

	require.NoError(t, s.Update(ctx, func(tx *store.Tx) error {
		_, err := c.In(tx).Register("n1", "Note")
		return err
	}))
	assert.Equal(t, 1, c.Len())
}

func TestLookupBothDirections(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	c := New("main", "tok")
	rid := record.ID{Zone: "main", Name: "remote-1"}

	require.NoError(t, s.Update(ctx, func(tx *store.Tx) error {
		e, err := c.In(tx).RegisterRemote(rid, "Note")
		require.NoError(t, err)
		assert.Equal(t, "remote-1", e.LocalID)

		// registering again returns the existing entry
		again, err := c.In(tx).RegisterRemote(rid, "Note")
		require.NoError(t, err)
		assert.Equal(t, e.LocalID, again.LocalID)
		return nil
	}))

	// a fresh cache reads through to the table
	fresh := New("main", "tok")
	require.NoError(t, s.View(ctx, func(tx *store.Tx) error {
		scope := fresh.In(tx)
		local, ok, err := scope.LocalID(rid)
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "remote-1", local)

		id, ok, err := scope.RecordID("remote-1")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, rid, id)

		_, ok, err = scope.LocalID(record.ID{Zone: "main", Name: "unknown"})
		assert.False(t, ok)
		return err
	}))
}

func TestWarmAndForget(t *testing.T) {
	ctx := context.Background()
	s := openStore(t)
	c := New("main", "tok")
	require.NoError(t, s.Update(ctx, func(tx *store.Tx) error {
		for _, id := range []string{"a", "b", "c"} {
			if _, err := c.In(tx).Register(id, "Note"); err != nil {
				return err
			}
		}
		return nil
	}))

	warm := New("main", "tok")
	require.NoError(t, warm.Warm(ctx, s))
	assert.Equal(t, 3, warm.Len())

	require.NoError(t, s.Update(ctx, func(tx *store.Tx) error {
		return warm.In(tx).Forget("b")
	}))
	assert.Equal(t, 2, warm.Len())
	require.NoError(t, s.View(ctx, func(tx *store.Tx) error {
		e, err := tx.Entry("b")
		assert.Nil(t, e)
		return err
	}))
}
