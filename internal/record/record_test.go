package record

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueEqual(t *testing.T) {
	now := time.Now()
	assert.True(t, String("a").Equal(String("a")))
	assert.False(t, String("a").Equal(String("b")))
	assert.False(t, Int(1).Equal(Float(1)))
	assert.True(t, Null().Equal(Null()))
	assert.True(t, Date(now).Equal(Date(now.In(time.FixedZone("x", 3600)))))

	raw := BlobValue(Blob{Data: []byte("hello"), Size: 5, Digest: 42})
	packed := BlobValue(Blob{Data: []byte{0x01, 0x02}, Codec: "snappy", Size: 5, Digest: 42})
	assert.True(t, raw.Equal(packed))
	assert.False(t, raw.Equal(BlobValue(Blob{Data: []byte("hellp"), Size: 5, Digest: 43})))

	a := Ref(Reference{ID: ID{Zone: "z", Name: "1"}, Type: "Folder"})
	assert.True(t, a.Equal(Ref(Reference{ID: ID{Zone: "z", Name: "1"}})))
	assert.False(t, a.Equal(Ref(Reference{ID: ID{Zone: "z", Name: "2"}})))

	l1 := Refs([]Reference{{ID: ID{"z", "1"}}, {ID: ID{"z", "2"}}})
	l2 := Refs([]Reference{{ID: ID{"z", "2"}}, {ID: ID{"z", "1"}}})
	assert.False(t, l1.Equal(l2))
}

func TestRecordCopyIsDeep(t *testing.T) {
	r := New(ID{Zone: "main", Name: "n1"}, "Note")
	r.Set("body", BlobValue(Blob{Data: []byte("abc"), Size: 3}))
	r.Set("title", String("t"))

	c := r.Copy()
	c.Fields["body"].Blob.Data[0] = 'X'
	c.Set("title", String("changed"))

	assert.Equal(t, byte('a'), r.Fields["body"].Blob.Data[0])
	assert.Equal(t, "t", r.Fields["title"].Str)
}

func TestValueJSONKeepsKind(t *testing.T) {
	in := map[string]Value{
		"when":  Date(time.Unix(1700000000, 5).UTC()),
		"count": Int(0),
		"ok":    Bool(false),
		"none":  Null(),
	}
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out map[string]Value
	require.NoError(t, json.Unmarshal(b, &out))
	for k, v := range in {
		assert.True(t, v.Equal(out[k]), k)
	}
}

func TestID(t *testing.T) {
	assert.Equal(t, "main/n1", ID{Zone: "main", Name: "n1"}.String())
	assert.True(t, ID{}.IsZero())
}
