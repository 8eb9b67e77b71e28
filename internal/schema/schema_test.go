package schema

import (
	"testing"

	syncerr "github.com/23skdu/cloudsync/internal/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const notesYAML = `
entities:
  - name: Folder
    attributes:
      - {name: title, type: string}
    relationships:
      - {name: notes, destination: Note, toMany: true, inverse: folder}
  - name: Note
    attributes:
      - {name: title, type: string}
      - {name: body, type: binary, optional: true}
      - {name: rank, type: int}
      - {name: tags, type: transformable, transformer: string-list}
    relationships:
      - {name: folder, destination: Folder, inverse: notes}
      - {name: cover, destination: Image, inverse: note}
      - {name: labels, destination: Label, toMany: true, inverse: notes}
      - {name: seeAlso, destination: Note, toMany: true}
  - name: Image
    relationships:
      - {name: note, destination: Note, inverse: cover}
  - name: Label
    relationships:
      - {name: notes, destination: Note, toMany: true, inverse: labels}
`

func mustParse(t *testing.T) *Schema {
	t.Helper()
	s, err := Parse([]byte(notesYAML), NewRegistry())
	require.NoError(t, err)
	return s
}

func TestParse(t *testing.T) {
	s := mustParse(t)
	require.Len(t, s.Entities(), 4)
	assert.Equal(t, "Folder", s.Entities()[0].Name)

	note, ok := s.Entity("Note")
	require.True(t, ok)
	body, ok := note.Attribute("body")
	require.True(t, ok)
	assert.Equal(t, KindBinary, body.Kind)
	assert.True(t, body.Optional)

	tags, _ := note.Attribute("tags")
	assert.NotNil(t, tags.Codec().Encode)
}

func TestOwnsSerialization(t *testing.T) {
	s := mustParse(t)
	owns := func(entity, rel string) bool {
		e, _ := s.Entity(entity)
		r, ok := e.Relationship(rel)
		require.True(t, ok)
		return r.OwnsSerialization
	}

	// to-one beats to-many
	assert.True(t, owns("Note", "folder"))
	assert.False(t, owns("Folder", "notes"))

	// one-to-one: lexically smaller side
	assert.True(t, owns("Image", "note"))
	assert.False(t, owns("Note", "cover"))

	// many-to-many: lexically smaller side
	assert.True(t, owns("Label", "notes"))
	assert.False(t, owns("Note", "labels"))

	// no inverse
	assert.True(t, owns("Note", "seeAlso"))

	note, _ := s.Entity("Note")
	var names []string
	for _, r := range note.SerializedRelationships() {
		names = append(names, r.Name)
	}
	assert.Equal(t, []string{"folder", "seeAlso"}, names)
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"unknown type":        `entities: [{name: A, attributes: [{name: x, type: widget}]}]`,
		"unknown destination": `entities: [{name: A, relationships: [{name: b, destination: B}]}]`,
		"bad inverse": `
entities:
  - {name: A, relationships: [{name: b, destination: B, inverse: a}]}
  - {name: B, relationships: [{name: a, destination: A, inverse: other}]}`,
		"duplicate field":     `entities: [{name: A, attributes: [{name: x, type: string}], relationships: [{name: x, destination: A}]}]`,
		"unknown transformer": `entities: [{name: A, attributes: [{name: x, type: transformable, transformer: nope}]}]`,
		"empty":               `entities: []`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc), NewRegistry())
			require.Error(t, err)
			assert.True(t, syncerr.Is(err, syncerr.ErrorTypeValidation), err.Error())
		})
	}
}

func TestRegistry_StringList(t *testing.T) {
	tr, ok := NewRegistry().Lookup("string-list")
	require.True(t, ok)

	b, err := tr.Encode([]any{"a", "b"})
	require.NoError(t, err)
	v, err := tr.Decode(b)
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, v)

	_, err = tr.Encode(42)
	assert.Error(t, err)
}

func TestNormalize(t *testing.T) {
	s := mustParse(t)
	note, _ := s.Entity("Note")

	out, err := note.Normalize(map[string]any{
		"title":  "hello",
		"rank":   3,
		"body":   "raw",
		"folder": "f1",
		"labels": []any{"l1", "l2"},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(3), out["rank"])
	assert.Equal(t, []byte("raw"), out["body"])
	assert.Equal(t, "f1", out["folder"])
	assert.Equal(t, []string{"l1", "l2"}, out["labels"])

	_, err = note.Normalize(map[string]any{"rank": 1.5})
	assert.Error(t, err)
	_, err = note.Normalize(map[string]any{"nope": 1})
	assert.Error(t, err)
	_, err = note.Normalize(map[string]any{"folder": 7})
	assert.Error(t, err)
}
