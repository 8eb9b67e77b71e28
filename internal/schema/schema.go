// Package schema describes the locally-typed entities that are synchronized.
//
// A Schema is immutable once built. Building it validates the relationship
// graph, computes which side of every relationship owns its serialization and
// resolves transformable attributes against a Registry, so none of that work
// happens per value during sync.
package schema

import (
	"fmt"
	"sort"
	"strings"

	syncerr "github.com/23skdu/cloudsync/internal/errors"
)

// AttributeKind is the local type of an attribute.
type AttributeKind int

const (
	KindString AttributeKind = iota
	KindInt
	KindFloat
	KindBool
	KindDate
	KindBinary
	KindTransformable
)

func (k AttributeKind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindFloat:
		return "float"
	case KindBool:
		return "bool"
	case KindDate:
		return "date"
	case KindBinary:
		return "binary"
	case KindTransformable:
		return "transformable"
	}
	return fmt.Sprintf("kind(%d)", int(k))
}

// ParseKind maps a schema file type name onto an AttributeKind.
func ParseKind(s string) (AttributeKind, error) {
	switch strings.ToLower(s) {
	case "string", "text":
		return KindString, nil
	case "int", "integer", "int64":
		return KindInt, nil
	case "float", "double", "decimal":
		return KindFloat, nil
	case "bool", "boolean":
		return KindBool, nil
	case "date", "time", "timestamp":
		return KindDate, nil
	case "binary", "bytes", "data":
		return KindBinary, nil
	case "transformable":
		return KindTransformable, nil
	}
	return 0, fmt.Errorf("unknown attribute type %q", s)
}

// Attribute is a typed scalar field of an entity.
type Attribute struct {
	Name     string
	Kind     AttributeKind
	Optional bool
	// Transformer names the Registry entry used by KindTransformable.
	Transformer string

	codec Transformer
}

// Codec returns the encode/decode pair resolved when the schema was built.
func (a *Attribute) Codec() Transformer {
	return a.codec
}

// Relationship links an entity to another entity.
type Relationship struct {
	Name        string
	Destination string
	ToMany      bool
	Inverse     string

	// OwnsSerialization reports whether this side is written to the remote
	// record. Exactly one side of an inverse pair owns it.
	OwnsSerialization bool
}

// Entity is the description of one local object type.
type Entity struct {
	Name          string
	Attributes    []*Attribute
	Relationships []*Relationship

	attrs map[string]*Attribute
	rels  map[string]*Relationship
}

func (e *Entity) Attribute(name string) (*Attribute, bool) {
	a, ok := e.attrs[name]
	return a, ok
}

func (e *Entity) Relationship(name string) (*Relationship, bool) {
	r, ok := e.rels[name]
	return r, ok
}

// SerializedRelationships returns the relationships that contribute to the
// remote payload.
func (e *Entity) SerializedRelationships() []*Relationship {
	out := make([]*Relationship, 0, len(e.Relationships))
	for _, r := range e.Relationships {
		if r.OwnsSerialization {
			out = append(out, r)
		}
	}
	return out
}

// Schema is a validated set of entities.
type Schema struct {
	entities map[string]*Entity
	names    []string
}

// New validates entities and returns the built schema. reg may be nil when no
// attribute is transformable.
func New(entities []*Entity, reg *Registry) (*Schema, error) {
	s := &Schema{entities: make(map[string]*Entity, len(entities))}

	for _, e := range entities {
		if e == nil || e.Name == "" {
			return nil, syncerr.NewValidationError("schema.New", "entity without a name")
		}
		if _, dup := s.entities[e.Name]; dup {
			return nil, syncerr.NewValidationError("schema.New", "duplicate entity "+e.Name)
		}
		if err := index(e, reg); err != nil {
			return nil, err
		}
		s.entities[e.Name] = e
		s.names = append(s.names, e.Name)
	}
	sort.Strings(s.names)

	for _, name := range s.names {
		if err := s.link(s.entities[name]); err != nil {
			return nil, err
		}
	}
	for _, name := range s.names {
		for _, r := range s.entities[name].Relationships {
			r.OwnsSerialization = s.owns(name, r)
		}
	}
	return s, nil
}

func index(e *Entity, reg *Registry) error {
	e.attrs = make(map[string]*Attribute, len(e.Attributes))
	e.rels = make(map[string]*Relationship, len(e.Relationships))
	seen := make(map[string]bool)

	for _, a := range e.Attributes {
		if a.Name == "" || seen[a.Name] {
			return syncerr.NewValidationError("schema.New", fmt.Sprintf("%s: empty or duplicate field %q", e.Name, a.Name))
		}
		seen[a.Name] = true
		if a.Kind == KindTransformable {
			if reg == nil {
				return syncerr.NewValidationError("schema.New", fmt.Sprintf("%s.%s: transformable attribute needs a registry", e.Name, a.Name))
			}
			t, ok := reg.Lookup(a.Transformer)
			if !ok {
				return syncerr.NewValidationError("schema.New", fmt.Sprintf("%s.%s: unknown transformer %q", e.Name, a.Name, a.Transformer))
			}
			a.codec = t
		}
		e.attrs[a.Name] = a
	}
	for _, r := range e.Relationships {
		if r.Name == "" || seen[r.Name] {
			return syncerr.NewValidationError("schema.New", fmt.Sprintf("%s: empty or duplicate field %q", e.Name, r.Name))
		}
		seen[r.Name] = true
		e.rels[r.Name] = r
	}
	return nil
}

func (s *Schema) link(e *Entity) error {
	for _, r := range e.Relationships {
		dest, ok := s.entities[r.Destination]
		if !ok {
			return syncerr.NewValidationError("schema.New", fmt.Sprintf("%s.%s: unknown destination %q", e.Name, r.Name, r.Destination))
		}
		if r.Inverse == "" {
			continue
		}
		inv, ok := dest.rels[r.Inverse]
		if !ok {
			return syncerr.NewValidationError("schema.New", fmt.Sprintf("%s.%s: inverse %s.%s not found", e.Name, r.Name, dest.Name, r.Inverse))
		}
		if inv.Destination != e.Name || inv.Inverse != r.Name {
			return syncerr.NewValidationError("schema.New", fmt.Sprintf("%s.%s: inverse %s.%s does not point back", e.Name, r.Name, dest.Name, r.Inverse))
		}
	}
	return nil
}

// owns decides which side of a relationship is serialized. A to-one side
// beats a to-many side; between equals the lexically smaller
// "Entity.relationship" wins.
func (s *Schema) owns(entity string, r *Relationship) bool {
	if r.Inverse == "" {
		return true
	}
	inv := s.entities[r.Destination].rels[r.Inverse]
	if r.ToMany != inv.ToMany {
		return !r.ToMany
	}
	return entity+"."+r.Name < r.Destination+"."+inv.Name
}

// Entity returns the named entity description.
func (s *Schema) Entity(name string) (*Entity, bool) {
	e, ok := s.entities[name]
	return e, ok
}

// Entities returns all entities ordered by name.
func (s *Schema) Entities() []*Entity {
	out := make([]*Entity, 0, len(s.names))
	for _, n := range s.names {
		out = append(out, s.entities[n])
	}
	return out
}
