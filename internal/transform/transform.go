// Package transform converts between local object values and remote record
// fields.
package transform

import (
	"fmt"
	"time"

	"github.com/23skdu/cloudsync/internal/compress"
	syncerr "github.com/23skdu/cloudsync/internal/errors"
	"github.com/23skdu/cloudsync/internal/metrics"
	"github.com/23skdu/cloudsync/internal/record"
	"github.com/23skdu/cloudsync/internal/schema"
	"github.com/23skdu/cloudsync/internal/store"
)

// Resolver maps object identities to record identities and back.
// mapping.Scope implements it.
type Resolver interface {
	RecordID(localID string) (record.ID, bool, error)
	LocalID(id record.ID) (string, bool, error)
}

// Transformer converts field values. It is safe for concurrent use.
type Transformer struct {
	comp *compress.Compressor
}

// New returns a Transformer that packs binary payloads with comp. A nil comp
// sends every payload raw.
func New(comp *compress.Compressor) *Transformer {
	return &Transformer{comp: comp}
}

// ToRemoteFields builds the full remote field map for obj. Every attribute and
// every relationship that owns its serialization is present; unset values
// are Null.
func (t *Transformer) ToRemoteFields(obj *store.Object, e *schema.Entity, r Resolver) (map[string]record.Value, error) {
	out := make(map[string]record.Value, len(e.Attributes)+len(e.Relationships))

	for _, a := range e.Attributes {
		v, err := t.attributeToRemote(a, obj.Values[a.Name])
		if err != nil {
			metrics.TransformErrorsTotal.WithLabelValues("to_remote", string(syncerr.TypeOf(err))).Inc()
			return nil, err
		}
		out[a.Name] = v
	}

	for _, rel := range e.SerializedRelationships() {
		v, err := relationshipToRemote(rel, obj.Values[rel.Name], r)
		if err != nil {
			metrics.TransformErrorsTotal.WithLabelValues("to_remote", string(syncerr.TypeOf(err))).Inc()
			if se, ok := err.(*syncerr.StructuredError); ok {
				se.WithContext("object", obj.ID).WithContext("field", rel.Name)
			}
			return nil, err
		}
		out[rel.Name] = v
	}
	return out, nil
}

func (t *Transformer) attributeToRemote(a *schema.Attribute, raw any) (record.Value, error) {
	v, err := schema.Coerce(a.Kind, raw)
	if err != nil {
		return record.Value{}, syncerr.Wrap(err, syncerr.ErrorTypeValidation, "transform.ToRemoteFields", a.Name)
	}
	if v == nil {
		return record.Null(), nil
	}

	switch a.Kind {
	case schema.KindString:
		return record.String(v.(string)), nil
	case schema.KindInt:
		return record.Int(v.(int64)), nil
	case schema.KindFloat:
		return record.Float(v.(float64)), nil
	case schema.KindBool:
		return record.Bool(v.(bool)), nil
	case schema.KindDate:
		return record.Date(v.(time.Time)), nil
	case schema.KindBinary:
		return record.BlobValue(t.comp.Pack(v.([]byte))), nil
	case schema.KindTransformable:
		b, err := a.Codec().Encode(v)
		if err != nil {
			return record.Value{}, syncerr.Wrap(err, syncerr.ErrorTypeValidation, "transform.ToRemoteFields", a.Name+": encode")
		}
		return record.BlobValue(t.comp.Pack(b)), nil
	}
	return record.Value{}, syncerr.NewValidationError("transform.ToRemoteFields", "unsupported kind "+a.Kind.String())
}

func relationshipToRemote(rel *schema.Relationship, raw any, r Resolver) (record.Value, error) {
	if !rel.ToMany {
		id, err := schema.CoerceToOne(raw)
		if err != nil {
			return record.Value{}, syncerr.Wrap(err, syncerr.ErrorTypeValidation, "transform.ToRemoteFields", rel.Name)
		}
		if id == "" {
			return record.Null(), nil
		}
		ref, err := resolveLocal(rel, id, r)
		if err != nil {
			return record.Value{}, err
		}
		return record.Ref(ref), nil
	}

	ids, err := schema.CoerceToMany(raw)
	if err != nil {
		return record.Value{}, syncerr.Wrap(err, syncerr.ErrorTypeValidation, "transform.ToRemoteFields", rel.Name)
	}
	if len(ids) == 0 {
		return record.Null(), nil
	}
	refs := make([]record.Reference, 0, len(ids))
	for _, id := range ids {
		ref, err := resolveLocal(rel, id, r)
		if err != nil {
			return record.Value{}, err
		}
		refs = append(refs, ref)
	}
	return record.Refs(refs), nil
}

func resolveLocal(rel *schema.Relationship, localID string, r Resolver) (record.Reference, error) {
	rid, ok, err := r.RecordID(localID)
	if err != nil {
		return record.Reference{}, err
	}
	if !ok {
		return record.Reference{}, syncerr.NewUnresolvedReferenceError("transform.ToRemoteFields",
			fmt.Sprintf("%s target %s has no record", rel.Name, localID)).WithContext("target", localID)
	}
	return record.Reference{ID: rid, Type: rel.Destination}, nil
}

// ToLocalFields converts the fields present on rec into local values. Fields
// the entity does not declare are ignored. A reference to a record that has
// not been pulled yet fails with an unresolved reference error; a value of
// the wrong kind fails with a schema mismatch.
func (t *Transformer) ToLocalFields(rec *record.Record, e *schema.Entity, r Resolver) (map[string]any, error) {
	if rec.Type != e.Name {
		return nil, syncerr.NewSchemaMismatchError("transform.ToLocalFields",
			fmt.Sprintf("record type %q is not %q", rec.Type, e.Name))
	}
	out := make(map[string]any, len(rec.Fields))

	fail := func(err error, field string) (map[string]any, error) {
		metrics.TransformErrorsTotal.WithLabelValues("to_local", string(syncerr.TypeOf(err))).Inc()
		if se, ok := err.(*syncerr.StructuredError); ok {
			se.WithContext("record", rec.ID.String()).WithContext("field", field)
		}
		return nil, err
	}

	for _, a := range e.Attributes {
		v, ok := rec.Fields[a.Name]
		if !ok {
			continue
		}
		local, err := attributeToLocal(a, v)
		if err != nil {
			return fail(err, a.Name)
		}
		out[a.Name] = local
	}

	for _, rel := range e.SerializedRelationships() {
		v, ok := rec.Fields[rel.Name]
		if !ok {
			continue
		}
		local, err := relationshipToLocal(rel, v, r)
		if err != nil {
			return fail(err, rel.Name)
		}
		out[rel.Name] = local
	}
	return out, nil
}

func mismatch(a string, want string, v record.Value) error {
	return syncerr.NewSchemaMismatchError("transform.ToLocalFields",
		fmt.Sprintf("%s: expected %s, got %s", a, want, v.Kind))
}

func attributeToLocal(a *schema.Attribute, v record.Value) (any, error) {
	if v.IsNull() {
		return nil, nil
	}
	switch a.Kind {
	case schema.KindString:
		if v.Kind == record.KindString {
			return v.Str, nil
		}
	case schema.KindInt:
		switch v.Kind {
		case record.KindInt:
			return v.Int, nil
		case record.KindFloat:
			if c, err := schema.Coerce(schema.KindInt, v.Float); err == nil {
				return c, nil
			}
		}
	case schema.KindFloat:
		switch v.Kind {
		case record.KindFloat:
			return v.Float, nil
		case record.KindInt:
			return float64(v.Int), nil
		}
	case schema.KindBool:
		if v.Kind == record.KindBool {
			return v.Bool, nil
		}
	case schema.KindDate:
		if v.Kind == record.KindDate && v.Time != nil {
			return v.Time.UTC(), nil
		}
	case schema.KindBinary:
		if v.Kind == record.KindBlob && v.Blob != nil {
			return compress.Unpack(*v.Blob)
		}
	case schema.KindTransformable:
		if v.Kind == record.KindBlob && v.Blob != nil {
			raw, err := compress.Unpack(*v.Blob)
			if err != nil {
				return nil, err
			}
			decoded, err := a.Codec().Decode(raw)
			if err != nil {
				return nil, syncerr.WrapSchemaMismatchError(err, "transform.ToLocalFields", a.Name+": decode")
			}
			return decoded, nil
		}
	}
	return nil, mismatch(a.Name, a.Kind.String(), v)
}

func relationshipToLocal(rel *schema.Relationship, v record.Value, r Resolver) (any, error) {
	if v.IsNull() {
		if rel.ToMany {
			return []string(nil), nil
		}
		return "", nil
	}
	if !rel.ToMany {
		if v.Kind != record.KindReference || v.Ref == nil {
			return nil, mismatch(rel.Name, "reference", v)
		}
		return resolveRemote(rel, v.Ref.ID, r)
	}
	if v.Kind != record.KindReferenceList {
		return nil, mismatch(rel.Name, "reference list", v)
	}
	ids := make([]string, 0, len(v.Refs))
	for _, ref := range v.Refs {
		id, err := resolveRemote(rel, ref.ID, r)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func resolveRemote(rel *schema.Relationship, id record.ID, r Resolver) (string, error) {
	local, ok, err := r.LocalID(id)
	if err != nil {
		return "", err
	}
	if !ok {
		return "", syncerr.NewUnresolvedReferenceError("transform.ToLocalFields",
			fmt.Sprintf("%s target %s not synchronized yet", rel.Name, id)).WithContext("target", id.String())
	}
	return local, nil
}

// ChangedFields returns the fields of current that differ from base. Fields
// present in base but missing from current come back as Null so the remote
// clears them.
func ChangedFields(base, current map[string]record.Value) map[string]record.Value {
	out := make(map[string]record.Value)
	for k, v := range current {
		bv, ok := base[k]
		if !ok {
			if !v.IsNull() {
				out[k] = v
			}
			continue
		}
		if !bv.Equal(v) {
			out[k] = v
		}
	}
	for k, bv := range base {
		if _, ok := current[k]; !ok && !bv.IsNull() {
			out[k] = record.Null()
		}
	}
	return out
}
