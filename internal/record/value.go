package record

import (
	"bytes"
	"fmt"
	"time"
)

// Kind tags the active member of a Value.
type Kind uint8

const (
	KindNull Kind = iota
	KindString
	KindInt
	KindFloat
	KindBool
	KindDate
	KindBlob
	KindReference
	KindReferenceList
)

var kindNames = [...]string{"null", "string", "int", "float", "bool", "date", "blob", "ref", "refs"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return fmt.Sprintf("kind(%d)", k)
}

func (k Kind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	for i, n := range kindNames {
		if n == string(b) {
			*k = Kind(i)
			return nil
		}
	}
	return fmt.Errorf("unknown value kind %q", b)
}

// Reference points at another record. Type is the referenced record type.
type Reference struct {
	ID   ID     `json:"id"`
	Type string `json:"type,omitempty"`
}

// Blob is binary field content. Codec is empty when Data holds the raw bytes,
// either because the payload was small or because compression failed.
// Digest and Size always describe the raw bytes.
type Blob struct {
	Data   []byte `json:"data"`
	Codec  string `json:"codec,omitempty"`
	Size   int    `json:"size"`
	Digest uint64 `json:"digest"`
}

// Compressed reports whether Data must be decompressed before use.
func (b *Blob) Compressed() bool {
	return b.Codec != ""
}

// Value is the remote field value union.
type Value struct {
	Kind  Kind        `json:"k"`
	Str   string      `json:"s,omitempty"`
	Int   int64       `json:"i,omitempty"`
	Float float64     `json:"f,omitempty"`
	Bool  bool        `json:"b,omitempty"`
	Time  *time.Time  `json:"t,omitempty"`
	Blob  *Blob       `json:"blob,omitempty"`
	Ref   *Reference  `json:"ref,omitempty"`
	Refs  []Reference `json:"refs,omitempty"`
}

func Null() Value              { return Value{Kind: KindNull} }
func String(s string) Value    { return Value{Kind: KindString, Str: s} }
func Int(i int64) Value        { return Value{Kind: KindInt, Int: i} }
func Float(f float64) Value    { return Value{Kind: KindFloat, Float: f} }
func Bool(b bool) Value        { return Value{Kind: KindBool, Bool: b} }
func BlobValue(b Blob) Value   { return Value{Kind: KindBlob, Blob: &b} }
func Ref(r Reference) Value    { return Value{Kind: KindReference, Ref: &r} }
func Refs(r []Reference) Value { return Value{Kind: KindReferenceList, Refs: r} }

func Date(t time.Time) Value {
	t = t.UTC()
	return Value{Kind: KindDate, Time: &t}
}

func (v Value) IsNull() bool {
	return v.Kind == KindNull
}

// Copy returns a deep copy.
func (v Value) Copy() Value {
	out := v
	if v.Time != nil {
		t := *v.Time
		out.Time = &t
	}
	if v.Blob != nil {
		b := *v.Blob
		b.Data = append([]byte(nil), v.Blob.Data...)
		out.Blob = &b
	}
	if v.Ref != nil {
		r := *v.Ref
		out.Ref = &r
	}
	if v.Refs != nil {
		out.Refs = append([]Reference(nil), v.Refs...)
	}
	return out
}

// Equal compares two values. Blobs compare by the digest and size of their
// raw content, so the same bytes compressed differently are equal.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNull:
		return true
	case KindString:
		return v.Str == o.Str
	case KindInt:
		return v.Int == o.Int
	case KindFloat:
		return v.Float == o.Float
	case KindBool:
		return v.Bool == o.Bool
	case KindDate:
		if v.Time == nil || o.Time == nil {
			return v.Time == o.Time
		}
		return v.Time.Equal(*o.Time)
	case KindBlob:
		if v.Blob == nil || o.Blob == nil {
			return v.Blob == o.Blob
		}
		if v.Blob.Digest != 0 || o.Blob.Digest != 0 {
			return v.Blob.Digest == o.Blob.Digest && v.Blob.Size == o.Blob.Size
		}
		return v.Blob.Codec == o.Blob.Codec && bytes.Equal(v.Blob.Data, o.Blob.Data)
	case KindReference:
		if v.Ref == nil || o.Ref == nil {
			return v.Ref == o.Ref
		}
		return v.Ref.ID == o.Ref.ID
	case KindReferenceList:
		if len(v.Refs) != len(o.Refs) {
			return false
		}
		for i := range v.Refs {
			if v.Refs[i].ID != o.Refs[i].ID {
				return false
			}
		}
		return true
	}
	return false
}

// Size approximates the encoded size of the value.
func (v Value) Size() int {
	switch v.Kind {
	case KindString:
		return len(v.Str)
	case KindBlob:
		if v.Blob != nil {
			return len(v.Blob.Data)
		}
	case KindReference:
		if v.Ref != nil {
			return len(v.Ref.ID.Zone) + len(v.Ref.ID.Name)
		}
	case KindReferenceList:
		n := 0
		for _, r := range v.Refs {
			n += len(r.ID.Zone) + len(r.ID.Name)
		}
		return n
	case KindNull:
		return 0
	}
	return 8
}

func (v Value) String() string {
	switch v.Kind {
	case KindNull:
		return "null"
	case KindString:
		return fmt.Sprintf("%q", v.Str)
	case KindInt:
		return fmt.Sprintf("%d", v.Int)
	case KindFloat:
		return fmt.Sprintf("%g", v.Float)
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindDate:
		if v.Time != nil {
			return v.Time.Format(time.RFC3339Nano)
		}
	case KindBlob:
		if v.Blob != nil {
			return fmt.Sprintf("blob(%d bytes, codec=%q)", v.Blob.Size, v.Blob.Codec)
		}
	case KindReference:
		if v.Ref != nil {
			return "ref(" + v.Ref.ID.String() + ")"
		}
	case KindReferenceList:
		return fmt.Sprintf("refs(%d)", len(v.Refs))
	}
	return v.Kind.String()
}
