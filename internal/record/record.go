// Package record models the untyped, versioned records held by the remote store.
package record

import (
	"time"
)

// ID identifies a record within its zone.
type ID struct {
	Zone string `json:"zone"`
	Name string `json:"name"`
}

func (id ID) String() string {
	return id.Zone + "/" + id.Name
}

func (id ID) IsZero() bool {
	return id.Name == ""
}

// Record is a remote record. Version is the optimistic-concurrency token the
// remote store issued for this exact state; empty means never saved.
type Record struct {
	ID         ID               `json:"id"`
	Type       string           `json:"type"`
	Fields     map[string]Value `json:"fields"`
	Version    string           `json:"version,omitempty"`
	ModifiedAt time.Time        `json:"modifiedAt"`
}

func New(id ID, recordType string) *Record {
	return &Record{ID: id, Type: recordType, Fields: make(map[string]Value)}
}

func (r *Record) Get(name string) (Value, bool) {
	v, ok := r.Fields[name]
	return v, ok
}

func (r *Record) Set(name string, v Value) {
	if r.Fields == nil {
		r.Fields = make(map[string]Value)
	}
	r.Fields[name] = v
}

// Copy returns a deep copy.
func (r *Record) Copy() *Record {
	if r == nil {
		return nil
	}
	out := *r
	out.Fields = CopyFields(r.Fields)
	return &out
}

// CopyFields deep-copies a field map.
func CopyFields(fields map[string]Value) map[string]Value {
	if fields == nil {
		return nil
	}
	out := make(map[string]Value, len(fields))
	for k, v := range fields {
		out[k] = v.Copy()
	}
	return out
}

// Size approximates the encoded payload size of the record's fields.
func (r *Record) Size() int {
	n := 0
	for k, v := range r.Fields {
		n += len(k) + v.Size()
	}
	return n
}
