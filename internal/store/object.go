package store

import (
	"time"

	"github.com/23skdu/cloudsync/internal/record"
)

// Object is a local object: an entity instance with canonical Go values.
// To-one relationships hold the target object ID, to-many a []string of IDs.
type Object struct {
	ID         string
	Entity     string
	Values     map[string]any
	ModifiedAt time.Time
}

func (o *Object) Copy() *Object {
	if o == nil {
		return nil
	}
	out := *o
	out.Values = make(map[string]any, len(o.Values))
	for k, v := range o.Values {
		switch x := v.(type) {
		case []byte:
			out.Values[k] = append([]byte(nil), x...)
		case []string:
			out.Values[k] = append([]string(nil), x...)
		default:
			out.Values[k] = v
		}
	}
	return &out
}

// Action tags a pending local mutation.
type Action string

const (
	ActionInsert Action = "insert"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Transaction is one pending local mutation, in creation order.
type Transaction struct {
	Seq       int64
	LocalID   string
	Entity    string
	Action    Action
	CreatedAt time.Time
}

// BackingEntry links a local object to its remote record. Snapshot holds the
// remote fields as last acknowledged by the server and is the base for diffs
// and three-way merges.
type BackingEntry struct {
	LocalID    string
	RecordID   record.ID
	RecordType string
	Version    string
	Snapshot   map[string]record.Value
}

// Pushed reports whether the server has acknowledged any version.
func (e *BackingEntry) Pushed() bool {
	return e.Version != ""
}

// DeferredRecord is a pulled record whose application had to wait.
type DeferredRecord struct {
	Record   *record.Record
	Reason   string
	Attempts int
}

// ChangeNotice describes a committed store transaction.
type ChangeNotice struct {
	Inserted []string
	Updated  []string
	Deleted  []string
	// Remote is true when the changes came from applying pulled records.
	Remote bool
}

func (n ChangeNotice) Empty() bool {
	return len(n.Inserted) == 0 && len(n.Updated) == 0 && len(n.Deleted) == 0
}
