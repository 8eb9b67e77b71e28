// Package merge resolves concurrent writes to the same record.
package merge

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/23skdu/cloudsync/internal/record"
)

// Policy selects how a conflict is resolved.
type Policy int

const (
	ServerWins Policy = iota
	ClientWins
	LastWriterWins
	FieldLevel
)

var policyNames = map[Policy]string{
	ServerWins:     "server-wins",
	ClientWins:     "client-wins",
	LastWriterWins: "last-writer-wins",
	FieldLevel:     "field-level",
}

func (p Policy) String() string {
	if n, ok := policyNames[p]; ok {
		return n
	}
	return fmt.Sprintf("policy(%d)", int(p))
}

// ParsePolicy accepts the names printed by String.
func ParsePolicy(s string) (Policy, error) {
	for p, n := range policyNames {
		if strings.EqualFold(n, strings.TrimSpace(s)) {
			return p, nil
		}
	}
	return ServerWins, fmt.Errorf("unknown merge policy %q", s)
}

// Side is one writer's view of the record.
type Side struct {
	Fields     map[string]record.Value
	ModifiedAt time.Time
}

// Conflict is the three-way state of a rejected or overlapping write. Base is
// what the local side last saw from the server. Local may hold only the
// fields the local side changed.
type Conflict struct {
	Base   map[string]record.Value
	Local  Side
	Server Side
}

// Result is the merged record state.
type Result struct {
	Fields map[string]record.Value
	// Changed lists fields whose merged value differs from the server's, in
	// name order. An empty list means the server state is accepted as is.
	Changed []string
}

// LocalSurvived reports whether the merge kept any local value that still has
// to be written to the server.
func (r Result) LocalSurvived() bool {
	return len(r.Changed) > 0
}

// Resolve applies p to c.
func Resolve(p Policy, c Conflict) Result {
	merged := record.CopyFields(c.Server.Fields)
	if merged == nil {
		merged = make(map[string]record.Value)
	}

	switch p {
	case ClientWins:
		overlay(merged, c.Local.Fields)
	case LastWriterWins:
		if c.Local.ModifiedAt.After(c.Server.ModifiedAt) {
			overlay(merged, c.Local.Fields)
		}
	case FieldLevel:
		for name, lv := range c.Local.Fields {
			base := field(c.Base, name)
			if !lv.Equal(base) && field(c.Server.Fields, name).Equal(base) {
				merged[name] = lv.Copy()
			}
		}
	}

	return Result{Fields: merged, Changed: diff(c.Server.Fields, merged)}
}

func overlay(dst, src map[string]record.Value) {
	for name, v := range src {
		dst[name] = v.Copy()
	}
}

func field(m map[string]record.Value, name string) record.Value {
	if v, ok := m[name]; ok {
		return v
	}
	return record.Null()
}

func diff(server, merged map[string]record.Value) []string {
	var changed []string
	for name, v := range merged {
		if !v.Equal(field(server, name)) {
			changed = append(changed, name)
		}
	}
	sort.Strings(changed)
	return changed
}
