package schema

import (
	"encoding/json"
	"fmt"
	"sync"

	"gopkg.in/yaml.v3"
)

// Transformer is a reversible encode/decode pair for a transformable attribute.
type Transformer struct {
	Encode func(v any) ([]byte, error)
	Decode func(b []byte) (any, error)
}

// Registry holds named transformers. Lookups happen once, at schema build time.
type Registry struct {
	mu sync.RWMutex
	m  map[string]Transformer
}

// NewRegistry returns a registry preloaded with the "json", "yaml" and
// "string-list" transformers.
func NewRegistry() *Registry {
	r := &Registry{m: make(map[string]Transformer)}
	r.Register("json", Transformer{
		Encode: func(v any) ([]byte, error) { return json.Marshal(v) },
		Decode: func(b []byte) (any, error) {
			var v any
			if err := json.Unmarshal(b, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	})
	r.Register("yaml", Transformer{
		Encode: func(v any) ([]byte, error) { return yaml.Marshal(v) },
		Decode: func(b []byte) (any, error) {
			var v any
			if err := yaml.Unmarshal(b, &v); err != nil {
				return nil, err
			}
			return v, nil
		},
	})
	r.Register("string-list", Transformer{
		Encode: func(v any) ([]byte, error) {
			switch l := v.(type) {
			case []string:
				return json.Marshal(l)
			case []any:
				out := make([]string, 0, len(l))
				for _, e := range l {
					s, ok := e.(string)
					if !ok {
						return nil, fmt.Errorf("string-list: element %T is not a string", e)
					}
					out = append(out, s)
				}
				return json.Marshal(out)
			}
			return nil, fmt.Errorf("string-list: cannot encode %T", v)
		},
		Decode: func(b []byte) (any, error) {
			var out []string
			if err := json.Unmarshal(b, &out); err != nil {
				return nil, err
			}
			return out, nil
		},
	})
	return r
}

// Register adds or replaces a transformer.
func (r *Registry) Register(name string, t Transformer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[name] = t
}

// Lookup returns the named transformer.
func (r *Registry) Lookup(name string) (Transformer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	t, ok := r.m[name]
	return t, ok && t.Encode != nil && t.Decode != nil
}
