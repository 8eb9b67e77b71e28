package store

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/23skdu/cloudsync/internal/schema"
)

// encodeValues persists canonical object values as JSON. Dates become
// RFC3339 strings, binaries and transformables base64 via encoding/json.
func encodeValues(e *schema.Entity, values map[string]any) ([]byte, error) {
	out := make(map[string]any, len(values))
	for name, v := range values {
		if v == nil {
			out[name] = nil
			continue
		}
		a, ok := e.Attribute(name)
		if !ok {
			out[name] = v
			continue
		}
		switch a.Kind {
		case schema.KindDate:
			t, ok := v.(time.Time)
			if !ok {
				return nil, fmt.Errorf("%s.%s: expected time.Time, got %T", e.Name, name, v)
			}
			out[name] = t.UTC().Format(time.RFC3339Nano)
		case schema.KindTransformable:
			b, err := a.Codec().Encode(v)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: encode: %w", e.Name, name, err)
			}
			out[name] = b
		default:
			out[name] = v
		}
	}
	return json.Marshal(out)
}

func decodeValues(e *schema.Entity, data []byte) (map[string]any, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}
	out := make(map[string]any, len(raw))
	for name, msg := range raw {
		if string(msg) == "null" {
			out[name] = nil
			continue
		}
		if a, ok := e.Attribute(name); ok {
			v, err := decodeAttribute(a, msg)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", e.Name, name, err)
			}
			out[name] = v
			continue
		}
		if r, ok := e.Relationship(name); ok {
			if r.ToMany {
				var ids []string
				if err := json.Unmarshal(msg, &ids); err != nil {
					return nil, err
				}
				out[name] = ids
			} else {
				var id string
				if err := json.Unmarshal(msg, &id); err != nil {
					return nil, err
				}
				out[name] = id
			}
		}
		// fields dropped from the schema are ignored
	}
	return out, nil
}

func decodeAttribute(a *schema.Attribute, msg json.RawMessage) (any, error) {
	switch a.Kind {
	case schema.KindString:
		var s string
		err := json.Unmarshal(msg, &s)
		return s, err
	case schema.KindInt:
		var n int64
		err := json.Unmarshal(msg, &n)
		return n, err
	case schema.KindFloat:
		var f float64
		err := json.Unmarshal(msg, &f)
		return f, err
	case schema.KindBool:
		var b bool
		err := json.Unmarshal(msg, &b)
		return b, err
	case schema.KindDate:
		var s string
		if err := json.Unmarshal(msg, &s); err != nil {
			return nil, err
		}
		t, err := time.Parse(time.RFC3339Nano, s)
		return t.UTC(), err
	case schema.KindBinary, schema.KindTransformable:
		var s string
		if err := json.Unmarshal(msg, &s); err != nil {
			return nil, err
		}
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, err
		}
		if a.Kind == schema.KindBinary {
			return b, nil
		}
		return a.Codec().Decode(b)
	}
	return nil, fmt.Errorf("unsupported kind %s", a.Kind)
}
