package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"time"
)

// Coerce normalizes a Go value to the canonical type for kind: string, int64,
// float64, bool, time.Time or []byte. Transformable values pass through.
// nil stays nil.
func Coerce(kind AttributeKind, v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case KindString:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		case fmt.Stringer:
			return s.String(), nil
		}
	case KindInt:
		return toInt64(v)
	case KindFloat:
		return toFloat64(v)
	case KindBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case string:
			return strconv.ParseBool(b)
		}
	case KindDate:
		switch t := v.(type) {
		case time.Time:
			return t.UTC(), nil
		case *time.Time:
			if t == nil {
				return nil, nil
			}
			return t.UTC(), nil
		case string:
			p, err := time.Parse(time.RFC3339Nano, t)
			if err != nil {
				return nil, err
			}
			return p.UTC(), nil
		}
	case KindBinary:
		switch b := v.(type) {
		case []byte:
			return b, nil
		case string:
			return []byte(b), nil
		}
	case KindTransformable:
		return v, nil
	}
	return nil, fmt.Errorf("cannot use %T as %s", v, kind)
}

func toInt64(v any) (any, error) {
	switch n := v.(type) {
	case int:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int64:
		return n, nil
	case uint8:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint:
		if uint64(n) > math.MaxInt64 {
			return nil, fmt.Errorf("%d overflows int64", n)
		}
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return nil, fmt.Errorf("%d overflows int64", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) {
			return nil, fmt.Errorf("%v is not integral", n)
		}
		return int64(n), nil
	case float32:
		if float64(n) != math.Trunc(float64(n)) {
			return nil, fmt.Errorf("%v is not integral", n)
		}
		return int64(n), nil
	case json.Number:
		return n.Int64()
	case string:
		return strconv.ParseInt(n, 10, 64)
	}
	return nil, fmt.Errorf("cannot use %T as int", v)
}

func toFloat64(v any) (any, error) {
	switch n := v.(type) {
	case float64:
		return n, nil
	case float32:
		return float64(n), nil
	case json.Number:
		return n.Float64()
	case string:
		return strconv.ParseFloat(n, 64)
	}
	i, err := toInt64(v)
	if err != nil {
		return nil, fmt.Errorf("cannot use %T as float", v)
	}
	return float64(i.(int64)), nil
}

// CoerceToOne normalizes a to-one relationship value to a local object ID.
// The empty string means no target.
func CoerceToOne(v any) (string, error) {
	switch id := v.(type) {
	case nil:
		return "", nil
	case string:
		return id, nil
	}
	return "", fmt.Errorf("to-one relationship value must be an object id, got %T", v)
}

// CoerceToMany normalizes a to-many relationship value to local object IDs.
func CoerceToMany(v any) ([]string, error) {
	switch ids := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return ids, nil
	case []any:
		out := make([]string, 0, len(ids))
		for _, e := range ids {
			s, ok := e.(string)
			if !ok {
				return nil, fmt.Errorf("to-many relationship element must be an object id, got %T", e)
			}
			out = append(out, s)
		}
		return out, nil
	}
	return nil, fmt.Errorf("to-many relationship value must be a list of object ids, got %T", v)
}

// Normalize coerces every value of an object to its canonical type and
// rejects fields the entity does not declare.
func (e *Entity) Normalize(values map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(values))
	for name, v := range values {
		if a, ok := e.attrs[name]; ok {
			c, err := Coerce(a.Kind, v)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", e.Name, name, err)
			}
			out[name] = c
			continue
		}
		if r, ok := e.rels[name]; ok {
			var err error
			if r.ToMany {
				out[name], err = CoerceToMany(v)
			} else {
				out[name], err = CoerceToOne(v)
			}
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", e.Name, name, err)
			}
			continue
		}
		return nil, fmt.Errorf("%s has no field %q", e.Name, name)
	}
	return out, nil
}
