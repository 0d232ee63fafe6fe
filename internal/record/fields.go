package record

import (
	"encoding/json"
	"maps"
	"reflect"
	"strconv"
)

// Fields is the user-visible content of a record.
type Fields map[string]any

// Reserved keys carry record metadata and are never stored inside Fields.
const (
	KeyID        = "id"
	KeyCreatedAt = "createdAt"
	KeyUpdatedAt = "updatedAt"
	KeySynced    = "synced"
)

var reservedKeys = []string{KeyID, KeyCreatedAt, KeyUpdatedAt, KeySynced}

// IsReserved reports whether key is record metadata.
func IsReserved(key string) bool {
	for _, k := range reservedKeys {
		if k == key {
			return true
		}
	}
	return false
}

// StripReserved returns a normalized copy of f without metadata keys.
// Values that cannot be represented as JSON are dropped.
func StripReserved(f Fields) Fields {
	out := make(Fields, len(f))
	for k, v := range f {
		if IsReserved(k) {
			continue
		}
		n, ok := Normalize(v)
		if !ok {
			continue
		}
		out[k] = n
	}
	return out
}

// Merge returns base overlaid with patch. Neither input is modified.
func Merge(base, patch Fields) Fields {
	out := make(Fields, len(base)+len(patch))
	maps.Copy(out, base)
	maps.Copy(out, patch)
	return out
}

// Clone returns a deep copy of f.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	if n, ok := Normalize(map[string]any(f)); ok {
		return n.(map[string]any)
	}
	return maps.Clone(f)
}

// Normalize converts v into the JSON value set used by field maps.
// It returns false for values with no JSON form (funcs, channels, ...).
// Containers are always copied.
func Normalize(v any) (any, bool) {
	switch val := v.(type) {
	case nil, bool, string, int64, float64:
		return val, true
	case int:
		return int64(val), true
	case int32:
		return int64(val), true
	case float32:
		return float64(val), true
	case json.Number:
		return normalizeNumber(val), true
	case Fields:
		return Normalize(map[string]any(val))
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, elem := range val {
			n, ok := Normalize(elem)
			if !ok {
				return nil, false
			}
			out[k] = n
		}
		return out, true
	case []any:
		out := make([]any, len(val))
		for i, elem := range val {
			n, ok := Normalize(elem)
			if !ok {
				return nil, false
			}
			out[i] = n
		}
		return out, true
	}
	return normalizeReflect(reflect.ValueOf(v))
}

// normalizeReflect handles the typed slices and maps produced by callers
// building fields in Go ([]string, map[string]string, uint, ...).
func normalizeReflect(rv reflect.Value) (any, bool) {
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return rv.Int(), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return int64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	case reflect.String:
		return rv.String(), true
	case reflect.Bool:
		return rv.Bool(), true
	case reflect.Slice, reflect.Array:
		if rv.Kind() == reflect.Slice && rv.IsNil() {
			return nil, true
		}
		out := make([]any, rv.Len())
		for i := range out {
			n, ok := Normalize(rv.Index(i).Interface())
			if !ok {
				return nil, false
			}
			out[i] = n
		}
		return out, true
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return nil, false
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			n, ok := Normalize(iter.Value().Interface())
			if !ok {
				return nil, false
			}
			out[iter.Key().String()] = n
		}
		return out, true
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil, true
		}
		return Normalize(rv.Elem().Interface())
	}
	return nil, false
}

// normalizeNumber keeps integers exact and falls back to float64.
func normalizeNumber(n json.Number) any {
	if i, err := strconv.ParseInt(string(n), 10, 64); err == nil {
		return i
	}
	f, err := strconv.ParseFloat(string(n), 64)
	if err != nil {
		return string(n)
	}
	return f
}
