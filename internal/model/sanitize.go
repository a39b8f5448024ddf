package model

import (
	"encoding"
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"strings"
)

// SanitizeValue returns v with every non-finite float (NaN, +Inf, -Inf)
// replaced by nil, at any depth. Maps, slices, arrays, pointers and structs
// are walked; containers come back as map[string]any or []any. Scalars and
// byte slices are returned unchanged. The input is never modified.
func SanitizeValue(v any) any {
	switch t := v.(type) {
	case nil:
		return nil
	case float64:
		if math.IsNaN(t) || math.IsInf(t, 0) {
			return nil
		}
		return t
	case float32:
		f := float64(t)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return t
	case string, bool, int, int64, []byte:
		return t
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = SanitizeValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = SanitizeValue(val)
		}
		return out
	}
	return sanitizeReflect(reflect.ValueOf(v))
}

func sanitizeReflect(rv reflect.Value) any {
	switch rv.Kind() {
	case reflect.Float32, reflect.Float64:
		f := rv.Float()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil
		}
		return rv.Interface()
	case reflect.Pointer, reflect.Interface:
		if rv.IsNil() {
			return nil
		}
		return SanitizeValue(rv.Elem().Interface())
	case reflect.Map:
		if rv.IsNil() {
			return nil
		}
		out := make(map[string]any, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			out[mapKey(iter.Key())] = SanitizeValue(iter.Value().Interface())
		}
		return out
	case reflect.Slice:
		if rv.IsNil() {
			return nil
		}
		if rv.Type().Elem().Kind() == reflect.Uint8 {
			return rv.Interface()
		}
		fallthrough
	case reflect.Array:
		out := make([]any, rv.Len())
		for i := range out {
			out[i] = SanitizeValue(rv.Index(i).Interface())
		}
		return out
	case reflect.Struct:
		if marshalsItself(rv) {
			return rv.Interface()
		}
		return sanitizeStruct(rv)
	default:
		if !rv.IsValid() {
			return nil
		}
		return rv.Interface()
	}
}

// sanitizeStruct flattens a struct into a map keyed the way encoding/json
// names its exported fields.
func sanitizeStruct(rv reflect.Value) any {
	rt := rv.Type()
	out := make(map[string]any, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		name := field.Name
		omitEmpty := false
		if tag, ok := field.Tag.Lookup("json"); ok {
			if tag == "-" {
				continue
			}
			parts := strings.Split(tag, ",")
			if parts[0] != "" {
				name = parts[0]
			}
			for _, opt := range parts[1:] {
				omitEmpty = omitEmpty || opt == "omitempty"
			}
		}
		fv := rv.Field(i)
		if omitEmpty && fv.IsZero() {
			continue
		}
		out[name] = SanitizeValue(fv.Interface())
	}
	return out
}

// marshalsItself reports whether rv has its own JSON form, like time.Time.
func marshalsItself(rv reflect.Value) bool {
	switch rv.Interface().(type) {
	case json.Marshaler, encoding.TextMarshaler:
		return true
	}
	return false
}

func mapKey(k reflect.Value) string {
	if k.Kind() == reflect.String {
		return k.String()
	}
	return fmt.Sprint(k.Interface())
}

// Sanitized returns a copy of the record that is safe to serialize: every
// non-finite number in the free-form metadata is coerced to null.
func (r *Record) Sanitized() *Record {
	out := r.Clone()
	if out == nil {
		return nil
	}
	if out.Results == nil {
		out.Results = []Result{}
	}
	if out.Metadata != nil && out.Metadata.Extra != nil {
		out.Metadata.Extra = SanitizeValue(out.Metadata.Extra).(map[string]any)
	}
	return out
}
