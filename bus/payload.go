// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

package bus

import (
	"encoding/json"
	"fmt"
	"reflect"
	"sort"
	"time"
)

// Marshal renders a telemetry value as a flat JSON object. Consumers are
// dashboards that want one level of keys: nested objects and arrays are
// collected under "extra", scalars stay at the top. Values JSON cannot
// express become strings, and a self-referencing structure renders as
// "<circular reference>" instead of hanging the encoder.
func Marshal(v any) ([]byte, error) {
	m, err := toMap(v)
	if err != nil {
		return nil, err
	}
	flat := make(map[string]any, len(m))
	extra := make(map[string]any)
	for k, val := range m {
		switch val.(type) {
		case map[string]any, []any:
			extra[k] = val
		default:
			flat[k] = val
		}
	}
	if len(extra) > 0 {
		flat["extra"] = extra
	}
	return json.Marshal(flat)
}

// toMap converts any value to a string-keyed map through sanitization.
func toMap(v any) (map[string]any, error) {
	seen := make(map[uintptr]bool)
	clean := sanitize(reflect.ValueOf(v), seen, 0)
	m, ok := clean.(map[string]any)
	if !ok {
		return map[string]any{"value": clean}, nil
	}
	return m, nil
}

const maxSanitizeDepth = 16

// sanitize walks a value, replacing anything the JSON encoder would reject.
// Pointer cycles render as "<circular reference>".
func sanitize(v reflect.Value, seen map[uintptr]bool, depth int) any {
	if depth > maxSanitizeDepth {
		return "<max depth exceeded>"
	}
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Ptr, reflect.Interface:
		if v.IsNil() {
			return nil
		}
		if v.Kind() == reflect.Ptr {
			ptr := v.Pointer()
			if seen[ptr] {
				return "<circular reference>"
			}
			seen[ptr] = true
			defer delete(seen, ptr)
		}
		return sanitize(v.Elem(), seen, depth+1)

	case reflect.Struct:
		if t, ok := v.Interface().(time.Time); ok {
			return t.Format(time.RFC3339)
		}
		out := make(map[string]any)
		t := v.Type()
		for i := 0; i < t.NumField(); i++ {
			f := t.Field(i)
			if f.PkgPath != "" {
				continue
			}
			name, omitempty := jsonName(f)
			if name == "-" {
				continue
			}
			fv := sanitize(v.Field(i), seen, depth+1)
			if omitempty && isEmpty(fv) {
				continue
			}
			out[name] = fv
		}
		return out

	case reflect.Map:
		out := make(map[string]any, v.Len())
		keys := v.MapKeys()
		sort.Slice(keys, func(i, j int) bool {
			return fmt.Sprint(keys[i].Interface()) < fmt.Sprint(keys[j].Interface())
		})
		for _, k := range keys {
			out[fmt.Sprint(k.Interface())] = sanitize(v.MapIndex(k), seen, depth+1)
		}
		return out

	case reflect.Slice, reflect.Array:
		if v.Kind() == reflect.Slice && v.IsNil() {
			return nil
		}
		out := make([]any, v.Len())
		for i := 0; i < v.Len(); i++ {
			out[i] = sanitize(v.Index(i), seen, depth+1)
		}
		return out

	case reflect.Float32, reflect.Float64:
		f := v.Float()
		if f != f || f > 1e308 || f < -1e308 {
			// NaN and infinities are not JSON.
			return fmt.Sprint(f)
		}
		return f

	case reflect.Bool:
		return v.Bool()
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return v.Int()
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return v.Uint()
	case reflect.String:
		return v.String()

	case reflect.Chan, reflect.Func, reflect.UnsafePointer:
		return fmt.Sprintf("<%s>", v.Kind())
	}
	return fmt.Sprint(v.Interface())
}

func jsonName(f reflect.StructField) (string, bool) {
	tag := f.Tag.Get("json")
	if tag == "" {
		return f.Name, false
	}
	name := tag
	omitempty := false
	for i, part := range splitComma(tag) {
		if i == 0 {
			name = part
			continue
		}
		if part == "omitempty" {
			omitempty = true
		}
	}
	if name == "" {
		name = f.Name
	}
	return name, omitempty
}

func splitComma(s string) []string {
	var out []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == ',' {
			out = append(out, s[start:i])
			start = i + 1
		}
	}
	return append(out, s[start:])
}

func isEmpty(v any) bool {
	switch x := v.(type) {
	case nil:
		return true
	case string:
		return x == ""
	case bool:
		return !x
	case int64:
		return x == 0
	case uint64:
		return x == 0
	case float64:
		return x == 0
	case map[string]any:
		return len(x) == 0
	case []any:
		return len(x) == 0
	}
	return false
}
