package model

import (
	"encoding/json"
	"reflect"
	"strings"
)

// circularMarker replaces back-references found during size estimation.
const circularMarker = "[Circular]"

// EstimateSize returns the JSON-string length of v in bytes. Cyclic object
// graphs are tolerated: back-references are replaced with "[Circular]" instead
// of relying on the JSON encoder to detect them. Returns 0 when v cannot be
// serialized at all.
func EstimateSize(v any) int {
	b, err := MarshalSafe(v)
	if err != nil {
		return 0
	}
	return len(b)
}

// MarshalSafe serializes v to JSON with cycle-safe replacement: any value that
// appears in its own ancestor chain is substituted with "[Circular]".
func MarshalSafe(v any) ([]byte, error) {
	return json.Marshal(decycle(reflect.ValueOf(v), map[uintptr]bool{}))
}

// decycle converts v into a cycle-free value tree. ancestors holds the pointer
// identities of maps, slices, and pointers on the current descent path.
func decycle(v reflect.Value, ancestors map[uintptr]bool) any {
	if !v.IsValid() {
		return nil
	}

	switch v.Kind() {
	case reflect.Interface, reflect.Pointer:
		if v.IsNil() {
			return nil
		}
		if v.Kind() == reflect.Pointer {
			p := v.Pointer()
			if ancestors[p] {
				return circularMarker
			}
			ancestors[p] = true
			defer delete(ancestors, p)
		}
		return decycle(v.Elem(), ancestors)

	case reflect.Map:
		if v.IsNil() {
			return nil
		}
		p := v.Pointer()
		if ancestors[p] {
			return circularMarker
		}
		ancestors[p] = true
		defer delete(ancestors, p)

		out := make(map[string]any, v.Len())
		iter := v.MapRange()
		for iter.Next() {
			key, ok := iter.Key().Interface().(string)
			if !ok {
				continue
			}
			out[key] = decycle(iter.Value(), ancestors)
		}
		return out

	case reflect.Slice:
		if v.IsNil() {
			return nil
		}
		if v.Type().Elem().Kind() == reflect.Uint8 {
			return v.Interface() // []byte marshals as base64
		}
		p := v.Pointer()
		if ancestors[p] {
			return circularMarker
		}
		ancestors[p] = true
		defer delete(ancestors, p)
		return decycleSeq(v, ancestors)

	case reflect.Array:
		return decycleSeq(v, ancestors)

	case reflect.Struct:
		return decycleStruct(v, ancestors)

	default:
		return v.Interface()
	}
}

func decycleSeq(v reflect.Value, ancestors map[uintptr]bool) []any {
	out := make([]any, v.Len())
	for i := range out {
		out[i] = decycle(v.Index(i), ancestors)
	}
	return out
}

// decycleStruct walks exported fields honoring json tags, so the estimated
// size matches what the encoder would produce for the same struct.
func decycleStruct(v reflect.Value, ancestors map[uintptr]bool) map[string]any {
	t := v.Type()
	out := make(map[string]any, t.NumField())
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if !f.IsExported() {
			continue
		}
		name := f.Name
		omitempty := false
		if tag, ok := f.Tag.Lookup("json"); ok {
			parts := strings.Split(tag, ",")
			if parts[0] == "-" && len(parts) == 1 {
				continue
			}
			if parts[0] != "" {
				name = parts[0]
			}
			for _, opt := range parts[1:] {
				if opt == "omitempty" {
					omitempty = true
				}
			}
		}
		fv := v.Field(i)
		if omitempty && fv.IsZero() {
			continue
		}
		out[name] = decycle(fv, ancestors)
	}
	return out
}
