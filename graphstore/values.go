package graphstore

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
)

// encodePropertyValue renders a typed property value to its TEXT storage
// form. "json" values arrive as JSON-ready Go values (maps, slices,
// scalars) and are stored as their JSON encoding.
func encodePropertyValue(valueType string, v any) (string, error) {
	switch valueType {
	case "text", "date":
		s, ok := v.(string)
		if !ok {
			return "", fmt.Errorf("expected string for %s property, got %T", valueType, v)
		}
		return s, nil
	case "number":
		switch n := v.(type) {
		case float64:
			return strconv.FormatFloat(n, 'g', -1, 64), nil
		case int:
			return strconv.Itoa(n), nil
		case int64:
			return strconv.FormatInt(n, 10), nil
		default:
			return "", fmt.Errorf("expected numeric value for number property, got %T", v)
		}
	case "bool":
		b, ok := v.(bool)
		if !ok {
			return "", fmt.Errorf("expected bool for bool property, got %T", v)
		}
		if b {
			return "true", nil
		}
		return "false", nil
	case "json":
		b, err := json.Marshal(v)
		if err != nil {
			return "", fmt.Errorf("encoding json property: %w", err)
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("unknown property value_type %q", valueType)
	}
}

func decodePropertyValue(valueType, raw string) (any, error) {
	switch valueType {
	case "text", "date", "json":
		return raw, nil
	case "number":
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing number property %q: %w", raw, err)
		}
		return f, nil
	case "bool":
		return raw == "true", nil
	default:
		return nil, fmt.Errorf("unknown property value_type %q", valueType)
	}
}

// serializeFloat32 encodes a vector as little-endian float32 bytes, the
// wire format sqlite-vec's vec0 virtual table expects.
func serializeFloat32(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[i*4:], math.Float32bits(f))
	}
	return buf
}
