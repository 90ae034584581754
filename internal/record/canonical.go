package record

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"

	"golang.org/x/text/unicode/norm"
)

// MarshalCanonical produces a deterministic JSON encoding of a record for
// at-rest storage: object keys sorted bytewise, strings NFC normalized, no
// HTML escaping. Two records with equal content always encode to the same
// bytes, which keeps stored rows diffable and golden tests stable.
//
// Unlike a hashing codec, stored documents may contain null and
// floating-point values.
func MarshalCanonical(r Record) ([]byte, error) {
	return marshalValue(map[string]any(r))
}

func marshalValue(v any) ([]byte, error) {
	switch val := v.(type) {
	case nil:
		return []byte("null"), nil
	case bool:
		if val {
			return []byte("true"), nil
		}
		return []byte("false"), nil
	case string:
		return marshalString(val)
	case json.Number:
		return []byte(val.String()), nil
	case int:
		return []byte(strconv.Itoa(val)), nil
	case int64:
		return []byte(strconv.FormatInt(val, 10)), nil
	case float64:
		return marshalFloat(val)
	case float32:
		return marshalFloat(float64(val))
	case []any:
		return marshalArray(val)
	case map[string]any:
		return marshalObject(val)
	case Record:
		return marshalObject(map[string]any(val))
	default:
		return nil, fmt.Errorf("unsupported value type for record encoding: %T", v)
	}
}

func marshalFloat(f float64) ([]byte, error) {
	// Integral floats encode without a fractional part so a value that
	// round-trips through json.Number compares equal byte-for-byte.
	if f == float64(int64(f)) {
		return []byte(strconv.FormatInt(int64(f), 10)), nil
	}
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode float: %w", err)
	}
	return data, nil
}

// marshalString encodes a JSON string with NFC normalization and HTML
// escaping disabled.
func marshalString(s string) ([]byte, error) {
	normalized := norm.NFC.String(s)

	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(normalized); err != nil {
		return nil, err
	}

	// json.Encoder appends a trailing newline.
	result := buf.Bytes()
	if n := len(result); n > 0 && result[n-1] == '\n' {
		result = result[:n-1]
	}
	return result, nil
}

func marshalArray(arr []any) ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('[')
	for i, elem := range arr {
		if i > 0 {
			buf.WriteByte(',')
		}
		elemBytes, err := marshalValue(elem)
		if err != nil {
			return nil, fmt.Errorf("array[%d]: %w", i, err)
		}
		buf.Write(elemBytes)
	}
	buf.WriteByte(']')
	return buf.Bytes(), nil
}

func marshalObject(obj map[string]any) ([]byte, error) {
	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range keys {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := marshalString(k)
		if err != nil {
			return nil, fmt.Errorf("key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := marshalValue(obj[k])
		if err != nil {
			return nil, fmt.Errorf("value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
