package scene

import (
	"encoding/json"
	"fmt"
	"reflect"
)

// ToPlain converts a value into its JSON-shaped representation built from
// map[string]any, []any, string, float64, bool and nil.
func ToPlain(value any) (any, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("encode plain value: %w", err)
	}
	var plain any
	if err := json.Unmarshal(data, &plain); err != nil {
		return nil, fmt.Errorf("decode plain value: %w", err)
	}
	return plain, nil
}

// ToPlainMap converts a struct value into a plain field map.
func ToPlainMap(value any) (map[string]any, error) {
	plain, err := ToPlain(value)
	if err != nil {
		return nil, err
	}
	fields, ok := plain.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("plain value is %T, not an object", plain)
	}
	return fields, nil
}

// FromPlain decodes a plain value into target, which must be a pointer.
func FromPlain(plain any, target any) error {
	data, err := json.Marshal(plain)
	if err != nil {
		return fmt.Errorf("encode plain value: %w", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		return fmt.Errorf("decode into %T: %w", target, err)
	}
	return nil
}

// PlainEqual compares two plain values by content.
func PlainEqual(a, b any) bool {
	return reflect.DeepEqual(NormalizePlain(a), NormalizePlain(b))
}

// NormalizePlain folds numeric kinds to float64 and generic maps to
// map[string]any so values decoded by different codecs compare equal.
func NormalizePlain(value any) any {
	switch v := value.(type) {
	case nil, string, bool, float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int8:
		return float64(v)
	case int16:
		return float64(v)
	case int32:
		return float64(v)
	case int64:
		return float64(v)
	case uint:
		return float64(v)
	case uint8:
		return float64(v)
	case uint16:
		return float64(v)
	case uint32:
		return float64(v)
	case uint64:
		return float64(v)
	case map[string]any:
		normalized := make(map[string]any, len(v))
		for key, item := range v {
			normalized[key] = NormalizePlain(item)
		}
		return normalized
	case map[any]any:
		normalized := make(map[string]any, len(v))
		for key, item := range v {
			normalized[fmt.Sprint(key)] = NormalizePlain(item)
		}
		return normalized
	case []any:
		normalized := make([]any, len(v))
		for i, item := range v {
			normalized[i] = NormalizePlain(item)
		}
		return normalized
	default:
		plain, err := ToPlain(v)
		if err != nil {
			return v
		}
		return plain
	}
}
