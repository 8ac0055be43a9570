package tools

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/codefionn/agentloop/internal/consts"
)

// Sanitize validates and normalizes args against a JSON object schema. It
// never mutates args. Unknown keys are rejected unless additionalProperties
// is true, scalar values are coerced to their declared type, numbers are
// clamped to minimum/maximum, defaults are filled and required keys enforced.
func Sanitize(schema map[string]interface{}, args map[string]interface{}) (map[string]interface{}, error) {
	properties, _ := schema["properties"].(map[string]interface{})
	allowExtra, _ := schema["additionalProperties"].(bool)

	out := make(map[string]interface{}, len(args))
	for key, value := range args {
		propSchema, known := properties[key].(map[string]interface{})
		if !known {
			if _, declared := properties[key]; declared {
				out[key] = value
				continue
			}
			if allowExtra {
				out[key] = value
				continue
			}
			return nil, fmt.Errorf("unknown parameter %q (allowed: %s)", key, strings.Join(sortedKeys(properties), ", "))
		}

		coerced, err := coerce(key, value, propSchema)
		if err != nil {
			return nil, err
		}
		out[key] = coerced
	}

	for key, raw := range properties {
		propSchema, ok := raw.(map[string]interface{})
		if !ok {
			continue
		}
		if _, present := out[key]; present {
			continue
		}
		if def, ok := propSchema["default"]; ok {
			out[key] = def
		}
	}

	for _, key := range requiredKeys(schema["required"]) {
		value, ok := out[key]
		if !ok || value == nil {
			return nil, fmt.Errorf("missing required parameter %q", key)
		}
	}

	return out, nil
}

func coerce(key string, value interface{}, schema map[string]interface{}) (interface{}, error) {
	if value == nil {
		return nil, nil
	}
	typ, _ := schema["type"].(string)

	var (
		out interface{}
		err error
	)
	switch typ {
	case "integer":
		var f float64
		f, err = toNumber(value)
		if err == nil {
			f = math.Round(clampNumber(key, f, schema))
			if f > maxExactInt || f < -maxExactInt {
				err = fmt.Errorf("integer %g out of range", f)
			} else {
				out = int(f)
			}
		}
	case "number":
		var f float64
		f, err = toNumber(value)
		if err == nil {
			out = clampNumber(key, f, schema)
		}
	case "boolean":
		out, err = toBool(value)
	case "string":
		switch v := value.(type) {
		case string:
			out = v
		case float64, int, int64, bool:
			out = fmt.Sprint(v)
		default:
			err = fmt.Errorf("expected string")
		}
	case "array":
		out, err = toJSONKind(value, func(v interface{}) bool { _, ok := v.([]interface{}); return ok })
	case "object":
		out, err = toJSONKind(value, func(v interface{}) bool { _, ok := v.(map[string]interface{}); return ok })
	default:
		out = value
	}
	if err != nil {
		return nil, fmt.Errorf("parameter %q: %v", key, err)
	}

	if enum, ok := schema["enum"].([]interface{}); ok && len(enum) > 0 {
		matched := false
		for _, allowed := range enum {
			if fmt.Sprint(allowed) == fmt.Sprint(out) {
				matched = true
				break
			}
		}
		if !matched {
			return nil, fmt.Errorf("parameter %q: %v is not one of %v", key, out, enum)
		}
	}
	return out, nil
}

func clampNumber(key string, f float64, schema map[string]interface{}) float64 {
	if min, ok := toFloat(schema["minimum"]); ok && f < min {
		f = min
	}
	if max, ok := toFloat(schema["maximum"]); ok && f > max {
		f = max
	}
	if key == "max_results" {
		f = math.Max(consts.MinSearchResults, math.Min(consts.MaxSearchResults, f))
	}
	return f
}

// maxExactInt is the largest integer a float64 (and a JSON number) holds exactly.
const maxExactInt = 1 << 53

// toNumber rejects NaN and infinities so every accepted value stays JSON
// encodable.
func toNumber(value interface{}) (float64, error) {
	f, err := parseNumber(value)
	if err != nil {
		return 0, err
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("expected finite number, got %v", value)
	}
	return f, nil
}

func parseNumber(value interface{}) (float64, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case json.Number:
		return v.Float64()
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0, fmt.Errorf("expected number, got %q", v)
		}
		return f, nil
	}
	return 0, fmt.Errorf("expected number, got %T", value)
}

func toFloat(value interface{}) (float64, bool) {
	if value == nil {
		return 0, false
	}
	f, err := toNumber(value)
	return f, err == nil
}

func toBool(value interface{}) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return false, fmt.Errorf("expected boolean, got %q", v)
		}
		return b, nil
	case float64:
		return v != 0, nil
	}
	return false, fmt.Errorf("expected boolean, got %T", value)
}

// toJSONKind accepts a value of the right JSON kind or a string encoding one.
func toJSONKind(value interface{}, ok func(interface{}) bool) (interface{}, error) {
	if ok(value) {
		return value, nil
	}
	if s, isString := value.(string); isString {
		var decoded interface{}
		if err := json.Unmarshal([]byte(s), &decoded); err == nil && ok(decoded) {
			return decoded, nil
		}
	}
	return nil, fmt.Errorf("unexpected value of type %T", value)
}

func requiredKeys(raw interface{}) []string {
	switch v := raw.(type) {
	case []string:
		return v
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func sortedKeys(m map[string]interface{}) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
