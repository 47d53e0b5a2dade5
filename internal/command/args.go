package command

import (
	"fmt"
	"strconv"
	"strings"
)

// NormalizeArgs coerces the three accepted argument shapes into a flat object:
// a JSON object passes through, an object with the single key "kwargs" is
// unwrapped, and a "k1=v1,k2=v2" style string (also & or : separated) is
// parsed into a map with best-effort scalar coercion.
func NormalizeArgs(raw any) (map[string]any, error) {
	switch v := raw.(type) {
	case nil:
		return map[string]any{}, nil
	case map[string]any:
		if len(v) == 1 {
			if inner, ok := v["kwargs"]; ok {
				return NormalizeArgs(inner)
			}
		}
		return v, nil
	case string:
		return parseArgString(v)
	default:
		return nil, fmt.Errorf("unsupported args type %T", raw)
	}
}

func parseArgString(s string) (map[string]any, error) {
	out := map[string]any{}
	s = strings.TrimSpace(s)
	if s == "" {
		return out, nil
	}
	sep := ","
	if !strings.Contains(s, ",") && strings.Contains(s, "&") {
		sep = "&"
	}
	for _, pair := range strings.Split(s, sep) {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		key, value, ok := strings.Cut(pair, "=")
		if !ok {
			key, value, ok = strings.Cut(pair, ":")
		}
		if !ok {
			return nil, fmt.Errorf("malformed args pair %q", pair)
		}
		out[strings.TrimSpace(key)] = coerceScalar(strings.TrimSpace(value))
	}
	return out, nil
}

// coerceScalar turns string values into numbers and booleans where they parse
// cleanly; everything else stays a string.
func coerceScalar(s string) any {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return i
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	if b, err := strconv.ParseBool(s); err == nil {
		return b
	}
	return s
}
