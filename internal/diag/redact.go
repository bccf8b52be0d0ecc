package diag

import "strings"

const redactedValue = "[REDACTED]"

// secretKeys is the allowlist of field names whose values are replaced
// before any flush or error-detail emission. Matching is case-insensitive.
var secretKeys = map[string]bool{
	"token":         true,
	"authorization": true,
	"password":      true,
	"apikey":        true,
	"api_key":       true,
	"secret":        true,
}

// liftedKeys are stripped from a details map entirely — the normalization
// step in the request pipeline promotes them to top-level response fields
// instead.
var liftedKeys = map[string]bool{
	"hint":         true,
	"diagnosticid": true,
	"logpath":      true,
}

// Redact returns a copy of data with any secret-looking value replaced by
// redactedValue, recursing into nested maps and slices of maps. The input
// is never mutated.
func Redact(data map[string]any) map[string]any {
	if data == nil {
		return nil
	}
	out := make(map[string]any, len(data))
	for k, v := range data {
		if secretKeys[strings.ToLower(k)] {
			out[k] = redactedValue
			continue
		}
		out[k] = redactValue(v)
	}
	return out
}

func redactValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return Redact(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = redactValue(item)
		}
		return out
	default:
		return v
	}
}

// StripLifted removes the keys that §7 normalization promotes to top-level
// response fields (hint, diagnosticId, logPath) from a details map and
// returns their values alongside the remaining map.
func StripLifted(details map[string]any) (hint, diagnosticID, logPath string, rest map[string]any) {
	rest = make(map[string]any, len(details))
	for k, v := range details {
		switch strings.ToLower(k) {
		case "hint":
			hint, _ = v.(string)
		case "diagnosticid":
			diagnosticID, _ = v.(string)
		case "logpath":
			logPath, _ = v.(string)
		default:
			rest[k] = v
		}
	}
	return hint, diagnosticID, logPath, rest
}
