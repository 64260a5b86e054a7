package safety

import (
	"encoding/json"

	"github.com/temporal-agent/scheduler/internal/apperr"
)

var dangerousKeys = map[string]bool{
	"__proto__":   true,
	"constructor": true,
	"prototype":   true,
}

// SanitizePayload serializes input to JSON (failing if it exceeds maxBytes),
// then re-parses it dropping __proto__/constructor/prototype keys at any
// depth. A nil input yields an empty mapping. The stored blob is replayed
// verbatim to webhook receivers, many of which are JavaScript, so the
// prototype-pollution gadget is closed here at the write boundary.
func SanitizePayload(input any, maxBytes int) (map[string]any, error) {
	if input == nil {
		return map[string]any{}, nil
	}

	raw, err := json.Marshal(input)
	if err != nil {
		return nil, apperr.Wrap(apperr.PayloadInvalid, "payload is not JSON-serializable", err)
	}
	if len(raw) > maxBytes {
		return nil, apperr.New(apperr.PayloadTooLarge, "payload exceeds the configured byte cap")
	}

	var decoded any
	if err := json.Unmarshal(raw, &decoded); err != nil {
		return nil, apperr.Wrap(apperr.PayloadInvalid, "payload failed to re-parse", err)
	}

	cleaned := stripDangerousKeys(decoded)
	m, ok := cleaned.(map[string]any)
	if !ok {
		return map[string]any{}, nil
	}
	return m, nil
}

func stripDangerousKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			if dangerousKeys[k] {
				continue
			}
			out[k] = stripDangerousKeys(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = stripDangerousKeys(val)
		}
		return out
	default:
		return v
	}
}
