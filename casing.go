package realtime

import (
	"strings"
	"unicode"
)

// CamelizeKeys recursively rewrites every map key in v from snake_case to
// camelCase, returning a new value and leaving v untouched. It is applied
// once, at the transport boundary, to every incoming payload, so that
// reconciliation only ever sees internal naming and new server fields need
// no per-field mapping.
func CamelizeKeys(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[camelKey(k)] = CamelizeKeys(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = CamelizeKeys(val)
		}
		return out
	default:
		return v
	}
}

func camelKey(s string) string {
	if !strings.Contains(s, "_") {
		return s
	}

	var b strings.Builder
	b.Grow(len(s))

	upper := false
	for i, r := range s {
		switch {
		case r == '_':
			if i == 0 || b.Len() == 0 {
				b.WriteRune(r) // preserve leading underscores
				continue
			}
			upper = true
		case upper:
			b.WriteRune(unicode.ToUpper(r))
			upper = false
		default:
			b.WriteRune(r)
		}
	}

	return b.String()
}
