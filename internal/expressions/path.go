package expressions

import (
	"encoding/json"
	"strconv"
	"strings"

	"github.com/tidwall/gjson"
)

// gjsonSpecial are characters gjson treats as path syntax inside a key.
const gjsonSpecial = `\.*?|#@!=<>%,:{}[]()"`

// splitPath breaks a template path ("step_1.items[0].name") into its keys
// ("step_1", "items", "0", "name"). It reports false for malformed paths,
// which callers treat as absent.
func splitPath(path string) ([]string, bool) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, false
	}

	var keys []string
	var cur strings.Builder
	flush := func() {
		if cur.Len() > 0 {
			keys = append(keys, cur.String())
			cur.Reset()
		}
	}

	for i := 0; i < len(path); i++ {
		c := path[i]
		switch c {
		case '.':
			if cur.Len() == 0 && (i == 0 || path[i-1] != ']') {
				return nil, false
			}
			flush()
		case '[':
			flush()
			end := strings.IndexByte(path[i:], ']')
			if end < 2 {
				return nil, false
			}
			idx := path[i+1 : i+end]
			for _, d := range idx {
				if d < '0' || d > '9' {
					return nil, false
				}
			}
			keys = append(keys, idx)
			i += end
		case ']':
			return nil, false
		default:
			cur.WriteByte(c)
		}
	}
	flush()
	if len(keys) == 0 {
		return nil, false
	}
	return keys, true
}

// gjsonPath joins keys into a gjson path ("step_1.items.0.name").
func gjsonPath(keys []string) string {
	escaped := make([]string, len(keys))
	for i, k := range keys {
		escaped[i] = escapeKey(k)
	}
	return strings.Join(escaped, ".")
}

func escapeKey(k string) string {
	if !strings.ContainsAny(k, gjsonSpecial) {
		return k
	}
	var b strings.Builder
	for _, r := range k {
		if strings.ContainsRune(gjsonSpecial, r) {
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}

// scope is the per-render view of the template context.
type scope struct {
	data map[string]any
}

func newScope(data map[string]any) *scope {
	return &scope{data: data}
}

// lookup resolves a path against the context. Missing keys and out-of-range
// indices yield nil.
func (s *scope) lookup(path string) any {
	keys, ok := splitPath(path)
	if !ok {
		return nil
	}
	return walk(s.data, keys)
}

// walk descends generic maps and slices in place, so values keep their Go
// types. Raw JSON and typed values are handed to gjson for the remaining keys.
func walk(v any, keys []string) any {
	for i, k := range keys {
		switch t := v.(type) {
		case map[string]any:
			next, ok := t[k]
			if !ok {
				return nil
			}
			v = next
		case []any:
			idx, err := strconv.Atoi(k)
			if err != nil || idx < 0 || idx >= len(t) {
				return nil
			}
			v = t[idx]
		case json.RawMessage:
			return rawLookup(t, keys[i:])
		case nil, string, bool, float64, float32, int, int64, int32, json.Number:
			return nil
		default:
			raw, err := json.Marshal(t)
			if err != nil {
				return nil
			}
			return rawLookup(raw, keys[i:])
		}
	}
	if raw, ok := v.(json.RawMessage); ok {
		if !gjson.ValidBytes(raw) {
			return nil
		}
		return gjson.ParseBytes(raw).Value()
	}
	return v
}

func rawLookup(raw []byte, keys []string) any {
	res := gjson.GetBytes(raw, gjsonPath(keys))
	if !res.Exists() {
		return nil
	}
	return res.Value()
}

// Lookup resolves a single template path against data.
func Lookup(data map[string]any, path string) any {
	return newScope(data).lookup(path)
}
