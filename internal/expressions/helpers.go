package expressions

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// HelperFunc is a pure template helper. Arguments arrive already resolved;
// missing arguments are simply absent from args.
type HelperFunc func(args []any) any

func builtinHelpers() map[string]HelperFunc {
	return map[string]HelperFunc{
		"truncate": helperTruncate,
		"upper":    func(a []any) any { return strings.ToUpper(Stringify(arg(a, 0))) },
		"lower":    func(a []any) any { return strings.ToLower(Stringify(arg(a, 0))) },
		"trim":     func(a []any) any { return strings.TrimSpace(Stringify(arg(a, 0))) },
		"default":  helperDefault,
		"json":     helperJSON,
		"length":   helperLength,
		"first":    func(a []any) any { return pick(arg(a, 0), true) },
		"last":     func(a []any) any { return pick(arg(a, 0), false) },
		"join":     helperJoin,
		"replace":  helperReplace,
	}
}

func arg(args []any, i int) any {
	if i < len(args) {
		return args[i]
	}
	return nil
}

// truncate value n [suffix]: first n characters plus suffix ("..." by default).
func helperTruncate(args []any) any {
	s := Stringify(arg(args, 0))
	n, ok := toFloat(arg(args, 1))
	if !ok || math.IsNaN(n) || n < 0 {
		return s
	}
	runes := []rune(s)
	if n >= float64(len(runes)) {
		return s
	}
	suffix := "..."
	if len(args) > 2 {
		suffix = Stringify(args[2])
	}
	return string(runes[:int(n)]) + suffix
}

func helperDefault(args []any) any {
	v := arg(args, 0)
	if isEmpty(v) {
		return arg(args, 1)
	}
	return v
}

func helperJSON(args []any) any {
	raw, err := json.Marshal(arg(args, 0))
	if err != nil {
		return ""
	}
	return string(raw)
}

func helperLength(args []any) any {
	switch v := arg(args, 0).(type) {
	case nil:
		return 0
	case string:
		return len([]rune(v))
	case []any:
		return len(v)
	case map[string]any:
		return len(v)
	default:
		return len([]rune(Stringify(v)))
	}
}

func pick(v any, first bool) any {
	switch t := v.(type) {
	case []any:
		if len(t) == 0 {
			return nil
		}
		if first {
			return t[0]
		}
		return t[len(t)-1]
	case string:
		r := []rune(t)
		if len(r) == 0 {
			return ""
		}
		if first {
			return string(r[0])
		}
		return string(r[len(r)-1])
	}
	return nil
}

func helperJoin(args []any) any {
	sep := ", "
	if len(args) > 1 {
		sep = Stringify(args[1])
	}
	items, ok := arg(args, 0).([]any)
	if !ok {
		return Stringify(arg(args, 0))
	}
	parts := make([]string, len(items))
	for i, it := range items {
		parts[i] = Stringify(it)
	}
	return strings.Join(parts, sep)
}

func helperReplace(args []any) any {
	s := Stringify(arg(args, 0))
	if len(args) < 3 {
		return s
	}
	return strings.ReplaceAll(s, Stringify(args[1]), Stringify(args[2]))
}

// --- value semantics ---

// Stringify renders a resolved value the way templates print it: nil is
// empty, integral floats drop the fraction, collections become compact JSON.
func Stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case bool:
		return strconv.FormatBool(t)
	case float64:
		if t == math.Trunc(t) && math.Abs(t) < 1e15 {
			return strconv.FormatInt(int64(t), 10)
		}
		return strconv.FormatFloat(t, 'f', -1, 64)
	case float32:
		return Stringify(float64(t))
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case json.Number:
		return t.String()
	default:
		raw, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(raw)
	}
}

// Truthy reports template truthiness. Empty strings and collections, zero,
// nil and the strings "false", "null" and "none" are falsy.
func Truthy(v any) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case string:
		switch strings.ToLower(strings.TrimSpace(t)) {
		case "", "false", "null", "none":
			return false
		}
		return true
	case []any:
		return len(t) > 0
	case map[string]any:
		return len(t) > 0
	}
	if f, ok := toFloat(v); ok {
		return f != 0
	}
	return true
}

func isEmpty(v any) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return t == ""
	case []any:
		return len(t) == 0
	case map[string]any:
		return len(t) == 0
	}
	return false
}

func isNumber(v any) bool {
	switch v.(type) {
	case float64, float32, int, int64, int32, json.Number:
		return true
	}
	return false
}

func toFloat(v any) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case float32:
		return float64(t), true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case int32:
		return float64(t), true
	case json.Number:
		f, err := t.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		return f, err == nil
	}
	return 0, false
}
