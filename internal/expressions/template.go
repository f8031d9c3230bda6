package expressions

import (
	"strings"
	"sync"

	"github.com/rendis/opflow/pkg/schema"
)

// TemplateEngine renders {{ }} templates against a step context.
//
// Resolution is permissive: an unknown path, an out-of-range index, an
// unknown helper or a malformed expression renders as the empty string.
// Structural problems are reported only by Validate.
// Thread-safe: parsed templates are cached and reused across goroutines.
type TemplateEngine struct {
	mu      sync.RWMutex
	helpers map[string]HelperFunc
	cache   map[string]*tree
}

// NewTemplateEngine creates an engine with the built-in helper table.
func NewTemplateEngine() *TemplateEngine {
	return &TemplateEngine{
		helpers: builtinHelpers(),
		cache:   make(map[string]*tree),
	}
}

// RegisterHelper adds or replaces a helper.
func (e *TemplateEngine) RegisterHelper(name string, fn HelperFunc) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.helpers[name] = fn
}

func (e *TemplateEngine) helper(name string) (HelperFunc, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	fn, ok := e.helpers[name]
	return fn, ok
}

func (e *TemplateEngine) parsed(src string) *tree {
	e.mu.RLock()
	t, ok := e.cache[src]
	e.mu.RUnlock()
	if ok {
		return t
	}
	t = parseTemplate(src)
	e.mu.Lock()
	e.cache[src] = t
	e.mu.Unlock()
	return t
}

// Render resolves every expression and conditional block in src.
func (e *TemplateEngine) Render(src string, data map[string]any) string {
	if !strings.Contains(src, "{{") {
		return src
	}
	var b strings.Builder
	e.renderNodes(&b, e.parsed(src).nodes, newScope(data))
	return b.String()
}

func (e *TemplateEngine) renderNodes(b *strings.Builder, nodes []node, s *scope) {
	for _, n := range nodes {
		switch t := n.(type) {
		case textNode:
			b.WriteString(t.text)
		case exprNode:
			if t.expr != nil {
				b.WriteString(Stringify(t.expr.eval(e, s)))
			}
		case *ifNode:
			e.renderNodes(b, t.choose(e, s), s)
		}
	}
}

func (n *ifNode) choose(e *TemplateEngine, s *scope) []node {
	for _, br := range n.branches {
		if br.cond != nil && Truthy(br.cond.eval(e, s)) {
			return br.body
		}
	}
	return n.elseBody
}

// Resolve is Render, except that a template consisting of exactly one
// expression keeps the expression's raw value (number, list, object). An
// absent value still resolves to "".
func (e *TemplateEngine) Resolve(src string, data map[string]any) any {
	return e.resolve(src, newScope(data))
}

func (e *TemplateEngine) resolve(src string, s *scope) any {
	if !strings.Contains(src, "{{") {
		return src
	}
	t := e.parsed(src)
	if len(t.nodes) == 1 {
		if en, ok := t.nodes[0].(exprNode); ok {
			if en.expr == nil {
				return ""
			}
			if v := en.expr.eval(e, s); v != nil {
				return v
			}
			return ""
		}
	}
	var b strings.Builder
	e.renderNodes(&b, t.nodes, s)
	return b.String()
}

// ResolveValue walks maps and slices, resolving every string leaf.
func (e *TemplateEngine) ResolveValue(v any, data map[string]any) any {
	return e.resolveValue(v, newScope(data))
}

func (e *TemplateEngine) resolveValue(v any, s *scope) any {
	switch t := v.(type) {
	case string:
		return e.resolve(t, s)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = e.resolveValue(val, s)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = e.resolveValue(val, s)
		}
		return out
	default:
		return v
	}
}

// Validate reports unmatched braces, unclosed or stray conditional blocks,
// empty or malformed expressions, and calls to unknown helpers.
func (e *TemplateEngine) Validate(src string) *schema.ValidationResult {
	t := e.parsed(src)
	out := &schema.ValidationResult{}
	out.Merge(t.issues)

	used := make(map[string]struct{})
	collectHelpers(t.nodes, used)
	for name := range used {
		if _, ok := e.helper(name); !ok {
			out.AddWarning("", schema.IssueUnknownHelper, "unknown helper "+name)
		}
	}
	return out
}

// ValidateValue validates every string leaf of v, prefixing issue paths with
// the leaf's location.
func (e *TemplateEngine) ValidateValue(v any, path string) *schema.ValidationResult {
	out := &schema.ValidationResult{}
	switch t := v.(type) {
	case string:
		if strings.Contains(t, "{{") || strings.Contains(t, "}}") {
			out.MergeAt(path, e.Validate(t), false)
		}
	case map[string]any:
		for k, val := range t {
			out.Merge(e.ValidateValue(val, joinPath(path, k)))
		}
	case []any:
		for i, val := range t {
			out.Merge(e.ValidateValue(val, joinPath(path, "["+itoa(i)+"]")))
		}
	}
	return out
}

func joinPath(base, key string) string {
	if base == "" {
		return key
	}
	if strings.HasPrefix(key, "[") {
		return base + key
	}
	return base + "." + key
}

func itoa(i int) string { return Stringify(i) }

func collectHelpers(nodes []node, out map[string]struct{}) {
	for _, n := range nodes {
		switch t := n.(type) {
		case exprNode:
			if t.expr != nil {
				helperNames(t.expr, out)
			}
		case *ifNode:
			for _, br := range t.branches {
				if br.cond != nil {
					helperNames(br.cond, out)
				}
				collectHelpers(br.body, out)
			}
			collectHelpers(t.elseBody, out)
		}
	}
}
