package expressions

import "context"

// Engine evaluates a one-off expression against a data document.
// CEL guards step execution; gojq and expr back the built-in tools.
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}
