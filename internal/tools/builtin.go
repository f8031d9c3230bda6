package tools

import (
	"context"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"

	"github.com/google/uuid"

	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/pkg/schema"
)

// Builtins returns the tools that ship with the engine.
func Builtins() []Tool {
	return []Tool{
		&jqTool{engine: expressions.NewGoJQEngine()},
		&exprTool{engine: expressions.NewExprEngine()},
		&hashTool{},
		&uuidTool{},
	}
}

// RegisterBuiltins registers every built-in tool in reg.
func RegisterBuiltins(reg *Registry) error {
	for _, t := range Builtins() {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

func requireString(tool string, params map[string]any, key string) error {
	if s, ok := params[key].(string); !ok || s == "" {
		return schema.NewErrorf(schema.ErrCodeValidation, "%s requires non-empty %q string parameter", tool, key)
	}
	return nil
}

// --- jq ---

type jqTool struct {
	engine *expressions.GoJQEngine
}

func (t *jqTool) Name() string { return "jq" }

func (t *jqTool) Describe() Info {
	return Info{Name: t.Name(), Description: "Run a jq filter over 'input'"}
}

func (t *jqTool) Validate(params map[string]any) error {
	return requireString("jq", params, "filter")
}

func (t *jqTool) Run(ctx context.Context, params map[string]any) (*Output, error) {
	filter, _ := params["filter"].(string)
	result, err := t.engine.Run(ctx, filter, params["input"])
	if err != nil {
		return nil, err
	}
	return &Output{Result: result}, nil
}

// --- expr ---

type exprTool struct {
	engine *expressions.ExprEngine
}

func (t *exprTool) Name() string { return "expr" }

func (t *exprTool) Describe() Info {
	return Info{Name: t.Name(), Description: "Evaluate an expr-lang expression with 'env' as variables"}
}

func (t *exprTool) Validate(params map[string]any) error {
	return requireString("expr", params, "expression")
}

func (t *exprTool) Run(ctx context.Context, params map[string]any) (*Output, error) {
	expression, _ := params["expression"].(string)
	env, _ := params["env"].(map[string]any)
	result, err := t.engine.Evaluate(ctx, expression, env)
	if err != nil {
		return nil, err
	}
	return &Output{Result: result}, nil
}

// --- hash ---

type hashTool struct{}

func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "", "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha1":
		return sha1.New, nil
	case "md5":
		return md5.New, nil
	}
	return nil, schema.NewErrorf(schema.ErrCodeValidation, "unsupported hash algorithm: %s", algorithm)
}

func (t *hashTool) Name() string { return "hash" }

func (t *hashTool) Describe() Info {
	return Info{Name: t.Name(), Description: "Hex digest of 'data' (sha256, sha512, sha1, md5)"}
}

func (t *hashTool) Validate(params map[string]any) error {
	if _, ok := params["data"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "hash requires 'data' parameter")
	}
	algorithm, _ := params["algorithm"].(string)
	_, err := hashFunc(algorithm)
	return err
}

func (t *hashTool) Run(_ context.Context, params map[string]any) (*Output, error) {
	algorithm, _ := params["algorithm"].(string)
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}
	if algorithm == "" {
		algorithm = "sha256"
	}
	h := newHash()
	h.Write([]byte(expressions.Stringify(params["data"])))
	sum := hex.EncodeToString(h.Sum(nil))
	return &Output{
		Result:  map[string]any{"hash": sum, "algorithm": algorithm},
		Summary: fmt.Sprintf("%s %s", algorithm, sum),
	}, nil
}

// --- uuid ---

type uuidTool struct{}

func (t *uuidTool) Name() string { return "uuid" }

func (t *uuidTool) Describe() Info {
	return Info{Name: t.Name(), Description: "Generate a v4 UUID"}
}

func (t *uuidTool) Validate(map[string]any) error { return nil }

func (t *uuidTool) Run(context.Context, map[string]any) (*Output, error) {
	id := uuid.NewString()
	return &Output{Result: id, Summary: id}, nil
}
