package expressions

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/pkg/schema"
)

func TestCELEngine_Guards(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ctx := context.Background()
	data := map[string]any{
		"previous_step": map[string]any{"status": "completed", "count": int64(4)},
		"trigger":       map[string]any{"channel": "sms"},
		"flow":          map[string]any{"id": "r1"},
		"fetch":         map[string]any{"ok": true},
	}

	ok, err := e.EvaluateBool(ctx, `previous_step.status == "completed" && trigger.channel == "sms"`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(ctx, `ctx.fetch.ok`, data)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = e.EvaluateBool(ctx, `"missing" in ctx`, data)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = e.EvaluateBool(ctx, `flow.id`, data)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	assert.Error(t, e.Compile(`previous_step.status ==`))
	assert.NoError(t, e.Compile(`size(ctx) > 0`))
}

func TestCELEngine_MissingVariablesDefaultEmpty(t *testing.T) {
	e, err := NewCELEngine()
	require.NoError(t, err)
	ok, err := e.EvaluateBool(context.Background(), `size(previous_step) == 0`, nil)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGoJQEngine(t *testing.T) {
	e := NewGoJQEngine()
	ctx := context.Background()

	out, err := e.Run(ctx, `[.items[] | select(.n > 1) | .name]`, map[string]any{
		"items": []any{map[string]any{"name": "a", "n": 1}, map[string]any{"name": "b", "n": int64(2)}},
	})
	require.NoError(t, err)
	assert.Equal(t, []any{"b"}, out)

	out, err = e.Run(ctx, `.[]`, []any{1, 2})
	require.NoError(t, err)
	assert.Equal(t, []any{1, 2}, out)

	out, err = e.Evaluate(ctx, `$ENV | length`, map[string]any{})
	require.NoError(t, err)
	assert.Equal(t, 0, out)

	_, err = e.Run(ctx, `.[`, nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))

	_, err = e.Run(ctx, `error("boom")`, nil)
	assert.Equal(t, schema.ErrCodeStepFailed, schema.ErrorCode(err))
}

func TestExprEngine(t *testing.T) {
	e := NewExprEngine()
	ctx := context.Background()

	out, err := e.Evaluate(ctx, `sum(map(items, .price)) * qty`, map[string]any{
		"items": []any{map[string]any{"price": 2}, map[string]any{"price": 3}},
		"qty":   2,
	})
	require.NoError(t, err)
	assert.EqualValues(t, 10, out)

	out, err = e.Evaluate(ctx, `missing ?? "fallback"`, nil)
	require.NoError(t, err)
	assert.Equal(t, "fallback", out)

	_, err = e.Evaluate(ctx, `1 +`, nil)
	assert.Equal(t, schema.ErrCodeValidation, schema.ErrorCode(err))
}
