package archive_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rendis/opflow/internal/archive"
	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/handlers"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/schema"
)

func report(id string) *schema.RunReport {
	return &schema.RunReport{
		FlowRunID:      id,
		WorkflowID:     "wf",
		Status:         schema.RunStatusCompleted,
		TotalSteps:     2,
		CompletedSteps: 2,
		StartedAt:      time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC),
		ToolsUsed:      []string{"jq"},
		Usage:          schema.Usage{InputTokens: 7},
	}
}

func TestArchive(t *testing.T) {
	ctx := context.Background()
	a, err := archive.Open(ctx, "mem://", "reports")
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, "reports/run-1.json", a.Key("run-1"))

	t.Run("Get on missing report", func(t *testing.T) {
		_, err := a.Get(ctx, "run-1")
		assert.True(t, schema.IsNotFound(err))
	})

	t.Run("Store and Get round-trip", func(t *testing.T) {
		require.NoError(t, a.StoreReport(ctx, report("run-1")))
		got, err := a.Get(ctx, "run-1")
		require.NoError(t, err)
		assert.Equal(t, "wf", got.WorkflowID)
		assert.Equal(t, 2, got.CompletedSteps)
		assert.Equal(t, []string{"jq"}, got.ToolsUsed)
		assert.Equal(t, int64(7), got.Usage.InputTokens)
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, a.StoreReport(ctx, report("run-2")))
		ids, err := a.List(ctx)
		require.NoError(t, err)
		assert.Equal(t, []string{"run-1", "run-2"}, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, a.Delete(ctx, "run-1"))
		require.NoError(t, a.Delete(ctx, "run-1"))
		_, err := a.Get(ctx, "run-1")
		assert.True(t, schema.IsNotFound(err))
	})

	t.Run("nil report", func(t *testing.T) {
		assert.ErrorIs(t, a.StoreReport(ctx, nil), archive.ErrReportRequired)
	})
}

func TestArchive_FileBucket(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a, err := archive.Open(ctx, "file://"+filepath.ToSlash(dir), "")
	require.NoError(t, err)
	defer a.Close()

	require.NoError(t, a.StoreReport(ctx, report("r9")))
	raw, err := os.ReadFile(filepath.Join(dir, "r9.json"))
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"flow_run_id":"r9"`)
}

func TestArchive_BadURL(t *testing.T) {
	_, err := archive.Open(context.Background(), "nosuchscheme://x", "")
	assert.Equal(t, schema.ErrCodeStore, schema.ErrorCode(err))
}

type sender struct{}

func (sender) Send(context.Context, string, string) (bool, error) { return true, nil }

func TestArchive_AsReportSink(t *testing.T) {
	ctx := context.Background()
	a, err := archive.Open(ctx, "mem://", "runs/")
	require.NoError(t, err)
	defer a.Close()

	orch, err := engine.New(store.NewMemoryStore(), handlers.NewRegistry(handlers.Dependencies{Sender: sender{}}),
		engine.WithReportSink(a))
	require.NoError(t, err)

	run, err := orch.Run(ctx, &schema.WorkflowDefinition{ID: "wf", Steps: []schema.Step{{
		ID: "a", Position: 1, Type: schema.StepTypeMessage, Config: []byte(`{"recipient":"u1","text":"hi"}`),
	}}}, schema.Trigger{})
	require.NoError(t, err)

	got, err := a.Get(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	assert.Equal(t, 1, got.CompletedSteps)
}
