package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/rendis/opflow/internal/archive"
	"github.com/rendis/opflow/internal/conversation"
	"github.com/rendis/opflow/internal/engine"
	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/handlers"
	"github.com/rendis/opflow/internal/plugins"
	"github.com/rendis/opflow/internal/scheduler"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/internal/tools"
	"github.com/rendis/opflow/pkg/schema"
)

// runtime is the wired engine behind a command.
type runtime struct {
	store      *store.LibSQLStore
	templates  *expressions.TemplateEngine
	orch       *engine.Orchestrator
	dispatcher *engine.Dispatcher
	scheduler  *scheduler.Scheduler
	archive    *archive.Archive
	closers    []func() error
}

// open connects the store and builds the orchestrator from a.cfg.
func (a *app) open(ctx context.Context, out io.Writer) (*runtime, error) {
	cfg := a.cfg
	st, err := openStore(ctx, cfg.DBPath)
	if err != nil {
		return nil, err
	}
	rt := &runtime{store: st, templates: expressions.NewTemplateEngine()}
	rt.closers = append(rt.closers, st.Close)

	var notifier conversation.Notifier = conversation.NewMemoryNotifier()
	if cfg.Redis.Addr != "" {
		rn, err := conversation.NewRedisNotifier(ctx, cfg.RedisOptions(), a.logger)
		if err != nil {
			rt.Close()
			return nil, err
		}
		notifier = rn
		rt.closers = append(rt.closers, rn.Close)
	}

	toolReg := tools.NewRegistry()
	if err := tools.RegisterBuiltins(toolReg); err != nil {
		rt.Close()
		return nil, err
	}

	deps := handlers.Dependencies{
		Templates:    rt.templates,
		Sender:       &outboxSender{w: out},
		Tools:        toolReg,
		Threads:      conversation.NewManager(st, conversation.WithNotifier(notifier), conversation.WithLogger(a.logger)),
		Logger:       a.logger,
		SafetyMargin: cfg.Conversation.SafetyMargin,
		PollInterval: cfg.Conversation.PollInterval,
	}
	if len(cfg.Plugins) > 0 {
		pm := plugins.NewManager(a.logger)
		rt.closers = append(rt.closers, pm.Close)
		for _, p := range cfg.Plugins {
			if err := pm.Load(ctx, plugins.Config{Name: p.Name, Command: p.Command, Args: p.Args, Env: p.Env}); err != nil {
				rt.Close()
				return nil, err
			}
		}
		deps.ExternalTools = pm
	}
	reg := handlers.NewRegistry(deps)

	opts := []engine.Option{
		engine.WithLogger(a.logger),
		engine.WithTemplates(rt.templates),
		engine.WithStrictTrigger(cfg.StrictTrigger),
		engine.WithDefaultStepTimeout(cfg.DefaultStepTimeout),
	}
	if cfg.Archive.BucketURL != "" {
		arc, err := archive.Open(ctx, cfg.Archive.BucketURL, cfg.Archive.Prefix)
		if err != nil {
			rt.Close()
			return nil, err
		}
		rt.archive = arc
		rt.closers = append(rt.closers, arc.Close)
		opts = append(opts, engine.WithReportSink(arc))
	}

	orch, err := engine.New(st, reg, opts...)
	if err != nil {
		rt.Close()
		return nil, err
	}
	rt.orch = orch
	rt.dispatcher = engine.NewDispatcher(orch, cfg.MaxConcurrentRuns)
	rt.scheduler = scheduler.NewScheduler(st, rt.dispatcher,
		scheduler.WithLogger(a.logger),
		scheduler.WithTick(cfg.Scheduler.Tick),
	)
	return rt, nil
}

// Close waits for dispatched runs and releases every resource.
func (rt *runtime) Close() error {
	if rt.scheduler != nil {
		_ = rt.scheduler.Stop()
	}
	if rt.dispatcher != nil {
		rt.dispatcher.Shutdown()
	}
	var errs []error
	for i := len(rt.closers) - 1; i >= 0; i-- {
		errs = append(errs, rt.closers[i]())
	}
	return errors.Join(errs...)
}

func openStore(ctx context.Context, path string) (*store.LibSQLStore, error) {
	dsn := path
	if !strings.Contains(dsn, ":") {
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, fmt.Errorf("create database directory: %w", err)
		}
		dsn = "file:" + dsn
	}
	st, err := store.NewLibSQLStore(dsn)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, fmt.Errorf("migrate %s: %w", path, err)
	}
	return st, nil
}

// outboxSender prints outgoing messages instead of delivering them to a
// chat platform.
type outboxSender struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *outboxSender) Send(ctx context.Context, recipient, text string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, err := fmt.Fprintf(s.w, "-> %s: %s\n", recipient, text); err != nil {
		return false, err
	}
	slog.DebugContext(ctx, "message sent", slog.String("recipient", recipient))
	return true, nil
}

// readDefinition decodes a JSON definition from path, or stdin for "-".
func readDefinition(path string) (*schema.WorkflowDefinition, error) {
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("read definition: %w", err)
	}
	var def schema.WorkflowDefinition
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("decode definition %s: %w", path, err)
	}
	return &def, nil
}

// parseJSONObject decodes an optional --context style flag.
func parseJSONObject(flag, raw string) (map[string]any, error) {
	if raw == "" {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil, fmt.Errorf("--%s must be a JSON object: %w", flag, err)
	}
	return m, nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
