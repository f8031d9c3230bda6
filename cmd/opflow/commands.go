package main

import (
	"fmt"
	"log/slog"
	"os/signal"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/rendis/opflow/internal/expressions"
	"github.com/rendis/opflow/internal/store"
	"github.com/rendis/opflow/pkg/mcp"
	"github.com/rendis/opflow/pkg/schema"
)

func newValidateCmd(a *app) *cobra.Command {
	var save bool
	cmd := &cobra.Command{
		Use:   "validate FILE",
		Short: "Validate a workflow definition",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			def, err := readDefinition(args[0])
			if err != nil {
				return err
			}
			if save && def.ID == "" {
				def.ID = uuid.New().String()
			}
			rt, err := a.open(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer rt.Close()

			vres := rt.orch.Validate(cmd.Context(), def)
			if err := writeJSON(cmd.OutOrStdout(), vres); err != nil {
				return err
			}
			if !vres.Valid() {
				return vres.ToError()
			}
			if !save {
				return nil
			}
			if err := rt.store.SaveDefinition(cmd.Context(), def); err != nil {
				return err
			}
			if _, err := rt.scheduler.ScheduleDefinition(cmd.Context(), def); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "saved %s\n", def.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&save, "save", false, "store the definition (and its schedule) when valid")
	return cmd
}

func newRunCmd(a *app) *cobra.Command {
	var (
		workflowID string
		rawContext string
	)
	cmd := &cobra.Command{
		Use:   "run [FILE]",
		Short: "Run a workflow from a file or by stored ID and print its report",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (workflowID == "") == (len(args) == 0) {
				return fmt.Errorf("pass either FILE or --workflow")
			}
			trigCtx, err := parseJSONObject("context", rawContext)
			if err != nil {
				return err
			}
			rt, err := a.open(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer rt.Close()

			trigger := schema.Trigger{Context: trigCtx, InitiatedBy: "cli", Source: "cli"}
			var run *store.FlowRun
			if workflowID != "" {
				run, err = rt.orch.RunByID(cmd.Context(), workflowID, trigger)
			} else {
				def, rerr := readDefinition(args[0])
				if rerr != nil {
					return rerr
				}
				run, err = rt.orch.Run(cmd.Context(), def, trigger)
			}
			if run != nil && run.Report != nil {
				if werr := writeJSON(cmd.OutOrStdout(), run.Report); werr != nil {
					return werr
				}
			}
			if err != nil {
				return err
			}
			if run.Status != schema.RunStatusCompleted {
				return fmt.Errorf("run %s %s: %s", run.ID, run.Status, run.Error)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&workflowID, "workflow", "w", "", "ID of a stored workflow")
	cmd.Flags().StringVar(&rawContext, "context", "", "trigger context as a JSON object")
	return cmd
}

func newRenderCmd(_ *app) *cobra.Command {
	var rawContext string
	cmd := &cobra.Command{
		Use:   "render TEMPLATE",
		Short: "Render a {{ }} template against a JSON context",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := parseJSONObject("context", rawContext)
			if err != nil {
				return err
			}
			te := expressions.NewTemplateEngine()
			if issues := te.Validate(args[0]); !issues.Valid() {
				for _, is := range issues.Errors {
					fmt.Fprintf(cmd.ErrOrStderr(), "%s: %s\n", is.Path, is.Message)
				}
				return issues.ToError()
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), te.Render(args[0], data))
			return err
		},
	}
	cmd.Flags().StringVar(&rawContext, "context", "", "template data as a JSON object")
	return cmd
}

func newServeCmd(a *app) *cobra.Command {
	var noScheduler bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the MCP tools over stdio and run scheduled workflows",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			// stdout carries the MCP protocol; outgoing messages go to stderr.
			rt, err := a.open(ctx, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer rt.Close()

			deps := mcp.FlowServerDeps{
				Orchestrator: rt.orch,
				Dispatcher:   rt.dispatcher,
				Store:        rt.store,
				Templates:    rt.templates,
				Logger:       a.logger,
			}
			if !noScheduler {
				if n, err := rt.scheduler.SyncDefinitions(ctx); err != nil {
					return err
				} else if n > 0 {
					a.logger.Info("scheduled workflows loaded", slog.Int("jobs", n))
				}
				if _, err := rt.scheduler.RecoverMissed(ctx); err != nil {
					return err
				}
				if err := rt.scheduler.Start(ctx); err != nil {
					return err
				}
				deps.Scheduler = rt.scheduler
			}

			return mcp.NewFlowServer(deps).Serve(ctx)
		},
	}
	cmd.Flags().BoolVar(&noScheduler, "no-scheduler", false, "do not run recurring or scheduled workflows")
	return cmd
}

func newScheduleCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Inspect and rebuild scheduled jobs",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.open(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer rt.Close()

			jobs, err := rt.store.ListScheduledJobs(cmd.Context(), store.ScheduledJobFilter{})
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "JOB\tWORKFLOW\tCRON\tNEXT RUN\tENABLED\tLAST STATUS")
			for _, j := range jobs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%t\t%s\n",
					j.ID, j.WorkflowID, j.CronExpression, formatTime(j.NextRunAt), j.Enabled, j.LastRunStatus)
			}
			return tw.Flush()
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "sync",
		Short: "Recreate jobs for every recurring and scheduled definition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := a.open(cmd.Context(), cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer rt.Close()

			n, err := rt.scheduler.SyncDefinitions(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d jobs scheduled\n", n)
			return nil
		},
	})
	return cmd
}

func formatTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}
