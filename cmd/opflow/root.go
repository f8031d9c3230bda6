package main

import (
	"io"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rendis/opflow/internal/config"
	"github.com/rendis/opflow/internal/logging"
)

// flagKeys binds persistent flags to config keys.
var flagKeys = map[string]string{
	"db-path":        "db_path",
	"log-level":      "log_level",
	"log-format":     "log_format",
	"strict-trigger": "strict_trigger",
}

// app is the state shared by every command once flags are parsed.
type app struct {
	v       *viper.Viper
	cfgFile string
	cfg     *config.Config
	logger  *slog.Logger
	stderr  io.Writer
}

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	a := &app{v: config.New(), stderr: stderr}

	root := &cobra.Command{
		Use:   "opflow",
		Short: "Run chat-agent workflows step by step",
		Long: `opflow executes workflow definitions: ordered steps that send messages,
call tools, hold conversations and start subflows, with per-step retries,
timeouts and failure policies.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if err := config.BindFlags(a.v, cmd.Flags(), flagKeys); err != nil {
				return err
			}
			cfg, err := config.Load(a.v, a.cfgFile)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = logging.New(a.stderr, cfg.LogLevel, cfg.LogFormat)
			slog.SetDefault(a.logger)
			return nil
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "config file (default: settings.{yaml,json} in ~/.opflow or the working directory)")
	pf.String("db-path", "", "libSQL database path")
	pf.String("log-level", "", "log level: debug, info, warn, error")
	pf.String("log-format", "", "log format: text or json")
	pf.Bool("strict-trigger", false, "require every definition to start with a legacy_trigger step")

	root.AddCommand(
		newValidateCmd(a),
		newRunCmd(a),
		newRenderCmd(a),
		newServeCmd(a),
		newScheduleCmd(a),
		newVersionCmd(),
	)
	return root
}
