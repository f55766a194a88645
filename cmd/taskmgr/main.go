package main

import (
	"context"
	"encoding/json"
	"os"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/pg-sharding/taskmgr/app"
	"github.com/pg-sharding/taskmgr/pkg/config"
	"github.com/pg-sharding/taskmgr/pkg/models/spqrerror"
	"github.com/pg-sharding/taskmgr/pkg/models/tasks"
	"github.com/pg-sharding/taskmgr/pkg/spqrlog"
)

// Logs go to stderr unless log_file is set, stdout carries command output.
const defaultLogPath = "/dev/stderr"

type options struct {
	cfgPath   string
	logLevel  string
	prettyLog bool

	hint    string
	timeout time.Duration

	app *app.App
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	rootCmd := &cobra.Command{
		Use: "taskmgr --config `path-to-config` <command>",
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.init(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if opts.app == nil {
				return nil
			}
			return opts.app.Close()
		},
	}

	rootCmd.PersistentFlags().StringVarP(&opts.cfgPath, "config", "c", "", "path to config file")
	rootCmd.PersistentFlags().StringVarP(&opts.logLevel, "log-level", "l", "", "log level, overrides config")
	rootCmd.PersistentFlags().BoolVarP(&opts.prettyLog, "pretty-log", "P", false, "enable pretty logging, overrides config")

	rootCmd.AddCommand(
		modulesCmd(opts),
		statsCmd(opts),
		statusCmd(opts),
		waitCmd(opts),
		abortCmd(opts),
		lookupCmd(opts),
	)
	return rootCmd
}

func (o *options) init(cmd *cobra.Command) error {
	cfg := config.TaskManagerConfig()
	if o.cfgPath != "" {
		cfgStr, err := config.LoadTaskManagerCfg(o.cfgPath)
		if err != nil {
			return err
		}
		cfg = config.TaskManagerConfig()
		defer spqrlog.Zero.Debug().Str("config", cfgStr).Msg("taskmgr: loaded config")
	}

	applyFlagOverrides(cmd, cfg, o.logLevel, o.prettyLog)

	logFile := cfg.LogFile
	if logFile == "" {
		logFile = defaultLogPath
	}
	spqrlog.Zero = spqrlog.NewZeroLogger(logFile, cfg.LogLevel, cfg.PrettyLogging)

	a, err := app.NewApp(cfg, prometheus.DefaultRegisterer)
	if err != nil {
		return err
	}
	o.app = a
	return nil
}

// applyFlagOverrides lets explicitly passed flags win over the config file.
func applyFlagOverrides(cmd *cobra.Command, cfg *config.TaskManager, logLevel string, prettyLog bool) {
	if cmd.Flags().Changed("log-level") {
		cfg.LogLevel = logLevel
	}
	if cmd.Flags().Changed("pretty-log") {
		cfg.PrettyLogging = prettyLog
	}
}

func modulesCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "modules",
		Short: "list registered modules and the groups they own",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			type moduleView struct {
				Name   string            `json:"name"`
				Groups []tasks.TaskGroup `json:"groups"`
			}
			modules := opts.app.TaskManager.ListModules()
			out := make([]moduleView, 0, len(modules))
			for _, m := range modules {
				out = append(out, moduleView{Name: m.GetName(), Groups: m.Groups()})
			}
			return printJSON(cmd, out)
		},
	}
}

func statsCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "stats [group]",
		Short: "list task statistics of one group or of every owned group",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			tm := opts.app.TaskManager
			var (
				report *tasks.StatsReport
				err    error
			)
			if len(args) == 0 {
				report, err = tm.ListAllStats(cmd.Context())
			} else {
				group, perr := tasks.ParseTaskGroup(args[0])
				if perr != nil {
					return perr
				}
				report, err = tm.ListStats(cmd.Context(), group)
			}
			if err != nil {
				return err
			}
			if report.Partial() {
				spqrlog.Zero.Warn().
					Int("omissions", len(report.Omissions)).
					Msg("taskmgr: stats report is partial")
			}
			return printJSON(cmd, report)
		},
	}
}

func statusCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "status <task-id>",
		Short: "show the status of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, hint, err := opts.target(args[0])
			if err != nil {
				return err
			}
			st, err := opts.app.TaskManager.GetStatusWithHint(cmd.Context(), id, hint)
			if err != nil {
				return err
			}
			if st == nil {
				return spqrerror.Newf(spqrerror.SPQR_TASK_NOT_FOUND, "task %s not found", id)
			}
			return printJSON(cmd, st)
		},
	}
	cmd.Flags().StringVar(&opts.hint, "hint", "", "location hint returned by lookup")
	return cmd
}

func waitCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "wait <task-id>",
		Short: "block until a task is finished",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, hint, err := opts.target(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			if opts.timeout > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opts.timeout)
				defer cancel()
			}
			st, err := opts.app.TaskManager.WaitWithHint(ctx, id, hint)
			if err != nil {
				return err
			}
			if st == nil {
				return spqrerror.Newf(spqrerror.SPQR_TASK_NOT_FOUND, "task %s not found", id)
			}
			return printJSON(cmd, st)
		},
	}
	cmd.Flags().StringVar(&opts.hint, "hint", "", "location hint returned by lookup")
	cmd.Flags().DurationVar(&opts.timeout, "timeout", 0, "give up waiting after this duration, zero waits forever")
	return cmd
}

func abortCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "abort <task-id>",
		Short: "abort a task that has not reached its commit point",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, hint, err := opts.target(args[0])
			if err != nil {
				return err
			}
			if err := opts.app.TaskManager.AbortWithHint(cmd.Context(), id, hint); err != nil {
				return err
			}
			spqrlog.Zero.Info().Str("task", id.String()).Msg("taskmgr: abort requested")
			return nil
		},
	}
	cmd.Flags().StringVar(&opts.hint, "hint", "", "location hint returned by lookup")
	return cmd
}

func lookupCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "lookup <task-id>",
		Short: "print a location hint that speeds up later calls for the task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := tasks.ParseTaskID(args[0])
			if err != nil {
				return err
			}
			hint, err := opts.app.TaskManager.Lookup(cmd.Context(), id)
			if err != nil {
				return err
			}
			if hint == nil {
				return spqrerror.Newf(spqrerror.SPQR_TASK_NOT_FOUND, "task %s has no location hint", id)
			}
			return printJSON(cmd, map[string]string{
				"task_id": id.String(),
				"group":   string(hint.Group),
				"hint":    hint.Encode(),
			})
		},
	}
}

func (o *options) target(arg string) (tasks.TaskID, *tasks.VirtualTaskHint, error) {
	id, err := tasks.ParseTaskID(arg)
	if err != nil {
		return id, nil, err
	}
	if o.hint == "" {
		return id, nil, nil
	}
	hint := tasks.DecodeVirtualTaskHint(o.hint)
	if hint == nil {
		spqrlog.Zero.Warn().Str("hint", o.hint).Msg("taskmgr: ignoring malformed hint")
	}
	return id, hint, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		spqrlog.Zero.Error().Err(err).Msg("taskmgr: command failed")
		os.Exit(1)
	}
}
