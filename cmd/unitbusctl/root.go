package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/ngenohkevin/unitbus/config"
	"github.com/ngenohkevin/unitbus/internal/blocking"
	"github.com/ngenohkevin/unitbus/internal/logger"
	"github.com/ngenohkevin/unitbus/internal/systemd"
	"github.com/ngenohkevin/unitbus/internal/tasks"
)

var version = "1.0.0"

type connectFunc func(ctx context.Context, opts systemd.Options) (*systemd.Client, error)

// app carries the global flags and the bus connector shared by every command.
type app struct {
	connect    connectFunc
	opts       systemd.Options
	jobTimeout time.Duration
	tasksFile  string
	logLevel   string
}

func newApp() *app {
	return &app{
		connect: systemd.Connect,
		opts:    systemd.DefaultOptions(),
	}
}

func newRootCmd(a *app) *cobra.Command {
	root := &cobra.Command{
		Use:   "unitbusctl",
		Short: "Control systemd units over D-Bus",
		Long: `unitbusctl drives systemd through its D-Bus API.

Unit jobs are enqueued and waited on until the unit settles. Logs are read
from the journal and ad-hoc commands run as transient units. Every command
prints JSON.`,
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger.InitializeTo(a.logLevel, logger.FormatJSON, zapcore.Lock(os.Stderr))
		},
	}
	root.CompletionOptions.DisableDefaultCmd = true
	root.SetVersionTemplate(fmt.Sprintf("unitbusctl version %s\n", version))

	flags := root.PersistentFlags()
	flags.StringVar(&a.opts.JournalBackend, "journal-backend", a.opts.JournalBackend, "journal backend (cli or sdjournal)")
	flags.StringVar(&a.opts.SystemDir, "system-dir", a.opts.SystemDir, "directory holding unit files and drop-ins")
	flags.DurationVar(&a.opts.CallTimeout, "call-timeout", a.opts.CallTimeout, "timeout for a single D-Bus call")
	flags.DurationVar(&a.jobTimeout, "job-timeout", blocking.DefaultJobTimeout, "default wait for unit jobs")
	flags.StringVar(&a.tasksFile, "tasks-file", os.Getenv("TASKS_FILE"), "YAML file with extra task presets")
	flags.StringVar(&a.logLevel, "log-level", "error", "log level")

	root.AddCommand(
		newStatusCmd(a),
		newPropsCmd(a),
		newListCmd(a),
		newJobCmd(a, systemd.JobStart),
		newJobCmd(a, systemd.JobStop),
		newJobCmd(a, systemd.JobRestart),
		newJobCmd(a, systemd.JobReload),
		newDiagnoseCmd(a),
		newWatchCmd(a),
		newLogsCmd(a),
		newRunCmd(a),
		newTasksCmd(a),
		newCapsCmd(a),
		newManagerCmd(a),
		newDaemonReloadCmd(a),
		newDropInCmd(a),
		newInstallCmd(a),
		newUninstallCmd(a),
		newEnableCmd(a),
		newDisableCmd(a),
		newWaitJobCmd(a),
		newKeygenCmd(),
		newTokenCmd(),
	)
	return root
}

// session is one connected driver. Close must be called.
type session struct {
	*blocking.Blocking
	runner *tasks.Runner
	client *systemd.Client
}

func (s *session) Close() {
	s.client.Close()
}

func (a *app) open(cmd *cobra.Command) (*session, error) {
	presets := config.DefaultTasks()
	if a.tasksFile != "" {
		extra, err := config.LoadTasks(a.tasksFile)
		if err != nil {
			return nil, err
		}
		for name, t := range extra {
			presets[name] = t
		}
	}

	client, err := a.connect(cmd.Context(), a.opts)
	if err != nil {
		return nil, err
	}
	runner := tasks.NewRunner(client, presets)
	return &session{
		Blocking: blocking.New(client, runner, blocking.Options{JobTimeout: a.jobTimeout}),
		runner:   runner,
		client:   client,
	}, nil
}

// with runs fn against a fresh session.
func (a *app) with(cmd *cobra.Command, fn func(s *session) error) error {
	s, err := a.open(cmd)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(s)
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// parseAssignments turns KEY=VALUE pairs into a map.
func parseAssignments(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected KEY=VALUE, got %q", p)
		}
		out[k] = v
	}
	return out, nil
}
