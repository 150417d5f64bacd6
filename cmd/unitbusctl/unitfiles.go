package main

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/goccy/go-json"
	"github.com/spf13/cobra"

	"github.com/ngenohkevin/unitbus/internal/systemd"
	"github.com/ngenohkevin/unitbus/internal/unitfile"
)

func newInstallCmd(a *app) *cobra.Command {
	opts := systemd.DefaultInstallOptions()
	var noReload, noEnable bool

	cmd := &cobra.Command{
		Use:   "install SPEC.json",
		Short: "Write a service unit from a JSON spec, reload and enable it",
		Long: `Write a service unit from a JSON spec ("-" reads stdin), reload the
manager and enable the unit. Reload and enable also run when the file on
disk already matched.`,
		Example: `  echo '{"unit":"demo","exec_start":["/usr/bin/sleep","infinity"],"wanted_by":["multi-user.target"]}' \
    | unitbusctl install -`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := readServiceSpec(cmd, args[0])
			if err != nil {
				return err
			}
			opts.DaemonReload = !noReload
			opts.Enable = !noEnable

			return a.with(cmd, func(s *session) error {
				report, err := s.InstallServiceUnit(*spec, opts)
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
	}
	cmd.Flags().BoolVar(&noReload, "no-reload", false, "skip the daemon reload")
	cmd.Flags().BoolVar(&noEnable, "no-enable", false, "write the file without enabling the unit")
	cmd.Flags().BoolVar(&opts.EnableOpts.Runtime, "runtime", false, "enable for this boot only")
	cmd.Flags().BoolVar(&opts.EnableOpts.Force, "force", false, "replace conflicting symlinks")
	return cmd
}

func readServiceSpec(cmd *cobra.Command, path string) (*unitfile.ServiceUnitSpec, error) {
	var r io.Reader
	if path == "-" {
		r = cmd.InOrStdin()
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open spec: %w", err)
		}
		defer f.Close()
		r = f
	}

	var spec unitfile.ServiceUnitSpec
	dec := json.NewDecoder(r)
	dec.DisallowUnknownFields()
	if err := dec.Decode(&spec); err != nil {
		return nil, fmt.Errorf("failed to decode spec: %w", err)
	}
	return &spec, nil
}

func newUninstallCmd(a *app) *cobra.Command {
	opts := systemd.DefaultUninstallOptions()
	var noDisable, noReload bool

	cmd := &cobra.Command{
		Use:   "uninstall UNIT",
		Short: "Disable a unit, remove its unit file and reload",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts.Disable = !noDisable
			opts.DaemonReload = !noReload
			return a.with(cmd, func(s *session) error {
				report, err := s.UninstallUnit(args[0], opts)
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
	}
	cmd.Flags().BoolVar(&noDisable, "no-disable", false, "keep the unit enabled")
	cmd.Flags().BoolVar(&noReload, "no-reload", false, "skip the daemon reload")
	cmd.Flags().BoolVar(&opts.DisableOpts.Runtime, "runtime", false, "disable the runtime enablement only")
	return cmd
}

func newEnableCmd(a *app) *cobra.Command {
	var opts systemd.EnableOptions

	cmd := &cobra.Command{
		Use:   "enable UNIT...",
		Short: "Enable unit files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(cmd, func(s *session) error {
				report, err := s.EnableUnitFiles(args, opts)
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.Runtime, "runtime", false, "enable for this boot only")
	cmd.Flags().BoolVar(&opts.Force, "force", false, "replace conflicting symlinks")
	return cmd
}

func newDisableCmd(a *app) *cobra.Command {
	var opts systemd.DisableOptions

	cmd := &cobra.Command{
		Use:   "disable UNIT...",
		Short: "Disable unit files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(cmd, func(s *session) error {
				report, err := s.DisableUnitFiles(args, opts)
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
	}
	cmd.Flags().BoolVar(&opts.Runtime, "runtime", false, "disable the runtime enablement only")
	return cmd
}

func newWaitJobCmd(a *app) *cobra.Command {
	var kind string
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "wait-job UNIT JOB_PATH",
		Short: "Wait for a job enqueued elsewhere and print its outcome",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			k, ok := systemd.ParseJobKind(kind)
			if !ok {
				return fmt.Errorf("unknown job kind %q", kind)
			}
			return a.with(cmd, func(s *session) error {
				job, err := s.Job(args[0], args[1], k)
				if err != nil {
					return err
				}
				report := jobReport{Unit: job.Unit(), Action: k, Job: job.Path()}
				if timeout > 0 {
					report.Outcome, err = job.WaitFor(timeout)
				} else {
					report.Outcome, err = job.Wait()
				}
				if err != nil {
					return err
				}
				return printJSON(cmd, report)
			})
		},
	}
	cmd.Flags().StringVar(&kind, "kind", string(systemd.JobStart), "job kind: start, stop, restart or reload")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait (default --job-timeout)")
	return cmd
}
