package main

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
	"github.com/ngenohkevin/unitbus/internal/systemd"
)

var interfaces = map[string]string{
	"unit":    systemd.UnitInterface,
	"service": systemd.ServiceInterface,
	"socket":  systemd.SocketInterface,
	"timer":   systemd.TimerInterface,
}

func newStatusCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "status UNIT",
		Short: "Show the status of a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(cmd, func(s *session) error {
				status, err := s.Status(args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, status)
			})
		},
	}
}

func newPropsCmd(a *app) *cobra.Command {
	var iface string
	var byPath bool

	cmd := &cobra.Command{
		Use:   "props UNIT|PATH",
		Short: "Dump the raw D-Bus properties of a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, ok := interfaces[strings.ToLower(iface)]
			if !ok {
				return fmt.Errorf("unknown interface %q (want unit, service, socket or timer)", iface)
			}
			return a.with(cmd, func(s *session) error {
				var props systemd.Properties
				var err error
				if byPath {
					props, err = s.PropertiesByPath(args[0], name)
				} else {
					props, err = s.Properties(args[0], name)
				}
				if err != nil {
					return err
				}
				return printJSON(cmd, props)
			})
		},
	}
	cmd.Flags().StringVarP(&iface, "interface", "i", "unit", "property interface: unit, service, socket or timer")
	cmd.Flags().BoolVar(&byPath, "path", false, "treat the argument as a unit object path")
	return cmd
}

func newListCmd(a *app) *cobra.Command {
	var states []string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List loaded units",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(cmd, func(s *session) error {
				var units []systemd.UnitListEntry
				var err error
				if len(states) == 0 {
					units, err = s.ListUnits()
				} else {
					units, err = s.ListUnitsFiltered(states)
				}
				if err != nil {
					return err
				}
				return printJSON(cmd, units)
			})
		},
	}
	cmd.Flags().StringSliceVar(&states, "state", nil, "only units in these states (active, failed, ...)")
	return cmd
}

type jobReport struct {
	Unit    string              `json:"unit"`
	Action  systemd.JobKind     `json:"action"`
	Job     string              `json:"job"`
	Mode    systemd.StartMode   `json:"mode,omitempty"`
	Outcome *systemd.JobOutcome `json:"outcome,omitempty"`
}

// newJobCmd builds start, stop, restart and reload. A job that does not
// succeed makes the command fail after the report is printed.
func newJobCmd(a *app, kind systemd.JobKind) *cobra.Command {
	var mode string
	var timeout time.Duration
	var noWait bool

	cmd := &cobra.Command{
		Use:   string(kind) + " UNIT",
		Short: fmt.Sprintf("Enqueue a %s job and wait for the unit to settle", kind),
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := systemd.ParseStartMode(mode)
			if err != nil {
				return err
			}
			return a.with(cmd, func(s *session) error {
				job, err := s.Enqueue(kind, args[0], m)
				if err != nil {
					return err
				}
				report := jobReport{Unit: job.Unit(), Action: kind, Job: job.Path(), Mode: m}
				if noWait {
					return printJSON(cmd, report)
				}

				if timeout > 0 {
					report.Outcome, err = job.WaitFor(timeout)
				} else {
					report.Outcome, err = job.Wait()
				}
				if err != nil {
					return err
				}
				if err := printJSON(cmd, report); err != nil {
					return err
				}
				if !report.Outcome.Succeeded() {
					return fmt.Errorf("%s %s: %s", kind, report.Unit, report.Outcome.Kind)
				}
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&mode, "mode", string(systemd.ModeReplace), "job mode (replace, fail, isolate, ...)")
	cmd.Flags().DurationVar(&timeout, "timeout", 0, "how long to wait for the job (default --job-timeout)")
	cmd.Flags().BoolVar(&noWait, "no-wait", false, "print the job and return without waiting")
	return cmd
}

func newDiagnoseCmd(a *app) *cobra.Command {
	opts := systemd.DefaultDiagnosisOptions()

	cmd := &cobra.Command{
		Use:   "diagnose UNIT",
		Short: "Collect status and recent logs of a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(cmd, func(s *session) error {
				d, err := s.Diagnose(args[0], opts)
				if err != nil {
					return err
				}
				return printJSON(cmd, d)
			})
		},
	}
	cmd.Flags().DurationVar(&opts.WindowBefore, "before", opts.WindowBefore, "log window before the last state change")
	cmd.Flags().DurationVar(&opts.WindowAfter, "after", opts.WindowAfter, "log window after the last state change")
	cmd.Flags().IntVar(&opts.Limit, "limit", opts.Limit, "maximum number of log entries")
	cmd.Flags().BoolVar(&opts.MainProcess, "main-process", opts.MainProcess, "include the main process snapshot")
	return cmd
}

func newWatchCmd(a *app) *cobra.Command {
	var count int
	var wait time.Duration
	var noDiagnosis bool

	cmd := &cobra.Command{
		Use:   "watch UNIT",
		Short: "Print an event each time a unit fails",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := systemd.DefaultObserveOptions()
			opts.IncludeDiagnosis = !noDiagnosis

			return a.with(cmd, func(s *session) error {
				w, err := s.WatchUnitFailure(args[0], opts)
				if err != nil {
					return err
				}
				defer w.Close()

				for seen := 0; count <= 0 || seen < count; seen++ {
					ev, err := w.Next(wait)
					if apperrors.IsKind(err, apperrors.KindTimeout) || errors.Is(err, io.EOF) {
						return nil
					}
					if err != nil {
						return err
					}
					if err := printJSON(cmd, ev); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&count, "count", 0, "stop after this many events (0 means no limit)")
	cmd.Flags().DurationVar(&wait, "wait", 0, "stop when no failure arrives within this long (0 waits forever)")
	cmd.Flags().BoolVar(&noDiagnosis, "no-diagnosis", false, "do not attach a diagnosis to events")
	return cmd
}

func newCapsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "caps",
		Short: "Report what this process may do",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(cmd, func(s *session) error {
				caps, err := s.Capabilities()
				if err != nil {
					return err
				}
				return printJSON(cmd, caps)
			})
		},
	}
}

func newManagerCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "manager",
		Short: "Show systemd manager information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(cmd, func(s *session) error {
				info, err := s.ManagerInfo()
				if err != nil {
					return err
				}
				return printJSON(cmd, info)
			})
		},
	}
}

func newDaemonReloadCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon-reload",
		Short: "Reload the systemd manager configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(cmd, func(s *session) error {
				if err := s.DaemonReload(); err != nil {
					return err
				}
				return printJSON(cmd, map[string]bool{"reloaded": true})
			})
		},
	}
}
