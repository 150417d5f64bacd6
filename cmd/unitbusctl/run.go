package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/ngenohkevin/unitbus/internal/blocking"
	"github.com/ngenohkevin/unitbus/internal/tasks"
)

type taskReport struct {
	Unit      string        `json:"unit"`
	Preset    string        `json:"preset,omitempty"`
	Succeeded bool          `json:"succeeded"`
	Result    *tasks.Result `json:"result,omitempty"`
}

func newRunCmd(a *app) *cobra.Command {
	var (
		env     []string
		workdir string
		name    string
		timeout time.Duration
		wait    time.Duration
		noWait  bool
		confirm bool
	)

	cmd := &cobra.Command{
		Use:   "run PRESET | run [flags] -- COMMAND [ARG...]",
		Short: "Run a task preset or a command as a transient unit",
		Example: `  unitbusctl run disk-usage
  unitbusctl run --timeout 2m --env LANG=C -- /usr/bin/du -sh /var/log`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dash := cmd.ArgsLenAtDash()
			if dash > 0 {
				return fmt.Errorf("unexpected arguments before --: %v", args[:dash])
			}
			adhoc := dash == 0

			var spec tasks.Spec
			if adhoc {
				vars, err := parseAssignments(env)
				if err != nil {
					return err
				}
				spec = tasks.Spec{Argv: args, Env: vars, Timeout: timeout, NameHint: name}
				if workdir != "" {
					spec.WorkingDirectory = &workdir
				}
			} else if len(args) != 1 {
				return fmt.Errorf("expected one preset name, or a command after --")
			}

			return a.with(cmd, func(s *session) error {
				var task *blocking.Task
				var err error
				report := taskReport{}

				if adhoc {
					task, err = s.RunTask(spec)
				} else {
					preset, getErr := s.runner.Get(args[0])
					if getErr != nil {
						return getErr
					}
					if preset.Dangerous && !confirm {
						return fmt.Errorf("task %q is dangerous, pass --confirm to run it", preset.Name)
					}
					report.Preset = preset.Name
					task, err = s.RunPreset(preset.Name)
				}
				if err != nil {
					return err
				}
				report.Unit = task.Unit()
				if noWait {
					return printJSON(cmd, report)
				}

				if wait > 0 {
					report.Result, err = task.WaitFor(wait)
				} else {
					report.Result, err = task.Wait()
				}
				if err != nil {
					return err
				}
				report.Succeeded = report.Result.Succeeded()
				if err := printJSON(cmd, report); err != nil {
					return err
				}
				if !report.Succeeded {
					return fmt.Errorf("task %s did not succeed", report.Unit)
				}
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVarP(&env, "env", "e", nil, "environment variable KEY=VALUE (repeatable)")
	flags.StringVar(&workdir, "workdir", "", "working directory of the command")
	flags.StringVar(&name, "name", "", "hint used in the transient unit name")
	flags.DurationVar(&timeout, "timeout", tasks.DefaultPresetTimeout, "runtime limit of the command")
	flags.DurationVar(&wait, "wait", 0, "how long to wait for the result (default: the task timeout plus a grace period)")
	flags.BoolVar(&noWait, "no-wait", false, "print the unit name and return without waiting")
	flags.BoolVar(&confirm, "confirm", false, "allow presets marked dangerous")
	return cmd
}

func newTasksCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "tasks",
		Short: "List task presets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(cmd, func(s *session) error {
				return printJSON(cmd, s.runner.List())
			})
		},
	}
}
