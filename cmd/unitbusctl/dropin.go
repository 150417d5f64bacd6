package main

import (
	"github.com/spf13/cobra"

	"github.com/ngenohkevin/unitbus/internal/unitfile"
)

func newDropInCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dropin",
		Short: "Manage drop-in fragments of a unit",
	}
	cmd.AddCommand(newDropInSetCmd(a), newDropInRemoveCmd(a), newDropInListCmd(a))
	return cmd
}

type dropInResult struct {
	Report                any  `json:"report"`
	DaemonReloadPerformed bool `json:"daemon_reload_performed"`
}

func newDropInSetCmd(a *app) *cobra.Command {
	var (
		env          []string
		workdir      string
		restart      string
		timeoutStart uint32
		execStart    []string
		reload       bool
	)

	cmd := &cobra.Command{
		Use:   "set UNIT NAME",
		Short: "Write the drop-in NAME.conf for UNIT",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			vars, err := parseAssignments(env)
			if err != nil {
				return err
			}
			spec := unitfile.DropInSpec{
				Unit:              args[0],
				Name:              args[1],
				Environment:       vars,
				ExecStartOverride: execStart,
			}
			if cmd.Flags().Changed("workdir") {
				spec.WorkingDirectory = &workdir
			}
			if cmd.Flags().Changed("restart") {
				spec.Restart = &restart
			}
			if cmd.Flags().Changed("timeout-start-sec") {
				spec.TimeoutStartSec = &timeoutStart
			}

			return a.with(cmd, func(s *session) error {
				report, err := s.ApplyDropIn(spec)
				if err != nil {
					return err
				}
				out := dropInResult{Report: report}
				if reload && report.RequiresDaemonReload {
					if err := s.DaemonReload(); err != nil {
						return err
					}
					out.DaemonReloadPerformed = true
				}
				return printJSON(cmd, out)
			})
		},
	}

	flags := cmd.Flags()
	flags.StringArrayVarP(&env, "env", "e", nil, "Environment= entry KEY=VALUE (repeatable)")
	flags.StringVar(&workdir, "workdir", "", "WorkingDirectory=")
	flags.StringVar(&restart, "restart", "", "Restart= policy")
	flags.Uint32Var(&timeoutStart, "timeout-start-sec", 0, "TimeoutStartSec=")
	flags.StringArrayVar(&execStart, "exec-start", nil, "replace ExecStart= with this argv (one flag per argument)")
	flags.BoolVar(&reload, "reload", false, "reload the manager when the change needs it")
	return cmd
}

func newDropInRemoveCmd(a *app) *cobra.Command {
	var reload bool

	cmd := &cobra.Command{
		Use:     "rm UNIT NAME",
		Aliases: []string{"remove"},
		Short:   "Remove the drop-in NAME.conf of UNIT",
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(cmd, func(s *session) error {
				report, err := s.RemoveDropIn(args[0], args[1])
				if err != nil {
					return err
				}
				out := dropInResult{Report: report}
				if reload && report.RequiresDaemonReload {
					if err := s.DaemonReload(); err != nil {
						return err
					}
					out.DaemonReloadPerformed = true
				}
				return printJSON(cmd, out)
			})
		},
	}
	cmd.Flags().BoolVar(&reload, "reload", false, "reload the manager when the change needs it")
	return cmd
}

func newDropInListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:     "ls UNIT",
		Aliases: []string{"list"},
		Short:   "List the drop-ins of UNIT",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.with(cmd, func(s *session) error {
				files, err := s.ListDropIns(args[0])
				if err != nil {
					return err
				}
				return printJSON(cmd, files)
			})
		},
	}
}
