package main

import (
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	apperrors "github.com/ngenohkevin/unitbus/internal/errors"
	"github.com/ngenohkevin/unitbus/internal/journal"
	"github.com/ngenohkevin/unitbus/internal/unitname"
)

func newLogsCmd(a *app) *cobra.Command {
	filter := journal.DefaultFilter()
	var since, until string
	var skip int

	cmd := &cobra.Command{
		Use:   "logs [UNIT]",
		Short: "Read journal entries, optionally for one unit",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f := filter
			if len(args) == 1 {
				name, err := unitname.Canonicalize(args[0])
				if err != nil {
					return err
				}
				f.Unit = name
			}

			now := time.Now()
			var err error
			if f.Since, err = parseTime(since, now); err != nil {
				return err
			}
			if f.Until, err = parseTime(until, now); err != nil {
				return err
			}
			if cmd.Flags().Changed("skip") {
				f.ParseErrors = journal.SkipUpTo(skip)
			}
			if err := f.Validate(); err != nil {
				return err
			}

			return a.with(cmd, func(s *session) error {
				result, err := s.Journal(f)
				if err != nil {
					return err
				}
				return printJSON(cmd, result)
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&since, "since", "", "start time: RFC 3339, unix seconds, or a duration ago (10m)")
	flags.StringVar(&until, "until", "", "end time, same forms as --since")
	flags.StringVar(&filter.AfterCursor, "cursor", "", "resume after this journal cursor")
	flags.IntVarP(&filter.Limit, "limit", "n", filter.Limit, "maximum number of entries")
	flags.IntVar(&filter.MaxBytes, "max-bytes", filter.MaxBytes, "maximum bytes read from the journal")
	flags.IntVar(&filter.MaxMessageBytes, "max-message-bytes", filter.MaxMessageBytes, "truncate messages longer than this")
	flags.DurationVar(&filter.Timeout, "timeout", 0, "journal query timeout")
	flags.IntVar(&skip, "skip", 0, "tolerate up to this many malformed records")
	return cmd
}

// parseTime accepts RFC 3339, unix seconds, or a duration meaning "that long
// before now". The empty string is the zero time.
func parseTime(raw string, now time.Time) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return time.Time{}, nil
	}
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	if d, err := time.ParseDuration(raw); err == nil && d > 0 {
		return now.Add(-d), nil
	}
	secs, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || secs < 0 {
		return time.Time{}, apperrors.InvalidInput("invalid time %q", raw)
	}
	return time.Unix(secs, 0), nil
}
