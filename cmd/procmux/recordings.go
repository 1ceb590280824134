package main

import (
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tstat/process-muxer/internal/ansi"
	"github.com/tstat/process-muxer/internal/output"
	"github.com/tstat/process-muxer/internal/recorder"
)

func newRecordingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "recordings",
		Short: "Inspect sessions recorded with run --record-dir",
		Long:  `List and replay the event recordings written by 'procmux run --record-dir'.`,
	}

	cmd.AddCommand(newRecordingsListCmd())
	cmd.AddCommand(newRecordingsViewCmd())

	return cmd
}

func newRecordingsListCmd() *cobra.Command {
	var dir string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded sessions",
		Long:  `List the recorded sessions in a recordings directory, newest first.`,
		Example: `  procmux recordings list --dir ./recordings
  procmux recordings list --json`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())

			sessions, err := recorder.ListSessions(dir)
			if err != nil {
				return err
			}

			if out.JSON {
				return out.PrintJSON(sessions)
			}

			if len(sessions) == 0 {
				out.Muted("No recorded sessions found.")
				return nil
			}

			rows := [][]string{{"SESSION", "STARTED", "CLOSED", "PROCESSES"}}
			for _, s := range sessions {
				closed := "open"
				if s.ClosedAt != nil {
					closed = s.ClosedAt.Format(time.RFC3339)
				}

				rows = append(rows, []string{
					s.SessionID,
					s.StartedAt.Format(time.RFC3339),
					closed,
					strings.Join(s.Processes, ","),
				})
			}

			out.Table(rows)

			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Recordings directory (default: state dir)")

	return cmd
}

type viewRecord struct {
	process string
	recorder.Record
}

func newRecordingsViewCmd() *cobra.Command {
	var (
		dir    string
		search string
		raw    bool
	)

	cmd := &cobra.Command{
		Use:   "view <session-id> [process...]",
		Short: "Replay the events of a recorded session",
		Long: `Print the recorded output and state changes of a session in the order they
happened. Name processes to show only those.`,
		Example: `  procmux recordings view 3f1c9a7e-... --dir ./recordings
  procmux recordings view 3f1c9a7e-... api --search error`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())
			sessionID, names := args[0], args[1:]

			if len(names) == 0 {
				var err error

				names, err = recorder.RecordedProcesses(dir, sessionID)
				if err != nil {
					return err
				}
			}

			var records []viewRecord

			for _, name := range names {
				recs, err := recorder.ReadRecords(dir, sessionID, name)
				if err != nil {
					return err
				}

				for _, rec := range recs {
					records = append(records, viewRecord{process: name, Record: rec})
				}
			}

			sort.SliceStable(records, func(i, j int) bool {
				return records[i].Seq < records[j].Seq
			})

			width := 0
			for _, name := range names {
				width = max(width, len(name))
			}

			for _, rec := range records {
				line, ok := formatRecord(rec, raw)
				if !ok {
					continue
				}

				if search != "" && !strings.Contains(strings.ToLower(line), strings.ToLower(search)) {
					continue
				}

				prefix := "[" + rec.process + "]" + strings.Repeat(" ", width-len(rec.process)) + " "
				out.Print("%s%s\n", prefix, line)
			}

			return nil
		},
	}

	cmd.Flags().StringVar(&dir, "dir", "", "Recordings directory (default: state dir)")
	cmd.Flags().StringVar(&search, "search", "", "Show only lines containing this substring")
	cmd.Flags().BoolVar(&raw, "raw", false, "Keep ANSI escape sequences in output lines")

	return cmd
}

func formatRecord(rec viewRecord, raw bool) (string, bool) {
	switch rec.Kind {
	case "output":
		if raw {
			return rec.Text, true
		}

		return ansi.Strip(rec.Text), true
	case "state":
		return "-- " + rec.Detail, true
	case "command":
		if rec.Error != "" {
			return "-- " + rec.Command + " failed: " + rec.Error, true
		}

		return "-- " + rec.Command, true
	default:
		return "", false
	}
}
