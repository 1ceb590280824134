package main

import (
	"errors"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tstat/process-muxer/internal/config"
	clierrors "github.com/tstat/process-muxer/internal/errors"
	"github.com/tstat/process-muxer/internal/output"
	"github.com/tstat/process-muxer/internal/procfile"
)

// ProcessInfo is one process of a checked file, for JSON output.
type ProcessInfo struct {
	Name      string   `json:"name"`
	Command   string   `json:"command"`
	Dir       string   `json:"dir"`
	Restart   string   `json:"restart"`
	PTY       bool     `json:"pty"`
	Autostart bool     `json:"autostart"`
	After     []string `json:"after,omitempty"`
}

// CheckResult is the JSON form of procmux check.
type CheckResult struct {
	File      string        `json:"file"`
	Processes []ProcessInfo `json:"processes"`
}

func newCheckCmd() *cobra.Command {
	var file string

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate the process file and list its processes",
		Long: `Load the process file, report every problem found in it and list the
processes procmux would run. Nothing is started.`,
		Example: `  procmux check
  procmux check -f dev.toml --json`,
		Args: noArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			out := output.FromContext(cmd.Context())
			path := resolveProcessFile(config.Load(), file)

			specs, err := loadProcessFile(path)
			if err != nil {
				var invalid *procfile.ValidationError
				if errors.As(err, &invalid) {
					for _, problem := range invalid.Problems {
						out.Failure("%s", problem)
					}

					return clierrors.New(clierrors.ExitConfig, "Invalid process file: "+path).
						WithHint("Fix the problems listed above")
				}

				return err
			}

			result := CheckResult{File: path, Processes: make([]ProcessInfo, 0, len(specs))}
			for _, s := range specs {
				result.Processes = append(result.Processes, ProcessInfo{
					Name:      s.Name,
					Command:   s.CommandLine(),
					Dir:       s.Dir,
					Restart:   string(s.Restart),
					PTY:       s.PTY,
					Autostart: s.Autostart,
					After:     s.After,
				})
			}

			if out.JSON {
				return out.PrintJSON(result)
			}

			out.Success("%s is valid (%d processes)", path, len(specs))
			out.Println()
			out.Table(checkTable(result.Processes))

			return nil
		},
	}

	cmd.Flags().StringVarP(&file, "file", "f", "", "Process file (default: procmux.yaml)")

	return cmd
}

func checkTable(processes []ProcessInfo) [][]string {
	rows := [][]string{{"NAME", "COMMAND", "RESTART", "PTY", "AUTOSTART", "AFTER"}}

	for _, p := range processes {
		after := "-"
		if len(p.After) > 0 {
			after = strings.Join(p.After, ",")
		}

		rows = append(rows, []string{
			p.Name,
			p.Command,
			p.Restart,
			strconv.FormatBool(p.PTY),
			strconv.FormatBool(p.Autostart),
			after,
		})
	}

	return rows
}
