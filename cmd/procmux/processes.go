package main

import (
	"errors"
	"slices"
	"strings"

	"github.com/tstat/process-muxer/internal/config"
	clierrors "github.com/tstat/process-muxer/internal/errors"
	"github.com/tstat/process-muxer/internal/procfile"
)

// resolveProcessFile returns the -f value, or the configured default.
func resolveProcessFile(cfg *config.Config, flagValue string) string {
	if path := strings.TrimSpace(flagValue); path != "" {
		return path
	}

	if path := strings.TrimSpace(cfg.ProcessFile()); path != "" {
		return path
	}

	return procfile.DefaultFile
}

// loadProcessFile loads path and maps loader failures onto CLI errors.
func loadProcessFile(path string) ([]procfile.Spec, error) {
	specs, err := procfile.Load(path)
	if err == nil {
		return specs, nil
	}

	var (
		dup     *procfile.DuplicateError
		invalid *procfile.ValidationError
	)

	switch {
	case errors.Is(err, procfile.ErrNotFound):
		return nil, clierrors.ProcessFileNotFound(path)
	case errors.As(err, &dup):
		return nil, clierrors.DuplicateProcess(dup.Name)
	case errors.As(err, &invalid) && slices.Equal(invalid.Problems, []string{"no processes defined"}):
		return nil, clierrors.NoProcesses(path)
	default:
		return nil, clierrors.ProcessFileInvalid(path, err)
	}
}

// selectProcesses narrows specs to the names given with --only.
func selectProcesses(specs []procfile.Spec, only []string) ([]procfile.Spec, error) {
	names := make([]string, 0, len(only))

	for _, n := range only {
		if n = strings.TrimSpace(n); n != "" {
			names = append(names, n)
		}
	}

	if len(names) == 0 {
		return specs, nil
	}

	known := make([]string, 0, len(specs))
	for _, s := range specs {
		known = append(known, s.Name)
	}

	for _, n := range names {
		if !slices.Contains(known, n) {
			return nil, clierrors.UnknownProcess(n, known)
		}
	}

	selected, err := procfile.Select(specs, names)
	if err != nil {
		return nil, clierrors.Wrap(clierrors.ExitUsage, "Failed to select processes", err)
	}

	return selected, nil
}
