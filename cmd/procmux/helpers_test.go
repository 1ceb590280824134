package main

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/tstat/process-muxer/internal/config"
	"github.com/tstat/process-muxer/internal/output"
)

// isolateConfig points every config and state directory at a fresh temp dir
// and clears PROCMUX_* overrides.
func isolateConfig(t *testing.T) string {
	t.Helper()

	dir := t.TempDir()
	t.Setenv("HOME", dir)
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_STATE_HOME", filepath.Join(dir, "state"))

	for _, key := range config.Keys() {
		env := "PROCMUX_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		t.Setenv(env, "")
		os.Unsetenv(env)
	}

	return dir
}

// execute runs cmd with args, writing through out.
func execute(t *testing.T, cmd *cobra.Command, out *output.Writer, args ...string) error {
	t.Helper()

	cmd.SetArgs(args)
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	cmd.SetContext(out.WithContext(t.Context()))

	return cmd.Execute()
}
