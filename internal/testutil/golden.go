// Package testutil provides golden-file assertions for procmux tests.
package testutil

import (
	"flag"
	"os"
	"path/filepath"
	"testing"

	"github.com/tstat/process-muxer/internal/ansi"
)

// update rewrites golden files instead of comparing: go test ./... -update
var update = flag.Bool("update", false, "update golden files")

// Normalizer rewrites output before it is compared or stored.
type Normalizer func(string) string

// StripANSI removes escape sequences, so colored output can be checked
// against the golden file of its plain rendering.
func StripANSI(s string) string {
	return ansi.Strip(s)
}

// AssertGolden compares got, after applying normalizers in order, with
// testdata/goldenFile. With -update it writes the file instead.
func AssertGolden(t testing.TB, got, goldenFile string, normalizers ...Normalizer) {
	t.Helper()

	for _, n := range normalizers {
		got = n(got)
	}

	goldenPath := filepath.Join("testdata", goldenFile)

	if *update {
		if err := os.MkdirAll(filepath.Dir(goldenPath), 0o755); err != nil {
			t.Fatalf("create testdata directory: %v", err)
			return
		}

		if err := os.WriteFile(goldenPath, []byte(got), 0o644); err != nil {
			t.Fatalf("update golden file %s: %v", goldenPath, err)
			return
		}

		t.Logf("updated golden file: %s", goldenPath)

		return
	}

	want, err := os.ReadFile(goldenPath)
	if err != nil {
		if os.IsNotExist(err) {
			t.Fatalf("golden file %s does not exist; run with -update to create it", goldenPath)
			return
		}

		t.Fatalf("read golden file %s: %v", goldenPath, err)

		return
	}

	if got != string(want) {
		t.Errorf("output mismatch for %s\n\ngot:\n%s\n\nwant:\n%s\n\nrun with -update to refresh golden files", goldenPath, got, string(want))
	}
}
