// Package procfile loads the ordered list of processes procmux supervises.
//
// A process file is YAML (.yaml, .yml) or TOML (.toml) with a single
// top-level "processes" list. Unknown keys are rejected so typos surface
// before anything starts.
package procfile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"
	"time"

	"github.com/pelletier/go-toml/v2"
	"gopkg.in/yaml.v3"
)

// DefaultFile is the process file looked up when none is given.
const DefaultFile = "procmux.yaml"

// Format identifies a process file encoding.
type Format string

// Supported formats.
const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// RestartPolicy decides whether an ended process is started again.
type RestartPolicy string

// Restart policies.
const (
	RestartNever     RestartPolicy = "never"
	RestartOnFailure RestartPolicy = "on-failure"
	RestartAlways    RestartPolicy = "always"
)

// ShouldRestart reports whether an instance that ended (failed or not)
// should be started again under this policy.
func (p RestartPolicy) ShouldRestart(failed bool) bool {
	switch p {
	case RestartAlways:
		return true
	case RestartOnFailure:
		return failed
	default:
		return false
	}
}

// Spec is one validated process definition. Specs are immutable after Load.
type Spec struct {
	Name    string
	Command string
	Args    []string
	// Dir is absolute; it defaults to the directory holding the process file.
	Dir     string
	Env     map[string]string
	Restart RestartPolicy
	// BufferLines overrides the scrollback capacity when positive.
	BufferLines int
	// GracePeriod overrides the stop grace period when positive.
	GracePeriod time.Duration
	StopSignal  syscall.Signal
	PTY         bool
	Autostart   bool
	// ReadyPattern, when set, marks the process ready once a line matches.
	ReadyPattern *regexp.Regexp
	// After lists processes that must be ready before this one autostarts.
	After []string
}

// CommandLine renders the command and its arguments for display.
func (s Spec) CommandLine() string {
	if len(s.Args) == 0 {
		return s.Command
	}

	return s.Command + " " + strings.Join(s.Args, " ")
}

type document struct {
	Processes []rawSpec `yaml:"processes" toml:"processes"`
}

type rawSpec struct {
	Name         string            `yaml:"name" toml:"name"`
	Command      string            `yaml:"command" toml:"command"`
	Args         []string          `yaml:"args" toml:"args"`
	Dir          string            `yaml:"dir" toml:"dir"`
	Env          map[string]string `yaml:"env" toml:"env"`
	Restart      string            `yaml:"restart" toml:"restart"`
	BufferLines  int               `yaml:"buffer_lines" toml:"buffer_lines"`
	GracePeriod  string            `yaml:"grace_period" toml:"grace_period"`
	StopSignal   string            `yaml:"stop_signal" toml:"stop_signal"`
	PTY          bool              `yaml:"pty" toml:"pty"`
	Autostart    *bool             `yaml:"autostart" toml:"autostart"`
	ReadyPattern string            `yaml:"ready_pattern" toml:"ready_pattern"`
	After        []string          `yaml:"after" toml:"after"`
}

// ErrNotFound is returned by Load when the process file does not exist.
var ErrNotFound = errors.New("process file not found")

// Load reads, decodes and validates the process file at path.
func Load(path string) ([]Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, path)
		}

		return nil, fmt.Errorf("read process file: %w", err)
	}

	format, err := FormatFor(path)
	if err != nil {
		return nil, err
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve process file path: %w", err)
	}

	return Parse(data, format, filepath.Dir(abs))
}

// FormatFor picks the decoder from the file extension.
func FormatFor(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unsupported process file extension %q (use .yaml, .yml or .toml)", filepath.Ext(path))
	}
}

// Parse decodes data and validates it. Relative working directories are
// resolved against baseDir.
func Parse(data []byte, format Format, baseDir string) ([]Spec, error) {
	var doc document

	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)

		if err := dec.Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
			return nil, &ValidationError{Problems: []string{fmt.Sprintf("decode yaml: %v", err)}}
		}
	case FormatTOML:
		dec := toml.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()

		if err := dec.Decode(&doc); err != nil {
			return nil, &ValidationError{Problems: []string{fmt.Sprintf("decode toml: %v", err)}}
		}
	default:
		return nil, fmt.Errorf("unsupported process file format %q", format)
	}

	return build(doc.Processes, baseDir)
}
