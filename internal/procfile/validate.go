package procfile

import (
	"fmt"
	"path/filepath"
	"regexp"
	"slices"
	"strings"
	"syscall"
	"time"
)

// ValidationError lists every problem found in a process file.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	if len(e.Problems) == 1 {
		return "invalid process file: " + e.Problems[0]
	}

	return fmt.Sprintf("invalid process file (%d problems): %s", len(e.Problems), strings.Join(e.Problems, "; "))
}

// DuplicateError reports a process name defined more than once.
type DuplicateError struct {
	Name string
}

func (e *DuplicateError) Error() string {
	return fmt.Sprintf("duplicate process name %q", e.Name)
}

var stopSignals = map[string]syscall.Signal{
	"TERM": syscall.SIGTERM,
	"INT":  syscall.SIGINT,
	"HUP":  syscall.SIGHUP,
	"QUIT": syscall.SIGQUIT,
}

// ParseSignal accepts TERM, INT, HUP or QUIT with or without the SIG prefix.
func ParseSignal(name string) (syscall.Signal, error) {
	key := strings.TrimPrefix(strings.ToUpper(strings.TrimSpace(name)), "SIG")
	if key == "" {
		return syscall.SIGTERM, nil
	}

	sig, ok := stopSignals[key]
	if !ok {
		return 0, fmt.Errorf("unsupported stop signal %q (use TERM, INT, HUP or QUIT)", name)
	}

	return sig, nil
}

func build(raw []rawSpec, baseDir string) ([]Spec, error) {
	if len(raw) == 0 {
		return nil, &ValidationError{Problems: []string{"no processes defined"}}
	}

	var problems []string

	specs := make([]Spec, 0, len(raw))
	seen := make(map[string]bool, len(raw))

	for i, r := range raw {
		label := r.Name
		if label == "" {
			label = fmt.Sprintf("#%d", i+1)
		}

		spec, errs := buildOne(r, baseDir)
		for _, err := range errs {
			problems = append(problems, fmt.Sprintf("process %s: %s", label, err))
		}

		if r.Name != "" && seen[r.Name] {
			return nil, &DuplicateError{Name: r.Name}
		}

		seen[r.Name] = true
		specs = append(specs, spec)
	}

	problems = append(problems, checkAfter(specs)...)

	if len(problems) > 0 {
		return nil, &ValidationError{Problems: problems}
	}

	return specs, nil
}

func buildOne(r rawSpec, baseDir string) (Spec, []string) {
	var problems []string

	spec := Spec{
		Name:        r.Name,
		Command:     strings.TrimSpace(r.Command),
		Args:        slices.Clone(r.Args),
		Env:         r.Env,
		BufferLines: r.BufferLines,
		PTY:         r.PTY,
		Autostart:   r.Autostart == nil || *r.Autostart,
		After:       slices.Clone(r.After),
	}

	switch {
	case r.Name == "":
		problems = append(problems, "name is required")
	case strings.ContainsAny(r.Name, " \t\r\n/"):
		problems = append(problems, "name must not contain whitespace or '/'")
	}

	if spec.Command == "" {
		problems = append(problems, "command is required")
	}

	spec.Dir = baseDir
	if r.Dir != "" {
		spec.Dir = r.Dir
		if !filepath.IsAbs(r.Dir) {
			spec.Dir = filepath.Join(baseDir, r.Dir)
		}
	}

	switch policy := RestartPolicy(strings.ToLower(r.Restart)); policy {
	case "":
		spec.Restart = RestartNever
	case RestartNever, RestartOnFailure, RestartAlways:
		spec.Restart = policy
	default:
		problems = append(problems, fmt.Sprintf("restart must be never, on-failure or always, got %q", r.Restart))
	}

	if r.BufferLines < 0 {
		problems = append(problems, "buffer_lines must not be negative")
	}

	if r.GracePeriod != "" {
		d, err := time.ParseDuration(r.GracePeriod)

		switch {
		case err != nil:
			problems = append(problems, fmt.Sprintf("grace_period: %v", err))
		case d <= 0:
			problems = append(problems, "grace_period must be positive")
		default:
			spec.GracePeriod = d
		}
	}

	sig, err := ParseSignal(r.StopSignal)
	if err != nil {
		problems = append(problems, err.Error())
	}

	spec.StopSignal = sig

	if r.ReadyPattern != "" {
		re, err := regexp.Compile(r.ReadyPattern)
		if err != nil {
			problems = append(problems, fmt.Sprintf("ready_pattern: %v", err))
		}

		spec.ReadyPattern = re
	}

	for k := range r.Env {
		if k == "" || strings.Contains(k, "=") {
			problems = append(problems, fmt.Sprintf("env key %q is invalid", k))
		}
	}

	return spec, problems
}

// checkAfter verifies dependency references and rejects cycles. An
// autostart process may only wait on processes that autostart too.
func checkAfter(specs []Spec) []string {
	var problems []string

	index := make(map[string]int, len(specs))
	for i, s := range specs {
		index[s.Name] = i
	}

	for _, s := range specs {
		for _, dep := range s.After {
			switch {
			case dep == s.Name:
				problems = append(problems, fmt.Sprintf("process %s: cannot start after itself", s.Name))
			case !hasKey(index, dep):
				problems = append(problems, fmt.Sprintf("process %s: after references unknown process %q", s.Name, dep))
			case s.Autostart && !specs[index[dep]].Autostart:
				problems = append(problems, fmt.Sprintf("process %s: starts after %s, which has autostart disabled", s.Name, dep))
			}
		}
	}

	if len(problems) > 0 {
		return problems
	}

	const (
		unvisited = iota
		visiting
		visited
	)

	marks := make([]int, len(specs))

	var visit func(i int, path []string) []string
	visit = func(i int, path []string) []string {
		switch marks[i] {
		case visiting:
			return append(path, specs[i].Name)
		case visited:
			return nil
		}

		marks[i] = visiting
		for _, dep := range specs[i].After {
			if cycle := visit(index[dep], append(path, specs[i].Name)); cycle != nil {
				return cycle
			}
		}
		marks[i] = visited

		return nil
	}

	for i := range specs {
		if cycle := visit(i, nil); cycle != nil {
			return []string{"dependency cycle: " + strings.Join(cycle, " -> ")}
		}
	}

	return nil
}

func hasKey(m map[string]int, k string) bool {
	_, ok := m[k]
	return ok
}

// Select keeps the specs named in names, in file order. Dependencies listed
// in After that were not selected are dropped from the copies.
func Select(specs []Spec, names []string) ([]Spec, error) {
	if len(names) == 0 {
		return specs, nil
	}

	want := make(map[string]bool, len(names))
	for _, n := range names {
		want[n] = true
	}

	var out []Spec

	for _, s := range specs {
		if !want[s.Name] {
			continue
		}

		delete(want, s.Name)

		s.After = slices.DeleteFunc(slices.Clone(s.After), func(dep string) bool {
			return !slices.Contains(names, dep)
		})
		out = append(out, s)
	}

	if len(want) > 0 {
		missing := make([]string, 0, len(want))
		for n := range want {
			missing = append(missing, n)
		}

		slices.Sort(missing)

		return nil, fmt.Errorf("unknown process(es): %s", strings.Join(missing, ", "))
	}

	return out, nil
}
