// Package errors provides structured CLI error types for procmux.
//
// CLIError wraps errors with user-facing messages, hints, and exit codes
// to provide consistent, actionable error output across all commands.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// Exit codes for CLI errors.
const (
	ExitSuccess        = 0  // Successful execution
	ExitGeneral        = 1  // General error
	ExitShutdownForced = 3  // A process had to be killed during shutdown
	ExitConfig         = 4  // Configuration or process file error
	ExitUsage          = 64 // Command line usage error (BSD convention)
)

// CLIError represents a user-facing CLI error with actionable guidance.
type CLIError struct {
	// Message is the primary error message shown to the user.
	Message string

	// Hint provides actionable guidance on how to fix the error.
	Hint string

	// Cause is the underlying error, if any.
	Cause error

	// Code is the exit code for the CLI.
	Code int
}

// Error implements the error interface.
func (e *CLIError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}

	return e.Message
}

// Unwrap returns the underlying cause for errors.Is/As support.
func (e *CLIError) Unwrap() error {
	return e.Cause
}

// New creates a new CLIError with the given message and exit code.
func New(code int, message string) *CLIError {
	return &CLIError{
		Message: message,
		Code:    code,
	}
}

// Wrap wraps an existing error with a CLIError.
func Wrap(code int, message string, cause error) *CLIError {
	return &CLIError{
		Message: message,
		Cause:   cause,
		Code:    code,
	}
}

// WithHint adds a hint to the error.
func (e *CLIError) WithHint(hint string) *CLIError {
	e.Hint = hint
	return e
}

// As is a convenience function for errors.As with CLIError.
func As(err error, target **CLIError) bool {
	return errors.As(err, target)
}

// --- Common error constructors ---

// ProcessFileNotFound returns an error for a missing process file.
func ProcessFileNotFound(path string) *CLIError {
	return &CLIError{
		Message: fmt.Sprintf("Process file not found: %s", path),
		Hint:    "Create procmux.yaml in the current directory or pass one with -f",
		Code:    ExitConfig,
	}
}

// ProcessFileInvalid returns an error for a process file that failed to
// parse or validate.
func ProcessFileInvalid(path string, cause error) *CLIError {
	return &CLIError{
		Message: fmt.Sprintf("Invalid process file: %s", path),
		Hint:    "Run 'procmux check' to list every problem in the file",
		Cause:   cause,
		Code:    ExitConfig,
	}
}

// DuplicateProcess returns an error for a process name defined twice.
func DuplicateProcess(name string) *CLIError {
	return &CLIError{
		Message: fmt.Sprintf("Duplicate process name: %s", name),
		Hint:    "Every process in the file needs a unique name",
		Code:    ExitConfig,
	}
}

// UnknownProcess returns an error for a process name that is not in the
// process file.
func UnknownProcess(name string, known []string) *CLIError {
	hint := "The process file defines no processes"
	if len(known) > 0 {
		hint = fmt.Sprintf("Known processes: %s", strings.Join(known, ", "))
	}

	return &CLIError{
		Message: fmt.Sprintf("Unknown process: %s", name),
		Hint:    hint,
		Code:    ExitUsage,
	}
}

// NoProcesses returns an error for a process file with nothing to run.
func NoProcesses(path string) *CLIError {
	return &CLIError{
		Message: fmt.Sprintf("No processes defined in %s", path),
		Hint:    "Add at least one entry under 'processes'",
		Code:    ExitConfig,
	}
}

// TerminalRequired returns an error when the interactive UI cannot start.
func TerminalRequired(cause error) *CLIError {
	return &CLIError{
		Message: "Interactive mode requires a terminal",
		Hint:    "Use --plain to print prefixed output instead",
		Cause:   cause,
		Code:    ExitUsage,
	}
}

// ConfigFailed returns an error for configuration save failures.
func ConfigFailed(operation string, cause error) *CLIError {
	return &CLIError{
		Message: fmt.Sprintf("Failed to %s", operation),
		Hint:    "Check file permissions for your procmux config directory",
		Cause:   cause,
		Code:    ExitConfig,
	}
}

// UnknownConfigKey returns an error for a configuration key procmux does
// not understand.
func UnknownConfigKey(key string) *CLIError {
	return &CLIError{
		Message: fmt.Sprintf("Unknown config key: %s", key),
		Hint:    "Run 'procmux config list' to see available keys",
		Code:    ExitUsage,
	}
}

// ShutdownForced reports processes that ignored their stop signal and had
// to be killed.
func ShutdownForced(names []string) *CLIError {
	return &CLIError{
		Message: fmt.Sprintf("Killed after grace period: %s", strings.Join(names, ", ")),
		Hint:    "Raise grace_period for these processes or make them exit on their stop signal",
		Code:    ExitShutdownForced,
	}
}
