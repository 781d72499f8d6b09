// Package system provides abstractions for OS process execution to enable testing.
package system

import (
	"context"
	"io"
)

// Output holds the separated output of a finished command.
type Output struct {
	Stdout   []byte
	Stderr   []byte
	ExitCode int
}

// CommandExecutor abstracts command execution for testability.
type CommandExecutor interface {
	// Execute runs a command and returns its combined output.
	Execute(ctx context.Context, name string, args ...string) ([]byte, error)

	// Run runs a command with the given stdin (may be nil) and returns its
	// separated output. A non-zero exit is reported in Output.ExitCode, not
	// as an error; err is only set when the command could not be run.
	Run(ctx context.Context, stdin io.Reader, name string, args ...string) (*Output, error)
}

var defaultExecutor CommandExecutor = &osExecutor{}

// DefaultExecutor returns the default CommandExecutor implementation.
func DefaultExecutor() CommandExecutor {
	return defaultExecutor
}

// SetDefaultExecutor sets the default CommandExecutor (useful for testing).
func SetDefaultExecutor(exec CommandExecutor) {
	defaultExecutor = exec
}

// ResetDefaults restores the default OS implementation.
func ResetDefaults() {
	defaultExecutor = &osExecutor{}
}

// OSExecutor returns a CommandExecutor that always runs real processes,
// regardless of the current default.
func OSExecutor() CommandExecutor {
	return &osExecutor{}
}
