// Package executor defines the port for running a rendered command with a
// timeout and capturing its output.
package executor

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/Strob0t/toolgate/internal/domain/tool"
)

// Exit codes synthesized by executors.
const (
	ExitTimeout       = 124
	ExitLaunchFailure = 1
)

// Spec is everything an executor needs to run one command.
type Spec struct {
	RunID   string
	Command []string
	Cwd     string
	Env     []string
	Timeout time.Duration
	Stdout  io.Writer
	Stderr  io.Writer
}

// Executor runs a command. It never returns an error for a command that
// ran and failed; those are exit codes. Timeouts yield ExitTimeout and
// launch failures ExitLaunchFailure, each with a line appended to Stderr.
type Executor interface {
	Run(ctx context.Context, spec Spec) (exitCode int, err error)
}

// Registry selects an executor by kind.
type Registry map[tool.ExecutorKind]Executor

// For returns the executor for kind, falling back to sandboxed.
func (r Registry) For(kind tool.ExecutorKind) (Executor, error) {
	if kind == "" {
		kind = tool.ExecutorSandboxed
	}
	if e, ok := r[kind]; ok {
		return e, nil
	}
	return nil, fmt.Errorf("no executor registered for kind %q", kind)
}

// TimeoutMessage is the line appended to stderr when a command times out.
func TimeoutMessage(d time.Duration) string {
	return fmt.Sprintf("\nERROR: command timed out after %ds\n", int(d.Seconds()))
}

// LaunchFailureMessage is the line appended to stderr when a command cannot start.
func LaunchFailureMessage(err error) string {
	return fmt.Sprintf("\nERROR: %v\n", err)
}
