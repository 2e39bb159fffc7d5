// Package executor provides the host and sandboxed implementations of the
// executor port.
package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	port "github.com/Strob0t/toolgate/internal/port/executor"
)

// waitDelay bounds how long we wait for output pipes after a kill.
const waitDelay = 5 * time.Second

// runProcess starts name/args under spec's timeout and maps the outcome to
// an exit code. onTimeout, if set, runs after a timeout kill.
func runProcess(ctx context.Context, spec port.Spec, name string, args []string, env []string, onTimeout func()) (int, error) {
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	stdout, stderr := sink(spec.Stdout), sink(spec.Stderr)

	cmd := exec.CommandContext(runCtx, name, args...) //nolint:gosec // G204: command comes from the tool registry, not the caller
	cmd.Dir = spec.Cwd
	cmd.Env = env
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.WaitDelay = waitDelay

	if err := cmd.Start(); err != nil {
		_, _ = io.WriteString(stderr, port.LaunchFailureMessage(err))
		return port.ExitLaunchFailure, nil
	}

	err := cmd.Wait()

	if errors.Is(runCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
		if onTimeout != nil {
			onTimeout()
		}
		_, _ = io.WriteString(stderr, port.TimeoutMessage(timeout))
		return port.ExitTimeout, nil
	}
	if ctx.Err() != nil {
		_, _ = io.WriteString(stderr, port.LaunchFailureMessage(fmt.Errorf("execution interrupted: %w", ctx.Err())))
		return port.ExitLaunchFailure, nil
	}

	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if code := exitErr.ExitCode(); code >= 0 {
			return code, nil
		}
		// Killed by a signal.
		_, _ = io.WriteString(stderr, port.LaunchFailureMessage(err))
		return port.ExitLaunchFailure, nil
	}
	_, _ = io.WriteString(stderr, port.LaunchFailureMessage(err))
	return port.ExitLaunchFailure, nil
}

func sink(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
