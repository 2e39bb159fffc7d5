package executor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/Strob0t/toolgate/internal/config"
	port "github.com/Strob0t/toolgate/internal/port/executor"
)

const containerWorkdir = "/workspace"

// Sandboxed runs commands inside a throwaway container via the container
// runtime CLI. Isolation is whatever the runtime provides; this type only
// chooses the flags.
type Sandboxed struct {
	cfg       config.Sandbox
	workspace string
	log       *slog.Logger
}

// NewSandboxed creates a sandboxed executor mounting workspace at /workspace.
func NewSandboxed(cfg config.Sandbox, workspace string, log *slog.Logger) *Sandboxed {
	if cfg.Runtime == "" {
		cfg.Runtime = "docker"
	}
	return &Sandboxed{cfg: cfg, workspace: workspace, log: log}
}

// Run implements port.Executor.
func (s *Sandboxed) Run(ctx context.Context, spec port.Spec) (int, error) {
	if len(spec.Command) == 0 {
		return 0, errors.New("sandboxed executor: empty command")
	}
	name := containerName(spec.RunID)
	args := s.runArgs(name, spec)

	onTimeout := func() {
		// Killing the CLI does not stop the container.
		rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		defer cancel()
		if err := s.remove(rmCtx, name); err != nil {
			s.log.Warn("sandbox cleanup failed", "container", name, "error", err)
		}
	}
	// The cwd applies inside the container, not to the CLI process.
	cli := spec
	cli.Cwd = ""
	return runProcess(ctx, cli, s.cfg.Runtime, args, os.Environ(), onTimeout)
}

// runArgs builds the container invocation.
func (s *Sandboxed) runArgs(name string, spec port.Spec) []string {
	args := []string{
		"run", "--rm",
		"--name", name,
		fmt.Sprintf("--memory=%dm", s.cfg.MemoryMB),
		fmt.Sprintf("--cpus=%.2f", float64(s.cfg.CPUQuota)/1000),
		fmt.Sprintf("--pids-limit=%d", s.cfg.PidsLimit),
	}
	if s.cfg.NetworkMode != "" {
		args = append(args, "--network="+s.cfg.NetworkMode)
	}
	args = append(args,
		"--read-only",
		"--tmpfs", "/tmp",
		"--security-opt=no-new-privileges",
		"--cap-drop=ALL",
	)
	if s.workspace != "" {
		args = append(args, "-v", s.workspace+":"+containerWorkdir)
	}
	args = append(args, "-w", containerCwd(spec.Cwd, s.workspace))
	for _, e := range spec.Env {
		args = append(args, "-e", e)
	}
	args = append(args, s.cfg.Image)
	return append(args, spec.Command...)
}

func (s *Sandboxed) remove(ctx context.Context, name string) error {
	cmd := exec.CommandContext(ctx, s.cfg.Runtime, "rm", "-f", name) //nolint:gosec // G204: arguments are constructed internally
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", strings.TrimSpace(stderr.String()), err)
	}
	return nil
}

// containerCwd maps a host cwd inside the workspace onto the mount point.
func containerCwd(cwd, workspace string) string {
	switch {
	case cwd == "":
		return containerWorkdir
	case workspace != "" && (cwd == workspace || strings.HasPrefix(cwd, workspace+"/")):
		return containerWorkdir + strings.TrimPrefix(cwd, workspace)
	case strings.HasPrefix(cwd, "/"):
		return cwd
	default:
		return containerWorkdir + "/" + cwd
	}
}

func containerName(runID string) string {
	if len(runID) > 12 {
		runID = runID[:12]
	}
	if runID == "" {
		runID = fmt.Sprintf("%d", time.Now().UnixNano())
	}
	return "toolgate-" + runID
}
