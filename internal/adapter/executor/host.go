package executor

import (
	"context"
	"errors"
	"os"

	port "github.com/Strob0t/toolgate/internal/port/executor"
)

// Host runs commands directly in the worker's process space.
type Host struct {
	// BaseEnv is inherited by every command. Nil means os.Environ().
	BaseEnv []string
}

// NewHost creates a host executor inheriting the worker environment.
func NewHost() *Host {
	return &Host{}
}

// Run implements port.Executor.
func (h *Host) Run(ctx context.Context, spec port.Spec) (int, error) {
	if len(spec.Command) == 0 {
		return 0, errors.New("host executor: empty command")
	}
	base := h.BaseEnv
	if base == nil {
		base = os.Environ()
	}
	env := append(append([]string{}, base...), spec.Env...)
	return runProcess(ctx, spec, spec.Command[0], spec.Command[1:], env, nil)
}
