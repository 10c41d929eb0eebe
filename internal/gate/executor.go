package gate

import (
	"context"
	"time"

	"github.com/aristath/dispatch/internal/process"
)

// ShellExecutor runs gate commands with "sh -c" in their own process group.
type ShellExecutor struct {
	pm  *process.ProcessManager
	env []string
}

// NewShellExecutor creates an executor. pm may be nil.
func NewShellExecutor(pm *process.ProcessManager, env ...string) *ShellExecutor {
	return &ShellExecutor{pm: pm, env: env}
}

// Exec implements Executor.
func (e *ShellExecutor) Exec(ctx context.Context, command string, dir string, timeout time.Duration) (ExecResult, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	res, err := process.Run(ctx, process.Shell(ctx, command, dir, e.env), e.pm)
	if err != nil {
		return ExecResult{ExitCode: -1}, err
	}
	return ExecResult{
		ExitCode: res.ExitCode,
		Output:   string(res.Output),
		TimedOut: res.TimedOut,
	}, nil
}
