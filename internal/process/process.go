// Package process runs external commands in isolated process groups.
//
// Gate commands are run to completion with their combined output captured,
// while item starters spawn detached commands that outlive the call that
// launched them. Both paths register with a ProcessManager so a shutdown can
// terminate every process group still alive.
package process

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// waitDelay bounds how long Wait lingers on open pipes after the process group
// has been killed.
const waitDelay = 2 * time.Second

// Result is the outcome of a command run to completion.
type Result struct {
	ExitCode int
	Output   []byte // stdout and stderr interleaved in arrival order
	Duration time.Duration
	TimedOut bool
}

// Shell builds a "sh -c" command in its own process group.
func Shell(ctx context.Context, command string, dir string, env []string) *exec.Cmd {
	cmd := newCommand(ctx, "sh", "-c", command)
	cmd.Dir = dir
	if len(env) > 0 {
		cmd.Env = append(os.Environ(), env...)
	}
	return cmd
}

// newCommand creates an exec.Cmd with process group isolation. Cancelling ctx
// kills the whole group rather than only the immediate child.
func newCommand(ctx context.Context, name string, args ...string) *exec.Cmd {
	cmd := exec.CommandContext(ctx, name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		return killProcessGroup(cmd)
	}
	cmd.WaitDelay = waitDelay
	return cmd
}

// lockedBuffer lets the stdout and stderr readers share one buffer.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) Bytes() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]byte(nil), b.buf.Bytes()...)
}

// Run starts cmd and waits for it, capturing combined output. ctx must be the
// context cmd was built with; it is consulted to tell a timeout apart from an
// ordinary failure.
//
// Both pipes are drained concurrently before cmd.Wait is called so a chatty
// subprocess cannot fill a pipe buffer and deadlock. A non-zero exit is not an
// error: it is reported through Result.ExitCode. err is only set when the
// command could not be started. pm may be nil.
func Run(ctx context.Context, cmd *exec.Cmd, pm *ProcessManager) (Result, error) {
	stdoutPipe, err := cmd.StdoutPipe()
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("failed to create stderr pipe: %w", err)
	}

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{ExitCode: -1}, fmt.Errorf("failed to start command: %w", err)
	}
	if pm != nil {
		pm.Track(cmd)
		defer pm.Untrack(cmd)
	}

	var out lockedBuffer
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(&out, stdoutPipe)
	}()
	go func() {
		defer wg.Done()
		io.Copy(&out, stderrPipe)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	res := Result{
		ExitCode: 0,
		Output:   out.Bytes(),
		Duration: time.Since(start),
	}
	if waitErr == nil {
		return res, nil
	}

	res.ExitCode = -1
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) && exitErr.ExitCode() >= 0 {
		res.ExitCode = exitErr.ExitCode()
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		res.TimedOut = true
	}
	return res, nil
}

// Spawn starts a detached command and returns without waiting for it.
// The process is tracked until it exits. onExit, if non-nil, receives the
// exit code from the reaper goroutine.
func Spawn(name string, args []string, dir string, env []string, pm *ProcessManager, onExit func(code int)) (int, error) {
	cmd := exec.Command(name, args...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Dir = dir
	cmd.Env = append(os.Environ(), env...)
	cmd.Stdin = nil
	cmd.Stdout = io.Discard
	cmd.Stderr = io.Discard

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("failed to start %s: %w", name, err)
	}
	if pm != nil {
		pm.Track(cmd)
	}

	pid := cmd.Process.Pid
	go func() {
		err := cmd.Wait()
		if pm != nil {
			pm.Untrack(cmd)
		}
		if onExit == nil {
			return
		}
		code := 0
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		} else if err != nil {
			code = -1
		}
		onExit(code)
	}()
	return pid, nil
}

// killProcessGroup kills the entire process group associated with the command.
func killProcessGroup(cmd *exec.Cmd) error {
	if cmd.Process == nil {
		return fmt.Errorf("process not started")
	}

	// Negative PID addresses the whole group.
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		return fmt.Errorf("failed to kill process group: %w", err)
	}
	return nil
}

// ProcessManager tracks running subprocesses so they can all be terminated
// on shutdown.
//
//	pm := process.NewProcessManager()
//	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
//	defer cancel()
//	go func() {
//		<-ctx.Done()
//		pm.KillAll()
//	}()
type ProcessManager struct {
	mu    sync.Mutex
	procs map[int]*exec.Cmd
}

// NewProcessManager creates a new ProcessManager.
func NewProcessManager() *ProcessManager {
	return &ProcessManager{
		procs: make(map[int]*exec.Cmd),
	}
}

// Track registers a started subprocess.
func (pm *ProcessManager) Track(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	pm.procs[cmd.Process.Pid] = cmd
}

// Untrack removes a subprocess after it has been waited on.
func (pm *ProcessManager) Untrack(cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}

	pm.mu.Lock()
	defer pm.mu.Unlock()
	delete(pm.procs, cmd.Process.Pid)
}

// KillAll terminates every tracked process group.
func (pm *ProcessManager) KillAll() error {
	pm.mu.Lock()
	defer pm.mu.Unlock()

	var errs []error
	for pid, cmd := range pm.procs {
		if err := killProcessGroup(cmd); err != nil {
			errs = append(errs, fmt.Errorf("pid %d: %w", pid, err))
		}
	}
	return errors.Join(errs...)
}

// Count returns the number of tracked processes.
func (pm *ProcessManager) Count() int {
	pm.mu.Lock()
	defer pm.mu.Unlock()
	return len(pm.procs)
}
