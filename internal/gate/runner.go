package gate

import (
	"context"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
)

const (
	DefaultTimeout   = 10 * time.Minute
	DefaultMaxOutput = 10000
	DefaultRetryWait = time.Second

	truncationMarker = "\n... [output truncated]"
)

// Options controls retries and output handling for a pipeline run.
type Options struct {
	// MaxRetries is the total number of attempts per gate (minimum 1).
	MaxRetries int
	// PipelineRetries is the total number of whole-pipeline passes made by
	// RunWithAutoRetry. Zero means MaxRetries.
	PipelineRetries int
	// Timeout applies to gates that do not set their own.
	Timeout time.Duration
	// WorkDir is where gate commands run.
	WorkDir string
	// MaxOutput bounds the stored output of each gate, in bytes.
	MaxOutput int
	// RetryWait is the initial backoff between pipeline passes; it grows
	// exponentially up to MaxRetryWait.
	RetryWait    time.Duration
	MaxRetryWait time.Duration
	// OnRetry is called after a failed pass, before the next one, with the
	// failed pass number and the gate that failed it.
	OnRetry func(attempt int, failedGate string)
}

func (o Options) withDefaults() Options {
	if o.MaxRetries < 1 {
		o.MaxRetries = 1
	}
	if o.PipelineRetries < 1 {
		o.PipelineRetries = o.MaxRetries
	}
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxOutput <= 0 {
		o.MaxOutput = DefaultMaxOutput
	}
	if o.RetryWait <= 0 {
		o.RetryWait = DefaultRetryWait
	}
	if o.MaxRetryWait < o.RetryWait {
		o.MaxRetryWait = 30 * o.RetryWait
	}
	return o
}

// Recorder receives per-attempt observations. internal/metrics implements it.
type Recorder interface {
	GateAttempt(gate string, passed bool, d time.Duration)
	PipelineRetry(failedGate string)
}

// Runner executes gates through an Executor.
type Runner struct {
	exec     Executor
	logger   *zap.Logger
	recorder Recorder
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithLogger sets the runner's logger.
func WithLogger(l *zap.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(rec Recorder) RunnerOption {
	return func(r *Runner) {
		r.recorder = rec
	}
}

// NewRunner creates a Runner.
func NewRunner(exec Executor, opts ...RunnerOption) *Runner {
	r := &Runner{exec: exec, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Validate reports configuration errors in a gate list.
func Validate(gates []Gate) error {
	if len(gates) == 0 {
		return ErrNoGates
	}
	seen := make(map[string]bool, len(gates))
	for i, g := range gates {
		if strings.TrimSpace(g.Name) == "" {
			return fmt.Errorf("gate %d has no name", i)
		}
		if strings.TrimSpace(g.Command) == "" {
			return fmt.Errorf("gate %q has no command", g.Name)
		}
		if seen[g.Name] {
			return fmt.Errorf("duplicate gate name %q", g.Name)
		}
		seen[g.Name] = true
	}
	return nil
}

// RunGate executes one gate, retrying failed attempts up to
// opts.MaxRetries total. The returned result reflects the last attempt.
func (r *Runner) RunGate(ctx context.Context, g Gate, opts Options) Result {
	opts = opts.withDefaults()
	timeout := g.Timeout
	if timeout <= 0 {
		timeout = opts.Timeout
	}

	start := time.Now()
	res := Result{GateName: g.Name, Required: g.Required}
	for attempt := 1; attempt <= opts.MaxRetries; attempt++ {
		res.Attempts = attempt
		attemptStart := time.Now()

		out, err := r.exec.Exec(ctx, g.Command, opts.WorkDir, timeout)
		output := out.Output
		switch {
		case err != nil:
			output = err.Error()
		case out.TimedOut:
			output += fmt.Sprintf("\ngate %q timed out after %s", g.Name, timeout)
		}

		res.Passed = err == nil && !out.TimedOut && out.ExitCode == 0
		res.ExitCode = out.ExitCode
		res.Output = Truncate(output, opts.MaxOutput)

		if r.recorder != nil {
			r.recorder.GateAttempt(g.Name, res.Passed, time.Since(attemptStart))
		}
		if res.Passed {
			break
		}

		r.logger.Debug("gate attempt failed",
			zap.String("gate", g.Name),
			zap.Int("attempt", attempt),
			zap.Int("exit_code", out.ExitCode))
		if ctx.Err() != nil {
			break
		}
	}

	res.Duration = time.Since(start)
	res.CompletedAt = time.Now()
	return res
}

// RunAll runs gates in order. A failed required gate stops the pipeline;
// failed optional gates are recorded and the pipeline continues.
func (r *Runner) RunAll(ctx context.Context, gates []Gate, opts Options) (PipelineResult, error) {
	if err := Validate(gates); err != nil {
		return PipelineResult{}, err
	}

	start := time.Now()
	pr := PipelineResult{Results: make([]Result, 0, len(gates)), AllPassed: true, Attempt: 1}
	for _, g := range gates {
		res := r.RunGate(ctx, g, opts)
		pr.Results = append(pr.Results, res)
		if res.Passed {
			continue
		}
		if g.Required {
			pr.AllPassed = false
			r.logger.Info("required gate failed",
				zap.String("gate", g.Name),
				zap.Int("attempts", res.Attempts))
			break
		}
		r.logger.Info("optional gate failed",
			zap.String("gate", g.Name),
			zap.Int("attempts", res.Attempts))
	}
	pr.TotalTime = time.Since(start)
	return pr, nil
}

// RunWithAutoRetry re-runs the whole pipeline from the first gate until it
// passes or opts.PipelineRetries passes have been made, waiting with
// exponential backoff between passes. The last pass is returned either way.
func (r *Runner) RunWithAutoRetry(ctx context.Context, gates []Gate, opts Options) (PipelineResult, error) {
	opts = opts.withDefaults()
	if err := Validate(gates); err != nil {
		return PipelineResult{}, err
	}

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = opts.RetryWait
	policy.MaxInterval = opts.MaxRetryWait
	policy.MaxElapsedTime = 0
	policy.Reset()

	var last PipelineResult
	for attempt := 1; ; attempt++ {
		res, err := r.RunAll(ctx, gates, opts)
		if err != nil {
			return res, err
		}
		res.Attempt = attempt
		last = res

		if res.AllPassed || attempt >= opts.PipelineRetries || ctx.Err() != nil {
			return last, nil
		}

		failed := res.FailedGate()
		r.logger.Info("pipeline failed, retrying",
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", opts.PipelineRetries),
			zap.String("gate", failed))
		if r.recorder != nil {
			r.recorder.PipelineRetry(failed)
		}
		if opts.OnRetry != nil {
			opts.OnRetry(attempt, failed)
		}

		wait := policy.NextBackOff()
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return last, nil
		case <-timer.C:
		}
	}
}

// Truncate bounds s to max bytes, cutting on a rune boundary and appending a
// marker when anything was dropped.
func Truncate(s string, max int) string {
	if max <= 0 || len(s) <= max {
		return s
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}
