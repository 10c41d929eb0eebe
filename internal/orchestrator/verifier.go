package orchestrator

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/dispatch/internal/events"
	"github.com/aristath/dispatch/internal/gate"
	"github.com/aristath/dispatch/internal/scheduler"
)

// maxDiagnostic bounds the output excerpt carried in a verification error.
const maxDiagnostic = 200

// GateVerifier confirms a completed item by running the gate pipeline with
// whole-pipeline retries. It implements scheduler.Verifier.
type GateVerifier struct {
	runner *gate.Runner
	gates  []gate.Gate
	opts   gate.Options
	bus    *events.Bus
	logger *zap.Logger
}

// NewGateVerifier validates gates and returns a verifier. An empty or
// malformed gate list is a configuration error.
func NewGateVerifier(runner *gate.Runner, gates []gate.Gate, opts gate.Options, bus *events.Bus, logger *zap.Logger) (*GateVerifier, error) {
	if err := gate.Validate(gates); err != nil {
		return nil, fmt.Errorf("invalid gate pipeline: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GateVerifier{runner: runner, gates: gates, opts: opts, bus: bus, logger: logger}, nil
}

// Verify implements scheduler.Verifier.
func (v *GateVerifier) Verify(ctx context.Context, item *scheduler.WorkItem) error {
	opts := v.opts
	onRetry := opts.OnRetry
	opts.OnRetry = func(attempt int, failedGate string) {
		v.bus.Publish(events.GateRetryEvent{
			ID:         item.ID,
			Attempt:    attempt,
			FailedGate: failedGate,
			Timestamp:  time.Now(),
		})
		if onRetry != nil {
			onRetry(attempt, failedGate)
		}
	}

	pr, err := v.runner.RunWithAutoRetry(ctx, v.gates, opts)
	if err != nil {
		return fmt.Errorf("gate pipeline: %w", err)
	}

	failed := ""
	if !pr.AllPassed {
		failed = pr.FailedGate()
	}
	v.bus.Publish(events.GateResultEvent{
		ID:         item.ID,
		AllPassed:  pr.AllPassed,
		Attempts:   pr.Attempt,
		FailedGate: failed,
		Duration:   pr.TotalTime,
		Timestamp:  time.Now(),
	})
	v.logger.Info("gates finished",
		zap.String("item", item.ID),
		zap.Bool("passed", pr.AllPassed),
		zap.Int("attempt", pr.Attempt))

	if pr.AllPassed {
		return nil
	}
	for _, res := range pr.Results {
		if !res.Passed && res.Required {
			return fmt.Errorf("required gate %q failed after %d pipeline attempts%s", res.GateName, pr.Attempt, diagnostic(res.Output))
		}
	}
	return fmt.Errorf("gate pipeline failed after %d attempts", pr.Attempt)
}

// diagnostic returns the last non-empty output line as a short suffix.
func diagnostic(output string) string {
	lines := strings.Split(strings.TrimSpace(output), "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		if line == "" {
			continue
		}
		return ": " + gate.Truncate(line, maxDiagnostic)
	}
	return ""
}
