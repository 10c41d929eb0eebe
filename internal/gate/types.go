// Package gate runs ordered verification commands against a work item's
// result, retrying individual gates and, optionally, the whole pipeline.
package gate

import (
	"context"
	"errors"
	"time"
)

// ErrNoGates is returned when a pipeline is run with an empty gate list.
var ErrNoGates = errors.New("gate pipeline has no gates")

// Gate is one named verification command.
type Gate struct {
	Name     string        `json:"name" yaml:"name"`
	Command  string        `json:"command" yaml:"command"`
	Required bool          `json:"required" yaml:"required"`
	Timeout  time.Duration `json:"timeout,omitempty" yaml:"timeout,omitempty"`
}

// Result is the outcome of one gate after its retries.
type Result struct {
	GateName    string        `json:"gate"`
	Required    bool          `json:"required"`
	Passed      bool          `json:"passed"`
	Attempts    int           `json:"attempts"`
	ExitCode    int           `json:"exit_code"`
	Output      string        `json:"output,omitempty"`
	Duration    time.Duration `json:"duration"`
	CompletedAt time.Time     `json:"completed_at"`
}

// PipelineResult collects the gate results of one pipeline pass.
type PipelineResult struct {
	Results   []Result      `json:"results"`
	AllPassed bool          `json:"all_passed"`
	TotalTime time.Duration `json:"total_time"`
	Attempt   int           `json:"attempt"` // outer pass number, 1-based
}

// FailedGate returns the name of the first required gate that failed, or
// the first failed gate if only optional gates failed. Empty when all passed.
func (p PipelineResult) FailedGate() string {
	firstOptional := ""
	for _, r := range p.Results {
		if r.Passed {
			continue
		}
		if r.Required {
			return r.GateName
		}
		if firstOptional == "" {
			firstOptional = r.GateName
		}
	}
	return firstOptional
}

// ExecResult is what an Executor reports for a single command run.
type ExecResult struct {
	ExitCode int
	Output   string
	TimedOut bool
}

// Executor runs a shell command in dir, bounded by timeout.
// A non-zero exit is reported via ExitCode, not err.
type Executor interface {
	Exec(ctx context.Context, command string, dir string, timeout time.Duration) (ExecResult, error)
}
