// Package orchestrator wires configuration, persistence, starters, the
// poller and gates into batch and chain runs.
package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/aristath/dispatch/internal/chain"
	"github.com/aristath/dispatch/internal/config"
	"github.com/aristath/dispatch/internal/events"
	"github.com/aristath/dispatch/internal/gate"
	"github.com/aristath/dispatch/internal/metrics"
	"github.com/aristath/dispatch/internal/persistence"
	"github.com/aristath/dispatch/internal/scheduler"
	"github.com/aristath/dispatch/internal/starter"
)

// ErrNoStarter is returned by run operations when no starter is configured.
var ErrNoStarter = errors.New("no starter command configured")

// Deps are the collaborators a Runner drives.
type Deps struct {
	// Starter launches items. Nil disables batch and chain runs.
	Starter starter.Starter
	Waiter  scheduler.Waiter
	Store   persistence.Store
	// GateExecutor runs gate commands. Required when gates are enabled.
	GateExecutor gate.Executor
	Bus          *events.Bus
	Metrics      *metrics.Metrics
	Logger       *zap.Logger
}

// Runner executes batches and chains with the configured policy.
type Runner struct {
	cfg      *config.Config
	deps     Deps
	starter  starter.Starter
	gates    *gate.Runner
	recorder scheduler.Recorder
	logger   *zap.Logger
}

// NewRunner validates deps against cfg.
func NewRunner(cfg *config.Config, deps Deps) (*Runner, error) {
	if cfg == nil {
		return nil, errors.New("runner requires a configuration")
	}
	if deps.Waiter == nil || deps.Store == nil {
		return nil, errors.New("runner requires a waiter and a store")
	}
	if cfg.RunGates && deps.GateExecutor == nil {
		return nil, errors.New("gates are enabled but no gate executor was provided")
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Runner{cfg: cfg, deps: deps, logger: logger}

	gateOpts := []gate.RunnerOption{gate.WithLogger(logger.Named("gate"))}
	// A nil *Metrics must not become a non-nil interface.
	if deps.Metrics != nil {
		r.recorder = deps.Metrics
		gateOpts = append(gateOpts, gate.WithRecorder(deps.Metrics))
	}
	if deps.GateExecutor != nil {
		r.gates = gate.NewRunner(deps.GateExecutor, gateOpts...)
	}

	if deps.Starter != nil {
		r.starter = &registeringStarter{inner: deps.Starter, store: deps.Store}
	}
	return r, nil
}

// registeringStarter records each item as pending before launching it, so
// the worker has a row to report to and the poller never sees an earlier
// run's outcome.
type registeringStarter struct {
	inner starter.Starter
	store persistence.Store
}

func (s *registeringStarter) Start(ctx context.Context, req starter.Request) error {
	item := &scheduler.WorkItem{ID: req.Key, Title: req.Title, Labels: req.Labels}
	if err := s.store.UpsertItem(ctx, item, req.ChainID); err != nil {
		return fmt.Errorf("failed to register item %s: %w", req.Key, err)
	}
	return s.inner.Start(ctx, req)
}

// Gates returns the configured gate pipeline.
func (r *Runner) Gates() []gate.Gate {
	gates := make([]gate.Gate, 0, len(r.cfg.Gates))
	for _, g := range r.cfg.Gates {
		gates = append(gates, gate.Gate{
			Name:     g.Name,
			Command:  g.Command,
			Required: g.Required,
			Timeout:  g.Timeout.Std(),
		})
	}
	return gates
}

// GateOptions returns the configured retry and output policy for gates.
func (r *Runner) GateOptions() gate.Options {
	return gate.Options{
		MaxRetries:      r.cfg.GateRetries,
		PipelineRetries: r.cfg.PipelineRetries,
		Timeout:         r.cfg.GateTimeout.Std(),
		WorkDir:         r.cfg.WorkDir,
		MaxOutput:       r.cfg.MaxOutput,
	}
}

// verifier returns the gate verifier when gates are enabled, nil otherwise.
func (r *Runner) verifier() (*GateVerifier, error) {
	if !r.cfg.RunGates {
		return nil, nil
	}
	return NewGateVerifier(r.gates, r.Gates(), r.GateOptions(), r.deps.Bus, r.logger.Named("verify"))
}

// RunBatch schedules items with the configured concurrency policy. Items are
// updated in place.
func (r *Runner) RunBatch(ctx context.Context, items []*scheduler.WorkItem) (*scheduler.Report, error) {
	if r.starter == nil {
		return nil, ErrNoStarter
	}

	opts := scheduler.Options{
		Concurrency:        r.cfg.Concurrency,
		Sequential:         r.cfg.Sequential,
		ConflictIndicators: r.cfg.ConflictLabels,
		ItemTimeout:        r.cfg.ItemTimeout.Std(),
		BaseBranch:         r.cfg.BaseBranch,
		BranchPrefix:       r.cfg.BranchPrefix,
		Bus:                r.deps.Bus,
		Recorder:           r.recorder,
		Logger:             r.logger.Named("scheduler"),
	}
	v, err := r.verifier()
	if err != nil {
		return nil, err
	}
	if v != nil {
		opts.Verifier = v
	}

	s, err := scheduler.New(r.starter, r.deps.Waiter, opts)
	if err != nil {
		return nil, err
	}
	return s.Run(ctx, items)
}

// RunChain orders items by their dependencies and runs them as a new chain
// named name.
func (r *Runner) RunChain(ctx context.Context, name string, items []scheduler.WorkItem) (*chain.Chain, error) {
	ordered, err := chain.Plan(items)
	if err != nil {
		return nil, err
	}

	e, err := r.chainExecutor()
	if err != nil {
		return nil, err
	}
	c := chain.New(name, r.cfg.BaseBranch, ordered)
	r.logger.Info("starting chain", zap.String("chain", c.ID), zap.String("name", name), zap.Int("items", len(c.Items)))
	return e.Run(ctx, c, r.chainOptions())
}

// ResumeChain continues a stored chain from its first unfinished item.
func (r *Runner) ResumeChain(ctx context.Context, id string) (*chain.Chain, error) {
	e, err := r.chainExecutor()
	if err != nil {
		return nil, err
	}
	r.logger.Info("resuming chain", zap.String("chain", id))
	return e.Resume(ctx, id, r.chainOptions())
}

func (r *Runner) chainOptions() chain.Options {
	return chain.Options{
		SkipFailed:   r.cfg.SkipFailed,
		Timeout:      r.cfg.ItemTimeout.Std(),
		BranchPrefix: r.cfg.BranchPrefix,
	}
}

func (r *Runner) chainExecutor() (*chain.Executor, error) {
	if r.starter == nil {
		return nil, ErrNoStarter
	}

	opts := []chain.Option{
		chain.WithLogger(r.logger.Named("chain")),
		chain.WithBus(r.deps.Bus),
	}
	if r.recorder != nil {
		opts = append(opts, chain.WithRecorder(r.recorder))
	}
	v, err := r.verifier()
	if err != nil {
		return nil, err
	}
	if v != nil {
		opts = append(opts, chain.WithVerifier(v))
	}
	return chain.NewExecutor(r.starter, r.deps.Waiter, r.deps.Store, opts...)
}

// RunGates runs the configured gate pipeline once, with pipeline retries,
// outside of any item.
func (r *Runner) RunGates(ctx context.Context) (gate.PipelineResult, error) {
	if r.gates == nil {
		return gate.PipelineResult{}, errors.New("no gate executor configured")
	}
	gates := r.Gates()
	if err := gate.Validate(gates); err != nil {
		return gate.PipelineResult{}, fmt.Errorf("invalid gate pipeline: %w", err)
	}
	return r.gates.RunWithAutoRetry(ctx, gates, r.GateOptions())
}
