package chain

import (
	"context"
	"fmt"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/dispatch/internal/events"
	"github.com/aristath/dispatch/internal/scheduler"
	"github.com/aristath/dispatch/internal/starter"
)

// classChain labels chain items in metrics and events.
const classChain = "chain"

// Options controls one chain run.
type Options struct {
	// SkipFailed starts every item even when its predecessor did not
	// complete.
	SkipFailed bool
	// Timeout bounds the wait for each item's completion.
	Timeout time.Duration
	// BranchPrefix names branches for items that have none yet.
	BranchPrefix string
}

// Executor runs chains strictly in order.
type Executor struct {
	starter  starter.Starter
	waiter   scheduler.Waiter
	store    Store
	logger   *zap.Logger
	bus      *events.Bus
	recorder scheduler.Recorder
	verifier scheduler.Verifier
}

// Option configures an Executor.
type Option func(*Executor)

// WithLogger sets the executor's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Executor) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithBus publishes item and summary events to b.
func WithBus(b *events.Bus) Option {
	return func(e *Executor) { e.bus = b }
}

// WithRecorder attaches a metrics recorder.
func WithRecorder(r scheduler.Recorder) Option {
	return func(e *Executor) { e.recorder = r }
}

// WithVerifier confirms every item the poller reports as completed.
func WithVerifier(v scheduler.Verifier) Option {
	return func(e *Executor) { e.verifier = v }
}

// NewExecutor creates an Executor. All three collaborators are required.
func NewExecutor(st starter.Starter, waiter scheduler.Waiter, store Store, opts ...Option) (*Executor, error) {
	if st == nil || waiter == nil || store == nil {
		return nil, fmt.Errorf("chain executor requires a starter, a waiter and a store")
	}
	e := &Executor{starter: st, waiter: waiter, store: store, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// reasonCancelled marks an item whose run was interrupted. Such items stay
// pending and are started again on resume.
const reasonCancelled = "cancelled"

// Resume loads the chain with the given ID and runs it. Items already in a
// terminal status keep their outcome; items skipped because an earlier run
// was cancelled are started again.
func (e *Executor) Resume(ctx context.Context, id string, opts Options) (*Chain, error) {
	c, err := e.store.LoadChain(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load chain %s: %w", id, err)
	}
	for _, it := range c.Items {
		if it.Status == scheduler.StatusSkipped && it.Error == reasonCancelled {
			it.Status, it.Error = scheduler.StatusPending, ""
			it.Item.Status, it.Item.Error = scheduler.StatusPending, ""
		}
	}
	return e.Run(ctx, c, opts)
}

// Run executes c in place. Item failures are recorded on the items; the
// returned error is reserved for invalid chains and persistence failures.
// Items left running by an interrupted run are started again. When ctx is
// cancelled the remaining items stay pending and the chain is saved as
// pending, so Resume continues where it stopped.
func (e *Executor) Run(ctx context.Context, c *Chain, opts Options) (*Chain, error) {
	if err := c.Validate(); err != nil {
		return c, err
	}
	sort.SliceStable(c.Items, func(i, j int) bool {
		return c.Items[i].Order < c.Items[j].Order
	})

	log := e.logger.With(zap.String("chain", c.ID))
	start := time.Now()
	c.Status = scheduler.StatusRunning
	c.CompletedAt = nil
	if err := e.save(ctx, c); err != nil {
		return c, err
	}
	log.Info("chain started", zap.String("name", c.Name), zap.Int("items", len(c.Items)))

	for i, it := range c.Items {
		if it.Status.Terminal() {
			continue
		}

		if ctx.Err() != nil {
			break
		}

		it.DependsOnBranch = c.BaseBranch
		if i > 0 {
			prev := c.Items[i-1]
			it.DependsOnBranch = prev.Branch
			if prev.Status != scheduler.StatusCompleted && !opts.SkipFailed {
				e.skip(it, skipReason(prev))
				log.Info("item skipped", zap.String("item", it.ID()), zap.String("predecessor", prev.ID()))
				if err := e.save(ctx, c); err != nil {
					return c, err
				}
				continue
			}
		}

		if err := e.runItem(ctx, c, it, opts, log); err != nil {
			return c, err
		}
	}

	if unfinished(c) {
		c.Status = scheduler.StatusPending
		if err := e.save(ctx, c); err != nil {
			return c, err
		}
		summary := c.Summary()
		log.Warn("chain interrupted",
			zap.Int("completed", summary.Completed),
			zap.Int("remaining", summary.Total-summary.Completed-summary.Failed-summary.Skipped))
		return c, nil
	}

	now := time.Now().UTC()
	c.CompletedAt = &now
	c.Status = scheduler.StatusCompleted
	for _, it := range c.Items {
		if it.Status == scheduler.StatusFailed {
			c.Status = scheduler.StatusFailed
			break
		}
	}
	if err := e.save(ctx, c); err != nil {
		return c, err
	}

	summary := c.Summary()
	log.Info("chain finished",
		zap.String("status", string(c.Status)),
		zap.Int("completed", summary.Completed),
		zap.Int("failed", summary.Failed),
		zap.Int("skipped", summary.Skipped))
	e.bus.Publish(events.RunSummaryEvent{
		Mode:      events.ModeChain,
		RunID:     c.ID,
		Total:     summary.Total,
		Completed: summary.Completed,
		Failed:    summary.Failed,
		Skipped:   summary.Skipped,
		Failures:  c.Failures(),
		Duration:  time.Since(start),
		Timestamp: time.Now(),
	})
	return c, nil
}

// runItem starts one item, waits for it and records the outcome, saving
// after each transition.
func (e *Executor) runItem(ctx context.Context, c *Chain, it *Item, opts Options, log *zap.Logger) error {
	if it.Branch == "" {
		it.Branch = scheduler.BranchName(opts.BranchPrefix, it.ID())
	}
	started := time.Now().UTC()
	it.Status = scheduler.StatusRunning
	it.StartedAt = &started
	it.CompletedAt = nil
	it.Error = ""
	it.SessionRef = ""
	if err := e.save(ctx, c); err != nil {
		return err
	}
	if e.recorder != nil {
		e.recorder.ItemStarted(classChain)
	}
	e.bus.Publish(events.ItemStartedEvent{
		ID:         it.ID(),
		Title:      it.Item.Title,
		Class:      classChain,
		Mode:       events.ModeChain,
		BaseBranch: it.DependsOnBranch,
		Timestamp:  started,
	})
	log.Info("item started", zap.String("item", it.ID()), zap.String("base", it.DependsOnBranch))

	req := starter.Request{
		Key:        it.ID(),
		Title:      it.Item.Title,
		Labels:     append([]string(nil), it.Item.Labels...),
		BaseBranch: it.DependsOnBranch,
		Branch:     it.Branch,
		ChainID:    c.ID,
	}
	if err := e.starter.Start(ctx, req); err != nil {
		it.Status = scheduler.StatusFailed
		it.Error = "start failed: " + err.Error()
	} else {
		out := e.waiter.WaitForCompletion(ctx, it.ID(), opts.Timeout)
		it.SessionRef = out.Reference
		it.Status, it.Error = scheduler.StatusCompleted, ""
		if !out.Success {
			it.Status, it.Error = scheduler.StatusFailed, out.Error
		} else if e.verifier != nil {
			it.Item.Reference = it.SessionRef
			if err := e.verifier.Verify(ctx, &it.Item); err != nil {
				it.Status, it.Error = scheduler.StatusFailed, err.Error()
			}
		}
	}

	done := time.Now().UTC()
	if it.Status != scheduler.StatusCompleted && ctx.Err() != nil {
		// Interrupted: leave the item for Resume rather than failing it.
		it.Status, it.Error = scheduler.StatusPending, reasonCancelled
		it.Item.Status, it.Item.Error = it.Status, it.Error
		if e.recorder != nil {
			e.recorder.ItemFinished(classChain, reasonCancelled, done.Sub(started))
		}
		log.Warn("item interrupted", zap.String("item", it.ID()))
		return e.save(ctx, c)
	}
	it.CompletedAt = &done
	it.Item.Status = it.Status
	it.Item.Error = it.Error
	it.Item.Reference = it.SessionRef
	d := done.Sub(started)
	if e.recorder != nil {
		e.recorder.ItemFinished(classChain, string(it.Status), d)
	}
	if it.Status == scheduler.StatusCompleted {
		log.Info("item completed", zap.String("item", it.ID()), zap.String("reference", it.SessionRef))
		e.bus.Publish(events.ItemCompletedEvent{ID: it.ID(), Reference: it.SessionRef, Duration: d, Timestamp: done})
	} else {
		log.Warn("item failed", zap.String("item", it.ID()), zap.String("error", it.Error))
		e.bus.Publish(events.ItemFailedEvent{ID: it.ID(), Err: it.Error, Duration: d, Timestamp: done})
	}
	return e.save(ctx, c)
}

// unfinished reports whether a cancelled run left items to resume.
func unfinished(c *Chain) bool {
	for _, it := range c.Items {
		if !it.Status.Terminal() {
			return true
		}
	}
	return false
}

func skipReason(prev *Item) string {
	if prev.Status == scheduler.StatusFailed {
		return fmt.Sprintf("skipped: predecessor %s failed", prev.ID())
	}
	return fmt.Sprintf("skipped: predecessor %s did not complete (%s)", prev.ID(), prev.Status)
}

func (e *Executor) skip(it *Item, reason string) {
	it.Status = scheduler.StatusSkipped
	it.Error = reason
	it.Item.Status = it.Status
	it.Item.Error = reason
	e.bus.Publish(events.ItemSkippedEvent{ID: it.ID(), Reason: reason, Timestamp: time.Now()})
}

// save persists c. A cancelled run still records its final state, so the
// store call does not inherit ctx's cancellation.
func (e *Executor) save(ctx context.Context, c *Chain) error {
	c.UpdatedAt = time.Now().UTC()
	if err := e.store.SaveChain(context.WithoutCancel(ctx), c); err != nil {
		return fmt.Errorf("failed to save chain %s: %w", c.ID, err)
	}
	return nil
}
