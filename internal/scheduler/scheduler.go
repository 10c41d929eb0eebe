package scheduler

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/aristath/dispatch/internal/events"
	"github.com/aristath/dispatch/internal/poller"
	"github.com/aristath/dispatch/internal/starter"
)

// DefaultConcurrency is the safe-item limit used when none is configured.
const DefaultConcurrency = 3

var (
	// ErrInvalidConcurrency is returned for a concurrency limit below 1.
	ErrInvalidConcurrency = errors.New("concurrency limit must be at least 1")
	// ErrNilDependency is returned when the starter or waiter is missing.
	ErrNilDependency = errors.New("scheduler requires a starter and a waiter")
)

// reasonCancelled is recorded on items that were never reserved because the
// run was cancelled.
const reasonCancelled = "cancelled"

// Waiter learns when an externally started item finishes. *poller.Poller
// implements it.
type Waiter interface {
	WaitForCompletion(ctx context.Context, key string, timeout time.Duration) poller.Outcome
}

// Verifier confirms a completed item, for example by running gate commands.
// A non-nil error marks the item failed.
type Verifier interface {
	Verify(ctx context.Context, item *WorkItem) error
}

// Recorder receives item lifecycle observations. internal/metrics
// implements it.
type Recorder interface {
	ItemStarted(class string)
	ItemFinished(class string, status string, d time.Duration)
}

// Options configures a Scheduler.
type Options struct {
	// Concurrency is the number of safe items allowed in flight.
	Concurrency int
	// Sequential keeps the input order and runs one item at a time.
	Sequential bool
	// ConflictIndicators are labels marking an item as conflicting.
	// Nil means DefaultConflictLabels.
	ConflictIndicators []string
	// ItemTimeout bounds the wait for each item's completion.
	ItemTimeout time.Duration
	// BaseBranch is passed to the starter for every item.
	BaseBranch string
	// BranchPrefix names the branch each item works on.
	BranchPrefix string

	Verifier Verifier
	Bus      *events.Bus
	Recorder Recorder
	Logger   *zap.Logger
}

// Report is the outcome of a run. Items are the caller's items, mutated in
// place, in their original order.
type Report struct {
	Items    []*WorkItem
	Summary  Summary
	Duration time.Duration
}

// Failures maps failed item IDs to their diagnostics.
func (r *Report) Failures() map[string]string {
	out := make(map[string]string)
	for _, item := range r.Items {
		if item.Status == StatusFailed {
			out[item.ID] = item.Error
		}
	}
	return out
}

// Scheduler runs work items with bounded concurrency. Safe items run up to
// Options.Concurrency at a time; conflicting items run strictly one at a time.
type Scheduler struct {
	starter starter.Starter
	waiter  Waiter
	opts    Options
	logger  *zap.Logger
}

// New validates opts and creates a Scheduler.
func New(st starter.Starter, waiter Waiter, opts Options) (*Scheduler, error) {
	if st == nil || waiter == nil {
		return nil, ErrNilDependency
	}
	if opts.Sequential {
		opts.Concurrency = 1
	}
	if opts.Concurrency < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidConcurrency, opts.Concurrency)
	}
	if opts.ConflictIndicators == nil {
		opts.ConflictIndicators = DefaultConflictLabels
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{starter: st, waiter: waiter, opts: opts, logger: logger}, nil
}

// scheduleState is the only state shared between workers. Every field is
// read and written with mu held.
type scheduleState struct {
	mu                 sync.Mutex
	queue              []*WorkItem
	classes            []ConflictClass
	limit              int
	running            int
	conflictingRunning bool
	cursor             int
}

// ceiling is the in-flight limit applying to an item of class c.
func (s *scheduleState) ceiling(c ConflictClass) int {
	if c == ClassConflicting {
		return 1
	}
	return s.limit
}

// next releases the slot held for finished (pass -1 for none) and then
// reserves the item at the cursor if its class allows. It returns false
// when the worker should exit: the queue is exhausted, the run is
// cancelled, or the next item would exceed its class's limits. Exiting
// never advances the cursor; the worker that drops the last slot always
// finds room for the next item.
func (s *scheduleState) next(ctx context.Context, finished int) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if finished >= 0 {
		s.running--
		if s.classes[finished] == ClassConflicting {
			s.conflictingRunning = false
		}
	}

	if s.cursor >= len(s.queue) || ctx.Err() != nil {
		return -1, false
	}

	idx := s.cursor
	class := s.classes[idx]
	if class == ClassConflicting && s.conflictingRunning {
		return -1, false
	}
	if s.running >= s.ceiling(class) {
		return -1, false
	}

	s.cursor++
	s.running++
	if class == ClassConflicting {
		s.conflictingRunning = true
	}
	return idx, true
}

// plan builds the ordered work list and its classes.
func (s *Scheduler) plan(items []*WorkItem) *scheduleState {
	st := &scheduleState{limit: s.opts.Concurrency}
	if s.opts.Sequential {
		st.queue = append(st.queue, items...)
		for _, item := range items {
			st.classes = append(st.classes, ClassOf(item, s.opts.ConflictIndicators))
		}
		return st
	}

	p := Classify(items, s.opts.ConflictIndicators)
	st.queue = append(append(st.queue, p.Safe...), p.Conflicting...)
	for range p.Safe {
		st.classes = append(st.classes, ClassSafe)
	}
	for range p.Conflicting {
		st.classes = append(st.classes, ClassConflicting)
	}
	return st
}

// fanOut is the number of workers launched at the start of a run.
func fanOut(st *scheduleState) int {
	safe := 0
	for _, c := range st.classes {
		if c == ClassSafe {
			safe++
		}
	}
	switch {
	case safe > 0:
		return min(st.limit, safe)
	case len(st.queue) > 0:
		return 1
	}
	return 0
}

// Run schedules items until every one has reached a terminal status.
// Individual item failures are recorded on the items and never returned as
// errors; only invalid input is.
func (s *Scheduler) Run(ctx context.Context, items []*WorkItem) (*Report, error) {
	if err := ValidateItems(items); err != nil {
		return nil, err
	}

	start := time.Now()
	for _, item := range items {
		item.Status = StatusPending
		item.Error = ""
		item.Reference = ""
	}

	st := s.plan(items)
	workers := fanOut(st)
	s.logger.Info("scheduling items",
		zap.Int("items", len(items)),
		zap.Int("workers", workers),
		zap.Int("concurrency", st.limit),
		zap.Bool("sequential", s.opts.Sequential))

	var g errgroup.Group
	for range workers {
		g.Go(func() error {
			s.work(ctx, st)
			return nil
		})
	}
	_ = g.Wait()

	// Only cancellation leaves items unreserved.
	for _, item := range items {
		if item.Status == StatusPending {
			item.Status = StatusSkipped
			item.Error = reasonCancelled
			s.opts.Bus.Publish(events.ItemSkippedEvent{ID: item.ID, Reason: reasonCancelled, Timestamp: time.Now()})
		}
	}

	report := &Report{
		Items:    items,
		Summary:  Summarize(items),
		Duration: time.Since(start),
	}
	s.logger.Info("scheduling finished",
		zap.Int("completed", report.Summary.Completed),
		zap.Int("failed", report.Summary.Failed),
		zap.Int("skipped", report.Summary.Skipped),
		zap.Duration("duration", report.Duration))
	s.opts.Bus.Publish(events.RunSummaryEvent{
		Mode:      events.ModeBatch,
		Total:     report.Summary.Total,
		Completed: report.Summary.Completed,
		Failed:    report.Summary.Failed,
		Skipped:   report.Summary.Skipped,
		Failures:  report.Failures(),
		Duration:  report.Duration,
		Timestamp: time.Now(),
	})
	return report, nil
}

// work pulls items until the shared state tells it to stop.
func (s *Scheduler) work(ctx context.Context, st *scheduleState) {
	idx, ok := st.next(ctx, -1)
	for ok {
		s.execute(ctx, st.queue[idx], st.classes[idx])
		idx, ok = st.next(ctx, idx)
	}
}

// execute runs one reserved item outside the lock: start it, wait for the
// external outcome, then verify. The item is only touched by this worker.
func (s *Scheduler) execute(ctx context.Context, item *WorkItem, class ConflictClass) {
	start := time.Now()
	log := s.logger.With(zap.String("item", item.ID), zap.String("class", class.String()))

	item.Status = StatusRunning
	if s.opts.Recorder != nil {
		s.opts.Recorder.ItemStarted(class.String())
	}
	s.opts.Bus.Publish(events.ItemStartedEvent{
		ID:         item.ID,
		Title:      item.Title,
		Class:      class.String(),
		Mode:       events.ModeBatch,
		BaseBranch: s.opts.BaseBranch,
		Timestamp:  start,
	})
	log.Info("item started")

	status, reason := s.runItem(ctx, item)
	item.Status = status
	item.Error = reason

	d := time.Since(start)
	if s.opts.Recorder != nil {
		s.opts.Recorder.ItemFinished(class.String(), string(status), d)
	}
	if status == StatusCompleted {
		log.Info("item completed", zap.String("reference", item.Reference), zap.Duration("duration", d))
		s.opts.Bus.Publish(events.ItemCompletedEvent{ID: item.ID, Reference: item.Reference, Duration: d, Timestamp: time.Now()})
		return
	}
	log.Warn("item failed", zap.String("error", reason), zap.Duration("duration", d))
	s.opts.Bus.Publish(events.ItemFailedEvent{ID: item.ID, Err: reason, Duration: d, Timestamp: time.Now()})
}

func (s *Scheduler) runItem(ctx context.Context, item *WorkItem) (ItemStatus, string) {
	req := starter.Request{
		Key:        item.ID,
		Title:      item.Title,
		Labels:     append([]string(nil), item.Labels...),
		BaseBranch: s.opts.BaseBranch,
		Branch:     BranchName(s.opts.BranchPrefix, item.ID),
	}
	if err := s.starter.Start(ctx, req); err != nil {
		return StatusFailed, "start failed: " + err.Error()
	}

	out := s.waiter.WaitForCompletion(ctx, item.ID, s.opts.ItemTimeout)
	item.Reference = out.Reference
	if !out.Success {
		return StatusFailed, out.Error
	}

	if s.opts.Verifier != nil {
		if err := s.opts.Verifier.Verify(ctx, item); err != nil {
			return StatusFailed, err.Error()
		}
	}
	return StatusCompleted, ""
}

// BranchName derives the working branch for an item.
func BranchName(prefix, id string) string {
	if prefix == "" {
		prefix = "dispatch/"
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	slug := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return '-'
	}, strings.TrimSpace(id))
	return prefix + slug
}
