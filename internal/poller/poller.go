// Package poller learns the terminal outcome of externally executed work
// items by repeatedly querying a state source under a mandatory timeout.
package poller

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// State is the externally tracked execution state of a work item.
type State string

const (
	StatePending   State = "pending"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether no further transitions are expected.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Valid reports whether s is one of the known states.
func (s State) Valid() bool {
	switch s {
	case StatePending, StateRunning, StateCompleted, StateFailed:
		return true
	}
	return false
}

// Record is what a StateSource knows about one item.
type Record struct {
	Key       string
	State     State
	Reference string // session or run id, set once completed
	Error     string
	UpdatedAt time.Time
}

// StateSource looks up the current record for an item key. found is false
// when nothing has been recorded yet.
type StateSource interface {
	Lookup(ctx context.Context, key string) (rec Record, found bool, err error)
}

// Outcome is the result of waiting for an item.
type Outcome struct {
	Success   bool
	Reference string
	Error     string
}

// Error strings reported in Outcome.Error when no terminal record was seen.
const (
	ErrTimeout   = "timeout"
	ErrCancelled = "cancelled"
)

const (
	DefaultInterval = 5 * time.Second
	DefaultTimeout  = 30 * time.Minute
)

// Poller waits for items to reach a terminal state.
type Poller struct {
	source   StateSource
	interval time.Duration
	logger   *zap.Logger
	observe  func(key string, waited time.Duration, out Outcome)
}

// Option configures a Poller.
type Option func(*Poller)

// WithInterval sets the delay between lookups.
func WithInterval(d time.Duration) Option {
	return func(p *Poller) {
		if d > 0 {
			p.interval = d
		}
	}
}

// WithLogger sets the logger used for lookup errors.
func WithLogger(l *zap.Logger) Option {
	return func(p *Poller) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithObserver registers a hook invoked once per WaitForCompletion call.
func WithObserver(fn func(key string, waited time.Duration, out Outcome)) Option {
	return func(p *Poller) {
		p.observe = fn
	}
}

// New creates a Poller over source.
func New(source StateSource, opts ...Option) *Poller {
	p := &Poller{
		source:   source,
		interval: DefaultInterval,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WaitForCompletion polls until the item identified by key is completed or
// failed, the timeout elapses, or ctx is cancelled. A non-positive timeout is
// replaced by DefaultTimeout; the wait is never unbounded.
func (p *Poller) WaitForCompletion(ctx context.Context, key string, timeout time.Duration) Outcome {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	start := time.Now()
	out := p.wait(ctx, key, timeout)
	if p.observe != nil {
		p.observe(key, time.Since(start), out)
	}
	return out
}

func (p *Poller) wait(ctx context.Context, key string, timeout time.Duration) Outcome {
	waitCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if out, done := p.check(waitCtx, key); done {
			return out
		}

		select {
		case <-waitCtx.Done():
			return p.expired(ctx, key, timeout)
		case <-ticker.C:
		}
	}
}

// expired reports why the wait ended without a terminal record. The caller's
// own cancellation or deadline wins over the poller's timeout.
func (p *Poller) expired(parent context.Context, key string, timeout time.Duration) Outcome {
	if parent.Err() != nil {
		return Outcome{Error: ErrCancelled}
	}
	p.logger.Warn("timed out waiting for item",
		zap.String("item", key),
		zap.Duration("timeout", timeout))
	return Outcome{Error: ErrTimeout}
}

// check performs a single lookup. Lookup errors are transient from the
// poller's point of view: they are logged and the wait continues.
func (p *Poller) check(ctx context.Context, key string) (Outcome, bool) {
	rec, found, err := p.source.Lookup(ctx, key)
	if err != nil {
		if ctx.Err() == nil {
			p.logger.Warn("state lookup failed", zap.String("item", key), zap.Error(err))
		}
		return Outcome{}, false
	}
	if !found {
		return Outcome{}, false
	}

	switch rec.State {
	case StateCompleted:
		return Outcome{Success: true, Reference: rec.Reference}, true
	case StateFailed:
		msg := rec.Error
		if msg == "" {
			msg = string(StateFailed)
		}
		return Outcome{Error: msg, Reference: rec.Reference}, true
	}
	return Outcome{}, false
}
