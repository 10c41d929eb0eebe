package events

import (
	"time"
)

// Event is implemented by everything published on the bus.
type Event interface {
	EventType() string
	Topic() string
	ItemID() string
}

// Topics.
const (
	TopicItem = "item"
	TopicGate = "gate"
	TopicRun  = "run"
)

// Event types.
const (
	EventTypeItemStarted   = "item.started"
	EventTypeItemCompleted = "item.completed"
	EventTypeItemFailed    = "item.failed"
	EventTypeItemSkipped   = "item.skipped"
	EventTypeGateRetry     = "gate.retry"
	EventTypeGateResult    = "gate.result"
	EventTypeRunSummary    = "run.summary"
)

// Run modes reported in events.
const (
	ModeBatch = "batch"
	ModeChain = "chain"
)

// ItemStartedEvent is published when an item has been handed to the starter.
type ItemStartedEvent struct {
	ID         string
	Title      string
	Class      string
	Mode       string
	BaseBranch string
	Timestamp  time.Time
}

func (e ItemStartedEvent) EventType() string { return EventTypeItemStarted }
func (e ItemStartedEvent) Topic() string     { return TopicItem }
func (e ItemStartedEvent) ItemID() string    { return e.ID }

// ItemCompletedEvent is published when an item finished successfully.
type ItemCompletedEvent struct {
	ID        string
	Reference string
	Duration  time.Duration
	Timestamp time.Time
}

func (e ItemCompletedEvent) EventType() string { return EventTypeItemCompleted }
func (e ItemCompletedEvent) Topic() string     { return TopicItem }
func (e ItemCompletedEvent) ItemID() string    { return e.ID }

// ItemFailedEvent is published when an item failed or timed out.
type ItemFailedEvent struct {
	ID        string
	Err       string
	Duration  time.Duration
	Timestamp time.Time
}

func (e ItemFailedEvent) EventType() string { return EventTypeItemFailed }
func (e ItemFailedEvent) Topic() string     { return TopicItem }
func (e ItemFailedEvent) ItemID() string    { return e.ID }

// ItemSkippedEvent is published when an item was never started.
type ItemSkippedEvent struct {
	ID        string
	Reason    string
	Timestamp time.Time
}

func (e ItemSkippedEvent) EventType() string { return EventTypeItemSkipped }
func (e ItemSkippedEvent) Topic() string     { return TopicItem }
func (e ItemSkippedEvent) ItemID() string    { return e.ID }

// GateRetryEvent is published before a whole gate pipeline is re-run.
type GateRetryEvent struct {
	ID         string
	Attempt    int
	FailedGate string
	Timestamp  time.Time
}

func (e GateRetryEvent) EventType() string { return EventTypeGateRetry }
func (e GateRetryEvent) Topic() string     { return TopicGate }
func (e GateRetryEvent) ItemID() string    { return e.ID }

// GateResultEvent is published after the final pipeline pass for an item.
type GateResultEvent struct {
	ID         string
	AllPassed  bool
	Attempts   int
	FailedGate string
	Duration   time.Duration
	Timestamp  time.Time
}

func (e GateResultEvent) EventType() string { return EventTypeGateResult }
func (e GateResultEvent) Topic() string     { return TopicGate }
func (e GateResultEvent) ItemID() string    { return e.ID }

// RunSummaryEvent is the final report of a scheduling or chain run. It is
// the hand-off point for notification delivery.
type RunSummaryEvent struct {
	Mode      string            `json:"mode"`
	RunID     string            `json:"run_id,omitempty"`
	Total     int               `json:"total"`
	Completed int               `json:"completed"`
	Failed    int               `json:"failed"`
	Skipped   int               `json:"skipped"`
	Failures  map[string]string `json:"failures,omitempty"` // item id -> short diagnostic
	Duration  time.Duration     `json:"duration"`
	Timestamp time.Time         `json:"timestamp"`
}

func (e RunSummaryEvent) EventType() string { return EventTypeRunSummary }
func (e RunSummaryEvent) Topic() string     { return TopicRun }
func (e RunSummaryEvent) ItemID() string    { return "" }
