package events

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receive(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case e, ok := <-ch:
		require.True(t, ok, "channel closed")
		return e
	case <-time.After(100 * time.Millisecond):
		t.Fatal("timeout waiting for event")
		return nil
	}
}

func TestPublishSubscribe(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicItem, 10)
	bus.Publish(ItemStartedEvent{ID: "issue-1", Title: "Fix login", Class: "safe", Timestamp: time.Now()})

	got := receive(t, ch)
	assert.Equal(t, "issue-1", got.ItemID())
	assert.Equal(t, EventTypeItemStarted, got.EventType())
}

func TestMultipleSubscribers(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch1 := bus.Subscribe(TopicItem, 10)
	ch2 := bus.Subscribe(TopicItem, 10)
	bus.Publish(ItemCompletedEvent{ID: "issue-2", Reference: "sess-2"})

	for _, ch := range []<-chan Event{ch1, ch2} {
		got := receive(t, ch)
		assert.Equal(t, "issue-2", got.ItemID())
	}
}

func TestTopicsAreIsolated(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	items := bus.Subscribe(TopicItem, 10)
	runs := bus.Subscribe(TopicRun, 10)

	bus.Publish(RunSummaryEvent{Mode: ModeBatch, Total: 3, Completed: 2, Failed: 1})

	got := receive(t, runs)
	summary, ok := got.(RunSummaryEvent)
	require.True(t, ok)
	assert.Equal(t, 2, summary.Completed)

	select {
	case e := <-items:
		t.Fatalf("item subscriber received %s", e.EventType())
	default:
	}
}

func TestSubscribeAll(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	all := bus.SubscribeAll(10)
	bus.Publish(ItemFailedEvent{ID: "a", Err: "timeout"})
	bus.Publish(GateRetryEvent{ID: "a", Attempt: 1, FailedGate: "test"})
	bus.Publish(RunSummaryEvent{Mode: ModeChain})

	assert.Equal(t, EventTypeItemFailed, receive(t, all).EventType())
	assert.Equal(t, EventTypeGateRetry, receive(t, all).EventType())
	assert.Equal(t, EventTypeRunSummary, receive(t, all).EventType())
}

// TestNonBlockingSend verifies a full subscriber never blocks the publisher.
func TestNonBlockingSend(t *testing.T) {
	bus := NewBus()
	defer bus.Close()

	ch := bus.Subscribe(TopicItem, 1)

	done := make(chan struct{})
	go func() {
		for range 10 {
			bus.Publish(ItemSkippedEvent{ID: "x"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full subscriber")
	}
	assert.Len(t, ch, 1)
	assert.Equal(t, uint64(9), bus.Dropped())
}

func TestCloseSignalsSubscribers(t *testing.T) {
	bus := NewBus()
	ch := bus.Subscribe(TopicItem, 1)
	all := bus.SubscribeAll(1)

	bus.Close()
	bus.Close()

	_, ok := <-ch
	assert.False(t, ok)
	_, ok = <-all
	assert.False(t, ok)

	// Publishing and subscribing after close are harmless.
	bus.Publish(ItemSkippedEvent{ID: "late"})
	_, ok = <-bus.Subscribe(TopicItem, 1)
	assert.False(t, ok)
}

func TestNilBusIsNoop(t *testing.T) {
	var bus *Bus
	bus.Publish(ItemSkippedEvent{ID: "x"})
	bus.Close()
	assert.Equal(t, uint64(0), bus.Dropped())
}
