package orchestrator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/aristath/dispatch/internal/events"
	"github.com/aristath/dispatch/internal/gate"
	"github.com/aristath/dispatch/internal/process"
)

// notifyTimeout bounds a single notification command.
const notifyTimeout = 30 * time.Second

// NotifyFunc forwards a run summary to a notification channel.
type NotifyFunc func(ctx context.Context, summary events.RunSummaryEvent) error

// Notifier forwards run summaries published on a bus. Delivery failures are
// logged and never affect the run.
type Notifier struct {
	summaries <-chan events.Event
	notify    NotifyFunc
	logger    *zap.Logger
	done      chan struct{}
}

// NewNotifier subscribes to run summaries on bus.
func NewNotifier(bus *events.Bus, notify NotifyFunc, logger *zap.Logger) *Notifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Notifier{
		summaries: bus.Subscribe(events.TopicRun, 16),
		notify:    notify,
		logger:    logger,
		done:      make(chan struct{}),
	}
}

// Start launches the delivery goroutine. It runs until the bus is closed or
// ctx is cancelled.
func (n *Notifier) Start(ctx context.Context) {
	go n.handle(ctx)
}

func (n *Notifier) handle(ctx context.Context) {
	defer close(n.done)

	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-n.summaries:
			if !ok {
				return
			}
			summary, isSummary := e.(events.RunSummaryEvent)
			if !isSummary {
				continue
			}
			if err := n.notify(ctx, summary); err != nil {
				n.logger.Warn("failed to deliver run summary",
					zap.String("mode", summary.Mode),
					zap.Error(err))
			}
		}
	}
}

// Stop blocks until the delivery goroutine has exited. Close the bus or
// cancel the context passed to Start first.
func (n *Notifier) Stop() {
	<-n.done
}

// CommandNotifier runs command through the shell with the summary as JSON on
// stdin. A non-zero exit is reported as an error.
func CommandNotifier(command, dir string, pm *process.ProcessManager) NotifyFunc {
	return func(ctx context.Context, summary events.RunSummaryEvent) error {
		payload, err := json.Marshal(summary)
		if err != nil {
			return fmt.Errorf("failed to encode summary: %w", err)
		}

		ctx, cancel := context.WithTimeout(ctx, notifyTimeout)
		defer cancel()

		cmd := process.Shell(ctx, command, dir, []string{
			"DISPATCH_RUN_MODE=" + summary.Mode,
			"DISPATCH_RUN_ID=" + summary.RunID,
		})
		cmd.Stdin = bytes.NewReader(payload)

		res, err := process.Run(ctx, cmd, pm)
		if err != nil {
			return err
		}
		if res.TimedOut {
			return fmt.Errorf("notify command timed out after %s", notifyTimeout)
		}
		if res.ExitCode != 0 {
			return fmt.Errorf("notify command exited %d: %s", res.ExitCode, gate.Truncate(string(res.Output), maxDiagnostic))
		}
		return nil
	}
}
