package reconciler

import (
	"context"

	"github.com/outpost-run/outpost/pkg/events"
)

// Run subscribes to the event bus and processes task-stopped events until
// the context ends. Successful processing (including benign duplicates)
// acknowledges the upstream delivery; failures leave the message for
// redelivery.
func (r *Reconciler) Run(ctx context.Context, broker *events.Broker) {
	sub := broker.Subscribe()
	defer broker.Unsubscribe(sub)

	for {
		select {
		case ev, ok := <-sub:
			if !ok {
				return
			}
			if ev.Type != events.EventTaskStopped || ev.Task == nil {
				continue
			}
			if err := r.Process(ctx, ev.Task); err != nil {
				r.logger.Error().Err(err).
					Str("task_arn", ev.Task.TaskARN).
					Msg("Event processing failed; leaving for redelivery")
				continue
			}
			if ev.Ack != nil {
				ev.Ack()
			}
		case <-ctx.Done():
			return
		}
	}
}
