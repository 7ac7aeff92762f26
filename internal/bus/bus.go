// Package bus implements the stage event bus: persist a stage, then
// announce it on the execution's topic and the owning crew's aggregate
// topic.
//
// Persistence and publication have different failure policies. A failed
// append is fatal to the caller (the execution cannot proceed without a
// durable audit trail); a failed or partial publish is logged and
// swallowed, since viewers recover through Replay.
package bus

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/tdawe/crewline/internal/pubsub"
	"github.com/tdawe/crewline/internal/run"
	"github.com/tdawe/crewline/internal/store"
)

// Bus appends stages to the store and publishes them to the fabric.
type Bus struct {
	store  *store.Store
	broker *pubsub.Broker
}

// New creates a Bus over the given store and broker.
func New(st *store.Store, broker *pubsub.Broker) *Bus {
	return &Bus{store: st, broker: broker}
}

// Append persists a stage for an execution, assigns its sequence
// number, and publishes it on the execution topic and the crew topic.
// The publish step is best-effort and never fails the append.
func (b *Bus) Append(ctx context.Context, executionID, crewID string, stage run.Stage) (run.StageRecord, error) {
	rec, err := b.store.AppendStage(ctx, executionID, stage)
	if err != nil {
		return rec, fmt.Errorf("append stage for %s: %w", executionID, err)
	}

	msg := pubsub.Message{
		Kind:        pubsub.KindStage,
		ExecutionID: executionID,
		Stage:       &rec,
	}
	b.broker.Publish(pubsub.ExecutionTopic(executionID), msg)
	if crewID != "" {
		b.broker.Publish(pubsub.CrewTopic(crewID), msg)
	}

	slog.Debug("stage appended",
		"execution_id", executionID,
		"seq", rec.Seq,
		"task_index", stage.TaskIndex,
		"stage_type", stage.Type,
	)

	return rec, nil
}

// Replay returns all persisted stages for an execution from fromSeq
// onward, in sequence order. fromSeq values below 1 are clamped to 1.
func (b *Bus) Replay(ctx context.Context, executionID string, fromSeq int64) ([]run.StageRecord, error) {
	if fromSeq < 1 {
		fromSeq = 1
	}
	records, err := b.store.ReadStages(ctx, executionID, fromSeq)
	if err != nil {
		return nil, fmt.Errorf("replay stages for %s: %w", executionID, err)
	}
	return records, nil
}

// Announce publishes a non-stage hint (resolution, cancellation) on the
// execution's topic. Best-effort, like the stage publish step.
func (b *Bus) Announce(executionID string, kind pubsub.MessageKind) {
	b.broker.Publish(pubsub.ExecutionTopic(executionID), pubsub.Message{
		Kind:        kind,
		ExecutionID: executionID,
	})
}

// Broker exposes the underlying fabric for subscribers (gate waits,
// fan-out connections).
func (b *Bus) Broker() *pubsub.Broker {
	return b.broker
}
