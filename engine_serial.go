package conduit

import (
	"context"

	"github.com/nevindra/conduit/storage"
)

// SerialEngine runs one workflow instance at a time, one step at a time, in
// the calling goroutine. It never parallelizes independent steps — useful
// for deterministic tests and for embedding inside a larger sequential
// pipeline where predictable step order matters more than throughput.
type SerialEngine struct {
	store storage.Store
}

var _ Engine = (*SerialEngine)(nil)

// NewSerialEngine creates a SerialEngine persisting instance state through
// store. Pass nil to run purely in memory with no persistence.
func NewSerialEngine(store storage.Store) *SerialEngine {
	return &SerialEngine{store: store}
}

// Dispatch runs wf to completion against inputs and returns its Result.
func (e *SerialEngine) Dispatch(ctx context.Context, wf *Workflow, inputs Inputs) (Result, error) {
	instanceID := NewInstanceID()
	inst, err := startRun(ctx, e.store, wf, inputs, instanceID)
	if err != nil {
		return Result{}, err
	}

	queue := append([]string(nil), wf.Roots()...)
	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return Result{}, err
		}

		name := queue[0]
		queue = queue[1:]

		step := wf.Steps()[name]
		notifyStart(ctx, wf, instanceID, name)
		outcome := runStep(ctx, inst, step)
		notifyOutcome(ctx, wf, instanceID, outcome)

		ready, _, err := foldOutcome(ctx, e.store, wf, inst, outcome)
		if err != nil {
			return Result{}, err
		}
		queue = append(queue, ready...)
	}

	return finishRun(ctx, e.store, wf, inst)
}
