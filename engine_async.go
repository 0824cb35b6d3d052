package conduit

import (
	"context"

	"github.com/nevindra/conduit/storage"
)

// AsyncEngine runs every ready step of an instance in its own goroutine as
// soon as it becomes ready, with no concurrency cap — the reactive,
// wave-free execution model: a finishing step immediately unblocks its
// dependents rather than waiting for sibling steps in the same "layer" to
// finish. Suited to graphs whose step bodies are cheap or already
// rate-limited elsewhere; use PoolEngine when the fan-out itself needs
// bounding.
type AsyncEngine struct {
	store storage.Store
}

var _ Engine = (*AsyncEngine)(nil)

// NewAsyncEngine creates an AsyncEngine persisting instance state through
// store. Pass nil to run purely in memory with no persistence.
func NewAsyncEngine(store storage.Store) *AsyncEngine {
	return &AsyncEngine{store: store}
}

// Dispatch runs wf to completion against inputs and returns its Result.
func (e *AsyncEngine) Dispatch(ctx context.Context, wf *Workflow, inputs Inputs) (Result, error) {
	instanceID := NewInstanceID()
	inst, err := startRun(ctx, e.store, wf, inputs, instanceID)
	if err != nil {
		return Result{}, err
	}

	done := make(chan stepOutcome, len(wf.StepOrder()))

	launch := func(name string) {
		go func() {
			step := wf.Steps()[name]
			notifyStart(ctx, wf, instanceID, name)
			outcome := runStep(ctx, inst, step)
			notifyOutcome(ctx, wf, instanceID, outcome)
			done <- outcome
		}()
	}

	inflight := 0
	for _, name := range wf.Roots() {
		inflight++
		launch(name)
	}

	for inflight > 0 {
		outcome := <-done
		inflight--

		ready, _, err := foldOutcome(ctx, e.store, wf, inst, outcome)
		if err != nil {
			return Result{}, err
		}
		for _, name := range ready {
			inflight++
			launch(name)
		}
	}

	return finishRun(ctx, e.store, wf, inst)
}
