package conduit

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/nevindra/conduit/storage"
)

// PoolEngine runs a workflow instance's ready steps concurrently, bounded
// to at most Concurrency steps in flight at once. Use it when step bodies
// are I/O-bound and independent branches of the graph should overlap, but
// an unbounded fan-out would overwhelm a downstream dependency (a database,
// an external API's rate limit).
type PoolEngine struct {
	store       storage.Store
	concurrency int64
}

var _ Engine = (*PoolEngine)(nil)

// NewPoolEngine creates a PoolEngine that runs at most concurrency steps of
// a single instance simultaneously. concurrency <= 0 is treated as 1.
func NewPoolEngine(store storage.Store, concurrency int) *PoolEngine {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &PoolEngine{store: store, concurrency: int64(concurrency)}
}

// Dispatch runs wf to completion against inputs and returns its Result.
func (e *PoolEngine) Dispatch(ctx context.Context, wf *Workflow, inputs Inputs) (Result, error) {
	instanceID := NewInstanceID()
	inst, err := startRun(ctx, e.store, wf, inputs, instanceID)
	if err != nil {
		return Result{}, err
	}

	sem := semaphore.NewWeighted(e.concurrency)
	done := make(chan stepOutcome)
	var wg sync.WaitGroup

	launch := func(name string) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := sem.Acquire(ctx, 1); err != nil {
				done <- stepOutcome{name: name, status: Cancelled}
				return
			}
			defer sem.Release(1)

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

	var firstErr error
	for inflight > 0 {
		outcome := <-done
		inflight--

		ready, _, err := foldOutcome(ctx, e.store, wf, inst, outcome)
		if err != nil && firstErr == nil {
			firstErr = err
			continue
		}
		for _, name := range ready {
			inflight++
			launch(name)
		}
	}
	wg.Wait()
	close(done)

	if firstErr != nil {
		return Result{}, firstErr
	}
	return finishRun(ctx, e.store, wf, inst)
}
