package broker

import (
	"context"
	"time"

	"github.com/nevindra/conduit"
)

// RunReaper runs the periodic lease and worker sweep until ctx is
// cancelled, grounded on the teacher's ticker-driven scheduler loop
// (scheduler.go): a ticker fires, one sweep runs, repeat.
func (b *Broker) RunReaper(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.reapLeases(ctx)
			b.reapWorkers(ctx)
		}
	}
}

// reapLeases reclaims every lease past its deadline: state reverts to
// Pending, the step is re-enqueued, and the lease entry is dropped (spec
// §4.4.6).
func (b *Broker) reapLeases(ctx context.Context) {
	for _, exp := range b.leases.expired(b.clock.Now()) {
		if err := b.reclaim(ctx, exp.InstanceID, exp.StepName); err != nil {
			b.logger.Warn("lease reclaim failed", "instance", exp.InstanceID, "step", exp.StepName, "error", err)
			continue
		}
		b.leases.release(exp.InstanceID, exp.StepName)
	}
}

// reapWorkers prunes any worker whose last_seen exceeds workerTTL and
// reclaims its outstanding leases immediately regardless of their own
// deadlines — a worker that stopped heartbeating is assumed gone.
func (b *Broker) reapWorkers(ctx context.Context) {
	now := b.clock.Now()
	var dead []string

	b.mu.Lock()
	for id, w := range b.workers {
		if now.Sub(w.LastSeen) > b.workerTTL {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		delete(b.workers, id)
	}
	activeCount := len(b.workers)
	b.mu.Unlock()

	if b.metrics != nil {
		b.metrics.WorkersActive.Set(float64(activeCount))
	}

	for _, id := range dead {
		for _, held := range b.leases.byWorker(id) {
			if err := b.reclaim(ctx, held.InstanceID, held.StepName); err != nil {
				b.logger.Warn("lease reclaim failed for dead worker", "worker", id, "instance", held.InstanceID, "step", held.StepName, "error", err)
				continue
			}
			b.leases.release(held.InstanceID, held.StepName)
		}
	}
}

// reclaim reverts one leased step to Pending and re-enqueues it. A step
// that already reached a terminal state via a late report racing this
// sweep is left alone.
func (b *Broker) reclaim(ctx context.Context, instanceID, stepName string) error {
	rec, inst, ok := b.lookup(instanceID)
	if !ok || inst == nil {
		return nil
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if inst.State(stepName) != conduit.Running {
		return nil
	}
	inst.Revert(stepName)
	if err := b.store.SetState(ctx, rec.wf.WorkflowID, rec.wf.Version, instanceID, stepName, conduit.Pending.String()); err != nil {
		return &conduit.StorageError{Op: "set_state", Err: err}
	}
	if err := b.store.Enqueue(ctx, rec.wf.WorkflowID, rec.wf.Version, instanceID, stepName); err != nil {
		return &conduit.StorageError{Op: "enqueue", Err: err}
	}
	if b.metrics != nil {
		b.metrics.LeasesReclaimed.Inc()
	}
	return nil
}
