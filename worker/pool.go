package worker

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/nevindra/conduit"
)

// Pool spawns n goroutine workers sharing a single broker registration,
// per spec §4.5: "a worker may spawn multiple goroutine/thread workers
// sharing one registration" — matching WORKER_PROCESSES on the worker
// CLI (spec §6).
type Pool struct {
	client BrokerClient
	wf     *conduit.Workflow
	n      int
	opts   []Option
}

// NewPool builds a Pool of n workers for wf. n below 1 is treated as 1.
func NewPool(client BrokerClient, wf *conduit.Workflow, n int, opts ...Option) *Pool {
	if n < 1 {
		n = 1
	}
	return &Pool{client: client, wf: wf, n: n, opts: opts}
}

// Run registers once, then runs n polling loops sharing the resulting
// worker_id until ctx is cancelled or one loop returns an error.
func (p *Pool) Run(ctx context.Context) error {
	w := New(p.client, p.wf, p.opts...)
	if err := w.register(ctx); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < p.n; i++ {
		g.Go(func() error { return w.runLoop(gctx) })
	}
	return g.Wait()
}
