// Package worker implements the Worker Engine of spec §4.5: a polling loop
// that registers with a broker, fetches ready assignments, runs the
// matching step body through its policy pipeline, and reports the
// outcome back.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/nevindra/conduit"
	"github.com/nevindra/conduit/broker"
	"github.com/nevindra/conduit/observability"
)

var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// BrokerClient is everything a Worker needs from a broker connection.
// *broker.Broker satisfies it directly for in-process deployments;
// HTTPClient satisfies it for a worker running against a remote broker
// over the wire surface of spec §6.
type BrokerClient interface {
	RegisterWorker(ctx context.Context, schemas []conduit.WorkflowSchema) (string, error)
	KeepAlive(ctx context.Context, workerID string) error
	GetStep(ctx context.Context, workerID string) (*broker.Assignment, error)
	ReportStep(ctx context.Context, workerID string, report broker.StepReport) error
}

var _ BrokerClient = (*broker.Broker)(nil)

// Worker runs the spec §4.5 main loop against a workflow's executable
// graph: the step bodies and policies are resolved in-process, keyed by
// the step name the broker assigns.
type Worker struct {
	client BrokerClient
	wf     *conduit.Workflow
	id     string

	pollInterval   time.Duration
	keepAliveEvery int
	logger         *slog.Logger
	metrics        *observability.Metrics
	tracer         conduit.Tracer
}

// Option configures a Worker at construction time.
type Option func(*Worker)

// WithLogger sets a structured logger. Silent by default.
func WithLogger(l *slog.Logger) Option { return func(w *Worker) { w.logger = l } }

// WithPollInterval sets how long the worker sleeps between empty GetStep
// calls. Defaults to 500ms.
func WithPollInterval(d time.Duration) Option { return func(w *Worker) { w.pollInterval = d } }

// WithKeepAliveEvery sets how many empty poll cycles pass between
// keep-alive calls. Defaults to 10.
func WithKeepAliveEvery(n int) Option {
	return func(w *Worker) {
		if n > 0 {
			w.keepAliveEvery = n
		}
	}
}

// WithMetrics attaches a Prometheus metrics set. Unset by default, in
// which case step duration is not recorded.
func WithMetrics(m *observability.Metrics) Option {
	return func(w *Worker) { w.metrics = m }
}

// WithTracer attaches a Tracer emitting the spec §6 trace sink's event
// vocabulary around each executed step. Defaults to conduit.NoopTracer{}.
func WithTracer(t conduit.Tracer) Option {
	return func(w *Worker) { w.tracer = t }
}

// New builds a Worker that serves wf's steps through client.
func New(client BrokerClient, wf *conduit.Workflow, opts ...Option) *Worker {
	w := &Worker{
		client:         client,
		wf:             wf,
		pollInterval:   500 * time.Millisecond,
		keepAliveEvery: 10,
		logger:         nopLogger,
		tracer:         conduit.NoopTracer{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// register declares wf's schema to the broker and records the assigned
// worker_id. Split out from Run so Pool can register once and share the
// resulting id across several runLoop goroutines.
func (w *Worker) register(ctx context.Context) error {
	id, err := w.client.RegisterWorker(ctx, []conduit.WorkflowSchema{conduit.ToSchema(w.wf, nil)})
	if err != nil {
		return fmt.Errorf("register worker: %w", err)
	}
	w.id = id
	w.logger.Info("worker registered", "worker_id", id, "workflow", w.wf.WorkflowID, "version", w.wf.Version)
	return nil
}

// Run registers and polls for work until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	if err := w.register(ctx); err != nil {
		return err
	}
	return w.runLoop(ctx)
}

// runLoop implements the poll/execute/report cycle of spec §4.5. It
// assumes register has already assigned w.id, and is safe to run from
// multiple goroutines sharing the same Worker (Pool does exactly this):
// the only mutable state is the local tick counter.
func (w *Worker) runLoop(ctx context.Context) error {
	ticks := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		assignment, err := w.client.GetStep(ctx, w.id)
		if err != nil {
			w.logger.Warn("get step failed", "error", err)
			if !sleepCtx(ctx, w.pollInterval) {
				return nil
			}
			continue
		}

		if assignment == nil {
			ticks++
			if ticks%w.keepAliveEvery == 0 {
				if err := w.client.KeepAlive(ctx, w.id); err != nil {
					w.logger.Warn("keep alive failed", "error", err)
				}
			}
			if !sleepCtx(ctx, w.pollInterval) {
				return nil
			}
			continue
		}

		w.execute(ctx, assignment)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

// execute resolves the assigned step in wf, runs it through its policy
// pipeline, and reports the outcome. An unknown step name (a worker
// serving a stale or mismatched schema) is reported Failed rather than
// causing the loop to crash.
func (w *Worker) execute(ctx context.Context, a *broker.Assignment) {
	ctx, span := w.tracer.Start(ctx, "worker.execute",
		conduit.StringAttr("instance_id", a.InstanceID), conduit.StringAttr("step", a.StepName))
	defer span.End()
	span.Event("start")

	step, ok := w.wf.Steps()[a.StepName]
	if !ok {
		err := fmt.Errorf("unknown step %q for workflow %s v%d", a.StepName, a.WorkflowID, a.Version)
		span.Error(err)
		span.Event("failure")
		w.report(ctx, a, conduit.Failed, nil, err.Error())
		return
	}

	start := time.Now()
	result, err := conduit.RunPolicies(ctx, step, step.Policies, func(ctx context.Context) (any, error) {
		return step.Fn(ctx, conduit.Inputs(a.Payload.Inputs))
	})
	if w.metrics != nil {
		w.metrics.StepDuration.WithLabelValues(a.StepName).Observe(time.Since(start).Seconds())
	}
	if err != nil {
		span.Error(err)
		span.Event("failure")
		w.report(ctx, a, conduit.Failed, nil, err.Error())
		return
	}
	span.Event("success")
	w.report(ctx, a, conduit.Succeeded, result, "")
}

// report posts the outcome, with one best-effort retry on transport
// failure — the lease-reaping broker side will reclaim the step anyway
// if both attempts are lost, per spec §4.5's LOST state.
func (w *Worker) report(ctx context.Context, a *broker.Assignment, status conduit.Status, result any, errMsg string) {
	rep := broker.StepReport{
		WorkflowID: a.WorkflowID,
		Version:    a.Version,
		InstanceID: a.InstanceID,
		StepName:   a.StepName,
		State:      status,
		Result:     result,
		Error:      errMsg,
	}
	if err := w.client.ReportStep(ctx, w.id, rep); err != nil {
		if err2 := w.client.ReportStep(ctx, w.id, rep); err2 != nil {
			w.logger.Error("report step failed after retry", "instance", a.InstanceID, "step", a.StepName, "error", err2)
		}
	}
}
