// Package broker implements the persistent scheduler of spec §4.4: it
// accepts workflow instances, hands ready steps to workers as leased
// assignments, enforces at-most-once execution per step-instance, prunes
// dead workers, and drives successor readiness as reports arrive.
package broker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nevindra/conduit"
	"github.com/nevindra/conduit/observability"
	"github.com/nevindra/conduit/storage"
)

// nopLogger discards all output, matching the storage backends' logging
// convention: silent unless a caller opts in with WithLogger.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// WorkerInfo is the broker's registration record for one connected worker.
type WorkerInfo struct {
	ID          string
	ConnectedAt time.Time
	LastSeen    time.Time
	Schemas     []conduit.WorkflowSchema
	LastTask    string
}

// StepPayload is the data handed to a worker alongside a step assignment:
// the raw workflow inputs and every predecessor result recorded so far
// (spec §3's Assignment.payload), plus Inputs — the per-parameter bag the
// broker has already resolved from the step's declared bindings, which is
// what the worker actually passes to the step body.
type StepPayload struct {
	WorkflowInputs map[string]any `json:"workflow_inputs"`
	Results        map[string]any `json:"results"`
	Inputs         map[string]any `json:"inputs"`
}

// Assignment is a leased step handed to a worker with a deadline.
type Assignment struct {
	WorkflowID string      `json:"workflow_id"`
	Version    int         `json:"version"`
	InstanceID string      `json:"instance_id"`
	StepName   string      `json:"step_name"`
	Payload    StepPayload `json:"payload"`
	IssuedAt   time.Time   `json:"issued_at"`
	Deadline   time.Time   `json:"deadline"`
	WorkerID   string      `json:"worker_id"`
}

// StepReport is what a worker posts back after attempting a step.
type StepReport struct {
	WorkflowID string          `json:"workflow_id"`
	Version    int             `json:"version"`
	InstanceID string          `json:"instance_id"`
	StepName   string          `json:"step_name"`
	State      conduit.Status  `json:"state"`
	Result     any             `json:"result,omitempty"`
	Error      string          `json:"error,omitempty"`
}

// schemaKey identifies a registered workflow definition by its identity
// pair (spec §3: "(workflow_id, version) pair is the schema identity").
type schemaKey struct {
	workflowID string
	version    int
}

func keyOf(workflowID string, version int) schemaKey { return schemaKey{workflowID, version} }

// instanceRecord is the broker's live view of one dispatched instance: the
// executable graph it belongs to and its runtime state, guarded by its own
// mutex so readiness recomputation is serialized per instance while
// distinct instances proceed in parallel (spec §5's concurrency model).
type instanceRecord struct {
	mu  sync.Mutex
	wf  *conduit.Workflow
	key schemaKey
}

// Broker is the distributed scheduler. It holds the authoritative view of
// every dispatched instance; instance state (step states, results, queue)
// is also written to the configured storage.Store. Scheduling reads the
// broker's in-memory Instances, which are not rebuilt from the store after
// a broker restart.
type Broker struct {
	store storage.Store

	mu            sync.Mutex
	schemas       map[schemaKey]*conduit.Workflow
	instances     map[string]*instanceRecord    // instanceID -> record (locking, graph)
	liveInstances map[string]*conduit.Instance  // instanceID -> runtime state
	order         []string                      // instance round-robin order for GetStep
	orderIdx      int
	workers       map[string]*WorkerInfo

	leases *leaseTable

	clock           conduit.Clock
	tracer          conduit.Tracer
	metrics         *observability.Metrics
	logger          *slog.Logger
	defaultDeadline time.Duration
	workerTTL       time.Duration
}

// Option configures a Broker at construction time.
type Option func(*Broker)

// WithLogger sets a structured logger. Silent by default.
func WithLogger(l *slog.Logger) Option { return func(b *Broker) { b.logger = l } }

// WithRuntime supplies the clock and trace sink. Defaults to
// conduit.NewRuntime()'s no-op tracer and system clock.
func WithRuntime(rt *conduit.Runtime) Option {
	return func(b *Broker) {
		if rt == nil {
			return
		}
		if rt.Clock != nil {
			b.clock = rt.Clock
		}
		if rt.Tracer != nil {
			b.tracer = rt.Tracer
		}
	}
}

// WithMetrics attaches a Prometheus metrics set. Unset by default: every
// instrumentation call below is a no-op until one is supplied.
func WithMetrics(m *observability.Metrics) Option {
	return func(b *Broker) { b.metrics = m }
}

// WithDefaultDeadline sets the assignment deadline used when a step
// carries no Timeout policy. Defaults to 5 minutes.
func WithDefaultDeadline(d time.Duration) Option {
	return func(b *Broker) { b.defaultDeadline = d }
}

// WithWorkerTTL sets how long a worker may go without a keep-alive before
// the reaper prunes it and reclaims its leases. Defaults to 90 seconds.
func WithWorkerTTL(d time.Duration) Option {
	return func(b *Broker) { b.workerTTL = d }
}

// New creates a Broker backed by store. Callers must call store.Init
// before using the broker, and should call RunReaper in a background
// goroutine to reclaim expired leases and prune dead workers.
func New(store storage.Store, opts ...Option) *Broker {
	b := &Broker{
		store:           store,
		schemas:         make(map[schemaKey]*conduit.Workflow),
		instances:       make(map[string]*instanceRecord),
		liveInstances:   make(map[string]*conduit.Instance),
		workers:         make(map[string]*WorkerInfo),
		leases:          newLeaseTable(),
		clock:           conduit.SystemClock,
		tracer:          conduit.NoopTracer{},
		logger:          nopLogger,
		defaultDeadline: 5 * time.Minute,
		workerTTL:       90 * time.Second,
	}
	for _, o := range opts {
		o(b)
	}
	return b
}

// RegisterWorkflow registers the executable graph for (wf.WorkflowID,
// wf.Version). Conditions and dependency bindings are Go closures, so
// unlike worker registration (which only ever carries a WorkflowSchema)
// this is a direct, in-process Go API call made by the application
// embedding the broker — the same way a worker process is built from the
// workflow package it imports.
func (b *Broker) RegisterWorkflow(wf *conduit.Workflow) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := keyOf(wf.WorkflowID, wf.Version)
	if existing, ok := b.schemas[key]; ok {
		if !sameSchema(existing, wf) {
			return &conduit.SchemaConflictError{WorkflowID: wf.WorkflowID, Version: wf.Version}
		}
		return nil
	}
	b.schemas[key] = wf
	return nil
}

func sameSchema(a, b *conduit.Workflow) bool {
	aBytes, err := conduit.ToSchema(a, nil).ToJSON()
	if err != nil {
		return false
	}
	bBytes, err := conduit.ToSchema(b, nil).ToJSON()
	if err != nil {
		return false
	}
	return string(aBytes) == string(bBytes)
}

// RegisterWorker implements spec §4.4.1. schemas is the list of workflow
// definitions the worker declares it can execute; each is checked against
// any schema already registered for the same (workflow_id, version) via
// RegisterWorkflow or an earlier RegisterWorker call. A conflicting
// definition is rejected wholesale: the worker may not proceed.
func (b *Broker) RegisterWorker(ctx context.Context, schemas []conduit.WorkflowSchema) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, s := range schemas {
		key := keyOf(s.WorkflowID, s.Version)
		candidateBytes, err := s.ToJSON()
		if err != nil {
			return "", fmt.Errorf("marshal candidate schema: %w", err)
		}
		if existing, ok := b.schemas[key]; ok {
			existingBytes, err := conduit.ToSchema(existing, nil).ToJSON()
			if err != nil {
				return "", fmt.Errorf("marshal registered schema: %w", err)
			}
			if string(existingBytes) != string(candidateBytes) {
				return "", &conduit.SchemaConflictError{WorkflowID: s.WorkflowID, Version: s.Version}
			}
		}
		for _, w := range b.workers {
			for _, ws := range w.Schemas {
				if keyOf(ws.WorkflowID, ws.Version) != key {
					continue
				}
				wsBytes, err := ws.ToJSON()
				if err != nil {
					return "", fmt.Errorf("marshal worker schema: %w", err)
				}
				if string(wsBytes) != string(candidateBytes) {
					return "", &conduit.SchemaConflictError{WorkflowID: s.WorkflowID, Version: s.Version}
				}
			}
		}
	}

	id := conduit.NewWorkerID()
	now := b.clock.Now()
	b.workers[id] = &WorkerInfo{ID: id, ConnectedAt: now, LastSeen: now, Schemas: schemas}
	if b.metrics != nil {
		b.metrics.WorkersActive.Set(float64(len(b.workers)))
	}
	return id, nil
}

// KeepAlive implements spec §4.4.5.
func (b *Broker) KeepAlive(ctx context.Context, workerID string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	w, ok := b.workers[workerID]
	if !ok {
		return &conduit.LeaseError{WorkerID: workerID, Reason: "unknown worker"}
	}
	w.LastSeen = b.clock.Now()
	return nil
}

// Dispatch implements spec §4.4.2: validates inputs, creates a fresh
// instance, and enqueues every root step (a step with no predecessors).
// Condition gates and non-root readiness are evaluated lazily, the first
// time a step is actually fetched (GetStep mirrors the in-process
// engines' runStep check) rather than eagerly walking the whole graph up
// front — the two are behaviorally equivalent since a condition or
// binding can only observe inputs and already-recorded results, and
// evaluating it once more before a lease is issued costs nothing a
// concurrent worker could race.
func (b *Broker) Dispatch(ctx context.Context, workflowID string, version int, inputs conduit.Inputs) (string, error) {
	ctx, span := b.tracer.Start(ctx, "broker.dispatch",
		conduit.StringAttr("workflow_id", workflowID), conduit.IntAttr("version", version))
	defer span.End()

	b.mu.Lock()
	wf, ok := b.schemas[keyOf(workflowID, version)]
	b.mu.Unlock()
	if !ok {
		err := &conduit.GraphConstructionError{Workflow: workflowID, Reason: "no registered schema for this (workflow_id, version)"}
		span.Error(err)
		return "", err
	}

	for _, key := range wf.InputKeys() {
		if _, ok := inputs[key]; !ok {
			err := &conduit.InputValidationError{Workflow: workflowID, Reason: fmt.Sprintf("missing required input %q", key)}
			span.Error(err)
			return "", err
		}
	}

	instanceID := conduit.NewInstanceID()
	inst := conduit.NewInstance(instanceID, wf, inputs)

	if err := b.store.CreateRun(ctx, storage.RunSpec{
		WorkflowID: wf.WorkflowID,
		Version:    wf.Version,
		InstanceID: instanceID,
		StepNames:  wf.StepOrder(),
		Inputs:     map[string]any(inputs),
	}); err != nil {
		return "", &conduit.StorageError{Op: "create_run", Err: err}
	}

	for _, p := range wf.Policies() {
		p.OnWorkflowStart(ctx, instanceID)
	}

	for _, root := range wf.Roots() {
		if err := b.store.Enqueue(ctx, wf.WorkflowID, wf.Version, instanceID, root); err != nil {
			return "", &conduit.StorageError{Op: "enqueue", Err: err}
		}
	}

	rec := &instanceRecord{wf: wf, key: keyOf(workflowID, version)}
	b.mu.Lock()
	b.instances[instanceID] = rec
	b.liveInstances[instanceID] = inst
	b.order = append(b.order, instanceID)
	b.mu.Unlock()

	span.SetAttr(conduit.StringAttr("instance_id", instanceID))
	span.Event("start")
	if b.metrics != nil {
		b.metrics.InstancesDispatched.Inc()
	}
	return instanceID, nil
}

// lookup returns an instance's record and live runtime state together.
func (b *Broker) lookup(instanceID string) (*instanceRecord, *conduit.Instance, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rec, ok := b.instances[instanceID]
	if !ok {
		return nil, nil, false
	}
	return rec, b.liveInstances[instanceID], true
}

// Schemas returns every registered workflow's serializable schema, for
// the `/workflows` inspection endpoint. Never fails; an empty broker
// returns an empty slice.
func (b *Broker) Schemas() []conduit.WorkflowSchema {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]conduit.WorkflowSchema, 0, len(b.schemas))
	for _, wf := range b.schemas {
		out = append(out, conduit.ToSchema(wf, nil))
	}
	return out
}

// Workers returns a snapshot of every connected worker, for the
// `/workers` inspection endpoint.
func (b *Broker) Workers() []WorkerInfo {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]WorkerInfo, 0, len(b.workers))
	for _, w := range b.workers {
		out = append(out, *w)
	}
	return out
}

// GetStep implements spec §4.4.3. It scans instances in round-robin order
// looking for ready work; within an instance it drains store.FetchNext
// until a step is found whose state is still Pending (a step can be
// enqueued and then cancelled by a racing report before a worker fetches
// it — such entries are dropped silently, per spec) or the queue empties.
// Returns (nil, nil) when no work is available anywhere.
func (b *Broker) GetStep(ctx context.Context, workerID string) (*Assignment, error) {
	b.mu.Lock()
	if _, ok := b.workers[workerID]; !ok {
		b.mu.Unlock()
		return nil, &conduit.LeaseError{WorkerID: workerID, Reason: "unknown worker"}
	}
	order := append([]string(nil), b.order...)
	start := b.orderIdx
	b.mu.Unlock()

	for i := 0; i < len(order); i++ {
		idx := (start + i) % len(order)
		instanceID := order[idx]
		rec, inst, ok := b.lookup(instanceID)
		if !ok || inst == nil {
			continue
		}

		for {
			stepName, err := b.store.FetchNext(ctx, rec.wf.WorkflowID, rec.wf.Version, instanceID)
			if err == storage.ErrEmpty {
				break
			}
			if err != nil {
				return nil, &conduit.StorageError{Op: "fetch_next", Err: err}
			}

			assignment, leased, err := b.tryLease(ctx, rec, inst, instanceID, stepName, workerID)
			if err != nil {
				return nil, err
			}
			if leased {
				b.mu.Lock()
				b.orderIdx = (idx + 1) % len(order)
				b.mu.Unlock()
				return assignment, nil
			}
			// Step was dropped (no longer Pending, Skipped by a condition
			// gate, or failed a lease-time binding check); keep draining.
		}
	}
	return nil, nil
}

// tryLease attempts to lease one fetched step. It returns (nil, false,
// nil) when the step turned out not to be leasable — the caller should
// keep draining the same instance's queue rather than treating this as an
// error.
func (b *Broker) tryLease(ctx context.Context, rec *instanceRecord, inst *conduit.Instance, instanceID, stepName, workerID string) (*Assignment, bool, error) {
	rec.mu.Lock()
	defer rec.mu.Unlock()

	if inst.State(stepName) != conduit.Pending {
		return nil, false, nil
	}

	ctx, span := b.tracer.Start(ctx, "broker.lease",
		conduit.StringAttr("instance_id", instanceID), conduit.StringAttr("step_name", stepName))
	defer span.End()

	step := rec.wf.Steps()[stepName]

	if !inst.ConditionsPass(step) {
		if err := b.applyOutcome(ctx, rec.wf, inst, instanceID, stepName, conduit.Skipped, nil); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	in := inst.AssembleInputs(step)
	for param, binding := range step.Bindings {
		if _, ok := in[param]; ok {
			continue
		}
		if _, isConditional := binding.(conduit.ConditionalStepOutputBinding); isConditional {
			continue
		}
		// Missing required binding: spec §4.1 "fails the step immediately".
		if err := b.applyOutcome(ctx, rec.wf, inst, instanceID, stepName, conduit.Failed, nil); err != nil {
			return nil, false, err
		}
		return nil, false, nil
	}

	inst.MarkRunning(stepName)
	if err := b.store.SetState(ctx, rec.wf.WorkflowID, rec.wf.Version, instanceID, stepName, conduit.Running.String()); err != nil {
		return nil, false, &conduit.StorageError{Op: "set_state", Err: err}
	}

	deadline := b.stepDeadline(step)
	now := b.clock.Now()
	b.leases.issue(instanceID, stepName, workerID, now, now.Add(deadline))
	span.Event("start", conduit.StringAttr("worker_id", workerID))
	if b.metrics != nil {
		b.metrics.StepsAssigned.Inc()
	}

	return &Assignment{
		WorkflowID: rec.wf.WorkflowID,
		Version:    rec.wf.Version,
		InstanceID: instanceID,
		StepName:   stepName,
		Payload: StepPayload{
			WorkflowInputs: map[string]any(inst.Inputs()),
			Results:        inst.Results(),
			Inputs:         in,
		},
		IssuedAt: now,
		Deadline: now.Add(deadline),
		WorkerID: workerID,
	}, true, nil
}

// stepDeadline returns the assignment deadline for step: its Timeout
// policy's duration if it declares one, otherwise the broker's configured
// default (spec §4.4.3: "computes deadline from any StepTimeoutPolicy,
// otherwise a configured default").
func (b *Broker) stepDeadline(step *conduit.Step) time.Duration {
	for _, p := range step.Policies {
		if t, ok := p.(*conduit.Timeout); ok && t.Seconds > 0 {
			return t.Seconds
		}
	}
	return b.defaultDeadline
}

// ReportStep implements spec §4.4.4. It validates lease ownership, then
// applies the reported outcome. Non-terminal reports are accepted only
// for progress visibility (the lease is left intact); terminal re-reports
// on an already-terminal step are accepted idempotently.
func (b *Broker) ReportStep(ctx context.Context, workerID string, report StepReport) error {
	rec, inst, ok := b.lookup(report.InstanceID)
	if !ok || inst == nil {
		return &conduit.LeaseError{InstanceID: report.InstanceID, StepName: report.StepName, WorkerID: workerID, Reason: "unknown instance"}
	}

	owner, held := b.leases.owner(report.InstanceID, report.StepName)
	if !held {
		if inst.State(report.StepName).IsTerminal() {
			return nil
		}
		return &conduit.LeaseError{InstanceID: report.InstanceID, StepName: report.StepName, WorkerID: workerID, Reason: "no outstanding lease"}
	}
	if owner != workerID {
		return &conduit.LeaseError{InstanceID: report.InstanceID, StepName: report.StepName, WorkerID: workerID, Reason: "lease held by a different worker"}
	}

	rec.mu.Lock()
	defer rec.mu.Unlock()

	if inst.State(report.StepName).IsTerminal() {
		return nil
	}

	if !report.State.IsTerminal() {
		b.touchWorker(workerID, report.StepName)
		return nil
	}

	if err := b.applyOutcome(ctx, rec.wf, inst, report.InstanceID, report.StepName, report.State, report.Result); err != nil {
		return err
	}
	b.leases.release(report.InstanceID, report.StepName)
	b.touchWorker(workerID, report.StepName)
	return nil
}

func (b *Broker) touchWorker(workerID, lastTask string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if w, ok := b.workers[workerID]; ok {
		w.LastTask = lastTask
		w.LastSeen = b.clock.Now()
	}
}

// applyOutcome records a step's terminal outcome and persists every
// consequence: the step's own state (and result, if it succeeded), newly
// Cancelled successors, newly Ready successors re-enqueued for dispatch,
// and the instance's finalization once every step is terminal. It is the
// broker's equivalent of the in-process engines' foldOutcome, built on
// Instance's exported API since the two packages cannot share the
// unexported helper.
func (b *Broker) applyOutcome(ctx context.Context, wf *conduit.Workflow, inst *conduit.Instance, instanceID, stepName string, status conduit.Status, result any) error {
	ready, cancelled := inst.Complete(stepName, status, result)

	ctx, span := b.tracer.Start(ctx, "broker.outcome",
		conduit.StringAttr("instance_id", instanceID), conduit.StringAttr("step_name", stepName))
	defer span.End()
	span.Event(traceEventFor(status))
	if b.metrics != nil {
		b.metrics.StepsReported.WithLabelValues(status.String()).Inc()
	}

	if err := b.store.SetState(ctx, wf.WorkflowID, wf.Version, instanceID, stepName, status.String()); err != nil {
		return &conduit.StorageError{Op: "set_state", Err: err}
	}
	if status == conduit.Succeeded {
		if err := b.store.SetResult(ctx, wf.WorkflowID, wf.Version, instanceID, stepName, result); err != nil {
			return &conduit.StorageError{Op: "set_result", Err: err}
		}
	}
	for _, c := range cancelled {
		if err := b.store.SetState(ctx, wf.WorkflowID, wf.Version, instanceID, c, conduit.Cancelled.String()); err != nil {
			return &conduit.StorageError{Op: "set_state", Err: err}
		}
	}
	for _, r := range ready {
		if err := b.store.Enqueue(ctx, wf.WorkflowID, wf.Version, instanceID, r); err != nil {
			return &conduit.StorageError{Op: "enqueue", Err: err}
		}
	}

	if inst.IsDone() {
		inst.Finalize()
		if err := b.store.FinalizeRun(ctx, wf.WorkflowID, wf.Version, instanceID, inst.Status().String()); err != nil {
			return &conduit.StorageError{Op: "finalize_run", Err: err}
		}
		if b.metrics != nil {
			b.metrics.InstancesFinalized.WithLabelValues(inst.Status().String()).Inc()
		}
		for _, p := range wf.Policies() {
			p.OnWorkflowEnd(ctx, instanceID, inst.Status())
		}
	}
	return nil
}

// traceEventFor maps a terminal Status onto the trace sink's event
// vocabulary (spec §6: start, success, failure, skip, cancel, retry).
func traceEventFor(status conduit.Status) string {
	switch status {
	case conduit.Succeeded:
		return "success"
	case conduit.Failed:
		return "failure"
	case conduit.Skipped:
		return "skip"
	case conduit.Cancelled:
		return "cancel"
	default:
		return status.String()
	}
}
