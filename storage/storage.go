// Package storage defines the pluggable runtime storage contract a
// workflow orchestrator's broker and in-process engines persist instance
// state through: per-instance step states, the ready-step FIFO, workflow
// inputs, and step results.
//
// Implementations must make FetchNext atomic across concurrent callers —
// two workers (or two broker goroutines) racing FetchNext for the same
// instance must never both receive the same step name — and must
// serialize state updates per (instance, step).
package storage

import (
	"context"
	"errors"
)

// ErrEmpty is returned by FetchNext when an instance's ready queue has no
// step to hand out.
var ErrEmpty = errors.New("storage: queue empty")

// ErrNotFound is returned by GetState/GetResult when the (instance, step)
// pair has no recorded value.
var ErrNotFound = errors.New("storage: not found")

// RunSpec describes a workflow instance at creation time.
type RunSpec struct {
	WorkflowID string
	Version    int
	InstanceID string
	StepNames  []string
	Inputs     map[string]any
}

// Store is the runtime storage contract of a workflow orchestrator.
// Backends provided by this module are in-memory (package memory, for
// tests and single-process engines) and persistent (package sqlite,
// package postgres). Persistent backends must survive process crashes.
type Store interface {
	// CreateRun initializes every named step to "pending", empties the
	// instance's queue, and records its inputs.
	CreateRun(ctx context.Context, spec RunSpec) error

	// Enqueue appends stepName to instanceID's FIFO if it is not already
	// queued. The step's recorded state is not checked: a running or
	// terminal step is appended like any other.
	Enqueue(ctx context.Context, workflowID string, version int, instanceID, stepName string) error

	// FetchNext pops the head of instanceID's FIFO. Returns ErrEmpty when
	// the queue has nothing ready. Must be atomic across concurrent
	// callers: two callers racing FetchNext never both receive the same
	// step name.
	FetchNext(ctx context.Context, workflowID string, version int, instanceID string) (stepName string, err error)

	// SetState records stepName's status ("pending", "running",
	// "succeeded", "failed", "cancelled", "skipped"). Serialized per
	// (instance, step); no compare-and-swap is required of callers.
	SetState(ctx context.Context, workflowID string, version int, instanceID, stepName, state string) error

	// GetState returns stepName's recorded status, or ErrNotFound if the
	// run was never created.
	GetState(ctx context.Context, workflowID string, version int, instanceID, stepName string) (string, error)

	// GetAllStates returns every step's recorded status for instanceID.
	GetAllStates(ctx context.Context, workflowID string, version int, instanceID string) (map[string]string, error)

	// SetInputs replaces instanceID's recorded workflow inputs.
	SetInputs(ctx context.Context, workflowID string, version int, instanceID string, inputs map[string]any) error

	// GetInputs returns instanceID's recorded workflow inputs.
	GetInputs(ctx context.Context, workflowID string, version int, instanceID string) (map[string]any, error)

	// SetResult records stepName's result after it reaches "succeeded".
	SetResult(ctx context.Context, workflowID string, version int, instanceID, stepName string, result any) error

	// GetResult returns stepName's recorded result, or ErrNotFound.
	GetResult(ctx context.Context, workflowID string, version int, instanceID, stepName string) (any, error)

	// GetAllResults returns every step's recorded result for instanceID.
	GetAllResults(ctx context.Context, workflowID string, version int, instanceID string) (map[string]any, error)

	// FinalizeRun writes the instance's terminal workflow status
	// ("succeeded" or "failed"). No completion time is recorded. Called
	// exactly once per instance.
	FinalizeRun(ctx context.Context, workflowID string, version int, instanceID, status string) error

	// SetConfig persists an opaque key/value pair, used by the broker's
	// repository registry (a named workflow repository's source URL and
	// credentials) rather than anything instance-scoped.
	SetConfig(ctx context.Context, key, value string) error

	// GetConfig returns a previously-set config value, or ErrNotFound.
	GetConfig(ctx context.Context, key string) (string, error)

	// Init prepares the backend (schema creation, connection warm-up).
	Init(ctx context.Context) error
	// Close releases backend resources.
	Close() error
}
