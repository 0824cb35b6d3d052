package conduit

import "fmt"

// GraphConstructionError is returned by NewWorkflow when the step graph is
// invalid: a cycle, a duplicate step name, or a missing predecessor
// reference. Edges are not checked for conflicts: the same target may be
// wired under more than one action label.
type GraphConstructionError struct {
	Workflow string
	Reason   string
}

func (e *GraphConstructionError) Error() string {
	return fmt.Sprintf("workflow %q: %s", e.Workflow, e.Reason)
}

// InputValidationError is returned when a dispatch's workflow inputs are
// missing or mistyped against the declared input keys. A dependency
// binding that cannot be resolved at lease time fails the step instead.
type InputValidationError struct {
	Workflow string
	Reason   string
}

func (e *InputValidationError) Error() string {
	return fmt.Sprintf("workflow %q: invalid input: %s", e.Workflow, e.Reason)
}

// SchemaConflictError is returned when registering a workflow schema whose
// (workflow_id, version) identity already exists under a differing
// definition.
type SchemaConflictError struct {
	WorkflowID string
	Version    int
}

func (e *SchemaConflictError) Error() string {
	return fmt.Sprintf("schema conflict: %s@%d already registered with a different definition", e.WorkflowID, e.Version)
}

// LeaseError is returned when a worker reports a step it does not hold the
// lease for, or whose lease was already reclaimed by the reaper.
type LeaseError struct {
	InstanceID string
	StepName   string
	WorkerID   string
	Reason     string
}

func (e *LeaseError) Error() string {
	return fmt.Sprintf("lease error: instance %s step %q worker %s: %s", e.InstanceID, e.StepName, e.WorkerID, e.Reason)
}

// StorageError wraps a runtime storage backend failure. It surfaces the
// backend's error intact so callers can inspect the original cause.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage: %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error { return e.Err }

// StepExecutionError wraps the error a step body returned, after the retry
// policy (if any) exhausted its attempts.
type StepExecutionError struct {
	StepName string
	Attempts int
	Err      error
}

func (e *StepExecutionError) Error() string {
	return fmt.Sprintf("step %q failed after %d attempt(s): %v", e.StepName, e.Attempts, e.Err)
}

func (e *StepExecutionError) Unwrap() error { return e.Err }

// TimeoutError is returned when the timeout policy determines a step
// exceeded its deadline. The broker's lease reaper does not return it; it
// reverts the expired step to pending.
type TimeoutError struct {
	StepName string
	Deadline string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("step %q exceeded deadline %s", e.StepName, e.Deadline)
}

// WorkflowError describes a failed step of a workflow instance. The
// in-process engines do not return it: a Failed instance is reported
// through Result.Status with a nil error.
type WorkflowError struct {
	InstanceID string
	StepName   string
	Err        error
}

func (e *WorkflowError) Error() string {
	return fmt.Sprintf("workflow instance %s: step %q: %v", e.InstanceID, e.StepName, e.Err)
}

func (e *WorkflowError) Unwrap() error { return e.Err }
