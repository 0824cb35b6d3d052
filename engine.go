package conduit

import (
	"context"
	"fmt"

	"github.com/nevindra/conduit/storage"
)

// Result is the outcome of an in-process Dispatch: the instance's final
// status and the recorded result of every declared output step.
type Result struct {
	InstanceID string
	Status     Status
	Outputs    map[string]any
	Steps      map[string]Status
}

// Engine drives a Workflow's steps to completion in-process, persisting
// instance state through a storage.Store as it goes. SerialEngine,
// PoolEngine, and AsyncEngine differ only in how many steps they run
// concurrently.
type Engine interface {
	Dispatch(ctx context.Context, wf *Workflow, inputs Inputs) (Result, error)
}

// stepOutcome is what running one step's body (condition check, bindings,
// policies) produced, before it is folded into the Instance's graph state.
type stepOutcome struct {
	name   string
	status Status
	result any
	err    error
}

// runStep evaluates conditions, assembles bindings, and invokes step.Fn
// wrapped in its policies. It never touches inst's graph state — callers
// fold the outcome in via foldOutcome so concurrent callers only mutate
// Instance through its own locked methods.
func runStep(ctx context.Context, inst *Instance, step *Step) stepOutcome {
	if !inst.ConditionsPass(step) {
		return stepOutcome{name: step.Name, status: Skipped}
	}

	in := inst.AssembleInputs(step)
	result, err := RunPolicies(ctx, step, step.Policies, func(ctx context.Context) (any, error) {
		return step.Fn(ctx, in)
	})
	if err != nil {
		return stepOutcome{name: step.Name, status: Failed, err: err}
	}
	return stepOutcome{name: step.Name, status: Succeeded, result: result}
}

// foldOutcome records outcome into inst, mirrors the transition to store,
// and returns the steps that became newly Ready or Cancelled as a result.
func foldOutcome(ctx context.Context, store storage.Store, wf *Workflow, inst *Instance, outcome stepOutcome) (ready, cancelled []string, err error) {
	ready, cancelled = inst.Complete(outcome.name, outcome.status, outcome.result)

	if store != nil {
		if err := store.SetState(ctx, wf.WorkflowID, wf.Version, inst.ID, outcome.name, outcome.status.String()); err != nil {
			return nil, nil, fmt.Errorf("persist state for %q: %w", outcome.name, err)
		}
		if outcome.status == Succeeded {
			if err := store.SetResult(ctx, wf.WorkflowID, wf.Version, inst.ID, outcome.name, outcome.result); err != nil {
				return nil, nil, fmt.Errorf("persist result for %q: %w", outcome.name, err)
			}
		}
		for _, c := range cancelled {
			if err := store.SetState(ctx, wf.WorkflowID, wf.Version, inst.ID, c, Cancelled.String()); err != nil {
				return nil, nil, fmt.Errorf("persist state for %q: %w", c, err)
			}
		}
	}
	return ready, cancelled, nil
}

// startRun creates a fresh Instance, seeds it in store, and notifies
// workflow policies. Shared setup for every Engine implementation.
func startRun(ctx context.Context, store storage.Store, wf *Workflow, inputs Inputs, instanceID string) (*Instance, error) {
	inst := NewInstance(instanceID, wf, inputs)

	if store != nil {
		if err := store.CreateRun(ctx, storage.RunSpec{
			WorkflowID: wf.WorkflowID,
			Version:    wf.Version,
			InstanceID: instanceID,
			StepNames:  wf.StepOrder(),
			Inputs:     map[string]any(inputs),
		}); err != nil {
			return nil, fmt.Errorf("create run: %w", err)
		}
	}
	for _, p := range wf.Policies() {
		p.OnWorkflowStart(ctx, instanceID)
	}
	return inst, nil
}

// finishRun finalizes store state and notifies workflow policies once an
// instance has no more steps to run, then assembles the Result.
func finishRun(ctx context.Context, store storage.Store, wf *Workflow, inst *Instance) (Result, error) {
	inst.Finalize()
	status := inst.Status()

	if store != nil {
		if err := store.FinalizeRun(ctx, wf.WorkflowID, wf.Version, inst.ID, status.String()); err != nil {
			return Result{}, fmt.Errorf("finalize run: %w", err)
		}
	}
	for _, p := range wf.Policies() {
		p.OnWorkflowEnd(ctx, inst.ID, status)
	}

	outputs := make(map[string]any, len(wf.Outputs()))
	for _, name := range wf.Outputs() {
		if v, ok := inst.Result(name); ok {
			outputs[name] = v
		}
	}
	return Result{InstanceID: inst.ID, Status: status, Outputs: outputs, Steps: inst.States()}, nil
}

// notifyStart/notifyOutcome fan a step transition out to every
// workflow policy, in declared (outermost-first) order.
func notifyStart(ctx context.Context, wf *Workflow, instanceID, name string) {
	for _, p := range wf.Policies() {
		p.OnStepStart(ctx, instanceID, name)
	}
}

func notifyOutcome(ctx context.Context, wf *Workflow, instanceID string, outcome stepOutcome) {
	for _, p := range wf.Policies() {
		switch outcome.status {
		case Succeeded:
			p.OnStepSuccess(ctx, instanceID, outcome.name, outcome.result)
		case Failed:
			p.OnStepFailure(ctx, instanceID, outcome.name, outcome.err)
		}
	}
}
