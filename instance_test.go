package conduit

import (
	"testing"
)

func mustWorkflow(t *testing.T, opts ...WorkflowOption) *Workflow {
	t.Helper()
	wf, err := NewWorkflow("wf", 1, opts...)
	if err != nil {
		t.Fatal(err)
	}
	return wf
}

func TestInstanceAndJoinWaitsForAllPredecessors(t *testing.T) {
	wf := mustWorkflow(t,
		StepDef("a", noop),
		StepDef("b", noop),
		StepDef("c", noop, DependsOn("av", "a"), DependsOn("bv", "b")),
	)
	inst := NewInstance("i1", wf, nil)

	ready, cancelled := inst.Complete("a", Succeeded, nil)
	if len(ready) != 0 || len(cancelled) != 0 {
		t.Fatalf("c should not be ready with only one of two AND predecessors done, got ready=%v cancelled=%v", ready, cancelled)
	}

	ready, cancelled = inst.Complete("b", Succeeded, nil)
	if len(cancelled) != 0 {
		t.Fatalf("unexpected cancellation: %v", cancelled)
	}
	if len(ready) != 1 || ready[0] != "c" {
		t.Fatalf("expected c ready once both AND predecessors succeed, got %v", ready)
	}
}

func TestInstanceAndJoinCancelsOnFailure(t *testing.T) {
	wf := mustWorkflow(t,
		StepDef("a", noop),
		StepDef("b", noop),
		StepDef("c", noop, DependsOn("av", "a"), DependsOn("bv", "b")),
	)
	inst := NewInstance("i1", wf, nil)

	_, cancelled := inst.Complete("a", Failed, nil)
	ready, _ := inst.Complete("b", Succeeded, nil)
	if len(ready) != 0 {
		t.Fatalf("c must not become ready after an AND predecessor failed, got %v", ready)
	}
	if len(cancelled) != 1 || cancelled[0] != "c" {
		t.Fatalf("expected c cancelled, got %v", cancelled)
	}
	if inst.State("c") != Cancelled {
		t.Errorf("State(c) = %v, want Cancelled", inst.State("c"))
	}
}

func TestInstanceOrJoinReadyOnFirstSelection(t *testing.T) {
	wf := mustWorkflow(t,
		StepDef("a", noop),
		StepDef("b", noop),
		StepDef("c", noop, WithJoinMode(OrJoin), DependsOn("av", "a"), DependsOn("bv", "b")),
	)
	inst := NewInstance("i1", wf, nil)

	ready, _ := inst.Complete("a", Succeeded, nil)
	if len(ready) != 1 || ready[0] != "c" {
		t.Fatalf("expected c ready after first OR predecessor succeeds, got %v", ready)
	}
}

func TestInstanceOrJoinCancelsOnlyWhenAllBlocked(t *testing.T) {
	wf := mustWorkflow(t,
		StepDef("a", noop),
		StepDef("b", noop),
		StepDef("c", noop, WithJoinMode(OrJoin), DependsOn("av", "a"), DependsOn("bv", "b")),
	)
	inst := NewInstance("i1", wf, nil)

	ready, cancelled := inst.Complete("a", Failed, nil)
	if len(ready) != 0 || len(cancelled) != 0 {
		t.Fatalf("c should keep waiting on the other OR predecessor, got ready=%v cancelled=%v", ready, cancelled)
	}
	ready, cancelled = inst.Complete("b", Failed, nil)
	if len(ready) != 0 {
		t.Fatalf("unexpected ready: %v", ready)
	}
	if len(cancelled) != 1 || cancelled[0] != "c" {
		t.Fatalf("expected c cancelled once every OR predecessor is blocked, got %v", cancelled)
	}
}

func TestInstanceActionSelectionSkipsUnselectedBranch(t *testing.T) {
	wf := mustWorkflow(t,
		StepDef("route", noop, To("left", "a"), To("right", "b")),
		StepDef("a", noop, WithJoinMode(OrJoin)),
		StepDef("b", noop, WithJoinMode(OrJoin)),
	)
	inst := NewInstance("i1", wf, nil)

	ready, cancelled := inst.Complete("route", Succeeded, "left")
	if len(ready) != 1 || ready[0] != "a" {
		t.Fatalf("expected a ready via selected action, got %v", ready)
	}
	if len(cancelled) != 1 || cancelled[0] != "b" {
		t.Fatalf("expected b cancelled as the unselected branch, got %v", cancelled)
	}
}

func TestInstanceSkippedStepPassesThrough(t *testing.T) {
	wf := mustWorkflow(t,
		StepDef("a", noop, When(func(*EvalContext) bool { return false })),
		StepDef("b", noop, DependsOn("av", "a")),
	)
	inst := NewInstance("i1", wf, nil)

	if !inst.ConditionsPass(wf.Steps()["b"]) {
		t.Fatal("b has no conditions of its own and should pass")
	}
	ready, cancelled := inst.Complete("a", Skipped, nil)
	if len(cancelled) != 0 {
		t.Fatalf("a skipped pass-through must not cancel b, got %v", cancelled)
	}
	if len(ready) != 1 || ready[0] != "b" {
		t.Fatalf("expected b ready after a is skipped, got %v", ready)
	}
}

func TestInstanceStatusAggregation(t *testing.T) {
	wf := mustWorkflow(t, StepDef("a", noop), StepDef("b", noop))
	inst := NewInstance("i1", wf, nil)

	if inst.Status() != Running {
		t.Fatalf("Status() = %v before any step completes, want Running", inst.Status())
	}
	inst.Complete("a", Succeeded, nil)
	if inst.Status() != Running {
		t.Fatalf("Status() = %v with one step still pending, want Running", inst.Status())
	}
	inst.Complete("b", Skipped, nil)
	if inst.Status() != Succeeded {
		t.Fatalf("Status() = %v, want Succeeded (Succeeded+Skipped counts as success)", inst.Status())
	}
}

func TestInstanceStatusFailedWhenAnyStepFails(t *testing.T) {
	wf := mustWorkflow(t, StepDef("a", noop), StepDef("b", noop))
	inst := NewInstance("i1", wf, nil)
	inst.Complete("a", Succeeded, nil)
	inst.Complete("b", Failed, nil)
	if inst.Status() != Failed {
		t.Fatalf("Status() = %v, want Failed", inst.Status())
	}
}

func TestHydrateInstanceRecomputesReadiness(t *testing.T) {
	wf := mustWorkflow(t,
		StepDef("a", noop),
		StepDef("b", noop, DependsOn("av", "a")),
	)
	inst := HydrateInstance("i1", wf, Inputs{"x": 1},
		map[string]Status{"a": Succeeded, "b": Pending},
		map[string]any{"a": "done"},
		map[string]string{"a": DefaultAction},
	)
	isReady, isCancelled := inst.evaluate("b")
	if !isReady || isCancelled {
		t.Fatalf("evaluate(b) = (%v, %v), want (true, false)", isReady, isCancelled)
	}
}
