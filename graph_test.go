package conduit

import (
	"context"
	"testing"
)

func noop(_ context.Context, _ Inputs) (any, error) { return nil, nil }

func TestNewWorkflowDuplicateStep(t *testing.T) {
	_, err := NewWorkflow("wf", 1,
		StepDef("a", noop),
		StepDef("a", noop),
	)
	if err == nil {
		t.Fatal("expected error for duplicate step name")
	}
}

func TestNewWorkflowUnknownSuccessor(t *testing.T) {
	_, err := NewWorkflow("wf", 1,
		StepDef("a", noop, Then("missing")),
	)
	if err == nil {
		t.Fatal("expected error for edge to unknown step")
	}
}

func TestNewWorkflowUnknownBinding(t *testing.T) {
	_, err := NewWorkflow("wf", 1,
		StepDef("a", noop, DependsOn("x", "missing")),
	)
	if err == nil {
		t.Fatal("expected error for binding on unknown step")
	}
}

func TestNewWorkflowCycleDetection(t *testing.T) {
	_, err := NewWorkflow("wf", 1,
		StepDef("a", noop, Then("b")),
		StepDef("b", noop, Then("a")),
	)
	if err == nil {
		t.Fatal("expected error for cycle")
	}
}

func TestNewWorkflowValidGraph(t *testing.T) {
	wf, err := NewWorkflow("wf", 1,
		StepDef("a", noop),
		StepDef("b", noop, DependsOn("x", "a")),
		StepDef("c", noop, DependsOn("y", "a")),
		StepDef("d", noop, DependsOn("bv", "b"), DependsOn("cv", "c")),
	)
	if err != nil {
		t.Fatal(err)
	}
	if len(wf.Roots()) != 1 || wf.Roots()[0] != "a" {
		t.Errorf("Roots() = %v, want [a]", wf.Roots())
	}
	if wf.Steps()["d"].JoinMode != AndJoin {
		t.Errorf("d should default to AndJoin")
	}
}

func TestDependsOnImpliesEdgeOnce(t *testing.T) {
	// An explicit Then("b") alongside DependsOn("x", "a") on b must not
	// produce a duplicate edge from a to b.
	wf, err := NewWorkflow("wf", 1,
		StepDef("a", noop, Then("b")),
		StepDef("b", noop, DependsOn("x", "a")),
	)
	if err != nil {
		t.Fatal(err)
	}
	if got := len(wf.Steps()["a"].Successors[DefaultAction]); got != 1 {
		t.Errorf("successors of a under default action = %d, want 1", got)
	}
}

func TestToActionBranching(t *testing.T) {
	wf, err := NewWorkflow("wf", 1,
		StepDef("route", noop, To("left", "a"), To("right", "b")),
		StepDef("a", noop, WithJoinMode(OrJoin)),
		StepDef("b", noop, WithJoinMode(OrJoin)),
	)
	if err != nil {
		t.Fatal(err)
	}
	if len(wf.Steps()["route"].Successors) != 2 {
		t.Errorf("expected 2 action branches, got %d", len(wf.Steps()["route"].Successors))
	}
}
