package conduit

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/nevindra/conduit/storage/memory"
)

func addStep(paramA, paramB string) StepFunc {
	return func(_ context.Context, in Inputs) (any, error) {
		a, _ := in[paramA].(float64)
		b, _ := in[paramB].(float64)
		return a + b, nil
	}
}

func buildArithmeticWorkflow(t *testing.T) *Workflow {
	t.Helper()
	wf, err := NewWorkflow("arithmetic", 1,
		InputKeys("x", "y"),
		Outputs("sum", "double"),
		StepDef("sum", addStep("x", "y"), DependsOnInput("x", "x"), DependsOnInput("y", "y")),
		StepDef("double", addStep("sumA", "sumB"),
			DependsOn("sumA", "sum"),
			DependsOn("sumB", "sum")),
	)
	if err != nil {
		t.Fatal(err)
	}
	return wf
}

func TestSerialEngineDispatch(t *testing.T) {
	wf := buildArithmeticWorkflow(t)
	engine := NewSerialEngine(memory.New())

	result, err := engine.Dispatch(context.Background(), wf, Inputs{"x": 2.0, "y": 3.0})
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != Succeeded {
		t.Fatalf("Status = %v, want Succeeded", result.Status)
	}
	if result.Outputs["sum"] != 5.0 {
		t.Errorf("sum = %v, want 5", result.Outputs["sum"])
	}
	if result.Outputs["double"] != 10.0 {
		t.Errorf("double = %v, want 10", result.Outputs["double"])
	}
}

func TestPoolEngineDispatch(t *testing.T) {
	wf := buildArithmeticWorkflow(t)
	engine := NewPoolEngine(memory.New(), 2)

	result, err := engine.Dispatch(context.Background(), wf, Inputs{"x": 4.0, "y": 6.0})
	if err != nil {
		t.Fatal(err)
	}
	if result.Outputs["double"] != 20.0 {
		t.Errorf("double = %v, want 20", result.Outputs["double"])
	}
}

func TestAsyncEngineDispatch(t *testing.T) {
	wf := buildArithmeticWorkflow(t)
	engine := NewAsyncEngine(memory.New())

	result, err := engine.Dispatch(context.Background(), wf, Inputs{"x": 1.0, "y": 1.0})
	if err != nil {
		t.Fatal(err)
	}
	if result.Outputs["double"] != 4.0 {
		t.Errorf("double = %v, want 4", result.Outputs["double"])
	}
}

func TestEngineFailurePropagatesWorkflowStatus(t *testing.T) {
	failing := func(_ context.Context, _ Inputs) (any, error) {
		return nil, errors.New("boom")
	}
	wf, err := NewWorkflow("fails", 1,
		StepDef("a", failing),
		StepDef("b", noop, DependsOn("av", "a")),
	)
	if err != nil {
		t.Fatal(err)
	}

	engine := NewSerialEngine(memory.New())
	result, err := engine.Dispatch(context.Background(), wf, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != Failed {
		t.Fatalf("Status = %v, want Failed", result.Status)
	}
	if result.Steps["b"] != Cancelled {
		t.Errorf("Steps[b] = %v, want Cancelled", result.Steps["b"])
	}
}

func TestEngineActionRoutingSkipsOtherBranch(t *testing.T) {
	route := func(_ context.Context, _ Inputs) (any, error) { return "left", nil }
	var ranRight bool
	left := func(_ context.Context, _ Inputs) (any, error) { return "left-result", nil }
	right := func(_ context.Context, _ Inputs) (any, error) {
		ranRight = true
		return "right-result", nil
	}

	wf, err := NewWorkflow("branch", 1,
		Outputs("left", "right"),
		StepDef("route", route, To("left", "left"), To("right", "right")),
		StepDef("left", left, WithJoinMode(OrJoin)),
		StepDef("right", right, WithJoinMode(OrJoin)),
	)
	if err != nil {
		t.Fatal(err)
	}

	engine := NewSerialEngine(memory.New())
	result, err := engine.Dispatch(context.Background(), wf, nil)
	if err != nil {
		t.Fatal(err)
	}
	if ranRight {
		t.Error("right branch should not have executed")
	}
	if result.Steps["right"] != Cancelled {
		t.Errorf("Steps[right] = %v, want Cancelled", result.Steps["right"])
	}
	if result.Outputs["left"] != "left-result" {
		t.Errorf("Outputs[left] = %v, want left-result", result.Outputs["left"])
	}
}

func TestEngineRetryPolicyEventuallySucceeds(t *testing.T) {
	attempts := 0
	flaky := func(_ context.Context, _ Inputs) (any, error) {
		attempts++
		if attempts < 3 {
			return nil, fmt.Errorf("attempt %d failed", attempts)
		}
		return "ok", nil
	}

	wf, err := NewWorkflow("retrying", 1,
		StepDef("a", flaky, WithRetry(2, 0)),
	)
	if err != nil {
		t.Fatal(err)
	}

	engine := NewSerialEngine(memory.New())
	result, err := engine.Dispatch(context.Background(), wf, nil)
	if err != nil {
		t.Fatal(err)
	}
	if result.Status != Succeeded {
		t.Fatalf("Status = %v, want Succeeded after retries", result.Status)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
}
