package worker

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/nevindra/conduit"
	"github.com/nevindra/conduit/broker"
	"github.com/nevindra/conduit/storage/memory"
)

// TestHTTPClientEndToEnd drives the full broker wire surface of spec §6
// through a real HTTP round trip: register a worker, dispatch an
// instance, fetch the assignment, and report it succeeded.
func TestHTTPClientEndToEnd(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	if err := store.Init(ctx); err != nil {
		t.Fatal(err)
	}
	b := broker.New(store)

	wf, err := conduit.NewWorkflow("greet", 1,
		conduit.InputKeys("name"),
		conduit.Outputs("greeting"),
		conduit.StepDef("greeting", func(_ context.Context, in conduit.Inputs) (any, error) {
			name, _ := in["name"].(string)
			return "hello " + name, nil
		}, conduit.DependsOnInput("name", "name")),
	)
	if err != nil {
		t.Fatal(err)
	}
	if err := b.RegisterWorkflow(wf); err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(broker.NewServer(b))
	defer srv.Close()

	client := NewHTTPClient(srv.URL)

	workerID, err := client.RegisterWorker(ctx, []conduit.WorkflowSchema{conduit.ToSchema(wf, nil)})
	if err != nil {
		t.Fatal(err)
	}
	if workerID == "" {
		t.Fatal("RegisterWorker returned an empty worker id")
	}

	if err := client.KeepAlive(ctx, workerID); err != nil {
		t.Fatal(err)
	}

	instanceID, err := b.Dispatch(ctx, "greet", 1, conduit.Inputs{"name": "ada"})
	if err != nil {
		t.Fatal(err)
	}

	assignment, err := client.GetStep(ctx, workerID)
	if err != nil {
		t.Fatal(err)
	}
	if assignment == nil {
		t.Fatal("GetStep returned no assignment, want the pending \"greeting\" step")
	}
	if assignment.InstanceID != instanceID || assignment.StepName != "greeting" {
		t.Fatalf("assignment = %+v, want instance %q step %q", assignment, instanceID, "greeting")
	}

	result, err := wf.Steps()["greeting"].Fn(ctx, conduit.Inputs(assignment.Payload.Inputs))
	if err != nil {
		t.Fatal(err)
	}

	if err := client.ReportStep(ctx, workerID, broker.StepReport{
		WorkflowID: assignment.WorkflowID,
		Version:    assignment.Version,
		InstanceID: assignment.InstanceID,
		StepName:   assignment.StepName,
		State:      conduit.Succeeded,
		Result:     result,
	}); err != nil {
		t.Fatal(err)
	}

	state, err := store.GetState(ctx, "greet", 1, instanceID, "greeting")
	if err != nil {
		t.Fatal(err)
	}
	if state != conduit.Succeeded.String() {
		t.Fatalf("final state = %q, want %q", state, conduit.Succeeded.String())
	}

	// No more work: a second GetStep should surface as (nil, nil), not an
	// error, via the 204 No Content mapping.
	none, err := client.GetStep(ctx, workerID)
	if err != nil {
		t.Fatal(err)
	}
	if none != nil {
		t.Errorf("GetStep with no ready work = %+v, want nil", none)
	}
}
