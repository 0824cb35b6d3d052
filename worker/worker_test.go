package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/nevindra/conduit"
	"github.com/nevindra/conduit/broker"
)

// fakeBrokerClient is a BrokerClient double driven entirely by canned
// responses, so Worker's poll/execute/report cycle can be exercised
// without a real broker or network round trip.
type fakeBrokerClient struct {
	mu sync.Mutex

	registerCalls int
	registerID    string
	gotSchemas    []conduit.WorkflowSchema

	keepAliveCalls int

	reports       []broker.StepReport
	reportFailN   int // the first N ReportStep calls return an error
	reportAttempt int
}

func (f *fakeBrokerClient) RegisterWorker(_ context.Context, schemas []conduit.WorkflowSchema) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.registerCalls++
	f.gotSchemas = schemas
	if f.registerID == "" {
		f.registerID = "worker-1"
	}
	return f.registerID, nil
}

func (f *fakeBrokerClient) KeepAlive(context.Context, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepAliveCalls++
	return nil
}

func (f *fakeBrokerClient) GetStep(context.Context, string) (*broker.Assignment, error) {
	return nil, nil
}

func (f *fakeBrokerClient) ReportStep(_ context.Context, _ string, report broker.StepReport) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reportAttempt++
	if f.reportAttempt <= f.reportFailN {
		return errors.New("simulated transport failure")
	}
	f.reports = append(f.reports, report)
	return nil
}

func (f *fakeBrokerClient) lastReport() (broker.StepReport, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.reports) == 0 {
		return broker.StepReport{}, false
	}
	return f.reports[len(f.reports)-1], true
}

func buildDoubleWorkflow(t *testing.T) *conduit.Workflow {
	t.Helper()
	wf, err := conduit.NewWorkflow("double", 1,
		conduit.InputKeys("n"),
		conduit.Outputs("doubled"),
		conduit.StepDef("doubled", func(_ context.Context, in conduit.Inputs) (any, error) {
			n, _ := in["n"].(float64)
			return n * 2, nil
		}, conduit.DependsOnInput("n", "n")),
	)
	if err != nil {
		t.Fatal(err)
	}
	return wf
}

func TestWorkerExecuteSuccess(t *testing.T) {
	wf := buildDoubleWorkflow(t)
	client := &fakeBrokerClient{}
	w := New(client, wf)
	w.id = "worker-1"

	assignment := &broker.Assignment{
		WorkflowID: "double", Version: 1, InstanceID: "inst-1", StepName: "doubled",
		Payload: broker.StepPayload{Inputs: map[string]any{"n": 3.0}},
	}
	w.execute(context.Background(), assignment)

	report, ok := client.lastReport()
	if !ok {
		t.Fatal("expected a report to have been posted")
	}
	if report.State != conduit.Succeeded {
		t.Errorf("State = %v, want Succeeded", report.State)
	}
	if report.Result != 6.0 {
		t.Errorf("Result = %v, want 6", report.Result)
	}
	if report.InstanceID != "inst-1" || report.StepName != "doubled" {
		t.Errorf("report identity = %+v, want instance inst-1 / step doubled", report)
	}
}

func TestWorkerExecuteUnknownStep(t *testing.T) {
	wf := buildDoubleWorkflow(t)
	client := &fakeBrokerClient{}
	w := New(client, wf)
	w.id = "worker-1"

	assignment := &broker.Assignment{
		WorkflowID: "double", Version: 1, InstanceID: "inst-1", StepName: "nonexistent",
	}
	w.execute(context.Background(), assignment)

	report, ok := client.lastReport()
	if !ok {
		t.Fatal("expected a report to have been posted")
	}
	if report.State != conduit.Failed {
		t.Errorf("State = %v, want Failed", report.State)
	}
	if !strings.Contains(report.Error, "nonexistent") {
		t.Errorf("Error = %q, want it to mention the unknown step name", report.Error)
	}
}

func TestWorkerExecutePropagatesStepError(t *testing.T) {
	failing := errors.New("boom")
	wf, err := conduit.NewWorkflow("fails", 1,
		conduit.InputKeys("n"),
		conduit.Outputs("out"),
		conduit.StepDef("out", func(context.Context, conduit.Inputs) (any, error) {
			return nil, failing
		}, conduit.DependsOnInput("n", "n")),
	)
	if err != nil {
		t.Fatal(err)
	}

	client := &fakeBrokerClient{}
	w := New(client, wf)
	w.id = "worker-1"

	w.execute(context.Background(), &broker.Assignment{
		WorkflowID: "fails", Version: 1, InstanceID: "inst-1", StepName: "out",
	})

	report, ok := client.lastReport()
	if !ok {
		t.Fatal("expected a report to have been posted")
	}
	if report.State != conduit.Failed {
		t.Errorf("State = %v, want Failed", report.State)
	}
	if !strings.Contains(report.Error, "boom") {
		t.Errorf("Error = %q, want it to carry the step's own error text", report.Error)
	}
}

func TestWorkerReportRetriesOnTransportFailure(t *testing.T) {
	wf := buildDoubleWorkflow(t)
	client := &fakeBrokerClient{reportFailN: 1}
	w := New(client, wf)
	w.id = "worker-1"

	w.report(context.Background(), &broker.Assignment{InstanceID: "inst-1", StepName: "doubled"}, conduit.Succeeded, 4.0, "")

	if client.reportAttempt != 2 {
		t.Fatalf("reportAttempt = %d, want 2 (one failure, one retry)", client.reportAttempt)
	}
	report, ok := client.lastReport()
	if !ok {
		t.Fatal("expected the retried report to have been recorded")
	}
	if report.Result != 4.0 {
		t.Errorf("Result = %v, want 4", report.Result)
	}
}

func TestWorkerRegisterSetsWorkerID(t *testing.T) {
	wf := buildDoubleWorkflow(t)
	client := &fakeBrokerClient{registerID: "assigned-id"}
	w := New(client, wf)

	if err := w.register(context.Background()); err != nil {
		t.Fatal(err)
	}
	if w.id != "assigned-id" {
		t.Errorf("w.id = %q, want %q", w.id, "assigned-id")
	}
	if len(client.gotSchemas) != 1 || client.gotSchemas[0].WorkflowID != "double" {
		t.Errorf("gotSchemas = %+v, want one schema for workflow %q", client.gotSchemas, "double")
	}
}

// fakeTracer records the event names passed to each span it starts, so a
// test can assert execute emits the right spec §6 trace sink vocabulary
// without a real OTEL backend.
type fakeTracer struct {
	mu     sync.Mutex
	events []string
}

func (f *fakeTracer) Start(ctx context.Context, _ string, _ ...conduit.SpanAttr) (context.Context, conduit.Span) {
	return ctx, &fakeSpan{t: f}
}

type fakeSpan struct{ t *fakeTracer }

func (s *fakeSpan) SetAttr(...conduit.SpanAttr) {}
func (s *fakeSpan) Event(name string, _ ...conduit.SpanAttr) {
	s.t.mu.Lock()
	defer s.t.mu.Unlock()
	s.t.events = append(s.t.events, name)
}
func (s *fakeSpan) Error(error) {}
func (s *fakeSpan) End()        {}

func TestWorkerExecuteEmitsTraceEvents(t *testing.T) {
	wf := buildDoubleWorkflow(t)
	client := &fakeBrokerClient{}
	tracer := &fakeTracer{}
	w := New(client, wf, WithTracer(tracer))
	w.id = "worker-1"

	w.execute(context.Background(), &broker.Assignment{
		WorkflowID: "double", Version: 1, InstanceID: "inst-1", StepName: "doubled",
		Payload: broker.StepPayload{Inputs: map[string]any{"n": 3.0}},
	})

	want := []string{"start", "success"}
	if len(tracer.events) != len(want) {
		t.Fatalf("events = %v, want %v", tracer.events, want)
	}
	for i, name := range want {
		if tracer.events[i] != name {
			t.Errorf("events[%d] = %q, want %q", i, tracer.events[i], name)
		}
	}
}

func TestWorkerExecuteEmitsFailureTraceEvent(t *testing.T) {
	wf := buildDoubleWorkflow(t)
	client := &fakeBrokerClient{}
	tracer := &fakeTracer{}
	w := New(client, wf, WithTracer(tracer))
	w.id = "worker-1"

	w.execute(context.Background(), &broker.Assignment{
		WorkflowID: "double", Version: 1, InstanceID: "inst-1", StepName: "nonexistent",
	})

	want := []string{"start", "failure"}
	if len(tracer.events) != len(want) {
		t.Fatalf("events = %v, want %v", tracer.events, want)
	}
	for i, name := range want {
		if tracer.events[i] != name {
			t.Errorf("events[%d] = %q, want %q", i, tracer.events[i], name)
		}
	}
}

func TestPoolRunSharesOneRegistration(t *testing.T) {
	wf := buildDoubleWorkflow(t)
	client := &fakeBrokerClient{registerID: "pool-worker"}
	pool := NewPool(client, wf, 4, WithPollInterval(time.Millisecond), WithKeepAliveEvery(1000000))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := pool.Run(ctx); err != nil {
		t.Fatal(err)
	}

	client.mu.Lock()
	calls := client.registerCalls
	client.mu.Unlock()
	if calls != 1 {
		t.Errorf("registerCalls = %d, want 1: a pool shares one registration across its goroutines", calls)
	}
}
