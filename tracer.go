package conduit

import "context"

// Tracer creates spans for the broker and worker. The
// observability package provides an OpenTelemetry-backed implementation;
// NoopTracer is the default when nothing is configured.
type Tracer interface {
	// Start creates a new span, returning a child context carrying it.
	// Callers must call Span.End() when the operation completes.
	Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span)
}

// Span represents one traced operation — a step execution, a dispatch, a
// lease. Event names match the trace sink vocabulary of spec §6:
// start, success, failure, skip, cancel, retry.
type Span interface {
	SetAttr(attrs ...SpanAttr)
	Event(name string, attrs ...SpanAttr)
	Error(err error)
	End()
}

// SpanAttr is a key-value pair attached to a span or event.
type SpanAttr struct {
	Key   string
	Value any
}

func StringAttr(k, v string) SpanAttr    { return SpanAttr{Key: k, Value: v} }
func IntAttr(k string, v int) SpanAttr   { return SpanAttr{Key: k, Value: v} }
func BoolAttr(k string, v bool) SpanAttr { return SpanAttr{Key: k, Value: v} }

// NoopTracer discards every span. It is the default Tracer when a Runtime
// is built without WithTracer.
type NoopTracer struct{}

func (NoopTracer) Start(ctx context.Context, name string, attrs ...SpanAttr) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) SetAttr(...SpanAttr)    {}
func (noopSpan) Event(string, ...SpanAttr) {}
func (noopSpan) Error(error)             {}
func (noopSpan) End()                    {}

var _ Tracer = NoopTracer{}
var _ Span = noopSpan{}
