package conduit

import "time"

// Clock abstracts wall-clock time so lease deadlines and worker liveness
// thresholds can be driven by a fake clock in tests instead of racing real
// time.Sleep calls. Retry backoff waits in real time.
type Clock interface {
	Now() time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// SystemClock is the default Clock, backed by time.Now.
var SystemClock Clock = systemClock{}

// Runtime bundles the constructor-injected dependencies a broker or worker
// needs beyond the graph model itself: the trace sink and the clock. It
// replaces the global tracer/registry singletons of the source material
// (spec §9) with an explicit, passed-in value.
type Runtime struct {
	Tracer Tracer
	Clock  Clock
}

// RuntimeOption configures a Runtime at construction time.
type RuntimeOption func(*Runtime)

// WithTracer overrides the Runtime's Tracer. Defaults to NoopTracer.
func WithTracer(t Tracer) RuntimeOption {
	return func(r *Runtime) { r.Tracer = t }
}

// WithClock overrides the Runtime's Clock. Defaults to SystemClock.
func WithClock(c Clock) RuntimeOption {
	return func(r *Runtime) { r.Clock = c }
}

// NewRuntime builds a Runtime, defaulting to a no-op tracer and the system
// clock.
func NewRuntime(opts ...RuntimeOption) *Runtime {
	r := &Runtime{Tracer: NoopTracer{}, Clock: SystemClock}
	for _, opt := range opts {
		opt(r)
	}
	return r
}
