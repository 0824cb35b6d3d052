package conduit

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"
)

// StepCall performs the underlying step invocation a Policy wraps.
type StepCall func(ctx context.Context) (any, error)

// Policy wraps a step invocation: it is invoked with (step, call) where
// call performs the underlying execution. A policy may invoke call
// multiple times, time-bound it, observe errors, or short-circuit.
// Policies on a Step compose in list order — the first listed is
// outermost.
type Policy interface {
	Apply(ctx context.Context, step *Step, call StepCall) (any, error)
}

// RunPolicies wraps call with policies in declaration order (the first
// listed ends up outermost) and invokes the result.
func RunPolicies(ctx context.Context, step *Step, policies []Policy, call StepCall) (any, error) {
	wrapped := call
	for i := len(policies) - 1; i >= 0; i-- {
		p := policies[i]
		next := wrapped
		wrapped = func(ctx context.Context) (any, error) {
			return p.Apply(ctx, step, next)
		}
	}
	return wrapped(ctx)
}

// Retry retries the wrapped call up to MaxRetries additional times
// (1+MaxRetries total attempts), sleeping Wait between attempts. Retrying
// stops early if the context is cancelled. MaxRetries of 0 means run once.
type Retry struct {
	MaxRetries int
	Wait       time.Duration
}

// Apply implements Policy.
func (r *Retry) Apply(ctx context.Context, step *Step, call StepCall) (any, error) {
	maxAttempts := 1 + r.MaxRetries
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	attempts := 0
	result, err := backoff.Retry(ctx, func() (any, error) {
		attempts++
		v, callErr := call(ctx)
		if callErr == nil {
			return v, nil
		}
		if attempts >= maxAttempts {
			return nil, backoff.Permanent(callErr)
		}
		return nil, callErr
	}, backoff.WithBackOff(backoff.NewConstantBackOff(r.Wait)), backoff.WithMaxTries(uint(maxAttempts)))

	if err != nil {
		return nil, &StepExecutionError{StepName: step.Name, Attempts: attempts, Err: err}
	}
	return result, nil
}

// Timeout fails the wrapped call if it does not complete within Seconds.
// Cancellation is cooperative: the call's context is cancelled when Timeout
// reports failure, and a call that ignores its context keeps running in
// the background; nothing else stops it.
type Timeout struct {
	Seconds time.Duration
}

// Apply implements Policy.
func (t *Timeout) Apply(ctx context.Context, step *Step, call StepCall) (any, error) {
	if t.Seconds <= 0 {
		return call(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, t.Seconds)
	defer cancel()

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := call(tctx)
		done <- outcome{value: v, err: err}
	}()

	select {
	case o := <-done:
		return o.value, o.err
	case <-tctx.Done():
		return nil, &TimeoutError{StepName: step.Name, Deadline: t.Seconds.String()}
	}
}

// WorkflowPolicy receives lifecycle callbacks for an instance's execution.
// Used for tracing and similar observation; the hooks return nothing, so
// they do not change scheduling. The broker derives an assignment's
// deadline from the step's own Timeout policy.
type WorkflowPolicy interface {
	OnWorkflowStart(ctx context.Context, instanceID string)
	OnStepStart(ctx context.Context, instanceID, stepName string)
	OnStepSuccess(ctx context.Context, instanceID, stepName string, result any)
	OnStepFailure(ctx context.Context, instanceID, stepName string, err error)
	OnWorkflowEnd(ctx context.Context, instanceID string, status Status)
}

// NoopWorkflowPolicy implements WorkflowPolicy with no-op methods. Embed it
// to implement only the hooks a concrete policy cares about.
type NoopWorkflowPolicy struct{}

func (NoopWorkflowPolicy) OnWorkflowStart(context.Context, string)                  {}
func (NoopWorkflowPolicy) OnStepStart(context.Context, string, string)              {}
func (NoopWorkflowPolicy) OnStepSuccess(context.Context, string, string, any)        {}
func (NoopWorkflowPolicy) OnStepFailure(context.Context, string, string, error)      {}
func (NoopWorkflowPolicy) OnWorkflowEnd(context.Context, string, Status)             {}

var _ WorkflowPolicy = NoopWorkflowPolicy{}
