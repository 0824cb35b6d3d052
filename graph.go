package conduit

import (
	"context"
	"fmt"
	"time"
)

// DefaultAction is the action label used when a step's return value is not
// a string matching any declared action, or the step declares no branching
// successors at all.
const DefaultAction = "default"

// JoinMode controls how a step's readiness is computed from its
// predecessors' terminal states.
type JoinMode int

const (
	// AndJoin requires every predecessor to be terminal and to have selected
	// the edge to this step before the step becomes ready; a predecessor
	// that fails or does not select the edge cancels the step.
	AndJoin JoinMode = iota
	// OrJoin requires only one terminal, selecting predecessor.
	OrJoin
)

func (m JoinMode) String() string {
	if m == OrJoin {
		return "or"
	}
	return "and"
}

// Inputs is the assembled parameter bag passed to a step body: the result
// of resolving every declared Binding against workflow inputs and
// predecessor results.
type Inputs map[string]any

// StepFunc is a step body. Its return value serves two purposes: it is
// stored as the step's result, and, when it is a string matching one of
// the step's declared action labels, it selects which successor branch
// fires (DefaultAction otherwise).
type StepFunc func(ctx context.Context, in Inputs) (any, error)

// ConditionFunc gates a step (or a conditional dependency binding) at
// dispatch time. It is evaluated against the instance's workflow inputs
// and the results recorded so far.
type ConditionFunc func(*EvalContext) bool

// EvalContext is the read-only view of instance state a ConditionFunc or
// a ConditionalStepOutput binding evaluates against.
type EvalContext struct {
	inputs  Inputs
	results map[string]any
}

// Input returns a workflow input value by key.
func (c *EvalContext) Input(key string) (any, bool) {
	v, ok := c.inputs[key]
	return v, ok
}

// Result returns a predecessor step's stored result by step name.
func (c *EvalContext) Result(step string) (any, bool) {
	v, ok := c.results[step]
	return v, ok
}

// Step is a graph node: a named unit of work with declared predecessors
// (derived from successors edges and dependency bindings), branching
// successors, a join mode, dependency bindings, dispatch-time conditions,
// and an ordered list of policies.
type Step struct {
	Name     string
	Fn       StepFunc
	JoinMode JoinMode

	// Successors maps an action label to the ordered list of downstream
	// step names that fire when this step's return value selects that
	// action (or DefaultAction when it selects no declared action).
	Successors map[string][]string

	// Bindings maps a step parameter name to where its value comes from.
	Bindings map[string]Binding

	// Conditions are evaluated at dispatch time; if any is false the step
	// is set Skipped without running.
	Conditions []ConditionFunc

	// Policies wrap the step invocation, outermost first.
	Policies []Policy

	predecessors map[string]bool
}

// StepOption configures a Step at construction time.
type StepOption func(*Step)

// Then declares that this step's default-action return value activates
// the named successors. Equivalent to To(DefaultAction, targets...).
func Then(targets ...string) StepOption {
	return To(DefaultAction, targets...)
}

// To declares that this step, when its return value selects the given
// action label, activates the named successors.
func To(action string, targets ...string) StepOption {
	return func(s *Step) {
		s.Successors[action] = append(s.Successors[action], targets...)
	}
}

// WithJoinMode sets the step's join mode. Steps default to AndJoin.
func WithJoinMode(mode JoinMode) StepOption {
	return func(s *Step) { s.JoinMode = mode }
}

// When adds a dispatch-time condition gate. If any condition on a step
// evaluates false, the step is marked Skipped without running.
func When(cond ConditionFunc) StepOption {
	return func(s *Step) { s.Conditions = append(s.Conditions, cond) }
}

// DependsOn binds parameter name to the result of step predecessor, and
// implies a DefaultAction edge from predecessor to this step.
func DependsOn(param, predecessor string) StepOption {
	return func(s *Step) { s.Bindings[param] = StepOutput(predecessor) }
}

// DependsOnInput binds parameter name to the workflow input inputKey.
func DependsOnInput(param, inputKey string) StepOption {
	return func(s *Step) { s.Bindings[param] = WorkflowInput(inputKey) }
}

// DependsOnIf binds parameter name to the result of step predecessor only
// when cond evaluates true at dispatch time; the edge is still implied
// unconditionally, but an unresolved binding under a false condition is
// treated as absent rather than a lease-time error.
func DependsOnIf(param, predecessor string, cond ConditionFunc) StepOption {
	return func(s *Step) { s.Bindings[param] = ConditionalStepOutput(predecessor, cond) }
}

// WithPolicies appends step policies in the given order; the first listed
// is outermost.
func WithPolicies(policies ...Policy) StepOption {
	return func(s *Step) { s.Policies = append(s.Policies, policies...) }
}

// WithRetry is a convenience reducible to appending a Retry policy.
func WithRetry(maxRetries int, wait time.Duration) StepOption {
	return func(s *Step) { s.Policies = append(s.Policies, &Retry{MaxRetries: maxRetries, Wait: wait}) }
}

// WithTimeout is a convenience reducible to appending a Timeout policy.
func WithTimeout(d time.Duration) StepOption {
	return func(s *Step) { s.Policies = append(s.Policies, &Timeout{Seconds: d}) }
}

func buildStep(name string, fn StepFunc, opts []StepOption) *Step {
	s := &Step{
		Name:         name,
		Fn:           fn,
		JoinMode:     AndJoin,
		Successors:   make(map[string][]string),
		Bindings:     make(map[string]Binding),
		predecessors: make(map[string]bool),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// workflowConfig accumulates WorkflowOption values passed to NewWorkflow.
type workflowConfig struct {
	steps     []*Step
	outputs   []string
	inputKeys []string
	policies  []WorkflowPolicy
}

// WorkflowOption configures a Workflow at construction time.
type WorkflowOption func(*workflowConfig)

// StepDef defines a graph node. The returned WorkflowOption registers it
// with NewWorkflow.
func StepDef(name string, fn StepFunc, opts ...StepOption) WorkflowOption {
	return func(c *workflowConfig) { c.steps = append(c.steps, buildStep(name, fn, opts)) }
}

// Outputs declares the ordered list of terminal step names whose results
// form the workflow's output.
func Outputs(names ...string) WorkflowOption {
	return func(c *workflowConfig) { c.outputs = append(c.outputs, names...) }
}

// InputKeys declares the parameter names the workflow accepts.
func InputKeys(keys ...string) WorkflowOption {
	return func(c *workflowConfig) { c.inputKeys = append(c.inputKeys, keys...) }
}

// WithWorkflowPolicies registers workflow-level lifecycle policies
// (tracing, broker-visible state), outermost first.
func WithWorkflowPolicies(policies ...WorkflowPolicy) WorkflowOption {
	return func(c *workflowConfig) { c.policies = append(c.policies, policies...) }
}

// Workflow is a DAG of steps plus its declared input schema and outputs.
// A (WorkflowID, Version) pair is the schema's identity.
type Workflow struct {
	WorkflowID string
	Version    int

	steps     map[string]*Step
	stepOrder []string
	outputs   []string
	inputKeys []string
	policies  []WorkflowPolicy
}

// NewWorkflow builds and validates a Workflow. It rejects duplicate step
// names, edges or bindings referencing unknown steps, and cyclic graphs.
func NewWorkflow(workflowID string, version int, opts ...WorkflowOption) (*Workflow, error) {
	var cfg workflowConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	w := &Workflow{
		WorkflowID: workflowID,
		Version:    version,
		steps:      make(map[string]*Step),
		outputs:    cfg.outputs,
		inputKeys:  cfg.inputKeys,
		policies:   cfg.policies,
	}

	for _, s := range cfg.steps {
		if _, exists := w.steps[s.Name]; exists {
			return nil, &GraphConstructionError{Workflow: workflowID, Reason: fmt.Sprintf("duplicate step name %q", s.Name)}
		}
		w.steps[s.Name] = s
		w.stepOrder = append(w.stepOrder, s.Name)
	}

	// Derive predecessors from explicit successor edges, deduplicating
	// multiple declarations of the same (action, target) pair.
	for _, s := range cfg.steps {
		for action, targets := range s.Successors {
			seen := make(map[string]bool, len(targets))
			deduped := targets[:0:0]
			for _, target := range targets {
				if seen[target] {
					continue
				}
				seen[target] = true
				deduped = append(deduped, target)
				to, ok := w.steps[target]
				if !ok {
					return nil, &GraphConstructionError{Workflow: workflowID, Reason: fmt.Sprintf("step %q edge %q references unknown step %q", s.Name, action, target)}
				}
				to.predecessors[s.Name] = true
			}
			s.Successors[action] = deduped
		}
	}

	// Derive predecessors implied by dependency bindings and, absent an
	// explicit edge, add one under DefaultAction so the binding's source
	// is scheduled before its consumer.
	for _, s := range cfg.steps {
		for param, b := range s.Bindings {
			source, ok := b.stepSource()
			if !ok {
				continue
			}
			from, exists := w.steps[source]
			if !exists {
				return nil, &GraphConstructionError{Workflow: workflowID, Reason: fmt.Sprintf("step %q binding %q references unknown step %q", s.Name, param, source)}
			}
			s.predecessors[source] = true
			if !edgeExists(from, s.Name) {
				from.Successors[DefaultAction] = append(from.Successors[DefaultAction], s.Name)
			}
		}
	}

	if err := w.detectCycle(); err != nil {
		return nil, err
	}

	return w, nil
}

func edgeExists(from *Step, target string) bool {
	for _, targets := range from.Successors {
		for _, t := range targets {
			if t == target {
				return true
			}
		}
	}
	return false
}

// detectCycle uses Kahn's algorithm: repeatedly remove zero in-degree
// nodes; if any nodes remain unvisited once the queue drains, a cycle
// exists among them.
func (w *Workflow) detectCycle() error {
	inDegree := make(map[string]int, len(w.steps))
	for name, s := range w.steps {
		inDegree[name] = len(s.predecessors)
	}

	var queue []string
	for name, deg := range inDegree {
		if deg == 0 {
			queue = append(queue, name)
		}
	}

	visited := 0
	for len(queue) > 0 {
		name := queue[0]
		queue = queue[1:]
		visited++
		for action := range w.steps[name].Successors {
			for _, dep := range w.steps[name].Successors[action] {
				inDegree[dep]--
				if inDegree[dep] == 0 {
					queue = append(queue, dep)
				}
			}
		}
	}

	if visited != len(w.steps) {
		return &GraphConstructionError{Workflow: w.WorkflowID, Reason: "cycle detected in step graph"}
	}
	return nil
}

// Steps returns the workflow's steps keyed by name.
func (w *Workflow) Steps() map[string]*Step { return w.steps }

// StepOrder returns step names in declaration order.
func (w *Workflow) StepOrder() []string { return w.stepOrder }

// Outputs returns the ordered list of terminal step names forming the
// workflow's result.
func (w *Workflow) Outputs() []string { return w.outputs }

// InputKeys returns the declared workflow input parameter names.
func (w *Workflow) InputKeys() []string { return w.inputKeys }

// Policies returns the workflow-level lifecycle policies, outermost first.
func (w *Workflow) Policies() []WorkflowPolicy { return w.policies }

// Roots returns the names of steps with no predecessors.
func (w *Workflow) Roots() []string {
	var roots []string
	for _, name := range w.stepOrder {
		if len(w.steps[name].predecessors) == 0 {
			roots = append(roots, name)
		}
	}
	return roots
}
