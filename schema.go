package conduit

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

func secondsToDuration(s float64) time.Duration { return time.Duration(s * float64(time.Second)) }

// StepRegistry resolves the step class names used by a serialized schema
// back to the StepFunc bodies registered in the current process. A
// deserialized schema never carries executable code directly (§6); the
// caller supplies the registry the same way a worker process supplies the
// module object named on its CLI ("worker <module>:<object>", §6's CLI
// surface).
type StepRegistry map[string]StepFunc

// ConditionRegistry resolves named dispatch-time conditions referenced by
// a serialized schema's condition and conditional-binding fields.
type ConditionRegistry map[string]ConditionFunc

// BindingSchema is the serialized form of a Binding.
type BindingSchema struct {
	Kind string `json:"kind" yaml:"kind"`
	Key  string `json:"key,omitempty" yaml:"key,omitempty"`
	Step string `json:"step,omitempty" yaml:"step,omitempty"`
	Cond string `json:"cond,omitempty" yaml:"cond,omitempty"`
}

const (
	bindingKindInput           = "input"
	bindingKindStep            = "step"
	bindingKindConditionalStep = "conditional_step"
)

// PolicySchema is the serialized form of a built-in step Policy. Custom
// policy variants (spec §9's Custom{hooks}) have no wire form and are
// omitted from the schema; a deserialized step loses any custom policies
// its in-memory counterpart had.
type PolicySchema struct {
	Kind           string  `json:"kind" yaml:"kind"`
	MaxRetries     int     `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	WaitSeconds    float64 `json:"wait_seconds,omitempty" yaml:"wait_seconds,omitempty"`
	TimeoutSeconds float64 `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
}

const (
	policyKindRetry   = "retry"
	policyKindTimeout = "timeout"
)

// StepSchema is the serialized form of a Step (spec §6).
type StepSchema struct {
	Class        string                   `json:"class" yaml:"class"`
	Predecessors []string                 `json:"predecessors" yaml:"predecessors"`
	Successors   map[string][]string      `json:"successors" yaml:"successors"`
	JoinMode     string                   `json:"join_mode" yaml:"join_mode"`
	Bindings     map[string]BindingSchema `json:"bindings" yaml:"bindings"`
	Conditions   []string                 `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Policies     []PolicySchema           `json:"policies,omitempty" yaml:"policies,omitempty"`
}

// WorkflowSchema is the serialized form of a Workflow (spec §6). It
// round-trips losslessly through both encoding/json and gopkg.in/yaml.v3:
// marshal, unmarshal, and re-marshal produce byte-identical output,
// because every field it carries is a plain, order-stable Go value (maps
// are marshaled with sorted keys by both encoders).
type WorkflowSchema struct {
	WorkflowID string                `json:"workflow_id" yaml:"workflow_id"`
	Version    int                   `json:"version" yaml:"version"`
	Steps      map[string]StepSchema `json:"steps" yaml:"steps"`
	Outputs    []string              `json:"outputs" yaml:"outputs"`
	InputKeys  []string              `json:"input_keys" yaml:"input_keys"`
}

// MarshalJSON and the yaml equivalent are the default struct-tag-driven
// encodings; no custom logic is needed for round-trip fidelity because
// WorkflowSchema carries no unexported state.

// ToJSON marshals the schema to JSON.
func (s WorkflowSchema) ToJSON() ([]byte, error) { return json.Marshal(s) }

// ToYAML marshals the schema to YAML.
func (s WorkflowSchema) ToYAML() ([]byte, error) { return yaml.Marshal(s) }

// SchemaFromJSON parses a WorkflowSchema from JSON.
func SchemaFromJSON(data []byte) (WorkflowSchema, error) {
	var s WorkflowSchema
	if err := json.Unmarshal(data, &s); err != nil {
		return WorkflowSchema{}, fmt.Errorf("schema: unmarshal json: %w", err)
	}
	return s, nil
}

// SchemaFromYAML parses a WorkflowSchema from YAML.
func SchemaFromYAML(data []byte) (WorkflowSchema, error) {
	var s WorkflowSchema
	if err := yaml.Unmarshal(data, &s); err != nil {
		return WorkflowSchema{}, fmt.Errorf("schema: unmarshal yaml: %w", err)
	}
	return s, nil
}

// ToSchema converts an in-memory Workflow to its serializable form. classOf
// names the StepFunc registered under a given step (defaulting to the step
// name itself when nil), for a StepRegistry to resolve on the other side
// of FromSchema.
func ToSchema(wf *Workflow, classOf func(*Step) string) WorkflowSchema {
	if classOf == nil {
		classOf = func(s *Step) string { return s.Name }
	}

	steps := make(map[string]StepSchema, len(wf.steps))
	for name, step := range wf.steps {
		steps[name] = stepToSchema(step, classOf)
	}

	return WorkflowSchema{
		WorkflowID: wf.WorkflowID,
		Version:    wf.Version,
		Steps:      steps,
		Outputs:    append([]string(nil), wf.outputs...),
		InputKeys:  append([]string(nil), wf.inputKeys...),
	}
}

func stepToSchema(step *Step, classOf func(*Step) string) StepSchema {
	predecessors := make([]string, 0, len(step.predecessors))
	for p := range step.predecessors {
		predecessors = append(predecessors, p)
	}
	sort.Strings(predecessors)

	successors := make(map[string][]string, len(step.Successors))
	for action, targets := range step.Successors {
		successors[action] = append([]string(nil), targets...)
	}

	bindings := make(map[string]BindingSchema, len(step.Bindings))
	for param, b := range step.Bindings {
		bindings[param] = bindingToSchema(b)
	}

	var policies []PolicySchema
	for _, p := range step.Policies {
		if ps, ok := policyToSchema(p); ok {
			policies = append(policies, ps)
		}
	}

	return StepSchema{
		Class:        classOf(step),
		Predecessors: predecessors,
		Successors:   successors,
		JoinMode:     step.JoinMode.String(),
		Bindings:     bindings,
		Policies:     policies,
	}
}

func bindingToSchema(b Binding) BindingSchema {
	switch v := b.(type) {
	case WorkflowInputBinding:
		return BindingSchema{Kind: bindingKindInput, Key: v.Key}
	case StepOutputBinding:
		return BindingSchema{Kind: bindingKindStep, Step: v.Step}
	case ConditionalStepOutputBinding:
		return BindingSchema{Kind: bindingKindConditionalStep, Step: v.Step, Cond: v.CondName}
	default:
		return BindingSchema{}
	}
}

func policyToSchema(p Policy) (PolicySchema, bool) {
	switch v := p.(type) {
	case *Retry:
		return PolicySchema{Kind: policyKindRetry, MaxRetries: v.MaxRetries, WaitSeconds: v.Wait.Seconds()}, true
	case *Timeout:
		return PolicySchema{Kind: policyKindTimeout, TimeoutSeconds: v.Seconds.Seconds()}, true
	default:
		return PolicySchema{}, false
	}
}

// FromSchema reconstructs an executable Workflow from its serialized form,
// resolving each step's class against steps and each named condition
// against conds. It returns the same GraphConstructionError NewWorkflow
// would for a malformed graph.
func FromSchema(schema WorkflowSchema, steps StepRegistry, conds ConditionRegistry) (*Workflow, error) {
	var opts []WorkflowOption
	opts = append(opts, Outputs(schema.Outputs...), InputKeys(schema.InputKeys...))

	for name, ss := range schema.Steps {
		fn, ok := steps[ss.Class]
		if !ok {
			return nil, &GraphConstructionError{Workflow: schema.WorkflowID, Reason: fmt.Sprintf("step %q: unregistered class %q", name, ss.Class)}
		}

		stepOpts := []StepOption{WithJoinMode(joinModeFromString(ss.JoinMode))}
		for action, targets := range ss.Successors {
			stepOpts = append(stepOpts, To(action, targets...))
		}
		for param, bs := range ss.Bindings {
			binding, err := bindingFromSchema(bs, conds)
			if err != nil {
				return nil, &GraphConstructionError{Workflow: schema.WorkflowID, Reason: fmt.Sprintf("step %q binding %q: %v", name, param, err)}
			}
			stepOpts = append(stepOpts, func(param string, b Binding) StepOption {
				return func(s *Step) { s.Bindings[param] = b }
			}(param, binding))
		}
		for _, condName := range ss.Conditions {
			cond, ok := conds[condName]
			if !ok {
				return nil, &GraphConstructionError{Workflow: schema.WorkflowID, Reason: fmt.Sprintf("step %q: unregistered condition %q", name, condName)}
			}
			stepOpts = append(stepOpts, When(cond))
		}
		for _, ps := range ss.Policies {
			policy, err := policyFromSchema(ps)
			if err != nil {
				return nil, &GraphConstructionError{Workflow: schema.WorkflowID, Reason: fmt.Sprintf("step %q: %v", name, err)}
			}
			stepOpts = append(stepOpts, WithPolicies(policy))
		}

		opts = append(opts, StepDef(name, fn, stepOpts...))
	}

	return NewWorkflow(schema.WorkflowID, schema.Version, opts...)
}

func joinModeFromString(s string) JoinMode {
	if s == "or" {
		return OrJoin
	}
	return AndJoin
}

func bindingFromSchema(bs BindingSchema, conds ConditionRegistry) (Binding, error) {
	switch bs.Kind {
	case bindingKindInput:
		return WorkflowInput(bs.Key), nil
	case bindingKindStep:
		return StepOutput(bs.Step), nil
	case bindingKindConditionalStep:
		cond, ok := conds[bs.Cond]
		if !ok {
			return nil, fmt.Errorf("unregistered condition %q", bs.Cond)
		}
		return NamedConditionalStepOutput(bs.Step, bs.Cond, cond), nil
	default:
		return nil, fmt.Errorf("unknown binding kind %q", bs.Kind)
	}
}

func policyFromSchema(ps PolicySchema) (Policy, error) {
	switch ps.Kind {
	case policyKindRetry:
		return &Retry{MaxRetries: ps.MaxRetries, Wait: secondsToDuration(ps.WaitSeconds)}, nil
	case policyKindTimeout:
		return &Timeout{Seconds: secondsToDuration(ps.TimeoutSeconds)}, nil
	default:
		return nil, fmt.Errorf("unknown policy kind %q", ps.Kind)
	}
}
