package conduit

// Binding describes where a step parameter's value comes from: a workflow
// input key, another step's result, or another step's result gated by a
// dispatch-time condition. Built at construction time so inspection never
// needs runtime introspection of the step body (see DependsOn,
// DependsOnInput, DependsOnIf).
type Binding interface {
	// stepSource returns the predecessor step name this binding implies an
	// edge from, and whether the binding has one at all (a WorkflowInput
	// binding does not).
	stepSource() (string, bool)
}

// WorkflowInputBinding resolves a step parameter to a workflow input value.
type WorkflowInputBinding struct {
	Key string
}

func (b WorkflowInputBinding) stepSource() (string, bool) { return "", false }

// WorkflowInput builds a binding that resolves to the workflow input key.
func WorkflowInput(key string) Binding { return WorkflowInputBinding{Key: key} }

// StepOutputBinding resolves a step parameter to a predecessor's result.
type StepOutputBinding struct {
	Step string
}

func (b StepOutputBinding) stepSource() (string, bool) { return b.Step, true }

// StepOutput builds a binding that resolves to predecessor's result.
func StepOutput(step string) Binding { return StepOutputBinding{Step: step} }

// ConditionalStepOutputBinding resolves to a predecessor's result only when
// Cond evaluates true at dispatch time; otherwise the binding is treated as
// unresolved (absent from the assembled Inputs) rather than a lease-time
// error. CondName identifies Cond in a ConditionRegistry so the binding
// round-trips through a WorkflowSchema (schema.go); it is empty for
// bindings built without a registered condition name, which serialize
// with an empty "cond" field and cannot be reconstructed by FromSchema.
type ConditionalStepOutputBinding struct {
	Step     string
	Cond     ConditionFunc
	CondName string
}

func (b ConditionalStepOutputBinding) stepSource() (string, bool) { return b.Step, true }

// ConditionalStepOutput builds a binding that resolves to predecessor's
// result only when cond is true at dispatch time.
func ConditionalStepOutput(step string, cond ConditionFunc) Binding {
	return ConditionalStepOutputBinding{Step: step, Cond: cond}
}

// NamedConditionalStepOutput builds a ConditionalStepOutput binding that
// additionally records name so ToSchema/FromSchema can round-trip it
// through a ConditionRegistry.
func NamedConditionalStepOutput(step, name string, cond ConditionFunc) Binding {
	return ConditionalStepOutputBinding{Step: step, Cond: cond, CondName: name}
}

// resolveBinding evaluates a binding against the instance's inputs and recorded
// results. It returns the resolved value and whether resolution succeeded.
func resolveBinding(b Binding, evalCtx *EvalContext) (any, bool) {
	switch v := b.(type) {
	case WorkflowInputBinding:
		return evalCtx.Input(v.Key)
	case StepOutputBinding:
		return evalCtx.Result(v.Step)
	case ConditionalStepOutputBinding:
		if v.Cond != nil && !v.Cond(evalCtx) {
			return nil, false
		}
		return evalCtx.Result(v.Step)
	default:
		return nil, false
	}
}
