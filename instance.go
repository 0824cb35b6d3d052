package conduit

import (
	"sync"
	"time"
)

// Instance is the runtime state of one workflow dispatch: its inputs, the
// status of each step, results recorded so far, and the action each
// Succeeded step selected. The broker owns this state exclusively in a
// distributed deployment (workers only propose transitions via reports);
// an in-process engine owns it directly.
type Instance struct {
	ID         string
	Workflow   *Workflow
	StartedAt  time.Time
	FinishedAt time.Time

	mu       sync.RWMutex
	inputs   Inputs
	states   map[string]Status
	results  map[string]any
	selected map[string]string // step name -> action it selected once Succeeded
}

// NewInstance creates a fresh Instance with every step Pending.
func NewInstance(id string, wf *Workflow, inputs Inputs) *Instance {
	inst := &Instance{
		ID:        id,
		Workflow:  wf,
		StartedAt: time.Now(),
		inputs:    inputs,
		states:    make(map[string]Status, len(wf.steps)),
		results:   make(map[string]any, len(wf.steps)),
		selected:  make(map[string]string, len(wf.steps)),
	}
	for name := range wf.steps {
		inst.states[name] = Pending
	}
	return inst
}

// HydrateInstance reconstructs an Instance's evaluation state from
// persisted values (as read back from a storage.Store) so that readiness
// can be recomputed without holding the full Instance in memory between
// reports — the shape a broker process restart relies on.
func HydrateInstance(id string, wf *Workflow, inputs Inputs, states map[string]Status, results map[string]any, selected map[string]string) *Instance {
	inst := &Instance{
		ID:       id,
		Workflow: wf,
		inputs:   inputs,
		states:   make(map[string]Status, len(states)),
		results:  make(map[string]any, len(results)),
		selected: make(map[string]string, len(selected)),
	}
	for k, v := range states {
		inst.states[k] = v
	}
	for k, v := range results {
		inst.results[k] = v
	}
	for k, v := range selected {
		inst.selected[k] = v
	}
	return inst
}

// Selected returns the action each Succeeded step has selected so far,
// for callers that need to persist it alongside step state.
func (i *Instance) Selected() map[string]string {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make(map[string]string, len(i.selected))
	for k, v := range i.selected {
		out[k] = v
	}
	return out
}

// States returns a snapshot of every step's current status.
func (i *Instance) States() map[string]Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make(map[string]Status, len(i.states))
	for k, v := range i.states {
		out[k] = v
	}
	return out
}

// State returns a step's current status.
func (i *Instance) State(name string) Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.states[name]
}

// Result returns a step's recorded result, if any.
func (i *Instance) Result(name string) (any, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()
	v, ok := i.results[name]
	return v, ok
}

// Inputs returns the instance's workflow inputs.
func (i *Instance) Inputs() Inputs {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.inputs
}

// EvalContext returns a read-only view of this instance's inputs and
// recorded results, for conditions and dependency bindings.
func (i *Instance) EvalContext() *EvalContext {
	i.mu.RLock()
	defer i.mu.RUnlock()
	results := make(map[string]any, len(i.results))
	for k, v := range i.results {
		results[k] = v
	}
	return &EvalContext{inputs: i.inputs, results: results}
}

// AssembleInputs resolves every declared binding on step against this
// instance's inputs and recorded results. A binding with no value
// resolved is simply absent from the returned Inputs — the caller decides
// whether an absent required parameter is a lease-time error.
func (i *Instance) AssembleInputs(step *Step) Inputs {
	evalCtx := i.EvalContext()
	in := make(Inputs, len(step.Bindings))
	for param, b := range step.Bindings {
		if v, ok := resolveBinding(b, evalCtx); ok {
			in[param] = v
		}
	}
	return in
}

// ConditionsPass reports whether every condition on step evaluates true
// against this instance's current state.
func (i *Instance) ConditionsPass(step *Step) bool {
	evalCtx := i.EvalContext()
	for _, cond := range step.Conditions {
		if !cond(evalCtx) {
			return false
		}
	}
	return true
}

// setState records a step transition. Callers must hold i.mu.
func (i *Instance) setState(name string, st Status) { i.states[name] = st }

// MarkRunning transitions name from Pending to Running. Used by a broker
// issuing a lease (spec §4.4's "Get step"); in-process engines never call
// it because they run a step's body immediately rather than leasing it.
func (i *Instance) MarkRunning(name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.states[name] = Running
}

// Revert transitions name from Running back to Pending. Used by the
// broker's lease reaper when a worker disappears before reporting; a
// no-op if the step already reached a terminal state through a late
// report that raced the reaper.
func (i *Instance) Revert(name string) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.states[name] == Running {
		i.states[name] = Pending
	}
}

// Results returns a snapshot of every step's recorded result, keyed by
// step name. Used by the broker to assemble an Assignment's raw payload
// view alongside the per-parameter resolved Inputs.
func (i *Instance) Results() map[string]any {
	i.mu.RLock()
	defer i.mu.RUnlock()
	out := make(map[string]any, len(i.results))
	for k, v := range i.results {
		out[k] = v
	}
	return out
}

// Status aggregates the instance's terminal workflow state. Returns
// Running while any step has not reached a terminal status; once every
// step is terminal, Succeeded iff every step is Succeeded or Skipped,
// otherwise Failed.
func (i *Instance) Status() Status {
	i.mu.RLock()
	defer i.mu.RUnlock()
	allTerminal := true
	allOK := true
	for _, st := range i.states {
		if !st.IsTerminal() {
			allTerminal = false
			continue
		}
		if st != Succeeded && st != Skipped {
			allOK = false
		}
	}
	if !allTerminal {
		return Running
	}
	if allOK {
		return Succeeded
	}
	return Failed
}

// IsDone reports whether every step has reached a terminal status.
func (i *Instance) IsDone() bool { return i.Status() != Running }

type predecessorSignal int

const (
	sigPending predecessorSignal = iota
	sigSelected
	sigNotSelected
	sigBlocked
)

// signal classifies a terminal predecessor's contribution toward a
// target's readiness: Selected (the predecessor's chosen action, or a
// Skipped pass-through, includes target), NotSelected (the predecessor
// succeeded but chose a different action), or Blocked (the predecessor
// Failed or was itself Cancelled).
func (i *Instance) signal(predName, targetName string) predecessorSignal {
	st := i.states[predName]
	if !st.IsTerminal() {
		return sigPending
	}
	switch st {
	case Skipped:
		// A skipped predecessor has no meaningful return value; treat it
		// as if it succeeded and selected every declared successor.
		return sigSelected
	case Succeeded:
		action, ok := i.selected[predName]
		if !ok {
			action = DefaultAction
		}
		pred := i.Workflow.steps[predName]
		for _, t := range pred.Successors[action] {
			if t == targetName {
				return sigSelected
			}
		}
		return sigNotSelected
	default: // Failed, Cancelled
		return sigBlocked
	}
}

// evaluate computes whether target should become Ready (true, false),
// Cancelled (false, true), or should keep waiting (false, false), given
// the current terminal states of its predecessors. Must be called with
// i.mu held.
func (i *Instance) evaluate(targetName string) (ready, cancelled bool) {
	target := i.Workflow.steps[targetName]
	if len(target.predecessors) == 0 {
		return true, false
	}

	allTerminal := true
	anySelected, anyNotSelected, anyBlocked := false, false, false
	for predName := range target.predecessors {
		switch i.signal(predName, targetName) {
		case sigPending:
			allTerminal = false
		case sigSelected:
			anySelected = true
		case sigNotSelected:
			anyNotSelected = true
		case sigBlocked:
			anyBlocked = true
		}
	}

	if target.JoinMode == OrJoin {
		if anySelected {
			return true, false
		}
		if allTerminal {
			return false, true
		}
		return false, false
	}

	// AndJoin: any blocked predecessor cancels immediately without
	// waiting for the rest; otherwise every predecessor must both be
	// terminal and have selected this target.
	if anyBlocked {
		return false, true
	}
	if !allTerminal {
		return false, false
	}
	if anyNotSelected {
		return false, true
	}
	return true, false
}

// resolveAction returns the action label a Succeeded step's result
// selects: the result itself when it is a string matching one of the
// step's declared actions, otherwise DefaultAction.
func resolveAction(step *Step, result any) string {
	if s, ok := result.(string); ok {
		if _, declared := step.Successors[s]; declared {
			return s
		}
	}
	return DefaultAction
}

// Complete records a step's terminal outcome and cascades readiness
// recomputation through its descendants, mirroring the broker's §4.1/§4.4
// report-processing rules. It returns the names of steps that became
// Ready as a result (to be enqueued by the caller — an in-process engine
// launches them directly; the broker appends them to the per-instance
// FIFO) and the names of steps that were newly marked Cancelled.
func (i *Instance) Complete(name string, status Status, result any) (ready, cancelledNames []string) {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.states[name] = status
	if status == Succeeded {
		i.results[name] = result
		i.selected[name] = resolveAction(i.Workflow.steps[name], result)
	}

	seen := map[string]bool{name: true}
	queue := append([]string(nil), i.successorsOf(name)...)
	for len(queue) > 0 {
		target := queue[0]
		queue = queue[1:]
		if seen[target] {
			continue
		}
		seen[target] = true

		if i.states[target] != Pending {
			continue
		}
		isReady, isCancelled := i.evaluate(target)
		switch {
		case isCancelled:
			i.states[target] = Cancelled
			cancelledNames = append(cancelledNames, target)
			queue = append(queue, i.successorsOf(target)...)
		case isReady:
			ready = append(ready, target)
		}
	}
	return ready, cancelledNames
}

// successorsOf returns the distinct set of step names reachable via any
// action edge from name.
func (i *Instance) successorsOf(name string) []string {
	step, ok := i.Workflow.steps[name]
	if !ok {
		return nil
	}
	var out []string
	for _, targets := range step.Successors {
		out = append(out, targets...)
	}
	return out
}

// Finalize records the instance's completion time. Idempotent.
func (i *Instance) Finalize() {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.FinishedAt.IsZero() {
		i.FinishedAt = time.Now()
	}
}
