package worker

import "github.com/nevindra/conduit"

// registry resolves the "<module>:<object>" name named on the worker CLI
// (spec §6) to an executable Workflow. Go cannot import a module by a
// runtime string the way the source material's `worker <module>:<object>`
// assumes, so the embedding application registers its workflows from an
// init() function — the same pattern database/sql uses for drivers.
var registry = struct {
	byName map[string]*conduit.Workflow
}{byName: make(map[string]*conduit.Workflow)}

// Register makes wf resolvable by name from the worker CLI. Panics if
// name is already registered, matching sql.Register's contract: this is
// meant to run from package init(), where a duplicate is a programmer
// error, not a runtime condition to recover from.
func Register(name string, wf *conduit.Workflow) {
	if _, exists := registry.byName[name]; exists {
		panic("worker: Register called twice for name " + name)
	}
	registry.byName[name] = wf
}

// Lookup resolves a name registered via Register.
func Lookup(name string) (*conduit.Workflow, bool) {
	wf, ok := registry.byName[name]
	return wf, ok
}

// Registered returns every workflow registered so far, keyed by name.
// Used by the broker CLI to seed RegisterWorkflow calls from the same
// init()-populated registry the worker CLI resolves against.
func Registered() map[string]*conduit.Workflow {
	out := make(map[string]*conduit.Workflow, len(registry.byName))
	for k, v := range registry.byName {
		out[k] = v
	}
	return out
}
