// Package conduit is a distributed workflow orchestrator: it models
// computations as directed acyclic graphs of typed steps and executes them
// either in-process (via [SerialEngine], [PoolEngine], or [AsyncEngine]) or
// across a pool of worker processes that coordinate through a central
// broker (see the broker and worker packages).
//
// # Quick start
//
// Build a graph with [NewWorkflow], run it in-process:
//
//	wf, err := conduit.NewWorkflow("w1", 1,
//		conduit.StepDef("a", addFn),
//		conduit.StepDef("b", multiplyFn, conduit.DependsOn("value", "a")),
//	)
//	engine := conduit.NewSerialEngine(memory.New())
//	result, err := engine.Dispatch(ctx, wf, conduit.Inputs{"x": 2, "y": 3})
//
// To run the same graph against a broker and worker pool instead, register
// the workflow with a broker (see package broker) and run a worker.Worker
// or worker.Pool against it (see package worker); both share this
// package's graph and policy model.
//
// # Core types
//
//   - [Step] and [Workflow] — the graph model.
//   - [Policy] and [WorkflowPolicy] — step and lifecycle decorators.
//   - [Instance] — per-dispatch runtime state shared by engines and broker.
//   - [SerialEngine], [PoolEngine], [AsyncEngine] — in-process drivers.
//
// Persistence is abstracted by the storage package's Store contract;
// remote coordination is implemented by the broker and worker packages.
package conduit
