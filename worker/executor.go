package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"

	"github.com/nevindra/conduit"
)

// ExternalStep builds a conduit.StepFunc that runs an external command
// once per invocation: the resolved Inputs are marshalled to JSON on the
// command's stdin, and its stdout is parsed as the step's JSON result.
// This is the out-of-process execution path for a step body, for
// workflow authors who want language or process isolation instead of a
// Go closure.
//
// Grounded on the teacher's subprocess.go code-execution runner,
// stripped of its tool-call protocol bridge — a workflow step has no
// tool registry to call back into, so this is a single request/response
// exchange rather than a long-lived protocol loop.
func ExternalStep(name string, args ...string) conduit.StepFunc {
	return func(ctx context.Context, in conduit.Inputs) (any, error) {
		payload, err := json.Marshal(in)
		if err != nil {
			return nil, fmt.Errorf("marshal step input: %w", err)
		}

		cmd := exec.CommandContext(ctx, name, args...)
		cmd.Stdin = bytes.NewReader(payload)

		var stdout, stderr bytes.Buffer
		cmd.Stdout = &stdout
		cmd.Stderr = &stderr

		if err := cmd.Run(); err != nil {
			return nil, fmt.Errorf("external step %q: %w: %s", name, err, stderr.String())
		}

		if stdout.Len() == 0 {
			return nil, nil
		}
		var result any
		if err := json.Unmarshal(stdout.Bytes(), &result); err != nil {
			return nil, fmt.Errorf("external step %q: parse output: %w", name, err)
		}
		return result, nil
	}
}
