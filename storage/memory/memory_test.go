package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nevindra/conduit/storage"
)

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	s := New()

	spec := storage.RunSpec{
		WorkflowID: "wf",
		Version:    1,
		InstanceID: "inst-1",
		StepNames:  []string{"a", "b"},
		Inputs:     map[string]any{"x": 1.0},
	}
	require.NoError(t, s.CreateRun(ctx, spec))

	state, err := s.GetState(ctx, "wf", 1, "inst-1", "a")
	require.NoError(t, err)
	assert.Equal(t, "pending", state)

	inputs, err := s.GetInputs(ctx, "wf", 1, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, 1.0, inputs["x"])

	require.NoError(t, s.Enqueue(ctx, "wf", 1, "inst-1", "a"))
	require.NoError(t, s.Enqueue(ctx, "wf", 1, "inst-1", "a")) // duplicate enqueue is a no-op

	name, err := s.FetchNext(ctx, "wf", 1, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "a", name)

	_, err = s.FetchNext(ctx, "wf", 1, "inst-1")
	assert.ErrorIs(t, err, storage.ErrEmpty)

	require.NoError(t, s.SetState(ctx, "wf", 1, "inst-1", "a", "succeeded"))
	require.NoError(t, s.SetResult(ctx, "wf", 1, "inst-1", "a", "ok"))

	result, err := s.GetResult(ctx, "wf", 1, "inst-1", "a")
	require.NoError(t, err)
	assert.Equal(t, "ok", result)

	all, err := s.GetAllStates(ctx, "wf", 1, "inst-1")
	require.NoError(t, err)
	assert.Equal(t, "succeeded", all["a"])
	assert.Equal(t, "pending", all["b"])

	require.NoError(t, s.FinalizeRun(ctx, "wf", 1, "inst-1", "succeeded"))
}

func TestStoreUnknownInstance(t *testing.T) {
	ctx := context.Background()
	s := New()

	_, err := s.GetState(ctx, "wf", 1, "missing", "a")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	_, err = s.GetResult(ctx, "wf", 1, "missing", "a")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = s.Enqueue(ctx, "wf", 1, "missing", "a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestGetResultNotYetRecorded(t *testing.T) {
	ctx := context.Background()
	s := New()
	require.NoError(t, s.CreateRun(ctx, storage.RunSpec{
		WorkflowID: "wf", Version: 1, InstanceID: "inst-2", StepNames: []string{"a"},
	}))

	_, err := s.GetResult(ctx, "wf", 1, "inst-2", "a")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}
