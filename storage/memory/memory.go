// Package memory implements storage.Store entirely in process memory. It
// backs the in-process engines (SerialEngine, PoolEngine, AsyncEngine) and
// is useful in tests; it does not survive a process restart.
package memory

import (
	"context"
	"sync"

	"github.com/nevindra/conduit/storage"
)

type runKey struct {
	workflowID string
	version    int
	instanceID string
}

type run struct {
	mu      sync.Mutex
	states  map[string]string
	results map[string]any
	inputs  map[string]any
	queue   []string
	queued  map[string]bool
}

// Store implements storage.Store with maps guarded by a single mutex. Safe
// for concurrent use.
type Store struct {
	mu     sync.Mutex
	runs   map[runKey]*run
	config map[string]string
}

var _ storage.Store = (*Store)(nil)

// New creates an empty in-memory Store.
func New() *Store {
	return &Store{runs: make(map[runKey]*run), config: make(map[string]string)}
}

// SetConfig implements storage.Store.
func (s *Store) SetConfig(ctx context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.config[key] = value
	return nil
}

// GetConfig implements storage.Store.
func (s *Store) GetConfig(ctx context.Context, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.config[key]
	if !ok {
		return "", storage.ErrNotFound
	}
	return v, nil
}

// Init is a no-op; the store needs no external resources.
func (s *Store) Init(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

func (s *Store) get(workflowID string, version int, instanceID string) (*run, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.runs[runKey{workflowID, version, instanceID}]
	return r, ok
}

// CreateRun implements storage.Store.
func (s *Store) CreateRun(ctx context.Context, spec storage.RunSpec) error {
	r := &run{
		states:  make(map[string]string, len(spec.StepNames)),
		results: make(map[string]any, len(spec.StepNames)),
		inputs:  make(map[string]any, len(spec.Inputs)),
		queued:  make(map[string]bool, len(spec.StepNames)),
	}
	for _, name := range spec.StepNames {
		r.states[name] = "pending"
	}
	for k, v := range spec.Inputs {
		r.inputs[k] = v
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.runs[runKey{spec.WorkflowID, spec.Version, spec.InstanceID}] = r
	return nil
}

// Enqueue implements storage.Store.
func (s *Store) Enqueue(ctx context.Context, workflowID string, version int, instanceID, stepName string) error {
	r, ok := s.get(workflowID, version, instanceID)
	if !ok {
		return storage.ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.queued[stepName] {
		return nil
	}
	r.queued[stepName] = true
	r.queue = append(r.queue, stepName)
	return nil
}

// FetchNext implements storage.Store.
func (s *Store) FetchNext(ctx context.Context, workflowID string, version int, instanceID string) (string, error) {
	r, ok := s.get(workflowID, version, instanceID)
	if !ok {
		return "", storage.ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.queue) == 0 {
		return "", storage.ErrEmpty
	}
	name := r.queue[0]
	r.queue = r.queue[1:]
	delete(r.queued, name)
	return name, nil
}

// SetState implements storage.Store.
func (s *Store) SetState(ctx context.Context, workflowID string, version int, instanceID, stepName, state string) error {
	r, ok := s.get(workflowID, version, instanceID)
	if !ok {
		return storage.ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states[stepName] = state
	return nil
}

// GetState implements storage.Store.
func (s *Store) GetState(ctx context.Context, workflowID string, version int, instanceID, stepName string) (string, error) {
	r, ok := s.get(workflowID, version, instanceID)
	if !ok {
		return "", storage.ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	st, ok := r.states[stepName]
	if !ok {
		return "", storage.ErrNotFound
	}
	return st, nil
}

// GetAllStates implements storage.Store.
func (s *Store) GetAllStates(ctx context.Context, workflowID string, version int, instanceID string) (map[string]string, error) {
	r, ok := s.get(workflowID, version, instanceID)
	if !ok {
		return nil, storage.ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]string, len(r.states))
	for k, v := range r.states {
		out[k] = v
	}
	return out, nil
}

// SetInputs implements storage.Store.
func (s *Store) SetInputs(ctx context.Context, workflowID string, version int, instanceID string, inputs map[string]any) error {
	r, ok := s.get(workflowID, version, instanceID)
	if !ok {
		return storage.ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.inputs = make(map[string]any, len(inputs))
	for k, v := range inputs {
		r.inputs[k] = v
	}
	return nil
}

// GetInputs implements storage.Store.
func (s *Store) GetInputs(ctx context.Context, workflowID string, version int, instanceID string) (map[string]any, error) {
	r, ok := s.get(workflowID, version, instanceID)
	if !ok {
		return nil, storage.ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.inputs))
	for k, v := range r.inputs {
		out[k] = v
	}
	return out, nil
}

// SetResult implements storage.Store.
func (s *Store) SetResult(ctx context.Context, workflowID string, version int, instanceID, stepName string, result any) error {
	r, ok := s.get(workflowID, version, instanceID)
	if !ok {
		return storage.ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[stepName] = result
	return nil
}

// GetResult implements storage.Store.
func (s *Store) GetResult(ctx context.Context, workflowID string, version int, instanceID, stepName string) (any, error) {
	r, ok := s.get(workflowID, version, instanceID)
	if !ok {
		return nil, storage.ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.results[stepName]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return v, nil
}

// GetAllResults implements storage.Store.
func (s *Store) GetAllResults(ctx context.Context, workflowID string, version int, instanceID string) (map[string]any, error) {
	r, ok := s.get(workflowID, version, instanceID)
	if !ok {
		return nil, storage.ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]any, len(r.results))
	for k, v := range r.results {
		out[k] = v
	}
	return out, nil
}

// FinalizeRun implements storage.Store.
func (s *Store) FinalizeRun(ctx context.Context, workflowID string, version int, instanceID, status string) error {
	r, ok := s.get(workflowID, version, instanceID)
	if !ok {
		return storage.ErrNotFound
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.states["__workflow__"] = status
	return nil
}
