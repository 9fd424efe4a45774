package workflow

import (
	"context"
	"sync"

	"github.com/tombee/conductor/pkg/errors"
)

// WorkflowRepository stores parsed workflow definitions, keyed by id. It
// backs the run registry's lookup at start and the dispatcher's
// subflow lookups.
type WorkflowRepository struct {
	mu        sync.RWMutex
	workflows map[string]*Workflow
}

// NewWorkflowRepository creates an empty repository.
func NewWorkflowRepository() *WorkflowRepository {
	return &WorkflowRepository{workflows: make(map[string]*Workflow)}
}

// Register validates and stores wf under its own id, replacing any
// previous definition. A run records only the workflow id and version at
// start time and looks the definition up by id each time it advances, so
// a replaced definition also applies to runs already in flight.
func (r *WorkflowRepository) Register(wf *Workflow) error {
	if err := wf.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.workflows[wf.ID] = wf
	return nil
}

// Get resolves id to its current definition, satisfying WorkflowLookup.
func (r *WorkflowRepository) Get(ctx context.Context, id string) (*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	wf, ok := r.workflows[id]
	if !ok {
		return nil, &errors.NotFoundError{Resource: "workflow", ID: id}
	}
	return wf, nil
}

// List returns every registered workflow definition.
func (r *WorkflowRepository) List(ctx context.Context) ([]*Workflow, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Workflow, 0, len(r.workflows))
	for _, wf := range r.workflows {
		out = append(out, wf)
	}
	return out, nil
}
