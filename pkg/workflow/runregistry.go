package workflow

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"time"

	"github.com/tombee/conductor/pkg/errors"
)

// StartOptions carries the optional fields startWorkflow accepts beyond
// the workflow id and input payload.
type StartOptions struct {
	TaskDefaults     TaskDefaults
	ExecutionOptions ExecutionOptions
	ExternalID       string
	Source           string
}

// RunRegistry owns run lifecycle operations: starting, pausing,
// resuming, cancelling and listing runs. It is the only component that
// creates a Run record, so it is also where the run state machine is
// exercised.
type RunRegistry struct {
	store      Store
	bus        *EventBus
	dispatcher *Dispatcher
	workflows  *WorkflowRepository
	sm         *RunStateMachine
}

// NewRunRegistry builds a registry over the given collaborators, using
// DefaultRunTransitions for the run state machine.
func NewRunRegistry(store Store, bus *EventBus, dispatcher *Dispatcher, workflows *WorkflowRepository) *RunRegistry {
	return &RunRegistry{
		store:      store,
		bus:        bus,
		dispatcher: dispatcher,
		workflows:  workflows,
		sm:         NewRunStateMachine(DefaultRunTransitions()),
	}
}

func generateCallbackSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// StartWorkflow implements the six-step startWorkflow sequence: look up
// the workflow (the run records its id and version), generate a callback secret, create the run pending, create
// its root task, transition to running and activate the trigger step, then
// publish the created/started events.
func (g *RunRegistry) StartWorkflow(ctx context.Context, workflowID string, input map[string]any, opts StartOptions) (*Run, *Task, error) {
	wf, err := g.workflows.Get(ctx, workflowID)
	if err != nil {
		return nil, nil, err
	}
	trigger, err := wf.TriggerStep()
	if err != nil {
		return nil, nil, err
	}

	secret, err := generateCallbackSecret()
	if err != nil {
		return nil, nil, err
	}

	now := time.Now()
	run := &Run{
		ID:               newID(),
		WorkflowID:       wf.ID,
		WorkflowVersion:  wf.Version,
		Status:           RunPending,
		InputPayload:     input,
		TaskDefaults:     opts.TaskDefaults,
		ExecutionOptions: opts.ExecutionOptions,
		CallbackSecret:   secret,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := g.store.CreateRun(ctx, run); err != nil {
		return nil, nil, err
	}

	rootTitle := wf.Name
	if wf.RootTaskTitleTemplate != "" {
		if rendered, err := ResolveTemplate(wf.RootTaskTitleTemplate, templateContextFor(input)); err == nil {
			rootTitle = rendered
		}
	}
	rootTask := &Task{
		ID:            newID(),
		RunID:         run.ID,
		Kind:          StepKindFlow,
		Status:        TaskInProgress,
		ExecutionMode: ExecutionImmediate,
		Title:         rootTitle,
		Assignee:      opts.TaskDefaults.Assignee,
		Tags:          opts.TaskDefaults.Tags,
		Urgency:       opts.TaskDefaults.Urgency,
		InputPayload:  input,
		StartedAt:     &now,
	}
	if err := g.store.CreateTask(ctx, rootTask); err != nil {
		return nil, nil, err
	}
	g.bus.Publish(ctx, Event{Topic: TopicTaskCreated, RunID: run.ID, TaskID: rootTask.ID})

	run, err = g.store.AtomicRunTransition(ctx, run.ID, []RunStatus{RunPending}, func(r *Run) error {
		r.RootTaskID = rootTask.ID
		return g.sm.Trigger(ctx, r, "start")
	})
	if err != nil {
		return nil, nil, err
	}
	if _, err := g.dispatcher.Activate(ctx, run, wf, trigger, rootTask.ID, input); err != nil {
		return nil, nil, err
	}

	g.bus.Publish(ctx, Event{Topic: TopicRunCreated, RunID: run.ID})
	g.bus.Publish(ctx, Event{Topic: TopicRunStarted, RunID: run.ID})

	return run, rootTask, nil
}

// GetRun returns a run by id.
func (g *RunRegistry) GetRun(ctx context.Context, id string) (*Run, error) {
	return g.store.GetRun(ctx, id)
}

// ListRuns returns runs for workflowID, optionally filtered by status,
// oldest first, paginated.
func (g *RunRegistry) ListRuns(ctx context.Context, workflowID string, status *RunStatus, limit, offset int) ([]*Run, error) {
	return g.store.ListRuns(ctx, workflowID, status, limit, offset)
}

// PauseRun moves a running run to paused.
func (g *RunRegistry) PauseRun(ctx context.Context, id string) (*Run, error) {
	run, err := g.store.AtomicRunTransition(ctx, id, []RunStatus{RunRunning}, func(r *Run) error {
		return g.sm.Trigger(ctx, r, "pause")
	})
	if err != nil {
		return nil, err
	}
	g.bus.Publish(ctx, Event{Topic: TopicRunPaused, RunID: run.ID})
	return run, nil
}

// ResumeRun moves a paused run back to running.
func (g *RunRegistry) ResumeRun(ctx context.Context, id string) (*Run, error) {
	run, err := g.store.AtomicRunTransition(ctx, id, []RunStatus{RunPaused}, func(r *Run) error {
		return g.sm.Trigger(ctx, r, "resume")
	})
	if err != nil {
		return nil, err
	}
	g.bus.Publish(ctx, Event{Topic: TopicRunResumed, RunID: run.ID})
	return run, nil
}

// CancelRun transitions a run to cancelled and marks every non-terminal
// descendant of its root task cancelled, best-effort and idempotent: a
// run already terminal is left untouched and reported without error.
func (g *RunRegistry) CancelRun(ctx context.Context, id, actor string) (*Run, error) {
	current, err := g.store.GetRun(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Status.IsTerminal() {
		return current, nil
	}

	run, err := g.store.AtomicRunTransition(ctx, id, []RunStatus{RunPending, RunRunning, RunPaused}, func(r *Run) error {
		return g.sm.Trigger(ctx, r, "cancel")
	})
	if err != nil {
		if _, ok := err.(*errors.ConflictError); ok {
			return g.store.GetRun(ctx, id)
		}
		return nil, err
	}

	if err := g.cancelDescendants(ctx, run); err != nil {
		return nil, err
	}

	g.bus.Publish(ctx, Event{Topic: TopicRunCancelled, RunID: run.ID})
	return run, nil
}

func (g *RunRegistry) cancelDescendants(ctx context.Context, run *Run) error {
	tasks, err := g.store.ListTasks(ctx, TaskQuery{RunID: run.ID, IncludeArchived: true})
	if err != nil {
		return err
	}
	for _, t := range tasks {
		if t.Status.IsTerminal() || t.Status == TaskArchived {
			continue
		}
		updated, err := g.store.AtomicTaskTransition(ctx, t.ID, []TaskStatus{t.Status}, func(task *Task) error {
			task.Status = TaskCancelled
			now := time.Now()
			task.CompletedAt = &now
			return nil
		})
		if err != nil {
			continue // lost the CAS race or already moved on; best-effort
		}
		g.bus.Publish(ctx, Event{Topic: TopicTaskStatusChanged, RunID: run.ID, TaskID: updated.ID, Data: map[string]any{"status": string(updated.Status)}})
	}
	return nil
}
