// Package workflow provides workflow orchestration primitives.
//
// This file defines Run, the live instance of a Workflow, and its state
// machine: guarded, hookable transitions between pending, running,
// paused, completed, failed and cancelled, in the spirit of the
// package's original created->running->(paused)->completed/failed model,
// generalized to the run lifecycle.
package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/tombee/conductor/pkg/errors"
)

// Run is a live instance of a Workflow: the mutable execution state
// advanced by the dispatcher and batch coordinator.
type Run struct {
	ID string `json:"id"`

	WorkflowID      string `json:"workflowId"`
	WorkflowVersion int    `json:"workflowVersion"`

	Status RunStatus `json:"status"`

	RootTaskID string `json:"rootTaskId,omitempty"`

	InputPayload map[string]any `json:"inputPayload,omitempty"`
	OutputValue  map[string]any `json:"outputValue,omitempty"`

	TaskDefaults     TaskDefaults     `json:"taskDefaults"`
	ExecutionOptions ExecutionOptions `json:"executionOptions"`

	CallbackSecret string `json:"-"`

	CompletedStepIDs []string `json:"completedStepIds,omitempty"`
	FailedStepID     string   `json:"failedStepId,omitempty"`
	ErrorMessage     string   `json:"errorMessage,omitempty"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

// HasCompletedStep reports whether stepID is recorded in
// CompletedStepIDs for this run.
func (r *Run) HasCompletedStep(stepID string) bool {
	for _, id := range r.CompletedStepIDs {
		if id == stepID {
			return true
		}
	}
	return false
}

// RunTransitionGuard determines whether a run transition is allowed.
type RunTransitionGuard func(ctx context.Context, r *Run) (bool, error)

// RunTransitionAction runs as part of executing a run transition.
type RunTransitionAction func(ctx context.Context, r *Run) error

// RunTransition defines one edge of the run state machine.
type RunTransition struct {
	From    RunStatus
	To      RunStatus
	Event   string
	Guards  []RunTransitionGuard
	Actions []RunTransitionAction
}

// CanTransition reports whether the transition applies to r's current
// status and all guards pass.
func (t *RunTransition) CanTransition(ctx context.Context, r *Run) (bool, error) {
	if r.Status != t.From {
		return false, nil
	}
	for _, guard := range t.Guards {
		allowed, err := guard(ctx, r)
		if err != nil {
			return false, fmt.Errorf("guard error: %w", err)
		}
		if !allowed {
			return false, nil
		}
	}
	return true, nil
}

// Execute runs the transition's actions and updates r's status and
// lifecycle timestamps.
func (t *RunTransition) Execute(ctx context.Context, r *Run) error {
	for _, action := range t.Actions {
		if err := action(ctx, r); err != nil {
			return fmt.Errorf("action error: %w", err)
		}
	}

	oldStatus := r.Status
	r.Status = t.To
	r.UpdatedAt = time.Now()

	switch t.To {
	case RunRunning:
		if r.StartedAt == nil {
			now := time.Now()
			r.StartedAt = &now
		}
	case RunCompleted, RunFailed, RunCancelled:
		if r.CompletedAt == nil {
			now := time.Now()
			r.CompletedAt = &now
		}
	}

	if oldStatus == RunFailed && t.To != RunFailed {
		r.ErrorMessage = ""
	}

	return nil
}

// RunStateMachine manages Run state transitions.
type RunStateMachine struct {
	transitions map[string]*RunTransition
	hooks       *RunHooks
}

// RunHooks are lifecycle hooks invoked around every transition.
type RunHooks struct {
	BeforeTransition func(ctx context.Context, r *Run, event string) error
	AfterTransition  func(ctx context.Context, r *Run, from, to RunStatus) error
	OnError          func(ctx context.Context, r *Run, err error) error
}

// NewRunStateMachine builds a state machine from the given transitions,
// indexed by event name.
func NewRunStateMachine(transitions []*RunTransition) *RunStateMachine {
	sm := &RunStateMachine{
		transitions: make(map[string]*RunTransition, len(transitions)),
		hooks:       &RunHooks{},
	}
	for _, t := range transitions {
		sm.transitions[t.Event] = t
	}
	return sm
}

// SetHooks configures lifecycle hooks for the state machine.
func (sm *RunStateMachine) SetHooks(hooks *RunHooks) {
	if hooks != nil {
		sm.hooks = hooks
	}
}

// Trigger attempts to fire event against r, running guards, the
// transition's actions, and registered hooks.
func (sm *RunStateMachine) Trigger(ctx context.Context, r *Run, event string) error {
	transition, ok := sm.transitions[event]
	if !ok {
		return &errors.ValidationError{
			Field:      "event",
			Message:    fmt.Sprintf("unknown run event: %s", event),
			Suggestion: "use one of the valid events for the current run status",
		}
	}

	allowed, err := transition.CanTransition(ctx, r)
	if err != nil {
		if sm.hooks.OnError != nil {
			if hookErr := sm.hooks.OnError(ctx, r, err); hookErr != nil {
				return fmt.Errorf("transition guard error: %w (hook error: %v)", err, hookErr)
			}
		}
		return fmt.Errorf("transition guard error: %w", err)
	}
	if !allowed {
		return &errors.ConflictError{
			Resource: "run",
			ID:       r.ID,
			Reason:   fmt.Sprintf("event %s not valid from status %s", event, r.Status),
		}
	}

	oldStatus := r.Status

	if sm.hooks.BeforeTransition != nil {
		if err := sm.hooks.BeforeTransition(ctx, r, event); err != nil {
			if sm.hooks.OnError != nil {
				if hookErr := sm.hooks.OnError(ctx, r, err); hookErr != nil {
					return fmt.Errorf("before transition hook error: %w (error hook error: %v)", err, hookErr)
				}
			}
			return fmt.Errorf("before transition hook error: %w", err)
		}
	}

	if err := transition.Execute(ctx, r); err != nil {
		if sm.hooks.OnError != nil {
			if hookErr := sm.hooks.OnError(ctx, r, err); hookErr != nil {
				return fmt.Errorf("transition execution error: %w (hook error: %v)", err, hookErr)
			}
		}
		return fmt.Errorf("transition execution error: %w", err)
	}

	if sm.hooks.AfterTransition != nil {
		if err := sm.hooks.AfterTransition(ctx, r, oldStatus, r.Status); err != nil {
			if sm.hooks.OnError != nil {
				if hookErr := sm.hooks.OnError(ctx, r, err); hookErr != nil {
					return fmt.Errorf("after transition hook error: %w (error hook error: %v)", err, hookErr)
				}
			}
			return fmt.Errorf("after transition hook error: %w", err)
		}
	}

	return nil
}

// AvailableEvents returns the events that can legally fire from r's
// current status.
func (sm *RunStateMachine) AvailableEvents(ctx context.Context, r *Run) ([]string, error) {
	var events []string
	for event, transition := range sm.transitions {
		allowed, err := transition.CanTransition(ctx, r)
		if err != nil {
			return nil, fmt.Errorf("error checking transition for event %s: %w", event, err)
		}
		if allowed {
			events = append(events, event)
		}
	}
	return events, nil
}

// DefaultRunTransitions returns the run lifecycle's standard transitions:
// pending->running, running<->paused, running->completed/failed, and
// cancel reachable from any non-terminal status.
func DefaultRunTransitions() []*RunTransition {
	return []*RunTransition{
		{From: RunPending, To: RunRunning, Event: "start"},
		{From: RunRunning, To: RunPaused, Event: "pause"},
		{From: RunPaused, To: RunRunning, Event: "resume"},
		{From: RunRunning, To: RunCompleted, Event: "complete"},
		{From: RunRunning, To: RunFailed, Event: "fail"},
		{From: RunPaused, To: RunFailed, Event: "fail"},
		{From: RunPending, To: RunCancelled, Event: "cancel"},
		{From: RunRunning, To: RunCancelled, Event: "cancel"},
		{From: RunPaused, To: RunCancelled, Event: "cancel"},
	}
}
