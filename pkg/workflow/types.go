// Package workflow implements the core execution model for the engine:
// workflow definitions, runs, tasks, the event bus, the step dispatcher,
// and the fan-out/fan-in batch coordinator. Persistence and transport are
// external collaborators; this package only depends on the Store and
// EventBus interfaces it defines.
package workflow

import "time"

// StepKind identifies the behavior strategy a workflow step activates.
type StepKind string

const (
	StepKindTrigger  StepKind = "trigger"
	StepKindAgent    StepKind = "agent"
	StepKindManual   StepKind = "manual"
	StepKindDecision StepKind = "decision"
	StepKindForeach  StepKind = "foreach"
	StepKindJoin     StepKind = "join"
	StepKindExternal StepKind = "external"
	StepKindWebhook  StepKind = "webhook"
	StepKindSubflow  StepKind = "subflow"

	// StepKindFlow marks a run's root task. It is never a step's own
	// kind in a workflow definition (excluded from validStepKinds); it
	// exists only as the Task.Kind value the run registry assigns to
	// the synthetic root task it creates ahead of the trigger step.
	StepKindFlow StepKind = "flow"
)

var validStepKinds = map[StepKind]bool{
	StepKindTrigger:  true,
	StepKindAgent:    true,
	StepKindManual:   true,
	StepKindDecision: true,
	StepKindForeach:  true,
	StepKindJoin:     true,
	StepKindExternal: true,
	StepKindWebhook:  true,
	StepKindSubflow:  true,
}

// IsValid reports whether k is a recognised step kind.
func (k StepKind) IsValid() bool {
	return validStepKinds[k]
}

// RunStatus is the lifecycle state of a workflow run.
type RunStatus string

const (
	RunPending   RunStatus = "pending"
	RunRunning   RunStatus = "running"
	RunPaused    RunStatus = "paused"
	RunCompleted RunStatus = "completed"
	RunFailed    RunStatus = "failed"
	RunCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run status accepts no further transitions.
func (s RunStatus) IsTerminal() bool {
	return s == RunCompleted || s == RunFailed || s == RunCancelled
}

// TaskStatus is the lifecycle state of a materialized task.
type TaskStatus string

const (
	TaskPending    TaskStatus = "pending"
	TaskInProgress TaskStatus = "in_progress"
	TaskWaiting    TaskStatus = "waiting"
	TaskOnHold     TaskStatus = "on_hold"
	TaskCompleted  TaskStatus = "completed"
	TaskFailed     TaskStatus = "failed"
	TaskCancelled  TaskStatus = "cancelled"
	TaskArchived   TaskStatus = "archived"
)

// IsTerminal reports whether the task status accepts no further
// transitions. A task reaches a terminal state at most once.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled:
		return true
	default:
		return false
	}
}

// ExecutionMode describes who or what drives a task to completion.
type ExecutionMode string

const (
	ExecutionImmediate        ExecutionMode = "immediate"
	ExecutionAutomated        ExecutionMode = "automated"
	ExecutionManual           ExecutionMode = "manual"
	ExecutionExternalCallback ExecutionMode = "external_callback"
)

// Urgency is a coarse priority band carried on tasks.
type Urgency string

const (
	UrgencyLow    Urgency = "low"
	UrgencyNormal Urgency = "normal"
	UrgencyHigh   Urgency = "high"
	UrgencyUrgent Urgency = "urgent"
)

// TaskDefaults are per-run defaults applied to every task the run creates,
// overridden field-by-field by a step's own configuration.
type TaskDefaults struct {
	Assignee  string        `json:"assignee,omitempty"`
	Urgency   Urgency       `json:"urgency,omitempty"`
	Tags      []string      `json:"tags,omitempty"`
	DueOffset time.Duration `json:"dueOffset,omitempty"`
}

// ExecutionOptions adjust how a run is carried out, set at start time.
type ExecutionOptions struct {
	PauseAtSteps []string `json:"pauseAtSteps,omitempty"`
	SkipSteps    []string `json:"skipSteps,omitempty"`
	DryRun       bool     `json:"dryRun,omitempty"`
}

// BatchCounters tracks fan-out/fan-in arithmetic for a foreach or join
// task. processedCount+failedCount never exceeds receivedCount, and
// receivedCount never exceeds expectedCount once expectedCount is known
// (ExpectedKnown).
type BatchCounters struct {
	ExpectedCount  int  `json:"expectedCount"`
	ExpectedKnown  bool `json:"expectedKnown"`
	ReceivedCount  int  `json:"receivedCount"`
	ProcessedCount int  `json:"processedCount"`
	FailedCount    int  `json:"failedCount"`
}

// Done returns processed+failed, the number of children that have reached
// a terminal state.
func (c BatchCounters) Done() int {
	return c.ProcessedCount + c.FailedCount
}

// FieldChange records one field mutation for an activity entry or event.
type FieldChange struct {
	Field    string `json:"field"`
	OldValue any    `json:"oldValue,omitempty"`
	NewValue any    `json:"newValue,omitempty"`
}
