package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestRegistry(t *testing.T) (*RunRegistry, *MemoryStore, *WorkflowRepository) {
	t.Helper()
	store := NewMemoryStore()
	bus := NewEventBus()
	batch := NewBatchCoordinator(store, bus)
	workflows := NewWorkflowRepository()
	d := NewDispatcher(store, bus, batch, workflows.Get, nil, nil)
	registry := NewRunRegistry(store, bus, d, workflows)
	return registry, store, workflows
}

// manualChainWorkflow has a trigger leading into one manual step that
// stays in-progress until an operator acts on it, so a run started from
// it always has in-flight, non-terminal tasks to cancel.
func manualChainWorkflow(id string) *Workflow {
	return &Workflow{
		ID:   id,
		Name: "manual chain",
		Steps: []Step{
			{ID: "trigger", Kind: StepKindTrigger, Connections: []Connection{{TargetStepID: "review"}}},
			{ID: "review", Kind: StepKindManual},
		},
	}
}

func TestRunRegistry_CancelRun_CancelsInFlightDescendants(t *testing.T) {
	registry, store, workflows := newTestRegistry(t)
	wf := manualChainWorkflow("wf-cancel")
	require.NoError(t, workflows.Register(wf))

	ctx := context.Background()
	run, rootTask, err := registry.StartWorkflow(ctx, wf.ID, map[string]any{}, StartOptions{})
	require.NoError(t, err)
	require.Equal(t, RunRunning, run.Status)
	require.Equal(t, TaskInProgress, rootTask.Status, "root task stays open while the run is running")

	tasks, err := store.ListTasks(ctx, TaskQuery{RunID: run.ID})
	require.NoError(t, err)
	var review *Task
	for _, task := range tasks {
		if task.StepID == "trigger" {
			require.Equal(t, TaskCompleted, task.Status, "trigger step completes immediately")
			continue
		}
		review = task
	}
	require.NotNil(t, review, "decision to advance past trigger must have activated the manual review step")
	require.False(t, review.Status.IsTerminal(), "review task should still be in flight before cancellation")

	cancelled, err := registry.CancelRun(ctx, run.ID, "operator@example.com")
	require.NoError(t, err)
	require.Equal(t, RunCancelled, cancelled.Status)

	updated, err := store.GetTask(ctx, review.ID)
	require.NoError(t, err)
	require.Equal(t, TaskCancelled, updated.Status)
}

func TestRunRegistry_CancelRun_IsIdempotentOnAlreadyTerminalRun(t *testing.T) {
	registry, _, workflows := newTestRegistry(t)
	wf := manualChainWorkflow("wf-cancel-idempotent")
	require.NoError(t, workflows.Register(wf))

	ctx := context.Background()
	run, _, err := registry.StartWorkflow(ctx, wf.ID, map[string]any{}, StartOptions{})
	require.NoError(t, err)

	first, err := registry.CancelRun(ctx, run.ID, "operator@example.com")
	require.NoError(t, err)
	require.Equal(t, RunCancelled, first.Status)

	second, err := registry.CancelRun(ctx, run.ID, "operator@example.com")
	require.NoError(t, err)
	require.Equal(t, RunCancelled, second.Status, "cancelling a terminal run again must be a no-op, not an error")
}
