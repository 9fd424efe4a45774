package workflow

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
)

func newTestCallbackIngress(t *testing.T) (*CallbackIngress, *MemoryStore, *WorkflowRepository) {
	t.Helper()
	store := NewMemoryStore()
	bus := NewEventBus()
	batch := NewBatchCoordinator(store, bus)
	workflows := NewWorkflowRepository()
	d := NewDispatcher(store, bus, batch, workflows.Get, nil, nil)
	ingress := NewCallbackIngress(store, bus, d, batch, workflows.Get)
	return ingress, store, workflows
}

func foreachWorkflow(id string) *Workflow {
	return &Workflow{
		ID:   id,
		Name: "foreach callback",
		Steps: []Step{
			{ID: "trigger", Kind: StepKindTrigger, Connections: []Connection{{TargetStepID: "fanout"}}},
			{ID: "fanout", Kind: StepKindForeach, Foreach: &ForeachConfig{
				ItemsSource:     ItemsSourceExternalCallback,
				SuccessorStepID: "handle",
			}},
			{ID: "handle", Kind: StepKindManual},
		},
	}
}

func TestCallbackIngress_Foreach_DuplicateItemKeyIsNotReplayed(t *testing.T) {
	ingress, store, workflows := newTestCallbackIngress(t)
	wf := foreachWorkflow("wf-redelivery")
	require.NoError(t, workflows.Register(wf))

	ctx := context.Background()
	run := &Run{ID: newID(), WorkflowID: wf.ID, Status: RunRunning, CallbackSecret: "s3cr3t"}
	require.NoError(t, store.CreateRun(ctx, run))

	parent := &Task{ID: newID(), RunID: run.ID, StepID: "fanout", Kind: StepKindForeach, Status: TaskWaiting}
	require.NoError(t, store.CreateTask(ctx, parent))

	payload := map[string]any{"item": map[string]any{"id": "doc-1"}, "itemKey": "doc-1"}

	first, err := ingress.Handle(ctx, run.ID, "fanout", payload, run.CallbackSecret, RequestInfo{})
	require.NoError(t, err)
	require.Len(t, first.ChildTaskIDs, 1)

	// Re-deliver the identical callback (e.g. the sender's at-least-once
	// retry after a dropped response) — it must not create a second child.
	second, err := ingress.Handle(ctx, run.ID, "fanout", payload, run.CallbackSecret, RequestInfo{})
	require.NoError(t, err)
	require.Empty(t, second.ChildTaskIDs, "duplicate itemKey must not fan out a second child")

	children, err := store.ListTasks(ctx, TaskQuery{ParentTaskID: parent.ID})
	require.NoError(t, err)
	require.Len(t, children, 1)
}

func TestCallbackIngress_RejectsWrongSecret(t *testing.T) {
	ingress, store, workflows := newTestCallbackIngress(t)
	wf := foreachWorkflow("wf-secret")
	require.NoError(t, workflows.Register(wf))

	ctx := context.Background()
	run := &Run{ID: newID(), WorkflowID: wf.ID, Status: RunRunning, CallbackSecret: "correct-secret"}
	require.NoError(t, store.CreateRun(ctx, run))

	parent := &Task{ID: newID(), RunID: run.ID, StepID: "fanout", Kind: StepKindForeach, Status: TaskWaiting}
	require.NoError(t, store.CreateTask(ctx, parent))

	_, err := ingress.Handle(ctx, run.ID, "fanout", map[string]any{"item": map[string]any{}}, "wrong-secret", RequestInfo{})
	require.Error(t, err)
}

func TestCallbackIngress_TerminalRunAcknowledgesWithoutProcessing(t *testing.T) {
	ingress, store, workflows := newTestCallbackIngress(t)
	wf := foreachWorkflow("wf-terminal")
	require.NoError(t, workflows.Register(wf))

	ctx := context.Background()
	run := &Run{ID: newID(), WorkflowID: wf.ID, Status: RunCompleted, CallbackSecret: "s3cr3t"}
	require.NoError(t, store.CreateRun(ctx, run))

	parent := &Task{ID: newID(), RunID: run.ID, StepID: "fanout", Kind: StepKindForeach, Status: TaskCompleted}
	require.NoError(t, store.CreateTask(ctx, parent))

	result, err := ingress.Handle(ctx, run.ID, "fanout", map[string]any{"item": map[string]any{}}, run.CallbackSecret, RequestInfo{})
	require.NoError(t, err)
	require.True(t, result.Acknowledged)
	require.Empty(t, result.ChildTaskIDs)
}
