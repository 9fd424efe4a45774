package workflow

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestDispatcher(t *testing.T) (*Dispatcher, *MemoryStore, *BatchCoordinator) {
	t.Helper()
	store := NewMemoryStore()
	bus := NewEventBus()
	batch := NewBatchCoordinator(store, bus)
	d := NewDispatcher(store, bus, batch, nil, nil, nil)
	return d, store, batch
}

func newTestRun(t *testing.T, store *MemoryStore, workflowID string) *Run {
	t.Helper()
	run := &Run{ID: newID(), WorkflowID: workflowID, Status: RunRunning}
	require.NoError(t, store.CreateRun(context.Background(), run))
	return run
}

func TestDispatcher_ActivateDecision_TakesMatchingConnection(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	run := newTestRun(t, store, "wf-decision")

	wf := &Workflow{
		ID: "wf-decision",
		Steps: []Step{
			{ID: "trigger", Kind: StepKindTrigger, Connections: []Connection{{TargetStepID: "decide"}}},
			{ID: "decide", Kind: StepKindDecision, Connections: []Connection{
				{TargetStepID: "yes", Condition: `inputs.approved == true`},
			}, DefaultConnection: "no"},
			{ID: "yes", Kind: StepKindManual},
			{ID: "no", Kind: StepKindManual},
		},
	}

	step := wf.StepByID("decide")
	task, err := d.Activate(context.Background(), run, wf, step, "", map[string]any{"approved": true})
	require.NoError(t, err)

	require.Equal(t, TaskCompleted, task.Status)
	require.Equal(t, "yes", task.OutputPayload["decisionResult"])
}

func TestDispatcher_ActivateDecision_FallsBackToDefaultConnection(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	run := newTestRun(t, store, "wf-decision")

	wf := &Workflow{
		ID: "wf-decision",
		Steps: []Step{
			{ID: "decide", Kind: StepKindDecision, Connections: []Connection{
				{TargetStepID: "yes", Condition: `inputs.approved == true`},
			}, DefaultConnection: "no"},
			{ID: "yes", Kind: StepKindManual},
			{ID: "no", Kind: StepKindManual},
		},
	}

	step := wf.StepByID("decide")
	task, err := d.Activate(context.Background(), run, wf, step, "", map[string]any{"approved": false})
	require.NoError(t, err)

	require.Equal(t, "no", task.OutputPayload["decisionResult"])
}

func TestDispatcher_ActivateExternal_WaitsForExpectedCallbacks(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	run := newTestRun(t, store, "wf-external")

	wf := &Workflow{
		ID: "wf-external",
		Steps: []Step{
			{ID: "wait", Kind: StepKindExternal, External: &ExternalConfig{ExpectedCallbacks: 2}},
		},
	}

	step := wf.StepByID("wait")
	task, err := d.Activate(context.Background(), run, wf, step, "", nil)
	require.NoError(t, err)

	require.Equal(t, TaskWaiting, task.Status)
	require.Equal(t, ExecutionExternalCallback, task.ExecutionMode)
	require.True(t, task.Counters.ExpectedKnown)
	require.Equal(t, 2, task.Counters.ExpectedCount)
}

func TestDispatcher_ActivateForeach_FansOutOneChildPerItem(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	run := newTestRun(t, store, "wf-foreach")

	wf := &Workflow{
		ID: "wf-foreach",
		Steps: []Step{
			{ID: "fanout", Kind: StepKindForeach, Foreach: &ForeachConfig{
				ItemsSource:     ItemsSourcePayload,
				ItemsPath:       ".docs",
				SuccessorStepID: "handle",
			}},
			{ID: "handle", Kind: StepKindManual},
		},
	}

	step := wf.StepByID("fanout")
	input := map[string]any{"docs": []any{
		map[string]any{"id": "a"},
		map[string]any{"id": "b"},
		map[string]any{"id": "c"},
	}}
	task, err := d.Activate(context.Background(), run, wf, step, "", input)
	require.NoError(t, err)

	require.True(t, task.Sealed)
	require.Equal(t, 3, task.Counters.ExpectedCount)
	require.Equal(t, 3, task.Counters.ReceivedCount)

	children, err := store.ListTasks(context.Background(), TaskQuery{ParentTaskID: task.ID})
	require.NoError(t, err)
	require.Len(t, children, 3)
	for _, c := range children {
		require.Equal(t, "handle", c.StepID)
	}
}

func TestDispatcher_ActivateJoin_NoDeadlineTimerWithoutMaxWait(t *testing.T) {
	d, store, _ := newTestDispatcher(t)
	run := newTestRun(t, store, "wf-join")

	wf := &Workflow{
		ID: "wf-join",
		Steps: []Step{
			{ID: "join", Kind: StepKindJoin, Join: &JoinConfig{
				AwaitStepID: "fanout",
				Scope:       JoinScopeChildren,
				Boundary:    BoundaryConfig{MaxWait: 0},
			}},
		},
	}

	step := wf.StepByID("join")
	task, err := d.Activate(context.Background(), run, wf, step, "", nil)
	require.NoError(t, err)
	require.Equal(t, TaskWaiting, task.Status)

	due, err := store.DueTimers(context.Background(), time.Now().Add(time.Hour))
	require.NoError(t, err)
	for _, timer := range due {
		require.NotEqual(t, task.ID, timer.SubjectID, "no deadline timer should be scheduled when MaxWait is zero")
	}
}
