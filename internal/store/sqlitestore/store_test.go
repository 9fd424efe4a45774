// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package sqlitestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tombee/conductor/pkg/errors"
	"github.com/tombee/conductor/pkg/workflow"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	store, err := New(Config{Path: ":memory:"})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestStore_CreateAndGetRun(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	now := time.Now().UTC().Truncate(time.Second)
	run := &workflow.Run{
		ID:             "run-1",
		WorkflowID:     "wf-1",
		Status:         workflow.RunRunning,
		InputPayload:   map[string]any{"a": float64(1)},
		CallbackSecret: "top-secret",
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, store.CreateRun(ctx, run))

	got, err := store.GetRun(ctx, "run-1")
	require.NoError(t, err)
	require.Equal(t, run.WorkflowID, got.WorkflowID)
	require.Equal(t, run.Status, got.Status)
	require.Equal(t, run.CallbackSecret, got.CallbackSecret)
	require.EqualValues(t, 1, got.InputPayload["a"], "input payload must round-trip through its JSON column")
}

func TestStore_GetRun_NotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.GetRun(context.Background(), "missing")
	require.Error(t, err)
	require.IsType(t, &errors.NotFoundError{}, err)
}

func TestStore_ListRuns_FiltersByWorkflowAndStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	mustCreateRun(t, store, "run-a", "wf-x", workflow.RunRunning)
	mustCreateRun(t, store, "run-b", "wf-x", workflow.RunCompleted)
	mustCreateRun(t, store, "run-c", "wf-y", workflow.RunRunning)

	runs, err := store.ListRuns(ctx, "wf-x", nil, 50, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)

	running := workflow.RunRunning
	runs, err = store.ListRuns(ctx, "wf-x", &running, 50, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	require.Equal(t, "run-a", runs[0].ID)
}

func mustCreateRun(t *testing.T, store *Store, id, workflowID string, status workflow.RunStatus) {
	t.Helper()
	now := time.Now()
	require.NoError(t, store.CreateRun(context.Background(), &workflow.Run{
		ID: id, WorkflowID: workflowID, Status: status, CreatedAt: now, UpdatedAt: now,
	}))
}

func TestStore_AtomicRunTransition_RejectsStaleFromStatus(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateRun(t, store, "run-1", "wf-1", workflow.RunPending)

	_, err := store.AtomicRunTransition(ctx, "run-1", []workflow.RunStatus{workflow.RunRunning}, func(r *workflow.Run) error {
		r.Status = workflow.RunCompleted
		return nil
	})
	require.Error(t, err)

	updated, err := store.AtomicRunTransition(ctx, "run-1", []workflow.RunStatus{workflow.RunPending}, func(r *workflow.Run) error {
		r.Status = workflow.RunRunning
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, workflow.RunRunning, updated.Status)
}

func TestStore_CreateAndListTasks(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateRun(t, store, "run-1", "wf-1", workflow.RunRunning)

	parent := &workflow.Task{ID: "task-parent", RunID: "run-1", Kind: workflow.StepKindForeach, Status: workflow.TaskWaiting, CreatedAt: time.Now()}
	require.NoError(t, store.CreateTask(ctx, parent))

	child1 := &workflow.Task{ID: "task-child-1", RunID: "run-1", ParentTaskID: "task-parent", Kind: workflow.StepKindManual, Status: workflow.TaskInProgress, CreatedAt: time.Now()}
	child2 := &workflow.Task{ID: "task-child-2", RunID: "run-1", ParentTaskID: "task-parent", Kind: workflow.StepKindManual, Status: workflow.TaskCompleted, CreatedAt: time.Now().Add(time.Millisecond)}
	require.NoError(t, store.CreateTask(ctx, child1))
	require.NoError(t, store.CreateTask(ctx, child2))

	children, err := store.ListTasks(ctx, workflow.TaskQuery{ParentTaskID: "task-parent"})
	require.NoError(t, err)
	require.Len(t, children, 2)

	completed := workflow.TaskCompleted
	onlyCompleted, err := store.ListTasks(ctx, workflow.TaskQuery{ParentTaskID: "task-parent", Status: &completed})
	require.NoError(t, err)
	require.Len(t, onlyCompleted, 1)
	require.Equal(t, "task-child-2", onlyCompleted[0].ID)
}

func TestStore_AtomicTaskTransition_AndIncrementCounters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateRun(t, store, "run-1", "wf-1", workflow.RunRunning)

	task := &workflow.Task{ID: "task-1", RunID: "run-1", Kind: workflow.StepKindExternal, Status: workflow.TaskWaiting, CreatedAt: time.Now()}
	require.NoError(t, store.CreateTask(ctx, task))

	updated, err := store.IncrementTaskCounters(ctx, "task-1", workflow.BatchCounters{ReceivedCount: 1, ExpectedKnown: true, ExpectedCount: 2})
	require.NoError(t, err)
	require.Equal(t, 1, updated.Counters.ReceivedCount)
	require.Equal(t, 2, updated.Counters.ExpectedCount)

	updated, err = store.IncrementTaskCounters(ctx, "task-1", workflow.BatchCounters{ReceivedCount: 1, ProcessedCount: 1})
	require.NoError(t, err)
	require.Equal(t, 2, updated.Counters.ReceivedCount)
	require.Equal(t, 1, updated.Counters.ProcessedCount)
	require.Equal(t, 2, updated.Counters.ExpectedCount, "expected count must not reset when delta.ExpectedKnown is false")

	final, err := store.AtomicTaskTransition(ctx, "task-1", []workflow.TaskStatus{workflow.TaskWaiting}, func(task *workflow.Task) error {
		task.Status = workflow.TaskCompleted
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, workflow.TaskCompleted, final.Status)

	_, err = store.AtomicTaskTransition(ctx, "task-1", []workflow.TaskStatus{workflow.TaskWaiting}, func(task *workflow.Task) error {
		task.Status = workflow.TaskCancelled
		return nil
	})
	require.Error(t, err, "a task already moved past TaskWaiting must fail a CAS guarded on TaskWaiting")
}

func TestStore_FindAndClaimOne(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateRun(t, store, "run-1", "wf-1", workflow.RunRunning)

	older := &workflow.Task{ID: "task-old", RunID: "run-1", Kind: workflow.StepKindAgent, Status: workflow.TaskPending, CreatedAt: time.Now().Add(-time.Hour)}
	newer := &workflow.Task{ID: "task-new", RunID: "run-1", Kind: workflow.StepKindAgent, Status: workflow.TaskPending, CreatedAt: time.Now()}
	require.NoError(t, store.CreateTask(ctx, newer))
	require.NoError(t, store.CreateTask(ctx, older))

	claimed, err := store.FindAndClaimOne(ctx, workflow.TaskQuery{RunID: "run-1"}, workflow.TaskPending, workflow.TaskInProgress)
	require.NoError(t, err)
	require.Equal(t, "task-old", claimed.ID, "the oldest matching pending task must be claimed first")
	require.Equal(t, workflow.TaskInProgress, claimed.Status)

	claimed, err = store.FindAndClaimOne(ctx, workflow.TaskQuery{RunID: "run-1"}, workflow.TaskPending, workflow.TaskInProgress)
	require.NoError(t, err)
	require.Equal(t, "task-new", claimed.ID)

	_, err = store.FindAndClaimOne(ctx, workflow.TaskQuery{RunID: "run-1"}, workflow.TaskPending, workflow.TaskInProgress)
	require.Error(t, err)
	require.IsType(t, &errors.NotFoundError{}, err)
}

func TestStore_ActivityAppendAndList(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	mustCreateRun(t, store, "run-1", "wf-1", workflow.RunRunning)
	task := &workflow.Task{ID: "task-1", RunID: "run-1", Status: workflow.TaskPending, CreatedAt: time.Now()}
	require.NoError(t, store.CreateTask(ctx, task))

	entry := &workflow.ActivityEntry{ID: "act-1", TaskID: "task-1", RunID: "run-1", Kind: workflow.ActivityComment, Comment: "looks good", Timestamp: time.Now()}
	require.NoError(t, store.AppendActivity(ctx, entry))

	entries, err := store.ListActivity(ctx, "task-1")
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "looks good", entries[0].Comment)
}

func TestStore_TimerScheduleAndFire(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	past := &workflow.Timer{ID: "timer-due", Kind: workflow.TimerKindJoinDeadline, SubjectID: "task-1", FireAt: time.Now().Add(-time.Minute)}
	future := &workflow.Timer{ID: "timer-future", Kind: workflow.TimerKindJoinDeadline, SubjectID: "task-2", FireAt: time.Now().Add(time.Hour)}
	require.NoError(t, store.ScheduleTimer(ctx, past))
	require.NoError(t, store.ScheduleTimer(ctx, future))

	due, err := store.DueTimers(ctx, time.Now())
	require.NoError(t, err)
	require.Len(t, due, 1)
	require.Equal(t, "timer-due", due[0].ID)

	require.NoError(t, store.MarkTimerFired(ctx, "timer-due"))
	due, err = store.DueTimers(ctx, time.Now())
	require.NoError(t, err)
	require.Empty(t, due, "a fired timer must never be redelivered")

	require.NoError(t, store.CancelTimer(ctx, "timer-future"))
	due, err = store.DueTimers(ctx, time.Now().Add(2*time.Hour))
	require.NoError(t, err)
	require.Empty(t, due, "a cancelled timer must never become due")
}
