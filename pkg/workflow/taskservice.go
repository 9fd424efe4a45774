package workflow

import (
	"context"
	"time"

	"github.com/tombee/conductor/pkg/errors"
)

// legalTaskTransitions enumerates the statuses a task may move to from
// each non-terminal status. Terminal statuses accept nothing further.
var legalTaskTransitions = map[TaskStatus][]TaskStatus{
	TaskPending:    {TaskInProgress, TaskCancelled},
	TaskInProgress: {TaskCompleted, TaskFailed, TaskCancelled, TaskOnHold, TaskWaiting},
	TaskOnHold:     {TaskInProgress, TaskCancelled},
	TaskWaiting:    {TaskCompleted, TaskFailed, TaskCancelled},
}

func taskTransitionAllowed(from, to TaskStatus) bool {
	for _, s := range legalTaskTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// TaskService is the public surface for mutating a task once it exists:
// agents and operators go through it rather than touching the store
// directly (the callback ingress updates tasks through the store and the
// batch coordinator itself), so that every field change produces
// an activity entry and an event, and every terminal status change
// resumes the owning run through the dispatcher.
type TaskService struct {
	store      Store
	bus        *EventBus
	dispatcher *Dispatcher
	lookup     WorkflowLookup
}

// NewTaskService builds a task service wired to advance runs through
// dispatcher whenever a task it updates reaches a terminal status.
func NewTaskService(store Store, bus *EventBus, dispatcher *Dispatcher, lookup WorkflowLookup) *TaskService {
	return &TaskService{store: store, bus: bus, dispatcher: dispatcher, lookup: lookup}
}

// GetTask returns a single task.
func (s *TaskService) GetTask(ctx context.Context, id string) (*Task, error) {
	return s.store.GetTask(ctx, id)
}

// ListTasks returns tasks matching query.
func (s *TaskService) ListTasks(ctx context.Context, query TaskQuery) ([]*Task, error) {
	return s.store.ListTasks(ctx, query)
}

// Children returns the direct children of parentID, in creation order.
func (s *TaskService) Children(ctx context.Context, parentID string) ([]*Task, error) {
	return s.store.ListTasks(ctx, TaskQuery{ParentTaskID: parentID, IncludeArchived: true})
}

// TaskUpdate describes the fields an external actor (agent or operator)
// may change on a task in one call. Nil fields are
// left untouched.
type TaskUpdate struct {
	Status        *TaskStatus
	Assignee      *string
	Urgency       *Urgency
	Tags          []string
	OutputPayload map[string]any
	ErrorMessage  *string
	Actor         string
}

// UpdateTask applies update to task taskID. A status change on a task
// that is already terminal yields ConflictError; any other status change
// not reachable from the task's current status yields ValidationError. On
// success an activity entry is appended, a task.updated (or the more
// specific task.status_changed) event is published, and, if the task
// reached a terminal status, the owning run is advanced.
func (s *TaskService) UpdateTask(ctx context.Context, taskID string, update TaskUpdate) (*Task, error) {
	before, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}

	fromStatuses := []TaskStatus{before.Status}
	after, err := s.store.AtomicTaskTransition(ctx, taskID, fromStatuses, func(t *Task) error {
		if update.Status != nil && *update.Status != t.Status {
			if t.Status.IsTerminal() {
				return &errors.ConflictError{Resource: "task", ID: taskID, Reason: "task already reached a terminal status"}
			}
			if !taskTransitionAllowed(t.Status, *update.Status) {
				return &errors.ValidationError{Field: "status", Message: "no such transition from " + string(t.Status) + " to " + string(*update.Status)}
			}
			t.Status = *update.Status
			if t.Status.IsTerminal() {
				now := time.Now()
				t.CompletedAt = &now
			}
		}
		if update.Assignee != nil {
			t.Assignee = *update.Assignee
		}
		if update.Urgency != nil {
			t.Urgency = *update.Urgency
		}
		if update.Tags != nil {
			t.Tags = update.Tags
		}
		if update.OutputPayload != nil {
			t.OutputPayload = update.OutputPayload
		}
		if update.ErrorMessage != nil {
			t.ErrorMessage = *update.ErrorMessage
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	changes := diffTasks(before, after)
	if len(changes) > 0 {
		kind := ActivityFieldChanged
		if before.Status != after.Status {
			kind = ActivityStatusChanged
		}
		if err := recordActivity(ctx, s.store, kind, after.RunID, taskID, update.Actor, changes); err != nil {
			return nil, err
		}
		topic := TopicTaskUpdated
		if before.Status != after.Status {
			topic = TopicTaskStatusChanged
		}
		s.bus.Publish(ctx, Event{Topic: topic, RunID: after.RunID, TaskID: taskID, Changes: changes})
	}

	if after.Status.IsTerminal() && before.Status != after.Status {
		if err := s.advanceRun(ctx, after); err != nil {
			return nil, err
		}
	}

	return after, nil
}

// advanceRun resolves the run owning task and its current workflow and
// hands the terminal task to the dispatcher to continue the run.
func (s *TaskService) advanceRun(ctx context.Context, task *Task) error {
	run, err := s.store.GetRun(ctx, task.RunID)
	if err != nil {
		return err
	}
	wf, err := s.lookup(ctx, run.WorkflowID)
	if err != nil {
		return err
	}
	step := wf.StepByID(task.StepID)
	if step == nil {
		return &errors.FatalError{Invariant: "missing-step-in-snapshot", Detail: task.StepID}
	}
	return s.dispatcher.OnTaskTerminal(ctx, run, wf, step, task)
}

// Comment appends a free-text comment to taskID's activity log without
// changing any field.
func (s *TaskService) Comment(ctx context.Context, taskID, actor, comment string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	return s.store.AppendActivity(ctx, &ActivityEntry{
		ID:      newID(),
		TaskID:  taskID,
		RunID:   task.RunID,
		Kind:    ActivityComment,
		Comment: comment,
		Actor:   actor,
	})
}

// Archive soft-deletes taskID: it stops appearing in default listings
// but its activity log and record are retained.
func (s *TaskService) Archive(ctx context.Context, taskID, actor string) (*Task, error) {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if err := recordActivity(ctx, s.store, ActivityFieldChanged, task.RunID, taskID, actor, []FieldChange{
		{Field: "archived", OldValue: false, NewValue: true},
	}); err != nil {
		return nil, err
	}
	archived, err := s.store.AtomicTaskTransition(ctx, taskID, []TaskStatus{task.Status}, func(t *Task) error {
		t.Archived = true
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.bus.Publish(ctx, Event{Topic: TopicTaskArchived, RunID: archived.RunID, TaskID: taskID})
	return archived, nil
}

// ActivityLog returns taskID's append-only activity log.
func (s *TaskService) ActivityLog(ctx context.Context, taskID string) ([]*ActivityEntry, error) {
	return s.store.ListActivity(ctx, taskID)
}
