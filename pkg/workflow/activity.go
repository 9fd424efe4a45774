package workflow

import (
	"context"
	"slices"
)

// recordActivity appends an activity entry and is the single place every
// task mutation funnels through so the append-only log and the task's
// update event stay in lockstep.
func recordActivity(ctx context.Context, store Store, kind ActivityKind, runID, taskID, actor string, changes []FieldChange) error {
	return store.AppendActivity(ctx, &ActivityEntry{
		ID:      newID(),
		TaskID:  taskID,
		RunID:   runID,
		Kind:    kind,
		Changes: changes,
		Actor:   actor,
	})
}

// diffTasks returns the field changes between before and after, covering
// the fields external callers are most likely to mutate through the task
// API: status, assignee, urgency, tags, title.
func diffTasks(before, after *Task) []FieldChange {
	var changes []FieldChange
	if before.Status != after.Status {
		changes = append(changes, FieldChange{Field: "status", OldValue: before.Status, NewValue: after.Status})
	}
	if before.Assignee != after.Assignee {
		changes = append(changes, FieldChange{Field: "assignee", OldValue: before.Assignee, NewValue: after.Assignee})
	}
	if before.Urgency != after.Urgency {
		changes = append(changes, FieldChange{Field: "urgency", OldValue: before.Urgency, NewValue: after.Urgency})
	}
	if !slices.Equal(before.Tags, after.Tags) {
		changes = append(changes, FieldChange{Field: "tags", OldValue: before.Tags, NewValue: after.Tags})
	}
	if before.Title != after.Title {
		changes = append(changes, FieldChange{Field: "title", OldValue: before.Title, NewValue: after.Title})
	}
	return changes
}
