package workflow

import (
	"context"
	"fmt"
	"time"

	"github.com/tombee/conductor/internal/jq"
	"github.com/tombee/conductor/pkg/errors"
)

// CallbackPayload is the normalised shape a foreach/external callback is
// reduced to before the coordinator touches counters.
type CallbackPayload struct {
	Item    map[string]any
	Items   []map[string]any
	ItemKey string

	WorkflowUpdateTotal    *int
	WorkflowUpdateComplete *bool
}

// NormalizeCallback applies callback ingestion normalisation: items wins
// over item, workflowUpdate is pulled out of the raw body, and header
// overrides (already parsed by the caller) take precedence.
func NormalizeCallback(raw map[string]any, itemKey string, headerExpectedCount *int, headerComplete *bool) CallbackPayload {
	p := CallbackPayload{ItemKey: itemKey}

	if rawItems, ok := raw["items"].([]any); ok {
		for _, v := range rawItems {
			if m, ok := v.(map[string]any); ok {
				p.Items = append(p.Items, m)
			}
		}
	} else if item, ok := raw["item"].(map[string]any); ok {
		p.Item = item
	} else {
		rest := make(map[string]any, len(raw))
		for k, v := range raw {
			if k != "workflowUpdate" {
				rest[k] = v
			}
		}
		if len(rest) > 0 {
			p.Item = rest
		}
	}

	if wu, ok := raw["workflowUpdate"].(map[string]any); ok {
		if total, ok := wu["total"].(float64); ok {
			n := int(total)
			p.WorkflowUpdateTotal = &n
		}
		if complete, ok := wu["complete"].(bool); ok {
			p.WorkflowUpdateComplete = &complete
		}
	}

	if headerExpectedCount != nil {
		p.WorkflowUpdateTotal = headerExpectedCount
	}
	if headerComplete != nil {
		p.WorkflowUpdateComplete = headerComplete
	}

	return p
}

// BoundaryResult is the outcome of evaluating a waiting foreach/join
// task's boundary predicate.
type BoundaryResult struct {
	Satisfied      bool
	Reason         string
	SuccessPercent float64

	// Outcome is the status the parent should move to when Satisfied.
	Outcome TaskStatus
}

// Boundary reasons, per the five-rule evaluation algorithm.
const (
	ReasonCountMet            = "count_met"
	ReasonThresholdMet        = "threshold_met_with_deadline"
	ReasonDeadlinePassed      = "deadline_passed"
	ReasonNotSatisfied        = "not_satisfied"
)

// EvaluateBoundary is pure: the same counters, sealed flag, boundary
// config and deadline state always produce the same decision (P3).
func EvaluateBoundary(counters BatchCounters, sealed bool, boundary BoundaryConfig, deadlinePassed bool) BoundaryResult {
	done := counters.Done()
	denom := counters.ExpectedCount
	if denom <= 0 {
		denom = 1
	}
	successPercent := 100 * float64(counters.ProcessedCount) / float64(denom)

	if boundary.MinCount > 0 && counters.ProcessedCount >= boundary.MinCount {
		return BoundaryResult{Satisfied: true, Reason: ReasonCountMet, SuccessPercent: successPercent, Outcome: TaskCompleted}
	}

	if sealed && done >= counters.ExpectedCount {
		minSuccess := boundary.MinSuccessPercent
		if minSuccess <= 0 {
			minSuccess = 100
		}
		if successPercent >= minSuccess {
			return BoundaryResult{Satisfied: true, Reason: ReasonThresholdMet, SuccessPercent: successPercent, Outcome: TaskCompleted}
		}
		outcome := TaskCompleted
		if boundary.FailOnTimeout {
			outcome = TaskFailed
		}
		return BoundaryResult{Satisfied: true, Reason: ReasonThresholdMet, SuccessPercent: successPercent, Outcome: outcome}
	}

	if deadlinePassed {
		outcome := TaskCompleted
		if boundary.FailOnTimeout {
			outcome = TaskFailed
		}
		return BoundaryResult{Satisfied: true, Reason: ReasonDeadlinePassed, SuccessPercent: successPercent, Outcome: outcome}
	}

	return BoundaryResult{Satisfied: false, Reason: ReasonNotSatisfied, SuccessPercent: successPercent}
}

// BatchCoordinator owns fan-out item ingestion and fan-in boundary
// evaluation. It holds no execution state of its own: every counter and
// status lives in the store, so concurrent coordinators (one per worker)
// are safe by construction.
type BatchCoordinator struct {
	store Store
	bus   *EventBus

	// OnSatisfied is invoked exactly once per boundary satisfaction, by
	// the single winner of the atomicTransition gate. The dispatcher
	// wires this to continue the run.
	OnSatisfied func(ctx context.Context, parent *Task, result BoundaryResult)
}

// NewBatchCoordinator builds a coordinator bound to store and bus.
func NewBatchCoordinator(store Store, bus *EventBus) *BatchCoordinator {
	return &BatchCoordinator{store: store, bus: bus}
}

// itemsExtractor runs itemsPath expressions with a bounded timeout and
// input size, so a malformed or adversarial foreach step can't stall a
// dispatcher worker or OOM the process on a huge payload.
var itemsExtractor = jq.NewExecutor(2*time.Second, 5*1024*1024)

// ExtractItems runs itemsPath against input, returning the array of
// items a payload-sourced foreach fans out over.
func ExtractItems(ctx context.Context, itemsPath string, input map[string]any) ([]map[string]any, error) {
	if itemsPath == "" {
		return nil, &errors.ValidationError{Field: "itemsPath", Message: "itemsPath is required for itemsSource=payload"}
	}
	// Accept the "$.field" path form by dropping the leading "$", which
	// gojq does not parse.
	if itemsPath == "$" {
		itemsPath = "."
	} else if len(itemsPath) > 1 && itemsPath[0] == '$' && itemsPath[1] == '.' {
		itemsPath = itemsPath[1:]
	}
	result, err := itemsExtractor.Execute(ctx, itemsPath, map[string]any(input))
	if err != nil {
		return nil, &errors.ValidationError{Field: "itemsPath", Message: fmt.Sprintf("invalid itemsPath: %s", err.Error())}
	}
	var items []map[string]any
	switch val := result.(type) {
	case []any:
		for _, elem := range val {
			if m, ok := elem.(map[string]any); ok {
				items = append(items, m)
			}
		}
	case map[string]any:
		items = append(items, val)
	}
	return items, nil
}

// Seal applies the monotone sealing rule: once isSealed, a conflicting
// total is rejected rather than silently overwritten.
func (c *BatchCoordinator) Seal(ctx context.Context, parentID string, total int) (*Task, error) {
	return c.store.AtomicTaskTransition(ctx, parentID, []TaskStatus{TaskWaiting}, func(t *Task) error {
		if t.Sealed && t.Counters.ExpectedCount != total {
			return &errors.ConflictError{Resource: "task", ID: parentID, Reason: "batch already sealed with a different total"}
		}
		t.Sealed = true
		if total > t.Counters.ExpectedCount {
			t.Counters.ExpectedCount = total
		}
		t.Counters.ExpectedKnown = true
		return nil
	})
}

// ApplyWorkflowUpdate folds a streaming callback's workflowUpdate.total /
// .complete into the parent's counters, respecting seal monotonicity.
func (c *BatchCoordinator) ApplyWorkflowUpdate(ctx context.Context, parent *Task, total *int, complete *bool) (*Task, error) {
	if total == nil && complete == nil {
		return parent, nil
	}
	return c.store.AtomicTaskTransition(ctx, parent.ID, []TaskStatus{TaskWaiting}, func(t *Task) error {
		if total != nil {
			newTotal := *total
			if t.Counters.ExpectedKnown && newTotal < t.Counters.ExpectedCount {
				newTotal = t.Counters.ExpectedCount
			}
			if t.Sealed && t.Counters.ExpectedKnown && newTotal != t.Counters.ExpectedCount {
				return &errors.ConflictError{Resource: "task", ID: t.ID, Reason: "batch already sealed with a different total"}
			}
			t.Counters.ExpectedCount = newTotal
			t.Counters.ExpectedKnown = true
		}
		if complete != nil && *complete {
			t.Sealed = true
			if t.Counters.ExpectedCount < t.Counters.ReceivedCount {
				t.Counters.ExpectedCount = t.Counters.ReceivedCount
			}
			t.Counters.ExpectedKnown = true
		}
		return nil
	})
}

// RecordChildReceived registers itemKey against parent for idempotency
// and bumps receivedCount, unless itemKey has already been seen — in
// which case it reports a no-op so the caller acknowledges without
// creating a duplicate child.
func (c *BatchCoordinator) RecordChildReceived(ctx context.Context, parentID, itemKey string) (duplicate bool, err error) {
	updated, err := c.store.AtomicTaskTransition(ctx, parentID, []TaskStatus{TaskWaiting}, func(t *Task) error {
		if itemKey == "" {
			return nil
		}
		if t.SeenItemKeys == nil {
			t.SeenItemKeys = make(map[string]bool)
		}
		if t.SeenItemKeys[itemKey] {
			return errDuplicateItemKey
		}
		t.SeenItemKeys[itemKey] = true
		return nil
	})
	if err == errDuplicateItemKey {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	_ = updated
	if _, err := c.store.IncrementTaskCounters(ctx, parentID, BatchCounters{ReceivedCount: 1}); err != nil {
		return false, err
	}
	return false, nil
}

var errDuplicateItemKey = fmt.Errorf("duplicate item key")

// OnChildTerminal is the hook Dispatcher.OnTaskTerminal calls when a batch
// child's status becomes completed or failed. It bumps the parent's
// processed/failed counter, then attempts to win the boundary-evaluation
// gate: a waiting->waiting self-transition on the parent that only one
// concurrent caller can execute at a time.
func (c *BatchCoordinator) OnChildTerminal(ctx context.Context, parentID string, childStatus TaskStatus, boundary BoundaryConfig) error {
	delta := BatchCounters{}
	if childStatus == TaskCompleted {
		delta.ProcessedCount = 1
	} else {
		delta.FailedCount = 1
	}
	if _, err := c.store.IncrementTaskCounters(ctx, parentID, delta); err != nil {
		return err
	}

	parent, err := c.store.AtomicTaskTransition(ctx, parentID, []TaskStatus{TaskWaiting}, func(t *Task) error {
		return nil
	})
	if err != nil {
		// The parent is no longer waiting: its boundary is already settled.
		return nil
	}

	result := EvaluateBoundary(parent.Counters, parent.Sealed, boundary, false)
	if !result.Satisfied {
		return nil
	}

	settled, err := c.store.AtomicTaskTransition(ctx, parentID, []TaskStatus{TaskWaiting}, func(t *Task) error {
		t.Status = result.Outcome
		now := time.Now()
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil
	}

	if c.OnSatisfied != nil {
		c.OnSatisfied(ctx, settled, result)
	}
	return nil
}

// EvaluateScoped evaluates a join task's boundary using counters derived
// live from its configured scope (children/step_tasks/descendants)
// rather than the join task's own accumulated Counters field, then
// settles it under the same atomicTransition gate as OnChildTerminal.
func (c *BatchCoordinator) EvaluateScoped(ctx context.Context, joinTaskID string, counters BatchCounters, boundary BoundaryConfig) error {
	joinTask, err := c.store.AtomicTaskTransition(ctx, joinTaskID, []TaskStatus{TaskWaiting}, func(t *Task) error {
		t.Counters = counters
		return nil
	})
	if err != nil {
		return nil
	}

	result := EvaluateBoundary(joinTask.Counters, true, boundary, false)
	if !result.Satisfied {
		return nil
	}

	settled, err := c.store.AtomicTaskTransition(ctx, joinTaskID, []TaskStatus{TaskWaiting}, func(t *Task) error {
		t.Status = result.Outcome
		now := time.Now()
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil
	}

	if c.OnSatisfied != nil {
		c.OnSatisfied(ctx, settled, result)
	}
	return nil
}

// EvaluateDeadline is invoked by the timer wheel when a join/foreach
// deadline fires. It evaluates the boundary with deadlinePassed=true and
// settles the parent if satisfied, exactly like OnChildTerminal.
func (c *BatchCoordinator) EvaluateDeadline(ctx context.Context, parentID string, boundary BoundaryConfig) error {
	parent, err := c.store.AtomicTaskTransition(ctx, parentID, []TaskStatus{TaskWaiting}, func(t *Task) error {
		return nil
	})
	if err != nil {
		return nil
	}

	result := EvaluateBoundary(parent.Counters, parent.Sealed, boundary, true)
	if !result.Satisfied {
		return nil
	}

	settled, err := c.store.AtomicTaskTransition(ctx, parentID, []TaskStatus{TaskWaiting}, func(t *Task) error {
		t.Status = result.Outcome
		now := time.Now()
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil
	}

	if c.OnSatisfied != nil {
		c.OnSatisfied(ctx, settled, result)
	}
	return nil
}

// ChildrenCounters derives scopeCount for JoinScopeChildren: all tasks
// whose ParentTaskID is awaitTaskID.
func ChildrenCounters(ctx context.Context, store Store, awaitTaskID string) (BatchCounters, error) {
	tasks, err := store.ListTasks(ctx, TaskQuery{ParentTaskID: awaitTaskID, IncludeArchived: true})
	if err != nil {
		return BatchCounters{}, err
	}
	return countersFromTasks(tasks), nil
}

// DescendantsCounters derives scopeCount for JoinScopeDescendants: every
// task transitively parented under awaitTaskID, not just its immediate
// children. It walks the parent/child tree breadth-first, one ListTasks
// call per level.
func DescendantsCounters(ctx context.Context, store Store, awaitTaskID string) (BatchCounters, error) {
	var descendants []*Task
	frontier := []string{awaitTaskID}
	for len(frontier) > 0 {
		var next []string
		for _, parentID := range frontier {
			children, err := store.ListTasks(ctx, TaskQuery{ParentTaskID: parentID, IncludeArchived: true})
			if err != nil {
				return BatchCounters{}, err
			}
			for _, c := range children {
				descendants = append(descendants, c)
				next = append(next, c.ID)
			}
		}
		frontier = next
	}
	return countersFromTasks(descendants), nil
}

// StepTasksCounters derives scopeCount for JoinScopeStepTasks: every task
// in the run whose StepID equals awaitStepID.
func StepTasksCounters(ctx context.Context, store Store, runID, awaitStepID string) (BatchCounters, error) {
	tasks, err := store.ListTasks(ctx, TaskQuery{RunID: runID, IncludeArchived: true})
	if err != nil {
		return BatchCounters{}, err
	}
	var filtered []*Task
	for _, t := range tasks {
		if t.StepID == awaitStepID {
			filtered = append(filtered, t)
		}
	}
	return countersFromTasks(filtered), nil
}

func countersFromTasks(tasks []*Task) BatchCounters {
	c := BatchCounters{ExpectedKnown: true, ExpectedCount: len(tasks)}
	for _, t := range tasks {
		switch t.Status {
		case TaskCompleted:
			c.ProcessedCount++
			c.ReceivedCount++
		case TaskFailed, TaskCancelled:
			c.FailedCount++
			c.ReceivedCount++
		default:
			c.ReceivedCount++
		}
	}
	return c
}
