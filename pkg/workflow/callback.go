package workflow

import (
	"context"
	"crypto/subtle"
	"strings"
	"time"

	"github.com/tombee/conductor/pkg/errors"
)

// sanitizedHeaders lists the request headers stripped from a
// CallbackReceipt before it is stored, since they carry the secret
// itself or an unrelated auth scheme.
var sanitizedHeaders = map[string]bool{
	"x-workflow-secret": true,
	"authorization":      true,
}

// RequestInfo is the caller-observable context of one callback delivery,
// passed in by the HTTP layer.
type RequestInfo struct {
	RemoteAddr string
	Headers    map[string]string
}

// CallbackReceipt is the sanitised record of one callback delivery kept
// on the task it targeted.
type CallbackReceipt struct {
	Timestamp  time.Time         `json:"timestamp"`
	RemoteAddr string            `json:"remoteAddr,omitempty"`
	Headers    map[string]string `json:"headers,omitempty"`
}

func sanitizeRequestInfo(info RequestInfo) CallbackReceipt {
	headers := make(map[string]string, len(info.Headers))
	for k, v := range info.Headers {
		if sanitizedHeaders[strings.ToLower(k)] {
			continue
		}
		headers[k] = v
	}
	return CallbackReceipt{Timestamp: time.Now(), RemoteAddr: info.RemoteAddr, Headers: headers}
}

// CallbackResult is the unified response to a callback delivery.
type CallbackResult struct {
	Acknowledged   bool     `json:"acknowledged"`
	TaskID         string   `json:"taskId"`
	TaskStatus     TaskStatus `json:"taskStatus"`
	ChildTaskIDs   []string `json:"childTaskIds,omitempty"`
	ReceivedCount  int      `json:"receivedCount"`
	ExpectedCount  int      `json:"expectedCount"`
	IsComplete     bool     `json:"isComplete"`
}

// CallbackIngress is the single entry point external systems use to
// deliver external-step and foreach-step callbacks.
type CallbackIngress struct {
	store      Store
	bus        *EventBus
	dispatcher *Dispatcher
	batch      *BatchCoordinator
	lookup     WorkflowLookup
}

// NewCallbackIngress builds an ingress bound to its collaborators.
func NewCallbackIngress(store Store, bus *EventBus, dispatcher *Dispatcher, batch *BatchCoordinator, lookup WorkflowLookup) *CallbackIngress {
	return &CallbackIngress{store: store, bus: bus, dispatcher: dispatcher, batch: batch, lookup: lookup}
}

// Handle implements the five-step callback sequence: verify the run and
// secret, locate the step's task, merge header overrides into the
// payload's workflowUpdate, route by step kind, and record a sanitised
// receipt.
func (c *CallbackIngress) Handle(ctx context.Context, runID, stepID string, payload map[string]any, secret string, info RequestInfo) (CallbackResult, error) {
	run, err := c.store.GetRun(ctx, runID)
	if err != nil {
		return CallbackResult{}, err
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(run.CallbackSecret)) != 1 {
		return CallbackResult{}, &errors.UnauthorizedError{Reason: "callback secret does not match"}
	}

	tasks, err := c.store.ListTasks(ctx, TaskQuery{RunID: runID, IncludeArchived: true})
	if err != nil {
		return CallbackResult{}, err
	}
	var task *Task
	for _, t := range tasks {
		if t.StepID == stepID {
			task = t
			break
		}
	}
	if task == nil {
		return CallbackResult{}, &errors.NotFoundError{Resource: "task", ID: stepID}
	}

	if run.Status.IsTerminal() {
		return CallbackResult{Acknowledged: true, TaskID: task.ID, TaskStatus: task.Status}, nil
	}

	headerExpected, headerComplete := parseCallbackHeaders(info.Headers)
	norm := NormalizeCallback(payload, stringField(payload, "itemKey"), headerExpected, headerComplete)

	wf, err := c.lookup(ctx, run.WorkflowID)
	if err != nil {
		return CallbackResult{}, err
	}
	step := wf.StepByID(stepID)
	if step == nil {
		return CallbackResult{}, &errors.NotFoundError{Resource: "step", ID: stepID}
	}

	var result CallbackResult
	switch step.Kind {
	case StepKindExternal:
		result, err = c.handleExternal(ctx, run, wf, step, task, norm)
	case StepKindForeach:
		result, err = c.handleForeach(ctx, run, wf, step, task, norm)
	default:
		err = &errors.ValidationError{Field: "stepId", Message: "step " + stepID + " does not accept callbacks"}
	}
	if err != nil {
		return CallbackResult{}, err
	}

	receipt := sanitizeRequestInfo(info)
	if current, gerr := c.store.GetTask(ctx, task.ID); gerr == nil {
		_, _ = c.store.AtomicTaskTransition(ctx, task.ID, []TaskStatus{current.Status}, func(t *Task) error {
			t.CallbackHistory = append(t.CallbackHistory, receipt)
			return nil
		})
		// Best-effort: the callback already landed; failing to append
		// history must not turn an acknowledged delivery into an error.
	}

	return result, nil
}

func (c *CallbackIngress) handleExternal(ctx context.Context, run *Run, wf *Workflow, step *Step, task *Task, payload CallbackPayload) (CallbackResult, error) {
	if _, err := c.batch.RecordChildReceived(ctx, task.ID, payload.ItemKey); err != nil {
		return CallbackResult{}, err
	}
	updated, err := c.store.GetTask(ctx, task.ID)
	if err != nil {
		return CallbackResult{}, err
	}

	expected := updated.Counters.ExpectedCount
	if expected <= 0 {
		expected = 1
	}
	if updated.Counters.ReceivedCount >= expected {
		settled, err := c.store.AtomicTaskTransition(ctx, task.ID, []TaskStatus{TaskWaiting}, func(t *Task) error {
			t.Status = TaskCompleted
			if payload.Item != nil {
				t.OutputPayload = payload.Item
			}
			now := time.Now()
			t.CompletedAt = &now
			return nil
		})
		if err != nil {
			return CallbackResult{}, err
		}
		if err := c.dispatcher.OnTaskTerminal(ctx, run, wf, step, settled); err != nil {
			return CallbackResult{}, err
		}
		return CallbackResult{Acknowledged: true, TaskID: task.ID, TaskStatus: settled.Status, ReceivedCount: settled.Counters.ReceivedCount, ExpectedCount: expected, IsComplete: true}, nil
	}

	return CallbackResult{Acknowledged: true, TaskID: task.ID, TaskStatus: updated.Status, ReceivedCount: updated.Counters.ReceivedCount, ExpectedCount: expected}, nil
}

func (c *CallbackIngress) handleForeach(ctx context.Context, run *Run, wf *Workflow, step *Step, task *Task, payload CallbackPayload) (CallbackResult, error) {
	items := payload.Items
	if items == nil && payload.Item != nil {
		items = []map[string]any{payload.Item}
	}

	successor := wf.StepByID(step.Foreach.SuccessorStepID)
	if successor == nil {
		return CallbackResult{}, &errors.FatalError{Invariant: "missing-successor-step", Detail: step.Foreach.SuccessorStepID}
	}

	var childIDs []string
	for _, item := range items {
		itemKey := payload.ItemKey
		if raw, ok := item["itemKey"].(string); ok && itemKey == "" {
			itemKey = raw
		}
		duplicate, err := c.batch.RecordChildReceived(ctx, task.ID, itemKey)
		if err != nil {
			return CallbackResult{}, err
		}
		if duplicate {
			continue
		}
		childInput := cloneMap(run.InputPayload)
		childInput["_item"] = item
		child, err := c.dispatcher.Activate(ctx, run, wf, successor, task.ID, childInput)
		if err != nil {
			return CallbackResult{}, err
		}
		childIDs = append(childIDs, child.ID)
	}

	if _, err := c.batch.ApplyWorkflowUpdate(ctx, task, payload.WorkflowUpdateTotal, payload.WorkflowUpdateComplete); err != nil {
		return CallbackResult{}, err
	}

	refreshed, err := c.store.GetTask(ctx, task.ID)
	if err != nil {
		return CallbackResult{}, err
	}
	return CallbackResult{
		Acknowledged:  true,
		TaskID:        task.ID,
		TaskStatus:    refreshed.Status,
		ChildTaskIDs:  childIDs,
		ReceivedCount: refreshed.Counters.ReceivedCount,
		ExpectedCount: refreshed.Counters.ExpectedCount,
		IsComplete:    refreshed.Status.IsTerminal(),
	}, nil
}

func parseCallbackHeaders(headers map[string]string) (expectedCount *int, complete *bool) {
	for k, v := range headers {
		switch strings.ToLower(k) {
		case "x-expected-count":
			if n, ok := parseIntHeader(v); ok {
				expectedCount = &n
			}
		case "x-workflow-complete":
			b := strings.EqualFold(v, "true") || v == "1"
			complete = &b
		}
	}
	return
}

func parseIntHeader(v string) (int, bool) {
	n := 0
	if v == "" {
		return 0, false
	}
	for _, r := range v {
		if r < '0' || r > '9' {
			return 0, false
		}
		n = n*10 + int(r-'0')
	}
	return n, true
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key].(string); ok {
		return v
	}
	return ""
}
