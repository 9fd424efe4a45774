package workflow

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/tombee/conductor/pkg/errors"
	"github.com/tombee/conductor/pkg/workflow/expression"
)

// WorkflowLookup resolves a workflow definition by id, used by the
// dispatcher to activate subflow steps and by the run registry to
// load a workflow at run start.
type WorkflowLookup func(ctx context.Context, workflowID string) (*Workflow, error)

// Dispatcher activates workflow steps and reacts to task completion by
// evaluating outgoing connections and advancing the owning run. It holds
// no per-run state: every decision is derived from the Run and Task
// records passed in or read from the store.
type Dispatcher struct {
	store   Store
	bus     *EventBus
	batch   *BatchCoordinator
	lookup  WorkflowLookup
	eval    *expression.Evaluator
	httpClient *http.Client
	logger  *slog.Logger

	// StartSubflow starts a nested run for a subflow step. Wired by the
	// process composition root to the run registry's StartWorkflow, kept
	// as a function field here to avoid a dispatcher<->registry import
	// cycle at the type level.
	StartSubflow func(ctx context.Context, workflowID string, input map[string]any) (*Run, error)
}

// NewDispatcher builds a dispatcher over store/bus/batch coordinator.
func NewDispatcher(store Store, bus *EventBus, batch *BatchCoordinator, lookup WorkflowLookup, httpClient *http.Client, logger *slog.Logger) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		bus:        bus,
		batch:      batch,
		lookup:     lookup,
		eval:       expression.New(),
		httpClient: httpClient,
		logger:     logger,
	}
	batch.OnSatisfied = d.onBatchSatisfied
	return d
}

func newID() string { return uuid.NewString() }

// Activate materializes a task for step and performs whatever kind-
// specific work happens at activation time (immediate completion for
// trigger/decision, child fan-out for foreach, the outbound call for
// webhook, and so on).
func (d *Dispatcher) Activate(ctx context.Context, run *Run, wf *Workflow, step *Step, parentTaskID string, input map[string]any) (*Task, error) {
	task := &Task{
		ID:           newID(),
		RunID:        run.ID,
		StepID:       step.ID,
		ParentTaskID: parentTaskID,
		Kind:         step.Kind,
		Status:       TaskPending,
		Assignee:     firstNonEmpty(step.Assignee, run.TaskDefaults.Assignee),
		Tags:         mergeTags(step.Tags, run.TaskDefaults.Tags),
		Urgency:      run.TaskDefaults.Urgency,
		InputPayload: input,
	}
	if step.TitleTemplate != "" {
		if title, err := ResolveTemplate(step.TitleTemplate, templateContextFor(input)); err == nil {
			task.Title = title
		}
	}
	if task.Title == "" {
		task.Title = step.ID
	}

	switch step.Kind {
	case StepKindTrigger:
		task.Status = TaskInProgress
		task.ExecutionMode = ExecutionImmediate
	case StepKindAgent:
		task.Status = TaskInProgress
		task.ExecutionMode = ExecutionAutomated
	case StepKindManual:
		task.Status = TaskInProgress
		task.ExecutionMode = ExecutionManual
	case StepKindDecision:
		task.Status = TaskInProgress
		task.ExecutionMode = ExecutionImmediate
	case StepKindForeach:
		task.Status = TaskWaiting
		task.ExecutionMode = ExecutionImmediate
		task.Counters = BatchCounters{}
	case StepKindJoin:
		task.Status = TaskWaiting
		task.ExecutionMode = ExecutionImmediate
	case StepKindExternal:
		task.Status = TaskWaiting
		task.ExecutionMode = ExecutionExternalCallback
		if step.External != nil {
			expected := step.External.ExpectedCallbacks
			if expected <= 0 {
				expected = 1
			}
			task.Counters = BatchCounters{ExpectedKnown: true, ExpectedCount: expected}
		}
	case StepKindWebhook:
		task.Status = TaskInProgress
		task.ExecutionMode = ExecutionAutomated
	case StepKindSubflow:
		task.Status = TaskWaiting
		task.ExecutionMode = ExecutionAutomated
	default:
		return nil, &errors.FatalError{Invariant: "unknown-step-kind", Detail: string(step.Kind)}
	}

	now := time.Now()
	task.StartedAt = &now
	if err := d.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	d.bus.Publish(ctx, Event{Topic: TopicTaskCreated, RunID: run.ID, TaskID: task.ID})

	switch step.Kind {
	case StepKindTrigger:
		return d.completeImmediate(ctx, run, wf, step, task)
	case StepKindDecision:
		return d.activateDecision(ctx, run, wf, step, task, input)
	case StepKindForeach:
		return d.activateForeach(ctx, run, wf, step, task, input)
	case StepKindJoin:
		return d.activateJoin(ctx, run, step, task)
	case StepKindExternal:
		return d.activateExternal(ctx, step, task)
	case StepKindWebhook:
		return d.activateWebhook(ctx, run, wf, step, task, input)
	case StepKindSubflow:
		return d.activateSubflow(ctx, run, step, task, input)
	}

	return task, nil
}

func (d *Dispatcher) completeImmediate(ctx context.Context, run *Run, wf *Workflow, step *Step, task *Task) (*Task, error) {
	updated, err := d.store.AtomicTaskTransition(ctx, task.ID, []TaskStatus{TaskInProgress, TaskPending}, func(t *Task) error {
		t.Status = TaskCompleted
		now := time.Now()
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.publishStatusChanged(ctx, run.ID, updated)
	if err := d.OnTaskTerminal(ctx, run, wf, step, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func (d *Dispatcher) activateDecision(ctx context.Context, run *Run, wf *Workflow, step *Step, task *Task, input map[string]any) (*Task, error) {
	target := step.DefaultConnection
	for _, conn := range step.Connections {
		if conn.Condition == "" {
			target = conn.TargetStepID
			break
		}
		ok, err := d.eval.Evaluate(conn.Condition, expression.BuildContextFromInputsAndSteps(input, nil))
		if err != nil {
			d.logger.Warn("decision condition evaluation failed", "step_id", step.ID, "error", err)
			continue
		}
		if ok {
			target = conn.TargetStepID
			break
		}
	}

	updated, err := d.store.AtomicTaskTransition(ctx, task.ID, []TaskStatus{TaskInProgress}, func(t *Task) error {
		t.Status = TaskCompleted
		if t.OutputPayload == nil {
			t.OutputPayload = map[string]any{}
		}
		t.OutputPayload["decisionResult"] = target
		now := time.Now()
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.publishStatusChanged(ctx, run.ID, updated)
	if err := d.OnTaskTerminal(ctx, run, wf, step, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func (d *Dispatcher) activateForeach(ctx context.Context, run *Run, wf *Workflow, step *Step, task *Task, input map[string]any) (*Task, error) {
	cfg := step.Foreach
	if cfg.ItemsSource != ItemsSourcePayload {
		return task, nil
	}

	items, err := ExtractItems(ctx, cfg.ItemsPath, input)
	if err != nil {
		return nil, err
	}
	if cfg.MaxItems > 0 && len(items) > cfg.MaxItems {
		items = items[:cfg.MaxItems]
	}

	if _, err := d.batch.Seal(ctx, task.ID, len(items)); err != nil {
		return nil, err
	}

	successor := wf.StepByID(cfg.SuccessorStepID)
	if successor == nil {
		return nil, &errors.FatalError{Invariant: "missing-successor-step", Detail: cfg.SuccessorStepID}
	}

	for _, item := range items {
		childInput := cloneMap(input)
		childInput["_item"] = item
		if _, err := d.batch.RecordChildReceived(ctx, task.ID, ""); err != nil {
			return nil, err
		}
		if _, err := d.Activate(ctx, run, wf, successor, task.ID, childInput); err != nil {
			return nil, err
		}
	}

	refreshed, err := d.store.GetTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	return refreshed, nil
}

func (d *Dispatcher) activateJoin(ctx context.Context, run *Run, step *Step, task *Task) (*Task, error) {
	cfg := step.Join
	if cfg.Boundary.MaxWait > 0 {
		timer := &Timer{
			ID:        newID(),
			Kind:      TimerKindJoinDeadline,
			SubjectID: task.ID,
			FireAt:    time.Now().Add(cfg.Boundary.MaxWait),
		}
		if err := d.store.ScheduleTimer(ctx, timer); err != nil {
			return nil, err
		}
	}
	return task, nil
}

func (d *Dispatcher) activateExternal(ctx context.Context, step *Step, task *Task) (*Task, error) {
	cfg := step.External
	if cfg != nil && cfg.TimeoutAt != nil {
		timer := &Timer{
			ID:        newID(),
			Kind:      TimerKindExternalTimeout,
			SubjectID: task.ID,
			FireAt:    *cfg.TimeoutAt,
		}
		if err := d.store.ScheduleTimer(ctx, timer); err != nil {
			return nil, err
		}
	}
	return task, nil
}

func (d *Dispatcher) activateWebhook(ctx context.Context, run *Run, wf *Workflow, step *Step, task *Task, input map[string]any) (*Task, error) {
	cfg := step.Webhook
	tmplCtx := templateContextFor(input)

	method := cfg.Method
	if method == "" {
		method = http.MethodPost
	}
	url, err := ResolveTemplate(cfg.URLTemplate, tmplCtx)
	if err != nil {
		return d.failTask(ctx, run, wf, step, task, err)
	}
	var body io.Reader
	if cfg.BodyTemplate != "" {
		rendered, err := ResolveTemplate(cfg.BodyTemplate, tmplCtx)
		if err != nil {
			return d.failTask(ctx, run, wf, step, task, err)
		}
		body = bytes.NewBufferString(rendered)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return d.failTask(ctx, run, wf, step, task, err)
	}
	for k, vTmpl := range cfg.HeaderTemplates {
		v, err := ResolveTemplate(vTmpl, tmplCtx)
		if err != nil {
			return d.failTask(ctx, run, wf, step, task, err)
		}
		req.Header.Set(k, v)
	}

	client := d.httpClient
	if client == nil {
		client = http.DefaultClient
	}
	callStart := time.Now()
	resp, err := client.Do(req)
	if err != nil {
		recordWebhookResult(run.WorkflowID, "error", time.Since(callStart).Seconds())
		return d.failTask(ctx, run, wf, step, task, err)
	}
	defer resp.Body.Close()

	if !cfg.isSuccess(resp.StatusCode) {
		recordWebhookResult(run.WorkflowID, "failure", time.Since(callStart).Seconds())
		return d.failTask(ctx, run, wf, step, task, fmt.Errorf("webhook returned status %d", resp.StatusCode))
	}
	recordWebhookResult(run.WorkflowID, "success", time.Since(callStart).Seconds())

	updated, err := d.store.AtomicTaskTransition(ctx, task.ID, []TaskStatus{TaskInProgress}, func(t *Task) error {
		t.Status = TaskCompleted
		now := time.Now()
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.publishStatusChanged(ctx, run.ID, updated)
	if err := d.OnTaskTerminal(ctx, run, wf, step, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func (d *Dispatcher) failTask(ctx context.Context, run *Run, wf *Workflow, step *Step, task *Task, cause error) (*Task, error) {
	updated, err := d.store.AtomicTaskTransition(ctx, task.ID, []TaskStatus{TaskInProgress, TaskPending, TaskWaiting}, func(t *Task) error {
		t.Status = TaskFailed
		t.ErrorMessage = cause.Error()
		now := time.Now()
		t.CompletedAt = &now
		return nil
	})
	if err != nil {
		return nil, err
	}
	d.publishStatusChanged(ctx, run.ID, updated)
	if err := d.OnTaskTerminal(ctx, run, wf, step, updated); err != nil {
		return nil, err
	}
	return updated, nil
}

func (d *Dispatcher) activateSubflow(ctx context.Context, run *Run, step *Step, task *Task, input map[string]any) (*Task, error) {
	if d.StartSubflow == nil {
		return nil, &errors.FatalError{Invariant: "subflow-not-wired", Detail: step.ID}
	}
	childInput := applyInputMapping(step.Subflow.InputMapping, input)
	child, err := d.StartSubflow(ctx, step.Subflow.WorkflowID, childInput)
	if err != nil {
		return nil, err
	}
	_, err = d.store.AtomicTaskTransition(ctx, task.ID, []TaskStatus{TaskWaiting}, func(t *Task) error {
		if t.OutputPayload == nil {
			t.OutputPayload = map[string]any{}
		}
		t.OutputPayload["childRunId"] = child.ID
		return nil
	})
	if err != nil {
		return nil, err
	}
	return d.store.GetTask(ctx, task.ID)
}

func applyInputMapping(mapping map[string]any, input map[string]any) map[string]any {
	if mapping == nil {
		return input
	}
	out := make(map[string]any, len(mapping))
	for k, v := range mapping {
		if ref, ok := v.(string); ok {
			if raw, ok := extractRawValue(ref, templateContextFor(input)); ok {
				out[k] = raw
				continue
			}
		}
		out[k] = v
	}
	return out
}

// OnTaskTerminal is called once a task reaches completed/failed/cancelled.
// A child of a foreach task is handed to BatchCoordinator.OnChildTerminal;
// for any other task it evaluates outgoing connections and advances the
// run.
func (d *Dispatcher) OnTaskTerminal(ctx context.Context, run *Run, wf *Workflow, step *Step, task *Task) error {
	if task.ParentTaskID != "" {
		parent, err := d.store.GetTask(ctx, task.ParentTaskID)
		if err == nil && parent.Kind == StepKindForeach {
			parentStep := wf.StepByID(parent.StepID)
			var boundary BoundaryConfig
			if parentStep != nil && parentStep.Join != nil {
				boundary = parentStep.Join.Boundary
			}
			return d.batch.OnChildTerminal(ctx, parent.ID, task.Status, boundary)
		}
	}

	if err := d.evaluateAwaitingJoins(ctx, run, wf, step.ID); err != nil {
		return err
	}

	run, err := d.store.AtomicRunTransition(ctx, run.ID, []RunStatus{RunRunning}, func(r *Run) error {
		r.CompletedStepIDs = append(r.CompletedStepIDs, step.ID)
		return nil
	})
	if err != nil {
		return err
	}

	if task.Status == TaskFailed {
		if handler := findHandlerConnection(step); handler != nil {
			return d.activateNext(ctx, run, wf, handler.TargetStepID, task.OutputPayload)
		}
		_, err := d.store.AtomicRunTransition(ctx, run.ID, []RunStatus{RunRunning}, func(r *Run) error {
			r.Status = RunFailed
			r.FailedStepID = step.ID
			r.ErrorMessage = task.ErrorMessage
			return nil
		})
		if err != nil {
			return err
		}
		d.bus.Publish(ctx, Event{Topic: TopicRunFailed, RunID: run.ID})
		return nil
	}

	if step.Kind == StepKindDecision {
		if target, _ := task.OutputPayload["decisionResult"].(string); target != "" {
			return d.activateNext(ctx, run, wf, target, task.OutputPayload)
		}
	}

	activated := false
	for _, conn := range step.Connections {
		if conn.Condition != "" {
			ok, err := d.eval.Evaluate(conn.Condition, expression.BuildContextFromInputsAndSteps(run.InputPayload, nil))
			if err != nil || !ok {
				continue
			}
		}
		if err := d.activateNext(ctx, run, wf, conn.TargetStepID, task.OutputPayload); err != nil {
			return err
		}
		activated = true
	}
	if !activated && step.DefaultConnection != "" {
		if err := d.activateNext(ctx, run, wf, step.DefaultConnection, task.OutputPayload); err != nil {
			return err
		}
		activated = true
	}

	if !activated {
		_, err := d.store.AtomicRunTransition(ctx, run.ID, []RunStatus{RunRunning}, func(r *Run) error {
			r.Status = RunCompleted
			return nil
		})
		if err != nil {
			return err
		}
		d.bus.Publish(ctx, Event{Topic: TopicRunCompleted, RunID: run.ID})
	}

	return nil
}

// evaluateAwaitingJoins re-evaluates every waiting join in the run whose
// awaitStepId matches the step that just produced a terminal task.
func (d *Dispatcher) evaluateAwaitingJoins(ctx context.Context, run *Run, wf *Workflow, completedStepID string) error {
	joinKind := StepKindJoin
	waiting := TaskWaiting
	joinTasks, err := d.store.ListTasks(ctx, TaskQuery{RunID: run.ID, Kind: &joinKind, Status: &waiting})
	if err != nil {
		return err
	}
	for _, jt := range joinTasks {
		step := wf.StepByID(jt.StepID)
		if step == nil || step.Join == nil || step.Join.AwaitStepID != completedStepID {
			continue
		}
		var counters BatchCounters
		var cErr error
		switch step.Join.Scope {
		case JoinScopeChildren:
			counters, cErr = ChildrenCounters(ctx, d.store, jt.ParentTaskID)
		case JoinScopeDescendants:
			counters, cErr = DescendantsCounters(ctx, d.store, jt.ParentTaskID)
		default:
			counters, cErr = StepTasksCounters(ctx, d.store, run.ID, step.Join.AwaitStepID)
		}
		if cErr != nil {
			return cErr
		}
		if err := d.batch.EvaluateScoped(ctx, jt.ID, counters, step.Join.Boundary); err != nil {
			return err
		}
	}
	return nil
}

func (d *Dispatcher) activateNext(ctx context.Context, run *Run, wf *Workflow, stepID string, input map[string]any) error {
	next := wf.StepByID(stepID)
	if next == nil {
		return &errors.FatalError{Invariant: "missing-step-in-snapshot", Detail: stepID}
	}
	_, err := d.Activate(ctx, run, wf, next, "", input)
	return err
}

func findHandlerConnection(step *Step) *Connection {
	for i := range step.Connections {
		if step.Connections[i].Condition == "error" {
			return &step.Connections[i]
		}
	}
	return nil
}

func (d *Dispatcher) onBatchSatisfied(ctx context.Context, parent *Task, result BoundaryResult) {
	d.publishStatusChanged(ctx, parent.RunID, parent)

	run, err := d.store.GetRun(ctx, parent.RunID)
	if err != nil {
		d.logger.Error("boundary satisfied but run lookup failed", "run_id", parent.RunID, "error", err)
		return
	}
	wf, err := d.lookup(ctx, run.WorkflowID)
	if err != nil {
		d.logger.Error("boundary satisfied but workflow lookup failed", "workflow_id", run.WorkflowID, "error", err)
		return
	}
	step := wf.StepByID(parent.StepID)
	if step == nil {
		d.logger.Error("boundary satisfied but step missing from snapshot", "step_id", parent.StepID)
		return
	}
	if err := d.OnTaskTerminal(ctx, run, wf, step, parent); err != nil {
		d.logger.Error("failed to advance run after boundary satisfaction", "run_id", run.ID, "error", err)
	}
}

func (d *Dispatcher) publishStatusChanged(ctx context.Context, runID string, task *Task) {
	d.bus.Publish(ctx, Event{
		Topic:  TopicTaskStatusChanged,
		RunID:  runID,
		TaskID: task.ID,
		Data:   map[string]any{"status": string(task.Status)},
	})
}

func templateContextFor(input map[string]any) *TemplateContext {
	tc := NewTemplateContext()
	for k, v := range input {
		tc.SetInput(k, v)
	}
	return tc
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func mergeTags(stepTags, defaultTags []string) []string {
	if len(stepTags) > 0 {
		return stepTags
	}
	return defaultTags
}

// HandleJoinDeadline is the timer wheel's handler for TimerKindJoinDeadline:
// it resolves the join task's boundary from the run's current workflow
// definition and
// evaluates the deadline through the batch coordinator.
func (d *Dispatcher) HandleJoinDeadline(ctx context.Context, timer *Timer) {
	task, err := d.store.GetTask(ctx, timer.SubjectID)
	if err != nil {
		d.logger.Error("join deadline fired for missing task", "task_id", timer.SubjectID, "error", err)
		return
	}
	if task.Status != TaskWaiting {
		return
	}
	run, err := d.store.GetRun(ctx, task.RunID)
	if err != nil {
		d.logger.Error("join deadline fired but run lookup failed", "run_id", task.RunID, "error", err)
		return
	}
	wf, err := d.lookup(ctx, run.WorkflowID)
	if err != nil {
		d.logger.Error("join deadline fired but workflow lookup failed", "workflow_id", run.WorkflowID, "error", err)
		return
	}
	step := wf.StepByID(task.StepID)
	if step == nil || step.Join == nil {
		return
	}
	if err := d.batch.EvaluateDeadline(ctx, task.ID, step.Join.Boundary); err != nil {
		d.logger.Error("join deadline evaluation failed", "task_id", task.ID, "error", err)
	}
}

// HandleExternalTimeout is the timer wheel's handler for
// TimerKindExternalTimeout: an external step whose deadline passed
// without satisfying expectedCallbacks fails.
func (d *Dispatcher) HandleExternalTimeout(ctx context.Context, timer *Timer) {
	task, err := d.store.GetTask(ctx, timer.SubjectID)
	if err != nil {
		d.logger.Error("external timeout fired for missing task", "task_id", timer.SubjectID, "error", err)
		return
	}
	if task.Status != TaskWaiting {
		return
	}
	run, err := d.store.GetRun(ctx, task.RunID)
	if err != nil {
		d.logger.Error("external timeout fired but run lookup failed", "run_id", task.RunID, "error", err)
		return
	}
	wf, err := d.lookup(ctx, run.WorkflowID)
	if err != nil {
		d.logger.Error("external timeout fired but workflow lookup failed", "workflow_id", run.WorkflowID, "error", err)
		return
	}
	step := wf.StepByID(task.StepID)
	if step == nil {
		return
	}
	if _, err := d.failTask(ctx, run, wf, step, task, errExternalTimeout); err != nil {
		d.logger.Error("failed to fail task after external timeout", "task_id", task.ID, "error", err)
	}
}

// HandleWebhookRetry exists for completeness of the TimerKind set; the
// webhook step retries synchronously inside the configured http.Client's
// retry transport (pkg/httpclient), so no webhook attempt is ever
// actually scheduled through the timer wheel. A handler is registered
// anyway so an unexpected TimerKindWebhookRetry delivery is logged
// rather than silently dropped.
func (d *Dispatcher) HandleWebhookRetry(ctx context.Context, timer *Timer) {
	d.logger.Warn("unexpected webhook retry timer fired", "timer_id", timer.ID, "subject_id", timer.SubjectID)
}

var errExternalTimeout = fmt.Errorf("external callback deadline exceeded")
