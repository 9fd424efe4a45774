package workflow

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tombee/conductor/pkg/errors"
)

// Task is a materialized unit of execution: the root task of a run, a
// per-item task spawned by a foreach step, or any other step's task.
type Task struct {
	ID     string `json:"id"`
	RunID  string `json:"runId"`
	StepID string `json:"stepId"`

	ParentTaskID string   `json:"parentTaskId,omitempty"`
	Kind         StepKind `json:"kind"`
	Status       TaskStatus
	ExecutionMode ExecutionMode `json:"executionMode"`

	Title    string   `json:"title"`
	Assignee string   `json:"assignee,omitempty"`
	Urgency  Urgency  `json:"urgency,omitempty"`
	Tags     []string `json:"tags,omitempty"`

	InputPayload  map[string]any `json:"inputPayload,omitempty"`
	OutputPayload map[string]any `json:"outputPayload,omitempty"`
	ErrorMessage  string         `json:"errorMessage,omitempty"`

	// Counters is populated on foreach/join tasks to track fan-out
	// completion arithmetic.
	Counters BatchCounters `json:"counters"`

	// Sealed reports whether Counters.ExpectedCount is final: no more
	// children can ever arrive once Sealed is true.
	Sealed bool `json:"sealed"`

	// SeenItemKeys dedupes idempotent child/callback deliveries by their
	// caller-supplied item key.
	SeenItemKeys map[string]bool `json:"-"`

	// CallbackHistory records a sanitised copy of every callback request
	// this task has received, newest last.
	CallbackHistory []CallbackReceipt `json:"callbackHistory,omitempty"`

	Archived bool `json:"archived"`

	CreatedAt   time.Time  `json:"createdAt"`
	UpdatedAt   time.Time  `json:"updatedAt"`
	StartedAt   *time.Time `json:"startedAt,omitempty"`
	CompletedAt *time.Time `json:"completedAt,omitempty"`
}

func (t *Task) clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Tags != nil {
		c.Tags = append([]string(nil), t.Tags...)
	}
	c.InputPayload = cloneMap(t.InputPayload)
	c.OutputPayload = cloneMap(t.OutputPayload)
	if t.SeenItemKeys != nil {
		c.SeenItemKeys = make(map[string]bool, len(t.SeenItemKeys))
		for k, v := range t.SeenItemKeys {
			c.SeenItemKeys[k] = v
		}
	}
	if t.CallbackHistory != nil {
		c.CallbackHistory = append([]CallbackReceipt(nil), t.CallbackHistory...)
	}
	if t.StartedAt != nil {
		v := *t.StartedAt
		c.StartedAt = &v
	}
	if t.CompletedAt != nil {
		v := *t.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

func cloneMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	c := make(map[string]any, len(m))
	for k, v := range m {
		c[k] = v
	}
	return c
}

// ActivityKind distinguishes the rows of a task's append-only log.
type ActivityKind string

const (
	ActivityCreated        ActivityKind = "created"
	ActivityStatusChanged  ActivityKind = "status_changed"
	ActivityFieldChanged   ActivityKind = "field_changed"
	ActivityCounterChanged ActivityKind = "counter_changed"
	ActivityComment        ActivityKind = "comment"
)

// ActivityEntry is one append-only row of a task's history.
type ActivityEntry struct {
	ID     string       `json:"id"`
	TaskID string       `json:"taskId"`
	RunID  string       `json:"runId"`
	Kind   ActivityKind `json:"kind"`

	Changes []FieldChange `json:"changes,omitempty"`
	Comment string        `json:"comment,omitempty"`

	Actor     string    `json:"actor,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// TimerKind distinguishes the four kinds of scheduled wakeups the
// dispatcher and batch coordinator rely on.
type TimerKind string

const (
	TimerKindJoinDeadline     TimerKind = "join_deadline"
	TimerKindExternalTimeout  TimerKind = "external_timeout"
	TimerKindWebhookRetry     TimerKind = "webhook_retry"
	TimerKindScheduledResume  TimerKind = "scheduled_resume"
)

// Timer is a durable (fireAt, kind, subjectId) tuple. The timer wheel
// polls for due timers and re-arms outstanding ones on restart.
type Timer struct {
	ID        string    `json:"id"`
	Kind      TimerKind `json:"kind"`
	SubjectID string    `json:"subjectId"`
	FireAt    time.Time `json:"fireAt"`
	Fired     bool      `json:"fired"`
}

// TaskQuery filters ListTasks and FindAndClaimOne.
type TaskQuery struct {
	RunID        string
	ParentTaskID string
	Status       *TaskStatus
	Kind         *StepKind
	IncludeArchived bool
	Limit        int
	Offset       int
}

// Store is the persistence gateway every engine component depends on.
// Every mutation that must be race-free under concurrent dispatcher
// workers goes through AtomicTaskTransition, IncrementTaskCounters, or
// FindAndClaimOne rather than a plain read-modify-write.
type Store interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	UpdateRun(ctx context.Context, run *Run) error
	ListRuns(ctx context.Context, workflowID string, status *RunStatus, limit, offset int) ([]*Run, error)

	// AtomicRunTransition applies mutate to the run only if its current
	// status is one of fromStatuses, compare-and-swapping the whole
	// record under the store's lock.
	AtomicRunTransition(ctx context.Context, runID string, fromStatuses []RunStatus, mutate func(*Run) error) (*Run, error)

	CreateTask(ctx context.Context, task *Task) error
	GetTask(ctx context.Context, id string) (*Task, error)
	ListTasks(ctx context.Context, query TaskQuery) ([]*Task, error)

	// AtomicTaskTransition applies mutate to the task only if its
	// current status is one of fromStatuses.
	AtomicTaskTransition(ctx context.Context, taskID string, fromStatuses []TaskStatus, mutate func(*Task) error) (*Task, error)

	// IncrementTaskCounters adds delta's fields to the task's current
	// BatchCounters atomically and returns the updated task. ExpectedKnown
	// is OR'd in; ExpectedCount is only updated when delta.ExpectedKnown
	// is true.
	IncrementTaskCounters(ctx context.Context, taskID string, delta BatchCounters) (*Task, error)

	// FindAndClaimOne finds the first task matching query whose status
	// is claimFrom and atomically moves it to claimTo, so that
	// concurrent callers never claim the same task twice.
	FindAndClaimOne(ctx context.Context, query TaskQuery, claimFrom, claimTo TaskStatus) (*Task, error)

	AppendActivity(ctx context.Context, entry *ActivityEntry) error
	ListActivity(ctx context.Context, taskID string) ([]*ActivityEntry, error)

	ScheduleTimer(ctx context.Context, timer *Timer) error
	DueTimers(ctx context.Context, now time.Time) ([]*Timer, error)
	MarkTimerFired(ctx context.Context, id string) error
	CancelTimer(ctx context.Context, id string) error
}

// MemoryStore is an in-memory, mutex-guarded Store implementation. It
// is the default backend: every CAS and counter-increment method holds
// the single RWMutex for its full duration, which gives it the same
// atomicity guarantee a real database's row-level locking would.
type MemoryStore struct {
	mu sync.RWMutex

	runs     map[string]*Run
	tasks    map[string]*Task
	activity map[string][]*ActivityEntry
	timers   map[string]*Timer
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		runs:     make(map[string]*Run),
		tasks:    make(map[string]*Task),
		activity: make(map[string][]*ActivityEntry),
		timers:   make(map[string]*Timer),
	}
}

func cloneRun(r *Run) *Run {
	if r == nil {
		return nil
	}
	c := *r
	c.InputPayload = cloneMap(r.InputPayload)
	c.OutputValue = cloneMap(r.OutputValue)
	if r.CompletedStepIDs != nil {
		c.CompletedStepIDs = append([]string(nil), r.CompletedStepIDs...)
	}
	if r.StartedAt != nil {
		v := *r.StartedAt
		c.StartedAt = &v
	}
	if r.CompletedAt != nil {
		v := *r.CompletedAt
		c.CompletedAt = &v
	}
	return &c
}

// CreateRun stores a new run.
func (s *MemoryStore) CreateRun(ctx context.Context, run *Run) error {
	if run == nil || run.ID == "" {
		return &errors.ValidationError{Field: "run.id", Message: "run id is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; exists {
		return &errors.ConflictError{Resource: "run", ID: run.ID, Reason: "already exists"}
	}
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// GetRun returns the run with id.
func (s *MemoryStore) GetRun(ctx context.Context, id string) (*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, exists := s.runs[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	return cloneRun(r), nil
}

// UpdateRun replaces the stored run wholesale. Callers that need
// CAS semantics should use AtomicRunTransition instead.
func (s *MemoryStore) UpdateRun(ctx context.Context, run *Run) error {
	if run == nil || run.ID == "" {
		return &errors.ValidationError{Field: "run.id", Message: "run id is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.runs[run.ID]; !exists {
		return &errors.NotFoundError{Resource: "run", ID: run.ID}
	}
	run.UpdatedAt = time.Now()
	s.runs[run.ID] = cloneRun(run)
	return nil
}

// ListRuns returns runs for workflowID (all workflows if empty),
// optionally filtered by status.
func (s *MemoryStore) ListRuns(ctx context.Context, workflowID string, status *RunStatus, limit, offset int) ([]*Run, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Run
	for _, r := range s.runs {
		if workflowID != "" && r.WorkflowID != workflowID {
			continue
		}
		if status != nil && r.Status != *status {
			continue
		}
		results = append(results, cloneRun(r))
	}
	sort.Slice(results, func(i, j int) bool { return results[i].CreatedAt.Before(results[j].CreatedAt) })
	return paginate(results, offset, limit), nil
}

// AtomicRunTransition compare-and-swaps run's status: mutate only runs
// if the run's current status is one of fromStatuses.
func (s *MemoryStore) AtomicRunTransition(ctx context.Context, runID string, fromStatuses []RunStatus, mutate func(*Run) error) (*Run, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r, exists := s.runs[runID]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	if !runStatusIn(r.Status, fromStatuses) {
		return nil, &errors.ConflictError{Resource: "run", ID: runID, Reason: "status changed before transition could apply"}
	}
	working := cloneRun(r)
	if err := mutate(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = time.Now()
	s.runs[runID] = working
	return cloneRun(working), nil
}

func runStatusIn(status RunStatus, set []RunStatus) bool {
	for _, s := range set {
		if status == s {
			return true
		}
	}
	return false
}

// CreateTask stores a new task.
func (s *MemoryStore) CreateTask(ctx context.Context, task *Task) error {
	if task == nil || task.ID == "" {
		return &errors.ValidationError{Field: "task.id", Message: "task id is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[task.ID]; exists {
		return &errors.ConflictError{Resource: "task", ID: task.ID, Reason: "already exists"}
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now
	s.tasks[task.ID] = task.clone()
	return nil
}

// GetTask returns the task with id.
func (s *MemoryStore) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, exists := s.tasks[id]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "task", ID: id}
	}
	return t.clone(), nil
}

// ListTasks returns tasks matching query.
func (s *MemoryStore) ListTasks(ctx context.Context, query TaskQuery) ([]*Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var results []*Task
	for _, t := range s.tasks {
		if !matchesTaskQuery(t, query) {
			continue
		}
		results = append(results, t.clone())
	}
	sort.Slice(results, func(i, j int) bool { return results[i].CreatedAt.Before(results[j].CreatedAt) })
	return paginate(results, query.Offset, query.Limit), nil
}

func matchesTaskQuery(t *Task, q TaskQuery) bool {
	if q.RunID != "" && t.RunID != q.RunID {
		return false
	}
	if q.ParentTaskID != "" && t.ParentTaskID != q.ParentTaskID {
		return false
	}
	if q.Status != nil && t.Status != *q.Status {
		return false
	}
	if q.Kind != nil && t.Kind != *q.Kind {
		return false
	}
	if !q.IncludeArchived && t.Archived {
		return false
	}
	return true
}

// AtomicTaskTransition compare-and-swaps a task's status.
func (s *MemoryStore) AtomicTaskTransition(ctx context.Context, taskID string, fromStatuses []TaskStatus, mutate func(*Task) error) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[taskID]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "task", ID: taskID}
	}
	if !taskStatusIn(t.Status, fromStatuses) {
		return nil, &errors.ConflictError{Resource: "task", ID: taskID, Reason: "status changed before transition could apply"}
	}
	working := t.clone()
	if err := mutate(working); err != nil {
		return nil, err
	}
	working.UpdatedAt = time.Now()
	s.tasks[taskID] = working
	return working.clone(), nil
}

func taskStatusIn(status TaskStatus, set []TaskStatus) bool {
	for _, s := range set {
		if status == s {
			return true
		}
	}
	return false
}

// IncrementTaskCounters atomically merges delta into the task's
// BatchCounters.
func (s *MemoryStore) IncrementTaskCounters(ctx context.Context, taskID string, delta BatchCounters) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, exists := s.tasks[taskID]
	if !exists {
		return nil, &errors.NotFoundError{Resource: "task", ID: taskID}
	}
	working := t.clone()
	working.Counters.ReceivedCount += delta.ReceivedCount
	working.Counters.ProcessedCount += delta.ProcessedCount
	working.Counters.FailedCount += delta.FailedCount
	if delta.ExpectedKnown {
		working.Counters.ExpectedKnown = true
		working.Counters.ExpectedCount = delta.ExpectedCount
	}
	working.UpdatedAt = time.Now()
	s.tasks[taskID] = working
	return working.clone(), nil
}

// FindAndClaimOne finds one task matching query in status claimFrom and
// moves it to claimTo before any other caller can observe it in
// claimFrom. Used both for worker dequeue and for the "waiting"->
// "waiting" self-transition that serializes concurrent boundary
// evaluation on the same join/foreach task.
func (s *MemoryStore) FindAndClaimOne(ctx context.Context, query TaskQuery, claimFrom, claimTo TaskStatus) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var ids []string
	for id, t := range s.tasks {
		if t.Status != claimFrom {
			continue
		}
		if !matchesTaskQuery(t, query) {
			continue
		}
		ids = append(ids, id)
	}
	if len(ids) == 0 {
		return nil, &errors.NotFoundError{Resource: "task", ID: ""}
	}
	sort.Slice(ids, func(i, j int) bool { return s.tasks[ids[i]].CreatedAt.Before(s.tasks[ids[j]].CreatedAt) })

	claimed := s.tasks[ids[0]].clone()
	claimed.Status = claimTo
	claimed.UpdatedAt = time.Now()
	s.tasks[claimed.ID] = claimed
	return claimed.clone(), nil
}

// AppendActivity adds entry to taskID's activity log.
func (s *MemoryStore) AppendActivity(ctx context.Context, entry *ActivityEntry) error {
	if entry == nil || entry.TaskID == "" {
		return &errors.ValidationError{Field: "entry.taskId", Message: "task id is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	s.activity[entry.TaskID] = append(s.activity[entry.TaskID], entry)
	return nil
}

// ListActivity returns taskID's activity log in append order.
func (s *MemoryStore) ListActivity(ctx context.Context, taskID string) ([]*ActivityEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries := s.activity[taskID]
	out := make([]*ActivityEntry, len(entries))
	copy(out, entries)
	return out, nil
}

// ScheduleTimer persists a timer tuple.
func (s *MemoryStore) ScheduleTimer(ctx context.Context, timer *Timer) error {
	if timer == nil || timer.ID == "" {
		return &errors.ValidationError{Field: "timer.id", Message: "timer id is required"}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timers[timer.ID] = timer
	return nil
}

// DueTimers returns unfired timers whose FireAt is at or before now.
func (s *MemoryStore) DueTimers(ctx context.Context, now time.Time) ([]*Timer, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var due []*Timer
	for _, t := range s.timers {
		if !t.Fired && !t.FireAt.After(now) {
			due = append(due, t)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].FireAt.Before(due[j].FireAt) })
	return due, nil
}

// MarkTimerFired marks a timer as fired so it is never redelivered.
func (s *MemoryStore) MarkTimerFired(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, exists := s.timers[id]
	if !exists {
		return &errors.NotFoundError{Resource: "timer", ID: id}
	}
	t.Fired = true
	return nil
}

// CancelTimer removes a pending timer.
func (s *MemoryStore) CancelTimer(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.timers[id]; !exists {
		return &errors.NotFoundError{Resource: "timer", ID: id}
	}
	delete(s.timers, id)
	return nil
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset > 0 {
		if offset >= len(items) {
			return []T{}
		}
		items = items[offset:]
	}
	if limit > 0 && len(items) > limit {
		items = items[:limit]
	}
	return items
}
