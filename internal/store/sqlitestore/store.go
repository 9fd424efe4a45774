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

// Package sqlitestore provides a SQLite-backed workflow.Store for
// single-node deployments that need their runs and tasks to survive a
// restart. Complex fields are stored as JSON blobs alongside the
// scalar columns every query filters or sorts on; compare-and-swap
// methods run inside a transaction, and SQLite's single-writer model
// (one pooled connection) serializes them the same way MemoryStore's
// mutex does.
package sqlitestore

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tombee/conductor/pkg/errors"
	"github.com/tombee/conductor/pkg/workflow"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertion.
var _ workflow.Store = (*Store)(nil)

// Store is a SQLite-backed implementation of workflow.Store.
type Store struct {
	db *sql.DB
}

// Config configures the SQLite connection.
type Config struct {
	// Path is the database file path. Use ":memory:" for a scratch
	// database that doesn't survive process exit.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent readers.
	WAL bool
}

// New opens (creating if necessary) a SQLite database at cfg.Path and
// runs migrations.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// SQLite serializes writes; a single pooled connection turns every
	// transaction into a natural mutual-exclusion boundary.
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("configuring pragmas: %w", err)
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("running migrations: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("executing %s: %w", pragma, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			callback_secret TEXT,
			data TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow_status ON runs(workflow_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			parent_task_id TEXT,
			status TEXT NOT NULL,
			kind TEXT NOT NULL,
			archived INTEGER NOT NULL DEFAULT 0,
			data TEXT NOT NULL,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_run ON tasks(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_parent ON tasks(parent_task_id)`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_run_status_kind ON tasks(run_id, status, kind)`,
		`CREATE TABLE IF NOT EXISTS activity (
			id TEXT PRIMARY KEY,
			task_id TEXT NOT NULL,
			run_id TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_activity_task ON activity(task_id, timestamp)`,
		`CREATE TABLE IF NOT EXISTS timers (
			id TEXT PRIMARY KEY,
			kind TEXT NOT NULL,
			subject_id TEXT NOT NULL,
			fire_at TEXT NOT NULL,
			fired INTEGER NOT NULL DEFAULT 0
		)`,
		`CREATE INDEX IF NOT EXISTS idx_timers_due ON timers(fired, fire_at)`,
	}
	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}
	return nil
}

// --- runs ---

// CreateRun stores a new run.
func (s *Store) CreateRun(ctx context.Context, run *workflow.Run) error {
	if run == nil || run.ID == "" {
		return &errors.ValidationError{Field: "run.id", Message: "run id is required"}
	}
	now := time.Now()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.UpdatedAt = now

	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshaling run: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (id, workflow_id, status, callback_secret, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		run.ID, run.WorkflowID, string(run.Status), nullString(run.CallbackSecret), string(data),
		run.CreatedAt.Format(time.RFC3339Nano), run.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return &errors.ConflictError{Resource: "run", ID: run.ID, Reason: "already exists"}
		}
		return &errors.StoreUnavailableError{Op: "CreateRun", Cause: err}
	}
	return nil
}

// GetRun returns the run with id.
func (s *Store) GetRun(ctx context.Context, id string) (*workflow.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT data, callback_secret FROM runs WHERE id = ?`, id)
	return scanRun(row, id)
}

func scanRun(row *sql.Row, id string) (*workflow.Run, error) {
	var data string
	var secret sql.NullString
	if err := row.Scan(&data, &secret); err != nil {
		if err == sql.ErrNoRows {
			return nil, &errors.NotFoundError{Resource: "run", ID: id}
		}
		return nil, &errors.StoreUnavailableError{Op: "GetRun", Cause: err}
	}
	var run workflow.Run
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("unmarshaling run %s: %w", id, err)
	}
	if secret.Valid {
		run.CallbackSecret = secret.String
	}
	return &run, nil
}

// UpdateRun replaces the stored run wholesale.
func (s *Store) UpdateRun(ctx context.Context, run *workflow.Run) error {
	if run == nil || run.ID == "" {
		return &errors.ValidationError{Field: "run.id", Message: "run id is required"}
	}
	run.UpdatedAt = time.Now()
	data, err := json.Marshal(run)
	if err != nil {
		return fmt.Errorf("marshaling run: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE runs SET workflow_id = ?, status = ?, callback_secret = ?, data = ?, updated_at = ?
		WHERE id = ?`,
		run.WorkflowID, string(run.Status), nullString(run.CallbackSecret), string(data),
		run.UpdatedAt.Format(time.RFC3339Nano), run.ID)
	if err != nil {
		return &errors.StoreUnavailableError{Op: "UpdateRun", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "run", ID: run.ID}
	}
	return nil
}

// ListRuns returns runs for workflowID (all workflows if empty),
// optionally filtered by status.
func (s *Store) ListRuns(ctx context.Context, workflowID string, status *workflow.RunStatus, limit, offset int) ([]*workflow.Run, error) {
	query := `SELECT data, callback_secret FROM runs WHERE 1=1`
	var args []any
	if workflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, workflowID)
	}
	if status != nil {
		query += ` AND status = ?`
		args = append(args, string(*status))
	}
	query += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, &errors.StoreUnavailableError{Op: "ListRuns", Cause: err}
	}
	defer rows.Close()

	var results []*workflow.Run
	for rows.Next() {
		var data string
		var secret sql.NullString
		if err := rows.Scan(&data, &secret); err != nil {
			return nil, fmt.Errorf("scanning run row: %w", err)
		}
		var run workflow.Run
		if err := json.Unmarshal([]byte(data), &run); err != nil {
			return nil, fmt.Errorf("unmarshaling run: %w", err)
		}
		if secret.Valid {
			run.CallbackSecret = secret.String
		}
		results = append(results, &run)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return paginate(results, offset, limit), nil
}

// AtomicRunTransition compare-and-swaps run's status inside a single
// transaction: mutate only runs if the run's current status is one of
// fromStatuses. SQLite's single writer connection means no other
// transaction can observe or mutate the row until this one commits.
func (s *Store) AtomicRunTransition(ctx context.Context, runID string, fromStatuses []workflow.RunStatus, mutate func(*workflow.Run) error) (*workflow.Run, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &errors.StoreUnavailableError{Op: "AtomicRunTransition", Cause: err}
	}
	defer tx.Rollback()

	var data string
	var secret sql.NullString
	err = tx.QueryRowContext(ctx, `SELECT data, callback_secret FROM runs WHERE id = ?`, runID).Scan(&data, &secret)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: runID}
	}
	if err != nil {
		return nil, &errors.StoreUnavailableError{Op: "AtomicRunTransition", Cause: err}
	}

	var run workflow.Run
	if err := json.Unmarshal([]byte(data), &run); err != nil {
		return nil, fmt.Errorf("unmarshaling run %s: %w", runID, err)
	}
	if secret.Valid {
		run.CallbackSecret = secret.String
	}
	if !runStatusIn(run.Status, fromStatuses) {
		return nil, &errors.ConflictError{Resource: "run", ID: runID, Reason: "status changed before transition could apply"}
	}

	if err := mutate(&run); err != nil {
		return nil, err
	}
	run.UpdatedAt = time.Now()

	newData, err := json.Marshal(&run)
	if err != nil {
		return nil, fmt.Errorf("marshaling run: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE runs SET workflow_id = ?, status = ?, callback_secret = ?, data = ?, updated_at = ?
		WHERE id = ?`,
		run.WorkflowID, string(run.Status), nullString(run.CallbackSecret), string(newData),
		run.UpdatedAt.Format(time.RFC3339Nano), runID)
	if err != nil {
		return nil, &errors.StoreUnavailableError{Op: "AtomicRunTransition", Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return nil, &errors.StoreUnavailableError{Op: "AtomicRunTransition", Cause: err}
	}
	return &run, nil
}

func runStatusIn(status workflow.RunStatus, set []workflow.RunStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

// --- tasks ---

// CreateTask stores a new task.
func (s *Store) CreateTask(ctx context.Context, task *workflow.Task) error {
	if task == nil || task.ID == "" {
		return &errors.ValidationError{Field: "task.id", Message: "task id is required"}
	}
	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshaling task: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, run_id, parent_task_id, status, kind, archived, data, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		task.ID, task.RunID, nullString(task.ParentTaskID), string(task.Status), string(task.Kind),
		boolToInt(task.Archived), string(data),
		task.CreatedAt.Format(time.RFC3339Nano), task.UpdatedAt.Format(time.RFC3339Nano))
	if err != nil {
		if isUniqueViolation(err) {
			return &errors.ConflictError{Resource: "task", ID: task.ID, Reason: "already exists"}
		}
		return &errors.StoreUnavailableError{Op: "CreateTask", Cause: err}
	}
	return nil
}

// GetTask returns the task with id.
func (s *Store) GetTask(ctx context.Context, id string) (*workflow.Task, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT data FROM tasks WHERE id = ?`, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "task", ID: id}
	}
	if err != nil {
		return nil, &errors.StoreUnavailableError{Op: "GetTask", Cause: err}
	}
	var task workflow.Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, fmt.Errorf("unmarshaling task %s: %w", id, err)
	}
	return &task, nil
}

// ListTasks returns tasks matching query.
func (s *Store) ListTasks(ctx context.Context, query workflow.TaskQuery) ([]*workflow.Task, error) {
	rows, err := s.queryTasks(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var results []*workflow.Task
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		var task workflow.Task
		if err := json.Unmarshal([]byte(data), &task); err != nil {
			return nil, fmt.Errorf("unmarshaling task: %w", err)
		}
		results = append(results, &task)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return paginate(results, query.Offset, query.Limit), nil
}

// queryTasks runs query against the connection pool and returns the
// matching rows; FindAndClaimOne builds its own query inside its CAS
// transaction.
func (s *Store) queryTasks(ctx context.Context, q workflow.TaskQuery) (*sql.Rows, error) {
	sqlQuery := `SELECT data FROM tasks WHERE 1=1`
	var args []any
	if q.RunID != "" {
		sqlQuery += ` AND run_id = ?`
		args = append(args, q.RunID)
	}
	if q.ParentTaskID != "" {
		sqlQuery += ` AND parent_task_id = ?`
		args = append(args, q.ParentTaskID)
	}
	if q.Status != nil {
		sqlQuery += ` AND status = ?`
		args = append(args, string(*q.Status))
	}
	if q.Kind != nil {
		sqlQuery += ` AND kind = ?`
		args = append(args, string(*q.Kind))
	}
	if !q.IncludeArchived {
		sqlQuery += ` AND archived = 0`
	}
	sqlQuery += ` ORDER BY created_at ASC`

	rows, err := s.db.QueryContext(ctx, sqlQuery, args...)
	if err != nil {
		return nil, &errors.StoreUnavailableError{Op: "ListTasks", Cause: err}
	}
	return rows, nil
}

// AtomicTaskTransition applies mutate to the task only if its current
// status is one of fromStatuses.
func (s *Store) AtomicTaskTransition(ctx context.Context, taskID string, fromStatuses []workflow.TaskStatus, mutate func(*workflow.Task) error) (*workflow.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &errors.StoreUnavailableError{Op: "AtomicTaskTransition", Cause: err}
	}
	defer tx.Rollback()

	task, err := loadTaskForUpdate(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}
	if !taskStatusIn(task.Status, fromStatuses) {
		return nil, &errors.ConflictError{Resource: "task", ID: taskID, Reason: "status changed before transition could apply"}
	}
	if err := mutate(task); err != nil {
		return nil, err
	}
	if err := saveTaskInTx(ctx, tx, task); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, &errors.StoreUnavailableError{Op: "AtomicTaskTransition", Cause: err}
	}
	return task, nil
}

// IncrementTaskCounters adds delta's fields to the task's current
// BatchCounters atomically and returns the updated task.
func (s *Store) IncrementTaskCounters(ctx context.Context, taskID string, delta workflow.BatchCounters) (*workflow.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &errors.StoreUnavailableError{Op: "IncrementTaskCounters", Cause: err}
	}
	defer tx.Rollback()

	task, err := loadTaskForUpdate(ctx, tx, taskID)
	if err != nil {
		return nil, err
	}

	task.Counters.ReceivedCount += delta.ReceivedCount
	task.Counters.ProcessedCount += delta.ProcessedCount
	task.Counters.FailedCount += delta.FailedCount
	if delta.ExpectedKnown {
		task.Counters.ExpectedKnown = true
		task.Counters.ExpectedCount = delta.ExpectedCount
	}

	if err := saveTaskInTx(ctx, tx, task); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, &errors.StoreUnavailableError{Op: "IncrementTaskCounters", Cause: err}
	}
	return task, nil
}

// FindAndClaimOne finds the first task matching query whose status is
// claimFrom and atomically moves it to claimTo inside a transaction, so
// concurrent callers never claim the same task twice.
func (s *Store) FindAndClaimOne(ctx context.Context, query workflow.TaskQuery, claimFrom, claimTo workflow.TaskStatus) (*workflow.Task, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, &errors.StoreUnavailableError{Op: "FindAndClaimOne", Cause: err}
	}
	defer tx.Rollback()

	sqlQuery := `SELECT id, data FROM tasks WHERE status = ?`
	args := []any{string(claimFrom)}
	if query.RunID != "" {
		sqlQuery += ` AND run_id = ?`
		args = append(args, query.RunID)
	}
	if query.ParentTaskID != "" {
		sqlQuery += ` AND parent_task_id = ?`
		args = append(args, query.ParentTaskID)
	}
	if query.Kind != nil {
		sqlQuery += ` AND kind = ?`
		args = append(args, string(*query.Kind))
	}
	if !query.IncludeArchived {
		sqlQuery += ` AND archived = 0`
	}
	sqlQuery += ` ORDER BY created_at ASC LIMIT 1`

	var id, data string
	err = tx.QueryRowContext(ctx, sqlQuery, args...).Scan(&id, &data)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "task", ID: ""}
	}
	if err != nil {
		return nil, &errors.StoreUnavailableError{Op: "FindAndClaimOne", Cause: err}
	}

	var task workflow.Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, fmt.Errorf("unmarshaling task %s: %w", id, err)
	}
	task.Status = claimTo
	task.UpdatedAt = time.Now()
	if err := saveTaskInTx(ctx, tx, &task); err != nil {
		return nil, err
	}
	if err := tx.Commit(); err != nil {
		return nil, &errors.StoreUnavailableError{Op: "FindAndClaimOne", Cause: err}
	}
	return &task, nil
}

func loadTaskForUpdate(ctx context.Context, tx *sql.Tx, taskID string) (*workflow.Task, error) {
	var data string
	err := tx.QueryRowContext(ctx, `SELECT data FROM tasks WHERE id = ?`, taskID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "task", ID: taskID}
	}
	if err != nil {
		return nil, &errors.StoreUnavailableError{Op: "loadTaskForUpdate", Cause: err}
	}
	var task workflow.Task
	if err := json.Unmarshal([]byte(data), &task); err != nil {
		return nil, fmt.Errorf("unmarshaling task %s: %w", taskID, err)
	}
	return &task, nil
}

func saveTaskInTx(ctx context.Context, tx *sql.Tx, task *workflow.Task) error {
	task.UpdatedAt = time.Now()
	data, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("marshaling task: %w", err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE tasks SET run_id = ?, parent_task_id = ?, status = ?, kind = ?, archived = ?, data = ?, updated_at = ?
		WHERE id = ?`,
		task.RunID, nullString(task.ParentTaskID), string(task.Status), string(task.Kind),
		boolToInt(task.Archived), string(data), task.UpdatedAt.Format(time.RFC3339Nano), task.ID)
	if err != nil {
		return &errors.StoreUnavailableError{Op: "saveTask", Cause: err}
	}
	return nil
}

func taskStatusIn(status workflow.TaskStatus, set []workflow.TaskStatus) bool {
	for _, s := range set {
		if s == status {
			return true
		}
	}
	return false
}

// --- activity ---

// AppendActivity appends entry to a task's activity log.
func (s *Store) AppendActivity(ctx context.Context, entry *workflow.ActivityEntry) error {
	if entry == nil || entry.ID == "" {
		return &errors.ValidationError{Field: "entry.id", Message: "activity entry id is required"}
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling activity entry: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO activity (id, task_id, run_id, timestamp, data)
		VALUES (?, ?, ?, ?, ?)`,
		entry.ID, entry.TaskID, entry.RunID, entry.Timestamp.Format(time.RFC3339Nano), string(data))
	if err != nil {
		return &errors.StoreUnavailableError{Op: "AppendActivity", Cause: err}
	}
	return nil
}

// ListActivity returns taskID's activity log, oldest first.
func (s *Store) ListActivity(ctx context.Context, taskID string) ([]*workflow.ActivityEntry, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM activity WHERE task_id = ? ORDER BY timestamp ASC`, taskID)
	if err != nil {
		return nil, &errors.StoreUnavailableError{Op: "ListActivity", Cause: err}
	}
	defer rows.Close()

	var results []*workflow.ActivityEntry
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scanning activity row: %w", err)
		}
		var entry workflow.ActivityEntry
		if err := json.Unmarshal([]byte(data), &entry); err != nil {
			return nil, fmt.Errorf("unmarshaling activity entry: %w", err)
		}
		results = append(results, &entry)
	}
	return results, rows.Err()
}

// --- timers ---

// ScheduleTimer stores a new timer.
func (s *Store) ScheduleTimer(ctx context.Context, timer *workflow.Timer) error {
	if timer == nil || timer.ID == "" {
		return &errors.ValidationError{Field: "timer.id", Message: "timer id is required"}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO timers (id, kind, subject_id, fire_at, fired)
		VALUES (?, ?, ?, ?, ?)`,
		timer.ID, string(timer.Kind), timer.SubjectID, timer.FireAt.Format(time.RFC3339Nano), boolToInt(timer.Fired))
	if err != nil {
		if isUniqueViolation(err) {
			return &errors.ConflictError{Resource: "timer", ID: timer.ID, Reason: "already exists"}
		}
		return &errors.StoreUnavailableError{Op: "ScheduleTimer", Cause: err}
	}
	return nil
}

// DueTimers returns unfired timers whose FireAt is at or before now.
func (s *Store) DueTimers(ctx context.Context, now time.Time) ([]*workflow.Timer, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, subject_id, fire_at, fired FROM timers
		WHERE fired = 0 AND fire_at <= ? ORDER BY fire_at ASC`,
		now.Format(time.RFC3339Nano))
	if err != nil {
		return nil, &errors.StoreUnavailableError{Op: "DueTimers", Cause: err}
	}
	defer rows.Close()

	var results []*workflow.Timer
	for rows.Next() {
		timer, err := scanTimer(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, timer)
	}
	return results, rows.Err()
}

func scanTimer(rows *sql.Rows) (*workflow.Timer, error) {
	var timer workflow.Timer
	var kind, fireAt string
	var fired int
	if err := rows.Scan(&timer.ID, &kind, &timer.SubjectID, &fireAt, &fired); err != nil {
		return nil, fmt.Errorf("scanning timer row: %w", err)
	}
	timer.Kind = workflow.TimerKind(kind)
	timer.Fired = fired != 0
	parsed, err := time.Parse(time.RFC3339Nano, fireAt)
	if err != nil {
		return nil, fmt.Errorf("parsing timer fire_at: %w", err)
	}
	timer.FireAt = parsed
	return &timer, nil
}

// MarkTimerFired marks a timer as fired so the wheel won't re-deliver it.
func (s *Store) MarkTimerFired(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE timers SET fired = 1 WHERE id = ?`, id)
	if err != nil {
		return &errors.StoreUnavailableError{Op: "MarkTimerFired", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "timer", ID: id}
	}
	return nil
}

// CancelTimer removes a timer so it never fires.
func (s *Store) CancelTimer(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM timers WHERE id = ?`, id)
	if err != nil {
		return &errors.StoreUnavailableError{Op: "CancelTimer", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &errors.NotFoundError{Resource: "timer", ID: id}
	}
	return nil
}

// --- helpers ---

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueViolation(err error) bool {
	// modernc.org/sqlite wraps SQLite's result codes in its own error
	// type; matching on the message avoids importing its internals for
	// a single error class.
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func paginate[T any](items []T, offset, limit int) []T {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(items) {
		return nil
	}
	end := len(items)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	sorted := items[offset:end]
	out := make([]T, len(sorted))
	copy(out, sorted)
	return out
}
