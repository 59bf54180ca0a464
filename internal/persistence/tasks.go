package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-conductor/internal/bus"
)

// ErrIllegalTransition is returned when a requested task transition is not in
// the allowed-transition table.
var ErrIllegalTransition = errors.New("illegal task transition")

// InsertGraph persists a freshly built task graph for a project and logs
// project_planned, all in one transaction.
func (s *Store) InsertGraph(ctx context.Context, projectID string, tasks []Task) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin insert graph tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		for _, task := range tasks {
			if err := insertTaskTx(ctx, tx, task); err != nil {
				return err
			}
		}
		if _, err := s.appendActivityTx(ctx, tx, projectID, "coordinator", "project_planned",
			fmt.Sprintf("graph of %d tasks", len(tasks))); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicProjectPlanned, projectID)
	return nil
}

// InsertTask persists one mid-execution task (correction path) and logs it.
func (s *Store) InsertTask(ctx context.Context, task Task, category, message string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin insert task tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := insertTaskTx(ctx, tx, task); err != nil {
			return err
		}
		if _, err := s.appendActivityTx(ctx, tx, task.ProjectID, "coordinator", category, message); err != nil {
			return err
		}
		return tx.Commit()
	})
}

func insertTaskTx(ctx context.Context, tx *sql.Tx, task Task) error {
	deps, _ := json.Marshal(task.DependsOn)
	state := task.State
	if state == "" {
		state = TaskPending
	}
	gate := 0
	if task.SerialGate {
		gate = 1
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO tasks (
			id, project_id, description, capability, phase, depends_on,
			concurrency_group, serial_gate, state, retries_used, created_at, updated_at
		)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
	`, task.ID, task.ProjectID, task.Description, task.Capability, task.Phase,
		string(deps), task.ConcurrencyGroup, gate, state); err != nil {
		return fmt.Errorf("insert task %s: %w", task.ID, err)
	}
	return nil
}

const taskColumns = `
	id, project_id, description, capability, phase, depends_on,
	concurrency_group, serial_gate, state, COALESCE(assigned_worker_id, ''),
	retries_used, COALESCE(result, ''), COALESCE(last_error, ''),
	COALESCE(failure_signature, ''), created_at, updated_at`

func scanTask(scan func(dest ...any) error, task *Task) error {
	var (
		deps string
		gate int
	)
	if err := scan(
		&task.ID, &task.ProjectID, &task.Description, &task.Capability, &task.Phase,
		&deps, &task.ConcurrencyGroup, &gate, &task.State, &task.AssignedWorkerID,
		&task.RetriesUsed, &task.Result, &task.LastError, &task.FailureSignature,
		&task.CreatedAt, &task.UpdatedAt,
	); err != nil {
		return err
	}
	task.SerialGate = gate != 0
	if err := json.Unmarshal([]byte(deps), &task.DependsOn); err != nil {
		task.DependsOn = nil
	}
	return nil
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?;`, taskID)
	var task Task
	if err := scanTask(row.Scan, &task); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get task: %w", err)
	}
	return &task, nil
}

// ListProjectTasks returns all tasks for a project in creation order.
func (s *Store) ListProjectTasks(ctx context.Context, projectID string) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY created_at ASC, id ASC;
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list project tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// ListTasksInState returns project tasks in the given state, creation order.
func (s *Store) ListTasksInState(ctx context.Context, projectID string, state TaskState) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE project_id = ? AND state = ? ORDER BY created_at ASC, id ASC;
	`, projectID, state)
	if err != nil {
		return nil, fmt.Errorf("list tasks in state: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// transitionTaskTx applies a guarded state transition inside tx. It verifies
// both the allowed-transition table and the current row state, then appends
// the activity entry. Returns false without error when the task is not in any
// of the expected from states (a concurrent transition already won).
func (s *Store) transitionTaskTx(ctx context.Context, tx *sql.Tx, taskID string, from []TaskState, to TaskState, category, message string) (bool, TaskState, error) {
	var current TaskState
	var projectID string
	if err := tx.QueryRowContext(ctx, `SELECT state, project_id FROM tasks WHERE id = ?;`, taskID).Scan(&current, &projectID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, "", ErrNotFound
		}
		return false, "", fmt.Errorf("read task state: %w", err)
	}

	matched := false
	for _, f := range from {
		if current == f {
			matched = true
			break
		}
	}
	if !matched {
		return false, current, nil
	}
	if !TransitionAllowed(current, to) {
		return false, current, fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, current, to)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE tasks SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ? AND state = ?;
	`, to, taskID, current); err != nil {
		return false, current, fmt.Errorf("update task state: %w", err)
	}
	if _, err := s.appendActivityTx(ctx, tx, projectID, "scheduler", category, message); err != nil {
		return false, current, err
	}
	return true, current, nil
}

// TransitionTask applies a single guarded transition and publishes the change.
func (s *Store) TransitionTask(ctx context.Context, taskID string, from []TaskState, to TaskState, category, message string) (bool, error) {
	var (
		ok   bool
		prev TaskState
		proj string
	)
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		ok, prev, err = s.transitionTaskTx(ctx, tx, taskID, from, to, category, message)
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}
		if err := tx.QueryRowContext(ctx, `SELECT project_id FROM tasks WHERE id = ?;`, taskID).Scan(&proj); err != nil {
			return fmt.Errorf("read task project: %w", err)
		}
		return tx.Commit()
	})
	if err != nil || !ok {
		return ok, err
	}
	s.publish(bus.TopicTaskStateChanged, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		ProjectID: proj,
		OldState:  string(prev),
		NewState:  string(to),
	})
	return true, nil
}

// AssignTask reserves an idle worker for a ready task. The whole reservation
// is one transaction so no two tasks can claim the same worker.
func (s *Store) AssignTask(ctx context.Context, taskID, workerID string) (bool, error) {
	var (
		assigned bool
		proj     string
	)
	err := retryOnBusy(ctx, 5, func() error {
		assigned = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin assign tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var availability string
		if err := tx.QueryRowContext(ctx, `SELECT availability FROM workers WHERE id = ?;`, workerID).Scan(&availability); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read worker availability: %w", err)
		}
		if availability != WorkerIdle {
			return nil
		}

		ok, _, err := s.transitionTaskTx(ctx, tx, taskID, []TaskState{TaskReady}, TaskAssigned,
			"task_assigned", fmt.Sprintf("task %s -> worker %s", taskID, workerID))
		if err != nil {
			return err
		}
		if !ok {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET assigned_worker_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, workerID, taskID); err != nil {
			return fmt.Errorf("set assigned worker: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE workers SET availability = ?, current_task_id = ?, updated_at = CURRENT_TIMESTAMP
			WHERE id = ? AND availability = ?;
		`, WorkerBusy, taskID, workerID, WorkerIdle); err != nil {
			return fmt.Errorf("reserve worker: %w", err)
		}
		if err := tx.QueryRowContext(ctx, `SELECT project_id FROM tasks WHERE id = ?;`, taskID).Scan(&proj); err != nil {
			return fmt.Errorf("read task project: %w", err)
		}
		assigned = true
		return tx.Commit()
	})
	if err != nil || !assigned {
		return assigned, err
	}
	s.publish(bus.TopicTaskAssigned, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		ProjectID: proj,
		OldState:  string(TaskReady),
		NewState:  string(TaskAssigned),
		WorkerID:  workerID,
	})
	s.publish(bus.TopicWorkerStatus, bus.WorkerStatusEvent{
		WorkerID:     workerID,
		Availability: WorkerBusy,
		TaskID:       taskID,
	})
	return true, nil
}

// CompletionOutcome values accepted from worker reports.
const (
	OutcomeCompleted = "completed"
	OutcomeFailed    = "failed"
)

// RecordCompletion applies a worker completion report. It is idempotent per
// (task_id, worker_attempt_id): a redelivered report returns applied=false
// with no state change and no duplicate log entry.
func (s *Store) RecordCompletion(ctx context.Context, taskID, workerAttemptID, outcome, payload, failureSignature string) (applied bool, err error) {
	var (
		proj     string
		worker   string
		newState TaskState
	)
	err = retryOnBusy(ctx, 5, func() error {
		applied = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin completion tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		res, err := tx.ExecContext(ctx, `
			INSERT OR IGNORE INTO completion_reports (task_id, worker_attempt_id, outcome)
			VALUES (?, ?, ?);
		`, taskID, workerAttemptID, outcome)
		if err != nil {
			return fmt.Errorf("record completion report: %w", err)
		}
		inserted, err := res.RowsAffected()
		if err != nil {
			return fmt.Errorf("completion rows affected: %w", err)
		}
		if inserted == 0 {
			return nil
		}

		newState = TaskCompleted
		category := "task_completed"
		if outcome == OutcomeFailed {
			newState = TaskFailed
			category = "task_failed"
		}
		// A worker may report straight from assigned; the started report is
		// optional in the worker contract.
		ok, _, err := s.transitionTaskTx(ctx, tx, taskID, []TaskState{TaskInProgress, TaskAssigned}, newState,
			category, fmt.Sprintf("attempt %s reported %s", workerAttemptID, outcome))
		if err != nil {
			return err
		}
		if !ok {
			// Report for a task in a non-reportable state. Roll the dedup row
			// back so a redelivery can still apply once the task gets there.
			return nil
		}

		if err := tx.QueryRowContext(ctx, `
			SELECT project_id, COALESCE(assigned_worker_id, '') FROM tasks WHERE id = ?;
		`, taskID).Scan(&proj, &worker); err != nil {
			return fmt.Errorf("read completed task: %w", err)
		}

		if outcome == OutcomeFailed {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET last_error = ?, failure_signature = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
			`, payload, failureSignature, taskID); err != nil {
				return fmt.Errorf("record task error: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE tasks SET result = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
			`, payload, taskID); err != nil {
				return fmt.Errorf("record task result: %w", err)
			}
		}

		if worker != "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE workers SET availability = ?, current_task_id = NULL, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, WorkerIdle, worker); err != nil {
				return fmt.Errorf("release worker: %w", err)
			}
		}
		applied = true
		return tx.Commit()
	})
	if err != nil || !applied {
		return applied, err
	}
	topic := bus.TopicTaskCompleted
	if newState == TaskFailed {
		topic = bus.TopicTaskFailed
	}
	s.publish(topic, bus.TaskStateChangedEvent{
		TaskID:    taskID,
		ProjectID: proj,
		OldState:  string(TaskInProgress),
		NewState:  string(newState),
		WorkerID:  worker,
		Signature: failureSignature,
	})
	if worker != "" {
		s.publish(bus.TopicWorkerStatus, bus.WorkerStatusEvent{
			WorkerID:     worker,
			Availability: WorkerIdle,
		})
	}
	return true, nil
}

// RetryTask moves a failed task back to ready, bumping retries_used.
func (s *Store) RetryTask(ctx context.Context, taskID string) (bool, error) {
	var ok bool
	err := retryOnBusy(ctx, 5, func() error {
		ok = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin retry tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var retries int
		if err := tx.QueryRowContext(ctx, `SELECT retries_used FROM tasks WHERE id = ?;`, taskID).Scan(&retries); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read retries: %w", err)
		}
		transitioned, _, err := s.transitionTaskTx(ctx, tx, taskID, []TaskState{TaskFailed}, TaskReady,
			"task_retrying", fmt.Sprintf("retry %d", retries+1))
		if err != nil {
			return err
		}
		if !transitioned {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET retries_used = retries_used + 1, assigned_worker_id = NULL, updated_at = CURRENT_TIMESTAMP
			WHERE id = ?;
		`, taskID); err != nil {
			return fmt.Errorf("bump retries: %w", err)
		}
		ok = true
		return tx.Commit()
	})
	if err != nil || !ok {
		return ok, err
	}
	s.publish(bus.TopicTaskRetrying, taskID)
	return true, nil
}

// RequeueTask returns an assigned task to ready after its worker went silent
// before starting. The reservation is cleared and the worker freed in the
// same transaction, without spending a retry.
func (s *Store) RequeueTask(ctx context.Context, taskID, message string) (bool, error) {
	var (
		ok     bool
		worker string
	)
	err := retryOnBusy(ctx, 5, func() error {
		ok = false
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin requeue tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(assigned_worker_id, '') FROM tasks WHERE id = ?;
		`, taskID).Scan(&worker); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read assigned worker: %w", err)
		}
		transitioned, _, err := s.transitionTaskTx(ctx, tx, taskID, []TaskState{TaskAssigned}, TaskReady,
			"task_requeued", message)
		if err != nil {
			return err
		}
		if !transitioned {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE tasks SET assigned_worker_id = NULL, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, taskID); err != nil {
			return fmt.Errorf("clear reservation: %w", err)
		}
		if worker != "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE workers SET availability = ?, current_task_id = NULL, updated_at = CURRENT_TIMESTAMP
				WHERE id = ?;
			`, WorkerIdle, worker); err != nil {
				return fmt.Errorf("free lost worker: %w", err)
			}
		}
		ok = true
		return tx.Commit()
	})
	if err != nil || !ok {
		return ok, err
	}
	if worker != "" {
		s.publish(bus.TopicWorkerStatus, bus.WorkerStatusEvent{WorkerID: worker, Availability: WorkerIdle})
	}
	return true, nil
}

// ReleaseWorker frees a worker without touching its task (cancel and
// force-drain paths).
func (s *Store) ReleaseWorker(ctx context.Context, workerID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE workers SET availability = ?, current_task_id = NULL, updated_at = CURRENT_TIMESTAMP
		WHERE id = ?;
	`, WorkerIdle, workerID)
	if err != nil {
		return fmt.Errorf("release worker: %w", err)
	}
	s.publish(bus.TopicWorkerStatus, bus.WorkerStatusEvent{WorkerID: workerID, Availability: WorkerIdle})
	return nil
}

// StaleTasks returns non-terminal tasks whose last state change is older than
// the cutoff.
func (s *Store) StaleTasks(ctx context.Context, cutoff time.Time) ([]Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+taskColumns+`
		FROM tasks
		WHERE state IN (?, ?, ?, ?, ?, ?) AND updated_at < ?
		ORDER BY updated_at ASC;
	`, TaskPending, TaskReady, TaskAssigned, TaskInProgress, TaskBlocked, TaskFailed, cutoff.UTC())
	if err != nil {
		return nil, fmt.Errorf("list stale tasks: %w", err)
	}
	defer rows.Close()

	var out []Task
	for rows.Next() {
		var task Task
		if err := scanTask(rows.Scan, &task); err != nil {
			return nil, fmt.Errorf("scan stale task: %w", err)
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

// GraphSnapshot returns a canonical JSON rendering of a project's task graph.
// Correction rejection compares these byte-for-byte.
func (s *Store) GraphSnapshot(ctx context.Context, projectID string) ([]byte, error) {
	tasks, err := s.ListProjectTasks(ctx, projectID)
	if err != nil {
		return nil, err
	}
	type graphTask struct {
		ID               string    `json:"id"`
		Description      string    `json:"description"`
		Capability       string    `json:"capability"`
		Phase            string    `json:"phase"`
		DependsOn        []string  `json:"depends_on"`
		ConcurrencyGroup string    `json:"concurrency_group"`
		SerialGate       bool      `json:"serial_gate"`
		State            TaskState `json:"state"`
	}
	snapshot := make([]graphTask, 0, len(tasks))
	for _, t := range tasks {
		snapshot = append(snapshot, graphTask{
			ID:               t.ID,
			Description:      t.Description,
			Capability:       t.Capability,
			Phase:            t.Phase,
			DependsOn:        t.DependsOn,
			ConcurrencyGroup: t.ConcurrencyGroup,
			SerialGate:       t.SerialGate,
			State:            t.State,
		})
	}
	return json.Marshal(snapshot)
}
