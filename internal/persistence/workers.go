package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
)

// UpsertWorker registers or refreshes a worker record. New workers start idle.
func (s *Store) UpsertWorker(ctx context.Context, workerID string, capabilities []string) error {
	caps, _ := json.Marshal(capabilities)
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO workers (id, capabilities, availability, updated_at)
		VALUES (?, ?, 'idle', CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET capabilities = excluded.capabilities, updated_at = CURRENT_TIMESTAMP;
	`, workerID, string(caps))
	if err != nil {
		return fmt.Errorf("upsert worker: %w", err)
	}
	return nil
}

// SetWorkerAvailability force-sets availability (unavailable on disconnect,
// idle on reconnect). Busy workers keep their current task.
func (s *Store) SetWorkerAvailability(ctx context.Context, workerID, availability string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE workers SET availability = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
	`, availability, workerID)
	if err != nil {
		return fmt.Errorf("set worker availability: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("worker rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) GetWorker(ctx context.Context, workerID string) (*Worker, error) {
	var (
		w    Worker
		caps string
		task sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, capabilities, availability, current_task_id, updated_at FROM workers WHERE id = ?;
	`, workerID).Scan(&w.ID, &caps, &w.Availability, &task, &w.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get worker: %w", err)
	}
	if task.Valid {
		w.CurrentTaskID = task.String
	}
	_ = json.Unmarshal([]byte(caps), &w.Capabilities)
	return &w, nil
}

// ListWorkers returns all workers ordered by id for deterministic routing.
func (s *Store) ListWorkers(ctx context.Context) ([]Worker, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, capabilities, availability, current_task_id, updated_at FROM workers ORDER BY id ASC;
	`)
	if err != nil {
		return nil, fmt.Errorf("list workers: %w", err)
	}
	defer rows.Close()

	var out []Worker
	for rows.Next() {
		var (
			w    Worker
			caps string
			task sql.NullString
		)
		if err := rows.Scan(&w.ID, &caps, &w.Availability, &task, &w.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan worker: %w", err)
		}
		if task.Valid {
			w.CurrentTaskID = task.String
		}
		_ = json.Unmarshal([]byte(caps), &w.Capabilities)
		out = append(out, w)
	}
	return out, rows.Err()
}

// InProgressAssignments returns the worker → task mapping over in_progress
// tasks, used to verify the injective assignment invariant.
func (s *Store) InProgressAssignments(ctx context.Context) (map[string]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT COALESCE(assigned_worker_id, ''), id FROM tasks WHERE state = ?;
	`, TaskInProgress)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var worker, task string
		if err := rows.Scan(&worker, &task); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		if worker == "" {
			continue
		}
		if other, dup := out[worker]; dup {
			return nil, fmt.Errorf("worker %s double-booked on %s and %s", worker, other, task)
		}
		out[worker] = task
	}
	return out, rows.Err()
}
