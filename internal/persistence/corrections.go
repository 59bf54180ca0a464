package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrIllegalCorrectionTransition covers any move outside
// proposed → confirmed → applied or proposed → rejected.
var ErrIllegalCorrectionTransition = errors.New("illegal correction transition")

// CreateCorrection stores a proposed change request together with the
// coordinator's restated interpretation. No graph mutation happens here.
func (s *Store) CreateCorrection(ctx context.Context, projectID, rawText, interpretation string) (string, error) {
	id := uuid.NewString()
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin correction tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO correction_requests (id, project_id, raw_text, interpretation, state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, id, projectID, rawText, interpretation, CorrectionProposed); err != nil {
			return fmt.Errorf("insert correction: %w", err)
		}
		if _, err := s.appendActivityTx(ctx, tx, projectID, "correction_manager", "correction_proposed", interpretation); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	return id, nil
}

func (s *Store) GetCorrection(ctx context.Context, correctionID string) (*CorrectionRequest, error) {
	var (
		c    CorrectionRequest
		task sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, raw_text, interpretation, state, linked_task_id, created_at, updated_at
		FROM correction_requests WHERE id = ?;
	`, correctionID).Scan(&c.ID, &c.ProjectID, &c.RawText, &c.Interpretation, &c.State, &task, &c.CreatedAt, &c.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get correction: %w", err)
	}
	if task.Valid {
		c.LinkedTaskID = task.String
	}
	return &c, nil
}

// TransitionCorrection moves a request along its state machine, optionally
// linking the task created on apply.
func (s *Store) TransitionCorrection(ctx context.Context, correctionID string, to CorrectionState, linkedTaskID string) error {
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin correction transition tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var (
			current CorrectionState
			proj    string
		)
		if err := tx.QueryRowContext(ctx, `
			SELECT state, project_id FROM correction_requests WHERE id = ?;
		`, correctionID).Scan(&current, &proj); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read correction state: %w", err)
		}
		next, ok := allowedCorrectionTransitions[current]
		if !ok {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalCorrectionTransition, current, to)
		}
		if _, ok := next[to]; !ok {
			return fmt.Errorf("%w: %s -> %s", ErrIllegalCorrectionTransition, current, to)
		}

		if linkedTaskID != "" {
			_, err = tx.ExecContext(ctx, `
				UPDATE correction_requests SET state = ?, linked_task_id = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
			`, to, linkedTaskID, correctionID)
		} else {
			_, err = tx.ExecContext(ctx, `
				UPDATE correction_requests SET state = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
			`, to, correctionID)
		}
		if err != nil {
			return fmt.Errorf("update correction state: %w", err)
		}
		if _, err := s.appendActivityTx(ctx, tx, proj, "correction_manager", "correction_"+string(to), correctionID); err != nil {
			return err
		}
		return tx.Commit()
	})
}

// ListCorrections returns a project's requests, newest first.
func (s *Store) ListCorrections(ctx context.Context, projectID string) ([]CorrectionRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, raw_text, interpretation, state, linked_task_id, created_at, updated_at
		FROM correction_requests WHERE project_id = ? ORDER BY created_at DESC;
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list corrections: %w", err)
	}
	defer rows.Close()

	var out []CorrectionRequest
	for rows.Next() {
		var (
			c    CorrectionRequest
			task sql.NullString
		)
		if err := rows.Scan(&c.ID, &c.ProjectID, &c.RawText, &c.Interpretation, &c.State, &task, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan correction: %w", err)
		}
		if task.Valid {
			c.LinkedTaskID = task.String
		}
		out = append(out, c)
	}
	return out, rows.Err()
}
