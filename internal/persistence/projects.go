package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-conductor/internal/bus"
	"github.com/google/uuid"
)

// ErrNotFound is returned by lookups for absent rows.
var ErrNotFound = errors.New("not found")

// CreateProject inserts a project in the given status and logs the event.
func (s *Store) CreateProject(ctx context.Context, brief string, status ProjectStatus) (string, error) {
	projectID := uuid.NewString()
	history, _ := json.Marshal([]string{string(status)})
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin create project tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO projects (id, brief, status, phase_history, created_at, updated_at)
			VALUES (?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, projectID, brief, status, string(history)); err != nil {
			return fmt.Errorf("create project: %w", err)
		}
		if _, err := s.appendActivityTx(ctx, tx, projectID, "coordinator", "project_created", "brief accepted"); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return "", err
	}
	s.publish(bus.TopicProjectCreated, projectID)
	return projectID, nil
}

func (s *Store) GetProject(ctx context.Context, projectID string) (*Project, error) {
	var (
		p       Project
		history string
	)
	err := s.db.QueryRowContext(ctx, `
		SELECT id, brief, status, phase_history, archived, created_at, updated_at
		FROM projects WHERE id = ?;
	`, projectID).Scan(&p.ID, &p.Brief, &p.Status, &history, &p.Archived, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get project: %w", err)
	}
	if err := json.Unmarshal([]byte(history), &p.PhaseHistory); err != nil {
		p.PhaseHistory = nil
	}
	return &p, nil
}

// SetProjectStatus moves the project to a new status, appending it to the
// phase history.
func (s *Store) SetProjectStatus(ctx context.Context, projectID string, status ProjectStatus) error {
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin project status tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var history string
		if err := tx.QueryRowContext(ctx, `SELECT phase_history FROM projects WHERE id = ?;`, projectID).Scan(&history); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read phase history: %w", err)
		}
		var phases []string
		_ = json.Unmarshal([]byte(history), &phases)
		phases = append(phases, string(status))
		updated, _ := json.Marshal(phases)

		if _, err := tx.ExecContext(ctx, `
			UPDATE projects SET status = ?, phase_history = ?, updated_at = CURRENT_TIMESTAMP WHERE id = ?;
		`, status, string(updated), projectID); err != nil {
			return fmt.Errorf("set project status: %w", err)
		}
		if _, err := s.appendActivityTx(ctx, tx, projectID, "coordinator", "phase_changed", string(status)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicProjectPhase, projectID)
	return nil
}

// ListActiveProjects returns unarchived projects not yet deployed.
func (s *Store) ListActiveProjects(ctx context.Context) ([]Project, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, brief, status, phase_history, archived, created_at, updated_at
		FROM projects
		WHERE archived = 0 AND status != ?
		ORDER BY created_at ASC;
	`, ProjectDeployed)
	if err != nil {
		return nil, fmt.Errorf("list active projects: %w", err)
	}
	defer rows.Close()

	var out []Project
	for rows.Next() {
		var (
			p       Project
			history string
		)
		if err := rows.Scan(&p.ID, &p.Brief, &p.Status, &history, &p.Archived, &p.CreatedAt, &p.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan project: %w", err)
		}
		_ = json.Unmarshal([]byte(history), &p.PhaseHistory)
		out = append(out, p)
	}
	return out, rows.Err()
}

// ArchiveDeployedBefore archives deployed projects older than the retention
// cutoff.
func (s *Store) ArchiveDeployedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE projects SET archived = 1, updated_at = CURRENT_TIMESTAMP
		WHERE status = ? AND archived = 0 AND updated_at < ?;
	`, ProjectDeployed, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("archive projects: %w", err)
	}
	return res.RowsAffected()
}
