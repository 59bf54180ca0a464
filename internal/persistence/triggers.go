package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/basket/go-conductor/internal/bus"
	"github.com/google/uuid"
)

// OpenTriggerEvent returns the unresolved trigger event for (project, rule,
// payload signature) whose last_seen falls inside the dedup window, or
// ErrNotFound. An empty payload matches any open event for the rule.
func (s *Store) OpenTriggerEvent(ctx context.Context, projectID, ruleID, payload string, dedupWindow time.Duration) (*TriggerEvent, error) {
	cutoff := time.Now().UTC().Add(-dedupWindow)
	query := `
		SELECT id, rule_id, project_id, severity, payload, first_seen, last_seen, occurrence_count, resolved
		FROM trigger_events
		WHERE project_id = ? AND rule_id = ? AND resolved = 0 AND last_seen >= ?`
	args := []any{projectID, ruleID, cutoff}
	if payload != "" {
		query += ` AND payload = ?`
		args = append(args, payload)
	}
	query += `
		ORDER BY last_seen DESC
		LIMIT 1;`
	row := s.db.QueryRowContext(ctx, query, args...)
	return scanTriggerEvent(row.Scan)
}

func scanTriggerEvent(scan func(dest ...any) error) (*TriggerEvent, error) {
	var (
		ev       TriggerEvent
		resolved int
	)
	err := scan(&ev.ID, &ev.RuleID, &ev.ProjectID, &ev.Severity, &ev.Payload,
		&ev.FirstSeen, &ev.LastSeen, &ev.OccurrenceCount, &resolved)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan trigger event: %w", err)
	}
	ev.Resolved = resolved != 0
	return &ev, nil
}

// CreateTriggerEvent opens a new trigger event, logs it, and publishes
// exactly one raised notice.
func (s *Store) CreateTriggerEvent(ctx context.Context, ruleID, projectID, severity, payload string) (*TriggerEvent, error) {
	now := time.Now().UTC()
	ev := &TriggerEvent{
		ID:              uuid.NewString(),
		RuleID:          ruleID,
		ProjectID:       projectID,
		Severity:        severity,
		Payload:         payload,
		FirstSeen:       now,
		LastSeen:        now,
		OccurrenceCount: 1,
	}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin trigger tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO trigger_events (id, rule_id, project_id, severity, payload, first_seen, last_seen, occurrence_count, resolved)
			VALUES (?, ?, ?, ?, ?, ?, ?, 1, 0);
		`, ev.ID, ruleID, projectID, severity, payload, now, now); err != nil {
			return fmt.Errorf("insert trigger event: %w", err)
		}
		if _, err := s.appendActivityTx(ctx, tx, projectID, "trigger_engine", "trigger_raised",
			fmt.Sprintf("rule %s severity %s", ruleID, severity)); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicTriggerRaised, bus.TriggerEventNotice{
		TriggerEventID: ev.ID,
		RuleID:         ruleID,
		ProjectID:      projectID,
		Severity:       severity,
		Occurrences:    1,
	})
	return ev, nil
}

// TouchTriggerEvent increments occurrence_count and extends last_seen for an
// open event. No new notification is emitted; if newSeverity is non-empty the
// event escalates and an escalated notice is published.
func (s *Store) TouchTriggerEvent(ctx context.Context, eventID, newSeverity string) (*TriggerEvent, error) {
	var ev *TriggerEvent
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin trigger touch tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if newSeverity != "" {
			if _, err := tx.ExecContext(ctx, `
				UPDATE trigger_events
				SET occurrence_count = occurrence_count + 1, last_seen = ?, severity = ?
				WHERE id = ? AND resolved = 0;
			`, time.Now().UTC(), newSeverity, eventID); err != nil {
				return fmt.Errorf("escalate trigger event: %w", err)
			}
		} else {
			if _, err := tx.ExecContext(ctx, `
				UPDATE trigger_events
				SET occurrence_count = occurrence_count + 1, last_seen = ?
				WHERE id = ? AND resolved = 0;
			`, time.Now().UTC(), eventID); err != nil {
				return fmt.Errorf("touch trigger event: %w", err)
			}
		}

		row := tx.QueryRowContext(ctx, `
			SELECT id, rule_id, project_id, severity, payload, first_seen, last_seen, occurrence_count, resolved
			FROM trigger_events WHERE id = ?;
		`, eventID)
		ev, err = scanTriggerEvent(row.Scan)
		if err != nil {
			return err
		}
		if newSeverity != "" {
			if _, err := s.appendActivityTx(ctx, tx, ev.ProjectID, "trigger_engine", "trigger_escalated",
				fmt.Sprintf("rule %s severity %s after %d occurrences", ev.RuleID, newSeverity, ev.OccurrenceCount)); err != nil {
				return err
			}
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	if newSeverity != "" {
		s.publish(bus.TopicTriggerEscalated, bus.TriggerEventNotice{
			TriggerEventID: ev.ID,
			RuleID:         ev.RuleID,
			ProjectID:      ev.ProjectID,
			Severity:       ev.Severity,
			Occurrences:    ev.OccurrenceCount,
			Escalated:      true,
		})
	}
	return ev, nil
}

// ResolveTriggerEvent marks an event resolved. History is retained, never
// deleted.
func (s *Store) ResolveTriggerEvent(ctx context.Context, eventID string) error {
	var proj string
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin trigger resolve tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		if err := tx.QueryRowContext(ctx, `SELECT project_id FROM trigger_events WHERE id = ?;`, eventID).Scan(&proj); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return ErrNotFound
			}
			return fmt.Errorf("read trigger event: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE trigger_events SET resolved = 1, last_seen = ? WHERE id = ?;
		`, time.Now().UTC(), eventID); err != nil {
			return fmt.Errorf("resolve trigger event: %w", err)
		}
		if _, err := s.appendActivityTx(ctx, tx, proj, "coordinator", "trigger_resolved", eventID); err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return err
	}
	s.publish(bus.TopicTriggerResolved, eventID)
	return nil
}

func (s *Store) GetTriggerEvent(ctx context.Context, eventID string) (*TriggerEvent, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, rule_id, project_id, severity, payload, first_seen, last_seen, occurrence_count, resolved
		FROM trigger_events WHERE id = ?;
	`, eventID)
	return scanTriggerEvent(row.Scan)
}

// ListTriggerEvents returns all events for a project, newest first.
func (s *Store) ListTriggerEvents(ctx context.Context, projectID string) ([]TriggerEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, rule_id, project_id, severity, payload, first_seen, last_seen, occurrence_count, resolved
		FROM trigger_events WHERE project_id = ? ORDER BY first_seen DESC;
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list trigger events: %w", err)
	}
	defer rows.Close()

	var out []TriggerEvent
	for rows.Next() {
		ev, err := scanTriggerEvent(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, *ev)
	}
	return out, rows.Err()
}
