package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/go-conductor/internal/bus"
)

// appendActivityTx writes the next activity_log row for the project inside tx
// and returns the assigned sequence number. Sequence numbers are per-project
// and strictly monotonic; the single-connection store makes the MAX+1 read
// safe within the transaction.
func (s *Store) appendActivityTx(ctx context.Context, tx *sql.Tx, projectID, actor, category, message string) (int64, error) {
	var next int64
	if err := tx.QueryRowContext(ctx, `
		SELECT COALESCE(MAX(seq), 0) + 1 FROM activity_log WHERE project_id = ?;
	`, projectID).Scan(&next); err != nil {
		return 0, fmt.Errorf("next activity seq: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO activity_log (project_id, seq, at, actor, category, message)
		VALUES (?, ?, ?, ?, ?, ?);
	`, projectID, next, time.Now().UTC(), actor, category, message); err != nil {
		return 0, fmt.Errorf("append activity: %w", err)
	}
	return next, nil
}

// AppendActivity appends a log entry outside any caller transaction and
// publishes it on the bus.
func (s *Store) AppendActivity(ctx context.Context, projectID, actor, category, message string) (int64, error) {
	var seq int64
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin activity tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		seq, err = s.appendActivityTx(ctx, tx, projectID, actor, category, message)
		if err != nil {
			return err
		}
		return tx.Commit()
	})
	if err != nil {
		return 0, err
	}
	s.publish(bus.TopicActivityAppended, bus.ActivityEvent{
		ProjectID: projectID,
		Seq:       seq,
		Actor:     actor,
		Category:  category,
		Message:   message,
		At:        time.Now().UTC(),
	})
	return seq, nil
}

// ActivityBounds returns the min and max sequence numbers logged for a project.
func (s *Store) ActivityBounds(ctx context.Context, projectID string) (minSeq, maxSeq int64, err error) {
	var mn, mx sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT MIN(seq), MAX(seq) FROM activity_log WHERE project_id = ?;
	`, projectID).Scan(&mn, &mx); err != nil {
		return 0, 0, fmt.Errorf("activity bounds: %w", err)
	}
	if mn.Valid {
		minSeq = mn.Int64
	}
	if mx.Valid {
		maxSeq = mx.Int64
	}
	return minSeq, maxSeq, nil
}

// ListActivityFrom returns up to limit entries with seq > fromSeq in ascending
// order. The log is the durable source of truth for subscriber replay.
func (s *Store) ListActivityFrom(ctx context.Context, projectID string, fromSeq int64, limit int) ([]ActivityEntry, error) {
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, seq, at, actor, category, message
		FROM activity_log
		WHERE project_id = ? AND seq > ?
		ORDER BY seq ASC
		LIMIT ?;
	`, projectID, fromSeq, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	defer rows.Close()

	var out []ActivityEntry
	for rows.Next() {
		var entry ActivityEntry
		if err := rows.Scan(&entry.ProjectID, &entry.Seq, &entry.At, &entry.Actor, &entry.Category, &entry.Message); err != nil {
			return nil, fmt.Errorf("scan activity: %w", err)
		}
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("activity rows: %w", err)
	}
	return out, nil
}

// PruneActivityBefore deletes entries older than the cutoff. Trigger events
// are never pruned; only the activity log honors retention.
func (s *Store) PruneActivityBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM activity_log WHERE at < ?;`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("prune activity: %w", err)
	}
	return res.RowsAffected()
}
