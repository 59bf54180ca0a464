package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/basket/go-conductor/internal/bus"
)

// LatestKnowledgeVersion returns the newest published version for a domain,
// 0 when none exists.
func (s *Store) LatestKnowledgeVersion(ctx context.Context, domain string) (int64, error) {
	var v sql.NullInt64
	if err := s.db.QueryRowContext(ctx, `
		SELECT MAX(version) FROM knowledge_snapshots WHERE domain = ?;
	`, domain).Scan(&v); err != nil {
		return 0, fmt.Errorf("latest knowledge version: %w", err)
	}
	if v.Valid {
		return v.Int64, nil
	}
	return 0, nil
}

// PublishSnapshot appends the next immutable snapshot version for a domain.
// Versions per domain strictly increase; prior versions are never touched.
func (s *Store) PublishSnapshot(ctx context.Context, domain, summary string) (*KnowledgeSnapshot, error) {
	snap := &KnowledgeSnapshot{Domain: domain, Summary: summary}
	err := retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin snapshot tx: %w", err)
		}
		defer func() { _ = tx.Rollback() }()

		var latest sql.NullInt64
		if err := tx.QueryRowContext(ctx, `
			SELECT MAX(version) FROM knowledge_snapshots WHERE domain = ?;
		`, domain).Scan(&latest); err != nil {
			return fmt.Errorf("read latest version: %w", err)
		}
		snap.Version = 1
		if latest.Valid {
			snap.Version = latest.Int64 + 1
		}
		snap.EffectiveAt = time.Now().UTC()

		if _, err := tx.ExecContext(ctx, `
			INSERT INTO knowledge_snapshots (domain, version, effective_at, summary)
			VALUES (?, ?, ?, ?);
		`, domain, snap.Version, snap.EffectiveAt, summary); err != nil {
			return fmt.Errorf("insert snapshot: %w", err)
		}
		return tx.Commit()
	})
	if err != nil {
		return nil, err
	}
	s.publish(bus.TopicKnowledgeAvailable, bus.KnowledgeNotice{
		Domain:  domain,
		Version: snap.Version,
		Summary: summary,
	})
	return snap, nil
}

// GetSnapshot fetches one published version.
func (s *Store) GetSnapshot(ctx context.Context, domain string, version int64) (*KnowledgeSnapshot, error) {
	var snap KnowledgeSnapshot
	err := s.db.QueryRowContext(ctx, `
		SELECT domain, version, effective_at, summary FROM knowledge_snapshots
		WHERE domain = ? AND version = ?;
	`, domain, version).Scan(&snap.Domain, &snap.Version, &snap.EffectiveAt, &snap.Summary)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get snapshot: %w", err)
	}
	return &snap, nil
}

// ListSnapshots returns all versions for a domain in ascending order.
func (s *Store) ListSnapshots(ctx context.Context, domain string) ([]KnowledgeSnapshot, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT domain, version, effective_at, summary FROM knowledge_snapshots
		WHERE domain = ? ORDER BY version ASC;
	`, domain)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []KnowledgeSnapshot
	for rows.Next() {
		var snap KnowledgeSnapshot
		if err := rows.Scan(&snap.Domain, &snap.Version, &snap.EffectiveAt, &snap.Summary); err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	return out, rows.Err()
}
