// Package knowledge runs the background refresh rotation. One domain is
// refreshed per tick, round-robin over the configured domain list, so a
// 15-day cadence over four domains refreshes each exactly once per 60 days.
// The lane shares only the store and bus with the execution scheduler.
package knowledge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/basket/go-conductor/internal/persistence"
	"github.com/basket/go-conductor/internal/shared"
)

const cursorKey = "knowledge:rotation_cursor"

// cronParser parses standard 5-field cron expressions (minute, hour, dom, month, dow).
var cronParser = cronlib.NewParser(
	cronlib.Minute | cronlib.Hour | cronlib.Dom | cronlib.Month | cronlib.Dow,
)

// Generator produces the refreshed domain summary. The router's backend
// chain satisfies this.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// RotationCursor is the persisted rotation position.
type RotationCursor struct {
	Index    int       `json:"index"`
	LastTick time.Time `json:"last_tick"`
}

// Config holds the dependencies for the knowledge scheduler.
type Config struct {
	Store     *persistence.Store
	Logger    *slog.Logger
	Domains   []string
	Cadence   time.Duration // interval between ticks; defaults to 360h
	CronExpr  string        // optional cron override for tick times
	Generator Generator
}

type Scheduler struct {
	store     *persistence.Store
	logger    *slog.Logger
	domains   []string
	cadence   time.Duration
	cronExpr  string
	generator Generator

	// retryBackoff bounds how soon a failed or deferred tick is retried, so
	// an exhausted backend chain never spins the loop hot.
	retryBackoff time.Duration

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewScheduler(cfg Config) (*Scheduler, error) {
	if len(cfg.Domains) == 0 {
		return nil, errors.New("knowledge: no domains configured")
	}
	cadence := cfg.Cadence
	if cadence <= 0 {
		cadence = 360 * time.Hour
	}
	if cfg.CronExpr != "" {
		if _, err := cronParser.Parse(cfg.CronExpr); err != nil {
			return nil, fmt.Errorf("knowledge: bad cron expression %q: %w", cfg.CronExpr, err)
		}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:        cfg.Store,
		logger:       logger.With("component", "knowledge"),
		domains:      cfg.Domains,
		cadence:      cadence,
		cronExpr:     cfg.CronExpr,
		generator:    cfg.Generator,
		retryBackoff: time.Minute,
	}, nil
}

// Start begins the rotation loop in a background goroutine.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	s.wg.Add(1)
	go s.loop(ctx)
	s.logger.Info("knowledge scheduler started",
		"domains", len(s.domains),
		"cadence", s.cadence,
		"cron", s.cronExpr,
	)
}

// Stop cancels the loop and waits for it to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("knowledge scheduler stopped")
}

func (s *Scheduler) loop(ctx context.Context) {
	defer s.wg.Done()
	for {
		wait, err := s.untilNextTick(ctx)
		if err != nil {
			s.logger.Error("compute next tick", "error", err)
			wait = s.cadence
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
			if err := s.Tick(ctx); err != nil {
				if errors.Is(err, shared.ErrBackendExhausted) {
					s.logger.Warn("knowledge tick deferred", "error", err)
				} else {
					s.logger.Error("knowledge tick", "error", err)
				}
				// The cursor is unsaved, so untilNextTick would return zero
				// and re-tick immediately. Hold off before retrying the same
				// domain.
				select {
				case <-ctx.Done():
					return
				case <-time.After(s.retryBackoff):
				}
			}
		}
	}
}

// untilNextTick computes the wait before the next refresh, resuming the
// persisted cadence across restarts.
func (s *Scheduler) untilNextTick(ctx context.Context) (time.Duration, error) {
	now := time.Now().UTC()
	if s.cronExpr != "" {
		sched, err := cronParser.Parse(s.cronExpr)
		if err != nil {
			return 0, err
		}
		return sched.Next(now).Sub(now), nil
	}
	cursor, err := s.loadCursor(ctx)
	if err != nil {
		return 0, err
	}
	if cursor.LastTick.IsZero() {
		return 0, nil
	}
	next := cursor.LastTick.Add(s.cadence)
	if next.Before(now) {
		return 0, nil
	}
	return next.Sub(now), nil
}

// Tick refreshes exactly the domain at the rotation cursor and advances the
// cursor modulo the domain count. On generation failure the cursor stays put
// so the same domain is retried next tick.
func (s *Scheduler) Tick(ctx context.Context) error {
	cursor, err := s.loadCursor(ctx)
	if err != nil {
		return err
	}
	domain := s.domains[cursor.Index%len(s.domains)]

	summary, err := s.refresh(ctx, domain)
	if err != nil {
		// Deferred and failed ticks both leave the cursor unsaved so the same
		// domain is retried; the caller decides how long to back off.
		return fmt.Errorf("refresh %s: %w", domain, err)
	}

	snap, err := s.store.PublishSnapshot(ctx, domain, summary)
	if err != nil {
		return fmt.Errorf("publish snapshot for %s: %w", domain, err)
	}
	s.logger.Info("knowledge snapshot published", "domain", domain, "version", snap.Version)

	cursor.Index = (cursor.Index + 1) % len(s.domains)
	cursor.LastTick = time.Now().UTC()
	return s.saveCursor(ctx, cursor)
}

func (s *Scheduler) refresh(ctx context.Context, domain string) (string, error) {
	if s.generator == nil {
		return fmt.Sprintf("periodic refresh of %s practices", domain), nil
	}
	return s.generator.Generate(ctx, "summarize current best practices for "+domain)
}

func (s *Scheduler) loadCursor(ctx context.Context) (RotationCursor, error) {
	var cursor RotationCursor
	val, err := s.store.GetKV(ctx, cursorKey)
	if errors.Is(err, persistence.ErrNotFound) {
		return cursor, nil
	}
	if err != nil {
		return cursor, fmt.Errorf("load rotation cursor: %w", err)
	}
	if err := json.Unmarshal([]byte(val), &cursor); err != nil {
		return RotationCursor{}, fmt.Errorf("decode rotation cursor: %w", err)
	}
	if cursor.Index < 0 || cursor.Index >= len(s.domains) {
		cursor.Index = 0
	}
	return cursor, nil
}

func (s *Scheduler) saveCursor(ctx context.Context, cursor RotationCursor) error {
	data, err := json.Marshal(cursor)
	if err != nil {
		return err
	}
	if err := s.store.SetKV(ctx, cursorKey, string(data)); err != nil {
		return fmt.Errorf("save rotation cursor: %w", err)
	}
	return nil
}
