package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/basket/go-conductor/internal/bus"
	_ "github.com/mattn/go-sqlite3"
)

const (
	schemaVersionV1  = 1
	schemaChecksumV1 = "cd-v1-2026-08-orchestration-core"

	schemaVersionLatest  = schemaVersionV1
	schemaChecksumLatest = schemaChecksumV1
)

// ProjectStatus tracks the project phase.
type ProjectStatus string

const (
	ProjectDiscovery     ProjectStatus = "discovery"
	ProjectPlanning      ProjectStatus = "planning"
	ProjectExecution     ProjectStatus = "execution"
	ProjectValidation    ProjectStatus = "validation"
	ProjectDocumentation ProjectStatus = "documentation"
	ProjectDeployed      ProjectStatus = "deployed"
	ProjectPaused        ProjectStatus = "paused"
)

// TaskState is the execution state machine alphabet.
type TaskState string

const (
	TaskPending         TaskState = "pending"
	TaskReady           TaskState = "ready"
	TaskAssigned        TaskState = "assigned"
	TaskInProgress      TaskState = "in_progress"
	TaskBlocked         TaskState = "blocked"
	TaskCompleted       TaskState = "completed"
	TaskFailed          TaskState = "failed"
	TaskFailedPermanent TaskState = "failed_permanent"
	TaskCancelled       TaskState = "cancelled"
)

var allowedTransitions = map[TaskState]map[TaskState]struct{}{
	TaskPending: {
		TaskReady:     {},
		TaskCancelled: {},
	},
	TaskReady: {
		TaskAssigned:  {},
		TaskBlocked:   {},
		TaskCancelled: {},
	},
	TaskAssigned: {
		TaskInProgress: {},
		TaskReady:      {}, // Worker lost before start.
		TaskCompleted:  {}, // Report without a started report.
		TaskFailed:     {},
		TaskCancelled:  {},
	},
	TaskInProgress: {
		TaskCompleted: {},
		TaskFailed:    {},
		TaskBlocked:   {},
		TaskCancelled: {},
	},
	TaskBlocked: {
		TaskReady:     {},
		TaskCancelled: {},
	},
	TaskFailed: {
		TaskReady:           {}, // Retry within budget.
		TaskFailedPermanent: {},
	},
}

// TransitionAllowed reports whether from → to is a legal task transition.
func TransitionAllowed(from, to TaskState) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// IsTerminal reports whether a task state can never change again.
func IsTerminal(s TaskState) bool {
	switch s {
	case TaskCompleted, TaskFailedPermanent, TaskCancelled:
		return true
	}
	return false
}

// WorkerAvailability values.
const (
	WorkerIdle        = "idle"
	WorkerBusy        = "busy"
	WorkerUnavailable = "unavailable"
)

type Project struct {
	ID           string        `json:"id"`
	Brief        string        `json:"brief"`
	Status       ProjectStatus `json:"status"`
	PhaseHistory []string      `json:"phase_history"`
	Archived     bool          `json:"archived"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

type Task struct {
	ID               string    `json:"id"`
	ProjectID        string    `json:"project_id"`
	Description      string    `json:"description"`
	Capability       string    `json:"capability"`
	Phase            string    `json:"phase"`
	DependsOn        []string  `json:"depends_on"`
	ConcurrencyGroup string    `json:"concurrency_group"`
	SerialGate       bool      `json:"serial_gate"`
	State            TaskState `json:"state"`
	AssignedWorkerID string    `json:"assigned_worker_id,omitempty"`
	RetriesUsed      int       `json:"retries_used"`
	Result           string    `json:"result,omitempty"`
	LastError        string    `json:"last_error,omitempty"`
	FailureSignature string    `json:"failure_signature,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

type Worker struct {
	ID            string    `json:"id"`
	Capabilities  []string  `json:"capabilities"`
	Availability  string    `json:"availability"`
	CurrentTaskID string    `json:"current_task_id,omitempty"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// ActivityEntry is one row of the per-project append-only log.
type ActivityEntry struct {
	ProjectID string    `json:"project_id"`
	Seq       int64     `json:"seq"`
	At        time.Time `json:"at"`
	Actor     string    `json:"actor"`
	Category  string    `json:"category"`
	Message   string    `json:"message"`
}

type TriggerEvent struct {
	ID              string    `json:"id"`
	RuleID          string    `json:"rule_id"`
	ProjectID       string    `json:"project_id"`
	Severity        string    `json:"severity"`
	Payload         string    `json:"payload"`
	FirstSeen       time.Time `json:"first_seen"`
	LastSeen        time.Time `json:"last_seen"`
	OccurrenceCount int       `json:"occurrence_count"`
	Resolved        bool      `json:"resolved"`
}

type KnowledgeSnapshot struct {
	Domain      string    `json:"domain"`
	Version     int64     `json:"version"`
	EffectiveAt time.Time `json:"effective_at"`
	Summary     string    `json:"summary"`
}

// CorrectionState values and their legal transitions.
type CorrectionState string

const (
	CorrectionProposed  CorrectionState = "proposed"
	CorrectionConfirmed CorrectionState = "confirmed"
	CorrectionRejected  CorrectionState = "rejected"
	CorrectionApplied   CorrectionState = "applied"
)

var allowedCorrectionTransitions = map[CorrectionState]map[CorrectionState]struct{}{
	CorrectionProposed: {
		CorrectionConfirmed: {},
		CorrectionRejected:  {},
	},
	CorrectionConfirmed: {
		CorrectionApplied: {},
	},
}

type CorrectionRequest struct {
	ID             string          `json:"id"`
	ProjectID      string          `json:"project_id"`
	RawText        string          `json:"raw_text"`
	Interpretation string          `json:"interpretation"`
	State          CorrectionState `json:"state"`
	LinkedTaskID   string          `json:"linked_task_id,omitempty"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type Store struct {
	db  *sql.DB
	bus *bus.Bus // may be nil in tests
}

func DefaultDBPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".conductor", "conductor.db")
}

func Open(path string, eventBus *bus.Bus) (*Store, error) {
	if path == "" {
		path = DefaultDBPath()
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	dsn := fmt.Sprintf("%s?_busy_timeout=5000&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite3: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	store := &Store{db: db, bus: eventBus}
	if err := store.configurePragmas(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := store.initSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) publish(topic string, payload interface{}) {
	if s.bus != nil {
		s.bus.Publish(topic, payload)
	}
}

// retryOnBusy retries f when SQLite returns BUSY or LOCKED, using exponential
// backoff with bounded jitter on top of the driver's busy_timeout.
func retryOnBusy(ctx context.Context, maxRetries int, f func() error) error {
	const baseDelay = 50 * time.Millisecond
	const maxDelay = 500 * time.Millisecond

	var err error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		err = f()
		if err == nil {
			return nil
		}
		if !isSQLiteBusy(err) {
			return err
		}
		if attempt == maxRetries {
			return err
		}
		delay := baseDelay << uint(attempt)
		if delay > maxDelay {
			delay = maxDelay
		}
		jitter := time.Duration(rand.Intn(int(delay / 2)))
		delay = delay - delay/4 + jitter

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}
	return err
}

// isSQLiteBusy checks if an error is a SQLite BUSY (5) or LOCKED (6) error.
func isSQLiteBusy(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "database is locked") ||
		strings.Contains(msg, "database table is locked") ||
		strings.Contains(msg, "(5)") ||
		strings.Contains(msg, "(6)")
}

func (s *Store) configurePragmas(ctx context.Context) error {
	pragma := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=FULL;",
	}
	for _, q := range pragma {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("set pragma %q: %w", q, err)
		}
	}
	return nil
}

func (s *Store) initSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version INTEGER PRIMARY KEY,
			checksum TEXT NOT NULL,
			applied_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var maxVersion int
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations;`).Scan(&maxVersion); err != nil {
		return fmt.Errorf("read migration max version: %w", err)
	}
	if maxVersion > schemaVersionLatest {
		return fmt.Errorf("db schema version %d is newer than supported %d", maxVersion, schemaVersionLatest)
	}

	if maxVersion == schemaVersionLatest {
		var existingChecksum string
		if err := tx.QueryRowContext(ctx, `SELECT checksum FROM schema_migrations WHERE version = ?;`, schemaVersionLatest).Scan(&existingChecksum); err != nil {
			return fmt.Errorf("read schema migration checksum: %w", err)
		}
		if existingChecksum != schemaChecksumLatest {
			return fmt.Errorf("schema checksum mismatch for version %d: got %q want %q", schemaVersionLatest, existingChecksum, schemaChecksumLatest)
		}
		return tx.Commit()
	}

	if err := createSchemaV1(ctx, tx); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO schema_migrations (version, checksum) VALUES (?, ?);
	`, schemaVersionV1, schemaChecksumV1); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration tx: %w", err)
	}
	return nil
}

func createSchemaV1(ctx context.Context, tx *sql.Tx) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS projects (
			id TEXT PRIMARY KEY,
			brief TEXT NOT NULL,
			status TEXT NOT NULL,
			phase_history TEXT NOT NULL DEFAULT '[]',
			archived INTEGER NOT NULL DEFAULT 0,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS tasks (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			description TEXT NOT NULL,
			capability TEXT NOT NULL,
			phase TEXT NOT NULL,
			depends_on TEXT NOT NULL DEFAULT '[]',
			concurrency_group TEXT NOT NULL DEFAULT '',
			serial_gate INTEGER NOT NULL DEFAULT 0,
			state TEXT NOT NULL,
			assigned_worker_id TEXT,
			retries_used INTEGER NOT NULL DEFAULT 0,
			result TEXT,
			last_error TEXT,
			failure_signature TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE INDEX IF NOT EXISTS idx_tasks_project_state ON tasks(project_id, state);`,
		`CREATE TABLE IF NOT EXISTS workers (
			id TEXT PRIMARY KEY,
			capabilities TEXT NOT NULL DEFAULT '[]',
			availability TEXT NOT NULL DEFAULT 'idle',
			current_task_id TEXT,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS activity_log (
			project_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			actor TEXT NOT NULL,
			category TEXT NOT NULL,
			message TEXT NOT NULL,
			PRIMARY KEY (project_id, seq)
		);`,
		`CREATE TABLE IF NOT EXISTS trigger_events (
			id TEXT PRIMARY KEY,
			rule_id TEXT NOT NULL,
			project_id TEXT NOT NULL,
			severity TEXT NOT NULL,
			payload TEXT NOT NULL DEFAULT '',
			first_seen DATETIME NOT NULL,
			last_seen DATETIME NOT NULL,
			occurrence_count INTEGER NOT NULL DEFAULT 1,
			resolved INTEGER NOT NULL DEFAULT 0
		);`,
		`CREATE INDEX IF NOT EXISTS idx_trigger_open ON trigger_events(project_id, rule_id, resolved);`,
		`CREATE TABLE IF NOT EXISTS knowledge_snapshots (
			domain TEXT NOT NULL,
			version INTEGER NOT NULL,
			effective_at DATETIME NOT NULL,
			summary TEXT NOT NULL,
			PRIMARY KEY (domain, version)
		);`,
		`CREATE TABLE IF NOT EXISTS correction_requests (
			id TEXT PRIMARY KEY,
			project_id TEXT NOT NULL REFERENCES projects(id),
			raw_text TEXT NOT NULL,
			interpretation TEXT NOT NULL DEFAULT '',
			state TEXT NOT NULL,
			linked_task_id TEXT,
			created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
		`CREATE TABLE IF NOT EXISTS completion_reports (
			task_id TEXT NOT NULL,
			worker_attempt_id TEXT NOT NULL,
			outcome TEXT NOT NULL,
			received_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
			PRIMARY KEY (task_id, worker_attempt_id)
		);`,
		`CREATE TABLE IF NOT EXISTS kv (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL,
			updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
		);`,
	}
	for _, stmt := range stmts {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create schema: %w", err)
		}
	}
	return nil
}
