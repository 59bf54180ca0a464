// Package correction handles mid-execution change requests. A request is
// stored as proposed with the coordinator's restated interpretation and
// touches nothing until it is confirmed; rejection leaves the task graph
// byte-identical.
package correction

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/graph"
	"github.com/basket/go-conductor/internal/persistence"
	"github.com/basket/go-conductor/internal/shared"
)

type Manager struct {
	store   *persistence.Store
	builder *graph.Builder
	bus     *bus.Bus
	logger  *slog.Logger

	// kick asks the scheduler to reconcile a project after an applied
	// correction. Optional.
	kick func(projectID string)
}

func NewManager(store *persistence.Store, builder *graph.Builder, b *bus.Bus, logger *slog.Logger) *Manager {
	return &Manager{
		store:   store,
		builder: builder,
		bus:     b,
		logger:  logger.With("component", "correction_manager"),
	}
}

// OnApply registers the scheduler kick callback.
func (m *Manager) OnApply(fn func(projectID string)) { m.kick = fn }

// Submit stores a proposed correction and returns its id together with the
// restated interpretation the user is asked to confirm.
func (m *Manager) Submit(ctx context.Context, projectID, rawText string) (string, string, error) {
	text := strings.TrimSpace(rawText)
	if text == "" {
		return "", "", &shared.ValidationError{Field: "correction", Reason: "empty"}
	}
	if _, err := m.store.GetProject(ctx, projectID); err != nil {
		return "", "", err
	}

	capability := interpretCapability(text)
	interpretation := fmt.Sprintf("add a %s task: %s", capability, text)

	id, err := m.store.CreateCorrection(ctx, projectID, text, interpretation)
	if err != nil {
		return "", "", err
	}
	m.logger.Info("correction proposed", "correction_id", id, "project_id", projectID)
	return id, interpretation, nil
}

// interpretCapability maps the request wording onto a catalog tag, falling
// back to the engineering root.
func interpretCapability(text string) string {
	lower := strings.ToLower(text)
	for _, tag := range []string{"frontend", "backend", "testing", "security", "documentation", "devops"} {
		if strings.Contains(lower, tag) {
			return tag
		}
	}
	return "engineering"
}

// Confirm moves a proposed correction to confirmed and synchronously applies
// it: a new task enters the graph through the builder and the correction
// links to it.
func (m *Manager) Confirm(ctx context.Context, correctionID string) (*persistence.CorrectionRequest, error) {
	req, err := m.store.GetCorrection(ctx, correctionID)
	if err != nil {
		return nil, err
	}
	if err := m.store.TransitionCorrection(ctx, correctionID, persistence.CorrectionConfirmed, ""); err != nil {
		return nil, err
	}

	capability := interpretCapability(req.RawText)
	task, err := m.builder.NewCorrectionTask(req.ProjectID, capability, req.Interpretation)
	if err != nil {
		return nil, err
	}

	// The combined graph must stay a DAG before anything is persisted.
	existing, err := m.store.ListProjectTasks(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if err := graph.CheckDAG(append(existing, task)); err != nil {
		return nil, err
	}

	if err := m.store.InsertTask(ctx, task, "correction_task_added", task.Description); err != nil {
		return nil, err
	}
	if err := m.store.TransitionCorrection(ctx, correctionID, persistence.CorrectionApplied, task.ID); err != nil {
		return nil, err
	}
	if m.bus != nil {
		m.bus.Publish(bus.TopicCorrectionApplied, bus.TaskStateChangedEvent{
			TaskID:    task.ID,
			ProjectID: req.ProjectID,
			NewState:  string(task.State),
		})
	}
	if m.kick != nil {
		m.kick(req.ProjectID)
	}
	m.logger.Info("correction applied", "correction_id", correctionID, "task_id", task.ID)
	return m.store.GetCorrection(ctx, correctionID)
}

// Reject closes a proposed correction without touching the graph.
func (m *Manager) Reject(ctx context.Context, correctionID string) error {
	return m.store.TransitionCorrection(ctx, correctionID, persistence.CorrectionRejected, "")
}

// List returns a project's corrections, newest first.
func (m *Manager) List(ctx context.Context, projectID string) ([]persistence.CorrectionRequest, error) {
	return m.store.ListCorrections(ctx, projectID)
}
