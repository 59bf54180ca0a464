// Package scheduler drives task execution for active projects. Each project
// gets one serialized reconcile loop; all state mutation goes through the
// store's guarded transitions, so a crash mid-loop never corrupts the graph.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/config"
	"github.com/basket/go-conductor/internal/graph"
	"github.com/basket/go-conductor/internal/persistence"
	"github.com/basket/go-conductor/internal/router"
)

// Observer receives categorized failure and staleness observations. The
// trigger engine satisfies this.
type Observer interface {
	Observe(ctx context.Context, projectID, category, signature string) (*persistence.TriggerEvent, error)
}

// Config holds the scheduler's collaborators and tunables.
type Config struct {
	Store    *persistence.Store
	Bus      *bus.Bus
	Router   *router.Router
	Conf     config.Config
	Logger   *slog.Logger
	Observer Observer

	// PollInterval bounds how long a project waits for its next reconcile
	// when no event arrives. Defaults to 500ms.
	PollInterval time.Duration
}

type projectLoop struct {
	cancel context.CancelFunc
	kick   chan struct{}
}

type Scheduler struct {
	store    *persistence.Store
	bus      *bus.Bus
	router   *router.Router
	conf     config.Config
	logger   *slog.Logger
	observer Observer
	poll     time.Duration

	mu    sync.Mutex
	loops map[string]*projectLoop
	wg    sync.WaitGroup

	baseCtx context.Context
	cancel  context.CancelFunc
}

func New(cfg Config) *Scheduler {
	poll := cfg.PollInterval
	if poll <= 0 {
		poll = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:    cfg.Store,
		bus:      cfg.Bus,
		router:   cfg.Router,
		conf:     cfg.Conf,
		logger:   logger.With("component", "scheduler"),
		observer: cfg.Observer,
		poll:     poll,
		loops:    make(map[string]*projectLoop),
	}
}

// Start resumes loops for every active project and begins the global event
// and sweep loops. Called once at daemon startup after the store opens.
func (s *Scheduler) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)
	s.baseCtx = ctx

	projects, err := s.store.ListActiveProjects(ctx)
	if err != nil {
		return fmt.Errorf("list active projects: %w", err)
	}
	for _, p := range projects {
		s.StartProject(ctx, p.ID)
	}

	s.wg.Add(2)
	go s.eventLoop(ctx)
	go s.sweepLoop(ctx)
	s.logger.Info("scheduler started", "projects", len(projects))
	return nil
}

// Stop cancels every loop and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.logger.Info("scheduler stopped")
}

// StartProject begins (or restarts) the reconcile loop for one project. The
// loop is anchored to the scheduler's own lifetime, never to a caller's
// request context.
func (s *Scheduler) StartProject(ctx context.Context, projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, running := s.loops[projectID]; running {
		return
	}
	if s.baseCtx != nil {
		ctx = s.baseCtx
	}
	loopCtx, cancel := context.WithCancel(ctx)
	loop := &projectLoop{cancel: cancel, kick: make(chan struct{}, 1)}
	s.loops[projectID] = loop

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(loopCtx, projectID, loop.kick)
	}()
}

func (s *Scheduler) stopProject(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if loop, ok := s.loops[projectID]; ok {
		loop.cancel()
		delete(s.loops, projectID)
	}
}

// Kick requests an immediate reconcile for a project.
func (s *Scheduler) Kick(projectID string) {
	s.mu.Lock()
	loop, ok := s.loops[projectID]
	s.mu.Unlock()
	if !ok {
		return
	}
	select {
	case loop.kick <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run(ctx context.Context, projectID string, kick <-chan struct{}) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()

	s.Reconcile(ctx, projectID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-kick:
			s.Reconcile(ctx, projectID)
		case <-ticker.C:
			s.Reconcile(ctx, projectID)
		}
	}
}

// Reconcile runs one scheduling pass for a project: retry or park failed
// tasks, time out silent ones, promote the ready set, and assign workers.
func (s *Scheduler) Reconcile(ctx context.Context, projectID string) {
	if err := s.handleFailed(ctx, projectID); err != nil {
		s.logger.Error("reconcile failed-task pass", "project_id", projectID, "error", err)
	}
	if err := s.handleTimeouts(ctx, projectID); err != nil {
		s.logger.Error("reconcile timeout pass", "project_id", projectID, "error", err)
	}
	if err := s.promoteReady(ctx, projectID); err != nil {
		s.logger.Error("reconcile ready pass", "project_id", projectID, "error", err)
	}
	if err := s.assignReady(ctx, projectID); err != nil {
		s.logger.Error("reconcile assign pass", "project_id", projectID, "error", err)
	}
	if err := s.maybeAdvancePhase(ctx, projectID); err != nil {
		s.logger.Error("reconcile phase pass", "project_id", projectID, "error", err)
	}
}

// promoteReady moves pending tasks whose dependencies have all completed into
// ready. Serial-gated tasks additionally wait for every task of earlier
// phases to reach a terminal state.
func (s *Scheduler) promoteReady(ctx context.Context, projectID string) error {
	tasks, err := s.store.ListProjectTasks(ctx, projectID)
	if err != nil {
		return err
	}
	byID := make(map[string]persistence.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	for _, t := range tasks {
		if t.State != persistence.TaskPending {
			continue
		}
		if !depsCompleted(t, byID) {
			continue
		}
		if t.SerialGate && !earlierPhasesSettled(t, tasks) {
			continue
		}
		if _, err := s.store.TransitionTask(ctx, t.ID,
			[]persistence.TaskState{persistence.TaskPending}, persistence.TaskReady,
			"task_ready", "dependencies satisfied"); err != nil {
			return err
		}
	}
	return nil
}

func depsCompleted(t persistence.Task, byID map[string]persistence.Task) bool {
	for _, dep := range t.DependsOn {
		d, ok := byID[dep]
		if !ok || d.State != persistence.TaskCompleted {
			return false
		}
	}
	return true
}

func earlierPhasesSettled(t persistence.Task, tasks []persistence.Task) bool {
	rank := graph.PhaseRank(t.Phase)
	for _, other := range tasks {
		if graph.PhaseRank(other.Phase) >= rank {
			continue
		}
		if other.State != persistence.TaskCompleted && other.State != persistence.TaskCancelled {
			return false
		}
	}
	return true
}

// assignReady routes each ready task through the capability forest and
// reserves a worker. Assignment is injective: AssignTask refuses a worker
// that is not idle, so one worker never holds two tasks.
func (s *Scheduler) assignReady(ctx context.Context, projectID string) error {
	ready, err := s.store.ListTasksInState(ctx, projectID, persistence.TaskReady)
	if err != nil {
		return err
	}
	if len(ready) == 0 {
		return nil
	}
	workers, err := s.store.ListWorkers(ctx)
	if err != nil {
		return err
	}

	for _, t := range ready {
		worker, ok := s.router.MatchWorker(t.Capability, workers)
		if !ok {
			continue
		}
		assigned, err := s.store.AssignTask(ctx, t.ID, worker.ID)
		if err != nil {
			return err
		}
		if !assigned {
			continue
		}
		s.logger.Info("task assigned", "task_id", t.ID, "worker_id", worker.ID, "capability", t.Capability)
		for i := range workers {
			if workers[i].ID == worker.ID {
				workers[i].Availability = persistence.WorkerBusy
			}
		}
	}
	return nil
}

// handleFailed retries failed tasks inside their capability retry budget and
// parks the rest as failed_permanent, surfacing them for human attention.
func (s *Scheduler) handleFailed(ctx context.Context, projectID string) error {
	failed, err := s.store.ListTasksInState(ctx, projectID, persistence.TaskFailed)
	if err != nil {
		return err
	}
	for _, t := range failed {
		if t.RetriesUsed < s.conf.RetryBudget(t.Capability) {
			if _, err := s.store.RetryTask(ctx, t.ID); err != nil {
				return err
			}
			continue
		}
		if _, err := s.store.TransitionTask(ctx, t.ID,
			[]persistence.TaskState{persistence.TaskFailed}, persistence.TaskFailedPermanent,
			"blocked_needs_attention",
			fmt.Sprintf("retry budget exhausted after %d attempts: %s", t.RetriesUsed, t.LastError)); err != nil {
			return err
		}
		s.logger.Warn("task failed permanently", "task_id", t.ID, "retries", t.RetriesUsed)
	}
	return nil
}

// handleTimeouts fails in_progress tasks that have been silent past their
// capability timeout; the normal failed-task pass then retries them within
// budget. Assigned tasks whose worker never started are requeued instead of
// failed, releasing the lost worker without spending a retry.
func (s *Scheduler) handleTimeouts(ctx context.Context, projectID string) error {
	inProgress, err := s.store.ListTasksInState(ctx, projectID, persistence.TaskInProgress)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	for _, t := range inProgress {
		timeout := s.conf.TaskTimeout(t.Capability)
		if timeout <= 0 || now.Sub(t.UpdatedAt) < timeout {
			continue
		}
		moved, err := s.store.TransitionTask(ctx, t.ID,
			[]persistence.TaskState{persistence.TaskInProgress}, persistence.TaskFailed,
			"task_timeout", fmt.Sprintf("no report within %s", timeout))
		if err != nil {
			return err
		}
		if moved && t.AssignedWorkerID != "" {
			if err := s.store.ReleaseWorker(ctx, t.AssignedWorkerID); err != nil {
				return err
			}
		}
	}

	assigned, err := s.store.ListTasksInState(ctx, projectID, persistence.TaskAssigned)
	if err != nil {
		return err
	}
	for _, t := range assigned {
		timeout := s.conf.TaskTimeout(t.Capability)
		if timeout <= 0 || now.Sub(t.UpdatedAt) < timeout {
			continue
		}
		moved, err := s.store.RequeueTask(ctx, t.ID,
			fmt.Sprintf("worker %s never started within %s", t.AssignedWorkerID, timeout))
		if err != nil {
			return err
		}
		if moved {
			s.logger.Warn("worker lost before start", "task_id", t.ID, "worker_id", t.AssignedWorkerID)
		}
	}
	return nil
}

// maybeAdvancePhase moves the project status to deployed once the terminal
// deployment task completes.
func (s *Scheduler) maybeAdvancePhase(ctx context.Context, projectID string) error {
	tasks, err := s.store.ListProjectTasks(ctx, projectID)
	if err != nil {
		return err
	}
	if len(tasks) == 0 {
		return nil
	}
	allDone := true
	for _, t := range tasks {
		if t.State != persistence.TaskCompleted && t.State != persistence.TaskCancelled {
			allDone = false
			break
		}
	}
	if !allDone {
		return nil
	}
	project, err := s.store.GetProject(ctx, projectID)
	if err != nil {
		return err
	}
	if project.Status == persistence.ProjectDeployed || project.Status == persistence.ProjectPaused {
		return nil
	}
	if err := s.store.SetProjectStatus(ctx, projectID, persistence.ProjectDeployed); err != nil {
		return err
	}
	s.logger.Info("project deployed", "project_id", projectID)
	s.stopProject(projectID)
	return nil
}

// StartTask records a worker picking up its assignment.
func (s *Scheduler) StartTask(ctx context.Context, taskID, workerID string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.AssignedWorkerID != workerID {
		return fmt.Errorf("task %s is assigned to %q, not %q", taskID, task.AssignedWorkerID, workerID)
	}
	moved, err := s.store.TransitionTask(ctx, taskID,
		[]persistence.TaskState{persistence.TaskAssigned}, persistence.TaskInProgress,
		"task_started", "worker "+workerID)
	if err != nil {
		return err
	}
	if !moved {
		return fmt.Errorf("task %s is not assigned", taskID)
	}
	return nil
}

// ReportCompletion applies one worker completion report. Reports are
// idempotent per (task_id, worker_attempt_id): redelivery is a no-op.
func (s *Scheduler) ReportCompletion(ctx context.Context, taskID, workerAttemptID, outcome, payload, failureSignature string) error {
	applied, err := s.store.RecordCompletion(ctx, taskID, workerAttemptID, outcome, payload, failureSignature)
	if err != nil {
		return err
	}
	if !applied {
		return nil
	}
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if outcome == persistence.OutcomeFailed && s.observer != nil {
		signature := failureSignature
		if signature == "" {
			signature = task.Capability + "|unknown"
		}
		if _, err := s.observer.Observe(ctx, task.ProjectID, "task_failed", signature); err != nil {
			s.logger.Error("failure observation", "task_id", taskID, "error", err)
		}
	}
	s.Kick(task.ProjectID)
	return nil
}

// BlockTask parks a task when its backend chain is exhausted. The condition
// is expected to clear; recovery events move blocked tasks back to ready.
func (s *Scheduler) BlockTask(ctx context.Context, taskID, reason string) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	moved, err := s.store.TransitionTask(ctx, taskID,
		[]persistence.TaskState{persistence.TaskReady, persistence.TaskInProgress}, persistence.TaskBlocked,
		"task_blocked", reason)
	if err != nil {
		return err
	}
	if moved && task.AssignedWorkerID != "" {
		return s.store.ReleaseWorker(ctx, task.AssignedWorkerID)
	}
	return nil
}

// unblockAll moves every blocked task of every active project back to ready
// after a recovery event.
func (s *Scheduler) unblockAll(ctx context.Context) {
	projects, err := s.store.ListActiveProjects(ctx)
	if err != nil {
		s.logger.Error("list projects for unblock", "error", err)
		return
	}
	for _, p := range projects {
		blocked, err := s.store.ListTasksInState(ctx, p.ID, persistence.TaskBlocked)
		if err != nil {
			s.logger.Error("list blocked tasks", "project_id", p.ID, "error", err)
			continue
		}
		for _, t := range blocked {
			if _, err := s.store.TransitionTask(ctx, t.ID,
				[]persistence.TaskState{persistence.TaskBlocked}, persistence.TaskReady,
				"task_unblocked", "backend recovered"); err != nil {
				s.logger.Error("unblock task", "task_id", t.ID, "error", err)
			}
		}
		s.Kick(p.ID)
	}
}

// PauseProject soft-cancels pending and ready tasks immediately, lets
// in_progress work drain within the grace timeout, then force-cancels the
// rest and releases their workers.
func (s *Scheduler) PauseProject(ctx context.Context, projectID string) error {
	if err := s.store.SetProjectStatus(ctx, projectID, persistence.ProjectPaused); err != nil {
		return err
	}
	s.stopProject(projectID)
	s.bus.Publish(bus.TopicProjectPaused, projectID)

	for _, state := range []persistence.TaskState{persistence.TaskPending, persistence.TaskReady, persistence.TaskBlocked, persistence.TaskAssigned} {
		tasks, err := s.store.ListTasksInState(ctx, projectID, state)
		if err != nil {
			return err
		}
		for _, t := range tasks {
			if _, err := s.store.TransitionTask(ctx, t.ID,
				[]persistence.TaskState{state}, persistence.TaskCancelled,
				"task_cancelled", "project paused"); err != nil {
				return err
			}
			if t.AssignedWorkerID != "" {
				if err := s.store.ReleaseWorker(ctx, t.AssignedWorkerID); err != nil {
					return err
				}
			}
		}
	}

	drain := time.Duration(s.conf.Scheduler.DrainTimeoutSeconds) * time.Second
	deadline := time.Now().Add(drain)
	for {
		inProgress, err := s.store.ListTasksInState(ctx, projectID, persistence.TaskInProgress)
		if err != nil {
			return err
		}
		if len(inProgress) == 0 {
			return nil
		}
		if time.Now().After(deadline) {
			for _, t := range inProgress {
				if _, err := s.store.TransitionTask(ctx, t.ID,
					[]persistence.TaskState{persistence.TaskInProgress}, persistence.TaskCancelled,
					"task_cancelled", "drain timeout on pause"); err != nil {
					return err
				}
				if t.AssignedWorkerID != "" {
					if err := s.store.ReleaseWorker(ctx, t.AssignedWorkerID); err != nil {
						return err
					}
				}
			}
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(50 * time.Millisecond):
		}
	}
}

// ResumeProject restarts scheduling for a paused project. Cancelled tasks
// stay cancelled; only a new correction re-plans them.
func (s *Scheduler) ResumeProject(ctx context.Context, projectID string) error {
	if err := s.store.SetProjectStatus(ctx, projectID, persistence.ProjectExecution); err != nil {
		return err
	}
	s.StartProject(ctx, projectID)
	s.Kick(projectID)
	s.bus.Publish(bus.TopicProjectResumed, projectID)
	return nil
}

// eventLoop reacts to bus events that cross project boundaries.
func (s *Scheduler) eventLoop(ctx context.Context) {
	defer s.wg.Done()
	sub := s.bus.Subscribe("")
	defer s.bus.Unsubscribe(sub)

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Ch():
			if !ok {
				return
			}
			switch ev.Topic {
			case bus.TopicBackendRecovered, bus.TopicKnowledgeAvailable:
				s.unblockAll(ctx)
			case bus.TopicTaskCompleted:
				if change, ok := ev.Payload.(bus.TaskStateChangedEvent); ok {
					s.Kick(change.ProjectID)
				}
			}
		}
	}
}

// sweepLoop raises staleness observations for tasks with no state change
// past the configured threshold.
func (s *Scheduler) sweepLoop(ctx context.Context) {
	defer s.wg.Done()
	threshold := time.Duration(s.conf.Scheduler.StaleThresholdMinutes) * time.Minute
	if threshold <= 0 {
		return
	}
	interval := threshold / 4
	if interval > time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepStale(ctx, threshold)
		}
	}
}

func (s *Scheduler) sweepStale(ctx context.Context, threshold time.Duration) {
	if s.observer == nil {
		return
	}
	stale, err := s.store.StaleTasks(ctx, time.Now().UTC().Add(-threshold))
	if err != nil {
		if !errors.Is(err, context.Canceled) {
			s.logger.Error("stale sweep", "error", err)
		}
		return
	}
	for _, t := range stale {
		if _, err := s.observer.Observe(ctx, t.ProjectID, "task_stale", t.Capability+"|"+t.ID); err != nil {
			s.logger.Error("stale observation", "task_id", t.ID, "error", err)
		}
	}
}
