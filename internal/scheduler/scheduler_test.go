package scheduler

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/config"
	"github.com/basket/go-conductor/internal/persistence"
	"github.com/basket/go-conductor/internal/router"
)

func testConfig() config.Config {
	return config.Config{
		Capabilities: []config.CapabilityConfig{
			{Tag: "engineering"},
			{Tag: "frontend", Parent: "engineering"},
			{Tag: "backend", Parent: "engineering"},
		},
		Scheduler: config.SchedulerConfig{
			DefaultRetryBudget:    2,
			DefaultTimeoutSeconds: 3600,
			StaleThresholdMinutes: 120,
			DrainTimeoutSeconds:   0,
		},
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, *persistence.Store) {
	t.Helper()
	b := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "conductor.db"), b)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	cfg := testConfig()
	s := New(Config{
		Store:  store,
		Bus:    b,
		Router: router.New(cfg.Capabilities),
		Conf:   cfg,
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	})
	return s, store
}

// seedDiamond inserts tasks a and b with no dependencies and c depending on
// both, plus two workers covering the needed capabilities.
func seedDiamond(t *testing.T, store *persistence.Store) (projectID string, a, b, c persistence.Task) {
	t.Helper()
	ctx := context.Background()
	projectID, err := store.CreateProject(ctx, "diamond project", persistence.ProjectExecution)
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	a = persistence.Task{ID: "task-a", ProjectID: projectID, Description: "a", Capability: "backend", Phase: "execution", State: persistence.TaskPending}
	b = persistence.Task{ID: "task-b", ProjectID: projectID, Description: "b", Capability: "frontend", Phase: "execution", State: persistence.TaskPending}
	c = persistence.Task{ID: "task-c", ProjectID: projectID, Description: "c", Capability: "backend", Phase: "execution", DependsOn: []string{"task-a", "task-b"}, State: persistence.TaskPending}
	if err := store.InsertGraph(ctx, projectID, []persistence.Task{a, b, c}); err != nil {
		t.Fatalf("insert graph: %v", err)
	}
	if err := store.UpsertWorker(ctx, "worker-1", []string{"backend"}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertWorker(ctx, "worker-2", []string{"frontend"}); err != nil {
		t.Fatal(err)
	}
	return projectID, a, b, c
}

func mustState(t *testing.T, store *persistence.Store, taskID string, want persistence.TaskState) *persistence.Task {
	t.Helper()
	task, err := store.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get %s: %v", taskID, err)
	}
	if task.State != want {
		t.Fatalf("%s state = %s, want %s", taskID, task.State, want)
	}
	return task
}

func complete(t *testing.T, s *Scheduler, store *persistence.Store, taskID, attemptID string) {
	t.Helper()
	ctx := context.Background()
	task, err := store.GetTask(ctx, taskID)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.StartTask(ctx, taskID, task.AssignedWorkerID); err != nil {
		t.Fatalf("start %s: %v", taskID, err)
	}
	if err := s.ReportCompletion(ctx, taskID, attemptID, persistence.OutcomeCompleted, `{"ok":true}`, ""); err != nil {
		t.Fatalf("complete %s: %v", taskID, err)
	}
}

func TestReconcile_DiamondRunsInOnePassThenGates(t *testing.T) {
	s, store := newTestScheduler(t)
	ctx := context.Background()
	projectID, _, _, _ := seedDiamond(t, store)

	s.Reconcile(ctx, projectID)

	// Both independent tasks picked up in the same pass by distinct workers.
	taskA := mustState(t, store, "task-a", persistence.TaskAssigned)
	taskB := mustState(t, store, "task-b", persistence.TaskAssigned)
	if taskA.AssignedWorkerID == taskB.AssignedWorkerID {
		t.Fatalf("both tasks on worker %s, want distinct workers", taskA.AssignedWorkerID)
	}
	mustState(t, store, "task-c", persistence.TaskPending)

	// One dependency done is not enough.
	complete(t, s, store, "task-a", "attempt-a1")
	s.Reconcile(ctx, projectID)
	mustState(t, store, "task-c", persistence.TaskPending)

	complete(t, s, store, "task-b", "attempt-b1")
	s.Reconcile(ctx, projectID)
	mustState(t, store, "task-c", persistence.TaskAssigned)
}

func TestReconcile_FanOutPromotesSiblingsTogether(t *testing.T) {
	s, store := newTestScheduler(t)
	ctx := context.Background()

	projectID, err := store.CreateProject(ctx, "fan-out project", persistence.ProjectExecution)
	if err != nil {
		t.Fatal(err)
	}
	tasks := []persistence.Task{
		{ID: "root", ProjectID: projectID, Description: "root", Capability: "backend", Phase: "execution", State: persistence.TaskPending},
		{ID: "left", ProjectID: projectID, Description: "left", Capability: "backend", Phase: "execution", ConcurrencyGroup: "pair", DependsOn: []string{"root"}, State: persistence.TaskPending},
		{ID: "right", ProjectID: projectID, Description: "right", Capability: "frontend", Phase: "execution", ConcurrencyGroup: "pair", DependsOn: []string{"root"}, State: persistence.TaskPending},
	}
	if err := store.InsertGraph(ctx, projectID, tasks); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertWorker(ctx, "worker-1", []string{"backend"}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertWorker(ctx, "worker-2", []string{"frontend"}); err != nil {
		t.Fatal(err)
	}

	s.Reconcile(ctx, projectID)
	mustState(t, store, "left", persistence.TaskPending)
	mustState(t, store, "right", persistence.TaskPending)

	// Completing the shared dependency promotes both siblings in one pass.
	complete(t, s, store, "root", "attempt-r1")
	s.Reconcile(ctx, projectID)
	left := mustState(t, store, "left", persistence.TaskAssigned)
	right := mustState(t, store, "right", persistence.TaskAssigned)
	if left.AssignedWorkerID == right.AssignedWorkerID {
		t.Fatalf("siblings share worker %s, want independent assignment", left.AssignedWorkerID)
	}
}

func TestReconcile_AssignmentIsInjective(t *testing.T) {
	s, store := newTestScheduler(t)
	ctx := context.Background()

	projectID, err := store.CreateProject(ctx, "one worker, two tasks", persistence.ProjectExecution)
	if err != nil {
		t.Fatal(err)
	}
	tasks := []persistence.Task{
		{ID: "t1", ProjectID: projectID, Description: "t1", Capability: "backend", Phase: "execution", State: persistence.TaskPending},
		{ID: "t2", ProjectID: projectID, Description: "t2", Capability: "backend", Phase: "execution", State: persistence.TaskPending},
	}
	if err := store.InsertGraph(ctx, projectID, tasks); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertWorker(ctx, "solo", []string{"backend"}); err != nil {
		t.Fatal(err)
	}

	s.Reconcile(ctx, projectID)

	assignments, err := store.InProgressAssignments(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if len(assignments) > 1 {
		t.Fatalf("assignments = %v, one worker can hold at most one task", assignments)
	}
	assigned := 0
	for _, id := range []string{"t1", "t2"} {
		task, _ := store.GetTask(ctx, id)
		if task.State == persistence.TaskAssigned {
			assigned++
		}
	}
	if assigned != 1 {
		t.Fatalf("assigned tasks = %d, want exactly 1", assigned)
	}
}

func TestReconcile_SerialGateWaitsForWholePhase(t *testing.T) {
	s, store := newTestScheduler(t)
	ctx := context.Background()

	projectID, err := store.CreateProject(ctx, "gated project", persistence.ProjectExecution)
	if err != nil {
		t.Fatal(err)
	}
	tasks := []persistence.Task{
		{ID: "exec-1", ProjectID: projectID, Description: "x", Capability: "backend", Phase: "execution", State: persistence.TaskPending},
		{ID: "exec-2", ProjectID: projectID, Description: "y", Capability: "backend", Phase: "execution", State: persistence.TaskPending},
		// Gated task depends only on exec-1 but must still wait for exec-2.
		{ID: "gate", ProjectID: projectID, Description: "v", Capability: "backend", Phase: "validation", SerialGate: true, DependsOn: []string{"exec-1"}, State: persistence.TaskPending},
	}
	if err := store.InsertGraph(ctx, projectID, tasks); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertWorker(ctx, "w", []string{"backend"}); err != nil {
		t.Fatal(err)
	}

	s.Reconcile(ctx, projectID)
	complete(t, s, store, "exec-1", "a1")
	s.Reconcile(ctx, projectID)
	mustState(t, store, "gate", persistence.TaskPending)

	complete(t, s, store, "exec-2", "a2")
	s.Reconcile(ctx, projectID)
	mustState(t, store, "gate", persistence.TaskAssigned)
}

func TestHandleFailed_RetriesWithinBudgetThenParks(t *testing.T) {
	s, store := newTestScheduler(t)
	ctx := context.Background()

	projectID, err := store.CreateProject(ctx, "flaky project", persistence.ProjectExecution)
	if err != nil {
		t.Fatal(err)
	}
	task := persistence.Task{ID: "flaky", ProjectID: projectID, Description: "f", Capability: "backend", Phase: "execution", State: persistence.TaskPending}
	if err := store.InsertGraph(ctx, projectID, []persistence.Task{task}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertWorker(ctx, "w", []string{"backend"}); err != nil {
		t.Fatal(err)
	}

	// Budget is 2: two retries succeed in re-queueing, the third failure parks.
	for attempt := 0; attempt < 3; attempt++ {
		s.Reconcile(ctx, projectID)
		got, err := store.GetTask(ctx, "flaky")
		if err != nil {
			t.Fatal(err)
		}
		if got.State != persistence.TaskAssigned {
			t.Fatalf("attempt %d: state = %s, want assigned", attempt, got.State)
		}
		if err := s.StartTask(ctx, "flaky", got.AssignedWorkerID); err != nil {
			t.Fatal(err)
		}
		if err := s.ReportCompletion(ctx, "flaky", "attempt-"+string(rune('a'+attempt)), persistence.OutcomeFailed, "", "backend|boom"); err != nil {
			t.Fatal(err)
		}
	}

	s.Reconcile(ctx, projectID)
	got := mustState(t, store, "flaky", persistence.TaskFailedPermanent)
	if got.RetriesUsed != 2 {
		t.Errorf("retries_used = %d, want 2", got.RetriesUsed)
	}

	// Parked tasks surface in the feed.
	entries, err := store.ListActivityFrom(ctx, projectID, 0, 1000)
	if err != nil {
		t.Fatal(err)
	}
	found := false
	for _, e := range entries {
		if e.Category == "blocked_needs_attention" {
			found = true
		}
	}
	if !found {
		t.Error("no blocked_needs_attention activity entry")
	}
}

func TestBlockTask_RecoveryRequeues(t *testing.T) {
	s, store := newTestScheduler(t)
	ctx := context.Background()

	projectID, err := store.CreateProject(ctx, "blocked project", persistence.ProjectExecution)
	if err != nil {
		t.Fatal(err)
	}
	task := persistence.Task{ID: "stuck", ProjectID: projectID, Description: "s", Capability: "backend", Phase: "execution", State: persistence.TaskPending}
	if err := store.InsertGraph(ctx, projectID, []persistence.Task{task}); err != nil {
		t.Fatal(err)
	}

	// No workers yet: the task goes ready but stays unassigned.
	s.Reconcile(ctx, projectID)
	mustState(t, store, "stuck", persistence.TaskReady)

	if err := s.BlockTask(ctx, "stuck", "code_generation chain exhausted"); err != nil {
		t.Fatal(err)
	}
	mustState(t, store, "stuck", persistence.TaskBlocked)

	s.unblockAll(ctx)
	mustState(t, store, "stuck", persistence.TaskReady)
}

func TestHandleTimeouts_SilentTaskFailsAndRetries(t *testing.T) {
	s, store := newTestScheduler(t)
	ctx := context.Background()
	projectID, _, _, _ := seedDiamond(t, store)

	s.Reconcile(ctx, projectID)
	taskA := mustState(t, store, "task-a", persistence.TaskAssigned)
	if err := s.StartTask(ctx, "task-a", taskA.AssignedWorkerID); err != nil {
		t.Fatal(err)
	}

	// Backdate the last state change past the capability timeout.
	if _, err := store.DB().ExecContext(ctx,
		`UPDATE tasks SET updated_at = datetime('now', '-2 hours') WHERE id = 'task-a';`); err != nil {
		t.Fatal(err)
	}

	if err := s.handleTimeouts(ctx, projectID); err != nil {
		t.Fatal(err)
	}
	mustState(t, store, "task-a", persistence.TaskFailed)

	// Worker freed for the next assignment, task retried within budget.
	worker, err := store.GetWorker(ctx, taskA.AssignedWorkerID)
	if err != nil {
		t.Fatal(err)
	}
	if worker.Availability != persistence.WorkerIdle {
		t.Errorf("worker availability = %s, want idle", worker.Availability)
	}
	s.Reconcile(ctx, projectID)
	mustState(t, store, "task-a", persistence.TaskAssigned)
}

func TestHandleTimeouts_LostWorkerRequeuesWithoutRetry(t *testing.T) {
	s, store := newTestScheduler(t)
	ctx := context.Background()
	projectID, _, _, _ := seedDiamond(t, store)

	s.Reconcile(ctx, projectID)
	taskA := mustState(t, store, "task-a", persistence.TaskAssigned)
	lostWorker := taskA.AssignedWorkerID

	// The worker never sends a started report. Backdate the assignment past
	// the capability timeout.
	if _, err := store.DB().ExecContext(ctx,
		`UPDATE tasks SET updated_at = datetime('now', '-2 hours') WHERE id = 'task-a';`); err != nil {
		t.Fatal(err)
	}

	if err := s.handleTimeouts(ctx, projectID); err != nil {
		t.Fatal(err)
	}

	// Requeued, not failed: no retry spent, reservation cleared, worker freed.
	got := mustState(t, store, "task-a", persistence.TaskReady)
	if got.AssignedWorkerID != "" {
		t.Errorf("assigned worker = %q, want cleared", got.AssignedWorkerID)
	}
	if got.RetriesUsed != 0 {
		t.Errorf("retries_used = %d, want 0", got.RetriesUsed)
	}
	worker, err := store.GetWorker(ctx, lostWorker)
	if err != nil {
		t.Fatal(err)
	}
	if worker.Availability != persistence.WorkerIdle || worker.CurrentTaskID != "" {
		t.Errorf("worker = %+v, want idle with no task", worker)
	}

	s.Reconcile(ctx, projectID)
	mustState(t, store, "task-a", persistence.TaskAssigned)
}

func TestPauseProject_SoftCancelAndDrain(t *testing.T) {
	s, store := newTestScheduler(t)
	ctx := context.Background()
	projectID, _, _, _ := seedDiamond(t, store)

	s.Reconcile(ctx, projectID)
	taskA := mustState(t, store, "task-a", persistence.TaskAssigned)
	if err := s.StartTask(ctx, "task-a", taskA.AssignedWorkerID); err != nil {
		t.Fatal(err)
	}

	if err := s.PauseProject(ctx, projectID); err != nil {
		t.Fatalf("pause: %v", err)
	}

	// Assigned and pending work is cancelled immediately; the in_progress
	// task is force-cancelled once the (zero) drain grace expires.
	mustState(t, store, "task-b", persistence.TaskCancelled)
	mustState(t, store, "task-c", persistence.TaskCancelled)
	mustState(t, store, "task-a", persistence.TaskCancelled)

	project, err := store.GetProject(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if project.Status != persistence.ProjectPaused {
		t.Errorf("project status = %s, want paused", project.Status)
	}
}

func TestReportCompletion_RedeliveryIsNoOp(t *testing.T) {
	s, store := newTestScheduler(t)
	ctx := context.Background()
	projectID, _, _, _ := seedDiamond(t, store)

	s.Reconcile(ctx, projectID)
	complete(t, s, store, "task-a", "attempt-1")

	_, before, err := store.ActivityBounds(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	// Same (task, attempt) delivered again.
	if err := s.ReportCompletion(ctx, "task-a", "attempt-1", persistence.OutcomeCompleted, `{"ok":true}`, ""); err != nil {
		t.Fatal(err)
	}
	_, after, err := store.ActivityBounds(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if after != before {
		t.Errorf("activity advanced from %d to %d on redelivered report", before, after)
	}
	mustState(t, store, "task-a", persistence.TaskCompleted)
}

func TestReportCompletion_AcceptsReportBeforeStart(t *testing.T) {
	s, store := newTestScheduler(t)
	ctx := context.Background()
	projectID, _, _, _ := seedDiamond(t, store)

	s.Reconcile(ctx, projectID)
	taskA := mustState(t, store, "task-a", persistence.TaskAssigned)

	// Completion report with no preceding started report.
	if err := s.ReportCompletion(ctx, "task-a", "attempt-1", persistence.OutcomeCompleted, `{"ok":true}`, ""); err != nil {
		t.Fatal(err)
	}
	mustState(t, store, "task-a", persistence.TaskCompleted)
	worker, err := store.GetWorker(ctx, taskA.AssignedWorkerID)
	if err != nil {
		t.Fatal(err)
	}
	if worker.Availability != persistence.WorkerIdle {
		t.Errorf("worker availability = %s, want idle", worker.Availability)
	}

	// Redelivery of the same attempt stays a no-op.
	if err := s.ReportCompletion(ctx, "task-a", "attempt-1", persistence.OutcomeCompleted, `{"ok":true}`, ""); err != nil {
		t.Fatal(err)
	}
	mustState(t, store, "task-a", persistence.TaskCompleted)
}

type recordingObserver struct {
	calls []string
}

func (r *recordingObserver) Observe(_ context.Context, projectID, category, signature string) (*persistence.TriggerEvent, error) {
	r.calls = append(r.calls, category+":"+signature)
	return nil, nil
}

func TestReportCompletion_FailureFeedsObserver(t *testing.T) {
	s, store := newTestScheduler(t)
	obs := &recordingObserver{}
	s.observer = obs
	ctx := context.Background()
	projectID, _, _, _ := seedDiamond(t, store)

	s.Reconcile(ctx, projectID)
	taskA := mustState(t, store, "task-a", persistence.TaskAssigned)
	if err := s.StartTask(ctx, "task-a", taskA.AssignedWorkerID); err != nil {
		t.Fatal(err)
	}
	if err := s.ReportCompletion(ctx, "task-a", "attempt-1", persistence.OutcomeFailed, "", "backend|timeout"); err != nil {
		t.Fatal(err)
	}

	if len(obs.calls) != 1 || obs.calls[0] != "task_failed:backend|timeout" {
		t.Errorf("observer calls = %v", obs.calls)
	}
}

func TestProjectCompletion_MarksDeployed(t *testing.T) {
	s, store := newTestScheduler(t)
	ctx := context.Background()

	projectID, err := store.CreateProject(ctx, "tiny project", persistence.ProjectExecution)
	if err != nil {
		t.Fatal(err)
	}
	task := persistence.Task{ID: "only", ProjectID: projectID, Description: "o", Capability: "backend", Phase: "deployment", State: persistence.TaskPending}
	if err := store.InsertGraph(ctx, projectID, []persistence.Task{task}); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertWorker(ctx, "w", []string{"backend"}); err != nil {
		t.Fatal(err)
	}

	s.Reconcile(ctx, projectID)
	complete(t, s, store, "only", "a1")
	s.Reconcile(ctx, projectID)

	project, err := store.GetProject(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if project.Status != persistence.ProjectDeployed {
		t.Errorf("status = %s, want deployed", project.Status)
	}
}

func TestEventLoop_BackendRecoveryUnblocks(t *testing.T) {
	s, store := newTestScheduler(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	projectID, err := store.CreateProject(ctx, "recovery project", persistence.ProjectExecution)
	if err != nil {
		t.Fatal(err)
	}
	task := persistence.Task{ID: "waiting", ProjectID: projectID, Description: "w", Capability: "backend", Phase: "execution", State: persistence.TaskPending}
	if err := store.InsertGraph(ctx, projectID, []persistence.Task{task}); err != nil {
		t.Fatal(err)
	}
	s.Reconcile(ctx, projectID)
	if err := s.BlockTask(ctx, "waiting", "exhausted"); err != nil {
		t.Fatal(err)
	}

	s.wg.Add(1)
	go s.eventLoop(ctx)
	// Give the subscription a moment to register before publishing.
	time.Sleep(20 * time.Millisecond)
	s.bus.Publish(bus.TopicBackendRecovered, bus.BackendRecoveredEvent{Backend: "primary"})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		got, err := store.GetTask(ctx, "waiting")
		if err != nil {
			t.Fatal(err)
		}
		if got.State == persistence.TaskReady {
			cancel()
			s.wg.Wait()
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("blocked task never requeued after recovery event")
}
