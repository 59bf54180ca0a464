package gateway_test

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"

	"github.com/basket/go-conductor/internal/broadcaster"
	"github.com/basket/go-conductor/internal/bus"
	"github.com/basket/go-conductor/internal/config"
	"github.com/basket/go-conductor/internal/correction"
	"github.com/basket/go-conductor/internal/estimator"
	"github.com/basket/go-conductor/internal/gateway"
	"github.com/basket/go-conductor/internal/graph"
	"github.com/basket/go-conductor/internal/persistence"
	"github.com/basket/go-conductor/internal/router"
	"github.com/basket/go-conductor/internal/scheduler"
	"github.com/basket/go-conductor/internal/trigger"
)

const testAuthToken = "gateway-test-token"

type gatewayFixture struct {
	store *persistence.Store
	sched *scheduler.Scheduler
	ts    *httptest.Server
}

func testCatalog() []config.CapabilityConfig {
	return []config.CapabilityConfig{
		{Tag: "coordination", Phase: "planning"},
		{Tag: "engineering", Phase: "execution"},
		{Tag: "frontend", Parent: "engineering", Phase: "execution"},
		{Tag: "backend", Parent: "engineering", Phase: "execution"},
		{Tag: "quality", Phase: "validation"},
		{Tag: "testing", Parent: "quality", Phase: "validation"},
		{Tag: "security", Parent: "quality", Phase: "validation"},
		{Tag: "documentation", Phase: "documentation"},
		{Tag: "devops", Phase: "deployment"},
	}
}

func newFixture(t *testing.T) *gatewayFixture {
	t.Helper()
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "conductor.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	cfg := config.Config{
		Capabilities: testCatalog(),
		Scheduler: config.SchedulerConfig{
			DefaultRetryBudget:    2,
			DefaultTimeoutSeconds: 3600,
			StaleThresholdMinutes: 120,
		},
	}
	builder := graph.NewBuilder(cfg.Capabilities)
	sched := scheduler.New(scheduler.Config{
		Store:  store,
		Bus:    eventBus,
		Router: router.New(cfg.Capabilities),
		Conf:   cfg,
		Logger: logger,
	})
	corrections := correction.NewManager(store, builder, eventBus, logger)
	triggers := trigger.NewEngine(store, nil, logger)

	srv := gateway.New(gateway.Config{
		Store:       store,
		Bus:         eventBus,
		Scheduler:   sched,
		Builder:     builder,
		Estimator:   estimator.LOCModel{},
		Corrections: corrections,
		Triggers:    triggers,
		Broadcaster: broadcaster.New(store, eventBus, logger),
		Logger:      logger,
		AuthToken:   testAuthToken,
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &gatewayFixture{store: store, sched: sched, ts: ts}
}

func (f *gatewayFixture) do(t *testing.T, method, path, body string) (*http.Response, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, f.ts.URL+path, strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	req.Header.Set("Authorization", "Bearer "+testAuthToken)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	raw, _ := io.ReadAll(resp.Body)
	var decoded map[string]any
	_ = json.Unmarshal(raw, &decoded)
	return resp, decoded
}

func TestAuth_RejectsMissingAndWrongToken(t *testing.T) {
	f := newFixture(t)

	resp, err := http.Post(f.ts.URL+"/v1/projects", "application/json", strings.NewReader(`{"brief":"x"}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("missing token status = %d, want 401", resp.StatusCode)
	}

	req, _ := http.NewRequest(http.MethodGet, f.ts.URL+"/v1/status", nil)
	req.Header.Set("Authorization", "Bearer wrong-token")
	resp, err = http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("wrong token status = %d, want 401", resp.StatusCode)
	}
}

func TestHealthz_NoAuthNeeded(t *testing.T) {
	f := newFixture(t)
	resp, err := http.Get(f.ts.URL + "/healthz")
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", resp.StatusCode)
	}
}

func TestProjects_BriefPlansGraph(t *testing.T) {
	f := newFixture(t)

	resp, body := f.do(t, http.MethodPost, "/v1/projects",
		`{"brief":"build a shop","features":["catalog","checkout"],"complexity":1,"expected_loc":200}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("status = %d, body %v", resp.StatusCode, body)
	}
	projectID, _ := body["project_id"].(string)
	if projectID == "" {
		t.Fatal("no project_id in response")
	}
	if body["estimate"] == nil {
		t.Error("no estimate in response")
	}

	ctx := context.Background()
	project, err := f.store.GetProject(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if project.Status != persistence.ProjectExecution {
		t.Errorf("project status = %s, want execution", project.Status)
	}
	tasks, err := f.store.ListProjectTasks(ctx, projectID)
	if err != nil {
		t.Fatal(err)
	}
	if want := int(body["task_count"].(float64)); len(tasks) != want {
		t.Errorf("stored %d tasks, response says %d", len(tasks), want)
	}
	execCount := 0
	for _, task := range tasks {
		if task.Phase == "execution" {
			execCount++
		}
	}
	if execCount != 4 {
		t.Errorf("execution tasks = %d, want 4 for two features at complexity 1", execCount)
	}
}

func TestProjects_EmptyBriefRejected(t *testing.T) {
	f := newFixture(t)
	resp, _ := f.do(t, http.MethodPost, "/v1/projects", `{"brief":"  "}`)
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", resp.StatusCode)
	}
}

func seedAssignedTask(t *testing.T, store *persistence.Store) (projectID, taskID string) {
	t.Helper()
	ctx := context.Background()
	projectID, err := store.CreateProject(ctx, "report test", persistence.ProjectExecution)
	if err != nil {
		t.Fatal(err)
	}
	task := persistence.Task{ID: "rpt-1", ProjectID: projectID, Description: "x", Capability: "backend", Phase: "execution", State: persistence.TaskPending}
	if err := store.InsertGraph(ctx, projectID, []persistence.Task{task}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.TransitionTask(ctx, task.ID,
		[]persistence.TaskState{persistence.TaskPending}, persistence.TaskReady, "task_ready", ""); err != nil {
		t.Fatal(err)
	}
	if err := store.UpsertWorker(ctx, "worker-1", []string{"backend"}); err != nil {
		t.Fatal(err)
	}
	if _, err := store.AssignTask(ctx, task.ID, "worker-1"); err != nil {
		t.Fatal(err)
	}
	return projectID, task.ID
}

func TestTaskReport_StartedThenCompleted(t *testing.T) {
	f := newFixture(t)
	_, taskID := seedAssignedTask(t, f.store)

	resp, body := f.do(t, http.MethodPost, "/v1/tasks/"+taskID+"/report",
		`{"worker_id":"worker-1","worker_attempt_id":"attempt-1","outcome":"started"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("started report status = %d, body %v", resp.StatusCode, body)
	}
	task, err := f.store.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatal(err)
	}
	if task.State != persistence.TaskInProgress {
		t.Errorf("state after started = %s, want in_progress", task.State)
	}

	resp, body = f.do(t, http.MethodPost, "/v1/tasks/"+taskID+"/report",
		`{"worker_id":"worker-1","worker_attempt_id":"attempt-1","outcome":"completed","payload":"done"}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("completed report status = %d, body %v", resp.StatusCode, body)
	}
	task, _ = f.store.GetTask(context.Background(), taskID)
	if task.State != persistence.TaskCompleted {
		t.Errorf("state after completed = %s, want completed", task.State)
	}

	// Redelivery of the same attempt is a no-op that still returns 200.
	resp, _ = f.do(t, http.MethodPost, "/v1/tasks/"+taskID+"/report",
		`{"worker_id":"worker-1","worker_attempt_id":"attempt-1","outcome":"completed","payload":"done"}`)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("redelivered report status = %d, want 200", resp.StatusCode)
	}
}

func TestTaskReport_SchemaRejectsBadBodies(t *testing.T) {
	f := newFixture(t)
	_, taskID := seedAssignedTask(t, f.store)

	for name, body := range map[string]string{
		"bad outcome":     `{"worker_id":"w","worker_attempt_id":"a","outcome":"exploded"}`,
		"missing attempt": `{"worker_id":"w","outcome":"completed"}`,
		"unknown field":   `{"worker_id":"w","worker_attempt_id":"a","outcome":"completed","extra":1}`,
		"not json":        `not json at all`,
	} {
		resp, _ := f.do(t, http.MethodPost, "/v1/tasks/"+taskID+"/report", body)
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("%s: status = %d, want 400", name, resp.StatusCode)
		}
	}
}

func TestCorrections_SubmitConfirmReject(t *testing.T) {
	f := newFixture(t)
	projectID, _ := seedAssignedTask(t, f.store)

	resp, body := f.do(t, http.MethodPost, "/v1/projects/"+projectID+"/corrections",
		`{"text":"the backend should retry writes"}`)
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("submit status = %d, body %v", resp.StatusCode, body)
	}
	correctionID, _ := body["correction_id"].(string)
	if correctionID == "" {
		t.Fatal("no correction_id")
	}
	if body["interpretation"] == "" {
		t.Error("no interpretation")
	}

	resp, body = f.do(t, http.MethodPost, "/v1/corrections/"+correctionID+"/confirm", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("confirm status = %d, body %v", resp.StatusCode, body)
	}
	if body["linked_task_id"] == "" {
		t.Error("confirmed correction has no linked task")
	}

	// Rejecting an applied correction conflicts.
	resp, _ = f.do(t, http.MethodPost, "/v1/corrections/"+correctionID+"/reject", "")
	if resp.StatusCode != http.StatusConflict {
		t.Errorf("reject applied status = %d, want 409", resp.StatusCode)
	}
}

func TestTriggers_AckResolves(t *testing.T) {
	f := newFixture(t)
	projectID, _ := seedAssignedTask(t, f.store)

	ctx := context.Background()
	created, err := f.store.CreateTriggerEvent(ctx, "rule-1", projectID, "medium", `{"signature":"backend|timeout"}`)
	if err != nil {
		t.Fatal(err)
	}
	eventID := created.ID
	resp, _ := f.do(t, http.MethodPost, "/v1/triggers/"+eventID+"/ack", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("ack status = %d", resp.StatusCode)
	}
	event, err := f.store.GetTriggerEvent(ctx, eventID)
	if err != nil {
		t.Fatal(err)
	}
	if !event.Resolved {
		t.Error("event not resolved after ack")
	}
}

func TestWorkers_RegisterAndList(t *testing.T) {
	f := newFixture(t)

	resp, _ := f.do(t, http.MethodPost, "/v1/workers",
		`{"worker_id":"w-9","capabilities":["frontend","testing"]}`)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("register status = %d", resp.StatusCode)
	}
	resp, body := f.do(t, http.MethodGet, "/v1/workers", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("list status = %d", resp.StatusCode)
	}
	workers, _ := body["workers"].([]any)
	if len(workers) != 1 {
		t.Errorf("worker count = %d, want 1", len(workers))
	}
}

func TestStatus_ReportsCounts(t *testing.T) {
	f := newFixture(t)
	seedAssignedTask(t, f.store)

	resp, body := f.do(t, http.MethodGet, "/v1/status", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	if body["active_projects"].(float64) != 1 {
		t.Errorf("active_projects = %v, want 1", body["active_projects"])
	}
	if body["worker_count"].(float64) != 1 {
		t.Errorf("worker_count = %v, want 1", body["worker_count"])
	}
}

func TestPauseResume_RoundTrip(t *testing.T) {
	f := newFixture(t)
	projectID, taskID := seedAssignedTask(t, f.store)

	resp, _ := f.do(t, http.MethodPost, "/v1/projects/"+projectID+"/pause", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("pause status = %d", resp.StatusCode)
	}
	project, _ := f.store.GetProject(context.Background(), projectID)
	if project.Status != persistence.ProjectPaused {
		t.Errorf("status after pause = %s, want paused", project.Status)
	}
	task, _ := f.store.GetTask(context.Background(), taskID)
	if task.State != persistence.TaskCancelled {
		t.Errorf("assigned task after pause = %s, want cancelled", task.State)
	}

	resp, _ = f.do(t, http.MethodPost, "/v1/projects/"+projectID+"/resume", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("resume status = %d", resp.StatusCode)
	}
	project, _ = f.store.GetProject(context.Background(), projectID)
	if project.Status != persistence.ProjectExecution {
		t.Errorf("status after resume = %s, want execution", project.Status)
	}
}

func TestProjectDetail_ReturnsTasks(t *testing.T) {
	f := newFixture(t)
	projectID, _ := seedAssignedTask(t, f.store)

	resp, body := f.do(t, http.MethodGet, "/v1/projects/"+projectID, "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	tasks, _ := body["tasks"].([]any)
	if len(tasks) != 1 {
		t.Errorf("task count = %d, want 1", len(tasks))
	}
}

func TestActivity_ResumesFromSeq(t *testing.T) {
	f := newFixture(t)
	projectID, _ := seedAssignedTask(t, f.store)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if _, err := f.store.AppendActivity(ctx, projectID, "test", "note", fmt.Sprintf("n%d", i)); err != nil {
			t.Fatal(err)
		}
	}
	resp, body := f.do(t, http.MethodGet, "/v1/projects/"+projectID+"/activity?from_seq=2", "")
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}
	entries, _ := body["activity"].([]any)
	if len(entries) == 0 {
		t.Fatal("no activity returned")
	}
	first := entries[0].(map[string]any)
	if first["seq"].(float64) <= 2 {
		t.Errorf("first seq = %v, want > 2", first["seq"])
	}
}
