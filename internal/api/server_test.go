package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"newsreel/internal/news"
	"newsreel/internal/pipeline"
	"newsreel/internal/run"
	"newsreel/internal/storage"
	"newsreel/internal/tasks"
	"newsreel/internal/tenant"
)

type stubDialogue struct{}

func (stubDialogue) Write(_ context.Context, tn tenant.Tenant, _ run.Seed, _, _ string) (run.Dialogue, error) {
	return run.Dialogue{
		Title:    "Stub",
		Language: tn.Language,
		Lines:    []run.DialogueLine{{Speaker: "HOST", Text: "hello"}},
	}, nil
}

func newTestServer(t *testing.T) (*Server, *run.Registry, tenant.Tenant) {
	t.Helper()
	tn := tenant.Tenant{ID: "daily-en", Language: "en", Timezone: "UTC", StoragePrefix: "tenants/daily-en"}
	tenants, err := tenant.NewRegistry([]tenant.Tenant{tn})
	if err != nil {
		t.Fatal(err)
	}
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	registry := run.NewRegistry(store)
	tracker := tasks.NewTracker(context.Background(), 2)
	orch := pipeline.New(pipeline.Deps{
		Registry: registry,
		Tracker:  tracker,
		Dialogue: stubDialogue{},
	})
	srv := New(Deps{
		Tenants:  tenants,
		Registry: registry,
		Tracker:  tracker,
		Orch:     orch,
		Store:    store,
	})
	return srv, registry, tn
}

func seedTestRun(t *testing.T, registry *run.Registry, tn tenant.Tenant) string {
	t.Helper()
	item := news.Item{ID: "n1", Title: "Headline"}
	raw, _ := json.Marshal(item)
	runID, err := registry.CreateSeed(context.Background(), tn, run.Seed{
		NewsItemID: item.ID,
		Title:      item.Title,
	}, raw, time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatal(err)
	}
	return runID
}

func doRequest(t *testing.T, srv *Server, method, path string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != nil {
		req = httptest.NewRequest(method, path, bytes.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	return rec
}

func TestUnknownTenantIs404(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/tenants/nope/runs", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestRunsListAndDetail(t *testing.T) {
	srv, registry, tn := newTestServer(t)
	runID := seedTestRun(t, registry, tn)

	rec := doRequest(t, srv, http.MethodGet, "/api/tenants/daily-en/runs", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("list status = %d: %s", rec.Code, rec.Body)
	}
	var list struct {
		Runs []run.Summary `json:"runs"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &list); err != nil {
		t.Fatal(err)
	}
	if len(list.Runs) != 1 || list.Runs[0].RunID != runID {
		t.Fatalf("runs = %+v", list.Runs)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/tenants/daily-en/runs/"+runID, nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("detail status = %d", rec.Code)
	}
	var detail runDetail
	if err := json.Unmarshal(rec.Body.Bytes(), &detail); err != nil {
		t.Fatal(err)
	}
	if detail.State.CurrentStep != run.StepReadyForDialogue {
		t.Fatalf("step = %s", detail.State.CurrentStep)
	}

	rec = doRequest(t, srv, http.MethodGet, "/api/tenants/daily-en/runs/run_2099-01-01_00-00-00", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("missing run status = %d, want 404", rec.Code)
	}
}

func TestEditDialogueGuard(t *testing.T) {
	srv, registry, tn := newTestServer(t)
	runID := seedTestRun(t, registry, tn)

	body, _ := json.Marshal(run.Dialogue{
		Title: "Edited",
		Lines: []run.DialogueLine{{Speaker: "HOST", Text: "changed"}},
	})
	// No dialogue exists yet, so the edit is out of order.
	rec := doRequest(t, srv, http.MethodPut, "/api/tenants/daily-en/runs/"+runID+"/dialogue", body)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409: %s", rec.Code, rec.Body)
	}
}

func TestLaunchStageReturnsTaskKey(t *testing.T) {
	srv, registry, tn := newTestServer(t)
	runID := seedTestRun(t, registry, tn)

	rec := doRequest(t, srv, http.MethodPost, "/api/tenants/daily-en/runs/"+runID+"/stages/dialogue", nil)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	want := tasks.StageKey(runID, "dialogue")
	if resp["task"] != want {
		t.Fatalf("task = %q, want %q", resp["task"], want)
	}

	rec = doRequest(t, srv, http.MethodPost, "/api/tenants/daily-en/runs/"+runID+"/stages/transcode", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("unknown stage status = %d, want 409", rec.Code)
	}
}

func TestDropUnknownArtifact(t *testing.T) {
	srv, registry, tn := newTestServer(t)
	runID := seedTestRun(t, registry, tn)

	rec := doRequest(t, srv, http.MethodPost, "/api/tenants/daily-en/runs/"+runID+"/drop/seed", nil)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
	// Audio does not exist yet, so the drop is a precondition violation.
	rec = doRequest(t, srv, http.MethodPost, "/api/tenants/daily-en/runs/"+runID+"/drop/audio", nil)
	if rec.Code != http.StatusConflict {
		t.Fatalf("status = %d, want 409", rec.Code)
	}
}

func TestTaskStatusNotFound(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/tasks/run_x:dialogue", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}

func TestSchedulerStateBeforeFirstBatch(t *testing.T) {
	srv, _, _ := newTestServer(t)
	rec := doRequest(t, srv, http.MethodGet, "/api/tenants/daily-en/scheduler/state", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", rec.Code)
	}
}
