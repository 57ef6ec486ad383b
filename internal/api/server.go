package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"newsreel/internal/cache"
	"newsreel/internal/pipeline"
	"newsreel/internal/run"
	"newsreel/internal/scheduler"
	"newsreel/internal/storage"
	"newsreel/internal/tasks"
	"newsreel/internal/telemetry"
	"newsreel/internal/tenant"
)

// Server wires the operator-facing HTTP surface: run inspection, stage
// launches, dialogue edits, drops, task polling, and scheduler control.
type Server struct {
	logger    *slog.Logger
	tenants   *tenant.Registry
	registry  *run.Registry
	runsCache *cache.RunsCache
	tracker   *tasks.Tracker
	orch      *pipeline.Orchestrator
	sched     *scheduler.Scheduler
	schedule  *scheduler.Schedule
	batch     scheduler.BatchRunner
	store     storage.ArtifactStore
}

// Deps bundles the server's collaborators.
type Deps struct {
	Logger    *slog.Logger
	Tenants   *tenant.Registry
	Registry  *run.Registry
	RunsCache *cache.RunsCache
	Tracker   *tasks.Tracker
	Orch      *pipeline.Orchestrator
	Sched     *scheduler.Scheduler
	Schedule  *scheduler.Schedule
	Batch     scheduler.BatchRunner
	Store     storage.ArtifactStore
}

// New constructs the server.
func New(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Server{
		logger:    d.Logger,
		tenants:   d.Tenants,
		registry:  d.Registry,
		runsCache: d.RunsCache,
		tracker:   d.Tracker,
		orch:      d.Orch,
		sched:     d.Sched,
		schedule:  d.Schedule,
		batch:     d.Batch,
		store:     d.Store,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/tenants", s.handleTenants)
		r.Get("/tasks/{taskKey}", s.handleTaskStatus)

		r.Route("/tenants/{tenant}", func(r chi.Router) {
			r.Use(s.withTenant)
			r.Get("/runs", s.handleRunsList)
			r.Get("/runs/{runID}", s.handleRunDetail)
			r.Post("/runs/{runID}/stages/{stage}", s.handleLaunchStage)
			r.Post("/runs/{runID}/images/{imageID}", s.handleRegenerateImage)
			r.Put("/runs/{runID}/dialogue", s.handleEditDialogue)
			r.Post("/runs/{runID}/drop/{artifact}", s.handleDrop)
			r.Get("/tasks", s.handleTenantTasks)
			r.Get("/scheduler", s.handleSchedulerGet)
			r.Put("/scheduler", s.handleSchedulerPut)
			r.Get("/scheduler/state", s.handleSchedulerState)
			r.Post("/scheduler/run", s.handleSchedulerRunNow)
		})
	})
	return r
}

type tenantKeyType struct{}

var tenantKey tenantKeyType

func contextWithTenant(ctx context.Context, tn tenant.Tenant) context.Context {
	return context.WithValue(ctx, tenantKey, tn)
}

func tenantFromContext(ctx context.Context) tenant.Tenant {
	tn, _ := ctx.Value(tenantKey).(tenant.Tenant)
	return tn
}

// withTenant resolves the tenant path parameter once for the subtree.
func (s *Server) withTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tn, ok := s.tenants.Get(chi.URLParam(r, "tenant"))
		if !ok {
			http.Error(w, "unknown tenant", http.StatusNotFound)
			return
		}
		next.ServeHTTP(w, r.WithContext(contextWithTenant(r.Context(), tn)))
	})
}

func (s *Server) handleTenants(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tenants": s.tenants.All()})
}

func (s *Server) handleRunsList(w http.ResponseWriter, r *http.Request) {
	tn := tenantFromContext(r.Context())

	var list []run.Summary
	if s.runsCache != nil {
		if err := s.runsCache.GetList(r.Context(), tn.StoragePrefix, &list); err == nil {
			writeJSON(w, http.StatusOK, map[string]any{"runs": list, "cached": true})
			return
		}
	}
	list, err := s.registry.List(r.Context(), tn)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if s.runsCache != nil {
		if err := s.runsCache.SetList(r.Context(), tn.StoragePrefix, list); err != nil {
			s.logger.Warn("runs list cache write failed", "tenant", tn.ID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": list, "cached": false})
}

// runDetail is the per-run view: the summary plus the editable dialogue when
// it exists.
type runDetail struct {
	RunID    string        `json:"run_id"`
	Presence run.Presence  `json:"presence"`
	State    run.State     `json:"state"`
	Dialogue *run.Dialogue `json:"dialogue,omitempty"`
}

func (s *Server) handleRunDetail(w http.ResponseWriter, r *http.Request) {
	tn := tenantFromContext(r.Context())
	runID := chi.URLParam(r, "runID")

	var detail runDetail
	if s.runsCache != nil {
		if err := s.runsCache.GetRun(r.Context(), tn.StoragePrefix, runID, &detail); err == nil {
			writeJSON(w, http.StatusOK, detail)
			return
		}
	}

	p, err := s.registry.Presence(r.Context(), tn, runID)
	if err != nil {
		writeError(w, err)
		return
	}
	detail = runDetail{RunID: runID, Presence: p, State: run.DeriveState(p)}
	if p.Dialogue {
		if d, err := s.registry.ReadDialogue(r.Context(), tn, runID); err == nil {
			detail.Dialogue = &d
		}
	}
	if s.runsCache != nil {
		if err := s.runsCache.SetRun(r.Context(), tn.StoragePrefix, runID, detail); err != nil {
			s.logger.Warn("run detail cache write failed", "tenant", tn.ID, "run", runID, "error", err)
		}
	}
	writeJSON(w, http.StatusOK, detail)
}

type launchRequest struct {
	PromptOverride string `json:"prompt_override,omitempty"`
	PublishPolicy  string `json:"publish_policy,omitempty"`
}

func (s *Server) handleLaunchStage(w http.ResponseWriter, r *http.Request) {
	tn := tenantFromContext(r.Context())
	runID := chi.URLParam(r, "runID")
	stage := chi.URLParam(r, "stage")

	var req launchRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}
	key, err := s.orch.LaunchStage(tn, runID, stage, pipeline.StageOptions{
		PromptOverride: req.PromptOverride,
		PublishPolicy:  req.PublishPolicy,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task": key})
}

func (s *Server) handleRegenerateImage(w http.ResponseWriter, r *http.Request) {
	tn := tenantFromContext(r.Context())
	key, err := s.orch.LaunchImageRegen(tn, chi.URLParam(r, "runID"), chi.URLParam(r, "imageID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"task": key})
}

func (s *Server) handleEditDialogue(w http.ResponseWriter, r *http.Request) {
	tn := tenantFromContext(r.Context())
	runID := chi.URLParam(r, "runID")

	var d run.Dialogue
	if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if len(d.Lines) == 0 {
		http.Error(w, "dialogue needs at least one line", http.StatusBadRequest)
		return
	}
	if err := s.registry.EditDialogue(r.Context(), tn, runID, d); err != nil {
		writeError(w, err)
		return
	}
	s.invalidate(r, tn, runID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (s *Server) handleDrop(w http.ResponseWriter, r *http.Request) {
	tn := tenantFromContext(r.Context())
	runID := chi.URLParam(r, "runID")

	var err error
	switch artifact := chi.URLParam(r, "artifact"); artifact {
	case "audio":
		err = s.registry.DropAudio(r.Context(), tn, runID)
	case "images":
		err = s.registry.DropImages(r.Context(), tn, runID)
	case "video":
		err = s.registry.DropVideo(r.Context(), tn, runID)
	default:
		http.Error(w, "unknown artifact", http.StatusBadRequest)
		return
	}
	if err != nil {
		writeError(w, err)
		return
	}
	s.invalidate(r, tn, runID)
	writeJSON(w, http.StatusOK, map[string]string{"status": "dropped"})
}

func (s *Server) handleTenantTasks(w http.ResponseWriter, r *http.Request) {
	tn := tenantFromContext(r.Context())
	list, err := s.registry.List(r.Context(), tn)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	running := []tasks.Status{}
	for _, sum := range list {
		running = append(running, s.tracker.RunningForRun(sum.RunID)...)
	}
	writeJSON(w, http.StatusOK, map[string]any{"tasks": running})
}

func (s *Server) handleTaskStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.tracker.Get(chi.URLParam(r, "taskKey"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSchedulerGet(w http.ResponseWriter, r *http.Request) {
	tn := tenantFromContext(r.Context())
	cfg, err := scheduler.LoadConfig(r.Context(), s.store, tn)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	resp := map[string]any{"config": cfg}
	if s.schedule != nil {
		if next, ok, err := s.schedule.NextRun(r.Context(), tn.ID); err == nil && ok {
			resp["next_run"] = next
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleSchedulerPut(w http.ResponseWriter, r *http.Request) {
	tn := tenantFromContext(r.Context())

	var cfg scheduler.Config
	if err := json.NewDecoder(r.Body).Decode(&cfg); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if err := s.sched.Apply(r.Context(), tn, cfg); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied"})
}

func (s *Server) handleSchedulerState(w http.ResponseWriter, r *http.Request) {
	tn := tenantFromContext(r.Context())
	st, err := scheduler.LoadState(r.Context(), s.store, tn)
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, "no batch has run yet", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleSchedulerRunNow(w http.ResponseWriter, r *http.Request) {
	tn := tenantFromContext(r.Context())
	cfg, err := scheduler.LoadConfig(r.Context(), s.store, tn)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	go s.batch.RunBatch(context.WithoutCancel(r.Context()), tn, cfg)
	s.logger.Info("manual batch triggered", "tenant", tn.ID)
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "started"})
}

func (s *Server) invalidate(r *http.Request, tn tenant.Tenant, runID string) {
	if s.runsCache == nil {
		return
	}
	if err := s.runsCache.InvalidateRun(r.Context(), tn.StoragePrefix, runID); err != nil {
		s.logger.Warn("cache invalidation failed", "tenant", tn.ID, "run", runID, "error", err)
	}
}

// writeError maps the domain error taxonomy to status codes: precondition
// violations and single-flight conflicts are 409, unknown resources 404.
func writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, run.ErrPrecondition), errors.Is(err, tasks.ErrTaskRunning):
		http.Error(w, err.Error(), http.StatusConflict)
	case errors.Is(err, run.ErrNotFound), errors.Is(err, tasks.ErrNotFound), errors.Is(err, storage.ErrNotFound):
		http.Error(w, err.Error(), http.StatusNotFound)
	default:
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
