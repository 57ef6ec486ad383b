package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"newsreel/internal/history"
	"newsreel/internal/news"
	"newsreel/internal/pipeline"
	"newsreel/internal/run"
	"newsreel/internal/selection"
	"newsreel/internal/storage"
	"newsreel/internal/telemetry"
	"newsreel/internal/tenant"
	"newsreel/internal/youtube"
)

// PipelineRunner drives one run through the full stage sequence.
type PipelineRunner interface {
	CreateRun(ctx context.Context, tn tenant.Tenant, item news.Item) (string, error)
	ProcessAll(ctx context.Context, tn tenant.Tenant, runID string, opts pipeline.StageOptions) error
}

// StatsStore reads and records engagement history for the ranking input.
type StatsStore interface {
	StatsForTenant(ctx context.Context, tenant string, limit int) ([]history.VideoStats, error)
	UpsertVideoStats(ctx context.Context, st history.VideoStats) error
}

// StatsFetcher pulls current engagement numbers for uploaded videos.
type StatsFetcher interface {
	Fetch(ctx context.Context, videoIDs []string) ([]youtube.VideoStats, error)
}

// Batch executes one tenant's scheduled generation: select news for the
// enabled run slots, drive each selected item through the pipeline with
// bounded concurrency, and always leave a state snapshot behind.
type Batch struct {
	logger      *slog.Logger
	store       storage.ArtifactStore
	registry    *run.Registry
	news        news.Source
	policy      *selection.Policy
	runner      PipelineRunner
	stats       StatsStore
	statsReader StatsFetcher
	concurrency int
	statsLimit  int
}

// BatchDeps bundles the batch runner's collaborators. Stats and StatsReader
// may be nil; ranking then runs without history and refresh is skipped.
type BatchDeps struct {
	Logger      *slog.Logger
	Store       storage.ArtifactStore
	Registry    *run.Registry
	News        news.Source
	Policy      *selection.Policy
	Runner      PipelineRunner
	Stats       StatsStore
	StatsReader StatsFetcher
	Concurrency int
}

func NewBatch(d BatchDeps) *Batch {
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	if d.Concurrency <= 0 {
		d.Concurrency = 2
	}
	return &Batch{
		logger:      d.Logger,
		store:       d.Store,
		registry:    d.Registry,
		news:        d.News,
		policy:      d.Policy,
		runner:      d.Runner,
		stats:       d.Stats,
		statsReader: d.StatsReader,
		concurrency: d.Concurrency,
		statsLimit:  50,
	}
}

// RunBatch executes the batch and writes the snapshot. It never returns an
// error: every outcome, including total failure, is recorded in the state.
func (b *Batch) RunBatch(ctx context.Context, tn tenant.Tenant, cfg Config) {
	telemetry.BatchesRun.Inc()
	state := State{
		BatchID:   uuid.New().String(),
		LastRunAt: time.Now().UTC(),
	}
	logger := b.logger.With("tenant", tn.ID, "batch", state.BatchID)
	defer func() {
		// The snapshot must land even when the batch was cut short by
		// shutdown, so the write ignores the batch context's cancellation.
		if err := SaveState(context.WithoutCancel(ctx), b.store, tn, state); err != nil {
			logger.Error("state snapshot write failed", "error", err)
		}
	}()

	slots := cfg.EnabledRuns()
	if len(slots) == 0 {
		state.Status = StatusError
		state.Message = "no enabled run slots configured"
		telemetry.BatchFailures.Inc()
		logger.Error("batch aborted", "reason", state.Message)
		return
	}

	digest, err := b.news.FetchNews(ctx, tn.NewsSource)
	if err != nil {
		state.Status = StatusError
		state.Message = fmt.Sprintf("fetch news: %v", err)
		telemetry.BatchFailures.Inc()
		logger.Error("batch aborted", "reason", state.Message)
		return
	}
	if len(digest.Items) == 0 {
		state.Status = StatusError
		state.Message = "news source returned no items"
		telemetry.BatchFailures.Inc()
		logger.Error("batch aborted", "reason", state.Message)
		return
	}

	b.refreshStats(ctx, tn, logger)
	var stats []history.VideoStats
	if b.stats != nil {
		if stats, err = b.stats.StatsForTenant(ctx, tn.ID, b.statsLimit); err != nil {
			logger.Warn("engagement history unavailable, ranking without it", "error", err)
			stats = nil
		}
	}

	assignments := b.policy.Assign(ctx, selectionSlots(slots), digest.Items, stats)
	if len(assignments) == 0 {
		state.Status = StatusError
		state.Message = "selection produced no assignments"
		telemetry.BatchFailures.Inc()
		logger.Error("batch aborted", "reason", state.Message)
		return
	}
	logger.Info("batch selected", "slots", len(slots), "pool", len(digest.Items), "assigned", len(assignments))

	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		sem    = make(chan struct{}, b.concurrency)
		runIDs []string
		errs   []BatchError
	)
	for _, a := range assignments {
		slotCfg := slots[a.Slot]
		wg.Add(1)
		go func(a selection.Assignment, slotCfg ScheduledRunConfig) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			runID, err := b.runner.CreateRun(ctx, tn, a.Item)
			if err != nil {
				mu.Lock()
				errs = append(errs, BatchError{Slot: a.Slot, Error: err.Error()})
				mu.Unlock()
				logger.Error("run creation failed", "slot", a.Slot, "news_item", a.Item.ID, "error", err)
				return
			}
			opts := pipeline.StageOptions{
				PromptOverride: slotCfg.PromptOverride,
				PublishPolicy:  cfg.PublishPolicy,
			}
			if err := b.runner.ProcessAll(ctx, tn, runID, opts); err != nil {
				mu.Lock()
				errs = append(errs, BatchError{Slot: a.Slot, RunID: runID, Error: err.Error()})
				mu.Unlock()
				return
			}
			mu.Lock()
			runIDs = append(runIDs, runID)
			mu.Unlock()
		}(a, slotCfg)
	}
	wg.Wait()

	sort.Strings(runIDs)
	sort.Slice(errs, func(i, j int) bool { return errs[i].Slot < errs[j].Slot })
	state.RunIDs = runIDs
	state.Errors = errs
	switch {
	case len(errs) == 0:
		state.Status = StatusSuccess
	case len(runIDs) > 0:
		state.Status = StatusPartial
		telemetry.BatchPartial.Inc()
	default:
		state.Status = StatusError
		state.Message = "all run slots failed"
		telemetry.BatchFailures.Inc()
	}
	logger.Info("batch finished", "status", state.Status, "runs", len(runIDs), "failed", len(errs))
}

// refreshStats pulls current engagement numbers for past uploaded runs into
// the history store. Best effort: ranking degrades gracefully without it.
func (b *Batch) refreshStats(ctx context.Context, tn tenant.Tenant, logger *slog.Logger) {
	if b.stats == nil || b.statsReader == nil || b.registry == nil {
		return
	}
	summaries, err := b.registry.List(ctx, tn)
	if err != nil {
		logger.Warn("stats refresh skipped", "error", err)
		return
	}

	type uploaded struct {
		runID    string
		videoID  string
		category string
		title    string
	}
	var past []uploaded
	for _, s := range summaries {
		if !s.Presence.Upload {
			continue
		}
		raw, err := b.store.ReadBytes(ctx, run.ArtifactKey(tn, s.RunID, run.UploadFile))
		if err != nil {
			continue
		}
		var receipt run.UploadReceipt
		if json.Unmarshal(raw, &receipt) != nil || receipt.VideoID == "" {
			continue
		}
		u := uploaded{runID: s.RunID, videoID: receipt.VideoID}
		if seed, err := b.registry.ReadSeed(ctx, tn, s.RunID); err == nil {
			u.category = seed.Category
			u.title = seed.Title
		}
		past = append(past, u)
		if len(past) >= b.statsLimit {
			break
		}
	}
	if len(past) == 0 {
		return
	}

	ids := make([]string, len(past))
	byID := make(map[string]uploaded, len(past))
	for i, u := range past {
		ids[i] = u.videoID
		byID[u.videoID] = u
	}
	fetched, err := b.statsReader.Fetch(ctx, ids)
	if err != nil {
		logger.Warn("stats refresh failed", "error", err)
		return
	}
	for _, vs := range fetched {
		u := byID[vs.VideoID]
		err := b.stats.UpsertVideoStats(ctx, history.VideoStats{
			Tenant:    tn.ID,
			RunID:     u.runID,
			VideoID:   vs.VideoID,
			Category:  u.category,
			Title:     u.title,
			Views:     vs.Views,
			Likes:     vs.Likes,
			Comments:  vs.Comments,
			FetchedAt: time.Now().UTC(),
		})
		if err != nil {
			logger.Warn("stats upsert failed", "video", vs.VideoID, "error", err)
		}
	}
}

// selectionSlots maps enabled run slots to selection inputs, ordered by slot
// index so selection is deterministic for a given config.
func selectionSlots(slots map[int]ScheduledRunConfig) []selection.Slot {
	idx := make([]int, 0, len(slots))
	for i := range slots {
		idx = append(idx, i)
	}
	sort.Ints(idx)
	out := make([]selection.Slot, 0, len(idx))
	for _, i := range idx {
		mode := slots[i].SelectionMode
		if mode == "" {
			mode = selection.ModeRandom
		}
		out = append(out, selection.Slot{Index: i, Mode: mode})
	}
	return out
}
