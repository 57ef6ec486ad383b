package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"newsreel/internal/media"
	"newsreel/internal/news"
	"newsreel/internal/run"
	"newsreel/internal/tasks"
	"newsreel/internal/telemetry"
	"newsreel/internal/tenant"
)

// Stage names, in pipeline order.
const (
	StageDialogue = "dialogue"
	StageAudio    = "audio"
	StageImages   = "images"
	StageVideo    = "video"
	StageMetadata = "metadata"
	StageUpload   = "upload"
)

// stageOrder drives ProcessAll.
var stageOrder = []string{StageDialogue, StageAudio, StageImages, StageVideo, StageMetadata, StageUpload}

// DialogueWriter generates the script for a run.
type DialogueWriter interface {
	Write(ctx context.Context, tn tenant.Tenant, seed run.Seed, content, promptOverride string) (run.Dialogue, error)
}

// SpeechSynthesizer renders dialogue to audio plus a per-line timeline.
type SpeechSynthesizer interface {
	Synthesize(ctx context.Context, language string, d run.Dialogue) ([]byte, run.Timeline, error)
}

// ImageGenerator renders one image for a prompt.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string, width, height int) ([]byte, error)
}

// VideoRenderer builds the slideshow video from local frame and audio files.
type VideoRenderer interface {
	Render(ctx context.Context, frames []media.Frame, audioPath, outPath string) error
}

// Uploader pushes a finished video to the platform.
type Uploader interface {
	Upload(ctx context.Context, tn tenant.Tenant, videoPath string, meta run.Metadata) (run.UploadReceipt, error)
}

// Invalidator drops cached views after a mutation.
type Invalidator interface {
	InvalidateRun(ctx context.Context, tenantPrefix, runID string) error
}

// EventRecorder makes every stage outcome attributable to a run and stage.
type EventRecorder interface {
	AppendStageEvent(ctx context.Context, tenant, runID, stage, status, detail string) error
}

// Limiter gates external generation calls per tenant.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, float64, error)
}

// StageOptions carries per-slot overrides from the scheduler configuration.
type StageOptions struct {
	PromptOverride string
	PublishPolicy  string // "now" or "evening"
}

// Orchestrator sequences the pipeline stages for single runs. Every stage is
// guarded by the derived run state, bounded by a timeout, recorded as a stage
// event, and followed by a cache invalidation.
type Orchestrator struct {
	logger   *slog.Logger
	registry *run.Registry
	tracker  *tasks.Tracker
	cache    Invalidator
	events   EventRecorder
	limiter  Limiter

	dialogue DialogueWriter
	speech   SpeechSynthesizer
	images   ImageGenerator
	video    VideoRenderer
	uploader Uploader

	stageTimeout time.Duration
	renderWidth  int
	renderHeight int
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Logger   *slog.Logger
	Registry *run.Registry
	Tracker  *tasks.Tracker
	Cache    Invalidator
	Events   EventRecorder
	Limiter  Limiter

	Dialogue DialogueWriter
	Speech   SpeechSynthesizer
	Images   ImageGenerator
	Video    VideoRenderer
	Uploader Uploader

	StageTimeout time.Duration
	RenderWidth  int
	RenderHeight int
}

// New builds an orchestrator.
func New(d Deps) *Orchestrator {
	if d.StageTimeout <= 0 {
		d.StageTimeout = 10 * time.Minute
	}
	if d.RenderWidth <= 0 {
		d.RenderWidth = 1920
	}
	if d.RenderHeight <= 0 {
		d.RenderHeight = 1080
	}
	if d.Logger == nil {
		d.Logger = slog.Default()
	}
	return &Orchestrator{
		logger:       d.Logger,
		registry:     d.Registry,
		tracker:      d.Tracker,
		cache:        d.Cache,
		events:       d.Events,
		limiter:      d.Limiter,
		dialogue:     d.Dialogue,
		speech:       d.Speech,
		images:       d.Images,
		video:        d.Video,
		uploader:     d.Uploader,
		stageTimeout: d.StageTimeout,
		renderWidth:  d.RenderWidth,
		renderHeight: d.RenderHeight,
	}
}

// CreateRun seeds a new run from a news item. The raw item is persisted as
// the news data artifact for the dialogue stage.
func (o *Orchestrator) CreateRun(ctx context.Context, tn tenant.Tenant, item news.Item) (string, error) {
	newsData, err := json.MarshalIndent(item, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal news item: %w", err)
	}
	seed := run.Seed{
		NewsItemID: item.ID,
		Title:      item.Title,
		Category:   item.Category,
		Source:     item.Source,
	}
	runID, err := o.registry.CreateSeed(ctx, tn, seed, newsData, time.Now())
	if err != nil {
		return "", err
	}
	o.invalidate(ctx, tn, runID)
	o.recordEvent(ctx, tn, runID, "seed", "completed", "run created from news item "+item.ID)
	o.logger.Info("run created", "tenant", tn.ID, "run", runID, "news_item", item.ID)
	return runID, nil
}

// RunStage executes one stage synchronously: precondition check, bounded
// execution, event record, cache invalidation. A failing stage leaves prior
// artifacts untouched so the run stays resumable.
func (o *Orchestrator) RunStage(ctx context.Context, tn tenant.Tenant, runID, stage string, opts StageOptions) (string, error) {
	state, err := o.registry.State(ctx, tn, runID)
	if err != nil {
		return "", err
	}
	if !stageAllowed(state, stage) {
		return "", fmt.Errorf("stage %s on %s in step %s: %w", stage, runID, state.CurrentStep, run.ErrPrecondition)
	}

	stageCtx, cancel := context.WithTimeout(ctx, o.stageTimeout)
	defer cancel()

	started := time.Now()
	artifact, err := o.execute(stageCtx, tn, runID, stage, opts)
	if err != nil {
		telemetry.StageFailures.Inc()
		o.recordEvent(ctx, tn, runID, stage, "error", err.Error())
		o.logger.Error("stage failed", "tenant", tn.ID, "run", runID, "stage", stage, "error", err)
		return "", fmt.Errorf("stage %s on %s: %w", stage, runID, err)
	}

	telemetry.StageCompleted.Inc()
	o.invalidate(ctx, tn, runID)
	o.recordEvent(ctx, tn, runID, stage, "completed", artifact)
	o.logger.Info("stage completed", "tenant", tn.ID, "run", runID, "stage", stage, "artifact", artifact, "elapsed", time.Since(started))
	return artifact, nil
}

// ProcessAll drives a run through every remaining stage in pipeline order.
// The first failing stage aborts the rest for this run only.
func (o *Orchestrator) ProcessAll(ctx context.Context, tn tenant.Tenant, runID string, opts StageOptions) error {
	for _, stage := range stageOrder {
		p, err := o.registry.Presence(ctx, tn, runID)
		if err != nil {
			return err
		}
		state := run.DeriveState(p)
		if state.CurrentStep == run.StepUploaded {
			return nil
		}
		if stageDone(p, stage) {
			continue
		}
		if _, err := o.RunStage(ctx, tn, runID, stage, opts); err != nil {
			return err
		}
	}
	return nil
}

// LaunchStage runs one stage in the background under the task tracker's
// single-flight guarantee and returns the task key for polling.
func (o *Orchestrator) LaunchStage(tn tenant.Tenant, runID, stage string, opts StageOptions) (string, error) {
	if !validStage(stage) {
		return "", fmt.Errorf("unknown stage %q: %w", stage, run.ErrPrecondition)
	}
	key := tasks.StageKey(runID, stage)
	err := o.tracker.Launch(key, func(ctx context.Context) (any, error) {
		artifact, err := o.RunStage(ctx, tn, runID, stage, opts)
		if err != nil {
			return nil, err
		}
		return map[string]string{"artifact": artifact}, nil
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

// LaunchImageRegen regenerates one image of a run in the background.
func (o *Orchestrator) LaunchImageRegen(tn tenant.Tenant, runID, imageID string) (string, error) {
	key := tasks.ImageKey(runID, imageID)
	err := o.tracker.Launch(key, func(ctx context.Context) (any, error) {
		stageCtx, cancel := context.WithTimeout(ctx, o.stageTimeout)
		defer cancel()
		artifact, err := o.regenerateImage(stageCtx, tn, runID, imageID)
		if err != nil {
			telemetry.StageFailures.Inc()
			o.recordEvent(ctx, tn, runID, StageImages, "error", fmt.Sprintf("image %s: %v", imageID, err))
			return nil, err
		}
		telemetry.StageCompleted.Inc()
		o.invalidate(ctx, tn, runID)
		o.recordEvent(ctx, tn, runID, StageImages, "completed", artifact)
		return map[string]string{"artifact": artifact}, nil
	})
	if err != nil {
		return "", err
	}
	return key, nil
}

func stageAllowed(s run.State, stage string) bool {
	switch stage {
	case StageDialogue:
		return s.CanGenerateDialogue
	case StageAudio:
		return s.CanGenerateAudio
	case StageImages:
		return s.CanGenerateImages
	case StageVideo:
		return s.CanGenerateVideo
	case StageMetadata:
		return s.CanGenerateMetadata
	case StageUpload:
		return s.CanUpload
	default:
		return false
	}
}

func stageDone(p run.Presence, stage string) bool {
	switch stage {
	case StageDialogue:
		return p.Dialogue
	case StageAudio:
		return p.Audio && p.Timeline
	case StageImages:
		return p.Images && p.ImagesManifest
	case StageVideo:
		return p.Video
	case StageMetadata:
		return p.Metadata
	case StageUpload:
		return p.Upload
	default:
		return false
	}
}

func validStage(stage string) bool {
	for _, s := range stageOrder {
		if s == stage {
			return true
		}
	}
	return false
}

func (o *Orchestrator) invalidate(ctx context.Context, tn tenant.Tenant, runID string) {
	if o.cache == nil {
		return
	}
	if err := o.cache.InvalidateRun(ctx, tn.StoragePrefix, runID); err != nil {
		o.logger.Warn("cache invalidation failed", "tenant", tn.ID, "run", runID, "error", err)
	}
}

func (o *Orchestrator) recordEvent(ctx context.Context, tn tenant.Tenant, runID, stage, status, detail string) {
	if o.events == nil {
		return
	}
	if err := o.events.AppendStageEvent(ctx, tn.ID, runID, stage, status, detail); err != nil {
		o.logger.Warn("stage event record failed", "tenant", tn.ID, "run", runID, "stage", stage, "error", err)
	}
}

// waitForToken blocks until the tenant's generation bucket grants a token or
// the stage context expires.
func (o *Orchestrator) waitForToken(ctx context.Context, tn tenant.Tenant) error {
	if o.limiter == nil {
		return nil
	}
	key := "gen:" + tn.ID
	for {
		allowed, _, err := o.limiter.Allow(ctx, key)
		if err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
		if allowed {
			return nil
		}
		telemetry.RateLimitWaits.Inc()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
}
