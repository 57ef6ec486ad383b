package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"newsreel/internal/media"
	"newsreel/internal/news"
	"newsreel/internal/run"
	"newsreel/internal/tenant"
)

func (o *Orchestrator) execute(ctx context.Context, tn tenant.Tenant, runID, stage string, opts StageOptions) (string, error) {
	switch stage {
	case StageDialogue:
		return o.generateDialogue(ctx, tn, runID, opts)
	case StageAudio:
		return o.generateAudio(ctx, tn, runID)
	case StageImages:
		return o.generateImages(ctx, tn, runID)
	case StageVideo:
		return o.generateVideo(ctx, tn, runID)
	case StageMetadata:
		return o.generateMetadata(ctx, tn, runID, opts)
	case StageUpload:
		return o.upload(ctx, tn, runID)
	default:
		return "", fmt.Errorf("unknown stage %q", stage)
	}
}

func (o *Orchestrator) generateDialogue(ctx context.Context, tn tenant.Tenant, runID string, opts StageOptions) (string, error) {
	seed, err := o.registry.ReadSeed(ctx, tn, runID)
	if err != nil {
		return "", err
	}
	var item news.Item
	raw, err := o.registry.Store().ReadBytes(ctx, run.ArtifactKey(tn, runID, run.NewsDataFile))
	if err == nil {
		_ = json.Unmarshal(raw, &item)
	}

	if err := o.waitForToken(ctx, tn); err != nil {
		return "", err
	}
	dialogue, err := o.dialogue.Write(ctx, tn, seed, item.Content, opts.PromptOverride)
	if err != nil {
		return "", err
	}
	if err := o.registry.WriteJSON(ctx, tn, runID, run.DialogueFile, dialogue); err != nil {
		return "", err
	}
	return run.DialogueFile, nil
}

func (o *Orchestrator) generateAudio(ctx context.Context, tn tenant.Tenant, runID string) (string, error) {
	dialogue, err := o.registry.ReadDialogue(ctx, tn, runID)
	if err != nil {
		return "", err
	}
	if err := o.waitForToken(ctx, tn); err != nil {
		return "", err
	}
	audio, timeline, err := o.speech.Synthesize(ctx, dialogue.Language, dialogue)
	if err != nil {
		return "", err
	}
	// Timeline first: audio presence is what gates the chain, so a crash
	// between the writes leaves a regenerable run, not a half-valid one.
	if err := o.registry.WriteJSON(ctx, tn, runID, run.TimelineFile, timeline); err != nil {
		return "", err
	}
	if err := o.registry.Store().WriteBytes(ctx, run.ArtifactKey(tn, runID, run.AudioFile), audio); err != nil {
		return "", err
	}
	return run.AudioFile, nil
}

func (o *Orchestrator) generateImages(ctx context.Context, tn tenant.Tenant, runID string) (string, error) {
	dialogue, err := o.registry.ReadDialogue(ctx, tn, runID)
	if err != nil {
		return "", err
	}
	timeline, err := o.registry.ReadTimeline(ctx, tn, runID)
	if err != nil {
		return "", err
	}

	// Generate everything in memory first. A generation failure must leave
	// no image artifacts behind, or the retry would be rejected by the
	// images-absent precondition.
	type pending struct {
		entry run.ImageEntry
		frame []byte
	}
	var frames []pending
	for i, seg := range timeline.Segments {
		if seg.Index >= len(dialogue.Lines) {
			continue
		}
		if err := o.waitForToken(ctx, tn); err != nil {
			return "", err
		}
		prompt := imagePrompt(dialogue, dialogue.Lines[seg.Index].Text)
		data, err := o.images.Generate(ctx, prompt, o.renderWidth, o.renderHeight)
		if err != nil {
			return "", fmt.Errorf("image %d: %w", i, err)
		}
		frame, err := media.NormalizeFrame(data, o.renderWidth, o.renderHeight)
		if err != nil {
			return "", fmt.Errorf("image %d: %w", i, err)
		}
		id := fmt.Sprintf("%03d", i+1)
		frames = append(frames, pending{
			entry: run.ImageEntry{ID: id, File: run.ImagesDir + "/" + id + ".jpg", Prompt: prompt},
			frame: frame,
		})
	}
	if len(frames) == 0 {
		return "", fmt.Errorf("no images generated: empty timeline")
	}

	manifest := run.ImageManifest{}
	for _, p := range frames {
		if err := o.registry.Store().WriteBytes(ctx, run.ArtifactKey(tn, runID, p.entry.File), p.frame); err != nil {
			o.removeImages(ctx, tn, runID, manifest.Images)
			return "", err
		}
		manifest.Images = append(manifest.Images, p.entry)
	}
	// Manifest last: it completes the stage's artifact set.
	if err := o.registry.WriteJSON(ctx, tn, runID, run.ManifestFile, manifest); err != nil {
		o.removeImages(ctx, tn, runID, manifest.Images)
		return "", err
	}
	return run.ManifestFile, nil
}

// removeImages deletes image files written before a stage error so the run
// stays retryable. Best effort: a leftover file only delays the retry.
func (o *Orchestrator) removeImages(ctx context.Context, tn tenant.Tenant, runID string, entries []run.ImageEntry) {
	for _, e := range entries {
		if err := o.registry.Store().Delete(ctx, run.ArtifactKey(tn, runID, e.File)); err != nil {
			o.logger.Warn("partial image cleanup failed", "tenant", tn.ID, "run", runID, "file", e.File, "error", err)
		}
	}
}

func (o *Orchestrator) regenerateImage(ctx context.Context, tn tenant.Tenant, runID, imageID string) (string, error) {
	state, err := o.registry.State(ctx, tn, runID)
	if err != nil {
		return "", err
	}
	if !state.CanRegenerateImage {
		return "", fmt.Errorf("regenerate image on %s in step %s: %w", runID, state.CurrentStep, run.ErrPrecondition)
	}
	manifest, err := o.registry.ReadManifest(ctx, tn, runID)
	if err != nil {
		return "", err
	}
	idx := -1
	for i, entry := range manifest.Images {
		if entry.ID == imageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		return "", fmt.Errorf("image %s not in manifest: %w", imageID, run.ErrPrecondition)
	}

	if err := o.waitForToken(ctx, tn); err != nil {
		return "", err
	}
	data, err := o.images.Generate(ctx, manifest.Images[idx].Prompt, o.renderWidth, o.renderHeight)
	if err != nil {
		return "", err
	}
	frame, err := media.NormalizeFrame(data, o.renderWidth, o.renderHeight)
	if err != nil {
		return "", err
	}
	file := manifest.Images[idx].File
	if err := o.registry.Store().WriteBytes(ctx, run.ArtifactKey(tn, runID, file), frame); err != nil {
		return "", err
	}
	return file, nil
}

func (o *Orchestrator) generateVideo(ctx context.Context, tn tenant.Tenant, runID string) (string, error) {
	timeline, err := o.registry.ReadTimeline(ctx, tn, runID)
	if err != nil {
		return "", err
	}
	manifest, err := o.registry.ReadManifest(ctx, tn, runID)
	if err != nil {
		return "", err
	}
	if len(manifest.Images) == 0 {
		return "", fmt.Errorf("manifest has no images")
	}

	workDir, err := os.MkdirTemp("", "newsreel-render-*")
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	store := o.registry.Store()
	audioPath := filepath.Join(workDir, run.AudioFile)
	audio, err := store.ReadBytes(ctx, run.ArtifactKey(tn, runID, run.AudioFile))
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(audioPath, audio, 0o644); err != nil {
		return "", fmt.Errorf("stage audio locally: %w", err)
	}

	frames := make([]media.Frame, 0, len(manifest.Images))
	for i, entry := range manifest.Images {
		data, err := store.ReadBytes(ctx, run.ArtifactKey(tn, runID, entry.File))
		if err != nil {
			return "", err
		}
		framePath := filepath.Join(workDir, entry.ID+".jpg")
		if err := os.WriteFile(framePath, data, 0o644); err != nil {
			return "", fmt.Errorf("stage frame locally: %w", err)
		}
		frames = append(frames, media.Frame{Path: framePath, Duration: segmentDuration(timeline, i)})
	}

	outPath := filepath.Join(workDir, run.VideoFile)
	if err := o.video.Render(ctx, frames, audioPath, outPath); err != nil {
		return "", err
	}
	if err := store.CopyFromLocal(ctx, outPath, run.ArtifactKey(tn, runID, run.VideoFile)); err != nil {
		return "", err
	}
	return run.VideoFile, nil
}

func (o *Orchestrator) generateMetadata(ctx context.Context, tn tenant.Tenant, runID string, opts StageOptions) (string, error) {
	seed, err := o.registry.ReadSeed(ctx, tn, runID)
	if err != nil {
		return "", err
	}
	dialogue, err := o.registry.ReadDialogue(ctx, tn, runID)
	if err != nil {
		return "", err
	}

	meta := run.Metadata{
		Title:       dialogue.Title,
		Description: buildDescription(seed, dialogue),
		Tags:        buildTags(tn, seed),
		PublishAt:   publishAt(opts.PublishPolicy, tn, time.Now()),
	}
	if err := o.registry.WriteJSON(ctx, tn, runID, run.MetadataFile, meta); err != nil {
		return "", err
	}

	// Thumbnail from the first frame; best effort, not part of the chain.
	manifest, err := o.registry.ReadManifest(ctx, tn, runID)
	if err == nil && len(manifest.Images) > 0 {
		if data, err := o.registry.Store().ReadBytes(ctx, run.ArtifactKey(tn, runID, manifest.Images[0].File)); err == nil {
			if thumb, err := media.Thumbnail(data, 1280); err == nil {
				_ = o.registry.Store().WriteBytes(ctx, run.ArtifactKey(tn, runID, "thumbnail.jpg"), thumb)
			}
		}
	}
	return run.MetadataFile, nil
}

func (o *Orchestrator) upload(ctx context.Context, tn tenant.Tenant, runID string) (string, error) {
	var meta run.Metadata
	raw, err := o.registry.Store().ReadBytes(ctx, run.ArtifactKey(tn, runID, run.MetadataFile))
	if err != nil {
		return "", err
	}
	if err := json.Unmarshal(raw, &meta); err != nil {
		return "", fmt.Errorf("parse metadata: %w", err)
	}

	workDir, err := os.MkdirTemp("", "newsreel-upload-*")
	if err != nil {
		return "", fmt.Errorf("create work dir: %w", err)
	}
	defer os.RemoveAll(workDir)

	videoPath := filepath.Join(workDir, run.VideoFile)
	video, err := o.registry.Store().ReadBytes(ctx, run.ArtifactKey(tn, runID, run.VideoFile))
	if err != nil {
		return "", err
	}
	if err := os.WriteFile(videoPath, video, 0o644); err != nil {
		return "", fmt.Errorf("stage video locally: %w", err)
	}

	receipt, err := o.uploader.Upload(ctx, tn, videoPath, meta)
	if err != nil {
		return "", err
	}
	if err := o.registry.WriteJSON(ctx, tn, runID, run.UploadFile, receipt); err != nil {
		return "", err
	}
	return run.UploadFile, nil
}

func imagePrompt(d run.Dialogue, line string) string {
	return fmt.Sprintf("News illustration, editorial style, no text overlays. Topic: %s. Scene: %s", d.Title, line)
}

func segmentDuration(t run.Timeline, i int) time.Duration {
	if i >= len(t.Segments) {
		return 3 * time.Second
	}
	seg := t.Segments[i]
	d := time.Duration(seg.EndMS-seg.StartMS) * time.Millisecond
	if d <= 0 {
		return 3 * time.Second
	}
	return d
}

func buildDescription(seed run.Seed, d run.Dialogue) string {
	desc := d.Title
	if seed.Source != "" {
		desc += "\n\nSource: " + seed.Source
	}
	if seed.Title != "" && seed.Title != d.Title {
		desc += "\nStory: " + seed.Title
	}
	return desc
}

func buildTags(tn tenant.Tenant, seed run.Seed) []string {
	tags := []string{"news"}
	if seed.Category != "" {
		tags = append(tags, seed.Category)
	}
	if tn.Language != "" {
		tags = append(tags, tn.Language)
	}
	return tags
}

// publishAt maps the tenant's publish policy to an optional scheduled time:
// "now" publishes immediately, "evening" schedules 19:00 in the tenant's
// timezone (the next evening if that has already passed).
func publishAt(policy string, tn tenant.Tenant, now time.Time) *time.Time {
	if policy != "evening" {
		return nil
	}
	loc := tn.Location()
	local := now.In(loc)
	evening := time.Date(local.Year(), local.Month(), local.Day(), 19, 0, 0, 0, loc)
	if !evening.After(local) {
		evening = evening.AddDate(0, 0, 1)
	}
	utc := evening.UTC()
	return &utc
}
