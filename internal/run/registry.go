package run

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"
	"time"

	"newsreel/internal/storage"
	"newsreel/internal/tenant"
)

// ErrPrecondition is returned when a mutation is attempted out of order.
var ErrPrecondition = errors.New("run: precondition not met")

// ErrNotFound is returned when a run id has no artifacts at all.
var ErrNotFound = errors.New("run: not found")

// Registry derives run lifecycle state from artifact presence and performs
// the artifact-level mutations (seed creation, dialogue edits, drops).
type Registry struct {
	store storage.ArtifactStore

	// createMu serializes seed creation so concurrent creates in the same
	// second cannot derive the same run id.
	createMu sync.Mutex
}

// NewRegistry wraps an artifact store.
func NewRegistry(store storage.ArtifactStore) *Registry {
	return &Registry{store: store}
}

// Store exposes the underlying artifact store for stage writers.
func (r *Registry) Store() storage.ArtifactStore {
	return r.store
}

// RunPrefix is the storage prefix holding one run's artifacts.
func RunPrefix(tn tenant.Tenant, runID string) string {
	return path.Join(tn.StoragePrefix, "runs", runID)
}

// ArtifactKey addresses one artifact file within a run.
func ArtifactKey(tn tenant.Tenant, runID, name string) string {
	return path.Join(RunPrefix(tn, runID), name)
}

// Summary is one row of a run listing.
type Summary struct {
	RunID    string   `json:"run_id"`
	Presence Presence `json:"presence"`
	State    State    `json:"state"`
}

// Presence scans which artifacts exist for a run.
func (r *Registry) Presence(ctx context.Context, tn tenant.Tenant, runID string) (Presence, error) {
	keys, err := r.store.ListKeys(ctx, RunPrefix(tn, runID)+"/")
	if err != nil {
		return Presence{}, fmt.Errorf("scan run %s: %w", runID, err)
	}
	if len(keys) == 0 {
		return Presence{}, fmt.Errorf("%s: %w", runID, ErrNotFound)
	}
	return presenceFromKeys(RunPrefix(tn, runID), keys), nil
}

func presenceFromKeys(prefix string, keys []string) Presence {
	var p Presence
	for _, key := range keys {
		rel := strings.TrimPrefix(strings.TrimPrefix(key, prefix), "/")
		switch rel {
		case SeedFile:
			p.Seed = true
		case NewsDataFile:
			p.NewsData = true
		case DialogueFile:
			p.Dialogue = true
		case AudioFile:
			p.Audio = true
		case TimelineFile:
			p.Timeline = true
		case ManifestFile:
			p.ImagesManifest = true
		case VideoFile:
			p.Video = true
		case MetadataFile:
			p.Metadata = true
		case UploadFile:
			p.Upload = true
		default:
			if strings.HasPrefix(rel, ImagesDir+"/") {
				p.Images = true
			}
		}
	}
	return p
}

// State derives the lifecycle state for a run.
func (r *Registry) State(ctx context.Context, tn tenant.Tenant, runID string) (State, error) {
	p, err := r.Presence(ctx, tn, runID)
	if err != nil {
		return State{}, err
	}
	return DeriveState(p), nil
}

// List scans all runs for a tenant, newest first.
func (r *Registry) List(ctx context.Context, tn tenant.Tenant) ([]Summary, error) {
	root := path.Join(tn.StoragePrefix, "runs") + "/"
	keys, err := r.store.ListKeys(ctx, root)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	byRun := make(map[string][]string)
	for _, key := range keys {
		rel := strings.TrimPrefix(key, root)
		runID, _, ok := strings.Cut(rel, "/")
		if !ok || !strings.HasPrefix(runID, "run_") {
			continue
		}
		byRun[runID] = append(byRun[runID], key)
	}
	out := make([]Summary, 0, len(byRun))
	for runID, runKeys := range byRun {
		p := presenceFromKeys(path.Join(tn.StoragePrefix, "runs", runID), runKeys)
		out = append(out, Summary{RunID: runID, Presence: p, State: DeriveState(p)})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RunID > out[j].RunID })
	return out, nil
}

// CreateSeed starts a new run from a news item, writing the seed and the raw
// news data. The run id is derived from the creation timestamp; ids have
// one-second resolution, so creation advances the timestamp past any run
// that already exists rather than overwriting its seed.
func (r *Registry) CreateSeed(ctx context.Context, tn tenant.Tenant, seed Seed, newsData []byte, now time.Time) (string, error) {
	r.createMu.Lock()
	defer r.createMu.Unlock()

	runID := NewRunID(now)
	for {
		taken, err := r.store.Exists(ctx, ArtifactKey(tn, runID, SeedFile))
		if err != nil {
			return "", fmt.Errorf("check run id %s: %w", runID, err)
		}
		if !taken {
			break
		}
		now = now.Add(time.Second)
		runID = NewRunID(now)
	}
	seed.RunID = runID
	seed.CreatedAt = now.UTC()

	raw, err := json.Marshal(seed)
	if err != nil {
		return "", fmt.Errorf("marshal seed: %w", err)
	}
	if err := r.store.WriteBytes(ctx, ArtifactKey(tn, runID, SeedFile), raw); err != nil {
		return "", fmt.Errorf("write seed: %w", err)
	}
	if len(newsData) > 0 {
		if err := r.store.WriteBytes(ctx, ArtifactKey(tn, runID, NewsDataFile), newsData); err != nil {
			return "", fmt.Errorf("write news data: %w", err)
		}
	}
	return runID, nil
}

// ReadDialogue loads the dialogue artifact.
func (r *Registry) ReadDialogue(ctx context.Context, tn tenant.Tenant, runID string) (Dialogue, error) {
	var d Dialogue
	if err := r.readJSON(ctx, tn, runID, DialogueFile, &d); err != nil {
		return Dialogue{}, err
	}
	return d, nil
}

// ReadTimeline loads the timeline artifact.
func (r *Registry) ReadTimeline(ctx context.Context, tn tenant.Tenant, runID string) (Timeline, error) {
	var t Timeline
	if err := r.readJSON(ctx, tn, runID, TimelineFile, &t); err != nil {
		return Timeline{}, err
	}
	return t, nil
}

// ReadManifest loads the images manifest artifact.
func (r *Registry) ReadManifest(ctx context.Context, tn tenant.Tenant, runID string) (ImageManifest, error) {
	var m ImageManifest
	if err := r.readJSON(ctx, tn, runID, ManifestFile, &m); err != nil {
		return ImageManifest{}, err
	}
	return m, nil
}

// ReadSeed loads the seed artifact.
func (r *Registry) ReadSeed(ctx context.Context, tn tenant.Tenant, runID string) (Seed, error) {
	var s Seed
	if err := r.readJSON(ctx, tn, runID, SeedFile, &s); err != nil {
		return Seed{}, err
	}
	return s, nil
}

func (r *Registry) readJSON(ctx context.Context, tn tenant.Tenant, runID, name string, v any) error {
	raw, err := r.store.ReadBytes(ctx, ArtifactKey(tn, runID, name))
	if err != nil {
		return fmt.Errorf("read %s: %w", name, err)
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	return nil
}

// WriteJSON writes a JSON artifact for a run.
func (r *Registry) WriteJSON(ctx context.Context, tn tenant.Tenant, runID, name string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", name, err)
	}
	if err := r.store.WriteBytes(ctx, ArtifactKey(tn, runID, name), raw); err != nil {
		return fmt.Errorf("write %s: %w", name, err)
	}
	return nil
}

// EditDialogue replaces the dialogue artifact. Editing is rejected once audio
// exists, since the recorded timeline would no longer match the text.
func (r *Registry) EditDialogue(ctx context.Context, tn tenant.Tenant, runID string, d Dialogue) error {
	state, err := r.State(ctx, tn, runID)
	if err != nil {
		return err
	}
	if !state.CanEditDialogue {
		return fmt.Errorf("edit dialogue on %s in step %s: %w", runID, state.CurrentStep, ErrPrecondition)
	}
	return r.WriteJSON(ctx, tn, runID, DialogueFile, d)
}

// DropAudio deletes the audio and timeline artifacts to force regeneration.
// Downstream images/video bytes are left in place; state derivation treats
// them as stale until the chain is rebuilt.
func (r *Registry) DropAudio(ctx context.Context, tn tenant.Tenant, runID string) error {
	state, err := r.State(ctx, tn, runID)
	if err != nil {
		return err
	}
	if !state.CanDropAudio {
		return fmt.Errorf("drop audio on %s in step %s: %w", runID, state.CurrentStep, ErrPrecondition)
	}
	if err := r.store.Delete(ctx, ArtifactKey(tn, runID, AudioFile)); err != nil {
		return fmt.Errorf("drop audio: %w", err)
	}
	if err := r.store.Delete(ctx, ArtifactKey(tn, runID, TimelineFile)); err != nil {
		return fmt.Errorf("drop timeline: %w", err)
	}
	return nil
}

// DropImages deletes every generated image and the manifest.
func (r *Registry) DropImages(ctx context.Context, tn tenant.Tenant, runID string) error {
	state, err := r.State(ctx, tn, runID)
	if err != nil {
		return err
	}
	if !state.CanDropImages {
		return fmt.Errorf("drop images on %s in step %s: %w", runID, state.CurrentStep, ErrPrecondition)
	}
	keys, err := r.store.ListKeys(ctx, ArtifactKey(tn, runID, ImagesDir)+"/")
	if err != nil {
		return fmt.Errorf("list images: %w", err)
	}
	for _, key := range keys {
		if err := r.store.Delete(ctx, key); err != nil {
			return fmt.Errorf("drop image %s: %w", key, err)
		}
	}
	if err := r.store.Delete(ctx, ArtifactKey(tn, runID, ManifestFile)); err != nil {
		return fmt.Errorf("drop manifest: %w", err)
	}
	return nil
}

// DropVideo deletes the rendered video.
func (r *Registry) DropVideo(ctx context.Context, tn tenant.Tenant, runID string) error {
	state, err := r.State(ctx, tn, runID)
	if err != nil {
		return err
	}
	if !state.CanDropVideo {
		return fmt.Errorf("drop video on %s in step %s: %w", runID, state.CurrentStep, ErrPrecondition)
	}
	if err := r.store.Delete(ctx, ArtifactKey(tn, runID, VideoFile)); err != nil {
		return fmt.Errorf("drop video: %w", err)
	}
	return nil
}
