package run

import (
	"context"
	"errors"
	"testing"
	"time"

	"newsreel/internal/storage"
	"newsreel/internal/tenant"
)

var testTenant = tenant.Tenant{
	ID:            "daily-en",
	StoragePrefix: "tenants/daily-en",
}

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatalf("new local store: %v", err)
	}
	return NewRegistry(store)
}

func TestCreateSeedAndPresence(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	runID, err := reg.CreateSeed(ctx, testTenant, Seed{NewsItemID: "n1", Title: "headline"}, []byte(`{"items":[]}`), now)
	if err != nil {
		t.Fatalf("create seed: %v", err)
	}
	if runID != "run_2026-01-02_03-04-05" {
		t.Fatalf("unexpected run id %s", runID)
	}

	p, err := reg.Presence(ctx, testTenant, runID)
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if !p.Seed || !p.NewsData || p.Dialogue {
		t.Fatalf("unexpected presence %+v", p)
	}

	state := DeriveState(p)
	if state.CurrentStep != StepReadyForDialogue {
		t.Fatalf("expected ready_for_dialogue, got %s", state.CurrentStep)
	}

	seed, err := reg.ReadSeed(ctx, testTenant, runID)
	if err != nil {
		t.Fatalf("read seed: %v", err)
	}
	if seed.RunID != runID || seed.NewsItemID != "n1" {
		t.Fatalf("unexpected seed %+v", seed)
	}
}

func TestCreateSeedSameSecondAdvancesRunID(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)

	first, err := reg.CreateSeed(ctx, testTenant, Seed{NewsItemID: "n1"}, nil, now)
	if err != nil {
		t.Fatalf("first create: %v", err)
	}
	second, err := reg.CreateSeed(ctx, testTenant, Seed{NewsItemID: "n2"}, nil, now)
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if first != "run_2026-01-02_03-04-05" || second != "run_2026-01-02_03-04-06" {
		t.Fatalf("ids = %s, %s", first, second)
	}

	seed, err := reg.ReadSeed(ctx, testTenant, first)
	if err != nil {
		t.Fatalf("read first seed: %v", err)
	}
	if seed.NewsItemID != "n1" {
		t.Fatalf("first seed overwritten, holds %q", seed.NewsItemID)
	}
	seed, err = reg.ReadSeed(ctx, testTenant, second)
	if err != nil {
		t.Fatalf("read second seed: %v", err)
	}
	if seed.NewsItemID != "n2" || seed.RunID != second {
		t.Fatalf("unexpected second seed %+v", seed)
	}

	// A burst filling consecutive seconds keeps advancing.
	third, err := reg.CreateSeed(ctx, testTenant, Seed{NewsItemID: "n3"}, nil, now)
	if err != nil {
		t.Fatalf("third create: %v", err)
	}
	if third != "run_2026-01-02_03-04-07" {
		t.Fatalf("third id = %s", third)
	}
}

func TestPresenceUnknownRun(t *testing.T) {
	reg := newTestRegistry(t)
	_, err := reg.Presence(context.Background(), testTenant, "run_2026-01-01_00-00-00")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEditDialogueGuard(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	runID, err := reg.CreateSeed(ctx, testTenant, Seed{NewsItemID: "n1"}, nil, time.Now())
	if err != nil {
		t.Fatalf("create seed: %v", err)
	}
	d := Dialogue{Title: "t", Lines: []DialogueLine{{Speaker: "A", Text: "hi"}}}

	// No dialogue yet: edit must be rejected.
	if err := reg.EditDialogue(ctx, testTenant, runID, d); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}

	if err := reg.WriteJSON(ctx, testTenant, runID, DialogueFile, d); err != nil {
		t.Fatalf("write dialogue: %v", err)
	}
	d.Lines[0].Text = "hello"
	if err := reg.EditDialogue(ctx, testTenant, runID, d); err != nil {
		t.Fatalf("edit dialogue: %v", err)
	}

	// Once audio exists the edit is disallowed: the timeline would desync.
	if err := reg.Store().WriteBytes(ctx, ArtifactKey(testTenant, runID, AudioFile), []byte("mp3")); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	if err := reg.EditDialogue(ctx, testTenant, runID, d); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected precondition error after audio, got %v", err)
	}
}

func TestDropAudioLeavesStaleDownstream(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	store := reg.Store()

	runID, err := reg.CreateSeed(ctx, testTenant, Seed{NewsItemID: "n1"}, nil, time.Now())
	if err != nil {
		t.Fatalf("create seed: %v", err)
	}
	artifacts := map[string][]byte{
		DialogueFile:          []byte(`{"title":"t","lines":[]}`),
		AudioFile:             []byte("mp3"),
		TimelineFile:          []byte(`{"segments":[]}`),
		ImagesDir + "/001.jpg": []byte("jpg"),
		ManifestFile:          []byte(`{"images":[]}`),
		VideoFile:             []byte("mp4"),
	}
	for name, data := range artifacts {
		if err := store.WriteBytes(ctx, ArtifactKey(testTenant, runID, name), data); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	if err := reg.DropAudio(ctx, testTenant, runID); err != nil {
		t.Fatalf("drop audio: %v", err)
	}

	p, err := reg.Presence(ctx, testTenant, runID)
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if p.Audio || p.Timeline {
		t.Fatalf("audio artifacts survived the drop: %+v", p)
	}
	if !p.Images || !p.Video {
		t.Fatalf("drop must not cascade-delete downstream bytes: %+v", p)
	}
	state := DeriveState(p)
	if state.CurrentStep != StepReadyForAudio {
		t.Fatalf("expected ready_for_audio, got %s", state.CurrentStep)
	}
	if state.CanGenerateVideo {
		t.Fatalf("stale images/video must not satisfy video preconditions")
	}

	// A second drop has nothing to delete and is rejected.
	if err := reg.DropAudio(ctx, testTenant, runID); !errors.Is(err, ErrPrecondition) {
		t.Fatalf("expected precondition error, got %v", err)
	}
}

func TestDropImagesRemovesManifest(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)
	store := reg.Store()

	runID, err := reg.CreateSeed(ctx, testTenant, Seed{}, nil, time.Now())
	if err != nil {
		t.Fatalf("create seed: %v", err)
	}
	for _, name := range []string{ImagesDir + "/001.jpg", ImagesDir + "/002.jpg", ManifestFile} {
		if err := store.WriteBytes(ctx, ArtifactKey(testTenant, runID, name), []byte("x")); err != nil {
			t.Fatalf("write %s: %v", name, err)
		}
	}

	if err := reg.DropImages(ctx, testTenant, runID); err != nil {
		t.Fatalf("drop images: %v", err)
	}
	p, err := reg.Presence(ctx, testTenant, runID)
	if err != nil {
		t.Fatalf("presence: %v", err)
	}
	if p.Images || p.ImagesManifest {
		t.Fatalf("images survived the drop: %+v", p)
	}
}

func TestListRuns(t *testing.T) {
	ctx := context.Background()
	reg := newTestRegistry(t)

	for i, ts := range []time.Time{
		time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC),
		time.Date(2026, 1, 2, 8, 0, 0, 0, time.UTC),
	} {
		if _, err := reg.CreateSeed(ctx, testTenant, Seed{NewsItemID: "n"}, nil, ts); err != nil {
			t.Fatalf("create seed %d: %v", i, err)
		}
	}

	runs, err := reg.List(ctx, testTenant)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("expected 2 runs, got %d", len(runs))
	}
	if runs[0].RunID != "run_2026-01-02_08-00-00" {
		t.Fatalf("expected newest first, got %s", runs[0].RunID)
	}
	if runs[0].State.CurrentStep != StepReadyForDialogue {
		t.Fatalf("unexpected step %s", runs[0].State.CurrentStep)
	}
}
