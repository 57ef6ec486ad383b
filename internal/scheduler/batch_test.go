package scheduler

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/jpeg"
	"math/rand"
	"os"
	"sync"
	"testing"
	"time"

	"newsreel/internal/history"
	"newsreel/internal/media"
	"newsreel/internal/news"
	"newsreel/internal/pipeline"
	"newsreel/internal/run"
	"newsreel/internal/selection"
	"newsreel/internal/storage"
	"newsreel/internal/tenant"
)

var batchTenant = tenant.Tenant{
	ID:            "daily-en",
	Language:      "en",
	Timezone:      "UTC",
	NewsSource:    "wire-en",
	StoragePrefix: "tenants/daily-en",
}

type fakeNews struct {
	items []news.Item
	err   error
}

func (f *fakeNews) FetchNews(_ context.Context, _ string) (news.Digest, error) {
	if f.err != nil {
		return news.Digest{}, f.err
	}
	return news.Digest{Items: f.items}, nil
}

type failRanker struct{}

func (failRanker) Rank(context.Context, []news.Item, []history.VideoStats) ([]string, error) {
	return nil, errors.New("ranking backend down")
}

type fakeRunner struct {
	mu      sync.Mutex
	created []string
	failOn  map[string]bool // news item id -> fail ProcessAll
}

func (f *fakeRunner) CreateRun(_ context.Context, _ tenant.Tenant, item news.Item) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.created = append(f.created, item.ID)
	return "run_2026-03-01_08-00-0" + item.ID, nil
}

func (f *fakeRunner) ProcessAll(_ context.Context, _ tenant.Tenant, runID string, _ pipeline.StageOptions) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, fail := range f.failOn {
		if fail && runID == "run_2026-03-01_08-00-0"+id {
			return errors.New("stage audio failed")
		}
	}
	return nil
}

func newTestBatch(t *testing.T, src news.Source, runner PipelineRunner) (*Batch, storage.ArtifactStore) {
	t.Helper()
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	b := NewBatch(BatchDeps{
		Store:       store,
		News:        src,
		Policy:      selection.NewPolicy(failRanker{}, rand.New(rand.NewSource(7))),
		Runner:      runner,
		Concurrency: 2,
	})
	return b, store
}

func enabledConfig(n int, llmSlot int) Config {
	cfg := Config{Enabled: true, GenerationTime: "08:00"}
	for i := 0; i < n; i++ {
		mode := selection.ModeRandom
		if i == llmSlot {
			mode = selection.ModeLLM
		}
		cfg.Runs = append(cfg.Runs, ScheduledRunConfig{Enabled: true, SelectionMode: mode})
	}
	return cfg
}

func loadSnapshot(t *testing.T, store storage.ArtifactStore) State {
	t.Helper()
	st, err := LoadState(context.Background(), store, batchTenant)
	if err != nil {
		t.Fatalf("snapshot missing: %v", err)
	}
	return st
}

func TestBatchNoEnabledSlots(t *testing.T) {
	runner := &fakeRunner{}
	b, store := newTestBatch(t, &fakeNews{items: []news.Item{{ID: "1"}}}, runner)

	cfg := Config{Enabled: true, GenerationTime: "08:00", Runs: []ScheduledRunConfig{{Enabled: false}}}
	b.RunBatch(context.Background(), batchTenant, cfg)

	st := loadSnapshot(t, store)
	if st.Status != StatusError {
		t.Fatalf("status = %s, want error", st.Status)
	}
	if st.Message == "" {
		t.Fatal("error snapshot has no message")
	}
	if len(runner.created) != 0 {
		t.Fatal("generation attempted with zero enabled slots")
	}
}

func TestBatchNoNews(t *testing.T) {
	runner := &fakeRunner{}
	b, store := newTestBatch(t, &fakeNews{}, runner)

	b.RunBatch(context.Background(), batchTenant, enabledConfig(2, -1))

	st := loadSnapshot(t, store)
	if st.Status != StatusError {
		t.Fatalf("status = %s, want error", st.Status)
	}
	if len(runner.created) != 0 {
		t.Fatal("generation attempted with no news")
	}
}

func TestBatchNewsFetchFailure(t *testing.T) {
	runner := &fakeRunner{}
	b, store := newTestBatch(t, &fakeNews{err: errors.New("source 503")}, runner)

	b.RunBatch(context.Background(), batchTenant, enabledConfig(1, -1))

	st := loadSnapshot(t, store)
	if st.Status != StatusError {
		t.Fatalf("status = %s, want error", st.Status)
	}
	if len(runner.created) != 0 {
		t.Fatal("generation attempted after fetch failure")
	}
}

func TestBatchMixedSlotsFailingRankerDistinctItems(t *testing.T) {
	pool := []news.Item{
		{ID: "a", Title: "A"}, {ID: "b", Title: "B"},
		{ID: "c", Title: "C"}, {ID: "d", Title: "D"},
	}
	runner := &fakeRunner{}
	b, store := newTestBatch(t, &fakeNews{items: pool}, runner)

	// 3 slots, one llm whose ranker always fails: selection must still fill
	// every slot via the random fallback and no item may repeat.
	b.RunBatch(context.Background(), batchTenant, enabledConfig(3, 1))

	st := loadSnapshot(t, store)
	if st.Status != StatusSuccess {
		t.Fatalf("status = %s, want success (errors: %v)", st.Status, st.Errors)
	}
	if len(st.RunIDs) != 3 {
		t.Fatalf("run ids = %v, want 3", st.RunIDs)
	}
	seen := map[string]bool{}
	for _, id := range runner.created {
		if seen[id] {
			t.Fatalf("news item %s assigned twice", id)
		}
		seen[id] = true
	}
	if len(seen) != 3 {
		t.Fatalf("created from %d distinct items, want 3", len(seen))
	}
}

func TestBatchPartialFailure(t *testing.T) {
	pool := []news.Item{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	runner := &fakeRunner{failOn: map[string]bool{"b": true}}
	b, store := newTestBatch(t, &fakeNews{items: pool}, runner)

	b.RunBatch(context.Background(), batchTenant, enabledConfig(3, -1))

	st := loadSnapshot(t, store)
	if st.Status != StatusPartial {
		t.Fatalf("status = %s, want partial", st.Status)
	}
	if len(st.RunIDs) != 2 {
		t.Fatalf("run ids = %v, want 2 successes", st.RunIDs)
	}
	if len(st.Errors) != 1 {
		t.Fatalf("errors = %v, want 1", st.Errors)
	}
	if st.Errors[0].RunID == "" || st.Errors[0].Error == "" {
		t.Fatalf("failure not attributable: %+v", st.Errors[0])
	}
}

func TestBatchAllSlotsFail(t *testing.T) {
	pool := []news.Item{{ID: "a"}, {ID: "b"}}
	runner := &fakeRunner{failOn: map[string]bool{"a": true, "b": true}}
	b, store := newTestBatch(t, &fakeNews{items: pool}, runner)

	b.RunBatch(context.Background(), batchTenant, enabledConfig(2, -1))

	st := loadSnapshot(t, store)
	if st.Status != StatusError {
		t.Fatalf("status = %s, want error", st.Status)
	}
	if len(st.Errors) != 2 {
		t.Fatalf("errors = %v, want 2", st.Errors)
	}
}

type stubDialogue struct{}

func (stubDialogue) Write(_ context.Context, tn tenant.Tenant, _ run.Seed, _, _ string) (run.Dialogue, error) {
	return run.Dialogue{
		Title:    "Stub",
		Language: tn.Language,
		Lines:    []run.DialogueLine{{Speaker: "HOST", Text: "hello"}},
	}, nil
}

type stubSpeech struct{}

func (stubSpeech) Synthesize(_ context.Context, _ string, d run.Dialogue) ([]byte, run.Timeline, error) {
	tl := run.Timeline{}
	for i := range d.Lines {
		tl.Segments = append(tl.Segments, run.TimelineSegment{Index: i, StartMS: i * 1000, EndMS: (i + 1) * 1000})
	}
	return []byte("mp3"), tl, nil
}

type stubImages struct{}

func (stubImages) Generate(_ context.Context, _ string, width, height int) ([]byte, error) {
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, image.NewRGBA(image.Rect(0, 0, width/4, height/4)), nil); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

type stubVideo struct{}

func (stubVideo) Render(_ context.Context, _ []media.Frame, _, outPath string) error {
	return os.WriteFile(outPath, []byte("mp4"), 0o644)
}

type stubUploader struct{}

func (stubUploader) Upload(_ context.Context, _ tenant.Tenant, _ string, _ run.Metadata) (run.UploadReceipt, error) {
	return run.UploadReceipt{VideoID: "vid", URL: "https://youtu.be/vid", UploadedAt: time.Now()}, nil
}

func TestBatchConcurrentSlotsGetDistinctRuns(t *testing.T) {
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	registry := run.NewRegistry(store)
	orch := pipeline.New(pipeline.Deps{
		Registry:    registry,
		Dialogue:    stubDialogue{},
		Speech:      stubSpeech{},
		Images:      stubImages{},
		Video:       stubVideo{},
		Uploader:    stubUploader{},
		RenderWidth: 320, RenderHeight: 180,
	})
	pool := []news.Item{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	b := NewBatch(BatchDeps{
		Store:       store,
		Registry:    registry,
		News:        &fakeNews{items: pool},
		Policy:      selection.NewPolicy(failRanker{}, rand.New(rand.NewSource(7))),
		Runner:      orch,
		Concurrency: 3,
	})

	// All three slots create runs in the same wall-clock second; each must
	// still get its own run id and its own seed.
	b.RunBatch(context.Background(), batchTenant, enabledConfig(3, -1))

	st := loadSnapshot(t, store)
	if st.Status != StatusSuccess {
		t.Fatalf("status = %s (errors: %v)", st.Status, st.Errors)
	}
	if len(st.RunIDs) != 3 {
		t.Fatalf("run ids = %v, want 3", st.RunIDs)
	}
	distinct := map[string]bool{}
	for _, id := range st.RunIDs {
		distinct[id] = true
	}
	if len(distinct) != 3 {
		t.Fatalf("run ids not distinct: %v", st.RunIDs)
	}

	items := map[string]bool{}
	for _, id := range st.RunIDs {
		seed, err := registry.ReadSeed(context.Background(), batchTenant, id)
		if err != nil {
			t.Fatalf("read seed %s: %v", id, err)
		}
		items[seed.NewsItemID] = true
		state, err := registry.State(context.Background(), batchTenant, id)
		if err != nil {
			t.Fatal(err)
		}
		if state.CurrentStep != run.StepUploaded {
			t.Fatalf("run %s ended at %s", id, state.CurrentStep)
		}
	}
	if len(items) != 3 {
		t.Fatalf("seeds cover %d distinct items, want 3", len(items))
	}
}

// cancelAwareStore refuses writes once the caller's context is cancelled,
// the way a real object store would.
type cancelAwareStore struct {
	storage.ArtifactStore
}

func (s cancelAwareStore) WriteBytes(ctx context.Context, key string, data []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.ArtifactStore.WriteBytes(ctx, key, data)
}

type ctxNews struct{}

func (ctxNews) FetchNews(ctx context.Context, _ string) (news.Digest, error) {
	if err := ctx.Err(); err != nil {
		return news.Digest{}, err
	}
	return news.Digest{Items: []news.Item{{ID: "a"}}}, nil
}

func TestBatchSnapshotSurvivesCancellation(t *testing.T) {
	local, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	store := cancelAwareStore{ArtifactStore: local}
	runner := &fakeRunner{}
	b := NewBatch(BatchDeps{
		Store:  store,
		News:   ctxNews{},
		Policy: selection.NewPolicy(failRanker{}, rand.New(rand.NewSource(7))),
		Runner: runner,
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	b.RunBatch(ctx, batchTenant, enabledConfig(1, -1))

	st, err := LoadState(context.Background(), local, batchTenant)
	if err != nil {
		t.Fatalf("snapshot missing after cancelled batch: %v", err)
	}
	if st.Status != StatusError {
		t.Fatalf("status = %s, want error", st.Status)
	}
}

func TestConfigValidate(t *testing.T) {
	good := Config{GenerationTime: "07:30", Runs: []ScheduledRunConfig{{SelectionMode: "llm"}}}
	if err := good.Validate(); err != nil {
		t.Fatal(err)
	}
	if err := (Config{GenerationTime: "7am"}).Validate(); err == nil {
		t.Fatal("bad generation time accepted")
	}
	bad := Config{GenerationTime: "07:30", Runs: []ScheduledRunConfig{{SelectionMode: "oracle"}}}
	if err := bad.Validate(); err == nil {
		t.Fatal("bad selection mode accepted")
	}
}
