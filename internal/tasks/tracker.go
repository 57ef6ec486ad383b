package tasks

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"newsreel/internal/telemetry"
)

// ErrTaskRunning is returned when a launch races an in-flight task for the same key.
var ErrTaskRunning = errors.New("tasks: already running")

// ErrNotFound is returned when no task exists for a key.
var ErrNotFound = errors.New("tasks: not found")

// Task status values. The only legal transitions are running→completed and
// running→error; there is no cancellation and no automatic retry.
const (
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Status is the queryable record of one background task.
type Status struct {
	Key     string `json:"key"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
	Result  any    `json:"result,omitempty"`
}

// StageKey builds the task key for a run's stage execution.
func StageKey(runID, stage string) string {
	return runID + ":" + stage
}

// ImageKey builds the task key for a per-image regeneration.
func ImageKey(runID, imageID string) string {
	return runID + ":image:" + imageID
}

// Work is the unit executed on the tracker's worker pool. A non-nil result is
// stored on completion; an error moves the task to the error status.
type Work func(ctx context.Context) (any, error)

// Tracker is the single-flight registry for background stage executions.
// It is explicitly constructed and injected; finished entries stay queryable
// until cleared.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*Status
	running map[string]struct{}

	baseCtx context.Context
	sem     chan struct{}
	wg      sync.WaitGroup
}

// NewTracker builds a tracker whose work runs under baseCtx on a pool of at
// most workers goroutines.
func NewTracker(baseCtx context.Context, workers int) *Tracker {
	if workers <= 0 {
		workers = 1
	}
	return &Tracker{
		entries: make(map[string]*Status),
		running: make(map[string]struct{}),
		baseCtx: baseCtx,
		sem:     make(chan struct{}, workers),
	}
}

// Launch registers a task and executes it in the background. It fails fast
// with ErrTaskRunning when the key's current status is running, without
// touching the existing entry. Launch never blocks on the worker pool.
func (t *Tracker) Launch(key string, work Work) error {
	t.mu.Lock()
	if _, inFlight := t.running[key]; inFlight {
		t.mu.Unlock()
		telemetry.TaskLaunchConflicts.Inc()
		return fmt.Errorf("%s: %w", key, ErrTaskRunning)
	}
	t.entries[key] = &Status{Key: key, Status: StatusRunning}
	t.running[key] = struct{}{}
	t.mu.Unlock()
	telemetry.RunningTasksGauge.Inc()

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		select {
		case t.sem <- struct{}{}:
		case <-t.baseCtx.Done():
			t.finish(key, nil, t.baseCtx.Err())
			return
		}
		defer func() { <-t.sem }()

		result, err := work(t.baseCtx)
		t.finish(key, result, err)
	}()
	return nil
}

func (t *Tracker) finish(key string, result any, err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key]
	if !ok || entry.Status != StatusRunning {
		return
	}
	delete(t.running, key)
	telemetry.RunningTasksGauge.Dec()
	if err != nil {
		entry.Status = StatusError
		entry.Message = err.Error()
		entry.Result = nil
		return
	}
	entry.Status = StatusCompleted
	entry.Result = result
}

// Get returns the status for a key.
func (t *Tracker) Get(key string) (Status, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	entry, ok := t.entries[key]
	if !ok {
		return Status{}, fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return *entry, nil
}

// RunningForRun lists in-flight tasks belonging to one run. The running index
// keeps this proportional to active tasks, not every task ever launched.
func (t *Tracker) RunningForRun(runID string) []Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Status
	for key := range t.running {
		if strings.HasPrefix(key, runID+":") {
			out = append(out, *t.entries[key])
		}
	}
	return out
}

// AllRunning lists every in-flight task.
func (t *Tracker) AllRunning() []Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Status, 0, len(t.running))
	for key := range t.running {
		out = append(out, *t.entries[key])
	}
	return out
}

// Clear removes a finished entry. In-flight entries are kept; there is no
// cancellation.
func (t *Tracker) Clear(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, inFlight := t.running[key]; inFlight {
		return
	}
	delete(t.entries, key)
}

// Wait blocks until all launched tasks have finished. Used for shutdown and tests.
func (t *Tracker) Wait() {
	t.wg.Wait()
}
