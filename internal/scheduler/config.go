package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path"
	"time"

	"newsreel/internal/storage"
	"newsreel/internal/tenant"
)

// Batch outcome values recorded in the state snapshot.
const (
	StatusSuccess = "success"
	StatusPartial = "partial"
	StatusError   = "error"
)

// ScheduledRunConfig describes one run slot of a tenant's daily batch.
type ScheduledRunConfig struct {
	Enabled        bool   `json:"enabled"`
	SelectionMode  string `json:"selection_mode"`
	PromptOverride string `json:"prompt_override,omitempty"`
}

// Config is a tenant's persisted scheduling configuration.
type Config struct {
	Enabled        bool                 `json:"enabled"`
	GenerationTime string               `json:"generation_time"`
	PublishPolicy  string               `json:"publish_policy,omitempty"`
	Runs           []ScheduledRunConfig `json:"runs"`
}

// EnabledRuns returns the run slots that participate in a batch, keyed by
// their position in the configured list.
func (c Config) EnabledRuns() map[int]ScheduledRunConfig {
	out := make(map[int]ScheduledRunConfig)
	for i, r := range c.Runs {
		if r.Enabled {
			out[i] = r
		}
	}
	return out
}

// Validate checks the fields an operator can get wrong.
func (c Config) Validate() error {
	if _, err := parseGenerationTime(c.GenerationTime); err != nil {
		return err
	}
	for i, r := range c.Runs {
		switch r.SelectionMode {
		case "", "random", "llm":
		default:
			return fmt.Errorf("run %d: unknown selection mode %q", i, r.SelectionMode)
		}
	}
	return nil
}

// BatchError attributes one failed run slot.
type BatchError struct {
	Slot  int    `json:"slot"`
	RunID string `json:"run_id,omitempty"`
	Error string `json:"error"`
}

// State is the snapshot written after every batch, successful or not.
type State struct {
	BatchID   string       `json:"batch_id"`
	LastRunAt time.Time    `json:"last_run_at"`
	Status    string       `json:"status"`
	Message   string       `json:"message,omitempty"`
	RunIDs    []string     `json:"run_ids,omitempty"`
	Errors    []BatchError `json:"errors,omitempty"`
}

func configKey(tn tenant.Tenant) string {
	return path.Join(tn.StoragePrefix, "config", "scheduler_config.json")
}

func stateKey(tn tenant.Tenant) string {
	return path.Join(tn.StoragePrefix, "config", "scheduler_state.json")
}

// LoadConfig reads a tenant's scheduler config. A tenant that has never been
// configured gets a disabled zero config, not an error.
func LoadConfig(ctx context.Context, store storage.ArtifactStore, tn tenant.Tenant) (Config, error) {
	raw, err := store.ReadBytes(ctx, configKey(tn))
	if errors.Is(err, storage.ErrNotFound) {
		return Config{GenerationTime: "08:00"}, nil
	}
	if err != nil {
		return Config{}, fmt.Errorf("load scheduler config for %s: %w", tn.ID, err)
	}
	var cfg Config
	if err := json.Unmarshal(raw, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse scheduler config for %s: %w", tn.ID, err)
	}
	return cfg, nil
}

// SaveConfig persists a tenant's scheduler config.
func SaveConfig(ctx context.Context, store storage.ArtifactStore, tn tenant.Tenant, cfg Config) error {
	raw, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal scheduler config: %w", err)
	}
	if err := store.WriteBytes(ctx, configKey(tn), raw); err != nil {
		return fmt.Errorf("save scheduler config for %s: %w", tn.ID, err)
	}
	return nil
}

// LoadState reads the last batch snapshot for a tenant.
func LoadState(ctx context.Context, store storage.ArtifactStore, tn tenant.Tenant) (State, error) {
	raw, err := store.ReadBytes(ctx, stateKey(tn))
	if err != nil {
		return State{}, err
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("parse scheduler state for %s: %w", tn.ID, err)
	}
	return st, nil
}

// SaveState writes the batch snapshot.
func SaveState(ctx context.Context, store storage.ArtifactStore, tn tenant.Tenant, st State) error {
	raw, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal scheduler state: %w", err)
	}
	if err := store.WriteBytes(ctx, stateKey(tn), raw); err != nil {
		return fmt.Errorf("save scheduler state for %s: %w", tn.ID, err)
	}
	return nil
}

// parseGenerationTime parses the daily "HH:MM" trigger.
func parseGenerationTime(s string) (time.Time, error) {
	t, err := time.Parse("15:04", s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid generation time %q (want HH:MM)", s)
	}
	return t, nil
}

// NextFire computes the next daily trigger after now for a generation time in
// the tenant's timezone.
func NextFire(generationTime string, loc *time.Location, now time.Time) (time.Time, error) {
	at, err := parseGenerationTime(generationTime)
	if err != nil {
		return time.Time{}, err
	}
	local := now.In(loc)
	fire := time.Date(local.Year(), local.Month(), local.Day(), at.Hour(), at.Minute(), 0, 0, loc)
	if !fire.After(local) {
		fire = fire.AddDate(0, 0, 1)
	}
	return fire, nil
}
