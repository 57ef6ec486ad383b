package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"newsreel/internal/storage"
	"newsreel/internal/tenant"
)

const scheduleKey = "scheduler:jobs"

func jobMember(tenantID string) string {
	return "generate_" + tenantID
}

func tenantFromMember(member string) (string, bool) {
	return strings.CutPrefix(member, "generate_")
}

// Schedule is the shared store of per-tenant daily triggers: one sorted-set
// member `generate_<tenantID>` scored by next-fire time in unix milliseconds.
type Schedule struct {
	client *redis.Client
}

func NewSchedule(client *redis.Client) *Schedule {
	return &Schedule{client: client}
}

// Set registers or reschedules a tenant's trigger. Remove-then-add keeps the
// operation idempotent: re-enabling an enabled tenant never double-registers.
func (s *Schedule) Set(ctx context.Context, tenantID string, at time.Time) error {
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, scheduleKey, jobMember(tenantID))
	pipe.ZAdd(ctx, scheduleKey, redis.Z{Score: float64(at.UnixMilli()), Member: jobMember(tenantID)})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("schedule %s: %w", tenantID, err)
	}
	return nil
}

// Remove drops a tenant's trigger. Removing an absent member is a no-op.
func (s *Schedule) Remove(ctx context.Context, tenantID string) error {
	if err := s.client.ZRem(ctx, scheduleKey, jobMember(tenantID)).Err(); err != nil {
		return fmt.Errorf("unschedule %s: %w", tenantID, err)
	}
	return nil
}

// NextRun reads a tenant's next trigger time. ok is false when the tenant is
// not scheduled.
func (s *Schedule) NextRun(ctx context.Context, tenantID string) (time.Time, bool, error) {
	score, err := s.client.ZScore(ctx, scheduleKey, jobMember(tenantID)).Result()
	if err == redis.Nil {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("next run for %s: %w", tenantID, err)
	}
	return time.UnixMilli(int64(score)).UTC(), true, nil
}

// Due returns the tenant ids whose trigger time has passed.
func (s *Schedule) Due(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	members, err := s.client.ZRangeByScore(ctx, scheduleKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("scan due triggers: %w", err)
	}
	out := make([]string, 0, len(members))
	for _, m := range members {
		if id, ok := tenantFromMember(m); ok {
			out = append(out, id)
		}
	}
	return out, nil
}

// BatchRunner fires one tenant's scheduled batch.
type BatchRunner interface {
	RunBatch(ctx context.Context, tn tenant.Tenant, cfg Config)
}

// Scheduler polls the schedule store and fires due batches. It owns the
// enable/disable lifecycle exposed through Apply.
type Scheduler struct {
	logger   *slog.Logger
	schedule *Schedule
	tenants  *tenant.Registry
	store    storage.ArtifactStore
	runner   BatchRunner
	poll     time.Duration
}

func New(logger *slog.Logger, schedule *Schedule, tenants *tenant.Registry, store storage.ArtifactStore, runner BatchRunner, poll time.Duration) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	if poll <= 0 {
		poll = 30 * time.Second
	}
	return &Scheduler{
		logger:   logger,
		schedule: schedule,
		tenants:  tenants,
		store:    store,
		runner:   runner,
		poll:     poll,
	}
}

// Apply persists a tenant's config and brings the trigger in line with it:
// enabled configs (re)schedule, disabled configs unregister. Idempotent.
func (s *Scheduler) Apply(ctx context.Context, tn tenant.Tenant, cfg Config) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if err := SaveConfig(ctx, s.store, tn, cfg); err != nil {
		return err
	}
	if !cfg.Enabled {
		return s.schedule.Remove(ctx, tn.ID)
	}
	fire, err := NextFire(cfg.GenerationTime, tn.Location(), time.Now())
	if err != nil {
		return err
	}
	if err := s.schedule.Set(ctx, tn.ID, fire); err != nil {
		return err
	}
	s.logger.Info("tenant scheduled", "tenant", tn.ID, "next_run", fire)
	return nil
}

// Sync registers triggers for every enabled tenant config that has none,
// typically after a restart with an empty or partial schedule store.
func (s *Scheduler) Sync(ctx context.Context) error {
	for _, tn := range s.tenants.All() {
		cfg, err := LoadConfig(ctx, s.store, tn)
		if err != nil {
			return err
		}
		if !cfg.Enabled {
			continue
		}
		if _, ok, err := s.schedule.NextRun(ctx, tn.ID); err != nil {
			return err
		} else if ok {
			continue
		}
		if err := s.Apply(ctx, tn, cfg); err != nil {
			return err
		}
	}
	return nil
}

// Run polls for due triggers until the context is cancelled. Each due tenant
// is rescheduled for the next day first, then its batch fires in its own
// goroutine so a slow batch never delays other tenants.
func (s *Scheduler) Run(ctx context.Context) {
	ticker := time.NewTicker(s.poll)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.fireDue(ctx)
		}
	}
}

func (s *Scheduler) fireDue(ctx context.Context) {
	due, err := s.schedule.Due(ctx, time.Now(), 64)
	if err != nil {
		s.logger.Error("schedule scan failed", "error", err)
		return
	}
	for _, tenantID := range due {
		tn, ok := s.tenants.Get(tenantID)
		if !ok {
			s.logger.Warn("scheduled tenant no longer registered", "tenant", tenantID)
			_ = s.schedule.Remove(ctx, tenantID)
			continue
		}
		cfg, err := LoadConfig(ctx, s.store, tn)
		if err != nil {
			s.logger.Error("scheduled config unreadable", "tenant", tenantID, "error", err)
			continue
		}
		if !cfg.Enabled {
			_ = s.schedule.Remove(ctx, tenantID)
			continue
		}
		fire, err := NextFire(cfg.GenerationTime, tn.Location(), time.Now())
		if err != nil {
			s.logger.Error("scheduled config invalid", "tenant", tenantID, "error", err)
			_ = s.schedule.Remove(ctx, tenantID)
			continue
		}
		if err := s.schedule.Set(ctx, tenantID, fire); err != nil {
			s.logger.Error("reschedule failed", "tenant", tenantID, "error", err)
			continue
		}
		s.logger.Info("batch trigger fired", "tenant", tenantID, "next_run", fire)
		go s.runner.RunBatch(ctx, tn, cfg)
	}
}
