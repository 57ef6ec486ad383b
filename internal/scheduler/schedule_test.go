package scheduler

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"newsreel/internal/storage"
	"newsreel/internal/tenant"
)

func newTestSchedule(t *testing.T) *Schedule {
	t.Helper()
	mr := miniredis.RunT(t)
	return NewSchedule(redis.NewClient(&redis.Options{Addr: mr.Addr()}))
}

func TestScheduleSetIsIdempotent(t *testing.T) {
	s := newTestSchedule(t)
	ctx := context.Background()

	first := time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC)
	second := time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)
	if err := s.Set(ctx, "daily-en", first); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "daily-en", second); err != nil {
		t.Fatal(err)
	}

	next, ok, err := s.NextRun(ctx, "daily-en")
	if err != nil || !ok {
		t.Fatalf("NextRun: ok=%v err=%v", ok, err)
	}
	if !next.Equal(second) {
		t.Fatalf("next = %v, want %v", next, second)
	}

	due, err := s.Due(ctx, second.Add(time.Minute), 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0] != "daily-en" {
		t.Fatalf("due = %v, want single daily-en", due)
	}
}

func TestScheduleRemove(t *testing.T) {
	s := newTestSchedule(t)
	ctx := context.Background()

	if err := s.Remove(ctx, "never-scheduled"); err != nil {
		t.Fatalf("removing absent member: %v", err)
	}

	if err := s.Set(ctx, "daily-en", time.Now()); err != nil {
		t.Fatal(err)
	}
	if err := s.Remove(ctx, "daily-en"); err != nil {
		t.Fatal(err)
	}
	if _, ok, err := s.NextRun(ctx, "daily-en"); err != nil || ok {
		t.Fatalf("removed tenant still scheduled: ok=%v err=%v", ok, err)
	}
}

func TestScheduleDueRespectsScore(t *testing.T) {
	s := newTestSchedule(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	if err := s.Set(ctx, "past", now.Add(-time.Hour)); err != nil {
		t.Fatal(err)
	}
	if err := s.Set(ctx, "future", now.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}

	due, err := s.Due(ctx, now, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(due) != 1 || due[0] != "past" {
		t.Fatalf("due = %v, want [past]", due)
	}
}

func TestNextFireTenantTimezone(t *testing.T) {
	tokyo, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatal(err)
	}

	// 23:00 UTC on March 1 is already 08:00 March 2 in Tokyo, so a 07:30
	// trigger has passed and rolls to March 3.
	now := time.Date(2026, 3, 1, 23, 0, 0, 0, time.UTC)
	fire, err := NextFire("07:30", tokyo, now)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 3, 3, 7, 30, 0, 0, tokyo)
	if !fire.Equal(want) {
		t.Fatalf("fire = %v, want %v", fire, want)
	}

	// Same instant, UTC tenant: 07:30 UTC tomorrow.
	fire, err = NextFire("07:30", time.UTC, now)
	if err != nil {
		t.Fatal(err)
	}
	want = time.Date(2026, 3, 2, 7, 30, 0, 0, time.UTC)
	if !fire.Equal(want) {
		t.Fatalf("fire = %v, want %v", fire, want)
	}

	if _, err := NextFire("25:99", time.UTC, now); err == nil {
		t.Fatal("invalid generation time accepted")
	}
}

func TestSchedulerApplyLifecycle(t *testing.T) {
	ctx := context.Background()
	tn := tenant.Tenant{ID: "daily-en", Timezone: "UTC", StoragePrefix: "tenants/daily-en"}
	tenants, err := tenant.NewRegistry([]tenant.Tenant{tn})
	if err != nil {
		t.Fatal(err)
	}
	store, err := storage.NewLocal(t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	schedule := newTestSchedule(t)
	s := New(nil, schedule, tenants, store, nil, time.Second)

	cfg := Config{Enabled: true, GenerationTime: "08:00", Runs: []ScheduledRunConfig{{Enabled: true}}}
	if err := s.Apply(ctx, tn, cfg); err != nil {
		t.Fatal(err)
	}
	first, ok, err := schedule.NextRun(ctx, tn.ID)
	if err != nil || !ok {
		t.Fatalf("not scheduled after enable: ok=%v err=%v", ok, err)
	}

	// Re-applying reschedules instead of erroring or double-registering.
	cfg.GenerationTime = "09:00"
	if err := s.Apply(ctx, tn, cfg); err != nil {
		t.Fatal(err)
	}
	second, ok, err := schedule.NextRun(ctx, tn.ID)
	if err != nil || !ok {
		t.Fatalf("not scheduled after re-apply: ok=%v err=%v", ok, err)
	}
	if second.Equal(first) {
		t.Fatal("re-apply did not reschedule")
	}

	cfg.Enabled = false
	if err := s.Apply(ctx, tn, cfg); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := schedule.NextRun(ctx, tn.ID); ok {
		t.Fatal("disabled tenant still scheduled")
	}

	// Sync re-registers enabled configs missing from the schedule store.
	cfg.Enabled = true
	if err := SaveConfig(ctx, store, tn, cfg); err != nil {
		t.Fatal(err)
	}
	if err := s.Sync(ctx); err != nil {
		t.Fatal(err)
	}
	if _, ok, _ := schedule.NextRun(ctx, tn.ID); !ok {
		t.Fatal("sync did not register enabled tenant")
	}

	if err := s.Apply(ctx, tn, Config{Enabled: true, GenerationTime: "bogus"}); err == nil {
		t.Fatal("invalid config accepted")
	}
}
