package history

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store persists stage events and engagement statistics in Postgres. Stage
// events make every failure attributable to a run and stage; video stats feed
// the LLM ranking input.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// StageEvent is one audit row for a stage execution.
type StageEvent struct {
	ID         string    `json:"id"`
	Tenant     string    `json:"tenant"`
	RunID      string    `json:"run_id"`
	Stage      string    `json:"stage"`
	Status     string    `json:"status"`
	Detail     string    `json:"detail"`
	RecordedAt time.Time `json:"recorded_at"`
}

// VideoStats is the recorded engagement of one uploaded run.
type VideoStats struct {
	Tenant    string    `json:"tenant"`
	RunID     string    `json:"run_id"`
	VideoID   string    `json:"video_id"`
	Category  string    `json:"category"`
	Title     string    `json:"title"`
	Views     int64     `json:"views"`
	Likes     int64     `json:"likes"`
	Comments  int64     `json:"comments"`
	FetchedAt time.Time `json:"fetched_at"`
}

// AppendStageEvent records one stage outcome.
func (s *Store) AppendStageEvent(ctx context.Context, tenant, runID, stage, status, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO stage_events (id, tenant, run_id, stage, status, detail, recorded_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
	`, uuid.New().String(), tenant, runID, stage, status, detail)
	if err != nil {
		return fmt.Errorf("insert stage event: %w", err)
	}
	return nil
}

// EventsForRun lists a run's stage events, oldest first.
func (s *Store) EventsForRun(ctx context.Context, tenant, runID string) ([]StageEvent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant, run_id, stage, status, detail, recorded_at
		FROM stage_events
		WHERE tenant = $1 AND run_id = $2
		ORDER BY recorded_at
	`, tenant, runID)
	if err != nil {
		return nil, fmt.Errorf("query stage events: %w", err)
	}
	defer rows.Close()

	var out []StageEvent
	for rows.Next() {
		var ev StageEvent
		if err := rows.Scan(&ev.ID, &ev.Tenant, &ev.RunID, &ev.Stage, &ev.Status, &ev.Detail, &ev.RecordedAt); err != nil {
			return nil, fmt.Errorf("scan stage event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// UpsertVideoStats records or refreshes engagement stats for an uploaded run.
func (s *Store) UpsertVideoStats(ctx context.Context, st VideoStats) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO video_stats (tenant, run_id, video_id, category, title, views, likes, comments, fetched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
		ON CONFLICT (tenant, run_id) DO UPDATE
		SET video_id = EXCLUDED.video_id,
		    category = EXCLUDED.category,
		    title = EXCLUDED.title,
		    views = EXCLUDED.views,
		    likes = EXCLUDED.likes,
		    comments = EXCLUDED.comments,
		    fetched_at = NOW()
	`, st.Tenant, st.RunID, st.VideoID, st.Category, st.Title, st.Views, st.Likes, st.Comments)
	if err != nil {
		return fmt.Errorf("upsert video stats: %w", err)
	}
	return nil
}

// StatsForTenant returns the most recently fetched engagement stats, newest
// runs first, capped at limit.
func (s *Store) StatsForTenant(ctx context.Context, tenant string, limit int) ([]VideoStats, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT tenant, run_id, video_id, category, title, views, likes, comments, fetched_at
		FROM video_stats
		WHERE tenant = $1
		ORDER BY run_id DESC
		LIMIT $2
	`, tenant, limit)
	if err != nil {
		return nil, fmt.Errorf("query video stats: %w", err)
	}
	defer rows.Close()

	var out []VideoStats
	for rows.Next() {
		var st VideoStats
		if err := rows.Scan(&st.Tenant, &st.RunID, &st.VideoID, &st.Category, &st.Title, &st.Views, &st.Likes, &st.Comments, &st.FetchedAt); err != nil {
			return nil, fmt.Errorf("scan video stats: %w", err)
		}
		out = append(out, st)
	}
	return out, rows.Err()
}
