package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"newsreel/internal/api"
	"newsreel/internal/cache"
	"newsreel/internal/config"
	"newsreel/internal/genai"
	"newsreel/internal/history"
	"newsreel/internal/llm"
	"newsreel/internal/media"
	"newsreel/internal/news"
	"newsreel/internal/pipeline"
	"newsreel/internal/ratelimit"
	"newsreel/internal/run"
	"newsreel/internal/scheduler"
	"newsreel/internal/selection"
	"newsreel/internal/storage"
	"newsreel/internal/tasks"
	"newsreel/internal/tenant"
	"newsreel/internal/youtube"
)

func main() {
	root := &cobra.Command{
		Use:           "newsreeld",
		Short:         "Daily content pipeline daemon",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(serveCmd(), batchCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// app is the composition root: every registry and service is constructed
// here once and injected, never reached through package globals.
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	tenants   *tenant.Registry
	store     storage.ArtifactStore
	registry  *run.Registry
	tracker   *tasks.Tracker
	runsCache *cache.RunsCache
	history   *history.Store
	orch      *pipeline.Orchestrator
	batch     *scheduler.Batch
	sched     *scheduler.Scheduler
	schedule  *scheduler.Schedule
}

func buildApp(ctx context.Context) (*app, error) {
	cfg := config.Load()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	tenants, err := tenant.LoadRegistry(cfg.TenantsFile)
	if err != nil {
		return nil, fmt.Errorf("load tenants: %w", err)
	}
	store, err := storage.Open(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open artifact store: %w", err)
	}
	registry := run.NewRegistry(store)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	runsCache := cache.New(redisClient, cfg.RunsListTTL, cfg.RunDetailTTL)
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)
	schedule := scheduler.NewSchedule(redisClient)

	hist, err := history.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := hist.RunMigrations(ctx); err != nil {
		return nil, fmt.Errorf("migrations: %w", err)
	}

	tracker := tasks.NewTracker(ctx, cfg.TaskWorkers)

	orch := pipeline.New(pipeline.Deps{
		Logger:       logger,
		Registry:     registry,
		Tracker:      tracker,
		Cache:        runsCache,
		Events:       hist,
		Limiter:      limiter,
		Dialogue:     llm.NewDialogueWriter(cfg.AnthropicAPIKey, cfg.AnthropicModel),
		Speech:       genai.NewSpeechClient(cfg.SpeechAPIURL, cfg.SpeechAPIKey, cfg.StageTimeout),
		Images:       genai.NewImageClient(cfg.ImageAPIURL, cfg.ImageAPIKey, cfg.StageTimeout),
		Video:        media.NewRenderer(cfg.FFmpegPath),
		Uploader:     youtube.NewUploader(cfg.StageTimeout),
		StageTimeout: cfg.StageTimeout,
		RenderWidth:  cfg.RenderWidth,
		RenderHeight: cfg.RenderHeight,
	})

	ranker := llm.NewRanker(cfg.AnthropicAPIKey, cfg.AnthropicModel)
	batch := scheduler.NewBatch(scheduler.BatchDeps{
		Logger:      logger,
		Store:       store,
		Registry:    registry,
		News:        news.NewHTTPSource(cfg.NewsAPIURL, 30*time.Second),
		Policy:      selection.NewPolicy(ranker, nil),
		Runner:      orch,
		Stats:       hist,
		StatsReader: youtube.NewStatsReader(cfg.YouTubeAPIKey, "", 30*time.Second),
		Concurrency: cfg.BatchConcurrency,
	})
	sched := scheduler.New(logger, schedule, tenants, store, batch, cfg.SchedulerPoll)

	return &app{
		cfg:       cfg,
		logger:    logger,
		tenants:   tenants,
		store:     store,
		registry:  registry,
		tracker:   tracker,
		runsCache: runsCache,
		history:   hist,
		orch:      orch,
		batch:     batch,
		sched:     sched,
		schedule:  schedule,
	}, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the ops API",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.history.Close()

			if err := a.sched.Sync(ctx); err != nil {
				a.logger.Warn("schedule sync failed", "error", err)
			}
			go a.sched.Run(ctx)

			server := api.New(api.Deps{
				Logger:    a.logger,
				Tenants:   a.tenants,
				Registry:  a.registry,
				RunsCache: a.runsCache,
				Tracker:   a.tracker,
				Orch:      a.orch,
				Sched:     a.sched,
				Schedule:  a.schedule,
				Batch:     a.batch,
				Store:     a.store,
			})
			httpServer := &http.Server{
				Addr:    ":" + a.cfg.HTTPPort,
				Handler: server.Router(),
			}

			a.logger.Info("listening", "port", a.cfg.HTTPPort, "tenants", len(a.tenants.All()))
			go func() {
				if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					a.logger.Error("listen failed", "error", err)
					cancel()
				}
			}()

			<-ctx.Done()
			shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancelShutdown()
			_ = httpServer.Shutdown(shutdownCtx)
			a.tracker.Wait()
			return nil
		},
	}
}

func batchCmd() *cobra.Command {
	var tenantID string
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run one tenant's generation batch and exit",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			a, err := buildApp(ctx)
			if err != nil {
				return err
			}
			defer a.history.Close()

			tn, ok := a.tenants.Get(tenantID)
			if !ok {
				return fmt.Errorf("unknown tenant %q", tenantID)
			}
			cfg, err := scheduler.LoadConfig(ctx, a.store, tn)
			if err != nil {
				return err
			}
			a.batch.RunBatch(ctx, tn, cfg)
			a.tracker.Wait()

			st, err := scheduler.LoadState(ctx, a.store, tn)
			if err != nil {
				return err
			}
			a.logger.Info("batch done", "tenant", tn.ID, "status", st.Status, "runs", len(st.RunIDs))
			if st.Status == scheduler.StatusError {
				return fmt.Errorf("batch failed: %s", st.Message)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&tenantID, "tenant", "", "tenant id to run")
	_ = cmd.MarkFlagRequired("tenant")
	return cmd
}
