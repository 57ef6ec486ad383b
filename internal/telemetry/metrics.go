package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	StageCompleted      = prometheus.NewCounter(prometheus.CounterOpts{Name: "newsreel_stages_completed_total", Help: "Pipeline stages completed successfully"})
	StageFailures       = prometheus.NewCounter(prometheus.CounterOpts{Name: "newsreel_stages_failed_total", Help: "Pipeline stages that failed"})
	BatchesRun          = prometheus.NewCounter(prometheus.CounterOpts{Name: "newsreel_batches_total", Help: "Scheduled batches fired"})
	BatchPartial        = prometheus.NewCounter(prometheus.CounterOpts{Name: "newsreel_batches_partial_total", Help: "Batches that finished with partial failures"})
	BatchFailures       = prometheus.NewCounter(prometheus.CounterOpts{Name: "newsreel_batches_failed_total", Help: "Batches where no run succeeded"})
	CacheHits           = prometheus.NewCounter(prometheus.CounterOpts{Name: "newsreel_cache_hits_total", Help: "Runs cache hits"})
	CacheMisses         = prometheus.NewCounter(prometheus.CounterOpts{Name: "newsreel_cache_misses_total", Help: "Runs cache misses"})
	SelectionFallbacks  = prometheus.NewCounter(prometheus.CounterOpts{Name: "newsreel_selection_fallbacks_total", Help: "LLM selection groups that fell back to random"})
	RateLimitWaits      = prometheus.NewCounter(prometheus.CounterOpts{Name: "newsreel_rate_limit_waits_total", Help: "Stage calls delayed by the generation rate limiter"})
	RunningTasksGauge   = prometheus.NewGauge(prometheus.GaugeOpts{Name: "newsreel_tasks_running", Help: "Background stage tasks currently running"})
	TaskLaunchConflicts = prometheus.NewCounter(prometheus.CounterOpts{Name: "newsreel_task_conflicts_total", Help: "Task launches rejected because the key was already running"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			StageCompleted,
			StageFailures,
			BatchesRun,
			BatchPartial,
			BatchFailures,
			CacheHits,
			CacheMisses,
			SelectionFallbacks,
			RateLimitWaits,
			RunningTasksGauge,
			TaskLaunchConflicts,
		)
	})
	return promhttp.Handler()
}
