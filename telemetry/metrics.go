// Package telemetry provides Prometheus metrics, OpenTelemetry tracing and
// correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	TicksTotal       *prometheus.CounterVec // outcome=empty|analyzed|heartbeat|error
	LLMAttempts      *prometheus.CounterVec // result=ok|retryable|fallback
	FetchFailures    *prometheus.CounterVec // mode=live|recorded|details
	PublishFailures  *prometheus.CounterVec // stage=persist|broadcast
	Fallbacks        prometheus.Counter
	CooldownSkips    prometheus.Counter
	MessagesAnalyzed prometheus.Counter

	// Histograms (seconds)
	TickDuration prometheus.Observer
	LLMLatency   prometheus.Observer

	// Gauges
	ActiveJobs prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		TicksTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatlens_ticks_total", Help: "Scheduler ticks by outcome"}, []string{"outcome"})
		LLMAttempts = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatlens_llm_attempts_total", Help: "LLM call attempts by result"}, []string{"result"})
		FetchFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatlens_fetch_failures_total", Help: "Comment source failures by mode"}, []string{"mode"})
		PublishFailures = promauto.NewCounterVec(prometheus.CounterOpts{Name: "chatlens_publish_failures_total", Help: "Result publishing failures by stage"}, []string{"stage"})
		Fallbacks = promauto.NewCounter(prometheus.CounterOpts{Name: "chatlens_heuristic_fallbacks_total", Help: "Batches analyzed by the heuristic engine after the LLM path gave up"})
		CooldownSkips = promauto.NewCounter(prometheus.CounterOpts{Name: "chatlens_llm_cooldown_skips_total", Help: "Ticks that returned a heartbeat because the stream was inside its LLM cooldown"})
		MessagesAnalyzed = promauto.NewCounter(prometheus.CounterOpts{Name: "chatlens_messages_analyzed_total", Help: "Messages handed to the analyzers"})
		TickDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatlens_tick_duration_seconds", Help: "Duration of one fetch-analyze-publish tick", Buckets: prometheus.DefBuckets})
		LLMLatency = promauto.NewHistogram(prometheus.HistogramOpts{Name: "chatlens_llm_latency_seconds", Help: "Latency of a single LLM call", Buckets: []float64{.25, .5, 1, 2.5, 5, 10, 20, 45, 90}})
		ActiveJobs = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatlens_active_jobs", Help: "Streams with a running polling job"})
	})
}

// IncTick counts a finished tick.
func IncTick(outcome string) {
	if TicksTotal != nil {
		TicksTotal.WithLabelValues(outcome).Inc()
	}
}

// IncLLMAttempt counts one LLM call.
func IncLLMAttempt(result string) {
	if LLMAttempts != nil {
		LLMAttempts.WithLabelValues(result).Inc()
	}
}

// IncFetchFailure counts a comment source failure.
func IncFetchFailure(mode string) {
	if FetchFailures != nil {
		FetchFailures.WithLabelValues(mode).Inc()
	}
}

// IncPublishFailure counts a persistence or broadcast failure.
func IncPublishFailure(stage string) {
	if PublishFailures != nil {
		PublishFailures.WithLabelValues(stage).Inc()
	}
}

func IncFallback() {
	if Fallbacks != nil {
		Fallbacks.Inc()
	}
}

func IncCooldownSkip() {
	if CooldownSkips != nil {
		CooldownSkips.Inc()
	}
}

// AddMessages records how many messages a tick analyzed.
func AddMessages(n int) {
	if MessagesAnalyzed != nil {
		MessagesAnalyzed.Add(float64(n))
	}
}

// SetActiveJobs records the number of running jobs.
func SetActiveJobs(n int) {
	if ActiveJobs != nil {
		ActiveJobs.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records in observer if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// ObserveSince records the time elapsed since start in obs if non-nil.
func ObserveSince(obs prometheus.Observer, start time.Time) {
	if obs != nil {
		obs.Observe(time.Since(start).Seconds())
	}
}

// Correlation ID helpers ----------------------------------------------------
type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context carrying the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
