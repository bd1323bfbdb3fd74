package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Domain collectors for the generation pipeline. Label values are bounded:
// content types, quota types, actions, and fixed outcome strings only.
var (
	dispatches = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyloop_generation_dispatches_total",
			Help: "Content-type tasks dispatched to the runner, by content type and result.",
		},
		[]string{"content_type", "result"},
	)

	generations = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyloop_generation_results_total",
			Help: "Finished content-generation tasks, by content type and outcome.",
		},
		[]string{"content_type", "outcome"},
	)

	generationDur = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "studyloop_generation_duration_seconds",
			Help:    "Duration of content-generation tasks.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 600},
		},
		[]string{"content_type"},
	)

	quotaDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyloop_quota_decisions_total",
			Help: "Quota checks by quota type and decision.",
		},
		[]string{"quota_type", "decision"},
	)

	rateDecisions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyloop_ratelimit_decisions_total",
			Help: "Sliding-window limiter checks by action and decision.",
		},
		[]string{"action", "decision"},
	)

	rateFailOpen = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyloop_ratelimit_fail_open_total",
			Help: "Limiter checks allowed because the backing store was unavailable.",
		},
		[]string{"action"},
	)

	idempotencyOutcomes = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyloop_idempotency_outcomes_total",
			Help: "Idempotency ledger outcomes by operation type.",
		},
		[]string{"operation_type", "outcome"},
	)

	sweepRuns = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyloop_sweep_runs_total",
			Help: "Scheduled sweep runs by sweep and result.",
		},
		[]string{"sweep", "result"},
	)

	sweepItems = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "studyloop_sweep_items_total",
			Help: "Rows processed by scheduled sweeps.",
		},
		[]string{"sweep"},
	)
)

func init() {
	prometheus.MustRegister(
		dispatches, generations, generationDur,
		quotaDecisions, rateDecisions, rateFailOpen,
		idempotencyOutcomes, sweepRuns, sweepItems,
	)
}

// RecordDispatch counts one content-type dispatch ("ok" or "error").
func RecordDispatch(contentType, result string) {
	dispatches.WithLabelValues(contentType, result).Inc()
}

// RecordGeneration counts a finished generation task and observes its duration.
func RecordGeneration(contentType, outcome string, d time.Duration) {
	generations.WithLabelValues(contentType, outcome).Inc()
	generationDur.WithLabelValues(contentType).Observe(d.Seconds())
}

// RecordQuota counts a quota decision ("allowed", "exceeded", "error").
func RecordQuota(quotaType, decision string) {
	quotaDecisions.WithLabelValues(quotaType, decision).Inc()
}

// RecordRateLimit counts a limiter decision ("allowed", "limited").
func RecordRateLimit(action string, allowed bool) {
	d := "allowed"
	if !allowed {
		d = "limited"
	}
	rateDecisions.WithLabelValues(action, d).Inc()
}

// RecordRateLimitFailOpen counts a check allowed because the store failed.
func RecordRateLimitFailOpen(action string) {
	rateFailOpen.WithLabelValues(action).Inc()
}

// RecordIdempotency counts a ledger outcome ("first_run", "replay",
// "superseded", "completed", "failed").
func RecordIdempotency(operationType, outcome string) {
	idempotencyOutcomes.WithLabelValues(operationType, outcome).Inc()
}

// RecordSweep counts one sweep run and the rows it processed.
func RecordSweep(sweep string, ok bool, items int) {
	r := "ok"
	if !ok {
		r = "error"
	}
	sweepRuns.WithLabelValues(sweep, r).Inc()
	if items > 0 {
		sweepItems.WithLabelValues(sweep).Add(float64(items))
	}
}
