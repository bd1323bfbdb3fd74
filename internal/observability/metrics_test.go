package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRecordHelpers_IncrementCounters(t *testing.T) {
	before := counterValue(t, rateDecisions.WithLabelValues("upload", "limited"))
	RecordRateLimit("upload", false)
	if got := counterValue(t, rateDecisions.WithLabelValues("upload", "limited")); got != before+1 {
		t.Fatalf("rate decision counter = %v, want %v", got, before+1)
	}

	before = counterValue(t, rateFailOpen.WithLabelValues("generate"))
	RecordRateLimitFailOpen("generate")
	if got := counterValue(t, rateFailOpen.WithLabelValues("generate")); got != before+1 {
		t.Fatalf("fail-open counter = %v", got)
	}

	before = counterValue(t, sweepItems.WithLabelValues("quota-reset"))
	RecordSweep("quota-reset", true, 3)
	RecordSweep("quota-reset", false, 0)
	if got := counterValue(t, sweepItems.WithLabelValues("quota-reset")); got != before+3 {
		t.Fatalf("sweep items = %v", got)
	}

	RecordDispatch("mcqs", "ok")
	RecordGeneration("mcqs", "completed", 2*time.Second)
	RecordQuota("ai_generations", "allowed")
	RecordIdempotency("webhook", "first_run")
}
