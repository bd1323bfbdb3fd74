package handlers

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/studyloopai/studyloop-backend/internal/domain"
	"github.com/studyloopai/studyloop-backend/internal/ratelimit"
	"github.com/studyloopai/studyloop-backend/internal/services"
)

func TestFail_ServerErrorsAreLogged(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	r := newEngine(func(r *gin.Engine) {
		r.Use(func(c *gin.Context) { c.Set("logger", &logger); c.Next() })
		r.GET("/dispatch", func(c *gin.Context) {
			fail(c, http.StatusServiceUnavailable, ErrCodeDispatchFailed, "failed to dispatch generation task")
		})
		r.GET("/missing", func(c *gin.Context) {
			Fail(c, http.StatusNotFound, ErrCodeNotFound, "week not found")
		})
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/dispatch", nil))
	resp := decodeError(t, w)
	if w.Code != http.StatusServiceUnavailable || resp.Code != ErrCodeDispatchFailed || resp.RequestID != "rid-test" {
		t.Fatalf("status=%d body=%+v", w.Code, resp)
	}
	if !strings.Contains(buf.String(), `"level":"error"`) || !strings.Contains(buf.String(), `"code":"dispatch_failed"`) {
		t.Fatalf("5xx not logged: %s", buf.String())
	}

	buf.Reset()
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/missing", nil))
	if w.Code != http.StatusNotFound || decodeError(t, w).Message != "week not found" {
		t.Fatalf("404: status=%d body=%s", w.Code, w.Body)
	}
	if buf.Len() != 0 {
		t.Fatalf("4xx should not be logged here: %s", buf.String())
	}
}

func TestFailErr_QuotaDetailsInBody(t *testing.T) {
	details := services.QuotaDetails{
		QuotaType:    domain.QuotaAIGenerations,
		PlanID:       "free",
		CurrentUsage: 30,
		QuotaLimit:   30,
		Remaining:    0,
		ResetAt:      "2026-11-01T00:00:00Z",
	}
	r := newEngine(func(r *gin.Engine) {
		r.GET("/q", func(c *gin.Context) { failErr(c, &services.QuotaExceededError{Details: details}) })
	})
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/q", nil))

	var body struct {
		Code    string                `json:"code"`
		Message string                `json:"message"`
		Details services.QuotaDetails `json:"details"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	if body.Code != ErrCodeQuotaExceeded || body.Details != details || body.Message != "ai_generations quota exceeded (30/30)" {
		t.Fatalf("body=%+v", body)
	}
	if w.Header().Get(HeaderQuotaRemaining) != "0" || w.Header().Get(HeaderQuotaLimit) != "30" {
		t.Fatalf("headers=%v", w.Header())
	}
}

func TestSetQuotaAndRateHeaders(t *testing.T) {
	reset := time.Unix(1_800_000_000, 0)
	cases := []struct {
		name  string
		quota services.QuotaDetails
		rate  *ratelimit.Result
		want  map[string]string
	}{
		{"nothing", services.QuotaDetails{}, nil, map[string]string{HeaderQuotaLimit: "", HeaderRateLimitLimit: ""}},
		{"unlimited plan", services.QuotaDetails{QuotaType: domain.QuotaMaterialsUploaded, QuotaLimit: -1, Remaining: -1}, nil,
			map[string]string{HeaderQuotaLimit: "-1", HeaderQuotaRemaining: "-1"}},
		{"disabled limiter", services.QuotaDetails{}, &ratelimit.Result{Limit: 0}, map[string]string{HeaderRateLimitLimit: ""}},
		{"window", services.QuotaDetails{}, &ratelimit.Result{IsAllowed: true, Limit: 10, RemainingAttempts: 7, ResetTime: reset},
			map[string]string{HeaderRateLimitLimit: "10", HeaderRateLimitRemaining: "7", HeaderRateLimitReset: "1800000000"}},
		{"negative remaining clamps", services.QuotaDetails{}, &ratelimit.Result{Limit: 10, RemainingAttempts: -2, ResetTime: reset},
			map[string]string{HeaderRateLimitRemaining: "0"}},
	}
	for _, tc := range cases {
		r := newEngine(func(r *gin.Engine) {
			r.GET("/h", func(c *gin.Context) {
				setQuotaHeaders(c, tc.quota)
				setRateHeaders(c, tc.rate)
				ok(c, http.StatusOK, gin.H{})
			})
		})
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/h", nil))
		for k, v := range tc.want {
			if got := w.Header().Get(k); got != v {
				t.Errorf("%s: %s=%q want %q", tc.name, k, got, v)
			}
		}
	}
}

func TestNewPagination(t *testing.T) {
	cases := []struct {
		page, size int
		total      int64
		pages      int
		next       bool
	}{
		{1, 20, 0, 0, false},
		{1, 20, 20, 1, false},
		{1, 20, 21, 2, true},
		{2, 20, 41, 3, true},
		{3, 20, 41, 3, false},
	}
	for _, tc := range cases {
		p := newPagination(tc.page, tc.size, tc.total)
		if p.TotalPages != tc.pages || p.HasNext != tc.next {
			t.Errorf("newPagination(%d,%d,%d) = %+v", tc.page, tc.size, tc.total, p)
		}
	}
}
