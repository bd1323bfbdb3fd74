package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	sqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/studyloopai/studyloop-backend/internal/app"
	"github.com/studyloopai/studyloop-backend/internal/config"
	"github.com/studyloopai/studyloop-backend/internal/domain"
	"github.com/studyloopai/studyloop-backend/internal/http/middleware"
	"github.com/studyloopai/studyloop-backend/internal/repo"
	"github.com/studyloopai/studyloop-backend/internal/runner"
	"github.com/studyloopai/studyloop-backend/internal/services"
)

// --- fake runner that accepts every trigger ---
type fakeRunner struct {
	mu    sync.Mutex
	calls []runner.TriggerRequest
}

func (f *fakeRunner) Trigger(_ context.Context, req runner.TriggerRequest) (runner.RunHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return runner.RunHandle{RunID: req.RunID, AccessToken: "tok-" + req.RunID}, nil
}

// --- test DB helper (pure-Go sqlite, no CGO) ---
func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	if err := repo.AutoMigrate(db); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	return db
}

func baseConfig(t *testing.T) config.Config {
	return config.Config{
		APIBasePath:           "/api/v1",
		MaxBodyBytes:          1 << 20,
		RateRPS:               100,
		RateBurst:             10,
		OTEL:                  config.OTELConfig{ServiceName: "test-svc"},
		IdempotencyTTL:        time.Hour,
		IdempotencyMaxRetries: 3,
		Generation: config.GenerationConfig{
			MaxTaskDuration: time.Minute,
			JobMaxAge:       time.Hour,
			RunTokenSecret:  "router-test-secret-0123456789",
			RunTokenTTL:     time.Hour,
		},
		Limits: config.LimitsConfig{
			UploadLimit: 10, UploadWindow: time.Hour,
			GenerateLimit: 10, GenerateWindow: time.Hour,
		},
		Webhooks: config.WebhookConfig{Secret: "whsec", IdempotencyTTL: time.Hour, MaxRetries: 3},
		Sweep:    config.SweepConfig{CronSecret: "cron-secret", Concurrency: 2, LockDir: t.TempDir(), RetryBatch: 10},
	}
}

// newTestApp assembles an App over an in-memory DB without Redis or Temporal.
func newTestApp(t *testing.T, mutate func(*config.Config)) (*app.App, *fakeRunner) {
	t.Helper()
	cfg := baseConfig(t)
	if mutate != nil {
		mutate(&cfg)
	}
	a := app.Assemble(cfg, app.Infra{DB: newTestDB(t), Plans: config.MustLoadPlans("")})
	fr := &fakeRunner{}
	a.Runner = fr
	a.Materials.Runner = fr
	a.Dispatch.Runner = fr
	return a, fr
}

func newRouter(t *testing.T, mutate func(*config.Config)) (*gin.Engine, *app.App, *fakeRunner) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	a, fr := newTestApp(t, mutate)
	r := gin.New()
	RegisterRoutes(r, a)
	return r, a, fr
}

func TestRegisterRoutes_CORSAllowAll_Health_Metrics_Fallbacks(t *testing.T) {
	r, _, _ := newRouter(t, nil)

	// /health works
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/health", nil))
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	// CORS (AllowAllOrigins) → header "*"
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Fatalf("AllowAllOrigins expected '*', got %q", got)
	}

	// /metrics is wired
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if w.Code != http.StatusOK || w.Body.Len() == 0 {
		t.Fatalf("GET /metrics bad: code=%d len=%d", w.Code, w.Body.Len())
	}

	// NoRoute → 404
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/nope", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("GET /nope expected 404, got %d", w.Code)
	}

	// NoMethod → 405 (POST /health)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/health", nil))
	if w.Code != http.StatusMethodNotAllowed {
		t.Fatalf("POST /health expected 405, got %d", w.Code)
	}
}

func TestRegisterRoutes_CORSWithOrigins_HeaderEcho(t *testing.T) {
	r, _, _ := newRouter(t, func(c *config.Config) {
		c.APIBasePath = "/api/v2"
		c.CORS = config.CORSConfig{AllowedOrigins: []string{"http://example.com"}}
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.com")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("GET /health = %d", w.Code)
	}
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "http://example.com" {
		t.Fatalf("expected ACAO echo, got %q", got)
	}
}

func Test_limitBody_Middleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	// tiny cap to trigger MaxBytesReader
	r.Use(limitBody(10))
	r.POST("/echo", func(c *gin.Context) {
		_, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.String(http.StatusRequestEntityTooLarge, "too big")
			return
		}
		c.String(http.StatusOK, "ok")
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/echo", bytes.NewBufferString("0123456789AB")) // 12 bytes
	r.ServeHTTP(w, req)
	if w.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected 413 from limitBody, got %d", w.Code)
	}
}

func Test_groupWithPrefix(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()

	// "/" and "" should mount at root
	groupWithPrefix(r, "/").GET("/one", func(c *gin.Context) { c.String(http.StatusOK, "one") })
	groupWithPrefix(r, "").GET("/two", func(c *gin.Context) { c.String(http.StatusOK, "two") })
	groupWithPrefix(r, "/api").GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	for path, want := range map[string]string{"/one": "one", "/two": "two", "/api/ping": "pong"} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
		if rec.Code != http.StatusOK || rec.Body.String() != want {
			t.Fatalf("GET %s got %d %q", path, rec.Code, rec.Body.String())
		}
	}
}

// Smoke test that a request traverses the whole middleware pipeline.
func TestPipeline_Smoke(t *testing.T) {
	r, _, _ := newRouter(t, func(c *config.Config) {
		c.Security = config.SecurityConfig{EnableHSTS: true, HSTSMaxAge: time.Hour}
	})

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.URL.Scheme = "https"
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("pipeline GET /health = %d", w.Code)
	}
	if rid := w.Header().Get("X-Request-ID"); rid == "" {
		t.Fatalf("expected X-Request-ID header to be set")
	}
	exposed := strings.Join(w.Header().Values("Access-Control-Expose-Headers"), ",")
	for _, h := range []string{"X-Quota-Remaining", "Idempotency-Replayed"} {
		if !strings.Contains(exposed, h) {
			t.Fatalf("expose headers %q missing %s", exposed, h)
		}
	}
}

func TestRegisterRoutes_UsageRequiresUser(t *testing.T) {
	r, _, _ := newRouter(t, nil)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/usage", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous usage = %d, want 401", w.Code)
	}

	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/usage", nil)
	req.Header.Set("X-User-ID", "u1")
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("usage = %d body=%s", w.Code, w.Body.String())
	}
	var body map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["plan_id"] != "free" {
		t.Fatalf("plan_id = %v", body["plan_id"])
	}
}

func uploadRequest(weekID, key string) *http.Request {
	body := `{"file_name":"Lecture 1.pdf","content":"Cells are the basic unit of life."}`
	req := httptest.NewRequest(http.MethodPost, "/api/v1/courses/c1/weeks/"+weekID+"/materials", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-ID", "u1")
	if key != "" {
		req.Header.Set(middleware.HeaderIdempotencyKey, key)
	}
	return req
}

func TestRegisterRoutes_UploadReplayBypassesEdgeLimiter(t *testing.T) {
	r, _, fr := newRouter(t, func(c *config.Config) {
		c.RateRPS = 0.001
		c.RateBurst = 1
	})
	week := uuid.NewString()

	w := httptest.NewRecorder()
	r.ServeHTTP(w, uploadRequest(week, "k-1"))
	if w.Code != http.StatusAccepted {
		t.Fatalf("first upload = %d body=%s", w.Code, w.Body.String())
	}
	if w.Header().Get("X-Quota-Remaining") != "9" {
		t.Fatalf("quota remaining = %q", w.Header().Get("X-Quota-Remaining"))
	}

	// Same key: served from the ledger even though the bucket is empty.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, uploadRequest(week, "k-1"))
	if w.Code != http.StatusOK || w.Header().Get("Idempotency-Replayed") != "true" {
		t.Fatalf("replay = %d replayed=%q body=%s", w.Code, w.Header().Get("Idempotency-Replayed"), w.Body.String())
	}

	// New key: the edge limiter applies.
	w = httptest.NewRecorder()
	r.ServeHTTP(w, uploadRequest(week, "k-2"))
	if w.Code != http.StatusTooManyRequests {
		t.Fatalf("fresh key = %d, want 429", w.Code)
	}

	if len(fr.calls) != 1 {
		t.Fatalf("runner triggered %d times, want 1", len(fr.calls))
	}
}

func TestRegisterRoutes_CronAuth(t *testing.T) {
	r, _, _ := newRouter(t, func(c *config.Config) {
		c.RateRPS = 0.001
		c.RateBurst = 1
	})

	for i, auth := range []string{"", "Bearer wrong", "Bearer cron-secret"} {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/internal/cron/jobs-purge", nil)
		if auth != "" {
			req.Header.Set("Authorization", auth)
		}
		r.ServeHTTP(w, req)
		want := http.StatusUnauthorized
		if i == 2 {
			want = http.StatusOK
		}
		// cron routes are exempt from the edge limiter, so no 429 here
		if w.Code != want {
			t.Fatalf("auth=%q: got %d want %d body=%s", auth, w.Code, want, w.Body.String())
		}
	}
}

func TestRegisterRoutes_StreamRequiresToken(t *testing.T) {
	r, _, _ := newRouter(t, nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/v1/runs/gen_1/stream", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("stream without token = %d", w.Code)
	}
}

func TestRegisterRoutes_Swagger(t *testing.T) {
	r, _, _ := newRouter(t, func(c *config.Config) { c.SwaggerEnabled = true })
	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/swagger/doc.json", nil))
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "StudyLoop API") {
		t.Fatalf("swagger doc = %d", w.Code)
	}

	r, _, _ = newRouter(t, nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/swagger/doc.json", nil))
	if w.Code != http.StatusNotFound {
		t.Fatalf("swagger disabled = %d", w.Code)
	}
}

func Test_uploadReplayLookup(t *testing.T) {
	db := newTestDB(t)
	idem := services.NewIdempotencyService(db)
	lookup := uploadReplayLookup(idem)
	ctx := context.Background()
	now := time.Now().UTC()

	seed := func(key string, st domain.IdempotencyStatus, expires time.Time) {
		t.Helper()
		err := repo.CreateIdempotency(ctx, db, &domain.IdempotencyRecord{
			ID:            uuid.NewString(),
			Key:           services.UploadKey("u1", key),
			OperationType: domain.OperationUpload,
			Status:        st,
			UserID:        "u1",
			MaxRetries:    3,
			ExpiresAt:     expires,
		})
		if err != nil {
			t.Fatalf("seed %s: %v", key, err)
		}
	}
	seed("done", domain.IdempotencyCompleted, now.Add(time.Hour))
	seed("busy", domain.IdempotencyProcessing, now.Add(time.Hour))
	seed("old", domain.IdempotencyCompleted, now.Add(-time.Minute))

	cases := map[string]bool{"done": true, "busy": false, "old": false, "missing": false}
	for key, want := range cases {
		got, err := lookup(ctx, "u1", key)
		if err != nil || got != want {
			t.Fatalf("%s: got %v err=%v, want %v", key, got, err, want)
		}
	}
	// another user's key never matches
	if got, _ := lookup(ctx, "u2", "done"); got {
		t.Fatalf("lookup leaked across users")
	}
}
