package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/studyloopai/studyloop-backend/internal/config"
	"github.com/studyloopai/studyloop-backend/internal/domain"
	"github.com/studyloopai/studyloop-backend/internal/repo"
	"github.com/studyloopai/studyloop-backend/internal/runner"
)

// newTestDB opens a per-test in-memory database. One connection serializes
// concurrent transactions the way row locks would.
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

var testT0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func newClock(t time.Time) *clock { return &clock{now: t} }

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Set(t time.Time) {
	c.mu.Lock()
	c.now = t
	c.mu.Unlock()
}

func testPlans(generations int64) config.PlanCatalog {
	return config.PlanCatalog{
		Default: "free",
		Plans: map[string]config.Plan{
			"free": {ID: "free", Name: "Free", Limits: config.PlanLimits{
				AIGenerations: generations, AITokens: 1000, MaterialsUploaded: 5,
			}},
			"pro_monthly": {ID: "pro_monthly", Name: "Pro", Limits: config.PlanLimits{
				AIGenerations: 100, AITokens: 100000, MaterialsUploaded: 50,
			}},
		},
	}
}

// fakeRunner records triggers and fails when err is set.
type fakeRunner struct {
	mu       sync.Mutex
	err      error
	triggers []runner.TriggerRequest
}

func (f *fakeRunner) Trigger(_ context.Context, req runner.TriggerRequest) (runner.RunHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return runner.RunHandle{}, f.err
	}
	f.triggers = append(f.triggers, req)
	return runner.RunHandle{RunID: req.RunID, AccessToken: "tok-" + req.RunID}, nil
}

func (f *fakeRunner) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.triggers)
}

// brokenTracker fails every call.
type brokenTracker struct{}

var errTrackerDown = errors.New("tracker down")

func (brokenTracker) Record(context.Context, runner.Snapshot) error { return errTrackerDown }
func (brokenTracker) Get(context.Context, string) (*runner.Snapshot, error) {
	return nil, errTrackerDown
}
func (brokenTracker) Children(context.Context, string) ([]runner.Snapshot, error) {
	return nil, errTrackerDown
}
func (brokenTracker) Forget(context.Context, string) error { return errTrackerDown }
func (brokenTracker) Subscribe(context.Context) (<-chan runner.Snapshot, func(), error) {
	return nil, nil, errTrackerDown
}

const (
	testUser   = "user-1"
	testCourse = "course-1"
	testWeek   = "6f1c1c9e-2b7a-4c61-9a0e-3a1b2c3d4e5f"
)

// seedWeek stores a week with one ready material per id.
func seedWeek(t *testing.T, db *gorm.DB, materialIDs ...string) {
	t.Helper()
	ctx := context.Background()
	if _, err := repo.EnsureWeek(ctx, db, &domain.Week{ID: testWeek, CourseID: testCourse, UserID: testUser, Title: "Week 1"}); err != nil {
		t.Fatalf("seed week: %v", err)
	}
	for i, id := range materialIDs {
		m := &domain.Material{
			ID:              id,
			WeekID:          testWeek,
			CourseID:        testCourse,
			UserID:          testUser,
			FileName:        fmt.Sprintf("notes-%d.md", i),
			FileType:        "md",
			Content:         "Photosynthesis converts light energy into chemical energy stored in glucose.",
			UploadStatus:    domain.StatusCompleted,
			EmbeddingStatus: domain.StatusCompleted,
			CreatedAt:       testT0.Add(time.Duration(i) * time.Second),
		}
		if err := repo.CreateMaterial(ctx, db, m); err != nil {
			t.Fatalf("seed material: %v", err)
		}
	}
}

func selection(enabled ...domain.ContentType) domain.SelectiveConfig {
	sel := domain.SelectiveConfig{
		SelectedFeatures: map[domain.ContentType]bool{},
		FeatureConfigs:   map[domain.ContentType]domain.FeatureConfig{},
	}
	for _, ct := range enabled {
		sel.SelectedFeatures[ct] = true
		sel.FeatureConfigs[ct] = domain.FeatureConfig{Count: 3, Difficulty: "medium"}
	}
	return sel
}
