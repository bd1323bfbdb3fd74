package worker

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"go.temporal.io/sdk/testsuite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/studyloopai/studyloop-backend/internal/config"
	"github.com/studyloopai/studyloop-backend/internal/domain"
	"github.com/studyloopai/studyloop-backend/internal/generator"
	"github.com/studyloopai/studyloop-backend/internal/repo"
	"github.com/studyloopai/studyloop-backend/internal/runner"
	"github.com/studyloopai/studyloop-backend/internal/services"
	"github.com/studyloopai/studyloop-backend/internal/status"
)

const (
	testUser   = "user-1"
	testCourse = "course-1"
	testWeek   = "6f1c1c9e-2b7a-4c61-9a0e-3a1b2c3d4e5f"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", strings.ReplaceAll(t.Name(), "/", "_"))
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
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

// stubGenerator returns one item per request and fails the listed types.
type stubGenerator struct {
	fail map[domain.ContentType]string
}

func (g stubGenerator) Generate(_ context.Context, req generator.Request) (generator.Output, error) {
	if reason, ok := g.fail[req.ContentType]; ok {
		return generator.Output{}, errors.New(reason)
	}
	return generator.Output{
		Items:      []any{map[string]string{"title": req.ContentType.Label()}},
		TokensUsed: 10,
	}, nil
}

type fakeRunner struct {
	mu       sync.Mutex
	triggers []runner.TriggerRequest
}

func (f *fakeRunner) Trigger(_ context.Context, req runner.TriggerRequest) (runner.RunHandle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers = append(f.triggers, req)
	return runner.RunHandle{RunID: req.RunID, AccessToken: "tok"}, nil
}

type fixture struct {
	db       *gorm.DB
	acts     *Activities
	registry *runner.Registry
	tracker  *runner.MemoryTracker
	runner   *fakeRunner
}

func newFixture(t *testing.T, gen generator.Generator) *fixture {
	t.Helper()
	db := newTestDB(t)
	registry := runner.NewRegistry(time.Minute)
	tracker := runner.NewMemoryTracker()
	fr := &fakeRunner{}
	configs := services.NewGenerationConfigService(db)
	quota := services.NewQuotaService(db, config.MustLoadPlans(""))
	return &fixture{
		db:       db,
		registry: registry,
		tracker:  tracker,
		runner:   fr,
		acts: &Activities{
			DB:      db,
			Configs: configs,
			Dispatch: &services.DispatchService{
				DB:       db,
				Configs:  configs,
				Quota:    quota,
				Runner:   fr,
				Tracker:  tracker,
				Registry: registry,
				Now:      func() time.Time { return time.Now().UTC() },
			},
			Quota:     quota,
			Tracker:   tracker,
			Embedder:  generator.NewIndexEmbedder(),
			Generator: gen,
		},
	}
}

func (f *fixture) seed(t *testing.T, content string, embedding domain.ProcessingStatus) *domain.Material {
	t.Helper()
	ctx := context.Background()
	if _, err := repo.EnsureWeek(ctx, f.db, &domain.Week{ID: testWeek, CourseID: testCourse, UserID: testUser, Title: "Week 1"}); err != nil {
		t.Fatal(err)
	}
	m := &domain.Material{
		ID:              "m1",
		WeekID:          testWeek,
		CourseID:        testCourse,
		UserID:          testUser,
		FileName:        "notes.md",
		FileType:        "md",
		Content:         content,
		UploadStatus:    domain.StatusCompleted,
		EmbeddingStatus: embedding,
	}
	if err := repo.CreateMaterial(ctx, f.db, m); err != nil {
		t.Fatal(err)
	}
	return m
}

func (f *fixture) persist(t *testing.T, enabled ...domain.ContentType) string {
	t.Helper()
	sel := domain.SelectiveConfig{
		SelectedFeatures: map[domain.ContentType]bool{},
		FeatureConfigs:   map[domain.ContentType]domain.FeatureConfig{},
	}
	for _, ct := range enabled {
		sel.SelectedFeatures[ct] = true
		sel.FeatureConfigs[ct] = domain.FeatureConfig{Count: 2, Difficulty: "easy"}
	}
	id, err := f.acts.Configs.Persist(context.Background(), sel, testWeek, testCourse, testUser, "")
	if err != nil {
		t.Fatal(err)
	}
	return id
}

func (f *fixture) weekInput(configID string, types ...domain.ContentType) runner.GenerateWeekInput {
	in := runner.GenerateWeekInput{
		RunID: "gen_1", WeekID: testWeek, CourseID: testCourse, UserID: testUser,
		ConfigID: configID, MaterialIDs: []string{"m1"},
	}
	for _, ct := range types {
		task, _ := f.registry.ForContentType(ct)
		in.Tasks = append(in.Tasks, runner.ContentTaskInput{
			RunID:       runner.ChildRunID(in.RunID, string(ct)),
			ParentRunID: in.RunID,
			TaskID:      task.ID,
			ContentType: ct,
			WeekID:      testWeek,
			CourseID:    testCourse,
			UserID:      testUser,
			ConfigID:    configID,
			MaterialIDs: in.MaterialIDs,
			MaxDuration: task.MaxDuration,
			Tags:        []string{runner.WeekTag(testWeek), runner.ContentTypeTag(string(ct))},
		})
	}
	return in
}

func TestGenerateWeek_PartialFailureFailsWeekOnly(t *testing.T) {
	f := newFixture(t, stubGenerator{fail: map[domain.ContentType]string{domain.ContentMCQs: "no questions found"}})
	ctx := context.Background()
	f.seed(t, "Mitochondria produce ATP through cellular respiration.", domain.StatusCompleted)
	cfgID := f.persist(t, domain.ContentSummaries, domain.ContentMCQs)
	if err := repo.SetWeekGenerationStatus(ctx, f.db, testWeek, domain.StatusProcessing, ""); err != nil {
		t.Fatal(err)
	}

	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	Register(env, f.registry, f.acts)
	env.ExecuteWorkflow(runner.TaskGenerateWeek, f.weekInput(cfgID, domain.ContentSummaries, domain.ContentMCQs))

	if !env.IsWorkflowCompleted() {
		t.Fatal("workflow did not complete")
	}
	if err := env.GetWorkflowError(); err != nil {
		t.Fatalf("workflow error: %v", err)
	}
	var res runner.GenerateWeekResult
	if err := env.GetWorkflowResult(&res); err != nil {
		t.Fatal(err)
	}
	if len(res.Completed) != 1 || res.Completed[0] != domain.ContentSummaries || len(res.Failed) != 1 || res.Failed[0] != domain.ContentMCQs {
		t.Fatalf("result = %+v", res)
	}

	week, _ := repo.GetWeek(ctx, f.db, testWeek, testUser)
	if week.GenerationStatus != domain.StatusFailed || !strings.Contains(week.LastError, "mcqs") {
		t.Fatalf("week = %+v", week)
	}
	cfg, _ := f.acts.Configs.Get(ctx, cfgID)
	if cfg.Status != domain.StatusPartial {
		t.Fatalf("config status = %s", cfg.Status)
	}
	failures, _ := cfg.Failures()
	if len(failures) != 1 || failures[0].Reason != "no questions found" {
		t.Fatalf("failures = %+v", failures)
	}
	if n, _ := repo.CountGeneratedItems(ctx, f.db, testWeek, domain.ContentSummaries); n != 1 {
		t.Fatalf("summaries stored = %d", n)
	}

	parent, err := f.tracker.Get(ctx, "gen_1")
	if err != nil || parent.Status != status.RunFailed {
		t.Fatalf("parent snapshot = %+v %v", parent, err)
	}
	children, _ := f.tracker.Children(ctx, "gen_1")
	got := map[domain.ContentType]status.RunStatus{}
	for _, c := range children {
		got[c.ContentType] = c.Status
	}
	if got[domain.ContentSummaries] != status.RunCompleted || got[domain.ContentMCQs] != status.RunFailed {
		t.Fatalf("children = %+v", got)
	}
}

func TestProcessMaterial_EmbedsAndDispatches(t *testing.T) {
	f := newFixture(t, stubGenerator{})
	ctx := context.Background()
	f.seed(t, "Enzymes lower activation energy.\n\nSubstrates bind at the active site.", domain.StatusPending)
	cfgID := f.persist(t, domain.ContentSummaries)

	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	Register(env, f.registry, f.acts)
	env.ExecuteWorkflow(runner.TaskProcessMaterial, runner.ProcessMaterialInput{
		RunID: "mat_1", MaterialID: "m1", WeekID: testWeek, CourseID: testCourse, UserID: testUser, ConfigID: cfgID,
	})
	if err := env.GetWorkflowError(); err != nil {
		t.Fatalf("workflow error: %v", err)
	}

	m, _ := repo.GetMaterial(ctx, f.db, "m1", testUser)
	if m.EmbeddingStatus != domain.StatusCompleted || m.ChunkCount == 0 {
		t.Fatalf("material = %+v", m)
	}
	if len(f.runner.triggers) != 1 || f.runner.triggers[0].TaskID != runner.TaskGenerateWeek {
		t.Fatalf("triggers = %+v", f.runner.triggers)
	}
	snap, err := f.tracker.Get(ctx, "mat_1")
	if err != nil || snap.Status != status.RunCompleted {
		t.Fatalf("phase-1 snapshot = %+v %v", snap, err)
	}
}

func TestProcessMaterial_EmptyMaterialFails(t *testing.T) {
	f := newFixture(t, stubGenerator{})
	ctx := context.Background()
	f.seed(t, "   ", domain.StatusPending)

	var suite testsuite.WorkflowTestSuite
	env := suite.NewTestWorkflowEnvironment()
	Register(env, f.registry, f.acts)
	env.ExecuteWorkflow(runner.TaskProcessMaterial, runner.ProcessMaterialInput{
		RunID: "mat_1", MaterialID: "m1", WeekID: testWeek, CourseID: testCourse, UserID: testUser,
	})
	if env.GetWorkflowError() == nil {
		t.Fatal("want workflow error")
	}

	m, _ := repo.GetMaterial(ctx, f.db, "m1", testUser)
	if m.EmbeddingStatus != domain.StatusFailed || m.ErrorMessage != "material has no extractable text" {
		t.Fatalf("material = %+v", m)
	}
	snap, _ := f.tracker.Get(ctx, "mat_1")
	if snap == nil || snap.Status != status.RunFailed {
		t.Fatalf("phase-1 snapshot = %+v", snap)
	}
	if len(f.runner.triggers) != 0 {
		t.Fatal("dispatched after failed embedding")
	}
}
