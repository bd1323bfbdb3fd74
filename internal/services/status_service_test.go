package services

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"gorm.io/gorm"

	"github.com/studyloopai/studyloop-backend/internal/domain"
	"github.com/studyloopai/studyloop-backend/internal/repo"
	"github.com/studyloopai/studyloop-backend/internal/runner"
	"github.com/studyloopai/studyloop-backend/internal/status"
)

func newStatusFixture(t *testing.T) (*StatusService, *runner.MemoryTracker) {
	t.Helper()
	db := newTestDB(t)
	tracker := runner.NewMemoryTracker()
	s := NewStatusService(db, tracker, 24*time.Hour)
	s.Now = newClock(testT0).Now
	return s, tracker
}

func recordJob(t *testing.T, db *gorm.DB, kind domain.JobKind, runID, configID string, materials []string, types []domain.ContentType) {
	t.Helper()
	mids, _ := json.Marshal(materials)
	cts, _ := json.Marshal(types)
	err := repo.CreateProcessingJob(context.Background(), db, &domain.ProcessingJob{
		ID:           runID + "-job",
		UserID:       testUser,
		Kind:         kind,
		RunID:        runID,
		AccessToken:  "tok",
		WeekID:       testWeek,
		CourseID:     testCourse,
		MaterialIDs:  mids,
		ConfigID:     configID,
		ContentTypes: cts,
		CreatedAt:    testT0.Add(-time.Minute),
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestWeekStatus_AnyPhaseTwoFailureFailsTheWeek(t *testing.T) {
	s, tracker := newStatusFixture(t)
	ctx := context.Background()
	seedWeek(t, s.DB, "m1")

	recordJob(t, s.DB, domain.JobMaterial, "mat_1", "", []string{"m1"}, nil)
	recordJob(t, s.DB, domain.JobGeneration, "gen_1", "", []string{"m1"}, []domain.ContentType{domain.ContentSummaries, domain.ContentMCQs})
	for _, snap := range []runner.Snapshot{
		{RunID: "mat_1", Status: status.RunCompleted},
		{RunID: "gen_1:summaries", ParentRunID: "gen_1", ContentType: domain.ContentSummaries, Status: status.RunCompleted},
		{RunID: "gen_1:mcqs", ParentRunID: "gen_1", ContentType: domain.ContentMCQs, Status: status.RunFailed, Error: "no questions"},
	} {
		if err := tracker.Record(ctx, snap); err != nil {
			t.Fatal(err)
		}
	}

	ws, err := s.WeekStatus(ctx, testUser, testWeek)
	if err != nil {
		t.Fatal(err)
	}
	if ws.Status != status.Failed || ws.Materials[0].Status != status.Failed || !ws.Realtime {
		t.Fatalf("week status = %+v", ws)
	}
	if ws.RunID != "gen_1" || len(ws.Features) != 2 {
		t.Fatalf("features = %+v", ws.Features)
	}
	if ws.Features[0].Status != status.FeatureCompleted || ws.Features[1].Status != status.FeatureFailed || ws.Features[1].Error != "no questions" {
		t.Fatalf("features = %+v", ws.Features)
	}
}

func TestWeekStatus_PersistedOnlyIsReady(t *testing.T) {
	s, _ := newStatusFixture(t)
	seedWeek(t, s.DB, "m1", "m2")

	ws, err := s.WeekStatus(context.Background(), testUser, testWeek)
	if err != nil {
		t.Fatal(err)
	}
	if ws.Status != status.Ready || ws.Realtime || len(ws.Materials) != 2 || len(ws.Features) != 0 {
		t.Fatalf("week status = %+v", ws)
	}
}

func TestWeekStatus_TimedOutChildIsFailure(t *testing.T) {
	s, tracker := newStatusFixture(t)
	ctx := context.Background()
	seedWeek(t, s.DB, "m1")
	recordJob(t, s.DB, domain.JobGeneration, "gen_1", "", []string{"m1"}, []domain.ContentType{domain.ContentCuecards})
	_ = tracker.Record(ctx, runner.Snapshot{
		RunID: "gen_1:cuecards", ParentRunID: "gen_1", ContentType: domain.ContentCuecards,
		Status: status.RunExecuting, Deadline: testT0.Add(-time.Second),
	})

	ws, err := s.WeekStatus(ctx, testUser, testWeek)
	if err != nil {
		t.Fatal(err)
	}
	if ws.Status != status.Failed || ws.Features[0].Status != status.FeatureFailed {
		t.Fatalf("week status = %+v", ws)
	}
}

func TestWeekStatus_TrackerOutageFallsBackToPersisted(t *testing.T) {
	s, _ := newStatusFixture(t)
	s.Tracker = brokenTracker{}
	ctx := context.Background()
	seedWeek(t, s.DB, "m1")

	cfgs := NewGenerationConfigService(s.DB)
	cfgID, err := cfgs.Persist(ctx, selection(domain.ContentSummaries, domain.ContentMCQs), testWeek, testCourse, testUser, "")
	if err != nil {
		t.Fatal(err)
	}
	if err := cfgs.UpdateStatus(ctx, cfgID, "", UpdateStatusOptions{CompletedFeatures: []domain.ContentType{domain.ContentSummaries}}); err != nil {
		t.Fatal(err)
	}
	if err := repo.SetWeekGenerationStatus(ctx, s.DB, testWeek, domain.StatusProcessing, ""); err != nil {
		t.Fatal(err)
	}
	recordJob(t, s.DB, domain.JobGeneration, "gen_1", cfgID, []string{"m1"}, []domain.ContentType{domain.ContentSummaries, domain.ContentMCQs})

	ws, err := s.WeekStatus(ctx, testUser, testWeek)
	if err != nil {
		t.Fatal(err)
	}
	if ws.Realtime || ws.Status != status.Generating {
		t.Fatalf("week status = %+v", ws)
	}
	if ws.Features[0].Status != status.FeatureCompleted || ws.Features[1].Status != status.FeatureGenerating {
		t.Fatalf("features = %+v", ws.Features)
	}
}

func TestWeekStatus_PhaseOneRunning(t *testing.T) {
	s, tracker := newStatusFixture(t)
	ctx := context.Background()
	seedWeek(t, s.DB, "m1", "m2")
	recordJob(t, s.DB, domain.JobMaterial, "mat_2", "", []string{"m2"}, nil)
	_ = tracker.Record(ctx, runner.Snapshot{RunID: "mat_2", Status: status.RunExecuting})

	ws, err := s.WeekStatus(ctx, testUser, testWeek)
	if err != nil {
		t.Fatal(err)
	}
	if ws.Materials[0].Status != status.Ready || ws.Materials[1].Status != status.Processing || ws.Status != status.Processing {
		t.Fatalf("week status = %+v", ws)
	}
	if ws.Materials[1].RunID != "mat_2" {
		t.Fatalf("material run id = %q", ws.Materials[1].RunID)
	}
}

func TestWeekStatus_UnknownWeek(t *testing.T) {
	s, _ := newStatusFixture(t)
	if _, err := s.WeekStatus(context.Background(), testUser, testWeek); !errors.Is(err, ErrWeekNotFound) {
		t.Fatalf("got %v", err)
	}
}
