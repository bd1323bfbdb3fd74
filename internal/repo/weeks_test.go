package repo

import (
	"context"
	"reflect"
	"testing"
	"time"

	"github.com/studyloopai/studyloop-backend/internal/domain"
)

func TestEnsureWeek_IdempotentAndOwnerScoped(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()

	w, err := EnsureWeek(ctx, db, &domain.Week{ID: "w1", CourseID: "c1", UserID: "u1", Title: "Week 1"})
	if err != nil || w.Title != "Week 1" {
		t.Fatalf("EnsureWeek: %+v %v", w, err)
	}
	// second call keeps the stored row
	w, err = EnsureWeek(ctx, db, &domain.Week{ID: "w1", CourseID: "c1", UserID: "u1", Title: "Other"})
	if err != nil || w.Title != "Week 1" {
		t.Fatalf("EnsureWeek again: %+v %v", w, err)
	}
	if _, err := EnsureWeek(ctx, db, &domain.Week{ID: "w1", CourseID: "c1", UserID: "u2"}); err != ErrNotFound {
		t.Fatalf("foreign week should be ErrNotFound, got %v", err)
	}
}

func TestClaimWeekGeneration_SingleWinnerAndStaleTakeover(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if _, err := EnsureWeek(ctx, db, &domain.Week{ID: "w1", CourseID: "c1", UserID: "u1"}); err != nil {
		t.Fatal(err)
	}

	ok, err := ClaimWeekGeneration(ctx, db, "w1", now.Add(-time.Hour), now)
	if err != nil || !ok {
		t.Fatalf("first claim: ok=%v err=%v", ok, err)
	}
	ok, err = ClaimWeekGeneration(ctx, db, "w1", now.Add(-time.Hour), now)
	if err != nil || ok {
		t.Fatalf("second claim must lose: ok=%v err=%v", ok, err)
	}
	// a claim older than staleBefore can be taken over
	ok, err = ClaimWeekGeneration(ctx, db, "w1", now.Add(time.Second), now.Add(2*time.Second))
	if err != nil || !ok {
		t.Fatalf("stale takeover: ok=%v err=%v", ok, err)
	}

	if err := SetWeekGenerationStatus(ctx, db, "w1", domain.StatusFailed, "boom"); err != nil {
		t.Fatal(err)
	}
	w, _ := GetWeek(ctx, db, "w1", "u1")
	if w.GenerationStatus != domain.StatusFailed || w.LastError != "boom" {
		t.Fatalf("unexpected week: %+v", w)
	}
	ok, _ = ClaimWeekGeneration(ctx, db, "w1", now.Add(-time.Hour), now)
	if !ok {
		t.Fatalf("failed week should be claimable")
	}
}

func TestMaterials_ReadyAndEmbedding(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	base := time.Now().UTC()

	for i, m := range []domain.Material{
		{ID: "m1", UploadStatus: domain.StatusCompleted},
		{ID: "m2", UploadStatus: domain.StatusPending},
		{ID: "m3", UploadStatus: domain.StatusCompleted},
	} {
		m.WeekID, m.CourseID, m.UserID = "w1", "c1", "u1"
		m.FileName, m.FileType = m.ID+".pdf", "pdf"
		m.CreatedAt = base.Add(time.Duration(i) * time.Second)
		if err := CreateMaterial(ctx, db, &m); err != nil {
			t.Fatal(err)
		}
	}

	ids, err := ReadyMaterialIDs(ctx, db, "w1", nil)
	if err != nil || !reflect.DeepEqual(ids, []string{"m1", "m3"}) {
		t.Fatalf("ReadyMaterialIDs = %v, %v", ids, err)
	}
	ids, _ = ReadyMaterialIDs(ctx, db, "w1", []string{"m2", "m3"})
	if !reflect.DeepEqual(ids, []string{"m3"}) {
		t.Fatalf("restricted ReadyMaterialIDs = %v", ids)
	}

	all, err := ListWeekMaterials(ctx, db, "w1", nil)
	if err != nil || len(all) != 3 || all[0].ID != "m1" {
		t.Fatalf("ListWeekMaterials = %v, %v", all, err)
	}

	if err := UpdateMaterialEmbedding(ctx, db, "m1", domain.StatusCompleted, 7, ""); err != nil {
		t.Fatal(err)
	}
	m, err := GetMaterial(ctx, db, "m1", "u1")
	if err != nil || m.EmbeddingStatus != domain.StatusCompleted || m.ChunkCount != 7 {
		t.Fatalf("GetMaterial = %+v, %v", m, err)
	}
	if err := UpdateMaterialEmbedding(ctx, db, "nope", domain.StatusFailed, 0, "x"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := GetMaterial(ctx, db, "m1", "someone-else"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound for foreign material, got %v", err)
	}
}

func TestUpdateGenerationConfigVersioned(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	cfg := &domain.GenerationConfig{ID: "g1", WeekID: "w1", CourseID: "c1", UserID: "u1", Status: domain.StatusPending}
	if err := CreateGenerationConfig(ctx, db, cfg); err != nil {
		t.Fatal(err)
	}

	if err := UpdateGenerationConfigVersioned(ctx, db, "g1", 0, map[string]any{"status": domain.StatusProcessing}); err != nil {
		t.Fatalf("first update: %v", err)
	}
	if err := UpdateGenerationConfigVersioned(ctx, db, "g1", 0, map[string]any{"status": domain.StatusFailed}); !IsStale(err) {
		t.Fatalf("expected stale version, got %v", err)
	}
	if err := UpdateGenerationConfigVersioned(ctx, db, "missing", 0, map[string]any{"status": domain.StatusFailed}); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	got, _ := GetGenerationConfig(ctx, db, "g1")
	if got.Version != 1 || got.Status != domain.StatusProcessing {
		t.Fatalf("unexpected config: %+v", got)
	}
}
