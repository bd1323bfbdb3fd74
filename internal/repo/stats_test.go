package repo

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/studyloopai/studyloop-backend/internal/domain"
)

func TestGeneratedItemsStats_CountError_NoTable(t *testing.T) {
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := GeneratedItemsStats(context.Background(), db, "w1", ""); err == nil {
		t.Fatalf("expected error due to missing generated_items table")
	}
}

func TestGeneratedItemsStats_ZeroRows(t *testing.T) {
	db := newTestDB(t)
	count, maxAt, err := GeneratedItemsStats(context.Background(), db, "w1", "")
	if err != nil {
		t.Fatalf("GeneratedItemsStats error: %v", err)
	}
	if count != 0 || maxAt != nil {
		t.Fatalf("expected (0, nil), got (%d, %v)", count, maxAt)
	}
}

func TestGeneratedItemsStats_FilterAndMax(t *testing.T) {
	db := newTestDB(t)

	t1 := time.Date(2025, 1, 2, 15, 0, 0, 0, time.UTC)
	t2 := time.Date(2025, 3, 4, 10, 30, 0, 0, time.UTC) // max for w1 summaries
	t3 := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)   // other week
	rows := []domain.GeneratedItem{
		{ID: "a", WeekID: "w1", ContentType: domain.ContentSummaries, RunID: "r", Body: datatypes.JSON(`{}`), CreatedAt: t1, UpdatedAt: t1},
		{ID: "b", WeekID: "w1", ContentType: domain.ContentSummaries, RunID: "r", Position: 1, Body: datatypes.JSON(`{}`), CreatedAt: t2, UpdatedAt: t2},
		{ID: "c", WeekID: "w1", ContentType: domain.ContentMCQs, RunID: "r", Body: datatypes.JSON(`{}`), CreatedAt: t1, UpdatedAt: t1},
		{ID: "d", WeekID: "w2", ContentType: domain.ContentSummaries, RunID: "r", Body: datatypes.JSON(`{}`), CreatedAt: t3, UpdatedAt: t3},
	}
	if err := db.Create(&rows).Error; err != nil {
		t.Fatalf("seed: %v", err)
	}

	count, maxAt, err := GeneratedItemsStats(context.Background(), db, "w1", domain.ContentSummaries)
	if err != nil {
		t.Fatalf("GeneratedItemsStats: %v", err)
	}
	if count != 2 || maxAt == nil || !maxAt.Equal(t2) {
		t.Fatalf("expected (2, %v), got (%d, %v)", t2, count, maxAt)
	}

	count, _, err = GeneratedItemsStats(context.Background(), db, "w1", "")
	if err != nil || count != 3 {
		t.Fatalf("all types: count=%d err=%v", count, err)
	}
}
