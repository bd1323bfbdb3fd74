// internal/domain/idempotency_test.go
package domain

import (
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	return db
}

func TestIdempotencyRecord_Migration_UniqueKey(t *testing.T) {
	db := newTestDB(t)
	if err := db.AutoMigrate(&IdempotencyRecord{}); err != nil {
		t.Fatalf("automigrate: %v", err)
	}
	if !db.Migrator().HasIndex(&IdempotencyRecord{}, "ux_idempotency_key") {
		t.Fatalf("expected unique index ux_idempotency_key")
	}

	now := time.Now().UTC()
	first := &IdempotencyRecord{
		ID:            "r1",
		Key:           "webhook:subscription.activated:evt_1",
		OperationType: OperationWebhook,
		Status:        IdempotencyProcessing,
		MaxRetries:    3,
		ExpiresAt:     now.Add(time.Hour),
	}
	if err := db.Create(first).Error; err != nil {
		t.Fatalf("insert first: %v", err)
	}
	dup := *first
	dup.ID = "r2"
	if err := db.Create(&dup).Error; err == nil {
		t.Fatalf("expected unique violation for duplicate key")
	}
}

func TestIdempotencyRecord_Expired(t *testing.T) {
	now := time.Now().UTC()
	cases := []struct {
		name string
		exp  time.Time
		want bool
	}{
		{"future", now.Add(time.Second), false},
		{"exact", now, true},
		{"past", now.Add(-time.Second), true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := &IdempotencyRecord{ExpiresAt: tc.exp}
			if got := r.Expired(now); got != tc.want {
				t.Fatalf("Expired() = %v, want %v", got, tc.want)
			}
		})
	}
}

func TestOperationType_Valid(t *testing.T) {
	for _, o := range []OperationType{OperationWebhook, OperationPayment, OperationUpload, OperationGeneration} {
		if !o.Valid() {
			t.Fatalf("%q should be valid", o)
		}
	}
	if OperationType("email").Valid() {
		t.Fatalf("unknown operation should be invalid")
	}
}
