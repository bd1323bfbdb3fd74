package repo

import (
	"context"
	"testing"
	"time"

	"gorm.io/datatypes"

	"github.com/studyloopai/studyloop-backend/internal/domain"
)

func newRecord(id, key string, now time.Time) *domain.IdempotencyRecord {
	return &domain.IdempotencyRecord{
		ID:            id,
		Key:           key,
		OperationType: domain.OperationWebhook,
		Status:        domain.IdempotencyProcessing,
		MaxRetries:    3,
		ExpiresAt:     now.Add(time.Hour),
	}
}

func TestCreateIdempotency_DuplicateKey(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	if err := CreateIdempotency(ctx, db, newRecord("a", "k1", now)); err != nil {
		t.Fatalf("first insert: %v", err)
	}
	if err := CreateIdempotency(ctx, db, newRecord("b", "k1", now)); err != ErrDuplicate {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}

	got, err := GetIdempotency(ctx, db, "k1")
	if err != nil || got.ID != "a" {
		t.Fatalf("GetIdempotency = %+v, %v", got, err)
	}
	if _, err := GetIdempotency(ctx, db, "missing"); err != ErrNotFound {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteExpiredIdempotency_OnlyWhenExpired(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	live := newRecord("live", "k-live", now)
	dead := newRecord("dead", "k-dead", now)
	dead.ExpiresAt = now.Add(-time.Minute)
	for _, r := range []*domain.IdempotencyRecord{live, dead} {
		if err := CreateIdempotency(ctx, db, r); err != nil {
			t.Fatal(err)
		}
	}

	if ok, err := DeleteExpiredIdempotency(ctx, db, "live", now); err != nil || ok {
		t.Fatalf("live row must not be deleted: ok=%v err=%v", ok, err)
	}
	if ok, err := DeleteExpiredIdempotency(ctx, db, "dead", now); err != nil || !ok {
		t.Fatalf("expired row should be deleted: ok=%v err=%v", ok, err)
	}
	// second caller loses the race
	if ok, err := DeleteExpiredIdempotency(ctx, db, "dead", now); err != nil || ok {
		t.Fatalf("second delete should report false: ok=%v err=%v", ok, err)
	}
}

func TestCompleteIdempotency(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if err := CreateIdempotency(ctx, db, newRecord("a", "k1", now)); err != nil {
		t.Fatal(err)
	}

	ok, err := CompleteIdempotency(ctx, db, "k1", datatypes.JSON(`{"ok":true}`), now)
	if err != nil || !ok {
		t.Fatalf("complete: ok=%v err=%v", ok, err)
	}
	got, _ := GetIdempotency(ctx, db, "k1")
	if got.Status != domain.IdempotencyCompleted || got.CompletedAt == nil || string(got.ResultData) != `{"ok":true}` {
		t.Fatalf("unexpected record: %+v", got)
	}

	if ok, err := CompleteIdempotency(ctx, db, "missing", nil, now); err != nil || ok {
		t.Fatalf("missing key should report false: ok=%v err=%v", ok, err)
	}
}

func TestFailIdempotency_RetryBudget(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	rec := newRecord("a", "k1", now)
	rec.MaxRetries = 2
	if err := CreateIdempotency(ctx, db, rec); err != nil {
		t.Fatal(err)
	}

	want := []domain.IdempotencyStatus{
		domain.IdempotencyProcessing, // retry_count 1 <= 2
		domain.IdempotencyProcessing, // retry_count 2 <= 2
		domain.IdempotencyFailed,     // retry_count 3 > 2
	}
	for i, w := range want {
		ok, err := FailIdempotency(ctx, db, "k1", "boom", true, now.Add(time.Duration(i)*time.Second))
		if err != nil || !ok {
			t.Fatalf("fail #%d: ok=%v err=%v", i, ok, err)
		}
		got, _ := GetIdempotency(ctx, db, "k1")
		if got.Status != w || got.RetryCount != i+1 || got.ErrorMessage != "boom" {
			t.Fatalf("after fail #%d: %+v", i, got)
		}
	}

	if ok, _ := FailIdempotency(ctx, db, "missing", "x", true, now); ok {
		t.Fatalf("missing key should report false")
	}
}

func TestFailIdempotency_NoRetryIsTerminal(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	if err := CreateIdempotency(ctx, db, newRecord("a", "k1", now)); err != nil {
		t.Fatal(err)
	}
	if _, err := FailIdempotency(ctx, db, "k1", "bad input", false, now); err != nil {
		t.Fatal(err)
	}
	got, _ := GetIdempotency(ctx, db, "k1")
	if got.Status != domain.IdempotencyFailed || got.RetryCount != 1 {
		t.Fatalf("unexpected record: %+v", got)
	}
}

func TestListPendingRetries_FilterAndOrder(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	mk := func(id string, op domain.OperationType, status domain.IdempotencyStatus, retries, max int, last time.Time) {
		t.Helper()
		r := newRecord(id, "key-"+id, now)
		r.OperationType = op
		r.Status = status
		r.RetryCount = retries
		r.MaxRetries = max
		r.LastRetryAt = &last
		if err := CreateIdempotency(ctx, db, r); err != nil {
			t.Fatal(err)
		}
	}
	mk("newer", domain.OperationWebhook, domain.IdempotencyProcessing, 1, 3, now)
	mk("older", domain.OperationWebhook, domain.IdempotencyProcessing, 2, 3, now.Add(-time.Hour))
	mk("upload", domain.OperationUpload, domain.IdempotencyProcessing, 1, 3, now.Add(-2*time.Hour))
	mk("fresh", domain.OperationWebhook, domain.IdempotencyProcessing, 0, 3, now.Add(-3*time.Hour))
	mk("exhausted", domain.OperationWebhook, domain.IdempotencyProcessing, 4, 3, now.Add(-3*time.Hour))
	mk("failed", domain.OperationWebhook, domain.IdempotencyFailed, 1, 3, now.Add(-3*time.Hour))

	op := domain.OperationWebhook
	got, err := ListPendingRetries(ctx, db, &op, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 || got[0].ID != "older" || got[1].ID != "newer" {
		t.Fatalf("unexpected webhook retries: %+v", got)
	}

	all, err := ListPendingRetries(ctx, db, nil, 1)
	if err != nil || len(all) != 1 || all[0].ID != "upload" {
		t.Fatalf("unexpected limited list: %+v err=%v", all, err)
	}
}

func TestPurgeExpiredIdempotency_KeepsProcessing(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, r := range []struct {
		id     string
		status domain.IdempotencyStatus
	}{{"c", domain.IdempotencyCompleted}, {"f", domain.IdempotencyFailed}, {"p", domain.IdempotencyProcessing}} {
		rec := newRecord(r.id, "key-"+r.id, now)
		rec.Status = r.status
		rec.ExpiresAt = now.Add(-time.Hour)
		if err := CreateIdempotency(ctx, db, rec); err != nil {
			t.Fatal(err)
		}
	}
	n, err := PurgeExpiredIdempotency(ctx, db, now)
	if err != nil || n != 2 {
		t.Fatalf("purged %d, err=%v", n, err)
	}
	if _, err := GetIdempotency(ctx, db, "key-p"); err != nil {
		t.Fatalf("processing row must survive: %v", err)
	}
}
