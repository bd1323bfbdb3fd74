package services

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/studyloopai/studyloop-backend/internal/domain"
)

func newIdem(t *testing.T) (*IdempotencyService, *clock) {
	t.Helper()
	c := newClock(testT0)
	s := NewIdempotencyService(newTestDB(t))
	s.Now = c.Now
	return s, c
}

func TestEnsureKey_ConcurrentCallersSeeOneFirstRun(t *testing.T) {
	s, _ := newIdem(t)
	ctx := context.Background()

	const n = 16
	var wg sync.WaitGroup
	results := make([]EnsureResult, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[i], errs[i] = s.EnsureKey(ctx, "webhook:subscription.renewed:evt_1", EnsureOptions{
				OperationType: domain.OperationWebhook,
				MaxRetries:    3,
			})
		}()
	}
	wg.Wait()

	first := 0
	for i := range n {
		if errs[i] != nil {
			t.Fatalf("caller %d: %v", i, errs[i])
		}
		if results[i].IsFirstRun {
			first++
		}
	}
	if first != 1 {
		t.Fatalf("first runs = %d; want 1", first)
	}
}

func TestEnsureKey_DuplicateReturnsCachedResult(t *testing.T) {
	s, _ := newIdem(t)
	ctx := context.Background()
	opts := EnsureOptions{OperationType: domain.OperationUpload, UserID: "u1"}

	r, err := s.EnsureKey(ctx, "upload:u1:k", opts)
	if err != nil || !r.IsFirstRun {
		t.Fatalf("first: %+v %v", r, err)
	}
	r, err = s.EnsureKey(ctx, "upload:u1:k", opts)
	if err != nil || r.IsFirstRun || r.ExistingResult != nil {
		t.Fatalf("in-flight duplicate: %+v %v", r, err)
	}

	if ok, err := s.Complete(ctx, "upload:u1:k", map[string]string{"material_id": "m1"}); err != nil || !ok {
		t.Fatalf("complete: %v %v", ok, err)
	}
	r, err = s.EnsureKey(ctx, "upload:u1:k", opts)
	if err != nil || r.IsFirstRun {
		t.Fatalf("completed duplicate: %+v %v", r, err)
	}
	var got map[string]string
	if err := json.Unmarshal(r.ExistingResult, &got); err != nil || got["material_id"] != "m1" {
		t.Fatalf("cached result = %s (%v)", r.ExistingResult, err)
	}
}

func TestEnsureKey_ExpiredRecordIsSuperseded(t *testing.T) {
	s, c := newIdem(t)
	ctx := context.Background()
	opts := EnsureOptions{OperationType: domain.OperationPayment, TTL: time.Minute}

	first, err := s.EnsureKey(ctx, "pay:1", opts)
	if err != nil || !first.IsFirstRun {
		t.Fatalf("first: %+v %v", first, err)
	}
	c.Set(testT0.Add(2 * time.Minute))
	again, err := s.EnsureKey(ctx, "pay:1", opts)
	if err != nil || !again.IsFirstRun {
		t.Fatalf("after expiry: %+v %v", again, err)
	}
	if again.Record.ID == first.Record.ID {
		t.Fatalf("expected a new record")
	}
}

func TestEnsureKey_Validation(t *testing.T) {
	s, _ := newIdem(t)
	var verr *ValidationError
	if _, err := s.EnsureKey(context.Background(), "", EnsureOptions{OperationType: domain.OperationWebhook}); !errors.As(err, &verr) {
		t.Fatalf("empty key: %v", err)
	}
	if _, err := s.EnsureKey(context.Background(), "k", EnsureOptions{OperationType: "bogus"}); !errors.As(err, &verr) {
		t.Fatalf("bad operation: %v", err)
	}
}

func TestFail_RetryBudget(t *testing.T) {
	s, _ := newIdem(t)
	ctx := context.Background()
	if _, err := s.EnsureKey(ctx, "webhook:x:1", EnsureOptions{OperationType: domain.OperationWebhook, MaxRetries: 2}); err != nil {
		t.Fatal(err)
	}

	if ok, err := s.Fail(ctx, "webhook:x:1", "db down", true); err != nil || !ok {
		t.Fatalf("fail: %v %v", ok, err)
	}
	pending, err := s.ListPendingRetries(ctx, nil, 10)
	if err != nil || len(pending) != 1 {
		t.Fatalf("pending after one failure = %d (%v)", len(pending), err)
	}

	for range 2 {
		if _, err := s.Fail(ctx, "webhook:x:1", "db down", true); err != nil {
			t.Fatal(err)
		}
	}
	rec, _ := s.Get(ctx, "webhook:x:1")
	if rec.Status != domain.IdempotencyFailed || rec.RetryCount != 3 {
		t.Fatalf("exhausted record = %+v", rec)
	}
	if pending, _ := s.ListPendingRetries(ctx, nil, 10); len(pending) != 0 {
		t.Fatalf("exhausted record still pending")
	}

	if ok, err := s.Fail(ctx, "missing", "x", true); err != nil || ok {
		t.Fatalf("missing key: %v %v", ok, err)
	}
}

func TestClaimRetry_OneCallerPerFailedAttempt(t *testing.T) {
	s, _ := newIdem(t)
	ctx := context.Background()
	opts := EnsureOptions{OperationType: domain.OperationUpload, MaxRetries: 1}
	if _, err := s.EnsureKey(ctx, "upload:u1:k", opts); err != nil {
		t.Fatal(err)
	}

	running, _ := s.EnsureKey(ctx, "upload:u1:k", opts)
	if ok, err := s.ClaimRetry(ctx, running.Record); err != nil || ok {
		t.Fatalf("claim of a first run in flight = %v %v", ok, err)
	}

	if _, err := s.Fail(ctx, "upload:u1:k", "rate limited", true); err != nil {
		t.Fatal(err)
	}
	dup, _ := s.EnsureKey(ctx, "upload:u1:k", opts)
	if ok, err := s.ClaimRetry(ctx, dup.Record); err != nil || !ok {
		t.Fatalf("first claim = %v %v", ok, err)
	}
	if ok, _ := s.ClaimRetry(ctx, dup.Record); ok {
		t.Fatal("a failed attempt was claimed twice")
	}

	// the budget is spent after the re-run fails too
	if _, err := s.Fail(ctx, "upload:u1:k", "rate limited", true); err != nil {
		t.Fatal(err)
	}
	last, _ := s.EnsureKey(ctx, "upload:u1:k", opts)
	if ok, _ := s.ClaimRetry(ctx, last.Record); ok || last.Record.Status != domain.IdempotencyFailed {
		t.Fatalf("exhausted record claimed: %+v", last.Record)
	}
}
