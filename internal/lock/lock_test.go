package lock

import (
	"context"
	"errors"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
)

func TestFileLocker_Exclusive(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	a := NewFileLocker(dir)
	b := NewFileLocker(dir)

	release, err := a.TryLock(ctx, "sweep:quota-reset", time.Minute)
	if err != nil {
		t.Fatalf("first lock: %v", err)
	}
	if _, err := b.TryLock(ctx, "sweep:quota-reset", time.Minute); !errors.Is(err, ErrNotObtained) {
		t.Fatalf("second lock should fail with ErrNotObtained, got %v", err)
	}
	// different names do not contend
	other, err := b.TryLock(ctx, "sweep:jobs", time.Minute)
	if err != nil {
		t.Fatalf("other lock: %v", err)
	}
	_ = other(ctx)

	if err := release(ctx); err != nil {
		t.Fatalf("release: %v", err)
	}
	again, err := b.TryLock(ctx, "sweep:quota-reset", time.Minute)
	if err != nil {
		t.Fatalf("lock after release: %v", err)
	}
	_ = again(ctx)
}

func TestRedisLocker_UnreachableIsError(t *testing.T) {
	rdb := goredis.NewClient(&goredis.Options{Addr: "127.0.0.1:1", DialTimeout: 50 * time.Millisecond, MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })

	_, err := NewRedisLocker(rdb).TryLock(context.Background(), "sweep:jobs", time.Second)
	if err == nil || errors.Is(err, ErrNotObtained) {
		t.Fatalf("expected infrastructure error, got %v", err)
	}
}
