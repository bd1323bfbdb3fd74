// Package lock provides singleton locks for scheduled sweeps so overlapping
// cron invocations never run the same sweep twice at once.
//
// RedisLocker is used when Redis is configured and spans every instance.
// FileLocker is the single-host fallback.
package lock

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bsm/redislock"
	"github.com/gofrs/flock"
	goredis "github.com/redis/go-redis/v9"
)

// ErrNotObtained is returned when another holder owns the lock.
var ErrNotObtained = errors.New("lock not obtained")

// Release frees a held lock.
type Release func(ctx context.Context) error

// Locker acquires named locks without blocking.
type Locker interface {
	TryLock(ctx context.Context, name string, ttl time.Duration) (Release, error)
}

// RedisLocker obtains leases through redislock. A lease expires after ttl
// even if the holder crashes.
type RedisLocker struct {
	client *redislock.Client
}

// NewRedisLocker returns a Locker backed by rdb.
func NewRedisLocker(rdb goredis.UniversalClient) *RedisLocker {
	return &RedisLocker{client: redislock.New(rdb)}
}

// TryLock implements Locker.
func (l *RedisLocker) TryLock(ctx context.Context, name string, ttl time.Duration) (Release, error) {
	lk, err := l.client.Obtain(ctx, "lock:"+name, ttl, nil)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, ErrNotObtained
	}
	if err != nil {
		return nil, fmt.Errorf("obtain %s: %w", name, err)
	}
	return func(ctx context.Context) error {
		if err := lk.Release(ctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			return err
		}
		return nil
	}, nil
}

// FileLocker takes advisory file locks under dir. The ttl is ignored; the
// OS drops the lock when the process exits.
type FileLocker struct {
	dir string
}

// NewFileLocker returns a Locker that keeps lock files in dir.
func NewFileLocker(dir string) *FileLocker {
	return &FileLocker{dir: dir}
}

// TryLock implements Locker.
func (l *FileLocker) TryLock(_ context.Context, name string, _ time.Duration) (Release, error) {
	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		return nil, fmt.Errorf("lock dir: %w", err)
	}
	path := filepath.Join(l.dir, "studyloop-"+strings.ReplaceAll(name, ":", "-")+".lock")
	fl := flock.New(path)
	ok, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquire %s: %w", name, err)
	}
	if !ok {
		return nil, ErrNotObtained
	}
	return func(context.Context) error { return fl.Unlock() }, nil
}
