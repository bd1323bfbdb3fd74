package ratelimit

import (
	"context"
	"sync"
	"time"
)

// visitor holds one key's admitted attempt times and the last time it was seen.
type visitor struct {
	hits     []time.Time
	lastSeen time.Time
}

// MemoryStore is a process-local Store for single-instance development and
// tests. Idle keys are evicted opportunistically.
type MemoryStore struct {
	mu       sync.Mutex
	visitors map[string]*visitor
	ttl      time.Duration
	cleanupN uint64
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		visitors: make(map[string]*visitor),
		ttl:      2 * time.Hour,
	}
}

// Hit implements Store.
func (s *MemoryStore) Hit(_ context.Context, key string, limit int, window time.Duration, now time.Time) (Window, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	// Run GC before touching key so an idle bucket can be evicted even when
	// it is the one being fetched.
	s.cleanupN++
	if s.cleanupN >= 5000 {
		for k, v := range s.visitors {
			if now.Sub(v.lastSeen) >= s.ttl {
				delete(s.visitors, k)
			}
		}
		s.cleanupN = 0
	}

	v, ok := s.visitors[key]
	if !ok {
		v = &visitor{}
		s.visitors[key] = v
	}
	v.lastSeen = now

	cutoff := now.Add(-window)
	kept := v.hits[:0]
	for _, h := range v.hits {
		if h.After(cutoff) {
			kept = append(kept, h)
		}
	}
	v.hits = kept

	w := Window{Allowed: len(v.hits) < limit}
	if w.Allowed {
		v.hits = append(v.hits, now)
	}
	w.Count = len(v.hits)
	if len(v.hits) > 0 {
		w.Oldest = v.hits[0]
	}
	return w, nil
}
