package runner

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/studyloopai/studyloop-backend/internal/domain"
	"github.com/studyloopai/studyloop-backend/internal/status"
)

// ErrSnapshotNotFound is returned when a run has no recorded snapshot.
var ErrSnapshotNotFound = errors.New("run snapshot not found")

// SnapshotTTL bounds how long run snapshots are retained.
const SnapshotTTL = 24 * time.Hour

// Snapshot is the latest known state of one run.
type Snapshot struct {
	RunID       string             `json:"run_id"`
	ParentRunID string             `json:"parent_run_id,omitempty"`
	TaskID      string             `json:"task_id"`
	ContentType domain.ContentType `json:"content_type,omitempty"`
	Status      status.RunStatus   `json:"status"`
	Tags        []string           `json:"tags,omitempty"`
	Error       string             `json:"error,omitempty"`
	Deadline    time.Time          `json:"deadline,omitzero"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Effective returns the snapshot status, treating an overdue run as timed out.
func (s Snapshot) Effective(now time.Time) status.RunStatus {
	return status.Effective(s.Status, s.Deadline, now)
}

// Tracker stores run snapshots and fans them out to subscribers.
type Tracker interface {
	// Record stores s, indexes it under its parent, and notifies subscribers.
	Record(ctx context.Context, s Snapshot) error
	// Get returns the snapshot of runID or ErrSnapshotNotFound.
	Get(ctx context.Context, runID string) (*Snapshot, error)
	// Children returns the snapshots recorded under parentRunID.
	Children(ctx context.Context, parentRunID string) ([]Snapshot, error)
	// Forget drops runID and every child recorded under it.
	Forget(ctx context.Context, runID string) error
	// Subscribe streams every recorded snapshot until cancel is called or
	// ctx ends.
	Subscribe(ctx context.Context) (events <-chan Snapshot, cancel func(), err error)
}

// MemoryTracker is a process-local Tracker for development and tests.
type MemoryTracker struct {
	mu       sync.RWMutex
	runs     map[string]Snapshot
	children map[string][]string
	subs     map[int]chan Snapshot
	nextSub  int
}

// NewMemoryTracker returns an empty MemoryTracker.
func NewMemoryTracker() *MemoryTracker {
	return &MemoryTracker{
		runs:     make(map[string]Snapshot),
		children: make(map[string][]string),
		subs:     make(map[int]chan Snapshot),
	}
}

// Record implements Tracker.
func (m *MemoryTracker) Record(_ context.Context, s Snapshot) error {
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = time.Now().UTC()
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, seen := m.runs[s.RunID]; !seen && s.ParentRunID != "" {
		m.children[s.ParentRunID] = append(m.children[s.ParentRunID], s.RunID)
	}
	m.runs[s.RunID] = s
	for _, ch := range m.subs {
		select {
		case ch <- s:
		default:
			// slow subscriber; it will catch up from Get
		}
	}
	return nil
}

// Get implements Tracker.
func (m *MemoryTracker) Get(_ context.Context, runID string) (*Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.runs[runID]
	if !ok {
		return nil, ErrSnapshotNotFound
	}
	return &s, nil
}

// Children implements Tracker.
func (m *MemoryTracker) Children(_ context.Context, parentRunID string) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := m.children[parentRunID]
	out := make([]Snapshot, 0, len(ids))
	for _, id := range ids {
		if s, ok := m.runs[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// Forget implements Tracker.
func (m *MemoryTracker) Forget(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range m.children[runID] {
		delete(m.runs, id)
	}
	delete(m.children, runID)
	delete(m.runs, runID)
	return nil
}

// Subscribe implements Tracker.
func (m *MemoryTracker) Subscribe(ctx context.Context) (<-chan Snapshot, func(), error) {
	ch := make(chan Snapshot, 64)
	m.mu.Lock()
	id := m.nextSub
	m.nextSub++
	m.subs[id] = ch
	m.mu.Unlock()

	var once sync.Once
	done := make(chan struct{})
	cancel := func() {
		once.Do(func() {
			m.mu.Lock()
			delete(m.subs, id)
			m.mu.Unlock()
			close(ch)
			close(done)
		})
	}
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-done:
		}
	}()
	return ch, cancel, nil
}
