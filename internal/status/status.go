// Package status derives the unified processing status of materials and
// weeks from two signal sources: realtime run snapshots published by the
// task runner, and the persisted phase fields in the database.
//
// Realtime signals win when present. Persisted fields are the fallback so a
// status never sticks at processing after the realtime channel is lost.
package status

import (
	"strings"
	"time"

	"github.com/studyloopai/studyloop-backend/internal/domain"
)

// RunStatus is the task runner's run state vocabulary.
type RunStatus string

const (
	RunPendingVersion   RunStatus = "PENDING_VERSION"
	RunQueued           RunStatus = "QUEUED"
	RunDelayed          RunStatus = "DELAYED"
	RunExecuting        RunStatus = "EXECUTING"
	RunReattempting     RunStatus = "REATTEMPTING"
	RunFrozen           RunStatus = "FROZEN"
	RunWaitingForDeploy RunStatus = "WAITING_FOR_DEPLOY"
	RunCompleted        RunStatus = "COMPLETED"
	RunFailed           RunStatus = "FAILED"
	RunCanceled         RunStatus = "CANCELED"
	RunCrashed          RunStatus = "CRASHED"
	RunInterrupted      RunStatus = "INTERRUPTED"
	RunSystemFailure    RunStatus = "SYSTEM_FAILURE"
	RunTimedOut         RunStatus = "TIMED_OUT"
	RunExpired          RunStatus = "EXPIRED"
)

// Class groups run states.
type Class int

const (
	ClassProcessing Class = iota
	ClassSuccess
	ClassFailure
)

// Classify maps a run status to its class. Unknown statuses are treated as
// still processing.
func Classify(s RunStatus) Class {
	switch RunStatus(strings.ToUpper(string(s))) {
	case RunCompleted:
		return ClassSuccess
	case RunFailed, RunCanceled, RunCrashed, RunInterrupted, RunSystemFailure, RunTimedOut, RunExpired:
		return ClassFailure
	default:
		return ClassProcessing
	}
}

// Terminal reports whether s will not change any more.
func Terminal(s RunStatus) bool { return Classify(s) != ClassProcessing }

// Effective returns TIMED_OUT for a run still processing after its deadline.
// A zero deadline never expires.
func Effective(s RunStatus, deadline, now time.Time) RunStatus {
	if Classify(s) == ClassProcessing && !deadline.IsZero() && now.After(deadline) {
		return RunTimedOut
	}
	return s
}

// Status is the unified display status.
type Status string

const (
	Pending    Status = "pending"
	Processing Status = "processing"
	Generating Status = "generating"
	Ready      Status = "ready"
	Failed     Status = "failed"
)

// Realtime carries the run snapshots tracked for one material. A nil Phase1
// means no phase-1 run is tracked; an empty Phase2 means no generation task is.
type Realtime struct {
	Phase1 *RunStatus
	Phase2 []RunStatus
}

// Tracked reports whether any realtime signal exists.
func (r Realtime) Tracked() bool { return r.Phase1 != nil || len(r.Phase2) > 0 }

// Persisted carries the durable phase fields of one material and its week.
type Persisted struct {
	Upload     domain.ProcessingStatus
	Embedding  domain.ProcessingStatus
	Generation domain.ProcessingStatus
}

// Aggregate computes the unified status of one material. Rules are evaluated
// in order and the first match wins.
func Aggregate(rt Realtime, p Persisted) Status {
	if rt.Phase1 != nil {
		switch Classify(*rt.Phase1) {
		case ClassFailure:
			return Failed
		case ClassProcessing:
			return Processing
		}
		return phaseTwo(rt.Phase2)
	}

	if len(rt.Phase2) > 0 {
		// Phase-2 signals without a phase-1 run: phase 1 comes from the row.
		switch persistedPhaseOne(p) {
		case domain.StatusFailed:
			return Failed
		case domain.StatusCompleted:
			return phaseTwo(rt.Phase2)
		default:
			return Processing
		}
	}

	return fallback(p)
}

// phaseTwo applies rule 3 once phase 1 has succeeded.
func phaseTwo(runs []RunStatus) Status {
	if len(runs) == 0 {
		return Ready
	}
	succeeded := 0
	for _, r := range runs {
		switch Classify(r) {
		case ClassFailure:
			return Failed
		case ClassSuccess:
			succeeded++
		}
	}
	if succeeded == len(runs) {
		return Ready
	}
	return Generating
}

// persistedPhaseOne folds upload and embedding into one phase status with
// precedence failure > processing > pending > completed.
func persistedPhaseOne(p Persisted) domain.ProcessingStatus {
	u, e := norm(p.Upload), norm(p.Embedding)
	switch {
	case u == domain.StatusFailed || e == domain.StatusFailed:
		return domain.StatusFailed
	case u == domain.StatusProcessing || e == domain.StatusProcessing:
		return domain.StatusProcessing
	case u == domain.StatusCompleted && e == domain.StatusCompleted:
		return domain.StatusCompleted
	default:
		return domain.StatusPending
	}
}

// fallback applies rule 4 to persisted fields only.
func fallback(p Persisted) Status {
	phase1 := persistedPhaseOne(p)
	gen := p.Generation
	switch {
	case phase1 == domain.StatusFailed || gen == domain.StatusFailed:
		return Failed
	case phase1 == domain.StatusProcessing:
		return Processing
	case phase1 == domain.StatusPending:
		return Pending
	case gen == domain.StatusProcessing || gen == domain.StatusPending:
		return Generating
	default:
		return Ready
	}
}

func norm(s domain.ProcessingStatus) domain.ProcessingStatus {
	if s == "" {
		return domain.StatusPending
	}
	return s
}

// rollupRank orders statuses for week rollup; lower wins.
var rollupRank = map[Status]int{
	Failed:     0,
	Processing: 1,
	Generating: 2,
	Pending:    3,
	Ready:      4,
}

// Rollup combines per-material statuses into a week status with precedence
// failed > processing > generating > pending > ready. No materials is pending.
func Rollup(statuses []Status) Status {
	if len(statuses) == 0 {
		return Pending
	}
	best := Ready
	for _, s := range statuses {
		if rank, ok := rollupRank[s]; ok && rank < rollupRank[best] {
			best = s
		}
	}
	return best
}

// FeatureStatus is the display status of one content type.
type FeatureStatus string

const (
	FeatureQueued     FeatureStatus = "queued"
	FeatureGenerating FeatureStatus = "generating"
	FeatureCompleted  FeatureStatus = "completed"
	FeatureFailed     FeatureStatus = "failed"
)

// Feature maps a content type's run status to its display status.
func Feature(s RunStatus) FeatureStatus {
	switch Classify(s) {
	case ClassSuccess:
		return FeatureCompleted
	case ClassFailure:
		return FeatureFailed
	}
	switch s {
	case RunQueued, RunDelayed, RunPendingVersion, RunWaitingForDeploy:
		return FeatureQueued
	}
	return FeatureGenerating
}
