package runner

import (
	"time"

	"github.com/studyloopai/studyloop-backend/internal/domain"
)

// Task ids known to the worker.
const (
	TaskProcessMaterial = "process-material"
	TaskGenerateWeek    = "generate-week"
)

// orchestratorSlack covers the orchestrator's own activities on top of its
// slowest child.
const orchestratorSlack = time.Minute

// Task describes one runnable task.
type Task struct {
	ID          string
	ContentType domain.ContentType // empty for non content tasks
	MaxDuration time.Duration
}

// Registry maps content types to their generation tasks. It is built once
// at startup and is read-only afterwards.
type Registry struct {
	material     Task
	orchestrator Task
	byType       map[domain.ContentType]Task
}

// NewRegistry builds the registry for every known content type. Each
// content task may run for at most maxTaskDuration.
func NewRegistry(maxTaskDuration time.Duration) *Registry {
	if maxTaskDuration <= 0 {
		maxTaskDuration = 300 * time.Second
	}
	r := &Registry{
		material:     Task{ID: TaskProcessMaterial, MaxDuration: maxTaskDuration},
		orchestrator: Task{ID: TaskGenerateWeek, MaxDuration: maxTaskDuration + orchestratorSlack},
		byType:       make(map[domain.ContentType]Task, len(domain.AllContentTypes)),
	}
	for _, ct := range domain.AllContentTypes {
		r.byType[ct] = Task{ID: ContentTaskID(ct), ContentType: ct, MaxDuration: maxTaskDuration}
	}
	return r
}

// ContentTaskID is the task id generating ct, e.g. "generate-golden-notes".
func ContentTaskID(ct domain.ContentType) string { return "generate-" + ct.Kebab() }

// ForContentType returns the task generating ct.
func (r *Registry) ForContentType(ct domain.ContentType) (Task, bool) {
	t, ok := r.byType[ct]
	return t, ok
}

// Orchestrator returns the phase-2 task that fans out content tasks.
func (r *Registry) Orchestrator() Task { return r.orchestrator }

// MaterialTask returns the phase-1 task.
func (r *Registry) MaterialTask() Task { return r.material }

// ContentTasks lists the content tasks in canonical content-type order.
func (r *Registry) ContentTasks() []Task {
	out := make([]Task, 0, len(r.byType))
	for _, ct := range domain.AllContentTypes {
		out = append(out, r.byType[ct])
	}
	return out
}
