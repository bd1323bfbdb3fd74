// Package worker executes the StudyLoop tasks on Temporal: phase-1 material
// processing, the phase-2 week orchestrator, and one generation workflow per
// content type. Workflow types are the task ids from runner.Registry.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.temporal.io/sdk/activity"
	temporalsdkclient "go.temporal.io/sdk/client"
	sdkworker "go.temporal.io/sdk/worker"
	"go.temporal.io/sdk/workflow"

	"github.com/studyloopai/studyloop-backend/internal/runner"
)

// Registrar is implemented by Temporal workers and test environments.
type Registrar interface {
	RegisterWorkflowWithOptions(w interface{}, options workflow.RegisterOptions)
	RegisterActivityWithOptions(a interface{}, options activity.RegisterOptions)
}

// Register binds every workflow and activity to r. Content workflows are
// registered under each task id in the registry.
func Register(r Registrar, reg *runner.Registry, acts *Activities) {
	r.RegisterWorkflowWithOptions(ProcessMaterial, workflow.RegisterOptions{Name: reg.MaterialTask().ID})
	r.RegisterWorkflowWithOptions(GenerateWeek, workflow.RegisterOptions{Name: reg.Orchestrator().ID})
	for _, t := range reg.ContentTasks() {
		r.RegisterWorkflowWithOptions(GenerateContent, workflow.RegisterOptions{Name: t.ID})
	}

	r.RegisterActivityWithOptions(acts.Publish, activity.RegisterOptions{Name: ActivityPublish})
	r.RegisterActivityWithOptions(acts.EmbedMaterial, activity.RegisterOptions{Name: ActivityEmbedMaterial})
	r.RegisterActivityWithOptions(acts.FinishMaterial, activity.RegisterOptions{Name: ActivityFinishMaterial})
	r.RegisterActivityWithOptions(acts.DispatchGeneration, activity.RegisterOptions{Name: ActivityDispatchGeneration})
	r.RegisterActivityWithOptions(acts.GenerateContent, activity.RegisterOptions{Name: ActivityGenerateContent})
	r.RegisterActivityWithOptions(acts.FailFeature, activity.RegisterOptions{Name: ActivityFailFeature})
	r.RegisterActivityWithOptions(acts.FinalizeWeek, activity.RegisterOptions{Name: ActivityFinalizeWeek})
}

// Worker polls one task queue.
type Worker struct {
	Client      temporalsdkclient.Client
	TaskQueue   string
	Concurrency int
	Registry    *runner.Registry
	Activities  *Activities
	// StartMaxWait bounds how long Run retries a failing start.
	StartMaxWait time.Duration
	Logger       zerolog.Logger
}

func (w *Worker) newWorker() sdkworker.Worker {
	concurrency := max(1, w.Concurrency)
	tw := sdkworker.New(w.Client, w.TaskQueue, sdkworker.Options{
		MaxConcurrentActivityExecutionSize:     concurrency,
		MaxConcurrentWorkflowTaskExecutionSize: concurrency,
		BackgroundActivityContext:              w.Logger.WithContext(context.Background()),
	})
	Register(tw, w.Registry, w.Activities)
	return tw
}

// Run starts polling, retrying a failed start with capped backoff, and
// blocks until ctx ends.
func (w *Worker) Run(ctx context.Context) error {
	if w.Client == nil {
		return fmt.Errorf("temporal worker: client is not configured")
	}
	log := w.Logger.With().Str("task_queue", w.TaskQueue).Logger()
	deadline := time.Now().Add(w.StartMaxWait)

	for attempt := 1; ; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		tw := w.newWorker()
		err := tw.Start()
		if err == nil {
			log.Info().Int("attempts", attempt).Msg("temporal worker started")
			<-ctx.Done()
			tw.Stop()
			log.Info().Msg("temporal worker stopped")
			return nil
		}
		tw.Stop()

		if w.StartMaxWait <= 0 || time.Now().After(deadline) {
			return fmt.Errorf("temporal worker start (task_queue=%s): %w", w.TaskQueue, err)
		}
		log.Warn().Err(err).Int("attempt", attempt).Msg("temporal worker failed to start; retrying")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(runner.ClampBackoff(250*time.Millisecond, 5*time.Second, attempt)):
		}
	}
}
