package worker

import (
	"errors"
	"time"

	"go.temporal.io/sdk/temporal"
	"go.temporal.io/sdk/workflow"

	"github.com/studyloopai/studyloop-backend/internal/domain"
	"github.com/studyloopai/studyloop-backend/internal/runner"
	"github.com/studyloopai/studyloop-backend/internal/status"
)

const (
	materialActivityTimeout = 5 * time.Minute
	shortActivityTimeout    = 30 * time.Second
	defaultContentTimeout   = 300 * time.Second
)

func activityOptions(timeout time.Duration, attempts int32) workflow.ActivityOptions {
	return workflow.ActivityOptions{
		StartToCloseTimeout: timeout,
		RetryPolicy: &temporal.RetryPolicy{
			InitialInterval:    time.Second,
			BackoffCoefficient: 2,
			MaximumInterval:    30 * time.Second,
			MaximumAttempts:    attempts,
		},
	}
}

// failureReason returns the short message of an activity or child failure.
func failureReason(err error, fallback string) string {
	var appErr *temporal.ApplicationError
	if errors.As(err, &appErr) && appErr.Message() != "" {
		return appErr.Message()
	}
	if temporal.IsTimeoutError(err) {
		return "timed out"
	}
	return fallback
}

// ProcessMaterial is phase 1: embed one material, then dispatch generation
// for its week when the upload carried a config. A dispatch problem never
// fails the phase-1 run.
func ProcessMaterial(ctx workflow.Context, in runner.ProcessMaterialInput) error {
	logger := workflow.GetLogger(ctx)
	actx := workflow.WithActivityOptions(ctx, activityOptions(materialActivityTimeout, 3))
	sctx := workflow.WithActivityOptions(ctx, activityOptions(shortActivityTimeout, 5))

	var chunks int
	if err := workflow.ExecuteActivity(actx, ActivityEmbedMaterial, in).Get(ctx, &chunks); err != nil {
		reason := failureReason(err, "embedding failed")
		if ferr := workflow.ExecuteActivity(sctx, ActivityFinishMaterial, in, reason).Get(ctx, nil); ferr != nil {
			logger.Error("record material failure failed", "material_id", in.MaterialID, "error", ferr)
		}
		return err
	}

	if in.ConfigID != "" {
		var out DispatchOutcome
		if err := workflow.ExecuteActivity(sctx, ActivityDispatchGeneration, in).Get(ctx, &out); err != nil {
			logger.Error("generation dispatch failed", "week_id", in.WeekID, "error", err)
		} else if out.Error != "" {
			logger.Warn("generation dispatch rejected", "week_id", in.WeekID, "reason", out.Error)
		}
	}

	return workflow.ExecuteActivity(sctx, ActivityFinishMaterial, in, "").Get(ctx, nil)
}

// GenerateWeek is the phase-2 orchestrator. It starts one child per content
// type and waits for all of them; a failed or timed-out child never cancels
// its siblings.
func GenerateWeek(ctx workflow.Context, in runner.GenerateWeekInput) (runner.GenerateWeekResult, error) {
	logger := workflow.GetLogger(ctx)
	sctx := workflow.WithActivityOptions(ctx, activityOptions(shortActivityTimeout, 5))

	_ = workflow.ExecuteActivity(sctx, ActivityPublish, runner.Snapshot{
		RunID:  in.RunID,
		TaskID: runner.TaskGenerateWeek,
		Status: status.RunExecuting,
		Tags:   []string{runner.WeekTag(in.WeekID), runner.CourseTag(in.CourseID)},
	}).Get(ctx, nil)

	futures := make([]workflow.ChildWorkflowFuture, len(in.Tasks))
	for i, task := range in.Tasks {
		cctx := workflow.WithChildOptions(ctx, workflow.ChildWorkflowOptions{
			WorkflowID:               task.RunID,
			WorkflowExecutionTimeout: task.MaxDuration,
		})
		futures[i] = workflow.ExecuteChildWorkflow(cctx, task.TaskID, task)
	}

	res := runner.GenerateWeekResult{Completed: []domain.ContentType{}, Failed: []domain.ContentType{}}
	for i, task := range in.Tasks {
		var out runner.ContentTaskResult
		err := futures[i].Get(ctx, &out)
		if err == nil && out.Success {
			res.Completed = append(res.Completed, task.ContentType)
			continue
		}
		res.Failed = append(res.Failed, task.ContentType)
		if err == nil {
			// the child recorded its own failure
			continue
		}

		st := status.RunFailed
		if temporal.IsTimeoutError(err) {
			st = status.RunTimedOut
		}
		reason := failureReason(err, "generation task failed")
		logger.Warn("content task failed", "run_id", task.RunID, "error", err)
		if ferr := workflow.ExecuteActivity(sctx, ActivityFailFeature, task, st, reason).Get(ctx, nil); ferr != nil {
			logger.Error("record feature failure failed", "run_id", task.RunID, "error", ferr)
		}
	}

	if err := workflow.ExecuteActivity(sctx, ActivityFinalizeWeek, in, res).Get(ctx, nil); err != nil {
		return res, err
	}
	return res, nil
}

// GenerateContent runs one content type. Registered once per content task
// id; the execution timeout set by the parent bounds all attempts.
func GenerateContent(ctx workflow.Context, in runner.ContentTaskInput) (runner.ContentTaskResult, error) {
	timeout := in.MaxDuration
	if timeout <= 0 {
		timeout = defaultContentTimeout
	}
	actx := workflow.WithActivityOptions(ctx, activityOptions(timeout, 3))

	var out runner.ContentTaskResult
	err := workflow.ExecuteActivity(actx, ActivityGenerateContent, in).Get(ctx, &out)
	return out, err
}
