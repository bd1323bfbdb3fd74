package runner

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"go.temporal.io/api/enums/v1"
	temporalsdkclient "go.temporal.io/sdk/client"
	temporallog "go.temporal.io/sdk/log"

	"github.com/studyloopai/studyloop-backend/internal/config"
)

// WorkflowStarter is the part of the Temporal client the runner needs.
type WorkflowStarter interface {
	ExecuteWorkflow(ctx context.Context, options temporalsdkclient.StartWorkflowOptions, workflow interface{}, args ...interface{}) (temporalsdkclient.WorkflowRun, error)
}

// TemporalRunner schedules tasks as Temporal workflows. The task id is the
// workflow type and the run id is the workflow id.
type TemporalRunner struct {
	client    WorkflowStarter
	taskQueue string
	tokens    *TokenIssuer
}

// NewTemporalRunner returns a Runner that starts workflows on taskQueue and
// issues run tokens with tokens.
func NewTemporalRunner(c WorkflowStarter, taskQueue string, tokens *TokenIssuer) *TemporalRunner {
	return &TemporalRunner{client: c, taskQueue: taskQueue, tokens: tokens}
}

// Trigger implements Runner. Any scheduling error wraps ErrUnavailable.
func (r *TemporalRunner) Trigger(ctx context.Context, req TriggerRequest) (RunHandle, error) {
	opts := temporalsdkclient.StartWorkflowOptions{
		ID:                    req.RunID,
		TaskQueue:             r.taskQueue,
		WorkflowIDReusePolicy: enums.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE,
	}
	if req.MaxDuration > 0 {
		opts.WorkflowExecutionTimeout = req.MaxDuration
	}
	if len(req.Tags) > 0 {
		opts.Memo = map[string]interface{}{"tags": req.Tags}
	}

	run, err := r.client.ExecuteWorkflow(ctx, opts, req.TaskID, req.Payload)
	if err != nil {
		return RunHandle{}, fmt.Errorf("%w: start %s: %v", ErrUnavailable, req.TaskID, err)
	}
	token, err := r.tokens.Issue(req.RunID, req.Tags)
	if err != nil {
		return RunHandle{}, err
	}
	return RunHandle{RunID: run.GetID(), AccessToken: token}, nil
}

// Dial connects to Temporal, retrying with capped exponential backoff until
// cfg.DialMaxWait elapses.
func Dial(ctx context.Context, cfg config.TemporalConfig, logger zerolog.Logger) (temporalsdkclient.Client, error) {
	opts := temporalsdkclient.Options{
		HostPort:  cfg.Address,
		Namespace: cfg.Namespace,
		Logger:    NewLogAdapter(logger),
	}

	deadline := time.Now().Add(cfg.DialMaxWait)
	for attempt := 1; ; attempt++ {
		dctx, cancel := context.WithTimeout(ctx, cfg.DialTimeout)
		c, err := temporalsdkclient.DialContext(dctx, opts)
		cancel()
		if err == nil {
			if attempt > 1 {
				logger.Info().Str("address", cfg.Address).Int("attempts", attempt).Msg("connected to temporal")
			}
			return c, nil
		}
		if cfg.DialMaxWait <= 0 || time.Now().After(deadline) || ctx.Err() != nil {
			return nil, fmt.Errorf("temporal dial failed (address=%s namespace=%s): %w", cfg.Address, cfg.Namespace, err)
		}
		logger.Warn().Err(err).Str("address", cfg.Address).Int("attempt", attempt).Msg("temporal not reachable; retrying")

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(ClampBackoff(250*time.Millisecond, 5*time.Second, attempt)):
		}
	}
}

// ClampBackoff doubles base per attempt, capped at max.
func ClampBackoff(base, max time.Duration, attempt int) time.Duration {
	if base <= 0 {
		base = 250 * time.Millisecond
	}
	sleep := base
	for i := 1; i < attempt; i++ {
		sleep *= 2
		if max > 0 && sleep >= max {
			return max
		}
	}
	if max > 0 && sleep > max {
		return max
	}
	return sleep
}

// LogAdapter routes Temporal SDK logs into zerolog.
type LogAdapter struct {
	l zerolog.Logger
}

var _ temporallog.Logger = LogAdapter{}

// NewLogAdapter wraps l for the Temporal SDK.
func NewLogAdapter(l zerolog.Logger) LogAdapter {
	return LogAdapter{l: l.With().Str("component", "temporal").Logger()}
}

func (a LogAdapter) Debug(msg string, keyvals ...interface{}) { a.emit(a.l.Debug(), msg, keyvals) }
func (a LogAdapter) Info(msg string, keyvals ...interface{})  { a.emit(a.l.Info(), msg, keyvals) }
func (a LogAdapter) Warn(msg string, keyvals ...interface{})  { a.emit(a.l.Warn(), msg, keyvals) }
func (a LogAdapter) Error(msg string, keyvals ...interface{}) { a.emit(a.l.Error(), msg, keyvals) }

func (a LogAdapter) emit(e *zerolog.Event, msg string, keyvals []interface{}) {
	for i := 0; i+1 < len(keyvals); i += 2 {
		key, ok := keyvals[i].(string)
		if !ok {
			key = fmt.Sprint(keyvals[i])
		}
		if err, isErr := keyvals[i+1].(error); isErr {
			e = e.AnErr(key, err)
			continue
		}
		e = e.Interface(key, keyvals[i+1])
	}
	if len(keyvals)%2 == 1 {
		e = e.Interface("extra", keyvals[len(keyvals)-1])
	}
	e.Msg(msg)
}
