// Package runner is the boundary to the external task runner. Services hand
// it a task id and a payload; the runner schedules the work durably and
// returns a handle that clients use to follow the run in realtime.
//
// TemporalRunner is the production implementation. Unavailable is used when
// no runner is configured so every dispatch fails closed.
package runner

import (
	"context"
	"errors"
	"time"
)

// ErrUnavailable is returned when a run could not be scheduled.
var ErrUnavailable = errors.New("task runner unavailable")

// TriggerRequest describes one run to schedule. RunID doubles as the
// runner's workflow id so a run id can never be scheduled twice.
type TriggerRequest struct {
	TaskID      string
	RunID       string
	Payload     any
	Tags        []string
	MaxDuration time.Duration
}

// RunHandle identifies a scheduled run. AccessToken authorizes realtime
// subscriptions scoped to the run and its tags.
type RunHandle struct {
	RunID       string `json:"run_id"`
	AccessToken string `json:"access_token"`
}

// Runner schedules tasks on the external runner.
type Runner interface {
	Trigger(ctx context.Context, req TriggerRequest) (RunHandle, error)
}

// Unavailable is a Runner that always fails. It stands in when the external
// runner is not configured.
type Unavailable struct{}

// Trigger implements Runner.
func (Unavailable) Trigger(context.Context, TriggerRequest) (RunHandle, error) {
	return RunHandle{}, ErrUnavailable
}

// Tag helpers build the tags attached to generation runs.
func WeekTag(id string) string        { return "weekId:" + id }
func CourseTag(id string) string      { return "courseId:" + id }
func MaterialTag(id string) string    { return "materialId:" + id }
func ContentTypeTag(ct string) string { return "contentType:" + ct }

// ChildRunID is the run id of the content-type child of parentRunID.
func ChildRunID(parentRunID, contentType string) string {
	return parentRunID + ":" + contentType
}
