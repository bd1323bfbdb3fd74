package handlers

import (
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/studyloopai/studyloop-backend/internal/runner"
	"github.com/studyloopai/studyloop-backend/internal/services"
	"github.com/studyloopai/studyloop-backend/internal/status"
)

// SSE event names.
const (
	eventSnapshot  = "snapshot"
	eventHeartbeat = "heartbeat"
)

// runToken reads the access token from ?token= or a bearer header.
func runToken(c *gin.Context) string {
	if t := strings.TrimSpace(c.Query("token")); t != "" {
		return t
	}
	if auth := c.GetHeader("Authorization"); strings.HasPrefix(auth, "Bearer ") {
		return strings.TrimSpace(strings.TrimPrefix(auth, "Bearer "))
	}
	return ""
}

// StreamRun godoc
// @ID          streamRun
// @Summary     Stream run progress
// @Description Server-sent events with the snapshots of a run and its children. The stream
// @Description ends after the run reaches a terminal status. Heartbeats keep idle connections open.
// @Tags        Realtime
// @Produce     text/event-stream
//
// @Param       runId  path   string  true  "Run ID"  example(gen_141add05-4415-4938-b5a1-17e0d3171aff)
// @Param       token  query  string  true  "Run access token returned by the dispatch"
//
// @Success     200  {object}  runner.Snapshot  "event: snapshot"
// @Failure     401  {object}  handlers.ErrorResponse  "Missing or invalid token"
// @Router      /runs/{runId}/stream [get]
func (h *Handlers) StreamRun(c *gin.Context) {
	runID := c.Param("runId")
	claims, err := h.tokens.Verify(runToken(c))
	if err != nil {
		failErr(c, services.ErrUnauthorizedRun)
		return
	}

	ctx := c.Request.Context()
	current, err := h.tracker.Get(ctx, runID)
	if err != nil && !errors.Is(err, runner.ErrSnapshotNotFound) {
		failErr(c, err)
		return
	}
	if claims.RunID != runID && (current == nil || !claims.Permits(*current)) {
		failErr(c, services.ErrUnauthorizedRun)
		return
	}

	// Subscribe before replaying state so no transition is lost in between.
	events, cancel, err := h.tracker.Subscribe(ctx)
	if err != nil {
		failErr(c, err)
		return
	}
	defer cancel()

	_ = http.NewResponseController(c.Writer).SetWriteDeadline(time.Time{})
	c.Header("Cache-Control", "no-cache")
	c.Header("Connection", "keep-alive")
	c.Header("X-Accel-Buffering", "no")

	related := func(s runner.Snapshot) bool {
		return s.RunID == runID || s.ParentRunID == runID
	}

	if current != nil {
		c.SSEvent(eventSnapshot, current)
		if current.RunID == runID && status.Terminal(current.Effective(time.Now().UTC())) {
			c.Writer.Flush()
			return
		}
	}
	if children, err := h.tracker.Children(ctx, runID); err == nil {
		for _, s := range children {
			c.SSEvent(eventSnapshot, s)
		}
	}
	c.Writer.Flush()

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	c.Stream(func(io.Writer) bool {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			c.SSEvent(eventHeartbeat, gin.H{"ts": time.Now().UTC().Unix()})
			return true
		case s, open := <-events:
			if !open {
				return false
			}
			if !related(s) && !claims.Permits(s) {
				return true
			}
			c.SSEvent(eventSnapshot, s)
			return !(s.RunID == runID && status.Terminal(s.Status))
		}
	})
}
