package runner

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"go.temporal.io/api/enums/v1"
	temporalsdkclient "go.temporal.io/sdk/client"

	"github.com/studyloopai/studyloop-backend/internal/domain"
	"github.com/studyloopai/studyloop-backend/internal/status"
)

type fakeRun struct {
	temporalsdkclient.WorkflowRun
	id string
}

func (r fakeRun) GetID() string { return r.id }

type fakeStarter struct {
	err      error
	opts     []temporalsdkclient.StartWorkflowOptions
	workflow []interface{}
}

func (f *fakeStarter) ExecuteWorkflow(_ context.Context, o temporalsdkclient.StartWorkflowOptions, wf interface{}, _ ...interface{}) (temporalsdkclient.WorkflowRun, error) {
	f.opts = append(f.opts, o)
	f.workflow = append(f.workflow, wf)
	if f.err != nil {
		return nil, f.err
	}
	return fakeRun{id: o.ID}, nil
}

func TestTemporalRunner_Trigger(t *testing.T) {
	st := &fakeStarter{}
	tokens := NewTokenIssuer("0123456789abcdef0123", time.Hour)
	r := NewTemporalRunner(st, "studyloop", tokens)

	h, err := r.Trigger(context.Background(), TriggerRequest{
		TaskID:      TaskGenerateWeek,
		RunID:       "run-1",
		Payload:     GenerateWeekInput{RunID: "run-1"},
		Tags:        []string{WeekTag("w1")},
		MaxDuration: 6 * time.Minute,
	})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if h.RunID != "run-1" || h.AccessToken == "" {
		t.Fatalf("handle = %+v", h)
	}
	o := st.opts[0]
	if o.ID != "run-1" || o.TaskQueue != "studyloop" || o.WorkflowExecutionTimeout != 6*time.Minute {
		t.Fatalf("options = %+v", o)
	}
	if o.WorkflowIDReusePolicy != enums.WORKFLOW_ID_REUSE_POLICY_REJECT_DUPLICATE {
		t.Fatalf("reuse policy = %v", o.WorkflowIDReusePolicy)
	}
	if st.workflow[0] != TaskGenerateWeek {
		t.Fatalf("workflow type = %v", st.workflow[0])
	}

	claims, err := tokens.Verify(h.AccessToken)
	if err != nil || claims.RunID != "run-1" {
		t.Fatalf("token claims = %+v, err = %v", claims, err)
	}
}

func TestTemporalRunner_TriggerErrorIsUnavailable(t *testing.T) {
	r := NewTemporalRunner(&fakeStarter{err: errors.New("connection refused")}, "q", NewTokenIssuer("0123456789abcdef", time.Hour))
	_, err := r.Trigger(context.Background(), TriggerRequest{TaskID: TaskProcessMaterial, RunID: "r"})
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("want ErrUnavailable, got %v", err)
	}
}

func TestUnavailable(t *testing.T) {
	if _, err := (Unavailable{}).Trigger(context.Background(), TriggerRequest{}); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("got %v", err)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry(5 * time.Minute)
	task, ok := r.ForContentType(domain.ContentGoldenNotes)
	if !ok || task.ID != "generate-golden-notes" || task.MaxDuration != 5*time.Minute {
		t.Fatalf("golden notes task = %+v ok=%v", task, ok)
	}
	if _, ok := r.ForContentType("flashcards"); ok {
		t.Fatalf("unknown content type must not resolve")
	}
	if r.Orchestrator().MaxDuration <= task.MaxDuration {
		t.Fatalf("orchestrator must outlive its children")
	}
	if got := len(r.ContentTasks()); got != len(domain.AllContentTypes) {
		t.Fatalf("content tasks = %d", got)
	}
	if r.ContentTasks()[0].ContentType != domain.ContentSummaries {
		t.Fatalf("content tasks must follow canonical order")
	}
}

func TestTokenIssuer(t *testing.T) {
	ti := NewTokenIssuer("0123456789abcdef", time.Minute)
	tok, err := ti.Issue("run-1", []string{WeekTag("w1"), CourseTag("c1")})
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}

	if _, err := NewTokenIssuer("another-secret-value", time.Minute).Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("foreign secret must be rejected, got %v", err)
	}

	ti.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	if _, err := ti.Verify(tok); !errors.Is(err, ErrInvalidToken) {
		t.Fatalf("expired token must be rejected, got %v", err)
	}
}

func TestRunClaims_Permits(t *testing.T) {
	c := &RunClaims{RunID: "run-1", Tags: []string{WeekTag("w1"), CourseTag("c1")}}
	cases := []struct {
		name string
		snap Snapshot
		want bool
	}{
		{"self", Snapshot{RunID: "run-1"}, true},
		{"child", Snapshot{RunID: "run-1:mcqs", ParentRunID: "run-1"}, true},
		{"tag superset", Snapshot{RunID: "x", Tags: []string{WeekTag("w1"), CourseTag("c1"), ContentTypeTag("mcqs")}}, true},
		{"partial tags", Snapshot{RunID: "x", Tags: []string{WeekTag("w1")}}, false},
		{"other week", Snapshot{RunID: "x", Tags: []string{WeekTag("w2"), CourseTag("c1")}}, false},
	}
	for _, tc := range cases {
		if got := c.Permits(tc.snap); got != tc.want {
			t.Errorf("%s: Permits = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestMemoryTracker(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	tr := NewMemoryTracker()

	events, stop, err := tr.Subscribe(ctx)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	defer stop()

	_ = tr.Record(ctx, Snapshot{RunID: "p", TaskID: TaskGenerateWeek, Status: status.RunExecuting})
	_ = tr.Record(ctx, Snapshot{RunID: "p:mcqs", ParentRunID: "p", Status: status.RunQueued})
	_ = tr.Record(ctx, Snapshot{RunID: "p:mcqs", ParentRunID: "p", Status: status.RunCompleted})

	kids, _ := tr.Children(ctx, "p")
	if len(kids) != 1 || kids[0].Status != status.RunCompleted {
		t.Fatalf("children = %+v", kids)
	}

	for i := 0; i < 3; i++ {
		select {
		case <-events:
		case <-time.After(time.Second):
			t.Fatalf("event %d not delivered", i)
		}
	}

	_ = tr.Forget(ctx, "p")
	if _, err := tr.Get(ctx, "p:mcqs"); !errors.Is(err, ErrSnapshotNotFound) {
		t.Fatalf("child must be forgotten, got %v", err)
	}
}

func TestSnapshot_EffectiveTimesOut(t *testing.T) {
	now := time.Now()
	s := Snapshot{Status: status.RunExecuting, Deadline: now.Add(-time.Second)}
	if got := s.Effective(now); got != status.RunTimedOut {
		t.Fatalf("Effective = %s", got)
	}
}

func TestClampBackoff(t *testing.T) {
	if got := ClampBackoff(250*time.Millisecond, 5*time.Second, 1); got != 250*time.Millisecond {
		t.Fatalf("attempt 1 = %v", got)
	}
	if got := ClampBackoff(250*time.Millisecond, 5*time.Second, 3); got != time.Second {
		t.Fatalf("attempt 3 = %v", got)
	}
	if got := ClampBackoff(250*time.Millisecond, 5*time.Second, 20); got != 5*time.Second {
		t.Fatalf("attempt 20 = %v", got)
	}
}

func TestLogAdapter(t *testing.T) {
	var buf bytes.Buffer
	a := NewLogAdapter(zerolog.New(&buf))
	a.Warn("poll failed", "TaskQueue", "studyloop", "Error", errors.New("boom"))
	out := buf.String()
	for _, want := range []string{`"level":"warn"`, `"TaskQueue":"studyloop"`, `"Error":"boom"`, `"component":"temporal"`} {
		if !strings.Contains(out, want) {
			t.Fatalf("missing %s in %s", want, out)
		}
	}
}
