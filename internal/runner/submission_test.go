package runner_test

import (
	"context"
	"errors"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/signalnine/arbiter/internal/evaluator"
	"github.com/signalnine/arbiter/internal/observability"
	"github.com/signalnine/arbiter/internal/result"
	"github.com/signalnine/arbiter/internal/runner"
)

type evalFunc func(ctx context.Context, req *evaluator.Request) (*evaluator.Result, error)

func (f evalFunc) Evaluate(ctx context.Context, req *evaluator.Request) (*evaluator.Result, error) {
	return f(ctx, req)
}

func opts(dir string) *runner.SubmissionOpts {
	return &runner.SubmissionOpts{
		Request: &evaluator.Request{
			SubmissionFilePath: "/uploads/secret/sub.csv",
			SubmissionID:       "1123",
			ParticipantID:      "1234",
			Context:            map[string]any{"queue": "fast"},
		},
		RunID:       "run-1",
		Dir:         dir,
		Timeout:     time.Second,
		Description: evaluator.Description{Round: 1, PrimaryMetric: "rmse"},
		Metrics:     observability.NewMetrics(),
	}
}

func TestEvaluateSubmissionStatuses(t *testing.T) {
	tests := []struct {
		name   string
		ev     evalFunc
		status result.Status
		kind   evaluator.Kind
		msg    string
	}{
		{
			name: "scored",
			ev: func(context.Context, *evaluator.Request) (*evaluator.Result, error) {
				return &evaluator.Result{Score: 0.5}, nil
			},
			status: result.StatusScored,
		},
		{
			name: "rejected",
			ev: func(context.Context, *evaluator.Request) (*evaluator.Result, error) {
				return nil, evaluator.Scoringf("line 3: duplicate id %q", "1")
			},
			status: result.StatusRejected,
			kind:   evaluator.KindScoring,
			msg:    `line 3: duplicate id "1"`,
		},
		{
			name: "internal",
			ev: func(context.Context, *evaluator.Request) (*evaluator.Result, error) {
				return nil, errors.New("open /srv/answers/gt.csv: permission denied")
			},
			status: result.StatusFailed,
			kind:   evaluator.KindInternal,
			msg:    evaluator.InternalMessage,
		},
		{
			name: "panic",
			ev: func(context.Context, *evaluator.Request) (*evaluator.Result, error) {
				panic("index out of range")
			},
			status: result.StatusFailed,
			kind:   evaluator.KindInternal,
			msg:    evaluator.InternalMessage,
		},
		{
			name: "non-finite",
			ev: func(context.Context, *evaluator.Request) (*evaluator.Result, error) {
				return &evaluator.Result{Score: math.NaN()}, nil
			},
			status: result.StatusFailed,
			kind:   evaluator.KindInternal,
			msg:    evaluator.InternalMessage,
		},
		{
			name: "nil result",
			ev: func(context.Context, *evaluator.Request) (*evaluator.Result, error) {
				return nil, nil
			},
			status: result.StatusFailed,
			kind:   evaluator.KindInternal,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			o := opts(dir)
			rec, err := runner.EvaluateSubmission(context.Background(), tt.ev, o)
			if err != nil {
				t.Fatalf("EvaluateSubmission: %v", err)
			}
			if rec.Status != tt.status || rec.ErrorKind != tt.kind {
				t.Errorf("got status %q kind %q, want %q %q", rec.Status, rec.ErrorKind, tt.status, tt.kind)
			}
			if tt.msg != "" && rec.Error != tt.msg {
				t.Errorf("error message: got %q, want %q", rec.Error, tt.msg)
			}
			if strings.Contains(rec.Error, "/srv/answers") {
				t.Errorf("record leaks internal detail: %q", rec.Error)
			}

			stored, err := result.ReadRecord(filepath.Join(dir, "record.json"))
			if err != nil {
				t.Fatalf("ReadRecord: %v", err)
			}
			if stored.Status != tt.status || stored.RunID != "run-1" || stored.Context["queue"] != "fast" {
				t.Errorf("stored record: %+v", stored)
			}
			if got := testutil.ToFloat64(o.Metrics.Evaluations.WithLabelValues(string(tt.status), string(tt.kind))); got != 1 {
				t.Errorf("metrics count: got %v", got)
			}
		})
	}
}

func TestEvaluateSubmissionTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := evalFunc(func(ctx context.Context, req *evaluator.Request) (*evaluator.Result, error) {
		<-release
		return &evaluator.Result{Score: 1}, nil
	})

	o := opts(t.TempDir())
	o.Timeout = 20 * time.Millisecond
	start := time.Now()
	rec, err := runner.EvaluateSubmission(context.Background(), slow, o)
	if err != nil {
		t.Fatalf("EvaluateSubmission: %v", err)
	}
	if time.Since(start) > 2*time.Second {
		t.Error("timeout did not release the caller")
	}
	if rec.Status != result.StatusTimeout || rec.Error != evaluator.TimeoutMessage {
		t.Errorf("got %+v", rec)
	}
}

func TestEvaluateSubmissionCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	ev := evalFunc(func(ctx context.Context, req *evaluator.Request) (*evaluator.Result, error) {
		return nil, ctx.Err()
	})
	dir := t.TempDir()
	if _, err := runner.EvaluateSubmission(ctx, ev, opts(dir)); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "record.json")); !os.IsNotExist(err) {
		t.Error("a cancelled evaluation should not leave a record")
	}
}

func TestEvaluateSubmissionWithChallenge(t *testing.T) {
	dir := t.TempDir()
	gt := filepath.Join(dir, "gt.csv")
	sub := filepath.Join(dir, "sub.csv")
	os.WriteFile(gt, []byte("id,target\n1,1\n2,3\n3,2\n"), 0o644)
	os.WriteFile(sub, []byte("id,prediction\n1,1\n2,2\n3,4\n"), 0o644)

	ch, err := evaluator.New(&evaluator.Options{AnswerFilePath: gt, AnswerColumn: "target", PrimaryMetric: "mae"})
	if err != nil {
		t.Fatal(err)
	}
	o := opts(filepath.Join(dir, "record"))
	o.Request.SubmissionFilePath = sub
	o.Description = ch.Describe()
	rec, err := runner.EvaluateSubmission(context.Background(), ch, o)
	if err != nil {
		t.Fatalf("EvaluateSubmission: %v", err)
	}
	if rec.Status != result.StatusScored || rec.Score != 1 || rec.PrimaryMetric != "mae" {
		t.Errorf("got %+v", rec)
	}
}
