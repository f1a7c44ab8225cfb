package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/fatih/color"

	"github.com/signalnine/arbiter/internal/evaluator"
	"github.com/signalnine/arbiter/internal/report"
	"github.com/signalnine/arbiter/internal/result"
)

func init() {
	color.NoColor = true
}

// writeConfig writes a config scoring testdata submissions and returns
// its path together with the results directory.
func writeConfig(t *testing.T, primary string) (string, string) {
	t.Helper()
	gt, err := filepath.Abs("../testdata/ground_truth.csv")
	if err != nil {
		t.Fatal(err)
	}
	dir := t.TempDir()
	results := filepath.Join(dir, "results")
	cfg := "challenge:\n" +
		"  name: unit\n" +
		"  answer_file_path: " + gt + "\n" +
		"  value_column: prediction\n" +
		"  answer_column: target\n" +
		"  primary_metric: " + primary + "\n" +
		"  secondary_metric: mae\n" +
		"results:\n" +
		"  dir: " + results + "\n"
	path := filepath.Join(dir, "arbiter.yaml")
	if err := os.WriteFile(path, []byte(cfg), 0o644); err != nil {
		t.Fatal(err)
	}
	return path, results
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	root := NewRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestBatchAndReport(t *testing.T) {
	cfg, results := writeConfig(t, "rmse")
	metricsFile := filepath.Join(t.TempDir(), "arbiter.prom")

	out, err := execute(t, "batch", "--config", cfg, "--manifest", "../testdata/manifest.yaml",
		"--parallel", "2", "--metrics-file", metricsFile)
	if err != nil {
		t.Fatalf("batch: %v\n%s", err, out)
	}
	if !strings.Contains(out, "2/4 submissions scored") {
		t.Errorf("summary missing from output:\n%s", out)
	}
	if !strings.Contains(out, "duplicate id") {
		t.Errorf("rejection reason missing from output:\n%s", out)
	}
	prom, err := os.ReadFile(metricsFile)
	if err != nil || !strings.Contains(string(prom), "arbiter_evaluations_total") {
		t.Errorf("metrics textfile: %v\n%s", err, prom)
	}

	out, err = execute(t, "report", "--config", cfg, "--format", "json")
	if err != nil {
		t.Fatalf("report: %v", err)
	}
	var lb report.Leaderboard
	if err := json.Unmarshal([]byte(out), &lb); err != nil {
		t.Fatalf("decoding leaderboard: %v\n%s", err, out)
	}
	if len(lb.Standings) != 2 || lb.Unranked != 1 {
		t.Fatalf("got %+v", lb)
	}
	first, second := lb.Standings[0], lb.Standings[1]
	if first.Participant != "1234" || first.Score != 0 || first.Rank != 1 {
		t.Errorf("first: %+v", first)
	}
	if second.Participant != "team-b" || second.Submissions != 2 || second.Rejected != 1 || second.Rank != 2 {
		t.Errorf("second: %+v", second)
	}

	runDir, err := filepath.EvalSymlinks(filepath.Join(results, "latest"))
	if err != nil {
		t.Fatal(err)
	}
	info, err := result.ReadRunInfo(runDir)
	if err != nil {
		t.Fatal(err)
	}
	if info.Submissions != 4 || info.FinishedAt.IsZero() || info.Evaluator.PrimaryMetric != "rmse" {
		t.Errorf("run info: %+v", info)
	}
}

func TestBatchParticipantFilter(t *testing.T) {
	cfg, _ := writeConfig(t, "rmse")
	out, err := execute(t, "batch", "--config", cfg, "--manifest", "../testdata/manifest.yaml", "--participant", "team-*")
	if err != nil {
		t.Fatalf("batch: %v", err)
	}
	if !strings.Contains(out, "1/2 submissions scored") {
		t.Errorf("output:\n%s", out)
	}
	if _, err := execute(t, "batch", "--config", cfg, "--manifest", "../testdata/manifest.yaml", "--participant", "nobody"); err == nil {
		t.Error("expected error when no participant matches")
	}
}

func TestRescore(t *testing.T) {
	cfg, results := writeConfig(t, "rmse")
	if _, err := execute(t, "batch", "--config", cfg, "--manifest", "../testdata/manifest.yaml"); err != nil {
		t.Fatalf("batch: %v", err)
	}

	// Same results dir, different primary metric.
	data, err := os.ReadFile(cfg)
	if err != nil {
		t.Fatal(err)
	}
	os.WriteFile(cfg, bytes.Replace(data, []byte("primary_metric: rmse"), []byte("primary_metric: r2"), 1), 0o644)

	// Stored submission paths must not depend on the working directory.
	t.Chdir(t.TempDir())
	out, err := execute(t, "rescore", "--config", cfg)
	if err != nil {
		t.Fatalf("rescore: %v\n%s", err, out)
	}
	if !strings.Contains(out, "(was rmse=0.0000)") {
		t.Errorf("rescore should show the previous score:\n%s", out)
	}

	runDir, _ := filepath.EvalSymlinks(filepath.Join(results, "latest"))
	rec, err := result.ReadRecord(filepath.Join(result.SubmissionDir(runDir, "1234", "1123"), "record.json"))
	if err != nil {
		t.Fatal(err)
	}
	if !filepath.IsAbs(rec.SubmissionPath) {
		t.Errorf("submission path should be absolute: %q", rec.SubmissionPath)
	}
	if rec.Status != result.StatusScored || rec.PrimaryMetric != "r2" || !rec.HigherIsBetter || rec.Score != 1 {
		t.Errorf("record not rescored: %+v", rec)
	}
	info, err := result.ReadRunInfo(runDir)
	if err != nil {
		t.Fatal(err)
	}
	if info.Evaluator.PrimaryMetric != "r2" {
		t.Errorf("run info not updated: %+v", info.Evaluator)
	}
}

func TestEvaluateOut(t *testing.T) {
	cfg, _ := writeConfig(t, "rmse")
	tests := []struct {
		name       string
		submission string
		kind       evaluator.Kind
	}{
		{"scored", "../testdata/submissions/good.csv", ""},
		{"duplicate", "../testdata/submissions/duplicate.csv", evaluator.KindScoring},
		{"missing column", "../testdata/submissions/missing-column.csv", evaluator.KindSubmissionFormat},
		{"missing file", "../testdata/submissions/nope.csv", evaluator.KindSubmissionFormat},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			outFile := filepath.Join(t.TempDir(), "outcome.json")
			if _, err := execute(t, "evaluate", "--config", cfg, "--submission", tt.submission, "--out", outFile); err != nil {
				t.Fatalf("evaluate --out should succeed: %v", err)
			}
			o, err := evaluator.ReadOutcome(outFile)
			if err != nil {
				t.Fatal(err)
			}
			if o.ErrorKind != tt.kind {
				t.Errorf("kind: got %q, want %q (%s)", o.ErrorKind, tt.kind, o.Message)
			}
			if tt.kind == "" && (o.Result == nil || o.Result.Score != 0) {
				t.Errorf("result: %+v", o.Result)
			}
			if strings.Contains(o.Message, "testdata") {
				t.Errorf("message leaks a path: %q", o.Message)
			}
		})
	}
}

func TestEvaluatePrintsResult(t *testing.T) {
	cfg, _ := writeConfig(t, "rmse")
	out, err := execute(t, "evaluate", "--config", cfg, "--submission", "../testdata/submissions/close.csv")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	var res evaluator.Result
	if err := json.Unmarshal([]byte(out), &res); err != nil {
		t.Fatalf("decoding result: %v\n%s", err, out)
	}
	if res.Score <= 0 || res.ScoreSecondary == nil || *res.ScoreSecondary != 1.0/3 {
		t.Errorf("got %+v", res)
	}

	if _, err := execute(t, "evaluate", "--config", cfg, "--submission", "../testdata/submissions/duplicate.csv"); err == nil {
		t.Error("expected error for a rejected submission without --out")
	}
}

func TestList(t *testing.T) {
	cfg, _ := writeConfig(t, "rmse")
	out, err := execute(t, "list", "--config", cfg)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	for _, want := range []string{"name:         unit", "rmse (lower is better)", "r2 (higher is better)", "Ground-truth rounds:"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
}

func TestRecordLine(t *testing.T) {
	tests := []struct {
		name string
		rec  *result.Record
		want string
	}{
		{
			name: "scored",
			rec: &result.Record{
				SubmissionID: "1123", ParticipantID: "1234", Status: result.StatusScored,
				Result: evaluator.Result{Score: 0.5}, PrimaryMetric: "rmse", DurationMS: 12,
			},
			want: "scored   1234/1123  rmse=0.5000 (12ms)",
		},
		{
			name: "anonymous rejected",
			rec:  &result.Record{SubmissionID: "77", Status: result.StatusRejected, Error: "file is empty"},
			want: "rejected -/77  file is empty",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := recordLine(tt.rec); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}
