package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/signalnine/arbiter/internal/manifest"
	"github.com/signalnine/arbiter/internal/observability"
	"github.com/signalnine/arbiter/internal/report"
	"github.com/signalnine/arbiter/internal/result"
	"github.com/signalnine/arbiter/internal/runner"
)

var (
	flagManifest    string
	flagParallel    int
	flagSandbox     bool
	flagParticipant string
	flagMetricsFile string
)

func newBatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Evaluate every submission in a manifest",
		Args:  cobra.NoArgs,
		RunE:  runBatch,
	}
	cmd.Flags().StringVar(&flagManifest, "manifest", "", "submission manifest (YAML)")
	cmd.Flags().IntVar(&flagParallel, "parallel", 0, "max concurrent evaluations (default from config)")
	cmd.Flags().BoolVar(&flagSandbox, "sandbox", false, "evaluate each submission in a Docker container")
	cmd.Flags().StringVar(&flagParticipant, "participant", "", "only evaluate participants matching this glob")
	cmd.Flags().StringVar(&flagMetricsFile, "metrics-file", "", "write Prometheus textfile metrics here")
	cmd.Flags().IntVar(&flagRound, "round", 0, "override the configured round")
	cmd.MarkFlagRequired("manifest")
	return cmd
}

func runBatch(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd)
	if err != nil {
		return err
	}
	if flagRound > 0 {
		cfg.Challenge.Round = flagRound
	}
	parallel := cfg.Evaluation.Parallel
	if flagParallel > 0 {
		parallel = flagParallel
	}

	m, err := manifest.Load(flagManifest)
	if err != nil {
		return err
	}
	requests, err := m.Filter(flagParticipant)
	if err != nil {
		return err
	}
	if len(requests) == 0 {
		return fmt.Errorf("no submissions match participant %q", flagParticipant)
	}

	runDir, err := result.CreateRunDir(cfg.Results.Dir)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Run directory: %s\n", runDir)

	mediaDir := cfg.Media.Dir
	if mediaDir == "" {
		mediaDir = filepath.Join(runDir, "media")
	}

	ctx := cmd.Context()
	ev, err := buildEvaluator(ctx, cfg, logger, mediaDir, flagSandbox)
	if err != nil {
		return err
	}

	info := result.NewRunInfo()
	info.Challenge = cfg.Challenge.Name
	info.AnswerFilePath = cfg.Challenge.AnswerFilePath
	info.Evaluator = ev.Describe()
	info.Sandboxed = flagSandbox
	info.Submissions = len(requests)
	if err := result.WriteRunInfo(runDir, info); err != nil {
		return err
	}

	metrics := observability.NewMetrics()
	var (
		scored atomic.Int32
		outMu  sync.Mutex
	)
	jobs := make([]runner.Job, len(requests))
	for i := range requests {
		req := &requests[i]
		jobs[i] = func(ctx context.Context) error {
			rec, err := runner.EvaluateSubmission(ctx, ev, &runner.SubmissionOpts{
				Request:     req,
				RunID:       info.ID,
				Dir:         result.SubmissionDir(runDir, req.ParticipantID, req.SubmissionID),
				Timeout:     cfg.Timeout(),
				Description: info.Evaluator,
				Metrics:     metrics,
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			if rec.Status == result.StatusScored {
				scored.Add(1)
			}
			outMu.Lock()
			fmt.Fprintln(out, recordLine(rec))
			outMu.Unlock()
			return nil
		}
	}

	errs := runner.RunPool(ctx, parallel, jobs)
	for _, err := range errs {
		fmt.Fprintf(cmd.ErrOrStderr(), "  %s %v\n", color.RedString("ERROR"), err)
	}

	info.FinishedAt = time.Now().UTC()
	if err := result.WriteRunInfo(runDir, info); err != nil {
		return err
	}
	if flagMetricsFile != "" {
		if err := metrics.WriteTextfile(flagMetricsFile); err != nil {
			return err
		}
	}

	fmt.Fprintf(out, "\n%d/%d submissions scored\n\n--- Leaderboard ---\n", scored.Load(), len(requests))
	if err := report.Generate(runDir, "table", out); err != nil {
		return err
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d submission(s) could not be evaluated", len(errs))
	}
	return nil
}

func recordLine(rec *result.Record) string {
	who := string(rec.ParticipantID)
	if who == "" {
		who = "-"
	}
	line := fmt.Sprintf("%s %s/%s", statusLabel(rec.Status), who, rec.SubmissionID)
	if rec.Status == result.StatusScored {
		return line + fmt.Sprintf("  %s=%.4f (%dms)", rec.PrimaryMetric, rec.Score, rec.DurationMS)
	}
	return line + "  " + rec.Error
}
