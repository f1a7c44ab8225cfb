package cmd

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"

	"github.com/spf13/cobra"

	"github.com/signalnine/arbiter/internal/result"
	"github.com/signalnine/arbiter/internal/runner"
)

func newRescoreCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rescore [run-dir]",
		Short: "Re-evaluate the submissions of an existing run",
		Long: "Walk a run directory and evaluate each recorded submission again with the current " +
			"configuration, replacing its record.json. Use after correcting ground truth or metrics.",
		Args: cobra.MaximumNArgs(1),
		RunE: runRescore,
	}
	cmd.Flags().IntVar(&flagRound, "round", 0, "override the configured round")
	cmd.Flags().IntVar(&flagParallel, "parallel", 0, "max concurrent evaluations (default from config)")
	return cmd
}

func runRescore(cmd *cobra.Command, args []string) error {
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

	runDir, err := resolveRunDir(cfg.Results.Dir, args)
	if err != nil {
		return err
	}

	type stored struct {
		dir string
		rec *result.Record
	}
	var records []stored
	err = result.WalkRecords(runDir, func(dir string, rec *result.Record) error {
		records = append(records, stored{dir, rec})
		return nil
	})
	if err != nil {
		return err
	}

	info, err := result.ReadRunInfo(runDir)
	if err != nil {
		logger.Warn("run has no run.json; creating one", "run_dir", runDir)
		info = result.NewRunInfo()
	}

	mediaDir := cfg.Media.Dir
	if mediaDir == "" {
		mediaDir = filepath.Join(runDir, "media")
	}
	ctx := cmd.Context()
	ev, err := buildEvaluator(ctx, cfg, logger, mediaDir, info.Sandboxed)
	if err != nil {
		return err
	}
	desc := ev.Describe()

	out := cmd.OutOrStdout()
	var outMu sync.Mutex
	jobs := make([]runner.Job, len(records))
	for i, s := range records {
		jobs[i] = func(ctx context.Context) error {
			before := s.rec
			after, err := runner.EvaluateSubmission(ctx, ev, &runner.SubmissionOpts{
				Request:     before.Request(),
				RunID:       info.ID,
				Dir:         s.dir,
				Timeout:     cfg.Timeout(),
				Description: desc,
				Logger:      logger,
			})
			if err != nil {
				return err
			}
			outMu.Lock()
			defer outMu.Unlock()
			fmt.Fprintf(out, "%s  (was %s)\n", recordLine(after), describeRecord(before))
			return nil
		}
	}
	errs := runner.RunPool(ctx, parallel, jobs)
	for _, err := range errs {
		fmt.Fprintf(cmd.ErrOrStderr(), "  ERROR: %v\n", err)
	}

	info.Evaluator = desc
	info.AnswerFilePath = cfg.Challenge.AnswerFilePath
	info.Submissions = len(records)
	if err := result.WriteRunInfo(runDir, info); err != nil {
		return err
	}
	if len(errs) > 0 {
		return fmt.Errorf("%d submission(s) could not be re-evaluated", len(errs))
	}
	return nil
}

func describeRecord(rec *result.Record) string {
	if rec.Status == result.StatusScored {
		return fmt.Sprintf("%s=%.4f", rec.PrimaryMetric, rec.Score)
	}
	return string(rec.Status)
}

// resolveRunDir picks the run named in args or the latest run.
func resolveRunDir(resultsDir string, args []string) (string, error) {
	runDir := filepath.Join(resultsDir, "latest")
	if len(args) > 0 {
		runDir = args[0]
	}
	resolved, err := filepath.EvalSymlinks(runDir)
	if err != nil {
		return "", fmt.Errorf("resolving run dir: %w", err)
	}
	return resolved, nil
}
