package cmd

import (
	"encoding/json"
	"fmt"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/signalnine/arbiter/internal/evaluator"
	"github.com/signalnine/arbiter/internal/result"
	"github.com/signalnine/arbiter/internal/runner"
)

var (
	flagSubmission    string
	flagSubmissionID  string
	flagParticipantID string
	flagContext       string
	flagOut           string
	flagRound         int
)

func newEvaluateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "evaluate",
		Short: "Score a single submission",
		Long: "Score one submission in-process and print the result as JSON. With --out the outcome, " +
			"including classified errors, is written to a file and the command succeeds.",
		Args: cobra.NoArgs,
		RunE: runEvaluate,
	}
	cmd.Flags().StringVar(&flagSubmission, "submission", "data/sample_submission.csv", "submission file")
	cmd.Flags().StringVar(&flagSubmissionID, "submission-id", "1123", "submission id")
	cmd.Flags().StringVar(&flagParticipantID, "participant-id", "1234", "participant id")
	cmd.Flags().StringVar(&flagContext, "context", "", "request context as a JSON object")
	cmd.Flags().StringVar(&flagOut, "out", "", "write the outcome envelope to this file")
	cmd.Flags().IntVar(&flagRound, "round", 0, "override the configured round")
	return cmd
}

func runEvaluate(cmd *cobra.Command, args []string) error {
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

	req := &evaluator.Request{
		SubmissionFilePath: flagSubmission,
		SubmissionID:       evaluator.ID(flagSubmissionID),
		ParticipantID:      evaluator.ID(flagParticipantID),
		Context:            map[string]any{},
	}
	if flagContext != "" {
		if err := json.Unmarshal([]byte(flagContext), &req.Context); err != nil {
			return fmt.Errorf("parsing --context: %w", err)
		}
	}

	ctx := cmd.Context()
	ev, err := buildEvaluator(ctx, cfg, logger, cfg.Media.Dir, false)
	if err != nil {
		if flagOut != "" {
			logger.Error("evaluator configuration rejected", "error", err)
			return evaluator.WriteOutcome(flagOut, evaluator.NewOutcome(nil, err))
		}
		return err
	}

	rec, err := runner.EvaluateSubmission(ctx, ev, &runner.SubmissionOpts{
		Request:     req,
		Timeout:     cfg.Timeout(),
		Description: ev.Describe(),
		Logger:      logger,
	})
	if err != nil {
		return err
	}

	out := &evaluator.Outcome{ErrorKind: rec.ErrorKind, Message: rec.Error}
	if rec.Status == result.StatusScored {
		res := rec.Result
		out.Result = &res
	}
	if flagOut != "" {
		return evaluator.WriteOutcome(flagOut, out)
	}

	if out.Result == nil {
		fmt.Fprintf(cmd.ErrOrStderr(), "%s %s\n", statusLabel(rec.Status), rec.Error)
		return fmt.Errorf("submission %s was not scored", req.SubmissionID)
	}
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(out.Result)
}

func statusLabel(s result.Status) string {
	var c *color.Color
	switch s {
	case result.StatusScored:
		c = color.New(color.FgGreen, color.Bold)
	case result.StatusRejected:
		c = color.New(color.FgYellow, color.Bold)
	default:
		c = color.New(color.FgRed, color.Bold)
	}
	return c.Sprintf("%-8s", s)
}
