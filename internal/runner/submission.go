package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"runtime/debug"
	"time"

	"github.com/signalnine/arbiter/internal/evaluator"
	"github.com/signalnine/arbiter/internal/observability"
	"github.com/signalnine/arbiter/internal/result"
)

type SubmissionOpts struct {
	Request *evaluator.Request
	RunID   string
	// Dir receives record.json. Nothing is written when empty.
	Dir         string
	Timeout     time.Duration
	Description evaluator.Description
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

// PanicError reports an evaluator that panicked.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("evaluator panicked: %v", e.Value)
}

// EvaluateSubmission runs ev on one request and stores the outcome. Every
// evaluator failure ends up in the returned record; the error is non-nil
// only when the record could not be written or ctx was cancelled.
func EvaluateSubmission(ctx context.Context, ev evaluator.Evaluator, opts *SubmissionOpts) (*result.Record, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	req := opts.Request
	logger = logger.With("submission_id", req.SubmissionID, "participant_id", req.ParticipantID)

	evalCtx := ctx
	if opts.Timeout > 0 {
		var cancel context.CancelFunc
		evalCtx, cancel = context.WithTimeout(ctx, opts.Timeout)
		defer cancel()
	}

	done := opts.Metrics.Start()
	start := time.Now()
	res, err := call(evalCtx, ev, req)
	elapsed := time.Since(start)
	done()

	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		return nil, fmt.Errorf("evaluating submission %s: %w", req.SubmissionID, ctx.Err())
	}

	kind := evaluator.Classify(err)
	rec := &result.Record{
		RunID:                   opts.RunID,
		SubmissionID:            req.SubmissionID,
		ParticipantID:           req.ParticipantID,
		SubmissionPath:          req.SubmissionFilePath,
		Round:                   opts.Description.Round,
		Status:                  result.StatusFor(kind),
		PrimaryMetric:           opts.Description.PrimaryMetric,
		HigherIsBetter:          opts.Description.HigherIsBetter,
		SecondaryMetric:         opts.Description.SecondaryMetric,
		SecondaryHigherIsBetter: opts.Description.SecondaryHigherIsBetter,
		ErrorKind:               kind,
		Error:                   evaluator.PublicMessage(err),
		DurationMS:              elapsed.Milliseconds(),
		EvaluatedAt:             start.UTC(),
		Context:                 req.Context,
	}

	var scoreForMetrics *float64
	switch rec.Status {
	case result.StatusScored:
		rec.Result = *res
		scoreForMetrics = &rec.Score
		logger.Info("submission scored", "score", rec.Score, "duration", elapsed)
	case result.StatusRejected:
		logger.Info("submission rejected", "reason", rec.Error)
	default:
		var pe *PanicError
		if errors.As(err, &pe) {
			logger.Error("evaluator panicked", "panic", pe.Value, "stack", string(pe.Stack))
		} else {
			logger.Error("evaluation failed", "kind", kind, "error", err)
		}
	}
	opts.Metrics.Observe(string(rec.Status), string(kind), elapsed, scoreForMetrics)

	if opts.Dir != "" {
		if err := result.WriteRecord(opts.Dir, rec); err != nil {
			return rec, fmt.Errorf("writing record: %w", err)
		}
	}
	return rec, nil
}

// call runs Evaluate on its own goroutine so a stuck evaluator cannot
// hold the caller past the deadline. The goroutine is abandoned on timeout.
func call(ctx context.Context, ev evaluator.Evaluator, req *evaluator.Request) (*evaluator.Result, error) {
	type outcome struct {
		res *evaluator.Result
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if v := recover(); v != nil {
				ch <- outcome{err: &PanicError{Value: v, Stack: debug.Stack()}}
			}
		}()
		res, err := ev.Evaluate(ctx, req)
		switch {
		case err != nil:
		case res == nil:
			err = errors.New("evaluator returned neither result nor error")
		case math.IsNaN(res.Score) || math.IsInf(res.Score, 0):
			res, err = nil, fmt.Errorf("evaluator returned non-finite score %v", res.Score)
		}
		ch <- outcome{res, err}
	}()

	select {
	case o := <-ch:
		return o.res, o.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
