package evaluator

import (
	"context"
	"errors"
	"fmt"
)

// Kind classifies an evaluation failure.
type Kind string

const (
	KindConfiguration    Kind = "configuration"
	KindSubmissionFormat Kind = "submission_format"
	KindScoring          Kind = "scoring"
	KindTimeout          Kind = "timeout"
	KindInternal         Kind = "internal"
)

const (
	InternalMessage = "internal error while scoring submission"
	TimeoutMessage  = "evaluation exceeded the time limit"
)

// ConfigurationError reports an evaluator that cannot be set up.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid evaluator configuration: %s: %s", e.Field, e.Reason)
}

// SubmissionFormatError reports a submission that cannot be parsed. Reason
// is shown to the submitter; Err is for operators only.
type SubmissionFormatError struct {
	Reason string
	Err    error
}

func (e *SubmissionFormatError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("malformed submission: %s: %v", e.Reason, e.Err)
	}
	return "malformed submission: " + e.Reason
}

func (e *SubmissionFormatError) Unwrap() error { return e.Err }

// ScoringError rejects a parseable submission. Message is surfaced to the
// submitter verbatim and must not name paths or secrets.
type ScoringError struct {
	Message string
}

func (e *ScoringError) Error() string { return e.Message }

func Scoringf(format string, args ...any) *ScoringError {
	return &ScoringError{Message: fmt.Sprintf(format, args...)}
}

func Classify(err error) Kind {
	if err == nil {
		return ""
	}
	var (
		se *ScoringError
		fe *SubmissionFormatError
		ce *ConfigurationError
	)
	switch {
	case errors.As(err, &se):
		return KindScoring
	case errors.As(err, &fe):
		return KindSubmissionFormat
	case errors.As(err, &ce):
		return KindConfiguration
	case errors.Is(err, context.DeadlineExceeded):
		return KindTimeout
	default:
		return KindInternal
	}
}

// PublicMessage returns the text that may be shown to the submitter.
func PublicMessage(err error) string {
	if err == nil {
		return ""
	}
	var (
		se *ScoringError
		fe *SubmissionFormatError
	)
	switch Classify(err) {
	case KindScoring:
		errors.As(err, &se)
		return se.Message
	case KindSubmissionFormat:
		errors.As(err, &fe)
		return "submission could not be parsed: " + fe.Reason
	case KindTimeout:
		return TimeoutMessage
	default:
		return InternalMessage
	}
}
