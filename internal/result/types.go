package result

import (
	"time"

	"github.com/signalnine/arbiter/internal/evaluator"
)

// Status is the leaderboard-facing state of one evaluation.
type Status string

const (
	StatusScored   Status = "scored"
	StatusRejected Status = "rejected"
	StatusFailed   Status = "failed"
	StatusTimeout  Status = "timeout"
)

// StatusFor maps an error kind onto a record status.
func StatusFor(kind evaluator.Kind) Status {
	switch kind {
	case "":
		return StatusScored
	case evaluator.KindScoring, evaluator.KindSubmissionFormat:
		return StatusRejected
	case evaluator.KindTimeout:
		return StatusTimeout
	default:
		return StatusFailed
	}
}

// Record is the stored outcome of one submission evaluation.
type Record struct {
	RunID          string       `json:"run_id"`
	SubmissionID   evaluator.ID `json:"submission_id"`
	ParticipantID  evaluator.ID `json:"participant_id,omitempty"`
	SubmissionPath string       `json:"submission_path"`
	Round          int          `json:"round"`
	Status         Status       `json:"status"`

	evaluator.Result

	PrimaryMetric           string `json:"primary_metric"`
	HigherIsBetter          bool   `json:"higher_is_better"`
	SecondaryMetric         string `json:"secondary_metric,omitempty"`
	SecondaryHigherIsBetter bool   `json:"secondary_higher_is_better,omitempty"`

	ErrorKind evaluator.Kind `json:"error_kind,omitempty"`
	Error     string         `json:"error,omitempty"`

	DurationMS  int64          `json:"duration_ms"`
	EvaluatedAt time.Time      `json:"evaluated_at"`
	Context     map[string]any `json:"context,omitempty"`
}

// Request rebuilds the evaluation request the record was produced from.
func (r *Record) Request() *evaluator.Request {
	return &evaluator.Request{
		SubmissionFilePath: r.SubmissionPath,
		SubmissionID:       r.SubmissionID,
		ParticipantID:      r.ParticipantID,
		Context:            r.Context,
	}
}

// RunInfo describes one batch run, stored as run.json.
type RunInfo struct {
	ID             string                `json:"id"`
	StartedAt      time.Time             `json:"started_at"`
	FinishedAt     time.Time             `json:"finished_at,omitzero"`
	Challenge      string                `json:"challenge,omitempty"`
	AnswerFilePath string                `json:"answer_file_path"`
	Evaluator      evaluator.Description `json:"evaluator"`
	Sandboxed      bool                  `json:"sandboxed"`
	Submissions    int                   `json:"submissions"`
}
