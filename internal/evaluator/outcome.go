package evaluator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
)

// Outcome carries a Result or a classified error across a process
// boundary. Only public messages are serialized.
type Outcome struct {
	Result    *Result `json:"result,omitempty"`
	ErrorKind Kind    `json:"error_kind,omitempty"`
	Message   string  `json:"message,omitempty"`
}

func NewOutcome(res *Result, err error) *Outcome {
	if err != nil {
		return &Outcome{ErrorKind: Classify(err), Message: PublicMessage(err)}
	}
	return &Outcome{Result: res}
}

// Unpack restores the Result or an error of the original kind.
func (o *Outcome) Unpack() (*Result, error) {
	switch o.ErrorKind {
	case "":
		if o.Result == nil {
			return nil, errors.New("outcome has neither result nor error")
		}
		return o.Result, nil
	case KindScoring:
		return nil, &ScoringError{Message: o.Message}
	case KindSubmissionFormat:
		return nil, &SubmissionFormatError{Reason: trimFormatPrefix(o.Message)}
	case KindConfiguration:
		return nil, &ConfigurationError{Field: "evaluator", Reason: o.Message}
	case KindTimeout:
		return nil, fmt.Errorf("remote evaluation: %w", context.DeadlineExceeded)
	default:
		return nil, fmt.Errorf("remote evaluation failed: %s", o.Message)
	}
}

func trimFormatPrefix(msg string) string {
	const prefix = "submission could not be parsed: "
	if len(msg) >= len(prefix) && msg[:len(prefix)] == prefix {
		return msg[len(prefix):]
	}
	return msg
}

func WriteOutcome(path string, o *Outcome) error {
	data, err := json.MarshalIndent(o, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling outcome: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

func ReadOutcome(path string) (*Outcome, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading outcome: %w", err)
	}
	var o Outcome
	if err := json.Unmarshal(data, &o); err != nil {
		return nil, fmt.Errorf("parsing outcome: %w", err)
	}
	return &o, nil
}
