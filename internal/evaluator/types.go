package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

// Evaluator scores one submission. Implementations keep no state between
// calls beyond what was fixed at construction.
type Evaluator interface {
	Evaluate(ctx context.Context, req *Request) (*Result, error)
}

// Description reports what an evaluator ranks by.
type Description struct {
	Round                   int    `json:"round"`
	PrimaryMetric           string `json:"primary_metric"`
	HigherIsBetter          bool   `json:"higher_is_better"`
	SecondaryMetric         string `json:"secondary_metric,omitempty"`
	SecondaryHigherIsBetter bool   `json:"secondary_higher_is_better,omitempty"`
}

type Describer interface {
	Describe() Description
}

// ID is an opaque submission or participant identifier. Integers and
// strings decode to the same textual form.
type ID string

func (id ID) String() string { return string(id) }

// Slug renders the id for use in file names. Ids that cannot be used
// verbatim get a suffix derived from the raw id, so distinct ids never
// share a slug.
func (id ID) Slug() string {
	var b strings.Builder
	for _, r := range string(id) {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	s := b.String()
	if s == string(id) && strings.Trim(s, ".") != "" {
		return s
	}
	switch {
	case id == "":
		s = "anonymous"
	case strings.Trim(s, ".") == "":
		s = "_" + s
	}
	// '~' never appears in a verbatim slug.
	sum := uuid.NewSHA1(uuid.NameSpaceOID, []byte(id)).String()
	return s + "~" + sum[:8]
}

func (id *ID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*id = ""
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = ID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("id must be a string or number: %w", err)
	}
	*id = ID(n.String())
	return nil
}

func (id *ID) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: id must be a scalar", node.Line)
	}
	if node.Tag == "!!null" {
		*id = ""
		return nil
	}
	*id = ID(node.Value)
	return nil
}

// Request describes one submission to score.
type Request struct {
	SubmissionFilePath string `json:"submission_file_path" yaml:"submission_file_path"`
	SubmissionID       ID     `json:"submission_id" yaml:"submission_id"`
	ParticipantID      ID     `json:"participant_id,omitempty" yaml:"participant_id"`
	// Context carries harness-specific fields. Evaluators pass it along
	// without interpreting it.
	Context map[string]any `json:"context,omitempty" yaml:"context"`
}

// Result is what the leaderboard receives. Score is always finite.
type Result struct {
	Score               float64  `json:"score"`
	ScoreSecondary      *float64 `json:"score_secondary,omitempty"`
	MediaImagePath      string   `json:"media_image_path,omitempty"`
	MediaVideoPath      string   `json:"media_video_path,omitempty"`
	MediaVideoThumbPath string   `json:"media_video_thumb_path,omitempty"`
}
