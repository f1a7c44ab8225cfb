// Package manifest reads the list of submissions a batch run evaluates.
package manifest

import (
	"fmt"
	"os"
	"path"
	"path/filepath"

	mapset "github.com/deckarep/golang-set/v2"
	"gopkg.in/yaml.v3"

	"github.com/signalnine/arbiter/internal/evaluator"
)

type Manifest struct {
	Submissions []evaluator.Request `yaml:"submissions"`
}

// Load reads a manifest. Relative submission paths are resolved against
// the manifest's directory.
func Load(file string) (*Manifest, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading manifest %s: %w", file, err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parsing manifest %s: %w", file, err)
	}
	if err := validate(&m, filepath.Dir(file)); err != nil {
		return nil, fmt.Errorf("invalid manifest %s: %w", file, err)
	}
	return &m, nil
}

func validate(m *Manifest, baseDir string) error {
	if len(m.Submissions) == 0 {
		return fmt.Errorf("no submissions defined")
	}
	seen := mapset.NewThreadUnsafeSet[evaluator.ID]()
	for i := range m.Submissions {
		s := &m.Submissions[i]
		if s.SubmissionID == "" {
			return fmt.Errorf("submission %d: submission_id is required", i)
		}
		if s.SubmissionFilePath == "" {
			return fmt.Errorf("submission %q: submission_file_path is required", s.SubmissionID)
		}
		if !seen.Add(s.SubmissionID) {
			return fmt.Errorf("submission %q: duplicate submission_id", s.SubmissionID)
		}
		if !filepath.IsAbs(s.SubmissionFilePath) {
			s.SubmissionFilePath = filepath.Join(baseDir, s.SubmissionFilePath)
		}
		// Records keep this path for rescoring from any directory.
		abs, err := filepath.Abs(s.SubmissionFilePath)
		if err != nil {
			return fmt.Errorf("submission %q: resolving path: %w", s.SubmissionID, err)
		}
		s.SubmissionFilePath = abs
		if s.Context == nil {
			s.Context = map[string]any{}
		}
	}
	return nil
}

// Filter keeps submissions whose participant id matches the glob pattern.
// An empty pattern keeps everything.
func (m *Manifest) Filter(pattern string) ([]evaluator.Request, error) {
	if pattern == "" {
		return m.Submissions, nil
	}
	if _, err := path.Match(pattern, ""); err != nil {
		return nil, fmt.Errorf("invalid participant pattern %q: %w", pattern, err)
	}
	var out []evaluator.Request
	for _, s := range m.Submissions {
		if ok, _ := path.Match(pattern, string(s.ParticipantID)); ok {
			out = append(out, s)
		}
	}
	return out, nil
}
