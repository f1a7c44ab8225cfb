package result

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/signalnine/arbiter/internal/evaluator"
)

const (
	recordFile = "record.json"
	runFile    = "run.json"
)

func CreateRunDir(baseDir string) (string, error) {
	runsDir := filepath.Join(baseDir, "runs")
	stamp := time.Now().UTC().Format("2006-01-02T15-04-05")
	runDir, err := filepath.Abs(filepath.Join(runsDir, stamp))
	if err != nil {
		return "", fmt.Errorf("resolving run dir: %w", err)
	}
	if _, err := os.Stat(runDir); err == nil {
		runDir += "-" + uuid.NewString()[:8]
	}
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", fmt.Errorf("creating run dir: %w", err)
	}
	latest := filepath.Join(baseDir, "latest")
	os.Remove(latest)
	if err := os.Symlink(runDir, latest); err != nil {
		return "", fmt.Errorf("creating latest symlink: %w", err)
	}
	return runDir, nil
}

func NewRunInfo() *RunInfo {
	return &RunInfo{ID: uuid.NewString(), StartedAt: time.Now().UTC()}
}

func SubmissionDir(runDir string, participant, submission evaluator.ID) string {
	return filepath.Join(runDir, "submissions", participant.Slug(), submission.Slug())
}

func WriteRecord(dir string, rec *Record) error {
	return writeJSON(dir, recordFile, rec)
}

func ReadRecord(path string) (*Record, error) {
	var rec Record
	if err := readJSON(path, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func WriteRunInfo(runDir string, info *RunInfo) error {
	return writeJSON(runDir, runFile, info)
}

func ReadRunInfo(runDir string) (*RunInfo, error) {
	var info RunInfo
	if err := readJSON(filepath.Join(runDir, runFile), &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// WalkRecords calls fn for every record.json under runDir, in lexical
// path order. The path passed to fn is the record's directory.
func WalkRecords(runDir string, fn func(dir string, rec *Record) error) error {
	root := filepath.Join(runDir, "submissions")
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || d.Name() != recordFile {
			return nil
		}
		rec, err := ReadRecord(path)
		if err != nil {
			return err
		}
		return fn(filepath.Dir(path), rec)
	})
	if errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("no submissions in %s", runDir)
	}
	return err
}

func writeJSON(dir, name string, v any) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", dir, err)
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling %s: %w", name, err)
	}
	tmp := filepath.Join(dir, "."+name+".tmp")
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return os.Rename(tmp, filepath.Join(dir, name))
}

func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", filepath.Base(path), err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	return nil
}
