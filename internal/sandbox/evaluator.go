package sandbox

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/signalnine/arbiter/internal/config"
	"github.com/signalnine/arbiter/internal/evaluator"
	"github.com/signalnine/arbiter/internal/truth"
)

// Paths inside the container.
const (
	answersDir    = "/answers"
	submissionDir = "/submission"
	mediaDir      = "/media"
	workDir       = "/work"
	configName    = "arbiter.yaml"
	outcomeName   = "outcome.json"
)

// forwardedEnv lists host variables passed through when ground truth is
// fetched from S3 inside the container.
var forwardedEnv = []string{
	"AWS_ACCESS_KEY_ID",
	"AWS_SECRET_ACCESS_KEY",
	"AWS_SESSION_TOKEN",
	"AWS_REGION",
	"AWS_DEFAULT_REGION",
}

type Opts struct {
	// Config is the host configuration. Its challenge section is rewritten
	// to container paths.
	Config *config.Config
	// MediaDir is the host directory mounted for artifacts.
	MediaDir string
	// Run starts the container. Defaults to RunContainer.
	Run    RunFunc
	Logger *slog.Logger
}

// Evaluator scores a submission by running `arbiter evaluate` in a
// container and decoding its outcome file.
type Evaluator struct {
	cfg      *config.Config
	mediaDir string
	run      RunFunc
	logger   *slog.Logger
}

func New(opts *Opts) (*Evaluator, error) {
	if opts.Config == nil {
		return nil, &evaluator.ConfigurationError{Field: "sandbox", Reason: "configuration is required"}
	}
	if opts.Config.Sandbox.Image == "" {
		return nil, &evaluator.ConfigurationError{Field: "sandbox.image", Reason: "must not be empty"}
	}
	// Validate the challenge on the host before any container starts.
	if _, err := evaluator.New(opts.Config.EvaluatorOptions()); err != nil {
		return nil, err
	}
	run := opts.Run
	if run == nil {
		run = RunContainer
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		cfg:      opts.Config,
		mediaDir: opts.MediaDir,
		run:      run,
		logger:   logger.With("component", "sandbox"),
	}, nil
}

func (e *Evaluator) Evaluate(ctx context.Context, req *evaluator.Request) (*evaluator.Result, error) {
	subPath, err := filepath.Abs(req.SubmissionFilePath)
	if err != nil {
		return nil, fmt.Errorf("resolving submission path: %w", err)
	}
	if fi, err := os.Stat(subPath); err != nil || fi.IsDir() {
		return nil, &evaluator.SubmissionFormatError{Reason: "submission file not found", Err: err}
	}

	work, err := os.MkdirTemp("", "arbiter-sandbox-")
	if err != nil {
		return nil, fmt.Errorf("creating work dir: %w", err)
	}
	defer os.RemoveAll(work)

	inner, mounts, network, err := e.containerConfig()
	if err != nil {
		return nil, err
	}
	if err := writeConfig(filepath.Join(work, configName), inner); err != nil {
		return nil, err
	}

	subTarget := path.Join(submissionDir, evaluator.ID(filepath.Base(subPath)).Slug())
	mounts = append(mounts,
		Mount{Source: subPath, Target: subTarget, ReadOnly: true},
		Mount{Source: work, Target: workDir},
	)
	if e.cfg.Media.Render {
		hostMedia, err := filepath.Abs(e.mediaDir)
		if err != nil {
			return nil, fmt.Errorf("resolving media dir: %w", err)
		}
		if err := os.MkdirAll(hostMedia, 0o755); err != nil {
			return nil, fmt.Errorf("creating media dir: %w", err)
		}
		mounts = append(mounts, Mount{Source: hostMedia, Target: mediaDir})
	}

	cmd, err := Command(e.cfg.Sandbox.Binary, subTarget, req)
	if err != nil {
		return nil, err
	}

	env := map[string]string{"TMPDIR": workDir}
	if network {
		for _, k := range forwardedEnv {
			if v, ok := os.LookupEnv(k); ok {
				env[k] = v
			}
		}
	}

	id := uuid.NewString()
	timeout := e.cfg.Timeout()
	if dl, ok := ctx.Deadline(); ok {
		timeout = time.Until(dl)
	}
	res, err := e.run(ctx, &RunOpts{
		Image:       e.cfg.Sandbox.Image,
		Command:     cmd,
		Env:         env,
		Timeout:     timeout,
		Mounts:      mounts,
		CPULimit:    e.cfg.Sandbox.CPULimit,
		MemoryLimit: int64(e.cfg.Sandbox.MemoryMB) * 1024 * 1024,
		UserID:      fmt.Sprintf("%d:%d", os.Getuid(), os.Getgid()),
		Network:     network,
		Labels:      map[string]string{"arbiter.evaluation": id, "arbiter.submission": string(req.SubmissionID)},
	})
	if err != nil {
		return nil, fmt.Errorf("running sandbox: %w", err)
	}
	e.logger.Debug("sandbox finished", "evaluation", id, "exit_code", res.ExitCode, "duration", res.Duration)

	out, err := evaluator.ReadOutcome(filepath.Join(work, outcomeName))
	if err != nil {
		if res.TimedOut {
			return nil, fmt.Errorf("sandbox %s: %w", id, context.DeadlineExceeded)
		}
		e.logger.Error("sandbox produced no outcome", "evaluation", id, "exit_code", res.ExitCode, "logs", string(res.Logs))
		return nil, fmt.Errorf("sandbox exited with code %d without an outcome: %w", res.ExitCode, err)
	}
	result, err := out.Unpack()
	if err != nil {
		return nil, err
	}
	if result.MediaImagePath != "" {
		result.MediaImagePath = e.hostMediaPath(result.MediaImagePath)
	}
	if result.MediaVideoPath != "" {
		result.MediaVideoPath = e.hostMediaPath(result.MediaVideoPath)
	}
	if result.MediaVideoThumbPath != "" {
		result.MediaVideoThumbPath = e.hostMediaPath(result.MediaVideoThumbPath)
	}
	return result, nil
}

func (e *Evaluator) Describe() evaluator.Description {
	ch, err := evaluator.New(e.cfg.EvaluatorOptions())
	if err != nil {
		return evaluator.Description{}
	}
	return ch.Describe()
}

// containerConfig returns the configuration the container sees, the
// ground-truth mount and whether networking is needed.
func (e *Evaluator) containerConfig() (*config.Config, []Mount, bool, error) {
	inner := *e.cfg
	inner.Sandbox = config.Sandbox{}
	inner.Secrets = config.Secrets{}
	inner.Results = config.Results{}
	inner.Media.Dir = mediaDir
	inner.Storage.CacheDir = path.Join(workDir, "cache")

	answer := e.cfg.Challenge.AnswerFilePath
	if truth.IsS3(answer) {
		return &inner, nil, true, nil
	}
	abs, err := filepath.Abs(answer)
	if err != nil {
		return nil, nil, false, fmt.Errorf("resolving answer path: %w", err)
	}
	// The whole directory is mounted so round variants resolve.
	inner.Challenge.AnswerFilePath = path.Join(answersDir, filepath.Base(abs))
	return &inner, []Mount{{Source: filepath.Dir(abs), Target: answersDir, ReadOnly: true}}, false, nil
}

func (e *Evaluator) hostMediaPath(p string) string {
	rel, ok := strings.CutPrefix(p, mediaDir+"/")
	if !ok {
		return p
	}
	abs, err := filepath.Abs(e.mediaDir)
	if err != nil {
		return p
	}
	return filepath.Join(abs, filepath.FromSlash(rel))
}

// Command builds the container command line for one request.
func Command(binary, submissionPath string, req *evaluator.Request) ([]string, error) {
	cmd := []string{
		binary, "evaluate",
		"--config", path.Join(workDir, configName),
		"--submission", submissionPath,
		"--submission-id", string(req.SubmissionID),
		"--out", path.Join(workDir, outcomeName),
		"--log-format", "json",
		// Always set: the flag's default names a sample participant.
		"--participant-id", string(req.ParticipantID),
	}
	if len(req.Context) > 0 {
		data, err := json.Marshal(req.Context)
		if err != nil {
			return nil, fmt.Errorf("encoding request context: %w", err)
		}
		cmd = append(cmd, "--context", string(data))
	}
	return cmd, nil
}

func writeConfig(file string, cfg *config.Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshaling sandbox config: %w", err)
	}
	if err := os.WriteFile(file, data, 0o644); err != nil {
		return fmt.Errorf("writing sandbox config: %w", err)
	}
	return nil
}

var (
	_ evaluator.Evaluator = (*Evaluator)(nil)
	_ evaluator.Describer = (*Evaluator)(nil)
)
