package config

import (
	"errors"
	"fmt"
	"math"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/signalnine/arbiter/internal/evaluator"
	"github.com/signalnine/arbiter/internal/metric"
)

type Config struct {
	Challenge  Challenge  `yaml:"challenge"`
	Media      Media      `yaml:"media"`
	Evaluation Evaluation `yaml:"evaluation"`
	Sandbox    Sandbox    `yaml:"sandbox"`
	Storage    Storage    `yaml:"storage"`
	Secrets    Secrets    `yaml:"secrets"`
	Results    Results    `yaml:"results"`
}

type Challenge struct {
	Name            string           `yaml:"name"`
	AnswerFilePath  string           `yaml:"answer_file_path"`
	Round           int              `yaml:"round"`
	Format          string           `yaml:"format"`
	IDColumn        string           `yaml:"id_column"`
	ValueColumn     string           `yaml:"value_column"`
	AnswerColumn    string           `yaml:"answer_column"`
	PrimaryMetric   string           `yaml:"primary_metric"`
	SecondaryMetric string           `yaml:"secondary_metric"`
	ValueRange      *evaluator.Range `yaml:"value_range"`
}

type Media struct {
	Dir    string `yaml:"dir"`
	Render bool   `yaml:"render"`
}

type Evaluation struct {
	TimeoutSeconds int `yaml:"timeout_seconds"`
	Parallel       int `yaml:"parallel"`
}

// Sandbox configures container isolation for batch evaluation. An empty
// image disables it.
type Sandbox struct {
	Image    string  `yaml:"image"`
	CPULimit float64 `yaml:"cpu_limit"`
	MemoryMB int     `yaml:"memory_mb"`
	Binary   string  `yaml:"binary"`
}

type Storage struct {
	CacheDir   string `yaml:"cache_dir"`
	S3Region   string `yaml:"s3_region"`
	S3Endpoint string `yaml:"s3_endpoint"`
}

type Secrets struct {
	EnvFile string `yaml:"env_file"`
}

type Results struct {
	Dir string `yaml:"dir"`
}

// Default returns the configuration used when no file is present. It
// scores data/sample_submission.csv against data/ground_truth.csv.
func Default() *Config {
	cfg := &Config{
		Challenge: Challenge{AnswerFilePath: "data/ground_truth.csv"},
	}
	if err := validate(cfg); err != nil {
		panic(err)
	}
	return cfg
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &cfg, nil
}

func validate(cfg *Config) error {
	c := &cfg.Challenge
	if c.AnswerFilePath == "" {
		return fmt.Errorf("challenge: answer_file_path is required")
	}
	if c.Round == 0 {
		c.Round = 1
	}
	if c.Round < 1 {
		return fmt.Errorf("challenge: round must be at least 1")
	}
	if c.Format == "" {
		c.Format = "csv"
	}
	if c.IDColumn == "" {
		c.IDColumn = "id"
	}
	if c.ValueColumn == "" {
		c.ValueColumn = "prediction"
	}
	if c.AnswerColumn == "" {
		c.AnswerColumn = "target"
	}
	if c.PrimaryMetric == "" {
		c.PrimaryMetric = "rmse"
	}
	if _, err := metric.Lookup(c.PrimaryMetric); err != nil {
		return fmt.Errorf("challenge: primary_metric: %w", err)
	}
	if c.SecondaryMetric == "" {
		c.SecondaryMetric = "mae"
	}
	if c.SecondaryMetric != "none" {
		if _, err := metric.Lookup(c.SecondaryMetric); err != nil {
			return fmt.Errorf("challenge: secondary_metric: %w", err)
		}
	}
	if r := c.ValueRange; r != nil && (math.IsNaN(r.Min) || math.IsNaN(r.Max) || r.Min > r.Max) {
		return fmt.Errorf("challenge: value_range min must not exceed max")
	}

	if cfg.Evaluation.TimeoutSeconds == 0 {
		cfg.Evaluation.TimeoutSeconds = 300
	}
	if cfg.Evaluation.TimeoutSeconds < 0 {
		return fmt.Errorf("evaluation: timeout_seconds must be positive")
	}
	if cfg.Evaluation.Parallel == 0 {
		cfg.Evaluation.Parallel = 1
	}
	if cfg.Evaluation.Parallel < 0 {
		return fmt.Errorf("evaluation: parallel must be positive")
	}

	if cfg.Sandbox.Binary == "" {
		cfg.Sandbox.Binary = "/usr/local/bin/arbiter"
	}
	if cfg.Sandbox.CPULimit < 0 || cfg.Sandbox.MemoryMB < 0 {
		return fmt.Errorf("sandbox: limits must not be negative")
	}
	if cfg.Results.Dir == "" {
		cfg.Results.Dir = "results"
	}
	return nil
}

func (c *Config) Timeout() time.Duration {
	return time.Duration(c.Evaluation.TimeoutSeconds) * time.Second
}

// EvaluatorOptions maps the challenge section onto evaluator options. The
// caller fills in the shared truth store and logger.
func (c *Config) EvaluatorOptions() *evaluator.Options {
	ch := c.Challenge
	return &evaluator.Options{
		AnswerFilePath:  ch.AnswerFilePath,
		Round:           ch.Round,
		Format:          ch.Format,
		IDColumn:        ch.IDColumn,
		ValueColumn:     ch.ValueColumn,
		AnswerColumn:    ch.AnswerColumn,
		PrimaryMetric:   ch.PrimaryMetric,
		SecondaryMetric: ch.SecondaryMetric,
		ValueRange:      ch.ValueRange,
		MediaDir:        c.Media.Dir,
		RenderMedia:     c.Media.Render,
	}
}

// LoadSecrets exports the variables in the configured env file. Variables
// already set in the environment win. A missing file is not an error.
func (c *Config) LoadSecrets() error {
	if c.Secrets.EnvFile == "" {
		return nil
	}
	if err := godotenv.Load(c.Secrets.EnvFile); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("loading secrets %s: %w", c.Secrets.EnvFile, err)
	}
	return nil
}
