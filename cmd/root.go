package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/signalnine/arbiter/internal/config"
	"github.com/signalnine/arbiter/internal/evaluator"
	"github.com/signalnine/arbiter/internal/logging"
	"github.com/signalnine/arbiter/internal/sandbox"
	"github.com/signalnine/arbiter/internal/truth"
)

const defaultConfigFile = "arbiter.yaml"

var (
	cfgFile       string
	flagLogLevel  string
	flagLogFormat string
)

func NewRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "arbiter",
		Short:         "Score competition submissions against ground truth",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&cfgFile, "config", defaultConfigFile, "config file path")
	root.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	root.PersistentFlags().StringVar(&flagLogFormat, "log-format", "text", "log format (text, json)")
	root.AddCommand(newEvaluateCmd())
	root.AddCommand(newBatchCmd())
	root.AddCommand(newReportCmd())
	root.AddCommand(newRescoreCmd())
	root.AddCommand(newListCmd())
	return root
}

// loadConfig reads --config. Without an explicit flag a missing default
// file falls back to the built-in configuration.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	var cfg *config.Config
	if _, err := os.Stat(cfgFile); errors.Is(err, os.ErrNotExist) && !cmd.Flags().Changed("config") {
		cfg = config.Default()
	} else {
		cfg, err = config.Load(cfgFile)
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.LoadSecrets(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cmd *cobra.Command) (*slog.Logger, error) {
	logger, err := logging.New(cmd.ErrOrStderr(), flagLogLevel, flagLogFormat)
	if err != nil {
		return nil, err
	}
	slog.SetDefault(logger)
	return logger, nil
}

func newTruthStore(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*truth.Store, error) {
	opts := &truth.StoreOpts{CacheDir: cfg.Storage.CacheDir, Logger: logger}
	if truth.IsS3(cfg.Challenge.AnswerFilePath) {
		f, err := truth.NewS3Fetcher(ctx, &truth.S3Opts{
			Region:   cfg.Storage.S3Region,
			Endpoint: cfg.Storage.S3Endpoint,
		})
		if err != nil {
			return nil, err
		}
		opts.Fetcher = f
	}
	return truth.NewStore(opts), nil
}

type describedEvaluator interface {
	evaluator.Evaluator
	evaluator.Describer
}

// buildEvaluator returns the in-process challenge evaluator, or the
// container-backed one when sandboxed is set.
func buildEvaluator(ctx context.Context, cfg *config.Config, logger *slog.Logger, mediaDir string, sandboxed bool) (describedEvaluator, error) {
	if sandboxed {
		if cfg.Sandbox.Image == "" {
			return nil, fmt.Errorf("--sandbox requires sandbox.image in the config")
		}
		ev, err := sandbox.New(&sandbox.Opts{Config: cfg, MediaDir: mediaDir, Logger: logger})
		if err != nil {
			return nil, err
		}
		return ev, nil
	}
	store, err := newTruthStore(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	opts := cfg.EvaluatorOptions()
	opts.MediaDir = mediaDir
	opts.Truth = store
	opts.Logger = logger
	ch, err := evaluator.New(opts)
	if err != nil {
		return nil, err
	}
	return ch, nil
}
