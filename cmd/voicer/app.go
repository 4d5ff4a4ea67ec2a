package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/skypro1111/voicer/internal/asr"
	"github.com/skypro1111/voicer/internal/config"
	"github.com/skypro1111/voicer/internal/media"
	"github.com/skypro1111/voicer/internal/metrics"
	"github.com/skypro1111/voicer/internal/pipeline"
	"github.com/skypro1111/voicer/internal/promptctx"
	"github.com/skypro1111/voicer/internal/segment"
	"github.com/skypro1111/voicer/internal/vad"
)

// app holds the components shared by all commands
type app struct {
	cfg      *config.Config
	logger   *slog.Logger
	logFile  io.Closer
	metrics  *metrics.Metrics
	ffmpeg   *media.FFmpeg
	detector *vad.Processor
	asr      *asr.Registry
	pipeline *pipeline.Pipeline
}

// newApp loads configuration, applies command overrides and builds the
// pipeline. m may be nil when the command does not export metrics.
func newApp(cmd *cobra.Command, m *metrics.Metrics, overrides ...func(*config.Config) error) (*app, error) {
	cfg, configPath, err := loadConfig(cmd)
	if err != nil {
		return nil, err
	}
	for _, override := range overrides {
		if err := override(cfg); err != nil {
			return nil, err
		}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	logger, logFile := initLogger(cfg.Logging)

	logger.Info("Configuration loaded",
		slog.String("service", serviceName),
		slog.String("version", version),
		slog.String("config_path", configPath),
		slog.String("asr_provider", cfg.ASR.Provider),
		slog.String("asr_model", cfg.ASR.Model),
		slog.String("fallback_provider", cfg.ASR.Fallback.Provider),
		slog.Float64("max_segment_duration", cfg.Segment.MaxDuration),
		slog.Int("max_tokens", cfg.Context.MaxTokens),
		slog.String("token_counter", cfg.Context.TokenCounter),
		slog.String("work_dir", cfg.Audio.WorkDir),
	)

	a := &app{cfg: cfg, logger: logger, logFile: logFile, metrics: m}
	if err := a.build(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

// loadConfig reads the --config file. A missing file at the default path
// falls back to the built-in defaults plus environment.
func loadConfig(cmd *cobra.Command) (*config.Config, string, error) {
	path, _ := cmd.Flags().GetString("config")

	cfg, err := config.Load(path)
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		cfg = config.Default()
		cfg.ApplyEnv()
		if err := cfg.Validate(); err != nil {
			return nil, "", fmt.Errorf("config validation failed: %w", err)
		}
		path = "(defaults)"
	} else if err != nil {
		return nil, "", fmt.Errorf("failed to load configuration: %w", err)
	}

	if level, _ := cmd.Flags().GetString("log-level"); level != "" {
		cfg.Logging.Level = level
		if err := cfg.Logging.Validate(); err != nil {
			return nil, "", fmt.Errorf("--log-level: %w", err)
		}
	}

	return cfg, path, nil
}

func (a *app) build() error {
	cfg := a.cfg

	a.ffmpeg = media.New(media.Config{
		FFmpegPath:     cfg.Audio.FFmpegPath,
		FFprobePath:    cfg.Audio.FFprobePath,
		SampleRate:     cfg.Audio.SampleRate,
		Channels:       cfg.Audio.Channels,
		SegmentCodec:   cfg.Audio.SegmentCodec,
		SegmentBitrate: cfg.Audio.SegmentBitrate,
		SegmentFormat:  cfg.Audio.SegmentFormat,
		Timeout:        cfg.Audio.GetCommandTimeout(),
	}, a.logger)

	detector, err := vad.NewProcessor(vad.Config{
		WindowDuration:    cfg.VAD.WindowDuration,
		HopDuration:       cfg.VAD.HopDuration,
		EnergyThreshold:   cfg.VAD.EnergyThreshold,
		Threshold:         cfg.VAD.Threshold,
		MinSpeechDuration: cfg.VAD.MinSpeechDuration,
	})
	if err != nil {
		return fmt.Errorf("failed to create VAD processor: %w", err)
	}
	a.detector = detector

	registry, err := a.buildRecognizers()
	if err != nil {
		return err
	}
	a.asr = registry

	counter, err := promptctx.CounterByName(cfg.Context.TokenCounter)
	if err != nil {
		return err
	}

	deps := pipeline.Dependencies{
		Preparer:   a.ffmpeg,
		Detector:   detector,
		Extractor:  a.ffmpeg,
		Prober:     a.ffmpeg,
		Recognizer: registry,
		Counter:    counter,
	}
	if a.metrics != nil {
		deps.Recorder = a.metrics
	}

	p, err := pipeline.New(pipeline.Config{
		WorkDir:       cfg.Audio.WorkDir,
		OutputDir:     cfg.Output.Dir,
		OutputFormats: cfg.Output.Formats,
		SaveOutput:    cfg.Output.Save,
		Language:      cfg.ASR.Language,
		MaxTokens:     cfg.Context.MaxTokens,
		Grouping: segment.GroupingConfig{
			MaxDuration:        cfg.Segment.MaxDuration,
			MinSilenceForSplit: cfg.Segment.MinSilenceForSplit,
			SplitTrigger:       cfg.Segment.SplitTrigger,
		},
		MaxSegmentSize:    cfg.Segment.MaxSize,
		DurationTolerance: cfg.Segment.DurationTolerance,
		SegmentFormat:     a.ffmpeg.SegmentExt(),
	}, deps, a.logger)
	if err != nil {
		return fmt.Errorf("failed to create pipeline: %w", err)
	}
	a.pipeline = p

	return nil
}

// retryingBackend applies the retry policy to one backend so the fallback
// only runs once the primary has exhausted its attempts
type retryingBackend struct {
	asr.Backend
	retry *asr.Retrying
}

func (b retryingBackend) Recognize(ctx context.Context, req *asr.Request) (*asr.Result, error) {
	return b.retry.Recognize(ctx, req)
}

func (a *app) buildRecognizers() (*asr.Registry, error) {
	cfg := a.cfg.ASR

	retry := asr.RetryConfig{
		MaxRetries: cfg.MaxRetries,
		Delay:      cfg.GetRetryDelay(),
		Backoff:    cfg.Backoff,
		MaxDelay:   asr.DefaultRetryConfig().MaxDelay,
	}

	base := asr.Config{
		Provider:      cfg.Provider,
		BaseURL:       cfg.BaseURL,
		APIKey:        cfg.APIKey,
		Model:         cfg.Model,
		Timeout:       cfg.GetTimeoutDuration(),
		MaxConcurrent: cfg.MaxConcurrent,
		MaxFileSize:   a.cfg.Segment.MaxSize,
		EnableITN:     cfg.EnableITN,
		EnableLID:     cfg.EnableLID,
	}

	registry := asr.NewRegistry()

	primary, err := asr.New(base)
	if err != nil {
		return nil, fmt.Errorf("failed to create %s recognizer: %w", cfg.Provider, err)
	}
	registry.Register("primary", a.withRetry(primary, retry))

	if cfg.Fallback.Provider != "" {
		fb := base
		fb.Provider = cfg.Fallback.Provider
		fb.BaseURL = cfg.Fallback.BaseURL
		fb.APIKey = cfg.Fallback.APIKey
		fb.Model = cfg.Fallback.Model

		fallback, err := asr.New(fb)
		if err != nil {
			return nil, fmt.Errorf("failed to create fallback %s recognizer: %w", cfg.Fallback.Provider, err)
		}
		registry.Register("fallback", a.withRetry(fallback, retry))
		if err := registry.SetFallback("fallback"); err != nil {
			return nil, err
		}

		a.logger.Info("Fallback recognizer enabled",
			slog.String("provider", cfg.Fallback.Provider),
			slog.String("model", cfg.Fallback.Model),
		)
	}

	return registry, nil
}

func (a *app) withRetry(b asr.Backend, config asr.RetryConfig) asr.Backend {
	r := asr.WithRetry(b, config, a.logger)
	if a.metrics != nil {
		r.OnRetry = func(int, error) {
			a.metrics.RecordRecognitionRetry()
		}
	}
	return retryingBackend{Backend: b, retry: r}
}

// checkTools fails early when ffmpeg or ffprobe are missing
func (a *app) checkTools(ctx context.Context) error {
	if err := a.ffmpeg.CheckAvailable(ctx); err != nil {
		return fmt.Errorf("ffmpeg is required: %w", err)
	}
	return nil
}

// Close flushes the log file, if any
func (a *app) Close() {
	if a.logFile != nil {
		a.logFile.Close()
	}
}

// initLogger creates the structured logger. File output is rotated with lumberjack.
func initLogger(cfg config.LoggingConfig) (*slog.Logger, io.Closer) {
	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	var output io.Writer
	var closer io.Closer
	switch cfg.Output {
	case "stdout":
		output = os.Stdout
	case "stderr", "":
		output = os.Stderr
	default:
		rotating := &lumberjack.Logger{
			Filename:   cfg.Output,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAgeDays,
			Compress:   cfg.Compress,
		}
		output = rotating
		closer = rotating
	}

	var handler slog.Handler
	switch cfg.Format {
	case "json":
		handler = slog.NewJSONHandler(output, opts)
	default:
		handler = slog.NewTextHandler(output, opts)
	}

	return slog.New(handler), closer
}
