package media

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/skypro1111/voicer/internal/audio"
)

// Compile-time interface implementation checks
var (
	_ Transcoder = (*FFmpeg)(nil)
	_ Extractor  = (*FFmpeg)(nil)
	_ Prober     = (*FFmpeg)(nil)
)

var (
	// ErrToolNotFound is returned when the ffmpeg or ffprobe binary cannot be run
	ErrToolNotFound = errors.New("media tool not found")
	// ErrCommandFailed is returned when ffmpeg or ffprobe exits with an error
	ErrCommandFailed = errors.New("media command failed")
)

// Transcoder converts arbitrary input audio to 16 kHz mono PCM WAV
type Transcoder interface {
	Transcode(ctx context.Context, input, output string) error
}

// Extractor cuts [start, start+duration) seconds of source into output
type Extractor interface {
	Extract(ctx context.Context, source string, start, duration float64, output string) error
}

// Prober measures the duration of an audio file in seconds
type Prober interface {
	Duration(ctx context.Context, path string) (float64, error)
}

// commandRunner abstracts command execution for testing
type commandRunner interface {
	CombinedOutput(ctx context.Context, name string, args []string) ([]byte, error)
}

type execRunner struct{}

func (execRunner) CombinedOutput(ctx context.Context, name string, args []string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// Config contains the ffmpeg settings
type Config struct {
	FFmpegPath     string
	FFprobePath    string
	SampleRate     int
	Channels       int
	SegmentCodec   string // ffmpeg audio encoder for segment files
	SegmentBitrate string
	SegmentFormat  string // file extension of segment files
	Timeout        time.Duration
}

// DefaultConfig returns the ffmpeg defaults
func DefaultConfig() Config {
	return Config{
		FFmpegPath:     "ffmpeg",
		FFprobePath:    "ffprobe",
		SampleRate:     16000,
		Channels:       1,
		SegmentCodec:   "libopus",
		SegmentBitrate: "64k",
		SegmentFormat:  "opus",
		Timeout:        5 * time.Minute,
	}
}

// FFmpeg runs ffmpeg and ffprobe as subprocesses
type FFmpeg struct {
	config Config
	cmd    commandRunner
	logger *slog.Logger
}

// Option configures an FFmpeg
type Option func(*FFmpeg)

// withCommandRunner sets a custom command runner (for testing)
func withCommandRunner(r commandRunner) Option {
	return func(f *FFmpeg) {
		f.cmd = r
	}
}

// New creates an ffmpeg wrapper
func New(config Config, logger *slog.Logger, opts ...Option) *FFmpeg {
	def := DefaultConfig()
	if config.FFmpegPath == "" {
		config.FFmpegPath = def.FFmpegPath
	}
	if config.FFprobePath == "" {
		config.FFprobePath = def.FFprobePath
	}
	if config.SampleRate <= 0 {
		config.SampleRate = def.SampleRate
	}
	if config.Channels <= 0 {
		config.Channels = def.Channels
	}
	if config.SegmentCodec == "" {
		config.SegmentCodec = def.SegmentCodec
	}
	if config.SegmentBitrate == "" {
		config.SegmentBitrate = def.SegmentBitrate
	}
	if config.SegmentFormat == "" {
		config.SegmentFormat = def.SegmentFormat
	}
	if logger == nil {
		logger = slog.Default()
	}

	f := &FFmpeg{
		config: config,
		cmd:    execRunner{},
		logger: logger,
	}
	for _, opt := range opts {
		opt(f)
	}
	return f
}

// SegmentExt returns the file extension used for extracted segments
func (f *FFmpeg) SegmentExt() string {
	return f.config.SegmentFormat
}

// CheckAvailable verifies that ffmpeg and ffprobe can be executed
func (f *FFmpeg) CheckAvailable(ctx context.Context) error {
	for _, tool := range []string{f.config.FFmpegPath, f.config.FFprobePath} {
		if _, err := f.run(ctx, tool, []string{"-version"}); err != nil {
			return err
		}
	}
	return nil
}

// Transcode converts input into a 16-bit PCM WAV at the configured rate and channel count
func (f *FFmpeg) Transcode(ctx context.Context, input, output string) error {
	args := []string{
		"-y",
		"-i", input,
		"-ac", strconv.Itoa(f.config.Channels),
		"-ar", strconv.Itoa(f.config.SampleRate),
		"-c:a", "pcm_s16le",
		"-f", "wav",
		output,
	}

	start := time.Now()
	if _, err := f.run(ctx, f.config.FFmpegPath, args); err != nil {
		_ = os.Remove(output) // partial output
		return fmt.Errorf("failed to transcode %s: %w", input, err)
	}

	f.logger.Debug("Audio transcoded",
		slog.String("input", input),
		slog.String("output", output),
		slog.Duration("elapsed", time.Since(start)))
	return nil
}

// Extract re-encodes [start, start+duration) of source into output
func (f *FFmpeg) Extract(ctx context.Context, source string, start, duration float64, output string) error {
	if duration <= 0 {
		return fmt.Errorf("invalid segment duration %f", duration)
	}

	args := []string{
		"-y",
		"-ss", formatSeconds(start),
		"-t", formatSeconds(duration),
		"-i", source,
		"-c:a", f.config.SegmentCodec,
		"-b:a", f.config.SegmentBitrate,
		"-ar", strconv.Itoa(f.config.SampleRate),
		"-ac", strconv.Itoa(f.config.Channels),
		output,
	}

	if _, err := f.run(ctx, f.config.FFmpegPath, args); err != nil {
		_ = os.Remove(output) // partial output
		return fmt.Errorf("failed to extract %s [%s+%s]: %w", source, formatSeconds(start), formatSeconds(duration), err)
	}
	return nil
}

// Duration measures the container duration with ffprobe
func (f *FFmpeg) Duration(ctx context.Context, path string) (float64, error) {
	args := []string{
		"-v", "error",
		"-show_entries", "format=duration",
		"-of", "default=noprint_wrappers=1:nokey=1",
		path,
	}

	out, err := f.run(ctx, f.config.FFprobePath, args)
	if err != nil {
		return 0, fmt.Errorf("failed to probe %s: %w", path, err)
	}
	return parseProbeDuration(string(out))
}

// Prepare returns a 16 kHz mono PCM WAV for input. Inputs already in that
// format are returned unchanged with converted=false; everything else is
// transcoded into workDir.
func (f *FFmpeg) Prepare(ctx context.Context, input, workDir string) (path string, converted bool, err error) {
	if info, err := audio.ProbeWAVFile(input); err == nil && info.IsPCM16Mono(f.config.SampleRate) && f.config.Channels == 1 {
		f.logger.Debug("Input already in target format, skipping conversion", slog.String("input", input))
		return input, false, nil
	}

	base := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	output := filepath.Join(workDir, fmt.Sprintf("%s_%dk.wav", base, f.config.SampleRate/1000))
	if err := f.Transcode(ctx, input, output); err != nil {
		return "", false, err
	}
	return output, true, nil
}

func (f *FFmpeg) run(ctx context.Context, name string, args []string) ([]byte, error) {
	if f.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.config.Timeout)
		defer cancel()
	}

	out, err := f.cmd.CombinedOutput(ctx, name, args)
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) || errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: %v", ErrToolNotFound, name, err)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("%s: %w", name, ctxErr)
		}
		return nil, fmt.Errorf("%w: %s: %v\nOutput: %s", ErrCommandFailed, name, err, tail(out, 2048))
	}
	return out, nil
}

// parseProbeDuration parses the bare seconds value printed by ffprobe
func parseProbeDuration(output string) (float64, error) {
	for _, line := range strings.Split(output, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || line == "N/A" {
			continue
		}
		d, err := strconv.ParseFloat(line, 64)
		if err != nil {
			continue
		}
		if d < 0 {
			return 0, fmt.Errorf("negative duration %f", d)
		}
		return d, nil
	}
	return 0, fmt.Errorf("no duration in ffprobe output: %q", strings.TrimSpace(output))
}

// formatSeconds formats seconds for -ss/-t with millisecond precision
func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 3, 64)
}

func tail(b []byte, n int) string {
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}
