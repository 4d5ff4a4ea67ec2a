package segment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/skypro1111/voicer/internal/media"
)

// ErrInvalidSegment is returned when an extracted file breaks the duration or size limits
var ErrInvalidSegment = errors.New("invalid segment")

// Segment is a chunk materialized as an audio file
type Segment struct {
	ID        string  `json:"id"`
	FilePath  string  `json:"file_path"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Duration  float64 `json:"duration"` // measured duration of the file
	ByteSize  int64   `json:"byte_size"`
	GroupID   string  `json:"group_id"`
}

// MaterializerConfig contains the limits applied to extracted segments
type MaterializerConfig struct {
	WorkDir           string
	MaxDuration       float64 // seconds
	MaxSize           int64   // bytes
	DurationTolerance float64 // seconds of encoder padding accepted over MaxDuration
	Format            string  // file extension
}

// Materializer turns chunks into validated segment files
type Materializer struct {
	config    MaterializerConfig
	extractor media.Extractor
	prober    media.Prober
	logger    *slog.Logger
}

// NewMaterializer creates a materializer writing into config.WorkDir
func NewMaterializer(config MaterializerConfig, extractor media.Extractor, prober media.Prober, logger *slog.Logger) (*Materializer, error) {
	if config.WorkDir == "" {
		return nil, fmt.Errorf("work dir is required")
	}
	if config.MaxDuration <= 0 {
		return nil, fmt.Errorf("max duration must be positive, got %f", config.MaxDuration)
	}
	if config.MaxSize <= 0 {
		return nil, fmt.Errorf("max size must be positive, got %d", config.MaxSize)
	}
	if config.DurationTolerance < 0 {
		return nil, fmt.Errorf("duration tolerance must not be negative, got %f", config.DurationTolerance)
	}
	if extractor == nil || prober == nil {
		return nil, fmt.Errorf("extractor and prober are required")
	}
	if config.Format == "" {
		config.Format = "opus"
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(config.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}

	return &Materializer{
		config:    config,
		extractor: extractor,
		prober:    prober,
		logger:    logger,
	}, nil
}

// Materialize extracts the chunk from source, measures it and validates it.
// The file is removed again when validation fails.
func (m *Materializer) Materialize(ctx context.Context, source string, chunk Chunk) (*Segment, error) {
	base := strings.TrimSuffix(filepath.Base(source), filepath.Ext(source))
	path := filepath.Join(m.config.WorkDir, fmt.Sprintf("%s_segment_%03d.%s", base, chunk.Index, m.config.Format))

	if err := m.extractor.Extract(ctx, source, chunk.StartTime, chunk.Duration(), path); err != nil {
		return nil, err
	}

	seg := &Segment{
		ID:        fmt.Sprintf("segment_%03d", chunk.Index),
		FilePath:  path,
		StartTime: chunk.StartTime,
		EndTime:   chunk.EndTime,
		GroupID:   fmt.Sprintf("group_%d", chunk.Index),
	}

	if err := m.measure(ctx, seg); err != nil {
		_ = m.Remove(seg)
		return nil, err
	}
	if err := m.Validate(seg); err != nil {
		_ = m.Remove(seg)
		return nil, err
	}

	m.logger.Debug("Segment materialized",
		slog.String("segment_id", seg.ID),
		slog.String("path", seg.FilePath),
		slog.Float64("duration", seg.Duration),
		slog.Int64("bytes", seg.ByteSize))

	return seg, nil
}

func (m *Materializer) measure(ctx context.Context, seg *Segment) error {
	info, err := os.Stat(seg.FilePath)
	if err != nil {
		return fmt.Errorf("segment file missing after extraction: %w", err)
	}
	seg.ByteSize = info.Size()

	d, err := m.prober.Duration(ctx, seg.FilePath)
	if err != nil {
		return err
	}
	seg.Duration = d
	return nil
}

// Validate checks that the segment file exists and fits the duration and size limits
func (m *Materializer) Validate(seg *Segment) error {
	if _, err := os.Stat(seg.FilePath); err != nil {
		return fmt.Errorf("%w: %s: file missing: %v", ErrInvalidSegment, seg.ID, err)
	}
	if seg.Duration > m.config.MaxDuration+m.config.DurationTolerance {
		return fmt.Errorf("%w: %s: duration %.2fs exceeds %.2fs", ErrInvalidSegment, seg.ID, seg.Duration, m.config.MaxDuration)
	}
	if seg.ByteSize > m.config.MaxSize {
		return fmt.Errorf("%w: %s: size %d exceeds %d bytes", ErrInvalidSegment, seg.ID, seg.ByteSize, m.config.MaxSize)
	}
	return nil
}

// Remove deletes the segment file; a missing file is not an error
func (m *Materializer) Remove(seg *Segment) error {
	if seg == nil || seg.FilePath == "" {
		return nil
	}
	if err := os.Remove(seg.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.logger.Warn("Failed to remove segment file",
			slog.String("path", seg.FilePath),
			slog.String("error", err.Error()))
		return err
	}
	return nil
}
