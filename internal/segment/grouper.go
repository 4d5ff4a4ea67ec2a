package segment

import (
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/skypro1111/voicer/internal/vad"
)

// cutEpsilon absorbs float drift when stepping through fixed-length cuts
const cutEpsilon = 1e-9

// Chunk is a span of the source that is sent as one recognition request.
// EndTime - StartTime never exceeds the grouper's max duration.
type Chunk struct {
	Index     int     `json:"index"`
	StartTime float64 `json:"start_time"`
	EndTime   float64 `json:"end_time"`
	Intervals int     `json:"intervals"` // speech intervals packed into the chunk
	Split     bool    `json:"split"`     // fragment of an over-long interval
}

// Duration returns EndTime - StartTime
func (c Chunk) Duration() float64 {
	return c.EndTime - c.StartTime
}

// GroupingConfig contains configuration for the grouping process
type GroupingConfig struct {
	MaxDuration        float64 // seconds per chunk
	MinSilenceForSplit float64 // shortest silence usable as a cut point
	SplitTrigger       float64 // fraction of MaxDuration reached before a silence cut
}

// DefaultGroupingConfig returns the grouping defaults
func DefaultGroupingConfig() GroupingConfig {
	return GroupingConfig{
		MaxDuration:        180,
		MinSilenceForSplit: 0.5,
		SplitTrigger:       0.8,
	}
}

// Validate checks the grouping parameters
func (c GroupingConfig) Validate() error {
	if c.MaxDuration <= 0 {
		return fmt.Errorf("max duration must be positive, got %f", c.MaxDuration)
	}
	if c.MinSilenceForSplit < 0 {
		return fmt.Errorf("min silence for split must not be negative, got %f", c.MinSilenceForSplit)
	}
	if c.SplitTrigger <= 0 || c.SplitTrigger > 1 {
		return fmt.Errorf("split trigger must be in (0, 1], got %f", c.SplitTrigger)
	}
	return nil
}

// Grouper packs speech intervals into chunks bounded by MaxDuration
type Grouper struct {
	config GroupingConfig
	logger *slog.Logger

	// Statistics
	chunksCreated  uint64
	splitIntervals uint64
	silenceCuts    uint64
	fixedCuts      uint64
	totalDuration  float64

	mu sync.RWMutex
}

// GrouperStats represents grouper statistics
type GrouperStats struct {
	ChunksCreated  uint64  `json:"chunks_created"`
	SplitIntervals uint64  `json:"split_intervals"`
	SilenceCuts    uint64  `json:"silence_cuts"`
	FixedCuts      uint64  `json:"fixed_cuts"`
	AvgChunkSize   float64 `json:"avg_chunk_duration_sec"`
}

// span is a [start, end) range in seconds
type span struct {
	start, end float64
}

// NewGrouper creates a new interval grouper
func NewGrouper(config GroupingConfig, logger *slog.Logger) (*Grouper, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Grouper{
		config: config,
		logger: logger,
	}, nil
}

// Group packs speech intervals into chunks with default split parameters
func Group(speech, all []vad.Interval, maxDuration, minSilenceForSplit float64) ([]Chunk, error) {
	cfg := DefaultGroupingConfig()
	cfg.MaxDuration = maxDuration
	cfg.MinSilenceForSplit = minSilenceForSplit

	g, err := NewGrouper(cfg, nil)
	if err != nil {
		return nil, err
	}
	return g.Group(speech, all), nil
}

// Group walks the speech intervals in time order and greedily appends each one
// to the open chunk while the chunk still fits in MaxDuration. An interval that
// is longer than MaxDuration on its own closes the open chunk and is split;
// every fragment becomes its own chunk. all is the complete timeline and is
// used to find silence cut points. An empty speech list yields no chunks.
func (g *Grouper) Group(speech, all []vad.Interval) []Chunk {
	if len(speech) == 0 {
		return nil
	}

	sorted := make([]vad.Interval, len(speech))
	copy(sorted, speech)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Start < sorted[j].Start })

	var (
		chunks  []Chunk
		current *Chunk
	)

	flush := func() {
		if current != nil {
			chunks = append(chunks, *current)
			current = nil
		}
	}

	for _, iv := range sorted {
		if iv.Duration() > g.config.MaxDuration {
			flush()
			for _, frag := range g.splitLong(iv, all) {
				chunks = append(chunks, Chunk{StartTime: frag.start, EndTime: frag.end, Intervals: 1, Split: true})
			}
			continue
		}

		if current != nil && iv.End-current.StartTime <= g.config.MaxDuration {
			current.EndTime = iv.End
			current.Intervals++
			continue
		}

		flush()
		current = &Chunk{StartTime: iv.Start, EndTime: iv.End, Intervals: 1}
	}
	flush()

	var total float64
	for i := range chunks {
		chunks[i].Index = i
		total += chunks[i].Duration()
	}

	g.mu.Lock()
	g.chunksCreated += uint64(len(chunks))
	g.totalDuration += total
	g.mu.Unlock()

	g.logger.Debug("Speech intervals grouped",
		slog.Int("speech_intervals", len(sorted)),
		slog.Int("chunks", len(chunks)),
		slog.Float64("max_duration", g.config.MaxDuration))

	return chunks
}

// splitLong cuts an over-long interval. Silences fully inside the interval and
// at least MinSilenceForSplit long are candidate cut points; the cut is made at
// the midpoint of the first candidate that starts at least SplitTrigger *
// MaxDuration after the current fragment start, until the remainder fits.
// Without candidates the interval is cut at fixed MaxDuration boundaries, and
// any fragment that is still too long is cut the same way.
func (g *Grouper) splitLong(iv vad.Interval, all []vad.Interval) []span {
	g.mu.Lock()
	g.splitIntervals++
	g.mu.Unlock()

	silences := g.cutCandidates(iv, all)
	if len(silences) == 0 {
		g.logger.Debug("No silence cut point, using fixed-length split",
			slog.String("interval", iv.String()))
		return g.fixedSplit(span{iv.Start, iv.End})
	}

	var (
		frags   []span
		current = iv.Start
		trigger = g.config.MaxDuration * g.config.SplitTrigger
		cuts    uint64
	)

	for _, s := range silences {
		if s.Start-current < trigger {
			continue
		}

		cut := (s.Start + s.End) / 2
		frags = append(frags, span{current, cut})
		current = cut
		cuts++

		if iv.End-current <= g.config.MaxDuration {
			break
		}
	}
	if current < iv.End {
		frags = append(frags, span{current, iv.End})
	}

	g.mu.Lock()
	g.silenceCuts += cuts
	g.mu.Unlock()

	out := make([]span, 0, len(frags))
	for _, f := range frags {
		if f.end-f.start > g.config.MaxDuration {
			out = append(out, g.fixedSplit(f)...)
			continue
		}
		out = append(out, f)
	}

	g.logger.Debug("Long interval split",
		slog.String("interval", iv.String()),
		slog.Int("silence_candidates", len(silences)),
		slog.Int("fragments", len(out)))

	return out
}

// cutCandidates returns the silences usable as cut points, in time order
func (g *Grouper) cutCandidates(iv vad.Interval, all []vad.Interval) []vad.Interval {
	var out []vad.Interval
	for _, s := range all {
		if s.IsSpeech {
			continue
		}
		if s.Start >= iv.Start && s.End <= iv.End && s.Duration() >= g.config.MinSilenceForSplit {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Start < out[j].Start })
	return out
}

// fixedSplit cuts a span at exact MaxDuration boundaries; the remainder is kept
func (g *Grouper) fixedSplit(s span) []span {
	var out []span
	for current := s.start; current < s.end; {
		next := current + g.config.MaxDuration
		if next >= s.end || s.end-next < cutEpsilon {
			next = s.end
		}
		out = append(out, span{current, next})
		current = next
	}

	if len(out) > 1 {
		g.mu.Lock()
		g.fixedCuts += uint64(len(out) - 1)
		g.mu.Unlock()
	}

	return out
}

// GetStats returns current grouper statistics
func (g *Grouper) GetStats() GrouperStats {
	g.mu.RLock()
	defer g.mu.RUnlock()

	avg := float64(0)
	if g.chunksCreated > 0 {
		avg = g.totalDuration / float64(g.chunksCreated)
	}

	return GrouperStats{
		ChunksCreated:  g.chunksCreated,
		SplitIntervals: g.splitIntervals,
		SilenceCuts:    g.silenceCuts,
		FixedCuts:      g.fixedCuts,
		AvgChunkSize:   avg,
	}
}
