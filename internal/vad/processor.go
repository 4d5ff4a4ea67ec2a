package vad

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/skypro1111/voicer/internal/audio"
)

// SampleRate is the only rate the detector accepts
const SampleRate = 16000

// ErrUnsupportedSampleRate is returned when the PCM input is not 16 kHz
var ErrUnsupportedSampleRate = errors.New("unsupported sample rate")

// Detector turns mono PCM into a speech/silence timeline. The energy
// Processor is the default implementation.
type Detector interface {
	Detect(pcm *audio.PCM) (*Result, error)
}

// Config holds the sliding-window parameters of the energy detector
type Config struct {
	WindowDuration    float64 // seconds per analysis window
	HopDuration       float64 // seconds between window starts
	EnergyThreshold   float64 // mean squared energy above which a window is voiced
	Threshold         float64 // speech probability threshold
	MinSpeechDuration float64 // shorter speech runs are discarded
}

// DefaultConfig returns the detector defaults
func DefaultConfig() Config {
	return Config{
		WindowDuration:    0.5,
		HopDuration:       0.1,
		EnergyThreshold:   0.001,
		Threshold:         0.5,
		MinSpeechDuration: 0.3,
	}
}

// Validate checks the detector parameters
func (c Config) Validate() error {
	if c.WindowDuration <= 0 {
		return fmt.Errorf("window duration must be positive, got %f", c.WindowDuration)
	}
	if c.HopDuration <= 0 {
		return fmt.Errorf("hop duration must be positive, got %f", c.HopDuration)
	}
	if c.EnergyThreshold < 0 {
		return fmt.Errorf("energy threshold must not be negative, got %f", c.EnergyThreshold)
	}
	if c.Threshold < 0 || c.Threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", c.Threshold)
	}
	if c.MinSpeechDuration < 0 {
		return fmt.Errorf("min speech duration must not be negative, got %f", c.MinSpeechDuration)
	}
	return nil
}

// Processor provides energy based voice activity detection over a sliding window
type Processor struct {
	config     Config
	windowSize int // samples per window
	hopSize    int // samples per hop

	// Statistics
	totalWindows  uint64
	voiceWindows  uint64
	totalRuns     uint64
	droppedRuns   uint64
	lastProcessed time.Time

	mu sync.RWMutex
}

// ProcessorStats represents VAD processor statistics
type ProcessorStats struct {
	TotalWindows    uint64    `json:"total_windows"`
	VoiceWindows    uint64    `json:"voice_windows"`
	VoicePercentage float64   `json:"voice_percentage"`
	TotalRuns       uint64    `json:"total_runs"`
	DroppedRuns     uint64    `json:"dropped_runs"`
	LastProcessed   time.Time `json:"last_processed"`
	Threshold       float64   `json:"threshold"`
}

// span is a speech run in samples, end exclusive
type span struct {
	start, end int
	probSum    float64
	windows    int
}

// NewProcessor creates a new VAD processor instance
func NewProcessor(cfg Config) (*Processor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	p := &Processor{
		config:     cfg,
		windowSize: int(math.Round(cfg.WindowDuration * SampleRate)),
		hopSize:    int(math.Round(cfg.HopDuration * SampleRate)),
	}
	if p.windowSize <= 0 || p.hopSize <= 0 {
		return nil, fmt.Errorf("window %fs / hop %fs too short for %d Hz", cfg.WindowDuration, cfg.HopDuration, SampleRate)
	}

	return p, nil
}

// Detect classifies the PCM stream and returns the complete timeline
func (p *Processor) Detect(pcm *audio.PCM) (*Result, error) {
	if pcm == nil {
		return nil, fmt.Errorf("nil audio")
	}
	if pcm.SampleRate != SampleRate {
		return nil, fmt.Errorf("%w: got %d Hz, want %d Hz", ErrUnsupportedSampleRate, pcm.SampleRate, SampleRate)
	}

	p.mu.RLock()
	threshold := p.config.Threshold
	p.mu.RUnlock()

	probs := p.probabilities(pcm.Samples, threshold)
	spans := p.speechSpans(probs, threshold, len(pcm.Samples))

	total := pcm.Duration()
	speech := make([]Interval, 0, len(spans))
	for _, s := range spans {
		speech = append(speech, Interval{
			Start:      float64(s.start) / SampleRate,
			End:        float64(s.end) / SampleRate,
			IsSpeech:   true,
			Confidence: s.probSum / float64(s.windows),
		})
	}

	return &Result{
		Intervals:     fillSilence(speech, total),
		TotalDuration: total,
	}, nil
}

// DetectFile decodes a WAV file and runs detection on it
func (p *Processor) DetectFile(path string) (*Result, error) {
	pcm, err := audio.ReadWAVFile(path)
	if err != nil {
		return nil, err
	}

	result, err := p.Detect(pcm)
	if err != nil {
		return nil, err
	}
	result.SourcePath = path
	return result, nil
}

// probabilities computes the speech probability of every full window
func (p *Processor) probabilities(samples []int16, threshold float64) []float64 {
	if len(samples) < p.windowSize {
		return nil
	}

	probs := make([]float64, 0, (len(samples)-p.windowSize)/p.hopSize+1)
	var voiced uint64
	for start := 0; start+p.windowSize <= len(samples); start += p.hopSize {
		prob := p.processWindow(samples[start : start+p.windowSize])
		if prob > threshold {
			voiced++
		}
		probs = append(probs, prob)
	}

	p.mu.Lock()
	p.totalWindows += uint64(len(probs))
	p.voiceWindows += voiced
	p.lastProcessed = time.Now()
	p.mu.Unlock()

	return probs
}

// processWindow returns 1 when the mean squared energy of the window exceeds
// the energy threshold and 0 otherwise
func (p *Processor) processWindow(window []int16) float64 {
	var energy float64
	for _, s := range window {
		v := float64(s) / 32768.0
		energy += v * v
	}
	energy /= float64(len(window))

	if energy > p.config.EnergyThreshold {
		return 1
	}
	return 0
}

// speechSpans runs the edge-triggered state machine over the window
// probabilities. A run opens and closes at the hop position of the window
// that changed state; a run still open at the end closes at the last sample.
func (p *Processor) speechSpans(probs []float64, threshold float64, numSamples int) []span {
	var (
		spans   []span
		current *span
		runs    uint64
		dropped uint64
	)

	closeRun := func(end int) {
		runs++
		current.end = end
		if float64(current.end-current.start)/SampleRate >= p.config.MinSpeechDuration {
			spans = append(spans, *current)
		} else {
			dropped++
		}
		current = nil
	}

	for i, prob := range probs {
		pos := i * p.hopSize
		speech := prob > threshold

		switch {
		case speech && current == nil:
			current = &span{start: pos, probSum: prob, windows: 1}
		case speech:
			current.probSum += prob
			current.windows++
		case current != nil:
			closeRun(pos)
		}
	}

	if current != nil {
		closeRun(numSamples)
	}

	p.mu.Lock()
	p.totalRuns += runs
	p.droppedRuns += dropped
	p.mu.Unlock()

	return spans
}

// fillSilence inserts silence intervals before, between and after the speech
// intervals so the timeline covers [0, total]
func fillSilence(speech []Interval, total float64) []Interval {
	sort.Slice(speech, func(i, j int) bool { return speech[i].Start < speech[j].Start })

	if len(speech) == 0 {
		if total <= 0 {
			return nil
		}
		return []Interval{{Start: 0, End: total, Confidence: 1}}
	}

	all := make([]Interval, 0, 2*len(speech)+1)
	all = append(all, speech...)

	if speech[0].Start > 0 {
		all = append(all, Interval{Start: 0, End: speech[0].Start, Confidence: 1})
	}
	for i := 0; i < len(speech)-1; i++ {
		if speech[i+1].Start > speech[i].End {
			all = append(all, Interval{Start: speech[i].End, End: speech[i+1].Start, Confidence: 1})
		}
	}
	if last := speech[len(speech)-1]; last.End < total {
		all = append(all, Interval{Start: last.End, End: total, Confidence: 1})
	}

	sort.Slice(all, func(i, j int) bool { return all[i].Start < all[j].Start })
	return all
}

// GetStats returns current processor statistics
func (p *Processor) GetStats() ProcessorStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	voicePercentage := float64(0)
	if p.totalWindows > 0 {
		voicePercentage = float64(p.voiceWindows) / float64(p.totalWindows) * 100
	}

	return ProcessorStats{
		TotalWindows:    p.totalWindows,
		VoiceWindows:    p.voiceWindows,
		VoicePercentage: voicePercentage,
		TotalRuns:       p.totalRuns,
		DroppedRuns:     p.droppedRuns,
		LastProcessed:   p.lastProcessed,
		Threshold:       p.config.Threshold,
	}
}

// UpdateThreshold updates the voice detection threshold. It applies to the
// next Detect call.
func (p *Processor) UpdateThreshold(threshold float64) error {
	if threshold < 0 || threshold > 1 {
		return fmt.Errorf("threshold must be between 0 and 1, got %f", threshold)
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	p.config.Threshold = threshold
	return nil
}

// Reset resets the processor statistics
func (p *Processor) Reset() {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalWindows = 0
	p.voiceWindows = 0
	p.totalRuns = 0
	p.droppedRuns = 0
	p.lastProcessed = time.Time{}
}

// GetWindowSize returns the window size in samples
func (p *Processor) GetWindowSize() int {
	return p.windowSize
}

// GetHopSize returns the hop size in samples
func (p *Processor) GetHopSize() int {
	return p.hopSize
}
