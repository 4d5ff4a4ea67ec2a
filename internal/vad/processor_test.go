package vad

import (
	"errors"
	"math"
	"path/filepath"
	"sync"
	"testing"

	"github.com/skypro1111/voicer/internal/audio"
)

const loud = int16(8000)

// region fills [start, end) seconds with a constant amplitude
type region struct {
	start, end float64
	amplitude  int16
}

func makePCM(total float64, regions ...region) *audio.PCM {
	samples := make([]int16, int(math.Round(total*SampleRate)))
	for _, r := range regions {
		from := int(math.Round(r.start * SampleRate))
		to := int(math.Round(r.end * SampleRate))
		if to > len(samples) {
			to = len(samples)
		}
		for i := from; i < to; i++ {
			samples[i] = r.amplitude
		}
	}
	return &audio.PCM{Samples: samples, SampleRate: SampleRate}
}

func newTestProcessor(t *testing.T) *Processor {
	t.Helper()
	p, err := NewProcessor(DefaultConfig())
	if err != nil {
		t.Fatalf("Failed to create processor: %v", err)
	}
	return p
}

func approx(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestNewProcessor(t *testing.T) {
	p := newTestProcessor(t)

	if p.GetWindowSize() != 8000 {
		t.Errorf("Expected window size 8000, got %d", p.GetWindowSize())
	}
	if p.GetHopSize() != 1600 {
		t.Errorf("Expected hop size 1600, got %d", p.GetHopSize())
	}
}

func TestNewProcessorValidation(t *testing.T) {
	tests := []struct {
		name      string
		mutate    func(*Config)
		expectErr bool
	}{
		{"defaults", func(c *Config) {}, false},
		{"zero window", func(c *Config) { c.WindowDuration = 0 }, true},
		{"negative hop", func(c *Config) { c.HopDuration = -0.1 }, true},
		{"threshold too low", func(c *Config) { c.Threshold = -0.1 }, true},
		{"threshold too high", func(c *Config) { c.Threshold = 1.1 }, true},
		{"negative energy", func(c *Config) { c.EnergyThreshold = -1 }, true},
		{"negative min speech", func(c *Config) { c.MinSpeechDuration = -0.3 }, true},
		{"hop below one sample", func(c *Config) { c.HopDuration = 0.00001 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			_, err := NewProcessor(cfg)
			if tt.expectErr && err == nil {
				t.Error("Expected error but got none")
			}
			if !tt.expectErr && err != nil {
				t.Errorf("Expected no error but got: %v", err)
			}
		})
	}
}

func TestDetectUnsupportedSampleRate(t *testing.T) {
	p := newTestProcessor(t)

	for _, rate := range []int{8000, 22050, 44100, 48000} {
		_, err := p.Detect(&audio.PCM{Samples: make([]int16, rate), SampleRate: rate})
		if !errors.Is(err, ErrUnsupportedSampleRate) {
			t.Errorf("Rate %d: expected ErrUnsupportedSampleRate, got %v", rate, err)
		}
	}
}

func TestDetectSingleSpeechRun(t *testing.T) {
	p := newTestProcessor(t)

	result, err := p.Detect(makePCM(10, region{2.0, 5.0, loud}))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if err := result.Validate(); err != nil {
		t.Fatalf("Invalid timeline: %v", err)
	}

	speech := result.Speech()
	if len(speech) != 1 {
		t.Fatalf("Expected 1 speech interval, got %d: %v", len(speech), result.Intervals)
	}

	// the first window overlapping the burst starts 0.4s before it
	if !approx(speech[0].Start, 1.6) {
		t.Errorf("Expected speech start 1.6, got %f", speech[0].Start)
	}
	if !approx(speech[0].End, 5.0) {
		t.Errorf("Expected speech end 5.0, got %f", speech[0].End)
	}
	if speech[0].Confidence != 1 {
		t.Errorf("Expected confidence 1, got %f", speech[0].Confidence)
	}

	if len(result.Intervals) != 3 {
		t.Fatalf("Expected silence/speech/silence, got %v", result.Intervals)
	}
	if result.Intervals[0].IsSpeech || result.Intervals[2].IsSpeech {
		t.Errorf("Expected silence around speech, got %v", result.Intervals)
	}
	if !approx(result.SpeechDuration()+result.SilenceDuration(), 10) {
		t.Errorf("Expected durations to add up to 10, got %f", result.SpeechDuration()+result.SilenceDuration())
	}
}

func TestDetectTrailingSpeechClosesAtLastSample(t *testing.T) {
	p := newTestProcessor(t)

	result, err := p.Detect(makePCM(3.05, region{2.0, 3.05, loud}))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	last := result.Intervals[len(result.Intervals)-1]
	if !last.IsSpeech {
		t.Fatalf("Expected timeline to end in speech, got %v", result.Intervals)
	}
	if !approx(last.End, result.TotalDuration) {
		t.Errorf("Expected speech to close at %f, got %f", result.TotalDuration, last.End)
	}
}

func TestDetectDiscardsShortRuns(t *testing.T) {
	p := newTestProcessor(t)

	// energy just above the threshold only when the window covers the whole
	// burst, so a single window is voiced (0.1s run)
	faint := region{2.0, 2.5, 1062}

	result, err := p.Detect(makePCM(5, faint))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	if len(result.Speech()) != 0 {
		t.Errorf("Expected short run to be discarded, got %v", result.Speech())
	}
	if len(result.Intervals) != 1 || !approx(result.Intervals[0].End, 5) {
		t.Errorf("Expected one silence interval over [0,5], got %v", result.Intervals)
	}

	stats := p.GetStats()
	if stats.DroppedRuns != 1 {
		t.Errorf("Expected 1 dropped run, got %d", stats.DroppedRuns)
	}
}

func TestDetectTimelineCoverage(t *testing.T) {
	tests := []struct {
		name    string
		total   float64
		regions []region
		speech  int
	}{
		{"silence only", 4, nil, 0},
		{"speech only", 4, []region{{0, 4, loud}}, 1},
		{"speech at start", 6, []region{{0, 1.5, loud}}, 1},
		{"two bursts", 12, []region{{1, 3, loud}, {7, 9, loud}}, 2},
		{"close bursts merge", 6, []region{{1, 2, loud}, {2.3, 3, loud}}, 1},
		{"shorter than a window", 0.2, []region{{0, 0.2, loud}}, 0},
		{"odd length", 7.3333, []region{{0.7, 2.9, -loud}, {5.1, 7.3333, loud}}, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProcessor(t)

			result, err := p.Detect(makePCM(tt.total, tt.regions...))
			if err != nil {
				t.Fatalf("Detect failed: %v", err)
			}
			if err := result.Validate(); err != nil {
				t.Errorf("Invalid timeline: %v (%v)", err, result.Intervals)
			}
			if got := len(result.Speech()); got != tt.speech {
				t.Errorf("Expected %d speech intervals, got %d: %v", tt.speech, got, result.Intervals)
			}
			for i := 1; i < len(result.Intervals); i++ {
				if result.Intervals[i].IsSpeech == result.Intervals[i-1].IsSpeech && result.Intervals[i].IsSpeech {
					t.Errorf("Adjacent speech intervals %d and %d were not merged", i-1, i)
				}
			}
		})
	}
}

func TestDetectEmptyAudio(t *testing.T) {
	p := newTestProcessor(t)

	result, err := p.Detect(&audio.PCM{SampleRate: SampleRate})
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(result.Intervals) != 0 {
		t.Errorf("Expected no intervals, got %v", result.Intervals)
	}
	if result.TotalDuration != 0 {
		t.Errorf("Expected zero duration, got %f", result.TotalDuration)
	}
}

func TestDetectFile(t *testing.T) {
	p := newTestProcessor(t)

	path := filepath.Join(t.TempDir(), "input.wav")
	pcm := makePCM(3, region{1, 2, loud})
	if err := audio.WriteWAVFile(path, pcm.Samples, pcm.SampleRate); err != nil {
		t.Fatalf("WriteWAVFile failed: %v", err)
	}

	result, err := p.DetectFile(path)
	if err != nil {
		t.Fatalf("DetectFile failed: %v", err)
	}
	if result.SourcePath != path {
		t.Errorf("Expected source path %s, got %s", path, result.SourcePath)
	}
	if len(result.Speech()) != 1 {
		t.Errorf("Expected 1 speech interval, got %v", result.Intervals)
	}
}

func TestProcessorStats(t *testing.T) {
	p := newTestProcessor(t)

	// 2s of audio gives 16 full windows
	if _, err := p.Detect(makePCM(2, region{0, 1, loud})); err != nil {
		t.Fatalf("Detect failed: %v", err)
	}

	stats := p.GetStats()
	if stats.TotalWindows != 16 {
		t.Errorf("Expected 16 total windows, got %d", stats.TotalWindows)
	}
	if stats.VoiceWindows == 0 || stats.VoiceWindows >= stats.TotalWindows {
		t.Errorf("Expected some voiced windows, got %d", stats.VoiceWindows)
	}
	if stats.VoicePercentage <= 0 || stats.VoicePercentage >= 100 {
		t.Errorf("Invalid voice percentage: %f", stats.VoicePercentage)
	}
	if stats.LastProcessed.IsZero() {
		t.Error("Expected non-zero last processed time")
	}

	p.Reset()

	stats = p.GetStats()
	if stats.TotalWindows != 0 || stats.VoiceWindows != 0 || stats.TotalRuns != 0 {
		t.Errorf("Expected zeroed stats after reset, got %+v", stats)
	}
	if !stats.LastProcessed.IsZero() {
		t.Error("Expected zero last processed time after reset")
	}
}

func TestUpdateThreshold(t *testing.T) {
	p := newTestProcessor(t)

	if err := p.UpdateThreshold(1.0); err != nil {
		t.Fatalf("Failed to update threshold: %v", err)
	}

	// probability never exceeds 1, so nothing is speech
	result, err := p.Detect(makePCM(3, region{0, 3, loud}))
	if err != nil {
		t.Fatalf("Detect failed: %v", err)
	}
	if len(result.Speech()) != 0 {
		t.Errorf("Expected no speech at threshold 1, got %v", result.Speech())
	}

	if err := p.UpdateThreshold(-0.1); err == nil {
		t.Error("Expected error for negative threshold")
	}
	if err := p.UpdateThreshold(1.1); err == nil {
		t.Error("Expected error for threshold > 1")
	}
	if p.GetStats().Threshold != 1.0 {
		t.Errorf("Threshold changed after invalid update: %f", p.GetStats().Threshold)
	}
}

func TestConcurrentDetection(t *testing.T) {
	p := newTestProcessor(t)
	pcm := makePCM(2, region{0.5, 1.5, loud})

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				if _, err := p.Detect(pcm); err != nil {
					t.Errorf("Detect failed: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	if got := p.GetStats().TotalWindows; got != 5*10*16 {
		t.Errorf("Expected %d total windows, got %d", 5*10*16, got)
	}
}
