package vad

import (
	"fmt"
	"math"
)

// Interval is one span of the speech/silence timeline, in seconds
type Interval struct {
	Start      float64 `json:"start"`
	End        float64 `json:"end"`
	IsSpeech   bool    `json:"is_speech"`
	Confidence float64 `json:"confidence"`
}

// Duration returns End - Start
func (i Interval) Duration() float64 {
	return i.End - i.Start
}

func (i Interval) String() string {
	kind := "silence"
	if i.IsSpeech {
		kind = "speech"
	}
	return fmt.Sprintf("%s[%.2fs-%.2fs]", kind, i.Start, i.End)
}

// Result is the complete timeline of one source. Intervals are ordered and
// partition [0, TotalDuration] without gaps or overlaps.
type Result struct {
	SourcePath    string     `json:"source_path"`
	Intervals     []Interval `json:"intervals"`
	TotalDuration float64    `json:"total_duration"`
}

// Speech returns the speech intervals in time order
func (r *Result) Speech() []Interval {
	return r.filter(true)
}

// Silence returns the silence intervals in time order
func (r *Result) Silence() []Interval {
	return r.filter(false)
}

// SpeechDuration returns the summed duration of all speech intervals
func (r *Result) SpeechDuration() float64 {
	return sumDuration(r.Speech())
}

// SilenceDuration returns the summed duration of all silence intervals
func (r *Result) SilenceDuration() float64 {
	return sumDuration(r.Silence())
}

func (r *Result) filter(speech bool) []Interval {
	out := make([]Interval, 0, len(r.Intervals))
	for _, iv := range r.Intervals {
		if iv.IsSpeech == speech {
			out = append(out, iv)
		}
	}
	return out
}

func sumDuration(intervals []Interval) float64 {
	var total float64
	for _, iv := range intervals {
		total += iv.Duration()
	}
	return total
}

// Validate checks that the timeline is ordered, gapless and covers
// [0, TotalDuration]. Boundaries are compared with a small tolerance.
func (r *Result) Validate() error {
	const eps = 1e-9

	if len(r.Intervals) == 0 {
		if r.TotalDuration > eps {
			return fmt.Errorf("empty timeline for %.3fs of audio", r.TotalDuration)
		}
		return nil
	}

	if math.Abs(r.Intervals[0].Start) > eps {
		return fmt.Errorf("timeline starts at %.6f, want 0", r.Intervals[0].Start)
	}

	for i, iv := range r.Intervals {
		if iv.End <= iv.Start {
			return fmt.Errorf("interval %d is empty or inverted: %s", i, iv)
		}
		if iv.Confidence < 0 || iv.Confidence > 1 {
			return fmt.Errorf("interval %d confidence %.3f out of range", i, iv.Confidence)
		}
		if i > 0 && math.Abs(iv.Start-r.Intervals[i-1].End) > eps {
			return fmt.Errorf("gap or overlap between interval %d and %d: %.6f != %.6f",
				i-1, i, r.Intervals[i-1].End, iv.Start)
		}
	}

	last := r.Intervals[len(r.Intervals)-1]
	if math.Abs(last.End-r.TotalDuration) > eps {
		return fmt.Errorf("timeline ends at %.6f, want %.6f", last.End, r.TotalDuration)
	}

	return nil
}
