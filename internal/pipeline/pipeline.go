package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/skypro1111/voicer/internal/asr"
	"github.com/skypro1111/voicer/internal/audio"
	"github.com/skypro1111/voicer/internal/media"
	"github.com/skypro1111/voicer/internal/output"
	"github.com/skypro1111/voicer/internal/promptctx"
	"github.com/skypro1111/voicer/internal/segment"
	"github.com/skypro1111/voicer/internal/vad"
)

// Stage names a step of a run
type Stage string

const (
	StageStart        Stage = "start"
	StageConversion   Stage = "conversion"
	StageVAD          Stage = "vad"
	StageSegmentation Stage = "segmentation"
	StageRecognition  Stage = "recognition"
	StageSave         Stage = "save"
	StageDone         Stage = "done"
)

// State is the terminal or current state of a run
type State string

const (
	StateIdle      State = "idle"
	StateRunning   State = "running"
	StateSucceeded State = "succeeded"
	StateCancelled State = "cancelled"
	StateFailed    State = "failed"
)

// SegmentStatus is the state of one segment within a run
type SegmentStatus string

const (
	SegmentPending    SegmentStatus = "pending"
	SegmentProcessing SegmentStatus = "processing"
	SegmentCompleted  SegmentStatus = "completed"
	SegmentFailed     SegmentStatus = "failed"
)

// Progress is emitted at fixed milestones of a run
type Progress struct {
	Stage   Stage   `json:"stage"`
	Message string  `json:"message"`
	Current int     `json:"current"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
}

// ProgressFunc receives progress events. It is called synchronously from the run.
type ProgressFunc func(Progress)

// Outcome is the recognition result of one segment
type Outcome struct {
	SegmentID    string        `json:"segment_id"`
	Status       SegmentStatus `json:"status"`
	Success      bool          `json:"success"`
	Text         string        `json:"text,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	TokensUsed   int           `json:"tokens_used"`
	RequestID    string        `json:"request_id,omitempty"`
	StartTime    float64       `json:"start_time"`
	EndTime      float64       `json:"end_time"`
	Duration     float64       `json:"duration"`
	Err          error         `json:"-"`
}

// Result is the aggregated result of a run
type Result struct {
	InputPath          string            `json:"input_path"`
	State              State             `json:"state"`
	Success            bool              `json:"success"`
	Text               string            `json:"text"`
	Outcomes           []Outcome         `json:"outcomes"`
	SpeechSegmentCount int               `json:"speech_segment_count"`
	SegmentCount       int               `json:"segment_count"`
	SuccessRate        float64           `json:"success_rate"`
	TotalTokens        int               `json:"total_tokens"`
	AudioDuration      float64           `json:"audio_duration"`
	SpeechDuration     float64           `json:"speech_duration"`
	OutputFiles        map[string]string `json:"output_files,omitempty"`
	Elapsed            time.Duration     `json:"elapsed"`
}

// Preparer turns any input into a 16 kHz mono PCM WAV. converted reports
// whether path is a new file owned by the run.
type Preparer interface {
	Prepare(ctx context.Context, input, workDir string) (path string, converted bool, err error)
}

// Recorder receives run measurements
type Recorder interface {
	ObserveStage(stage string, elapsed time.Duration)
	ObserveSegment(status string, elapsed time.Duration, tokens int)
	ObserveRun(state string, audioSeconds float64, elapsed time.Duration)
}

type nopRecorder struct{}

func (nopRecorder) ObserveStage(string, time.Duration) {}

func (nopRecorder) ObserveSegment(string, time.Duration, int) {}

func (nopRecorder) ObserveRun(string, float64, time.Duration) {}

// Config holds the run parameters
type Config struct {
	WorkDir           string
	OutputDir         string // empty writes next to the input file
	OutputFormats     []string
	SaveOutput        bool
	Language          string
	MaxTokens         int
	Grouping          segment.GroupingConfig
	MaxSegmentSize    int64
	DurationTolerance float64
	SegmentFormat     string
}

// DefaultConfig returns the default run parameters
func DefaultConfig() Config {
	return Config{
		WorkDir:           filepath.Join(os.TempDir(), "voicer"),
		OutputFormats:     []string{output.FormatText},
		SaveOutput:        true,
		Language:          "zh",
		MaxTokens:         promptctx.DefaultMaxTokens,
		Grouping:          segment.DefaultGroupingConfig(),
		MaxSegmentSize:    asr.DefaultMaxFileSize,
		DurationTolerance: 0.5,
		SegmentFormat:     "opus",
	}
}

// Dependencies are the collaborators of a pipeline
type Dependencies struct {
	Preparer   Preparer
	Detector   vad.Detector
	Extractor  media.Extractor
	Prober     media.Prober
	Recognizer asr.Recognizer
	Counter    promptctx.TokenCounter // nil selects the qwen estimate
	Recorder   Recorder               // optional
}

// Pipeline runs audio files through conversion, VAD, grouping, extraction
// and sequential context-aware recognition
type Pipeline struct {
	config  Config
	deps    Dependencies
	grouper *segment.Grouper
	logger  *slog.Logger

	// Statistics
	totalRuns     uint64
	succeededRuns uint64
	failedRuns    uint64
	cancelledRuns uint64
	totalSegments uint64
	failedSegs    uint64

	mu sync.RWMutex
}

// Stats represents pipeline statistics
type Stats struct {
	TotalRuns      uint64               `json:"total_runs"`
	SucceededRuns  uint64               `json:"succeeded_runs"`
	FailedRuns     uint64               `json:"failed_runs"`
	CancelledRuns  uint64               `json:"cancelled_runs"`
	TotalSegments  uint64               `json:"total_segments"`
	FailedSegments uint64               `json:"failed_segments"`
	Grouper        segment.GrouperStats `json:"grouper"`
}

// New creates a pipeline
func New(config Config, deps Dependencies, logger *slog.Logger) (*Pipeline, error) {
	if deps.Preparer == nil || deps.Detector == nil || deps.Extractor == nil ||
		deps.Prober == nil || deps.Recognizer == nil {
		return nil, fmt.Errorf("preparer, detector, extractor, prober and recognizer are required")
	}
	if config.WorkDir == "" {
		return nil, fmt.Errorf("work dir is required")
	}
	if config.MaxSegmentSize <= 0 {
		config.MaxSegmentSize = asr.DefaultMaxFileSize
	}
	if config.SegmentFormat == "" {
		config.SegmentFormat = "opus"
	}
	if config.SaveOutput {
		if _, err := output.NormalizeFormats(config.OutputFormats); err != nil {
			return nil, err
		}
	}
	if deps.Recorder == nil {
		deps.Recorder = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	grouper, err := segment.NewGrouper(config.Grouping, logger)
	if err != nil {
		return nil, fmt.Errorf("grouping config: %w", err)
	}

	if err := os.MkdirAll(config.WorkDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create work dir: %w", err)
	}

	return &Pipeline{
		config:  config,
		deps:    deps,
		grouper: grouper,
		logger:  logger,
	}, nil
}

// run carries the per-run state
type run struct {
	input     string
	dir       string
	converted string
	segments  []*segment.Segment
	progress  ProgressFunc
	cleaned   bool
}

// Run processes one audio file. scenario is placed at the top of every
// recognition prompt. The returned Result is never nil; its State tells
// how the run ended. A cancelled run returns an error matching
// ErrUserCancelled, any other fatal error is a *StageError.
func (p *Pipeline) Run(ctx context.Context, input, scenario string, progress ProgressFunc) (*Result, error) {
	start := time.Now()
	result := &Result{InputPath: input, State: StateRunning}

	r := &run{input: input, progress: progress}
	err := p.run(ctx, r, scenario, result)
	p.cleanup(r)

	result.Elapsed = time.Since(start)
	switch {
	case err == nil:
		result.State = StateSucceeded
		result.Success = true
	case IsCancelled(err):
		result.State = StateCancelled
	default:
		result.State = StateFailed
	}

	p.record(result)
	p.deps.Recorder.ObserveRun(string(result.State), result.AudioDuration, result.Elapsed)

	if err != nil {
		p.logger.Warn("Run ended",
			slog.String("input", input),
			slog.String("state", string(result.State)),
			slog.Duration("elapsed", result.Elapsed),
			slog.String("error", err.Error()))
		return result, err
	}

	p.report(r, StageDone, "done", 100, 100, 100)
	p.logger.Info("Run completed",
		slog.String("input", input),
		slog.Int("segments", result.SegmentCount),
		slog.Float64("success_rate", result.SuccessRate),
		slog.Int("tokens", result.TotalTokens),
		slog.Duration("elapsed", result.Elapsed))

	return result, nil
}

func (p *Pipeline) run(ctx context.Context, r *run, scenario string, result *Result) error {
	if _, err := os.Stat(r.input); err != nil {
		return newStageError(StageStart, CodeInputNotFound, err)
	}

	p.logger.Info("Run started", slog.String("input", r.input))
	p.report(r, StageStart, "starting", 0, 100, 0)

	dir, err := os.MkdirTemp(p.config.WorkDir, "run-*")
	if err != nil {
		return newStageError(StageStart, CodeInternal, fmt.Errorf("failed to create run dir: %w", err))
	}
	r.dir = dir

	// Conversion
	if err := checkCancelled(ctx, StageConversion); err != nil {
		return err
	}
	stageStart := time.Now()
	wav, converted, err := p.deps.Preparer.Prepare(ctx, r.input, r.dir)
	if err != nil {
		if cerr := checkCancelled(ctx, StageConversion); cerr != nil {
			return cerr
		}
		return newStageError(StageConversion, CodeConversionFailed, err)
	}
	if converted {
		r.converted = wav
	}
	p.deps.Recorder.ObserveStage(string(StageConversion), time.Since(stageStart))
	p.report(r, StageConversion, "audio converted", 10, 100, 10)

	// Voice activity detection
	if err := checkCancelled(ctx, StageVAD); err != nil {
		return err
	}
	stageStart = time.Now()
	timeline, err := p.detect(wav)
	if err != nil {
		return newStageError(StageVAD, CodeVADFailed, err)
	}
	speech := timeline.Speech()
	result.AudioDuration = timeline.TotalDuration
	result.SpeechDuration = timeline.SpeechDuration()
	result.SpeechSegmentCount = len(speech)
	p.deps.Recorder.ObserveStage(string(StageVAD), time.Since(stageStart))
	p.logger.Info("Speech detected",
		slog.Int("intervals", len(speech)),
		slog.Float64("speech_sec", result.SpeechDuration),
		slog.Float64("total_sec", result.AudioDuration))
	p.report(r, StageVAD, "voice activity detected", 20, 100, 20)

	// Grouping and extraction
	if err := checkCancelled(ctx, StageSegmentation); err != nil {
		return err
	}
	stageStart = time.Now()
	chunks := p.grouper.Group(speech, timeline.Intervals)
	if len(chunks) == 0 {
		return newStageError(StageSegmentation, CodeNoSpeech, ErrNoSpeechDetected)
	}
	result.SegmentCount = len(chunks)

	segs, outcomes, err := p.materialize(ctx, r, wav, chunks)
	if err != nil {
		return err
	}
	result.Outcomes = outcomes
	p.deps.Recorder.ObserveStage(string(StageSegmentation), time.Since(stageStart))
	p.report(r, StageSegmentation, fmt.Sprintf("%d segments extracted", len(r.segments)), 30, 100, 30)

	// Recognition
	if err := checkCancelled(ctx, StageRecognition); err != nil {
		return err
	}
	stageStart = time.Now()
	p.report(r, StageRecognition, "recognition started", 40, 100, 40)
	err = p.recognize(ctx, r, scenario, segs, result)
	aggregate(result)
	if err != nil {
		return err
	}
	p.deps.Recorder.ObserveStage(string(StageRecognition), time.Since(stageStart))

	// Save
	if err := checkCancelled(ctx, StageSave); err != nil {
		return err
	}
	p.report(r, StageSave, "saving results", 90, 100, 90)
	if p.config.SaveOutput {
		files, err := p.save(r.input, scenario, result)
		if err != nil {
			return newStageError(StageSave, CodeSaveFailed, err)
		}
		result.OutputFiles = files
	}

	return nil
}

// detect reads the prepared WAV and runs the detector on it
func (p *Pipeline) detect(path string) (*vad.Result, error) {
	pcm, err := audio.ReadWAVFile(path)
	if err != nil {
		return nil, err
	}
	timeline, err := p.deps.Detector.Detect(pcm)
	if err != nil {
		return nil, err
	}
	timeline.SourcePath = path
	return timeline, nil
}

// materialize extracts every chunk. A chunk that cannot be extracted gets a
// failed outcome and a nil segment; the run goes on without it.
func (p *Pipeline) materialize(ctx context.Context, r *run, wav string, chunks []segment.Chunk) ([]*segment.Segment, []Outcome, error) {
	m, err := segment.NewMaterializer(segment.MaterializerConfig{
		WorkDir:           r.dir,
		MaxDuration:       p.config.Grouping.MaxDuration,
		MaxSize:           p.config.MaxSegmentSize,
		DurationTolerance: p.config.DurationTolerance,
		Format:            p.config.SegmentFormat,
	}, p.deps.Extractor, p.deps.Prober, p.logger)
	if err != nil {
		return nil, nil, newStageError(StageSegmentation, CodeInternal, err)
	}

	segs := make([]*segment.Segment, len(chunks))
	outcomes := make([]Outcome, len(chunks))
	for i, chunk := range chunks {
		if err := checkCancelled(ctx, StageSegmentation); err != nil {
			return nil, nil, err
		}

		outcomes[i] = Outcome{
			SegmentID: fmt.Sprintf("segment_%03d", chunk.Index),
			Status:    SegmentPending,
			StartTime: chunk.StartTime,
			EndTime:   chunk.EndTime,
			Duration:  chunk.Duration(),
		}

		seg, err := m.Materialize(ctx, wav, chunk)
		if err != nil {
			if cerr := checkCancelled(ctx, StageSegmentation); cerr != nil {
				return nil, nil, cerr
			}
			p.logger.Warn("Segment extraction failed",
				slog.String("segment_id", outcomes[i].SegmentID),
				slog.String("error", err.Error()))
			outcomes[i].fail(fmt.Errorf("%w: %w", ErrSegmentExtraction, err))
			continue
		}

		segs[i] = seg
		r.segments = append(r.segments, seg)
		outcomes[i].Duration = seg.Duration
	}
	return segs, outcomes, nil
}

// recognize walks the segments strictly in order. Segment i's prompt is built
// from the texts of the successful segments before it.
func (p *Pipeline) recognize(ctx context.Context, r *run, scenario string, segs []*segment.Segment, result *Result) error {
	history := promptctx.NewManager(p.config.MaxTokens, p.deps.Counter, p.logger)
	history.SetScenario(scenario)

	n := len(segs)
	for i, seg := range segs {
		if err := checkCancelled(ctx, StageRecognition); err != nil {
			return err
		}

		percent := 40 + float64(i+1)/float64(n)*50
		p.report(r, StageRecognition, fmt.Sprintf("recognizing segment %d/%d", i+1, n), i+1, n, percent)

		out := &result.Outcomes[i]
		if seg == nil {
			p.deps.Recorder.ObserveSegment(string(SegmentFailed), 0, 0)
			continue
		}

		out.Status = SegmentProcessing
		start := time.Now()
		res, err := p.deps.Recognizer.Recognize(ctx, &asr.Request{
			AudioPath: seg.FilePath,
			Prompt:    history.BuildPrompt(),
			Language:  p.config.Language,
		})
		elapsed := time.Since(start)

		if err != nil {
			out.fail(fmt.Errorf("%w: %w", ErrRecognition, err))
			p.deps.Recorder.ObserveSegment(string(SegmentFailed), elapsed, 0)
			p.logger.Warn("Segment recognition failed",
				slog.String("segment_id", out.SegmentID),
				slog.Int("index", i+1),
				slog.Int("total", n),
				slog.String("error", err.Error()))
			continue
		}

		out.Status = SegmentCompleted
		out.Success = true
		out.Text = res.Text
		out.TokensUsed = res.TokensUsed
		out.RequestID = res.RequestID
		history.AddHistory(res.Text)

		p.deps.Recorder.ObserveSegment(string(SegmentCompleted), elapsed, res.TokensUsed)
		p.logger.Debug("Segment recognized",
			slog.String("segment_id", out.SegmentID),
			slog.Int("index", i+1),
			slog.Int("total", n),
			slog.Int("chars", len([]rune(res.Text))),
			slog.Duration("latency", elapsed))
	}
	return nil
}

func (o *Outcome) fail(err error) {
	o.Status = SegmentFailed
	o.Success = false
	o.Err = err
	o.ErrorMessage = err.Error()
}

// aggregate joins the completed texts in order and computes the success rate
func aggregate(result *Result) {
	texts := make([]string, 0, len(result.Outcomes))
	completed := 0
	tokens := 0
	for _, o := range result.Outcomes {
		if o.Status != SegmentCompleted {
			continue
		}
		completed++
		tokens += o.TokensUsed
		texts = append(texts, o.Text)
	}

	result.Text = strings.Join(texts, " ")
	result.TotalTokens = tokens
	result.SuccessRate = 0
	if len(result.Outcomes) > 0 {
		result.SuccessRate = float64(completed) / float64(len(result.Outcomes))
	}
}

func (p *Pipeline) save(input, scenario string, result *Result) (map[string]string, error) {
	dir := p.config.OutputDir
	if dir == "" {
		dir = filepath.Dir(input)
	}
	w, err := output.NewWriter(dir, p.config.OutputFormats)
	if err != nil {
		return nil, err
	}

	t := &output.Transcript{
		Source:      input,
		Scenario:    scenario,
		Text:        result.Text,
		SuccessRate: result.SuccessRate,
		Duration:    result.AudioDuration,
		CreatedAt:   time.Now(),
		Segments:    make([]output.Entry, 0, len(result.Outcomes)),
	}
	for _, o := range result.Outcomes {
		t.Segments = append(t.Segments, output.Entry{
			ID:         o.SegmentID,
			Start:      o.StartTime,
			End:        o.EndTime,
			Text:       o.Text,
			Success:    o.Success,
			Error:      o.ErrorMessage,
			TokensUsed: o.TokensUsed,
			RequestID:  o.RequestID,
		})
	}

	name := strings.TrimSuffix(filepath.Base(input), filepath.Ext(input))
	return w.Save(name, t)
}

// cleanup removes the segment files, the converted input and the run dir.
// The original input is never touched.
func (p *Pipeline) cleanup(r *run) {
	if r.cleaned {
		return
	}
	r.cleaned = true

	for _, seg := range r.segments {
		if err := os.Remove(seg.FilePath); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("Failed to remove segment file",
				slog.String("path", seg.FilePath),
				slog.String("error", err.Error()))
		}
	}
	if r.converted != "" && r.converted != r.input {
		if err := os.Remove(r.converted); err != nil && !errors.Is(err, os.ErrNotExist) {
			p.logger.Warn("Failed to remove converted file",
				slog.String("path", r.converted),
				slog.String("error", err.Error()))
		}
	}
	if r.dir != "" {
		if err := os.RemoveAll(r.dir); err != nil {
			p.logger.Warn("Failed to remove run dir",
				slog.String("path", r.dir),
				slog.String("error", err.Error()))
		}
	}
}

func (p *Pipeline) report(r *run, stage Stage, msg string, current, total int, percent float64) {
	p.logger.Debug("Progress",
		slog.String("stage", string(stage)),
		slog.Float64("percent", percent))
	if r.progress != nil {
		r.progress(Progress{
			Stage:   stage,
			Message: msg,
			Current: current,
			Total:   total,
			Percent: percent,
		})
	}
}

func checkCancelled(ctx context.Context, stage Stage) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w before %s: %w", ErrUserCancelled, stage, err)
	}
	return nil
}

func (p *Pipeline) record(result *Result) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.totalRuns++
	switch result.State {
	case StateSucceeded:
		p.succeededRuns++
	case StateCancelled:
		p.cancelledRuns++
	default:
		p.failedRuns++
	}
	for _, o := range result.Outcomes {
		p.totalSegments++
		if o.Status == SegmentFailed {
			p.failedSegs++
		}
	}
}

// GetStats returns current pipeline statistics
func (p *Pipeline) GetStats() Stats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return Stats{
		TotalRuns:      p.totalRuns,
		SucceededRuns:  p.succeededRuns,
		FailedRuns:     p.failedRuns,
		CancelledRuns:  p.cancelledRuns,
		TotalSegments:  p.totalSegments,
		FailedSegments: p.failedSegs,
		Grouper:        p.grouper.GetStats(),
	}
}
