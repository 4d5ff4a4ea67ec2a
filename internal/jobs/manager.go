package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/skypro1111/voicer/internal/pipeline"
)

var (
	ErrJobNotFound    = errors.New("job not found")
	ErrJobFinished    = errors.New("job already finished")
	ErrQueueFull      = errors.New("job queue is full")
	ErrManagerStopped = errors.New("job manager is stopped")
)

// Status is the lifecycle state of a job
type Status string

const (
	StatusQueued    Status = "queued"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Finished reports whether the status is terminal
func (s Status) Finished() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusCancelled
}

// Runner executes one transcription run
type Runner interface {
	Run(ctx context.Context, input, scenario string, progress pipeline.ProgressFunc) (*pipeline.Result, error)
}

// Gauges receives queue depth updates
type Gauges interface {
	SetActiveJobs(count int)
	SetQueuedJobs(count int)
}

type nopGauges struct{}

func (nopGauges) SetActiveJobs(int) {}

func (nopGauges) SetQueuedJobs(int) {}

// Config contains job manager configuration
type Config struct {
	MaxConcurrent   int
	MaxQueued       int
	Retention       time.Duration
	CleanupInterval time.Duration
}

// Event is delivered to subscribers of a job
type Event struct {
	JobID    string             `json:"job_id"`
	Type     string             `json:"type"` // "progress" or "status"
	Status   Status             `json:"status"`
	Progress *pipeline.Progress `json:"progress,omitempty"`
	Error    string             `json:"error,omitempty"`
}

// Job is a background transcription run
type Job struct {
	ID         string
	Input      string
	Scenario   string
	CreatedAt  time.Time
	StartedAt  time.Time
	FinishedAt time.Time

	// ownsInput marks an uploaded input that is deleted together with the
	// job's output files when the job expires
	ownsInput bool

	status   Status
	progress pipeline.Progress
	result   *pipeline.Result
	err      error

	cancel      context.CancelFunc
	done        chan struct{}
	subscribers map[int]chan Event
	nextSub     int

	mu sync.RWMutex
}

// Info is a snapshot of a job for APIs
type Info struct {
	ID         string            `json:"id"`
	Input      string            `json:"input"`
	Scenario   string            `json:"scenario,omitempty"`
	Status     Status            `json:"status"`
	Progress   pipeline.Progress `json:"progress"`
	CreatedAt  time.Time         `json:"created_at"`
	StartedAt  *time.Time        `json:"started_at,omitempty"`
	FinishedAt *time.Time        `json:"finished_at,omitempty"`
	Error      string            `json:"error,omitempty"`
	Result     *pipeline.Result  `json:"result,omitempty"`
}

// Stats contains job manager counters
type Stats struct {
	Submitted uint64 `json:"submitted"`
	Succeeded uint64 `json:"succeeded"`
	Failed    uint64 `json:"failed"`
	Cancelled uint64 `json:"cancelled"`
	Rejected  uint64 `json:"rejected"`
	Active    int    `json:"active"`
	Queued    int    `json:"queued"`
	Retained  int    `json:"retained"`
}

// Manager runs jobs in the background with bounded concurrency and expires
// finished jobs after the retention period
type Manager struct {
	jobs   map[string]*Job
	mu     sync.RWMutex
	logger *slog.Logger
	runner Runner
	gauges Gauges
	config Config
	slots  *semaphore.Weighted

	active int
	queued int
	stats  Stats

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	cleanup chan struct{}
	stopped bool
}

// NewManager creates a job manager and starts its cleanup routine. gauges may be nil.
func NewManager(logger *slog.Logger, runner Runner, config Config, gauges Gauges) (*Manager, error) {
	if runner == nil {
		return nil, fmt.Errorf("runner is required")
	}
	if config.MaxConcurrent < 1 {
		return nil, fmt.Errorf("max concurrent must be at least 1, got %d", config.MaxConcurrent)
	}
	if config.MaxQueued < 1 {
		return nil, fmt.Errorf("max queued must be at least 1, got %d", config.MaxQueued)
	}
	if config.Retention <= 0 {
		config.Retention = time.Hour
	}
	if config.CleanupInterval <= 0 {
		config.CleanupInterval = time.Minute
	}
	if gauges == nil {
		gauges = nopGauges{}
	}

	ctx, cancel := context.WithCancel(context.Background())

	m := &Manager{
		jobs:    make(map[string]*Job),
		logger:  logger,
		runner:  runner,
		gauges:  gauges,
		config:  config,
		slots:   semaphore.NewWeighted(int64(config.MaxConcurrent)),
		ctx:     ctx,
		cancel:  cancel,
		cleanup: make(chan struct{}),
	}

	go m.startCleanupRoutine()

	return m, nil
}

// Submit queues a new job for input and returns its snapshot
func (m *Manager) Submit(input, scenario string) (Info, error) {
	return m.submit(input, scenario, false)
}

// SubmitOwned queues a job that takes ownership of input. The input and the
// transcripts written for it are removed when the job expires or the manager
// stops. A rejected submission leaves input with the caller.
func (m *Manager) SubmitOwned(input, scenario string) (Info, error) {
	return m.submit(input, scenario, true)
}

func (m *Manager) submit(input, scenario string, owned bool) (Info, error) {
	m.mu.Lock()
	if m.stopped {
		m.mu.Unlock()
		return Info{}, ErrManagerStopped
	}
	if m.queued >= m.config.MaxQueued {
		m.stats.Rejected++
		m.mu.Unlock()
		return Info{}, ErrQueueFull
	}

	ctx, cancel := context.WithCancel(m.ctx)
	job := &Job{
		ID:          uuid.NewString(),
		Input:       input,
		Scenario:    scenario,
		CreatedAt:   time.Now(),
		ownsInput:   owned,
		status:      StatusQueued,
		cancel:      cancel,
		done:        make(chan struct{}),
		subscribers: make(map[int]chan Event),
	}
	m.jobs[job.ID] = job
	m.queued++
	m.stats.Submitted++
	m.publishGauges()
	m.wg.Add(1)
	m.mu.Unlock()

	m.logger.Info("Job submitted",
		slog.String("job_id", job.ID),
		slog.String("input", input),
	)

	go m.execute(ctx, job)

	return job.Info(), nil
}

func (m *Manager) execute(ctx context.Context, job *Job) {
	defer m.wg.Done()
	defer job.cancel()

	if err := m.slots.Acquire(ctx, 1); err != nil {
		m.mu.Lock()
		m.queued--
		m.publishGauges()
		m.mu.Unlock()

		m.finish(job, nil, fmt.Errorf("%w while queued: %w", pipeline.ErrUserCancelled, err))
		return
	}
	defer m.slots.Release(1)

	m.mu.Lock()
	m.queued--
	m.active++
	m.publishGauges()
	m.mu.Unlock()

	job.mu.Lock()
	job.status = StatusRunning
	job.StartedAt = time.Now()
	job.mu.Unlock()
	job.broadcast(Event{JobID: job.ID, Type: "status", Status: StatusRunning})

	m.logger.Info("Job started", slog.String("job_id", job.ID))

	result, err := m.runner.Run(ctx, job.Input, job.Scenario, job.onProgress)

	m.mu.Lock()
	m.active--
	m.publishGauges()
	m.mu.Unlock()

	m.finish(job, result, err)
}

func (m *Manager) finish(job *Job, result *pipeline.Result, err error) {
	status := StatusSucceeded
	switch {
	case err == nil:
	case pipeline.IsCancelled(err):
		status = StatusCancelled
	default:
		status = StatusFailed
	}

	job.mu.Lock()
	job.status = status
	job.result = result
	job.err = err
	job.FinishedAt = time.Now()
	job.mu.Unlock()

	m.mu.Lock()
	switch status {
	case StatusSucceeded:
		m.stats.Succeeded++
	case StatusCancelled:
		m.stats.Cancelled++
	default:
		m.stats.Failed++
	}
	m.mu.Unlock()

	final := Event{JobID: job.ID, Type: "status", Status: status}
	if err != nil {
		final.Error = err.Error()
	}
	job.broadcast(final)
	job.closeSubscribers()
	close(job.done)

	attrs := []any{
		slog.String("job_id", job.ID),
		slog.String("status", string(status)),
	}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
		m.logger.Warn("Job finished", attrs...)
		return
	}
	m.logger.Info("Job finished", attrs...)
}

// publishGauges must be called with m.mu held
func (m *Manager) publishGauges() {
	m.gauges.SetActiveJobs(m.active)
	m.gauges.SetQueuedJobs(m.queued)
}

// Get returns a snapshot of the job
func (m *Manager) Get(id string) (Info, bool) {
	m.mu.RLock()
	job, exists := m.jobs[id]
	m.mu.RUnlock()

	if !exists {
		return Info{}, false
	}
	return job.Info(), true
}

// List returns snapshots of all retained jobs, oldest first
func (m *Manager) List() []Info {
	m.mu.RLock()
	jobs := make([]*Job, 0, len(m.jobs))
	for _, job := range m.jobs {
		jobs = append(jobs, job)
	}
	m.mu.RUnlock()

	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.Before(jobs[j].CreatedAt)
	})

	infos := make([]Info, 0, len(jobs))
	for _, job := range jobs {
		infos = append(infos, job.Info())
	}
	return infos
}

// Cancel requests cancellation of a queued or running job
func (m *Manager) Cancel(id string) error {
	m.mu.RLock()
	job, exists := m.jobs[id]
	m.mu.RUnlock()

	if !exists {
		return ErrJobNotFound
	}

	job.mu.RLock()
	status := job.status
	job.mu.RUnlock()

	if status.Finished() {
		return ErrJobFinished
	}

	m.logger.Info("Cancelling job", slog.String("job_id", id))
	job.cancel()
	return nil
}

// Subscribe returns a channel of events for the job and a function that
// releases the subscription. The channel is closed when the job finishes;
// slow readers may miss progress events but can read the final state with Get.
func (m *Manager) Subscribe(id string) (<-chan Event, func(), error) {
	m.mu.RLock()
	job, exists := m.jobs[id]
	m.mu.RUnlock()

	if !exists {
		return nil, nil, ErrJobNotFound
	}

	job.mu.Lock()
	defer job.mu.Unlock()

	ch := make(chan Event, 32)
	if job.status.Finished() {
		close(ch)
		return ch, func() {}, nil
	}

	key := job.nextSub
	job.nextSub++
	job.subscribers[key] = ch

	unsubscribe := func() {
		job.mu.Lock()
		defer job.mu.Unlock()
		if sub, ok := job.subscribers[key]; ok {
			delete(job.subscribers, key)
			close(sub)
		}
	}
	return ch, unsubscribe, nil
}

// Wait blocks until the job finishes or ctx is done
func (m *Manager) Wait(ctx context.Context, id string) (Info, error) {
	m.mu.RLock()
	job, exists := m.jobs[id]
	m.mu.RUnlock()

	if !exists {
		return Info{}, ErrJobNotFound
	}

	select {
	case <-job.done:
		return job.Info(), nil
	case <-ctx.Done():
		return job.Info(), ctx.Err()
	}
}

// GetStats returns current job manager statistics
func (m *Manager) GetStats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := m.stats
	stats.Active = m.active
	stats.Queued = m.queued
	stats.Retained = len(m.jobs)
	return stats
}

// Stop cancels all jobs and waits for them to finish or ctx to expire
func (m *Manager) Stop(ctx context.Context) error {
	m.logger.Info("Stopping job manager...")

	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

	m.cancel()
	<-m.cleanup

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("jobs still running after shutdown timeout: %w", ctx.Err())
	}

	m.mu.Lock()
	for _, job := range m.jobs {
		m.removeOwnedFiles(job)
	}
	m.mu.Unlock()

	stats := m.GetStats()
	m.logger.Info("Job manager stopped",
		slog.Uint64("submitted", stats.Submitted),
		slog.Uint64("succeeded", stats.Succeeded),
		slog.Uint64("failed", stats.Failed),
		slog.Uint64("cancelled", stats.Cancelled),
	)
	return nil
}

// startCleanupRoutine runs in a separate goroutine to expire finished jobs
func (m *Manager) startCleanupRoutine() {
	defer close(m.cleanup)

	ticker := time.NewTicker(m.config.CleanupInterval)
	defer ticker.Stop()

	m.logger.Debug("Job cleanup routine started",
		slog.Duration("retention", m.config.Retention),
		slog.Duration("check_interval", m.config.CleanupInterval),
	)

	for {
		select {
		case <-m.ctx.Done():
			return
		case <-ticker.C:
			m.cleanupExpiredJobs(time.Now())
		}
	}
}

// cleanupExpiredJobs removes jobs that finished more than the retention period before now
func (m *Manager) cleanupExpiredJobs(now time.Time) int {
	m.mu.Lock()
	defer m.mu.Unlock()

	removed := 0
	for id, job := range m.jobs {
		job.mu.RLock()
		expired := job.status.Finished() && now.Sub(job.FinishedAt) > m.config.Retention
		job.mu.RUnlock()

		if expired {
			delete(m.jobs, id)
			m.removeOwnedFiles(job)
			removed++
		}
	}

	if removed > 0 {
		m.logger.Info("Cleaned up expired jobs", slog.Int("expired_count", removed))
	}
	return removed
}

// removeOwnedFiles deletes the upload of a finished owned job and its outputs
func (m *Manager) removeOwnedFiles(job *Job) {
	if !job.ownsInput {
		return
	}

	job.mu.RLock()
	paths := []string{job.Input}
	if job.result != nil {
		for _, path := range job.result.OutputFiles {
			paths = append(paths, path)
		}
	}
	job.mu.RUnlock()

	for _, path := range paths {
		if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
			m.logger.Warn("Failed to remove job file",
				slog.String("job_id", job.ID),
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
		}
	}
}

// Info returns a snapshot of the job
func (j *Job) Info() Info {
	j.mu.RLock()
	defer j.mu.RUnlock()

	info := Info{
		ID:        j.ID,
		Input:     j.Input,
		Scenario:  j.Scenario,
		Status:    j.status,
		Progress:  j.progress,
		CreatedAt: j.CreatedAt,
		Result:    j.result,
	}
	if !j.StartedAt.IsZero() {
		started := j.StartedAt
		info.StartedAt = &started
	}
	if !j.FinishedAt.IsZero() {
		finished := j.FinishedAt
		info.FinishedAt = &finished
	}
	if j.err != nil {
		info.Error = j.err.Error()
	}
	return info
}

func (j *Job) onProgress(p pipeline.Progress) {
	j.mu.Lock()
	j.progress = p
	status := j.status
	j.mu.Unlock()

	j.broadcast(Event{JobID: j.ID, Type: "progress", Status: status, Progress: &p})
}

// broadcast never blocks; a full subscriber buffer drops the event
func (j *Job) broadcast(ev Event) {
	j.mu.RLock()
	defer j.mu.RUnlock()

	for _, ch := range j.subscribers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (j *Job) closeSubscribers() {
	j.mu.Lock()
	defer j.mu.Unlock()

	for key, ch := range j.subscribers {
		delete(j.subscribers, key)
		close(ch)
	}
}
