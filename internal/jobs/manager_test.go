package jobs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skypro1111/voicer/internal/pipeline"
)

// blockingRunner reports one progress event, then waits for release or cancellation
type blockingRunner struct {
	release chan struct{}
	started chan string
	err     error
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		release: make(chan struct{}),
		started: make(chan string, 16),
	}
}

func (r *blockingRunner) Run(ctx context.Context, input, scenario string, progress pipeline.ProgressFunc) (*pipeline.Result, error) {
	progress(pipeline.Progress{Stage: pipeline.StageStart, Message: "start", Percent: 0})
	r.started <- input

	select {
	case <-ctx.Done():
		return &pipeline.Result{InputPath: input, State: pipeline.StateCancelled},
			fmt.Errorf("%w before recognition: %w", pipeline.ErrUserCancelled, ctx.Err())
	case <-r.release:
	}

	if r.err != nil {
		return &pipeline.Result{InputPath: input, State: pipeline.StateFailed}, r.err
	}
	progress(pipeline.Progress{Stage: pipeline.StageDone, Message: "done", Percent: 100})
	return &pipeline.Result{InputPath: input, State: pipeline.StateSucceeded, Success: true, Text: "hello " + scenario}, nil
}

type recordingGauges struct {
	mu     sync.Mutex
	active []int
	queued []int
}

func (g *recordingGauges) SetActiveJobs(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.active = append(g.active, n)
}

func (g *recordingGauges) SetQueuedJobs(n int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.queued = append(g.queued, n)
}

func (g *recordingGauges) maxActive() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	max := 0
	for _, n := range g.active {
		if n > max {
			max = n
		}
	}
	return max
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, runner Runner, config Config, gauges Gauges) *Manager {
	t.Helper()
	m, err := NewManager(testLogger(), runner, config, gauges)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = m.Stop(ctx)
	})
	return m
}

func waitStarted(t *testing.T, r *blockingRunner) string {
	t.Helper()
	select {
	case input := <-r.started:
		return input
	case <-time.After(2 * time.Second):
		t.Fatal("runner did not start")
		return ""
	}
}

func waitJob(t *testing.T, m *Manager, id string) Info {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	info, err := m.Wait(ctx, id)
	require.NoError(t, err)
	return info
}

func TestNewManagerValidation(t *testing.T) {
	_, err := NewManager(testLogger(), nil, Config{MaxConcurrent: 1, MaxQueued: 1}, nil)
	assert.Error(t, err)

	_, err = NewManager(testLogger(), newBlockingRunner(), Config{MaxConcurrent: 0, MaxQueued: 1}, nil)
	assert.Error(t, err)

	_, err = NewManager(testLogger(), newBlockingRunner(), Config{MaxConcurrent: 1, MaxQueued: 0}, nil)
	assert.Error(t, err)
}

func TestSubmitRunsToCompletion(t *testing.T) {
	runner := newBlockingRunner()
	m := newTestManager(t, runner, Config{MaxConcurrent: 1, MaxQueued: 10}, nil)

	info, err := m.Submit("meeting.wav", "standup")
	require.NoError(t, err)
	assert.NotEmpty(t, info.ID)
	assert.Equal(t, StatusQueued, info.Status)

	assert.Equal(t, "meeting.wav", waitStarted(t, runner))
	close(runner.release)

	final := waitJob(t, m, info.ID)
	assert.Equal(t, StatusSucceeded, final.Status)
	require.NotNil(t, final.Result)
	assert.Equal(t, "hello standup", final.Result.Text)
	assert.Equal(t, pipeline.StageDone, final.Progress.Stage)
	assert.NotNil(t, final.StartedAt)
	assert.NotNil(t, final.FinishedAt)
	assert.Empty(t, final.Error)

	stats := m.GetStats()
	assert.Equal(t, uint64(1), stats.Submitted)
	assert.Equal(t, uint64(1), stats.Succeeded)
	assert.Equal(t, 0, stats.Active)
	assert.Equal(t, 0, stats.Queued)
}

func TestFailedJob(t *testing.T) {
	runner := newBlockingRunner()
	runner.err = errors.New("[VAD_FAILED] vad stage: boom")
	m := newTestManager(t, runner, Config{MaxConcurrent: 1, MaxQueued: 10}, nil)

	info, err := m.Submit("a.wav", "")
	require.NoError(t, err)
	waitStarted(t, runner)
	close(runner.release)

	final := waitJob(t, m, info.ID)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.Error, "boom")
	assert.Equal(t, uint64(1), m.GetStats().Failed)
}

func TestConcurrencyLimit(t *testing.T) {
	runner := newBlockingRunner()
	gauges := &recordingGauges{}
	m := newTestManager(t, runner, Config{MaxConcurrent: 2, MaxQueued: 10}, gauges)

	ids := make([]string, 0, 4)
	for i := 0; i < 4; i++ {
		info, err := m.Submit(fmt.Sprintf("%d.wav", i), "")
		require.NoError(t, err)
		ids = append(ids, info.ID)
	}

	waitStarted(t, runner)
	waitStarted(t, runner)

	select {
	case input := <-runner.started:
		t.Fatalf("third job %s started while two slots were busy", input)
	case <-time.After(100 * time.Millisecond):
	}

	stats := m.GetStats()
	assert.Equal(t, 2, stats.Active)
	assert.Equal(t, 2, stats.Queued)

	close(runner.release)
	for _, id := range ids {
		assert.Equal(t, StatusSucceeded, waitJob(t, m, id).Status)
	}
	assert.LessOrEqual(t, gauges.maxActive(), 2)
}

func TestQueueFull(t *testing.T) {
	runner := newBlockingRunner()
	m := newTestManager(t, runner, Config{MaxConcurrent: 1, MaxQueued: 1}, nil)

	first, err := m.Submit("1.wav", "")
	require.NoError(t, err)
	waitStarted(t, runner)

	_, err = m.Submit("2.wav", "")
	require.NoError(t, err)

	_, err = m.Submit("3.wav", "")
	assert.ErrorIs(t, err, ErrQueueFull)
	assert.Equal(t, uint64(1), m.GetStats().Rejected)

	close(runner.release)
	waitJob(t, m, first.ID)
}

func TestCancelRunningJob(t *testing.T) {
	runner := newBlockingRunner()
	m := newTestManager(t, runner, Config{MaxConcurrent: 1, MaxQueued: 10}, nil)

	info, err := m.Submit("a.wav", "")
	require.NoError(t, err)
	waitStarted(t, runner)

	require.NoError(t, m.Cancel(info.ID))

	final := waitJob(t, m, info.ID)
	assert.Equal(t, StatusCancelled, final.Status)
	assert.Contains(t, final.Error, "cancelled")

	assert.ErrorIs(t, m.Cancel(info.ID), ErrJobFinished)
	assert.ErrorIs(t, m.Cancel("missing"), ErrJobNotFound)
}

func TestCancelQueuedJob(t *testing.T) {
	runner := newBlockingRunner()
	m := newTestManager(t, runner, Config{MaxConcurrent: 1, MaxQueued: 10}, nil)

	running, err := m.Submit("1.wav", "")
	require.NoError(t, err)
	waitStarted(t, runner)

	queued, err := m.Submit("2.wav", "")
	require.NoError(t, err)
	require.NoError(t, m.Cancel(queued.ID))

	final := waitJob(t, m, queued.ID)
	assert.Equal(t, StatusCancelled, final.Status)
	assert.Nil(t, final.StartedAt)
	assert.Equal(t, 0, m.GetStats().Queued)

	close(runner.release)
	assert.Equal(t, StatusSucceeded, waitJob(t, m, running.ID).Status)
}

func TestSubscribeReceivesEvents(t *testing.T) {
	runner := newBlockingRunner()
	m := newTestManager(t, runner, Config{MaxConcurrent: 1, MaxQueued: 10}, nil)

	// Occupy the only slot so the second job cannot start before subscribing.
	blocker, err := m.Submit("blocker.wav", "")
	require.NoError(t, err)
	waitStarted(t, runner)

	info, err := m.Submit("a.wav", "")
	require.NoError(t, err)

	events, unsubscribe, err := m.Subscribe(info.ID)
	require.NoError(t, err)
	defer unsubscribe()

	close(runner.release)

	var got []Event
	for ev := range events {
		got = append(got, ev)
	}

	require.NotEmpty(t, got)
	last := got[len(got)-1]
	assert.Equal(t, "status", last.Type)
	assert.Equal(t, StatusSucceeded, last.Status)

	var sawRunning, sawProgress bool
	for _, ev := range got {
		assert.Equal(t, info.ID, ev.JobID)
		if ev.Type == "status" && ev.Status == StatusRunning {
			sawRunning = true
		}
		if ev.Type == "progress" && ev.Progress != nil {
			sawProgress = true
		}
	}
	assert.True(t, sawRunning)
	assert.True(t, sawProgress)

	waitJob(t, m, blocker.ID)
}

func TestSubscribeFinishedJob(t *testing.T) {
	runner := newBlockingRunner()
	close(runner.release)
	m := newTestManager(t, runner, Config{MaxConcurrent: 1, MaxQueued: 10}, nil)

	info, err := m.Submit("a.wav", "")
	require.NoError(t, err)
	waitJob(t, m, info.ID)

	events, unsubscribe, err := m.Subscribe(info.ID)
	require.NoError(t, err)
	defer unsubscribe()

	_, open := <-events
	assert.False(t, open)

	_, _, err = m.Subscribe("missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestListOrderAndGet(t *testing.T) {
	runner := newBlockingRunner()
	close(runner.release)
	m := newTestManager(t, runner, Config{MaxConcurrent: 1, MaxQueued: 10}, nil)

	first, err := m.Submit("1.wav", "")
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := m.Submit("2.wav", "")
	require.NoError(t, err)

	waitJob(t, m, first.ID)
	waitJob(t, m, second.ID)

	list := m.List()
	require.Len(t, list, 2)
	assert.Equal(t, first.ID, list[0].ID)
	assert.Equal(t, second.ID, list[1].ID)

	got, ok := m.Get(second.ID)
	assert.True(t, ok)
	assert.Equal(t, "2.wav", got.Input)

	_, ok = m.Get("missing")
	assert.False(t, ok)
}

func TestCleanupExpiredJobs(t *testing.T) {
	runner := newBlockingRunner()
	m := newTestManager(t, runner, Config{MaxConcurrent: 1, MaxQueued: 10, Retention: time.Minute}, nil)

	done, err := m.Submit("done.wav", "")
	require.NoError(t, err)
	waitStarted(t, runner)
	close(runner.release)
	waitJob(t, m, done.ID)

	assert.Equal(t, 0, m.cleanupExpiredJobs(time.Now()))
	assert.Equal(t, 1, m.cleanupExpiredJobs(time.Now().Add(2*time.Minute)))

	_, ok := m.Get(done.ID)
	assert.False(t, ok)
	assert.Equal(t, 0, m.GetStats().Retained)
}

// outputRunner writes a transcript next to the input like the pipeline does
type outputRunner struct{}

func (outputRunner) Run(ctx context.Context, input, scenario string, progress pipeline.ProgressFunc) (*pipeline.Result, error) {
	txt := strings.TrimSuffix(input, filepath.Ext(input)) + ".txt"
	if err := os.WriteFile(txt, []byte("hello"), 0644); err != nil {
		return &pipeline.Result{InputPath: input, State: pipeline.StateFailed}, err
	}
	return &pipeline.Result{
		InputPath:   input,
		State:       pipeline.StateSucceeded,
		Success:     true,
		Text:        "hello",
		OutputFiles: map[string]string{"txt": txt},
	}, nil
}

func TestCleanupRemovesOwnedFiles(t *testing.T) {
	m := newTestManager(t, outputRunner{}, Config{MaxConcurrent: 2, MaxQueued: 10, Retention: time.Minute}, nil)
	dir := t.TempDir()

	uploaded := filepath.Join(dir, "upload.wav")
	shared := filepath.Join(dir, "shared.wav")
	for _, path := range []string{uploaded, shared} {
		require.NoError(t, os.WriteFile(path, []byte("RIFF"), 0644))
	}

	owned, err := m.SubmitOwned(uploaded, "")
	require.NoError(t, err)
	plain, err := m.Submit(shared, "")
	require.NoError(t, err)
	waitJob(t, m, owned.ID)
	waitJob(t, m, plain.ID)

	assert.FileExists(t, uploaded)
	assert.FileExists(t, filepath.Join(dir, "upload.txt"))

	assert.Equal(t, 2, m.cleanupExpiredJobs(time.Now().Add(2*time.Minute)))

	assert.NoFileExists(t, uploaded)
	assert.NoFileExists(t, filepath.Join(dir, "upload.txt"))
	assert.FileExists(t, shared)
	assert.FileExists(t, filepath.Join(dir, "shared.txt"))
}

func TestStopCancelsJobs(t *testing.T) {
	runner := newBlockingRunner()
	m, err := NewManager(testLogger(), runner, Config{MaxConcurrent: 1, MaxQueued: 10}, nil)
	require.NoError(t, err)

	info, err := m.Submit("a.wav", "")
	require.NoError(t, err)
	waitStarted(t, runner)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, m.Stop(ctx))

	got, ok := m.Get(info.ID)
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, got.Status)

	_, err = m.Submit("b.wav", "")
	assert.ErrorIs(t, err, ErrManagerStopped)
}
