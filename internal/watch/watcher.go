package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/skypro1111/voicer/internal/jobs"
)

// Submitter queues a transcription job
type Submitter interface {
	Submit(input, scenario string) (jobs.Info, error)
}

// Counter receives one call per detected file
type Counter interface {
	RecordFileDetected()
}

type nopCounter struct{}

func (nopCounter) RecordFileDetected() {}

// Config contains folder watcher configuration
type Config struct {
	Dir             string
	Extensions      []string
	SettleDelay     time.Duration // quiet period before a file is submitted
	Scenario        string
	ProcessExisting bool // submit matching files already in Dir at startup
}

// Watcher submits audio files that appear in a directory once they stop changing
type Watcher struct {
	config     Config
	extensions map[string]bool
	submitter  Submitter
	counter    Counter
	logger     *slog.Logger

	pending   map[string]time.Time // path -> last write
	submitted map[string]bool
}

// New creates a watcher. counter may be nil.
func New(config Config, submitter Submitter, counter Counter, logger *slog.Logger) (*Watcher, error) {
	if submitter == nil {
		return nil, fmt.Errorf("submitter is required")
	}
	if len(config.Extensions) == 0 {
		return nil, fmt.Errorf("at least one extension is required")
	}
	info, err := os.Stat(config.Dir)
	if err != nil {
		return nil, fmt.Errorf("watch dir: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("watch dir %s is not a directory", config.Dir)
	}
	if counter == nil {
		counter = nopCounter{}
	}

	exts := make(map[string]bool, len(config.Extensions))
	for _, ext := range config.Extensions {
		exts[strings.ToLower(ext)] = true
	}

	return &Watcher{
		config:     config,
		extensions: exts,
		submitter:  submitter,
		counter:    counter,
		logger:     logger,
		pending:    make(map[string]time.Time),
		submitted:  make(map[string]bool),
	}, nil
}

// Run watches the directory until ctx is done
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() {
		if err := watcher.Close(); err != nil {
			w.logger.Warn("Failed to close watcher", slog.String("error", err.Error()))
		}
	}()

	if err := watcher.Add(w.config.Dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.config.Dir, err)
	}

	w.logger.Info("Watching directory",
		slog.String("dir", w.config.Dir),
		slog.Any("extensions", w.config.Extensions),
		slog.Duration("settle_delay", w.config.SettleDelay),
	)

	if w.config.ProcessExisting {
		if err := w.scanExisting(time.Now()); err != nil {
			return err
		}
	}

	interval := w.config.SettleDelay / 4
	if interval < 50*time.Millisecond {
		interval = 50 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Directory watcher stopping", slog.Int("pending", len(w.pending)))
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return errors.New("watcher event channel closed")
			}
			w.handleEvent(event, time.Now())

		case err, ok := <-watcher.Errors:
			if !ok {
				return errors.New("watcher error channel closed")
			}
			w.logger.Warn("Watcher error", slog.String("error", err.Error()))

		case now := <-ticker.C:
			w.flush(now)
		}
	}
}

func (w *Watcher) matches(path string) bool {
	base := filepath.Base(path)
	if strings.HasPrefix(base, ".") {
		return false
	}
	return w.extensions[strings.ToLower(filepath.Ext(base))]
}

func (w *Watcher) handleEvent(event fsnotify.Event, now time.Time) {
	if !w.matches(event.Name) {
		return
	}

	switch {
	case event.Has(fsnotify.Remove), event.Has(fsnotify.Rename):
		delete(w.pending, event.Name)
		delete(w.submitted, event.Name)

	case event.Has(fsnotify.Create), event.Has(fsnotify.Write):
		if w.submitted[event.Name] {
			return
		}
		if _, seen := w.pending[event.Name]; !seen {
			w.counter.RecordFileDetected()
			w.logger.Debug("Detected file", slog.String("path", event.Name))
		}
		w.pending[event.Name] = now
	}
}

// flush submits pending files that have been quiet for the settle delay
// and returns their paths in lexical order
func (w *Watcher) flush(now time.Time) []string {
	ready := make([]string, 0)
	for path, last := range w.pending {
		if now.Sub(last) >= w.config.SettleDelay {
			ready = append(ready, path)
		}
	}
	sort.Strings(ready)

	for _, path := range ready {
		delete(w.pending, path)

		info, err := os.Stat(path)
		if err != nil || info.IsDir() {
			continue
		}

		job, err := w.submitter.Submit(path, w.config.Scenario)
		if err != nil {
			// Leave it pending so the next tick retries, e.g. when the queue is full.
			w.pending[path] = now
			w.logger.Warn("Failed to submit file",
				slog.String("path", path),
				slog.String("error", err.Error()),
			)
			continue
		}

		w.submitted[path] = true
		w.logger.Info("Submitted file",
			slog.String("path", path),
			slog.String("job_id", job.ID),
			slog.Int64("size", info.Size()),
		)
	}
	return ready
}

func (w *Watcher) scanExisting(now time.Time) error {
	entries, err := os.ReadDir(w.config.Dir)
	if err != nil {
		return fmt.Errorf("failed to list %s: %w", w.config.Dir, err)
	}

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(w.config.Dir, entry.Name())
		w.handleEvent(fsnotify.Event{Name: path, Op: fsnotify.Create}, now.Add(-w.config.SettleDelay))
	}
	return nil
}
