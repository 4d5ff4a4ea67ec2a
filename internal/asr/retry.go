package asr

import (
	"context"
	"fmt"
	"log/slog"
	"time"
)

// RetryConfig bounds how often a failed recognition is repeated
type RetryConfig struct {
	MaxRetries int           // extra attempts after the first one
	Delay      time.Duration // delay before the first retry
	Backoff    bool          // double the delay after every retry
	MaxDelay   time.Duration // upper bound for the delay, 0 for none
}

// DefaultRetryConfig returns three retries one second apart
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries: 3,
		Delay:      time.Second,
		MaxDelay:   30 * time.Second,
	}
}

// Retrying wraps a Recognizer and repeats calls that fail with a retryable
// error. Non-retryable errors and cancellation are returned at once.
type Retrying struct {
	next   Recognizer
	config RetryConfig
	logger *slog.Logger

	// OnRetry is called before every retry with the attempt number (1-based)
	OnRetry func(attempt int, err error)

	sleep func(ctx context.Context, d time.Duration) error
}

var _ Recognizer = (*Retrying)(nil)

// WithRetry decorates next with retry behaviour
func WithRetry(next Recognizer, config RetryConfig, logger *slog.Logger) *Retrying {
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Retrying{
		next:   next,
		config: config,
		logger: logger,
		sleep:  sleepContext,
	}
}

// Recognize calls the wrapped recognizer up to MaxRetries+1 times
func (r *Retrying) Recognize(ctx context.Context, req *Request) (*Result, error) {
	delay := r.config.Delay

	var lastErr error
	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			r.logger.Warn("Retrying recognition",
				slog.String("audio", req.AudioPath),
				slog.Int("attempt", attempt),
				slog.Duration("delay", delay),
				slog.String("error", lastErr.Error()))

			if r.OnRetry != nil {
				r.OnRetry(attempt, lastErr)
			}
			if err := r.sleep(ctx, delay); err != nil {
				return nil, err
			}
			delay = r.nextDelay(delay)
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, err := r.next.Recognize(ctx, req)
		if err == nil {
			return result, nil
		}
		if !IsRetryable(err) {
			return nil, err
		}
		lastErr = err
	}

	return nil, fmt.Errorf("recognition failed after %d attempts: %w", r.config.MaxRetries+1, lastErr)
}

func (r *Retrying) nextDelay(d time.Duration) time.Duration {
	if !r.config.Backoff {
		return d
	}
	d *= 2
	if r.config.MaxDelay > 0 && d > r.config.MaxDelay {
		d = r.config.MaxDelay
	}
	return d
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
