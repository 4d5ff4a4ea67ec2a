package asr

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedRecognizer returns the scripted errors in order, then succeeds
type scriptedRecognizer struct {
	mu    sync.Mutex
	errs  []error
	calls int
	stats ClientStats
}

func (s *scriptedRecognizer) Recognize(ctx context.Context, req *Request) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	if len(s.errs) > 0 {
		err := s.errs[0]
		s.errs = s.errs[1:]
		return nil, err
	}
	return &Result{Text: "recognized " + req.AudioPath, Provider: "scripted"}, nil
}

func (s *scriptedRecognizer) GetStats() ClientStats { return s.stats }

func (s *scriptedRecognizer) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

func retryable() error {
	return &Error{Provider: "test", StatusCode: 503, Message: "unavailable", Retryable: true}
}

func permanent() error {
	return &Error{Provider: "test", StatusCode: 400, Message: "bad request"}
}

// newFastRetry records the requested delays instead of sleeping
func newFastRetry(next Recognizer, config RetryConfig) (*Retrying, *[]time.Duration) {
	r := WithRetry(next, config, nil)
	var delays []time.Duration
	r.sleep = func(ctx context.Context, d time.Duration) error {
		delays = append(delays, d)
		return ctx.Err()
	}
	return r, &delays
}

func TestRetryingSucceedsAfterTransientErrors(t *testing.T) {
	inner := &scriptedRecognizer{errs: []error{retryable(), retryable()}}
	r, delays := newFastRetry(inner, DefaultRetryConfig())

	var attempts []int
	r.OnRetry = func(attempt int, err error) { attempts = append(attempts, attempt) }

	result, err := r.Recognize(context.Background(), &Request{AudioPath: "a.ogg"})
	require.NoError(t, err)
	assert.Equal(t, "recognized a.ogg", result.Text)
	assert.Equal(t, 3, inner.Calls())
	assert.Equal(t, []int{1, 2}, attempts)
	assert.Equal(t, []time.Duration{time.Second, time.Second}, *delays)
}

func TestRetryingGivesUp(t *testing.T) {
	inner := &scriptedRecognizer{errs: []error{retryable(), retryable(), retryable(), retryable(), retryable()}}
	r, _ := newFastRetry(inner, RetryConfig{MaxRetries: 3, Delay: time.Millisecond})

	_, err := r.Recognize(context.Background(), &Request{AudioPath: "a.ogg"})
	require.Error(t, err)
	assert.Equal(t, 4, inner.Calls())
	assert.Contains(t, err.Error(), "after 4 attempts")

	var asrErr *Error
	assert.True(t, errors.As(err, &asrErr))
}

func TestRetryingStopsOnPermanentError(t *testing.T) {
	inner := &scriptedRecognizer{errs: []error{permanent()}}
	r, delays := newFastRetry(inner, DefaultRetryConfig())

	_, err := r.Recognize(context.Background(), &Request{AudioPath: "a.ogg"})
	require.Error(t, err)
	assert.Equal(t, 1, inner.Calls())
	assert.Empty(t, *delays)
}

func TestRetryingEmptyResultNotRetried(t *testing.T) {
	inner := &scriptedRecognizer{errs: []error{&Error{Provider: "test", Err: ErrEmptyResult}}}
	r, _ := newFastRetry(inner, DefaultRetryConfig())

	_, err := r.Recognize(context.Background(), &Request{AudioPath: "a.ogg"})
	assert.True(t, errors.Is(err, ErrEmptyResult))
	assert.Equal(t, 1, inner.Calls())
}

func TestRetryingBackoff(t *testing.T) {
	inner := &scriptedRecognizer{errs: []error{retryable(), retryable(), retryable(), retryable()}}
	r, delays := newFastRetry(inner, RetryConfig{MaxRetries: 4, Delay: time.Second, Backoff: true, MaxDelay: 3 * time.Second})

	_, err := r.Recognize(context.Background(), &Request{AudioPath: "a.ogg"})
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 3 * time.Second, 3 * time.Second}, *delays)
}

func TestRetryingCancelledDuringDelay(t *testing.T) {
	inner := &scriptedRecognizer{errs: []error{retryable(), retryable()}}
	r := WithRetry(inner, RetryConfig{MaxRetries: 3, Delay: time.Hour}, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	_, err := r.Recognize(ctx, &Request{AudioPath: "a.ogg"})
	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, 1, inner.Calls())
}

func TestRetryingZeroRetries(t *testing.T) {
	inner := &scriptedRecognizer{errs: []error{retryable()}}
	r, _ := newFastRetry(inner, RetryConfig{MaxRetries: -1})

	_, err := r.Recognize(context.Background(), &Request{AudioPath: "a.ogg"})
	assert.Error(t, err)
	assert.Equal(t, 1, inner.Calls())
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

var _ net.Error = timeoutErr{}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"canceled", context.Canceled, false},
		{"deadline", context.DeadlineExceeded, true},
		{"net error", timeoutErr{}, true},
		{"retryable asr error", retryable(), true},
		{"permanent asr error", permanent(), false},
		{"plain error", errors.New("boom"), false},
		{"wrapped canceled", &Error{Provider: "x", Retryable: true, Err: context.Canceled}, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, IsRetryable(tt.err))
		})
	}
}
