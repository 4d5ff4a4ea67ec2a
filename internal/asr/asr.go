package asr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// ErrEmptyResult is returned when the service answers without any text
var ErrEmptyResult = errors.New("empty recognition result")

// Recognizer turns one audio file into text
type Recognizer interface {
	Recognize(ctx context.Context, req *Request) (*Result, error)
}

// Request describes one recognition call
type Request struct {
	AudioPath string `json:"audio_path"`
	Prompt    string `json:"prompt,omitempty"`   // context prompt
	Language  string `json:"language,omitempty"` // e.g. "zh", "en"
}

// Result is a successful recognition. Backends never return a Result with
// empty Text; they return ErrEmptyResult instead.
type Result struct {
	Text       string        `json:"text"`
	TokensUsed int           `json:"tokens_used"`
	RequestID  string        `json:"request_id"`
	Provider   string        `json:"provider"`
	Model      string        `json:"model"`
	Latency    time.Duration `json:"latency"`
}

// Error is a failed recognition call
type Error struct {
	Provider   string
	StatusCode int // HTTP status, 0 when the request never got an answer
	Message    string
	Retryable  bool
	Err        error
}

func (e *Error) Error() string {
	msg := e.Message
	if e.Err != nil {
		if msg != "" {
			msg += ": "
		}
		msg += e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s: HTTP %d: %s", e.Provider, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s: %s", e.Provider, msg)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether a failed call is worth repeating: timeouts,
// connection failures, rate limiting and server errors are.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var asrErr *Error
	if errors.As(err, &asrErr) {
		return asrErr.Retryable
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return false
}

// retryableStatus reports whether an HTTP status should be retried
func retryableStatus(code int) bool {
	return code == 408 || code == 429 || code >= 500
}
