package pipeline

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoSpeechDetected is returned when grouping yields no chunks
	ErrNoSpeechDetected = errors.New("no speech detected")

	// ErrSegmentExtraction marks a segment that could not be cut from the input
	ErrSegmentExtraction = errors.New("segment extraction failed")

	// ErrRecognition marks a segment the recognizer failed on
	ErrRecognition = errors.New("recognition failed")

	// ErrUserCancelled is returned when the run is cancelled between stages or segments
	ErrUserCancelled = errors.New("cancelled by user")
)

// ErrorCode classifies fatal stage errors
type ErrorCode string

const (
	CodeInputNotFound    ErrorCode = "INPUT_NOT_FOUND"
	CodeConversionFailed ErrorCode = "CONVERSION_FAILED"
	CodeVADFailed        ErrorCode = "VAD_FAILED"
	CodeNoSpeech         ErrorCode = "NO_SPEECH"
	CodeSaveFailed       ErrorCode = "SAVE_FAILED"
	CodeInternal         ErrorCode = "INTERNAL"
)

// StageError is a fatal error that aborted a run
type StageError struct {
	Stage     Stage     `json:"stage"`
	Code      ErrorCode `json:"code"`
	Err       error     `json:"-"`
	Timestamp time.Time `json:"timestamp"`
}

func newStageError(stage Stage, code ErrorCode, err error) *StageError {
	return &StageError{
		Stage:     stage,
		Code:      code,
		Err:       err,
		Timestamp: time.Now(),
	}
}

func (e *StageError) Error() string {
	return fmt.Sprintf("[%s] %s stage: %v", e.Code, e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

// IsCancelled reports whether err ended a run through cancellation
func IsCancelled(err error) bool {
	return errors.Is(err, ErrUserCancelled)
}
