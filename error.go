package framepipe

import (
	"errors"
	"fmt"
	"strings"

	"pipelined.dev/framepipe/internal/reorder"
	"pipelined.dev/framepipe/internal/runner"
)

var (
	// ErrInvalidState is returned if pipe method cannot be executed at this moment.
	ErrInvalidState = errors.New("invalid state")
	// ErrQueueClosed is returned when a frame is submitted after the work
	// queue was closed.
	ErrQueueClosed = errors.New("frame submitted into closed queue")
	// ErrNoFrame is returned when a component returned nil frame without
	// an error.
	ErrNoFrame = runner.ErrNoFrame
	// ErrDuplicateIndex is returned when the same frame index is completed
	// twice.
	ErrDuplicateIndex = reorder.ErrDuplicateIndex
	// ErrStalled is returned when frames are left in the reorder buffer
	// after all workers are done.
	ErrStalled = reorder.ErrStalled
)

type (
	// TransformError is returned when the model failed to process a frame.
	TransformError = runner.TransformError
	// SinkError is returned when the sink failed to append a frame.
	SinkError = reorder.SinkError
)

// ErrorPolicy defines how the pipe handles failed transformations.
type ErrorPolicy = runner.Policy

const (
	// Abort stops the run on the first failed frame. This is the default.
	Abort = runner.Abort
	// Skip drops the failed frame and continues.
	Skip = runner.Skip
	// PassThrough writes the unprocessed frame in place of the failed one.
	PassThrough = runner.PassThrough
)

// SourceError is returned when the source failed to provide a frame.
// Frames accepted before the failure are still written.
type SourceError struct {
	Index int
	Err   error
}

func (e *SourceError) Error() string {
	return fmt.Sprintf("source failed at frame %d: %v", e.Index, e.Err)
}

func (e *SourceError) Unwrap() error {
	return e.Err
}

// ErrorRun is returned if pipe was successfully started, but execution
// and/or flush failed.
type ErrorRun struct {
	ErrExec  error
	ErrFlush error
}

func (e *ErrorRun) Error() string {
	switch {
	case e.ErrExec != nil && e.ErrFlush != nil:
		return fmt.Sprintf("flush error: %v after execute error: %v", e.ErrFlush, e.ErrExec)
	case e.ErrExec != nil:
		return fmt.Sprintf("execute error: %v", e.ErrExec)
	case e.ErrFlush != nil:
		return fmt.Sprintf("flush error: %v", e.ErrFlush)
	}
	return ""
}

// Unwrap returns execution and flush errors.
func (e *ErrorRun) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.ErrExec != nil {
		errs = append(errs, e.ErrExec)
	}
	if e.ErrFlush != nil {
		errs = append(errs, e.ErrFlush)
	}
	return errs
}

// execErrors wraps errors that might occure when multiple components
// are failing.
type execErrors []error

func (e execErrors) Error() string {
	s := []string{}
	for _, se := range e {
		s = append(s, se.Error())
	}
	return strings.Join(s, ",")
}

func (e execErrors) Unwrap() []error {
	return e
}

// ret returns untyped nil if error is list is empty.
func (e execErrors) ret() error {
	if len(e) > 0 {
		return e
	}
	return nil
}
