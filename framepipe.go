package framepipe

import (
	"context"
	"fmt"
	"image"
)

// Source is the origin of frames. Next returns io.EOF when no frames
// left. Next is never called concurrently.
type Source interface {
	Next(ctx context.Context) (*image.RGBA, error)
}

// Model transforms a frame. Every worker owns a separate model instance,
// obtained with ModelAllocatorFunc.
type Model interface {
	Apply(ctx context.Context, frame *image.RGBA) (*image.RGBA, error)
}

// ModelAllocatorFunc returns a new model instance.
type ModelAllocatorFunc func() (Model, error)

// Shared returns allocator which shares the model between all workers.
// The model must be safe for concurrent use.
func Shared(m Model) ModelAllocatorFunc {
	return func() (Model, error) {
		return m, nil
	}
}

// Sink is the destination of processed frames. Append is called with
// frames in source order and never concurrently.
type Sink interface {
	Append(frame *image.RGBA) error
	Close() error
}

// Starter is a component which needs preparation before the first frame.
type Starter interface {
	Start(ctx context.Context) error
}

// Flusher is a model which must be flushed when the worker exits.
type Flusher interface {
	Flush(ctx context.Context) error
}

// Describer is a source which knows properties of its frames.
type Describer interface {
	Properties() Properties
}

// Properties of frames provided by the source. Zero values are unknown.
type Properties struct {
	Width  int
	Height int
	FPS    float64
	Frames int
}

// Mode defines how the pipe executes the model.
type Mode int

const (
	// Pooled mode runs the model in parallel workers.
	Pooled Mode = iota
	// Sequential mode runs the model in the calling goroutine.
	Sequential
)

func (m Mode) String() string {
	switch m {
	case Pooled:
		return "pool"
	case Sequential:
		return "single"
	}
	return "unknown"
}

// ParseMode returns the mode for provided name.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "pool", "multi":
		return Pooled, nil
	case "single":
		return Sequential, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

// ParseErrorPolicy returns the policy for provided name.
func ParseErrorPolicy(s string) (ErrorPolicy, error) {
	switch s {
	case "abort":
		return Abort, nil
	case "skip":
		return Skip, nil
	case "pass":
		return PassThrough, nil
	}
	return 0, fmt.Errorf("unknown error policy %q", s)
}
