// Package mock provides mocks for pipeline components and allows to execute integration tests.
package mock

import (
	"context"
	"image"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"pipelined.dev/framepipe"
)

const (
	defaultWidth  = 4
	defaultHeight = 4
	processed     = 0xFF
)

// Frame returns a new frame with index encoded into the first pixel.
// The rest of pixels are gray.
func Frame(index, width, height int) *image.RGBA {
	f := image.NewRGBA(image.Rect(0, 0, width, height))
	for i := 0; i < len(f.Pix); i += 4 {
		f.Pix[i], f.Pix[i+1], f.Pix[i+2], f.Pix[i+3] = 0x80, 0x80, 0x80, 0xFF
	}
	f.Pix[0], f.Pix[1], f.Pix[2], f.Pix[3] = byte(index), byte(index>>8), byte(index>>16), 0
	return f
}

// Index returns the index encoded into the frame.
func Index(f *image.RGBA) int {
	return int(f.Pix[0]) | int(f.Pix[1])<<8 | int(f.Pix[2])<<16
}

// Processed returns true if frame was transformed by the mock model.
func Processed(f *image.RGBA) bool {
	return f.Pix[3] == processed
}

// Source mocks a framepipe.Source interface.
type Source struct {
	counter
	Width    int
	Height   int
	FPS      float64
	Limit    int
	Interval time.Duration
	// ErrorOnCall is returned once ErrorAt frames are provided.
	ErrorOnCall error
	ErrorAt     int
	Hooks
}

// Next returns frames until limit is reached.
func (m *Source) Next(ctx context.Context) (*image.RGBA, error) {
	if m.ErrorOnCall != nil && m.frames >= m.ErrorAt {
		return nil, m.ErrorOnCall
	}
	if m.frames >= m.Limit {
		return nil, io.EOF
	}
	if err := sleep(ctx, m.Interval); err != nil {
		return nil, err
	}
	f := Frame(m.frames, size(m.Width, defaultWidth), size(m.Height, defaultHeight))
	m.advance(len(f.Pix))
	return f, nil
}

// Properties implements framepipe.Describer.
func (m *Source) Properties() framepipe.Properties {
	return framepipe.Properties{
		Width:  size(m.Width, defaultWidth),
		Height: size(m.Height, defaultHeight),
		FPS:    m.FPS,
		Frames: m.Limit,
	}
}

// Start implements framepipe.Starter.
func (m *Source) Start(context.Context) error {
	m.Started = true
	return m.ErrorOnStart
}

// Close implements io.Closer.
func (m *Source) Close() error {
	m.Closed = true
	return m.ErrorOnClose
}

// Model mocks a framepipe.Model interface. It is safe for concurrent use.
type Model struct {
	// Delay returns the processing time of the frame.
	Delay func(index int) time.Duration
	// Fail returns an error for the frame.
	Fail         func(index int) error
	ErrorOnFlush error
	// Nil makes the model return no frame.
	Nil bool

	frames  atomic.Int64
	flushes atomic.Int64
}

// Apply copies the frame and marks it processed.
func (m *Model) Apply(ctx context.Context, f *image.RGBA) (*image.RGBA, error) {
	index := Index(f)
	if m.Delay != nil {
		if err := sleep(ctx, m.Delay(index)); err != nil {
			return nil, err
		}
	}
	if m.Fail != nil {
		if err := m.Fail(index); err != nil {
			return nil, err
		}
	}
	if m.Nil {
		return nil, nil
	}
	out := image.NewRGBA(f.Rect)
	copy(out.Pix, f.Pix)
	out.Pix[3] = processed
	m.frames.Add(1)
	return out, nil
}

// Flush implements framepipe.Flusher.
func (m *Model) Flush(context.Context) error {
	m.flushes.Add(1)
	return m.ErrorOnFlush
}

// Count returns number of processed frames.
func (m *Model) Count() int {
	return int(m.frames.Load())
}

// Flushed returns number of flush calls.
func (m *Model) Flushed() int {
	return int(m.flushes.Load())
}

// Allocator allocates a new model for each worker and keeps track of
// them. Allocated models share the template functions.
type Allocator struct {
	Delay           func(index int) time.Duration
	Fail            func(index int) error
	ErrorOnFlush    error
	ErrorOnAllocate error

	m      sync.Mutex
	models []*Model
}

// Allocate implements framepipe.ModelAllocatorFunc.
func (a *Allocator) Allocate() (framepipe.Model, error) {
	if a.ErrorOnAllocate != nil {
		return nil, a.ErrorOnAllocate
	}
	m := &Model{
		Delay:        a.Delay,
		Fail:         a.Fail,
		ErrorOnFlush: a.ErrorOnFlush,
	}
	a.m.Lock()
	a.models = append(a.models, m)
	a.m.Unlock()
	return m, nil
}

// Models returns allocated models.
func (a *Allocator) Models() []*Model {
	a.m.Lock()
	defer a.m.Unlock()
	return append([]*Model(nil), a.models...)
}

// Sink mocks up a framepipe.Sink interface.
// Frames are not thread-safe, so should not be checked while pipe is running.
type Sink struct {
	counter
	indices  []int
	appended []*image.RGBA
	Discard  bool
	// ErrorOnCall is returned once ErrorAt frames are appended.
	ErrorOnCall error
	ErrorAt     int
	Hooks
}

// Append stores the frame.
func (m *Sink) Append(f *image.RGBA) error {
	if m.ErrorOnCall != nil && m.frames >= m.ErrorAt {
		return m.ErrorOnCall
	}
	m.indices = append(m.indices, Index(f))
	if !m.Discard {
		m.appended = append(m.appended, f)
	}
	m.counter.advance(len(f.Pix))
	return nil
}

// Start implements framepipe.Starter.
func (m *Sink) Start(context.Context) error {
	m.Started = true
	return m.ErrorOnStart
}

// Close implements framepipe.Sink.
func (m *Sink) Close() error {
	m.Closed = true
	return m.ErrorOnClose
}

// Indices returns indices of appended frames in order of appending.
func (m *Sink) Indices() []int {
	return m.indices
}

// Frames returns appended frames.
func (m *Sink) Frames() []*image.RGBA {
	return m.appended
}

// Hooks allows to mock components hooks.
type Hooks struct {
	Started bool
	Closed  bool

	ErrorOnStart error
	ErrorOnClose error
}

// counter counts frames and bytes.
type counter struct {
	frames int
	bytes  int
}

// advance counter's metrics.
func (c *counter) advance(size int) {
	c.frames++
	c.bytes = c.bytes + size
}

// Count returns frames and bytes metrics.
func (c *counter) Count() (int, int) {
	return c.frames, c.bytes
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func size(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
