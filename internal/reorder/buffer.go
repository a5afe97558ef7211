// Package reorder restores the source order of frames completed out of
// order by parallel workers.
package reorder

import (
	"errors"
	"fmt"
	"image"
	"sync"
)

var (
	// ErrDuplicateIndex is returned when the index was already released or
	// is already waiting in the buffer.
	ErrDuplicateIndex = errors.New("duplicate frame index")
	// ErrStalled is returned by Check when frames are still waiting for a
	// missing index.
	ErrStalled = errors.New("reorder buffer stalled")
)

// SinkError is returned when the sink failed to append a frame. Once it
// happened, the buffer doesn't release frames anymore.
type SinkError struct {
	Index int
	Err   error
}

func (e *SinkError) Error() string {
	return fmt.Sprintf("sink failed at frame %d: %v", e.Index, e.Err)
}

func (e *SinkError) Unwrap() error {
	return e.Err
}

// WriteFunc appends the frame to the sink.
type WriteFunc func(*image.RGBA) error

type entry struct {
	frame *image.RGBA
	skip  bool // release without writing
	raw   bool // unprocessed frame written in place of the result
}

// Buffer holds completed frames until all frames with lower indices are
// released. All methods are safe for concurrent use.
type Buffer struct {
	m       sync.Mutex
	write   WriteFunc
	pending map[int]entry
	next    int
	written int
	skipped int
	err     error
}

// New returns a buffer which releases frames into write in order,
// starting at index 0.
func New(write WriteFunc) *Buffer {
	return &Buffer{
		write:   write,
		pending: make(map[int]entry),
	}
}

// Insert puts the frame into the buffer and releases the longest
// contiguous run of frames starting at the next expected index.
func (b *Buffer) Insert(index int, frame *image.RGBA) error {
	return b.put(index, entry{frame: frame})
}

// InsertRaw puts the unprocessed frame of a failed transformation. It is
// written like a regular frame and counted as skipped.
func (b *Buffer) InsertRaw(index int, frame *image.RGBA) error {
	return b.put(index, entry{frame: frame, raw: true})
}

// Skip marks the index as done without a frame. The index is released
// in order like a regular frame, but nothing is written.
func (b *Buffer) Skip(index int) error {
	return b.put(index, entry{skip: true})
}

// put stores the entry and drains the buffer in one critical section.
func (b *Buffer) put(index int, e entry) error {
	b.m.Lock()
	defer b.m.Unlock()
	if b.err != nil {
		return b.err
	}
	if index < b.next {
		return fmt.Errorf("%w: frame %d is already released", ErrDuplicateIndex, index)
	}
	if _, ok := b.pending[index]; ok {
		return fmt.Errorf("%w: frame %d is already buffered", ErrDuplicateIndex, index)
	}
	b.pending[index] = e
	b.drain()
	return b.err
}

func (b *Buffer) drain() {
	for {
		e, ok := b.pending[b.next]
		if !ok {
			return
		}
		delete(b.pending, b.next)
		if e.skip {
			b.skipped++
		} else {
			if err := b.write(e.frame); err != nil {
				b.err = &SinkError{Index: b.next, Err: err}
				return
			}
			b.written++
			if e.raw {
				b.skipped++
			}
		}
		b.next++
	}
}

// Check returns an error if frames are still buffered. It should be
// called when no more inserts will happen. A sink failure is returned
// as is.
func (b *Buffer) Check() error {
	b.m.Lock()
	defer b.m.Unlock()
	if b.err != nil {
		return b.err
	}
	if len(b.pending) > 0 {
		return fmt.Errorf("%w: frame %d is missing, %d frames buffered", ErrStalled, b.next, len(b.pending))
	}
	return nil
}

// Next returns the index of the next frame to release.
func (b *Buffer) Next() int {
	b.m.Lock()
	defer b.m.Unlock()
	return b.next
}

// Len returns the number of buffered frames.
func (b *Buffer) Len() int {
	b.m.Lock()
	defer b.m.Unlock()
	return len(b.pending)
}

// Written returns the number of frames appended to the sink.
func (b *Buffer) Written() int {
	b.m.Lock()
	defer b.m.Unlock()
	return b.written
}

// Skipped returns the number of released indices which failed to
// transform.
func (b *Buffer) Skipped() int {
	b.m.Lock()
	defer b.m.Unlock()
	return b.skipped
}
