// Package model provides frame models and a registry to look them up by
// name.
package model

import (
	"context"
	"image"
	"math/rand"
	"sync"
	"time"

	"pipelined.dev/framepipe"
)

// Identity returns a copy of the frame.
type Identity struct{}

// Apply implements framepipe.Model.
func (Identity) Apply(_ context.Context, f *image.RGBA) (*image.RGBA, error) {
	out := image.NewRGBA(f.Rect)
	copy(out.Pix, f.Pix)
	return out, nil
}

// Grayscale converts frames to luma with BT.601 weights. Alpha is kept.
type Grayscale struct{}

// Apply implements framepipe.Model.
func (Grayscale) Apply(ctx context.Context, f *image.RGBA) (*image.RGBA, error) {
	out := image.NewRGBA(f.Rect)
	for y := 0; y < f.Rect.Dy(); y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row := y * f.Stride
		for x := 0; x < f.Rect.Dx()*4; x += 4 {
			i := row + x
			r, g, b := uint32(f.Pix[i]), uint32(f.Pix[i+1]), uint32(f.Pix[i+2])
			l := byte((299*r + 587*g + 114*b + 500) / 1000)
			j := y*out.Stride + x
			out.Pix[j], out.Pix[j+1], out.Pix[j+2], out.Pix[j+3] = l, l, l, f.Pix[i+3]
		}
	}
	return out, nil
}

// Invert inverts color channels. Alpha is kept.
type Invert struct{}

// Apply implements framepipe.Model.
func (Invert) Apply(ctx context.Context, f *image.RGBA) (*image.RGBA, error) {
	out := image.NewRGBA(f.Rect)
	for y := 0; y < f.Rect.Dy(); y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		row := y * f.Stride
		for x := 0; x < f.Rect.Dx()*4; x += 4 {
			i, j := row+x, y*out.Stride+x
			out.Pix[j] = 0xFF - f.Pix[i]
			out.Pix[j+1] = 0xFF - f.Pix[i+1]
			out.Pix[j+2] = 0xFF - f.Pix[i+2]
			out.Pix[j+3] = f.Pix[i+3]
		}
	}
	return out, nil
}

// BoxBlur averages every channel in a square window of 2*Radius+1 pixels.
// Edges are clamped. It keeps a scratch frame between calls, so an
// instance must not be shared between workers.
type BoxBlur struct {
	Radius int
	tmp    *image.RGBA
}

// Apply implements framepipe.Model.
func (m *BoxBlur) Apply(ctx context.Context, f *image.RGBA) (*image.RGBA, error) {
	if m.Radius < 1 {
		return Identity{}.Apply(ctx, f)
	}
	w, h := f.Rect.Dx(), f.Rect.Dy()
	if m.tmp == nil || !m.tmp.Rect.Eq(f.Rect) {
		m.tmp = image.NewRGBA(f.Rect)
	}
	out := image.NewRGBA(f.Rect)
	// horizontal pass into scratch frame.
	for y := 0; y < h; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := 0; x < w; x++ {
			var sum [4]int
			for k := -m.Radius; k <= m.Radius; k++ {
				i := y*f.Stride + clamp(x+k, w)*4
				for c := 0; c < 4; c++ {
					sum[c] += int(f.Pix[i+c])
				}
			}
			j := y*m.tmp.Stride + x*4
			for c := 0; c < 4; c++ {
				m.tmp.Pix[j+c] = byte(sum[c] / (2*m.Radius + 1))
			}
		}
	}
	// vertical pass into output.
	for y := 0; y < h; y++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		for x := 0; x < w; x++ {
			var sum [4]int
			for k := -m.Radius; k <= m.Radius; k++ {
				i := clamp(y+k, h)*m.tmp.Stride + x*4
				for c := 0; c < 4; c++ {
					sum[c] += int(m.tmp.Pix[i+c])
				}
			}
			j := y*out.Stride + x*4
			for c := 0; c < 4; c++ {
				out.Pix[j+c] = byte(sum[c] / (2*m.Radius + 1))
			}
		}
	}
	return out, nil
}

func clamp(v, n int) int {
	switch {
	case v < 0:
		return 0
	case v >= n:
		return n - 1
	}
	return v
}

// Jitter delays every frame by a random duration up to Max before the
// wrapped model is applied. It emulates uneven inference time.
type Jitter struct {
	Model framepipe.Model
	Max   time.Duration

	once sync.Once
	rand *rand.Rand
}

// Apply implements framepipe.Model.
func (m *Jitter) Apply(ctx context.Context, f *image.RGBA) (*image.RGBA, error) {
	m.once.Do(func() {
		m.rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	})
	if m.Max > 0 {
		t := time.NewTimer(time.Duration(m.rand.Int63n(int64(m.Max))))
		select {
		case <-t.C:
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		}
	}
	if m.Model == nil {
		return Identity{}.Apply(ctx, f)
	}
	return m.Model.Apply(ctx, f)
}

// Flush flushes the wrapped model.
func (m *Jitter) Flush(ctx context.Context) error {
	if fl, ok := m.Model.(framepipe.Flusher); ok {
		return fl.Flush(ctx)
	}
	return nil
}

// Chain applies models one after another.
type Chain []framepipe.Model

// Apply implements framepipe.Model.
func (c Chain) Apply(ctx context.Context, f *image.RGBA) (*image.RGBA, error) {
	var err error
	for _, m := range c {
		if f, err = m.Apply(ctx, f); err != nil {
			return nil, err
		}
		if f == nil {
			return nil, framepipe.ErrNoFrame
		}
	}
	return f, nil
}

// Flush flushes all models in the chain. The first error is returned.
func (c Chain) Flush(ctx context.Context) error {
	var first error
	for _, m := range c {
		if fl, ok := m.(framepipe.Flusher); ok {
			if err := fl.Flush(ctx); err != nil && first == nil {
				first = err
			}
		}
	}
	return first
}
