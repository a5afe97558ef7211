// Package imgseq reads and writes frames as a sequence of numbered images
// in a directory.
package imgseq

import (
	"context"
	"errors"
	"fmt"
	"image"
	"image/draw"
	"image/jpeg"
	"image/png"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"pipelined.dev/framepipe"
)

// Format of written images.
type Format int

const (
	// PNG is a lossless format, used by default.
	PNG Format = iota
	// JPEG is a lossy format.
	JPEG
)

// ErrEmpty is returned when directory has no images.
var ErrEmpty = errors.New("no images found")

// Source reads images from the directory in natural order of file names,
// so frame_2.png goes before frame_10.png.
// Images are converted to RGBA.
type Source struct {
	Dir string
	FPS float64

	files []string
	props framepipe.Properties
	next  int
}

// Start lists images of the directory.
func (s *Source) Start(context.Context) error {
	entries, err := os.ReadDir(s.Dir)
	if err != nil {
		return fmt.Errorf("error reading directory: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(e.Name())) {
		case ".png", ".jpg", ".jpeg":
			s.files = append(s.files, filepath.Join(s.Dir, e.Name()))
		}
	}
	if len(s.files) == 0 {
		return fmt.Errorf("%w in %s", ErrEmpty, s.Dir)
	}
	slices.SortFunc(s.files, compareNames)

	f, err := os.Open(s.files[0])
	if err != nil {
		return err
	}
	defer f.Close()
	cfg, _, err := image.DecodeConfig(f)
	if err != nil {
		return fmt.Errorf("error decoding %s: %w", s.files[0], err)
	}
	s.props = framepipe.Properties{
		Width:  cfg.Width,
		Height: cfg.Height,
		FPS:    s.FPS,
		Frames: len(s.files),
	}
	return nil
}

// Properties implements framepipe.Describer.
func (s *Source) Properties() framepipe.Properties {
	return s.props
}

// Next decodes the next image.
func (s *Source) Next(ctx context.Context) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.files) {
		return nil, io.EOF
	}
	name := s.files[s.next]
	f, err := os.Open(name)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("error decoding %s: %w", name, err)
	}
	s.next++
	return toRGBA(img), nil
}

// Close implements io.Closer.
func (s *Source) Close() error {
	s.files = nil
	return nil
}

func toRGBA(img image.Image) *image.RGBA {
	if rgba, ok := img.(*image.RGBA); ok && rgba.Rect.Min == (image.Point{}) {
		return rgba
	}
	b := img.Bounds()
	rgba := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(rgba, rgba.Rect, img, b.Min, draw.Src)
	return rgba
}

// Sink writes frames into the directory as frame_000000.png,
// frame_000001.png and so on.
type Sink struct {
	Dir     string
	Format  Format
	Quality int // jpeg quality, default is used if zero

	n int
}

// Start creates the directory.
func (s *Sink) Start(context.Context) error {
	return os.MkdirAll(s.Dir, 0o755)
}

// Append writes the frame into a new file.
func (s *Sink) Append(frame *image.RGBA) error {
	name := filepath.Join(s.Dir, fmt.Sprintf("frame_%06d%s", s.n, s.ext()))
	f, err := os.Create(name)
	if err != nil {
		return err
	}
	if err := s.encode(f, frame); err != nil {
		f.Close()
		return fmt.Errorf("error encoding %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	s.n++
	return nil
}

// Close implements framepipe.Sink.
func (s *Sink) Close() error {
	return nil
}

func (s *Sink) ext() string {
	if s.Format == JPEG {
		return ".jpg"
	}
	return ".png"
}

func (s *Sink) encode(w io.Writer, frame *image.RGBA) error {
	if s.Format == JPEG {
		var o *jpeg.Options
		if s.Quality > 0 {
			o = &jpeg.Options{Quality: s.Quality}
		}
		return jpeg.Encode(w, frame, o)
	}
	return png.Encode(w, frame)
}

// compareNames compares file names with digit runs ordered by their
// numeric value.
func compareNames(a, b string) int {
	x, y := a, b
	for x != "" && y != "" {
		dx, dy := isDigit(x[0]), isDigit(y[0])
		if dx && dy {
			nx, ny := digits(x), digits(y)
			if c := compareNumbers(x[:nx], y[:ny]); c != 0 {
				return c
			}
			x, y = x[nx:], y[ny:]
			continue
		}
		if x[0] != y[0] {
			if x[0] < y[0] {
				return -1
			}
			return 1
		}
		x, y = x[1:], y[1:]
	}
	if c := len(x) - len(y); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

func compareNumbers(a, b string) int {
	a, b = strings.TrimLeft(a, "0"), strings.TrimLeft(b, "0")
	if len(a) != len(b) {
		return len(a) - len(b)
	}
	return strings.Compare(a, b)
}

func digits(s string) int {
	n := 0
	for n < len(s) && isDigit(s[n]) {
		n++
	}
	return n
}

func isDigit(c byte) bool {
	return '0' <= c && c <= '9'
}
