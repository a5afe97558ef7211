// Package manifest records digests of written frames. Manifests of two
// runs over the same input can be compared to check that parallel
// processing produced the same output as sequential one.
package manifest

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"io"
	"os"
	"strings"

	"github.com/pmezard/go-difflib/difflib"
	"golang.org/x/crypto/blake2b"

	"pipelined.dev/framepipe"
)

// Sink wraps a sink and writes a manifest line for every appended frame:
//
//	<index> <width>x<height> <blake2b-256 hex>
type Sink struct {
	framepipe.Sink
	w      *bufio.Writer
	closer io.Closer
	n      int
}

// New returns a manifest sink which writes lines into w.
func New(sink framepipe.Sink, w io.Writer) *Sink {
	s := &Sink{
		Sink: sink,
		w:    bufio.NewWriter(w),
	}
	if c, ok := w.(io.Closer); ok {
		s.closer = c
	}
	return s
}

// Create returns a manifest sink which writes lines into the file.
func Create(sink framepipe.Sink, path string) (*Sink, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	return New(sink, f), nil
}

// Start starts the wrapped sink if needed.
func (s *Sink) Start(ctx context.Context) error {
	if st, ok := s.Sink.(framepipe.Starter); ok {
		return st.Start(ctx)
	}
	return nil
}

// Append appends the frame to the wrapped sink and records its digest.
func (s *Sink) Append(frame *image.RGBA) error {
	if err := s.Sink.Append(frame); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "%d %dx%d %x\n", s.n, frame.Rect.Dx(), frame.Rect.Dy(), Digest(frame)); err != nil {
		return fmt.Errorf("error writing manifest: %w", err)
	}
	s.n++
	return nil
}

// Close closes the wrapped sink and flushes the manifest.
func (s *Sink) Close() error {
	err := s.Sink.Close()
	if ferr := s.w.Flush(); err == nil {
		err = ferr
	}
	if s.closer != nil {
		if cerr := s.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

// Digest returns BLAKE2b-256 sum of frame pixels.
func Digest(frame *image.RGBA) [blake2b.Size256]byte {
	h, _ := blake2b.New256(nil)
	w := frame.Rect.Dx() * 4
	for y := 0; y < frame.Rect.Dy(); y++ {
		h.Write(frame.Pix[y*frame.Stride : y*frame.Stride+w])
	}
	var sum [blake2b.Size256]byte
	copy(sum[:], h.Sum(nil))
	return sum
}

// Diff returns unified diff of two manifests. Empty string is returned
// if manifests are equal.
func Diff(a, b io.Reader, nameA, nameB string) (string, error) {
	linesA, err := readLines(a)
	if err != nil {
		return "", fmt.Errorf("error reading %s: %w", nameA, err)
	}
	linesB, err := readLines(b)
	if err != nil {
		return "", fmt.Errorf("error reading %s: %w", nameB, err)
	}
	return difflib.GetUnifiedDiffString(difflib.UnifiedDiff{
		A:        linesA,
		B:        linesB,
		FromFile: nameA,
		ToFile:   nameB,
		Context:  1,
	})
}

// DiffFiles returns unified diff of two manifest files.
func DiffFiles(pathA, pathB string) (string, error) {
	a, err := os.Open(pathA)
	if err != nil {
		return "", err
	}
	defer a.Close()
	b, err := os.Open(pathB)
	if err != nil {
		return "", err
	}
	defer b.Close()
	return Diff(a, b, pathA, pathB)
}

func readLines(r io.Reader) ([]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	return difflib.SplitLines(strings.TrimRight(string(data), "\n")), nil
}
