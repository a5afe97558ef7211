// Package fstream reads and writes frame stream files. A stream file has
// a fixed-size header followed by raw RGBA frames compressed with zstd.
//
// Header layout, little endian:
//
//	magic   [4]byte "FPST"
//	version uint8
//	width   uint32
//	height  uint32
//	fps     float64
//	frames  uint32
//	id      [12]byte
package fstream

import (
	"bufio"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"io"
	"math"
	"os"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/xid"

	"pipelined.dev/framepipe"
)

const (
	version = 1
	// offset of frames counter in the header.
	framesOffset = 4 + 1 + 4 + 4 + 8
)

var (
	magic = [4]byte{'F', 'P', 'S', 'T'}

	// ErrFormat is returned when file is not a valid frame stream.
	ErrFormat = errors.New("invalid frame stream")
	// ErrFrameSize is returned when appended frame size differs from the
	// first frame of the stream.
	ErrFrameSize = errors.New("frame size mismatch")
)

// Header describes the stream.
type Header struct {
	Width  int
	Height int
	FPS    float64
	Frames int
	ID     xid.ID
}

type header struct {
	Magic   [4]byte
	Version uint8
	Width   uint32
	Height  uint32
	FPS     uint64
	Frames  uint32
	ID      [12]byte
}

func readHeader(r io.Reader) (Header, error) {
	var h header
	if err := binary.Read(r, binary.LittleEndian, &h); err != nil {
		return Header{}, fmt.Errorf("%w: %v", ErrFormat, err)
	}
	if h.Magic != magic {
		return Header{}, fmt.Errorf("%w: bad magic %q", ErrFormat, h.Magic[:])
	}
	if h.Version != version {
		return Header{}, fmt.Errorf("%w: unsupported version %d", ErrFormat, h.Version)
	}
	return Header{
		Width:  int(h.Width),
		Height: int(h.Height),
		FPS:    math.Float64frombits(h.FPS),
		Frames: int(h.Frames),
		ID:     xid.ID(h.ID),
	}, nil
}

func writeHeader(w io.Writer, h Header) error {
	return binary.Write(w, binary.LittleEndian, header{
		Magic:   magic,
		Version: version,
		Width:   uint32(h.Width),
		Height:  uint32(h.Height),
		FPS:     math.Float64bits(h.FPS),
		Frames:  uint32(h.Frames),
		ID:      h.ID,
	})
}

// Source reads frames from the stream file.
type Source struct {
	Path string

	f      *os.File
	dec    *zstd.Decoder
	header Header
	next   int
}

// Start opens the file and reads the header.
func (s *Source) Start(context.Context) error {
	f, err := os.Open(s.Path)
	if err != nil {
		return err
	}
	r := bufio.NewReader(f)
	if s.header, err = readHeader(r); err != nil {
		f.Close()
		return err
	}
	if s.dec, err = zstd.NewReader(r, zstd.WithDecoderConcurrency(1)); err != nil {
		f.Close()
		return err
	}
	s.f = f
	return nil
}

// Header returns the header of the stream. It's only valid after start.
func (s *Source) Header() Header {
	return s.header
}

// Properties implements framepipe.Describer.
func (s *Source) Properties() framepipe.Properties {
	return framepipe.Properties{
		Width:  s.header.Width,
		Height: s.header.Height,
		FPS:    s.header.FPS,
		Frames: s.header.Frames,
	}
}

// Next reads and decompresses the next frame.
func (s *Source) Next(ctx context.Context) (*image.RGBA, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.dec == nil {
		return nil, fmt.Errorf("%w: stream is not started", ErrFormat)
	}
	if s.header.Width == 0 || s.header.Height == 0 {
		return nil, io.EOF
	}
	frame := image.NewRGBA(image.Rect(0, 0, s.header.Width, s.header.Height))
	if _, err := io.ReadFull(s.dec, frame.Pix); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return nil, fmt.Errorf("%w: frame %d is truncated", ErrFormat, s.next)
		}
		return nil, err
	}
	s.next++
	return frame, nil
}

// Close releases the decoder and closes the file.
func (s *Source) Close() error {
	if s.dec != nil {
		s.dec.Close()
		s.dec = nil
	}
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

// Sink writes frames into the stream file. The size of the first frame
// defines the size of the stream.
type Sink struct {
	Path  string
	FPS   float64
	Level zstd.EncoderLevel // zstd.SpeedDefault if zero

	f      *os.File
	enc    *zstd.Encoder
	header Header
}

// Start creates the file.
func (s *Sink) Start(context.Context) error {
	f, err := os.Create(s.Path)
	if err != nil {
		return err
	}
	s.f = f
	s.header = Header{FPS: s.FPS, ID: xid.New()}
	return nil
}

// ID returns the stream id.
func (s *Sink) ID() xid.ID {
	return s.header.ID
}

// Append compresses the frame into the stream.
func (s *Sink) Append(frame *image.RGBA) error {
	if s.f == nil {
		return errors.New("stream is not started")
	}
	w, h := frame.Rect.Dx(), frame.Rect.Dy()
	if s.enc == nil {
		if err := s.begin(w, h); err != nil {
			return err
		}
	}
	if w != s.header.Width || h != s.header.Height {
		return fmt.Errorf("%w: %dx%d, stream is %dx%d", ErrFrameSize, w, h, s.header.Width, s.header.Height)
	}
	for y := 0; y < h; y++ {
		if _, err := s.enc.Write(frame.Pix[y*frame.Stride : y*frame.Stride+w*4]); err != nil {
			return err
		}
	}
	s.header.Frames++
	return nil
}

func (s *Sink) begin(w, h int) error {
	s.header.Width, s.header.Height = w, h
	if err := writeHeader(s.f, s.header); err != nil {
		return err
	}
	level := s.Level
	if level == 0 {
		level = zstd.SpeedDefault
	}
	enc, err := zstd.NewWriter(s.f,
		zstd.WithEncoderLevel(level),
		zstd.WithEncoderConcurrency(1),
	)
	if err != nil {
		return err
	}
	s.enc = enc
	return nil
}

// Close flushes the encoder, stores the number of frames in the header
// and closes the file. Empty stream has zero frame size.
func (s *Sink) Close() error {
	if s.f == nil {
		return nil
	}
	defer func() {
		s.f, s.enc = nil, nil
	}()
	var err error
	if s.enc == nil {
		err = writeHeader(s.f, s.header)
	} else if err = s.enc.Close(); err == nil {
		var frames [4]byte
		binary.LittleEndian.PutUint32(frames[:], uint32(s.header.Frames))
		_, err = s.f.WriteAt(frames[:], framesOffset)
	}
	if cerr := s.f.Close(); err == nil {
		err = cerr
	}
	return err
}
