// Package runner executes frame transformations in a pool of workers.
package runner

import (
	"context"
	"errors"
	"fmt"
	"image"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"golang.org/x/sync/errgroup"

	"pipelined.dev/framepipe/internal/queue"
	"pipelined.dev/framepipe/internal/reorder"
	"pipelined.dev/framepipe/metric"
)

// Policy defines how a worker handles a failed transformation.
type Policy int

const (
	// Abort stops the pipeline on the first failed frame.
	Abort Policy = iota
	// Skip releases the index without writing a frame.
	Skip
	// PassThrough writes the unprocessed frame.
	PassThrough
)

func (p Policy) String() string {
	switch p {
	case Abort:
		return "abort"
	case Skip:
		return "skip"
	case PassThrough:
		return "pass"
	}
	return "unknown"
}

// ErrNoFrame is returned when transformation succeeded, but returned no
// frame.
var ErrNoFrame = errors.New("no frame returned")

// TransformError is returned when a frame transformation failed.
type TransformError struct {
	Index int
	Err   error
}

func (e *TransformError) Error() string {
	return fmt.Sprintf("transform failed at frame %d: %v", e.Index, e.Err)
}

func (e *TransformError) Unwrap() error {
	return e.Err
}

// TransformFunc transforms a single frame.
type TransformFunc func(context.Context, *image.RGBA) (*image.RGBA, error)

// Flush is a closure that triggers component flush function.
type Flush func(context.Context) error

func (fn Flush) call(ctx context.Context) error {
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

// Worker executes the transformation of frames taken from the queue. Each
// worker owns its transformation instance.
type Worker struct {
	ID    int
	Fn    TransformFunc
	Flush Flush
	Meter metric.ResetFunc
}

// Pool runs workers which take frames from the queue and insert results
// into the reorder buffer.
type Pool struct {
	Queue   *queue.Queue
	Buffer  *reorder.Buffer
	Policy  Policy
	Timeout time.Duration // per-frame limit, zero means no limit
	Tracer  trace.Tracer
	Logger  logrus.FieldLogger

	g *errgroup.Group
}

// Start launches workers. Returned context is cancelled when any worker
// fails or parent context is done.
func (p *Pool) Start(ctx context.Context, workers []Worker) context.Context {
	if p.Tracer == nil {
		p.Tracer = noop.NewTracerProvider().Tracer("")
	}
	if p.Logger == nil {
		l := logrus.New()
		l.SetLevel(logrus.PanicLevel)
		p.Logger = l
	}
	var gctx context.Context
	p.g, gctx = errgroup.WithContext(ctx)
	for i := range workers {
		w := workers[i]
		p.g.Go(func() error {
			return p.run(gctx, w)
		})
	}
	return gctx
}

// Wait blocks until all workers exit and returns the first error.
func (p *Pool) Wait() error {
	if p.g == nil {
		return nil
	}
	return p.g.Wait()
}

func (p *Pool) run(ctx context.Context, w Worker) (err error) {
	log := p.Logger.WithField("worker", w.ID)
	log.Debug("worker started")
	// Flush hook on return
	defer func() {
		if ferr := w.Flush.call(context.WithoutCancel(ctx)); ferr != nil && err == nil {
			err = fmt.Errorf("error flushing worker %d: %w", w.ID, ferr)
		}
		log.WithError(err).Debug("worker stopped")
	}()
	var meter metric.MeasureFunc
	if w.Meter != nil {
		meter = w.Meter()
	}
	for {
		it, err := p.Queue.Take(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return nil
			}
			return err
		}
		// cancelled while waiting, the item is dropped.
		if err := ctx.Err(); err != nil {
			p.Queue.Done()
			return err
		}
		if err := p.process(ctx, w, it, meter, log); err != nil {
			return err
		}
	}
}

// process transforms the item and hands the result to the buffer. The
// item is marked done only after the buffer accepted it.
func (p *Pool) process(ctx context.Context, w Worker, it queue.Item, meter metric.MeasureFunc, log logrus.FieldLogger) error {
	defer p.Queue.Done()
	ctx, span := p.Tracer.Start(ctx, "framepipe.transform",
		trace.WithAttributes(
			attribute.Int("frame.index", it.Index),
			attribute.Int("worker.id", w.ID),
		),
	)
	defer span.End()

	out, err := p.transform(ctx, w, it.Frame)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transform failed")
		terr := &TransformError{Index: it.Index, Err: err}
		switch p.Policy {
		case Skip:
			log.WithField("index", it.Index).WithError(err).Warn("frame skipped")
			return p.Buffer.Skip(it.Index)
		case PassThrough:
			log.WithField("index", it.Index).WithError(err).Warn("frame passed through")
			return p.Buffer.InsertRaw(it.Index, it.Frame)
		}
		return terr
	}
	if meter != nil {
		meter(int64(len(out.Pix)))
	}
	return p.Buffer.Insert(it.Index, out)
}

func (p *Pool) transform(ctx context.Context, w Worker, f *image.RGBA) (*image.RGBA, error) {
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	out, err := w.Fn(ctx, f)
	if err != nil {
		return nil, err
	}
	if out == nil {
		return nil, ErrNoFrame
	}
	return out, nil
}
