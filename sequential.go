package framepipe

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"pipelined.dev/framepipe/metric"
)

// runSequential processes frames one by one in the calling goroutine.
// Frames are written in source order without reordering.
func (p *Pipe) runSequential(ctx context.Context, res *Result) (err error) {
	m, err := p.allocateModel()
	if err != nil {
		return fmt.Errorf("error allocating model: %w", err)
	}
	if f, ok := m.(Flusher); ok {
		defer func() {
			if ferr := f.Flush(context.WithoutCancel(ctx)); ferr != nil && err == nil {
				err = fmt.Errorf("error flushing model: %w", ferr)
			}
		}()
	}
	var (
		sourceMeter = metric.Meter(p.source, p.props.FPS)()
		modelMeter  = metric.Meter(m, p.props.FPS)()
		sinkMeter   = metric.Meter(p.sink, p.props.FPS)()
		log         = p.log.WithField("run", p.uid)
	)
	for i := 0; ; i++ {
		f, err := p.source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.report(i, true)
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return &SourceError{Index: i, Err: err}
		}
		if f == nil {
			return &SourceError{Index: i, Err: ErrNoFrame}
		}
		res.Frames++
		p.submitted.Store(int64(res.Frames))
		sourceMeter(int64(len(f.Pix)))

		out, err := p.apply(ctx, m, i, f)
		switch {
		case err == nil:
			modelMeter(int64(len(out.Pix)))
		case p.policy == Skip:
			log.WithField("index", i).WithError(err).Warn("frame skipped")
			res.Skipped++
		case p.policy == PassThrough:
			log.WithField("index", i).WithError(err).Warn("frame passed through")
			res.Skipped++
			out = f
		default:
			return &TransformError{Index: i, Err: err}
		}
		if out != nil {
			if err := p.sink.Append(out); err != nil {
				return &SinkError{Index: i, Err: err}
			}
			res.Written++
			p.written.Add(1)
			sinkMeter(int64(len(out.Pix)))
		}
		p.report(res.Frames, false)
	}
}

// apply transforms a single frame within the per-frame time limit.
func (p *Pipe) apply(ctx context.Context, m Model, index int, f *image.RGBA) (*image.RGBA, error) {
	ctx, span := p.tracer.Start(ctx, "framepipe.transform",
		trace.WithAttributes(
			attribute.Int("frame.index", index),
			attribute.Int("worker.id", 0),
		),
	)
	defer span.End()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	out, err := m.Apply(ctx, f)
	if err == nil && out == nil {
		err = ErrNoFrame
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "transform failed")
		return nil, err
	}
	return out, nil
}
