package framepipe

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/xid"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"pipelined.dev/framepipe/internal/queue"
	"pipelined.dev/framepipe/internal/reorder"
	"pipelined.dev/framepipe/internal/runner"
	"pipelined.dev/framepipe/log"
	"pipelined.dev/framepipe/metric"
)

const (
	instrumentationName  = "pipelined.dev/framepipe"
	defaultProgressEvery = 10
)

// Pipe processes frames from the source with the model and writes them
// into the sink in source order. Pipe can be run only once.
type Pipe struct {
	uid  string
	name string

	source Source
	model  ModelAllocatorFunc
	sink   Sink
	props  Properties

	mode      Mode
	workers   int
	queueSize int
	policy    ErrorPolicy
	timeout   time.Duration

	log    logrus.FieldLogger
	tracer trace.Tracer

	progressEvery int
	progress      func(Progress)
	submitted     atomic.Int64
	written       atomic.Int64
	total         atomic.Int64

	m     sync.Mutex
	state State
}

// Result describes a finished run.
type Result struct {
	RunID    string
	Mode     Mode
	Workers  int
	Frames   int // frames accepted from the source
	Written  int // frames appended to the sink
	Skipped  int // frames failed to transform
	Elapsed  time.Duration
	Complete bool // false if output is incomplete due to an error
}

// Progress is a snapshot of running pipe counters. Total is zero if
// source doesn't know the number of frames.
type Progress struct {
	Submitted int
	Written   int
	Total     int
}

// newUID returns new unique id value.
func newUID() string {
	return xid.New().String()
}

// New creates a new pipe and applies provided options. Returned pipe is
// in Idle state.
func New(source Source, model ModelAllocatorFunc, sink Sink, options ...Option) (*Pipe, error) {
	if source == nil || model == nil || sink == nil {
		return nil, errors.New("source, model and sink are required")
	}
	p := &Pipe{
		uid:           newUID(),
		source:        source,
		model:         model,
		sink:          sink,
		mode:          Pooled,
		workers:       runtime.NumCPU(),
		policy:        Abort,
		log:           log.Silent(),
		tracer:        noop.NewTracerProvider().Tracer(instrumentationName),
		progressEvery: defaultProgressEvery,
	}
	for _, option := range options {
		if err := option(p); err != nil {
			return nil, err
		}
	}
	if p.mode == Sequential {
		p.workers = 1
	}
	if p.queueSize == 0 {
		p.queueSize = 2 * p.workers
	}
	return p, nil
}

// Run executes the pipe. It blocks until all frames are written or the
// first fatal error happens. Sink and source are closed when Run returns.
func (p *Pipe) Run(ctx context.Context) (Result, error) {
	if err := p.begin(); err != nil {
		return Result{}, err
	}
	started := time.Now()
	ctx, span := p.tracer.Start(ctx, "framepipe.run",
		trace.WithAttributes(
			attribute.String("run.id", p.uid),
			attribute.String("run.mode", p.mode.String()),
			attribute.Int("run.workers", p.workers),
		),
	)
	defer span.End()

	l := p.log.WithField("run", p.uid)
	l.WithFields(logrus.Fields{
		"name":    p.name,
		"mode":    p.mode.String(),
		"workers": p.workers,
	}).Info("pipe started")

	res := Result{
		RunID:   p.uid,
		Mode:    p.mode,
		Workers: p.workers,
	}
	errExec := p.startComponents(ctx)
	if errExec == nil {
		switch p.mode {
		case Sequential:
			errExec = p.runSequential(ctx, &res)
		default:
			errExec = p.runPooled(ctx, &res)
		}
	}
	errFlush := p.closeComponents()
	res.Elapsed = time.Since(started)

	fields := logrus.Fields{
		"frames":  res.Frames,
		"written": res.Written,
		"skipped": res.Skipped,
		"elapsed": res.Elapsed.String(),
	}
	if errExec == nil && errFlush == nil {
		res.Complete = true
		l.WithFields(fields).Info("pipe done")
		return res, nil
	}
	err := &ErrorRun{ErrExec: errExec, ErrFlush: errFlush}
	span.RecordError(err)
	span.SetStatus(codes.Error, "run failed")
	l.WithFields(fields).WithError(err).Error("pipe failed, output is incomplete")
	return res, err
}

// begin moves idle pipe into running state.
func (p *Pipe) begin() error {
	p.m.Lock()
	if p.state != Idle {
		p.m.Unlock()
		return ErrInvalidState
	}
	p.state = Running
	p.m.Unlock()
	p.logTransition(Idle, Running)
	return nil
}

// runPooled distributes frames among workers and restores their order in
// the reorder buffer.
func (p *Pipe) runPooled(ctx context.Context, res *Result) error {
	workers, err := p.allocateWorkers()
	if err != nil {
		return err
	}
	sinkMeter := metric.Meter(p.sink, p.props.FPS)()
	buf := reorder.New(func(f *image.RGBA) error {
		if err := p.sink.Append(f); err != nil {
			return err
		}
		sinkMeter(int64(len(f.Pix)))
		p.written.Add(1)
		return nil
	})
	q := queue.New(p.queueSize)
	pool := runner.Pool{
		Queue:   q,
		Buffer:  buf,
		Policy:  p.policy,
		Timeout: p.timeout,
		Tracer:  p.tracer,
		Logger:  p.log.WithField("run", p.uid),
	}
	pctx := pool.Start(ctx, workers)

	frames, errSource := p.feed(pctx, q)
	res.Frames = frames
	var (
		errDrain    error
		sourceError *SourceError
	)
	if errSource == nil || errors.As(errSource, &sourceError) {
		p.transition(Draining)
		errDrain = q.AwaitDrained(pctx)
	}
	// every worker receives closed queue and exits.
	q.Close()
	errPool := pool.Wait()
	p.transition(Flushing)
	res.Written, res.Skipped = buf.Written(), buf.Skipped()

	switch {
	case errPool != nil:
		return errPool
	case errSource != nil:
		return errSource
	case errDrain != nil:
		return errDrain
	}
	return buf.Check()
}

// feed reads frames from the source and submits them into the queue. It
// returns the number of submitted frames.
func (p *Pipe) feed(ctx context.Context, q *queue.Queue) (int, error) {
	meter := metric.Meter(p.source, p.props.FPS)()
	n := 0
	for {
		f, err := p.source.Next(ctx)
		if err != nil {
			if errors.Is(err, io.EOF) {
				p.report(n, true)
				return n, nil
			}
			if ctx.Err() != nil {
				return n, ctx.Err()
			}
			return n, &SourceError{Index: n, Err: err}
		}
		if f == nil {
			return n, &SourceError{Index: n, Err: ErrNoFrame}
		}
		meter(int64(len(f.Pix)))
		if err := q.Submit(ctx, queue.Item{Index: n, Frame: f}); err != nil {
			if errors.Is(err, queue.ErrClosed) {
				return n, ErrQueueClosed
			}
			return n, err
		}
		n++
		p.submitted.Store(int64(n))
		p.report(n, false)
	}
}

// allocateWorkers creates a model instance for every worker. If any of
// allocators failed, the error will be returned and flush hooks won't be
// triggered.
func (p *Pipe) allocateWorkers() ([]runner.Worker, error) {
	workers := make([]runner.Worker, 0, p.workers)
	for i := 0; i < p.workers; i++ {
		m, err := p.allocateModel()
		if err != nil {
			return nil, fmt.Errorf("error allocating model for worker %d: %w", i, err)
		}
		workers = append(workers, runner.Worker{
			ID:    i,
			Fn:    m.Apply,
			Flush: flusher(m),
			Meter: metric.Meter(m, p.props.FPS),
		})
	}
	return workers, nil
}

func (p *Pipe) allocateModel() (Model, error) {
	m, err := p.model()
	if err != nil {
		return nil, err
	}
	if m == nil {
		return nil, errors.New("allocator returned nil model")
	}
	return m, nil
}

// startComponents calls start hooks of source and sink.
func (p *Pipe) startComponents(ctx context.Context) error {
	if s, ok := p.source.(Starter); ok {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("error starting source: %w", err)
		}
	}
	if s, ok := p.sink.(Starter); ok {
		if err := s.Start(ctx); err != nil {
			return fmt.Errorf("error starting sink: %w", err)
		}
	}
	if d, ok := p.source.(Describer); ok {
		p.props = d.Properties()
		p.total.Store(int64(p.props.Frames))
	}
	return nil
}

// closeComponents releases sink and source. Both are closed even if one
// of them fails.
func (p *Pipe) closeComponents() error {
	if p.State() != Flushing {
		p.transition(Flushing)
	}
	var errs execErrors
	if err := p.sink.Close(); err != nil {
		errs = append(errs, fmt.Errorf("error closing sink: %w", err))
	}
	if c, ok := p.source.(io.Closer); ok {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("error closing source: %w", err))
		}
	}
	p.transition(Closed)
	return errs.ret()
}

// report calls progress function every n frames and when source is done.
func (p *Pipe) report(n int, done bool) {
	if !done && n%p.progressEvery != 0 {
		return
	}
	progress := p.Progress()
	p.log.WithFields(logrus.Fields{
		"run":       p.uid,
		"submitted": progress.Submitted,
		"total":     progress.Total,
	}).Debug("frames submitted")
	if p.progress != nil {
		p.progress(progress)
	}
}

// Progress returns current counters of the pipe. It's safe to call it
// while pipe is running.
func (p *Pipe) Progress() Progress {
	return Progress{
		Submitted: int(p.submitted.Load()),
		Written:   int(p.written.Load()),
		Total:     int(p.total.Load()),
	}
}

// ID returns unique id of the pipe.
func (p *Pipe) ID() string {
	return p.uid
}

// Convert pipe to string. If name is included if has value.
func (p *Pipe) String() string {
	if p.name == "" {
		return p.uid
	}
	return fmt.Sprintf("%v %v", p.name, p.uid)
}

func flusher(m Model) runner.Flush {
	if f, ok := m.(Flusher); ok {
		return f.Flush
	}
	return nil
}
