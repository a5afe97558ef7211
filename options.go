package framepipe

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel/trace"
)

// Option provides a way to set functional parameters to pipe.
type Option func(p *Pipe) error

// WithWorkers sets number of parallel workers for pooled mode.
func WithWorkers(n int) Option {
	return func(p *Pipe) error {
		if n < 1 {
			return fmt.Errorf("invalid number of workers: %d", n)
		}
		p.workers = n
		return nil
	}
}

// WithMode sets execution mode. Pooled is used by default.
func WithMode(m Mode) Option {
	return func(p *Pipe) error {
		if m != Pooled && m != Sequential {
			return fmt.Errorf("invalid mode: %d", m)
		}
		p.mode = m
		return nil
	}
}

// WithQueueSize sets the capacity of work queue. Source is not read while
// the queue is full. Default size is twice the number of workers.
func WithQueueSize(n int) Option {
	return func(p *Pipe) error {
		if n < 1 {
			return fmt.Errorf("invalid queue size: %d", n)
		}
		p.queueSize = n
		return nil
	}
}

// WithErrorPolicy sets the handling of failed transformations.
func WithErrorPolicy(policy ErrorPolicy) Option {
	return func(p *Pipe) error {
		switch policy {
		case Abort, Skip, PassThrough:
			p.policy = policy
			return nil
		}
		return fmt.Errorf("invalid error policy: %d", policy)
	}
}

// WithTransformTimeout limits the time of a single frame transformation.
// Models must respect the context to be interrupted.
func WithTransformTimeout(d time.Duration) Option {
	return func(p *Pipe) error {
		p.timeout = d
		return nil
	}
}

// WithLogger sets logger to Pipe. If this option is not provided, silent logger is used.
func WithLogger(logger logrus.FieldLogger) Option {
	return func(p *Pipe) error {
		p.log = logger
		return nil
	}
}

// WithName sets name to Pipe.
func WithName(n string) Option {
	return func(p *Pipe) error {
		p.name = n
		return nil
	}
}

// WithTracerProvider enables tracing of runs and frame transformations.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(p *Pipe) error {
		p.tracer = tp.Tracer(instrumentationName)
		return nil
	}
}

// WithProgress sets a function called after every n submitted frames and
// once the source is done.
func WithProgress(n int, fn func(Progress)) Option {
	return func(p *Pipe) error {
		if n < 1 {
			n = 1
		}
		p.progressEvery = n
		p.progress = fn
		return nil
	}
}
