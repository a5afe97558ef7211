package framepipe_test

import (
	"context"
	"errors"
	"math/rand"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/goleak"

	"pipelined.dev/framepipe"
	"pipelined.dev/framepipe/internal/mock"
)

var errTest = errors.New("test error")

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func sequence(n int) []int {
	s := make([]int, 0, n)
	for i := 0; i < n; i++ {
		s = append(s, i)
	}
	return s
}

func failAt(index int) func(int) error {
	return func(i int) error {
		if i == index {
			return errTest
		}
		return nil
	}
}

func TestScenarios(t *testing.T) {
	const unit = 5 * time.Millisecond
	t.Run("10 frames 3 workers", func(t *testing.T) {
		source := &mock.Source{Limit: 10}
		models := &mock.Allocator{
			Delay: func(i int) time.Duration {
				return time.Duration((9-i)%3) * unit
			},
		}
		sink := &mock.Sink{}
		p, err := framepipe.New(source, models.Allocate, sink, framepipe.WithWorkers(3))
		assert.NoError(t, err)

		res, err := p.Run(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, sequence(10), sink.Indices())
		assert.Equal(t, 10, res.Frames)
		assert.Equal(t, 10, res.Written)
		assert.Equal(t, 3, res.Workers)
		assert.True(t, res.Complete)
		assert.True(t, sink.Closed)
		for _, f := range sink.Frames() {
			assert.True(t, mock.Processed(f))
		}
	})
	t.Run("1 frame 4 workers", func(t *testing.T) {
		source := &mock.Source{Limit: 1}
		models := &mock.Allocator{}
		sink := &mock.Sink{}
		p, err := framepipe.New(source, models.Allocate, sink, framepipe.WithWorkers(4))
		assert.NoError(t, err)

		res, err := p.Run(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, []int{0}, sink.Indices())
		assert.Equal(t, 1, res.Written)
		assert.Len(t, models.Models(), 4)
		for _, m := range models.Models() {
			assert.Equal(t, 1, m.Flushed())
		}
	})
	t.Run("0 frames", func(t *testing.T) {
		source := &mock.Source{}
		sink := &mock.Sink{}
		p, err := framepipe.New(source, (&mock.Allocator{}).Allocate, sink, framepipe.WithWorkers(3))
		assert.NoError(t, err)

		res, err := p.Run(context.Background())
		assert.NoError(t, err)
		assert.Empty(t, sink.Indices())
		assert.Equal(t, 0, res.Written)
		assert.True(t, res.Complete)
		assert.True(t, sink.Closed)
		assert.True(t, source.Closed)
		assert.Equal(t, framepipe.Closed, p.State())
	})
	t.Run("sink fails at 5", func(t *testing.T) {
		source := &mock.Source{Limit: 10}
		sink := &mock.Sink{ErrorOnCall: errTest, ErrorAt: 5}
		p, err := framepipe.New(source, (&mock.Allocator{}).Allocate, sink, framepipe.WithWorkers(3))
		assert.NoError(t, err)

		res, err := p.Run(context.Background())
		var sinkErr *framepipe.SinkError
		assert.True(t, errors.As(err, &sinkErr))
		assert.Equal(t, 5, sinkErr.Index)
		assert.True(t, errors.Is(err, errTest))
		assert.Equal(t, sequence(5), sink.Indices())
		assert.Equal(t, 5, res.Written)
		assert.False(t, res.Complete)
		assert.True(t, sink.Closed)
	})
}

func TestOrder(t *testing.T) {
	testOrder := func(workers, frames, queue int, mode framepipe.Mode) func(*testing.T) {
		return func(t *testing.T) {
			r := rand.New(rand.NewSource(int64(workers*frames + queue)))
			delays := make([]time.Duration, frames)
			for i := range delays {
				delays[i] = time.Duration(r.Intn(500)) * time.Microsecond
			}
			source := &mock.Source{Limit: frames}
			models := &mock.Allocator{
				Delay: func(i int) time.Duration {
					return delays[i]
				},
			}
			sink := &mock.Sink{Discard: true}
			p, err := framepipe.New(source, models.Allocate, sink,
				framepipe.WithWorkers(workers),
				framepipe.WithQueueSize(queue),
				framepipe.WithMode(mode),
			)
			assert.NoError(t, err)

			res, err := p.Run(context.Background())
			assert.NoError(t, err)
			assert.Equal(t, sequence(frames), sink.Indices())
			assert.Equal(t, frames, res.Written)

			processed := 0
			for _, m := range models.Models() {
				processed += m.Count()
			}
			assert.Equal(t, frames, processed)
		}
	}
	t.Run("1 worker", testOrder(1, 50, 1, framepipe.Pooled))
	t.Run("2 workers", testOrder(2, 100, 1, framepipe.Pooled))
	t.Run("4 workers", testOrder(4, 200, 8, framepipe.Pooled))
	t.Run("8 workers", testOrder(8, 200, 3, framepipe.Pooled))
	t.Run("more workers than frames", testOrder(16, 5, 2, framepipe.Pooled))
	t.Run("sequential", testOrder(4, 50, 2, framepipe.Sequential))
}

func TestSourceError(t *testing.T) {
	testSourceError := func(mode framepipe.Mode) func(*testing.T) {
		return func(t *testing.T) {
			source := &mock.Source{Limit: 10, ErrorOnCall: errTest, ErrorAt: 4}
			sink := &mock.Sink{}
			p, err := framepipe.New(source, (&mock.Allocator{}).Allocate, sink,
				framepipe.WithWorkers(3),
				framepipe.WithMode(mode),
			)
			assert.NoError(t, err)

			res, err := p.Run(context.Background())
			var sourceErr *framepipe.SourceError
			assert.True(t, errors.As(err, &sourceErr))
			assert.Equal(t, 4, sourceErr.Index)
			assert.True(t, errors.Is(err, errTest))
			// accepted frames are still written.
			assert.Equal(t, sequence(4), sink.Indices())
			assert.Equal(t, 4, res.Frames)
			assert.False(t, res.Complete)
			assert.True(t, sink.Closed)
		}
	}
	t.Run("pooled", testSourceError(framepipe.Pooled))
	t.Run("sequential", testSourceError(framepipe.Sequential))
}

// Remaining workers stop taking frames after the first failed frame.
func TestAbortPrompt(t *testing.T) {
	var calls atomic.Int32
	models := &mock.Allocator{
		Delay: func(i int) time.Duration {
			calls.Add(1)
			if i == 0 {
				return 10 * time.Millisecond
			}
			return 20 * time.Millisecond
		},
		Fail: func(i int) error {
			if i == 0 {
				return errTest
			}
			return nil
		},
	}
	sink := &mock.Sink{}
	p, err := framepipe.New(&mock.Source{Limit: 100}, models.Allocate, sink,
		framepipe.WithWorkers(2),
		framepipe.WithQueueSize(32),
	)
	assert.NoError(t, err)
	res, err := p.Run(context.Background())
	var terr *framepipe.TransformError
	if assert.True(t, errors.As(err, &terr), "unexpected error: %v", err) {
		assert.Equal(t, 0, terr.Index)
	}
	assert.False(t, res.Complete)
	assert.LessOrEqual(t, calls.Load(), int32(2))
	assert.Empty(t, sink.Indices())
}

func TestErrorPolicy(t *testing.T) {
	type expected struct {
		indices []int
		skipped int
		err     bool
	}
	testPolicy := func(mode framepipe.Mode, policy framepipe.ErrorPolicy, e expected) func(*testing.T) {
		return func(t *testing.T) {
			source := &mock.Source{Limit: 10}
			sink := &mock.Sink{}
			models := &mock.Allocator{Fail: failAt(3)}
			p, err := framepipe.New(source, models.Allocate, sink,
				framepipe.WithWorkers(2),
				framepipe.WithMode(mode),
				framepipe.WithErrorPolicy(policy),
			)
			assert.NoError(t, err)

			res, err := p.Run(context.Background())
			assert.Equal(t, e.indices, sink.Indices())
			assert.Equal(t, e.skipped, res.Skipped)
			if e.err {
				var transformErr *framepipe.TransformError
				assert.True(t, errors.As(err, &transformErr))
				assert.Equal(t, 3, transformErr.Index)
				assert.False(t, res.Complete)
				return
			}
			assert.NoError(t, err)
			assert.True(t, res.Complete)
		}
	}
	all := sequence(10)
	withoutFailed := append(sequence(3), all[4:]...)
	for _, mode := range []framepipe.Mode{framepipe.Pooled, framepipe.Sequential} {
		t.Run(mode.String()+" abort", testPolicy(mode, framepipe.Abort, expected{
			indices: sequence(3),
			err:     true,
		}))
		t.Run(mode.String()+" skip", testPolicy(mode, framepipe.Skip, expected{
			indices: withoutFailed,
			skipped: 1,
		}))
		t.Run(mode.String()+" pass", testPolicy(mode, framepipe.PassThrough, expected{
			indices: all,
			skipped: 1,
		}))
	}
}

func TestPassThroughFrame(t *testing.T) {
	sink := &mock.Sink{}
	p, err := framepipe.New(&mock.Source{Limit: 5}, (&mock.Allocator{Fail: failAt(2)}).Allocate, sink,
		framepipe.WithErrorPolicy(framepipe.PassThrough),
	)
	assert.NoError(t, err)
	_, err = p.Run(context.Background())
	assert.NoError(t, err)
	for i, f := range sink.Frames() {
		assert.Equal(t, i != 2, mock.Processed(f))
	}
}

func TestTransformTimeout(t *testing.T) {
	models := &mock.Allocator{
		Delay: func(int) time.Duration { return time.Second },
	}
	sink := &mock.Sink{}
	p, err := framepipe.New(&mock.Source{Limit: 3}, models.Allocate, sink,
		framepipe.WithWorkers(3),
		framepipe.WithTransformTimeout(10*time.Millisecond),
		framepipe.WithErrorPolicy(framepipe.Skip),
	)
	assert.NoError(t, err)

	res, err := p.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, 3, res.Skipped)
	assert.Empty(t, sink.Indices())
}

func TestNoFrame(t *testing.T) {
	sink := &mock.Sink{}
	p, err := framepipe.New(&mock.Source{Limit: 3}, framepipe.Shared(&mock.Model{Nil: true}), sink,
		framepipe.WithMode(framepipe.Sequential),
	)
	assert.NoError(t, err)

	_, err = p.Run(context.Background())
	assert.True(t, errors.Is(err, framepipe.ErrNoFrame))
}

func TestCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	source := &mock.Source{Limit: 1000, Interval: time.Millisecond}
	sink := &mock.Sink{}
	p, err := framepipe.New(source, (&mock.Allocator{}).Allocate, sink,
		framepipe.WithWorkers(2),
		framepipe.WithProgress(10, func(framepipe.Progress) { cancel() }),
	)
	assert.NoError(t, err)

	res, err := p.Run(ctx)
	assert.True(t, errors.Is(err, context.Canceled))
	assert.False(t, res.Complete)
	assert.True(t, sink.Closed)
}

func TestHooks(t *testing.T) {
	t.Run("start source", func(t *testing.T) {
		source := &mock.Source{Limit: 3, Hooks: mock.Hooks{ErrorOnStart: errTest}}
		sink := &mock.Sink{}
		p, _ := framepipe.New(source, (&mock.Allocator{}).Allocate, sink)
		_, err := p.Run(context.Background())
		var runErr *framepipe.ErrorRun
		assert.True(t, errors.As(err, &runErr))
		assert.True(t, errors.Is(runErr.ErrExec, errTest))
		assert.Nil(t, runErr.ErrFlush)
		assert.Empty(t, sink.Indices())
		assert.True(t, sink.Closed)
		assert.True(t, source.Closed)
	})
	t.Run("close", func(t *testing.T) {
		source := &mock.Source{Limit: 3, Hooks: mock.Hooks{ErrorOnClose: errTest}}
		sink := &mock.Sink{Hooks: mock.Hooks{ErrorOnClose: errTest}}
		p, _ := framepipe.New(source, (&mock.Allocator{}).Allocate, sink)
		res, err := p.Run(context.Background())
		var runErr *framepipe.ErrorRun
		assert.True(t, errors.As(err, &runErr))
		assert.Nil(t, runErr.ErrExec)
		assert.True(t, errors.Is(runErr.ErrFlush, errTest))
		assert.Equal(t, sequence(3), sink.Indices())
		assert.False(t, res.Complete)
		assert.True(t, source.Started)
		assert.True(t, sink.Started)
	})
	t.Run("flush", func(t *testing.T) {
		models := &mock.Allocator{ErrorOnFlush: errTest}
		p, _ := framepipe.New(&mock.Source{Limit: 3}, models.Allocate, &mock.Sink{}, framepipe.WithWorkers(2))
		_, err := p.Run(context.Background())
		assert.True(t, errors.Is(err, errTest))
	})
	t.Run("allocate", func(t *testing.T) {
		sink := &mock.Sink{}
		models := &mock.Allocator{ErrorOnAllocate: errTest}
		p, _ := framepipe.New(&mock.Source{Limit: 3}, models.Allocate, sink)
		_, err := p.Run(context.Background())
		assert.True(t, errors.Is(err, errTest))
		assert.True(t, sink.Closed)
	})
}

func TestRunTwice(t *testing.T) {
	p, err := framepipe.New(&mock.Source{Limit: 3}, (&mock.Allocator{}).Allocate, &mock.Sink{})
	assert.NoError(t, err)
	assert.Equal(t, framepipe.Idle, p.State())

	_, err = p.Run(context.Background())
	assert.NoError(t, err)
	assert.Equal(t, framepipe.Closed, p.State())

	_, err = p.Run(context.Background())
	assert.Equal(t, framepipe.ErrInvalidState, err)
}

func TestRunConcurrently(t *testing.T) {
	for i := 0; i < 50; i++ {
		source := &mock.Source{Limit: 5}
		p, err := framepipe.New(source, (&mock.Allocator{}).Allocate, &mock.Sink{Discard: true})
		assert.NoError(t, err)
		var (
			wg      sync.WaitGroup
			invalid atomic.Int32
		)
		for j := 0; j < 2; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if _, err := p.Run(context.Background()); errors.Is(err, framepipe.ErrInvalidState) {
					invalid.Add(1)
				}
			}()
		}
		wg.Wait()
		assert.Equal(t, int32(1), invalid.Load())
		frames, _ := source.Count()
		assert.Equal(t, 5, frames)
	}
}

func TestProgress(t *testing.T) {
	var (
		m        sync.Mutex
		reported []framepipe.Progress
	)
	p, err := framepipe.New(&mock.Source{Limit: 10}, (&mock.Allocator{}).Allocate, &mock.Sink{},
		framepipe.WithProgress(3, func(progress framepipe.Progress) {
			m.Lock()
			reported = append(reported, progress)
			m.Unlock()
		}),
	)
	assert.NoError(t, err)

	_, err = p.Run(context.Background())
	assert.NoError(t, err)
	assert.Len(t, reported, 4)
	last := reported[len(reported)-1]
	assert.Equal(t, 10, last.Submitted)
	assert.Equal(t, 10, last.Total)
	assert.Equal(t, framepipe.Progress{Submitted: 10, Written: 10, Total: 10}, p.Progress())
}

func TestSpans(t *testing.T) {
	recorder := tracetest.NewSpanRecorder()
	tp := trace.NewTracerProvider(trace.WithSpanProcessor(recorder))
	p, err := framepipe.New(&mock.Source{Limit: 5}, (&mock.Allocator{}).Allocate, &mock.Sink{},
		framepipe.WithWorkers(2),
		framepipe.WithTracerProvider(tp),
	)
	assert.NoError(t, err)

	_, err = p.Run(context.Background())
	assert.NoError(t, err)
	assert.NoError(t, tp.Shutdown(context.Background()))

	names := map[string]int{}
	for _, s := range recorder.Ended() {
		names[s.Name()]++
	}
	assert.Equal(t, 1, names["framepipe.run"])
	assert.Equal(t, 5, names["framepipe.transform"])
}

func TestOptions(t *testing.T) {
	source, sink := &mock.Source{}, &mock.Sink{}
	model := (&mock.Allocator{}).Allocate
	testOption := func(option framepipe.Option) func(*testing.T) {
		return func(t *testing.T) {
			_, err := framepipe.New(source, model, sink, option)
			assert.Error(t, err)
		}
	}
	t.Run("workers", testOption(framepipe.WithWorkers(0)))
	t.Run("queue", testOption(framepipe.WithQueueSize(0)))
	t.Run("mode", testOption(framepipe.WithMode(framepipe.Mode(5))))
	t.Run("policy", testOption(framepipe.WithErrorPolicy(framepipe.ErrorPolicy(7))))
	t.Run("missing components", func(t *testing.T) {
		_, err := framepipe.New(nil, model, sink)
		assert.Error(t, err)
	})
	t.Run("sequential", func(t *testing.T) {
		p, err := framepipe.New(&mock.Source{Limit: 1}, model, &mock.Sink{},
			framepipe.WithWorkers(8),
			framepipe.WithMode(framepipe.Sequential),
			framepipe.WithName("single"),
		)
		assert.NoError(t, err)
		assert.Contains(t, p.String(), "single")
		res, err := p.Run(context.Background())
		assert.NoError(t, err)
		assert.Equal(t, 1, res.Workers)
		assert.Equal(t, framepipe.Sequential, res.Mode)
		assert.Equal(t, p.ID(), res.RunID)
	})
}

func TestParse(t *testing.T) {
	for s, expected := range map[string]framepipe.Mode{
		"pool":   framepipe.Pooled,
		"multi":  framepipe.Pooled,
		"single": framepipe.Sequential,
	} {
		m, err := framepipe.ParseMode(s)
		assert.NoError(t, err)
		assert.Equal(t, expected, m)
	}
	_, err := framepipe.ParseMode("threads")
	assert.Error(t, err)

	for _, expected := range []framepipe.ErrorPolicy{framepipe.Abort, framepipe.Skip, framepipe.PassThrough} {
		policy, err := framepipe.ParseErrorPolicy(expected.String())
		assert.NoError(t, err)
		assert.Equal(t, expected, policy)
	}
	_, err = framepipe.ParseErrorPolicy("retry")
	assert.Error(t, err)
}
