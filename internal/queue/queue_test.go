package queue_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"pipelined.dev/framepipe/internal/queue"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestFIFO(t *testing.T) {
	ctx := context.Background()
	q := queue.New(10)
	for i := 0; i < 10; i++ {
		require.NoError(t, q.Submit(ctx, queue.Item{Index: i}))
	}
	q.Close()
	for i := 0; i < 10; i++ {
		it, err := q.Take(ctx)
		require.NoError(t, err)
		assert.Equal(t, i, it.Index)
		q.Done()
	}
	_, err := q.Take(ctx)
	assert.Equal(t, queue.ErrClosed, err)
	assert.Equal(t, 0, q.Pending())
}

func TestSubmitAfterClose(t *testing.T) {
	q := queue.New(1)
	q.Close()
	q.Close()
	err := q.Submit(context.Background(), queue.Item{})
	assert.Equal(t, queue.ErrClosed, err)
	assert.Equal(t, 0, q.Pending())
}

func TestBackpressure(t *testing.T) {
	q := queue.New(1)
	require.NoError(t, q.Submit(context.Background(), queue.Item{Index: 0}))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	err := q.Submit(ctx, queue.Item{Index: 1})
	assert.Equal(t, context.DeadlineExceeded, err)
	// cancelled submission is not accounted.
	assert.Equal(t, 1, q.Pending())
	assert.Equal(t, 1, q.Len())
}

func TestTakeCancelled(t *testing.T) {
	q := queue.New(1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := q.Take(ctx)
	assert.Equal(t, context.Canceled, err)

	// waiting items are not taken with done context.
	require.NoError(t, q.Submit(context.Background(), queue.Item{Index: 0}))
	_, err = q.Take(ctx)
	assert.Equal(t, context.Canceled, err)
	assert.Equal(t, 1, q.Len())
}

func TestAwaitDrained(t *testing.T) {
	ctx := context.Background()
	q := queue.New(2)
	// nothing submitted.
	require.NoError(t, q.AwaitDrained(ctx))

	require.NoError(t, q.Submit(ctx, queue.Item{Index: 0}))
	_, err := q.Take(ctx)
	require.NoError(t, err)

	drained := make(chan error)
	go func() {
		drained <- q.AwaitDrained(ctx)
	}()
	// item is taken, but still held by the consumer.
	select {
	case <-drained:
		t.Fatal("drained while item is in progress")
	case <-time.After(20 * time.Millisecond):
	}
	q.Done()
	assert.NoError(t, <-drained)
}

func TestAwaitDrainedCancelled(t *testing.T) {
	q := queue.New(1)
	require.NoError(t, q.Submit(context.Background(), queue.Item{}))
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	assert.Equal(t, context.DeadlineExceeded, q.AwaitDrained(ctx))
}

func TestDoneWithoutPending(t *testing.T) {
	q := queue.New(1)
	assert.Panics(t, q.Done)
}

func TestConsumers(t *testing.T) {
	const (
		consumers = 8
		items     = 1000
	)
	ctx := context.Background()
	q := queue.New(4)

	var (
		m      sync.Mutex
		seen   = make(map[int]int)
		closed = make([]int, consumers)
		wg     sync.WaitGroup
	)
	wg.Add(consumers)
	for c := 0; c < consumers; c++ {
		go func(c int) {
			defer wg.Done()
			for {
				it, err := q.Take(ctx)
				if err == queue.ErrClosed {
					closed[c]++
					return
				}
				m.Lock()
				seen[it.Index]++
				m.Unlock()
				q.Done()
			}
		}(c)
	}
	for i := 0; i < items; i++ {
		require.NoError(t, q.Submit(ctx, queue.Item{Index: i}))
	}
	require.NoError(t, q.AwaitDrained(ctx))
	q.Close()
	wg.Wait()

	assert.Len(t, seen, items)
	for i := 0; i < items; i++ {
		assert.Equal(t, 1, seen[i], "item %d delivered %d times", i, seen[i])
	}
	for c := range closed {
		assert.Equal(t, 1, closed[c])
	}
}
