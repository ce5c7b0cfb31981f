package securestore

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDispatcherOrdersSameKey(t *testing.T) {
	d := newDispatcher(0, nil)

	var (
		mu    sync.Mutex
		order []int
	)
	for i := 0; i < 100; i++ {
		i := i
		d.submit("k", &task{
			ctx: context.Background(),
			run: func(context.Context) {
				mu.Lock()
				order = append(order, i)
				mu.Unlock()
			},
			skip: func(error) { t.Errorf("task %d skipped", i) },
		})
	}
	d.wait()

	require.Len(t, order, 100)
	for i, v := range order {
		assert.Equal(t, i, v, "Tasks must run in submission order")
	}
	assert.Equal(t, 0, d.pending(), "Idle keys must not keep a queue")
}

func TestDispatcherQueuedCounter(t *testing.T) {
	var (
		mu     sync.Mutex
		queued int
		peak   int
	)
	d := newDispatcher(0, func(delta int) {
		mu.Lock()
		defer mu.Unlock()
		queued += delta
		if queued > peak {
			peak = queued
		}
	})

	release := make(chan struct{})
	for _, key := range []string{"a", "a", "b"} {
		d.submit(key, &task{
			ctx:  context.Background(),
			run:  func(context.Context) { <-release },
			skip: func(error) {},
		})
	}
	assert.Equal(t, 2, d.pending())
	close(release)
	d.wait()

	assert.Equal(t, 0, queued)
	assert.Equal(t, 3, peak)
}

func TestDispatcherSkipsCanceledTask(t *testing.T) {
	d := newDispatcher(0, nil)
	release := make(chan struct{})
	d.submit("k", &task{
		ctx:  context.Background(),
		run:  func(context.Context) { <-release },
		skip: func(error) {},
	})

	ctx, cancel := context.WithCancel(context.Background())
	var skipped error
	ran := false
	d.submit("k", &task{
		ctx:  ctx,
		run:  func(context.Context) { ran = true },
		skip: func(err error) { skipped = err },
	})
	cancel()
	close(release)
	d.wait()

	assert.False(t, ran)
	assert.ErrorIs(t, skipped, context.Canceled)
}

func TestDispatcherConcurrencyLimit(t *testing.T) {
	d := newDispatcher(1, nil)
	started := make(chan string, 2)
	release := make(chan struct{})

	for _, key := range []string{"a", "b"} {
		key := key
		d.submit(key, &task{
			ctx: context.Background(),
			run: func(context.Context) {
				started <- key
				<-release
			},
			skip: func(error) {},
		})
	}

	<-started
	select {
	case key := <-started:
		t.Fatalf("task for %q started while the limit was reached", key)
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	d.wait()
	assert.Len(t, started, 1)
}

func TestFutureWait(t *testing.T) {
	f := newFuture[int]()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := f.Wait(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	f.resolve(7, nil)
	<-f.Done()
	v, err := f.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	v, err = f.Result()
	require.NoError(t, err)
	assert.Equal(t, 7, v)
}

func TestFutureWaitPrefersResult(t *testing.T) {
	f := newFuture[int]()
	f.resolve(7, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 1000; i++ {
		v, err := f.Wait(ctx)
		require.NoError(t, err)
		require.Equal(t, 7, v)
	}
}
