package securestore

import (
	"context"
	"sync"

	"golang.org/x/sync/semaphore"
)

// Future is the pending result of an operation submitted to a KeyStore.
type Future[T any] struct {
	done  chan struct{}
	value T
	err   error
}

func newFuture[T any]() *Future[T] {
	return &Future[T]{done: make(chan struct{})}
}

func (f *Future[T]) resolve(value T, err error) {
	f.value = value
	f.err = err
	close(f.done)
}

// Done is closed once the operation has completed.
func (f *Future[T]) Done() <-chan struct{} {
	return f.done
}

// Wait blocks until the operation completes or ctx is done. Returning on
// ctx only stops delivery: the backend call keeps running and whatever it
// commits stands. A completed operation is reported even when ctx is
// already done.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.done:
		return f.value, f.err
	default:
	}
	select {
	case <-f.done:
		return f.value, f.err
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// Result returns the outcome of a completed operation. It blocks until
// the operation is done.
func (f *Future[T]) Result() (T, error) {
	<-f.done
	return f.value, f.err
}

type task struct {
	ctx context.Context
	run func(ctx context.Context)
	// skip resolves the task without calling the backend.
	skip func(err error)
}

type keyQueue struct {
	pending []*task
}

// dispatcher runs tasks on worker goroutines. Tasks sharing a key run one
// at a time in submission order; tasks for different keys run concurrently.
type dispatcher struct {
	mu     sync.Mutex
	queues map[string]*keyQueue
	sem    *semaphore.Weighted
	wg     sync.WaitGroup
	queued func(delta int)
}

func newDispatcher(maxConcurrency int64, queued func(delta int)) *dispatcher {
	d := &dispatcher{
		queues: make(map[string]*keyQueue),
		queued: queued,
	}
	if maxConcurrency > 0 {
		d.sem = semaphore.NewWeighted(maxConcurrency)
	}
	if d.queued == nil {
		d.queued = func(int) {}
	}
	return d
}

// submit enqueues t behind every task already submitted for key.
func (d *dispatcher) submit(key string, t *task) {
	d.wg.Add(1)
	d.queued(1)

	d.mu.Lock()
	q, exists := d.queues[key]
	if !exists {
		q = &keyQueue{}
		d.queues[key] = q
	}
	q.pending = append(q.pending, t)
	d.mu.Unlock()

	if !exists {
		go d.drain(key, q)
	}
}

func (d *dispatcher) drain(key string, q *keyQueue) {
	for {
		d.mu.Lock()
		if len(q.pending) == 0 {
			delete(d.queues, key)
			d.mu.Unlock()
			return
		}
		t := q.pending[0]
		q.pending[0] = nil
		q.pending = q.pending[1:]
		d.mu.Unlock()

		d.execute(t)
		d.queued(-1)
		d.wg.Done()
	}
}

func (d *dispatcher) execute(t *task) {
	if err := t.ctx.Err(); err != nil {
		t.skip(err)
		return
	}
	if d.sem != nil {
		if err := d.sem.Acquire(t.ctx, 1); err != nil {
			t.skip(err)
			return
		}
		defer d.sem.Release(1)
	}
	t.run(t.ctx)
}

// wait blocks until every submitted task has completed.
func (d *dispatcher) wait() {
	d.wg.Wait()
}

// pending returns the number of keys with queued or running tasks.
func (d *dispatcher) pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.queues)
}
