package groupkeys

import (
	"context"
	"sync"
)

// taskQueue runs submitted closures one at a time on a single goroutine.
// Every read and write of the sender key cache, epoch pointers, pending
// buffer and outbox goes through it. Tasks must not call submit.
type taskQueue struct {
	tasks     chan func()
	quit      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

func newTaskQueue() *taskQueue {
	q := &taskQueue{
		tasks: make(chan func()),
		quit:  make(chan struct{}),
		done:  make(chan struct{}),
	}
	go q.run()
	return q
}

func (q *taskQueue) run() {
	defer close(q.done)
	for {
		select {
		case task := <-q.tasks:
			task()
		case <-q.quit:
			return
		}
	}
}

// submit runs fn on the queue and waits for its result. ctx bounds only
// the wait for the queue; once fn has started, submit returns after fn does,
// so callers may read what fn wrote whenever submit returns nil. Tasks only
// touch local state and never block on the network.
func (q *taskQueue) submit(ctx context.Context, fn func() error) error {
	result := make(chan error, 1)
	task := func() { result <- fn() }

	select {
	case q.tasks <- task:
	case <-q.quit:
		return ErrClientClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	return <-result
}

// close stops the queue after the running task, if any, completes.
func (q *taskQueue) close() {
	q.closeOnce.Do(func() {
		close(q.quit)
	})
	<-q.done
}
