package sim

import (
	"sync"

	"github.com/notargets/DGRuntime/failure"
)

// queue executes the work of one device in submission order. Draining is a
// barrier task: once it runs, everything submitted before it has run too.
type queue struct {
	tasks   chan func() error
	stopped chan struct{}

	gate   sync.RWMutex // held for reading while sending on tasks
	closed bool

	mu  sync.Mutex
	err error // first asynchronous failure, reported by wait
}

func newQueue(depth int) *queue {
	q := &queue{tasks: make(chan func() error, depth), stopped: make(chan struct{})}
	go q.run()
	return q
}

func (q *queue) run() {
	defer close(q.stopped)
	for task := range q.tasks {
		if err := task(); err != nil {
			q.mu.Lock()
			if q.err == nil {
				q.err = err
			}
			q.mu.Unlock()
		}
	}
}

// submit enqueues task and returns once it is accepted.
func (q *queue) submit(task func() error) error {
	q.gate.RLock()
	defer q.gate.RUnlock()
	if q.closed {
		return failure.Backend("simStreamSubmit()", 4, "device queue is closed")
	}
	q.tasks <- task
	return nil
}

// do enqueues task and waits for it. Its error is returned directly.
func (q *queue) do(task func() error) error {
	done := make(chan error, 1)
	if err := q.submit(func() error {
		done <- task()
		return nil
	}); err != nil {
		return err
	}
	return <-done
}

// wait blocks until everything submitted before it has run and returns the
// first asynchronous error since the previous wait.
func (q *queue) wait() error {
	if err := q.do(func() error { return nil }); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	err := q.err
	q.err = nil
	return err
}

// close drains the queue and stops its goroutine. Later submissions fail.
func (q *queue) close() {
	q.gate.Lock()
	if !q.closed {
		q.closed = true
		close(q.tasks)
	}
	q.gate.Unlock()
	<-q.stopped
}
