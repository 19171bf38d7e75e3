package stream

import "sync"

// serialQueue runs submitted tasks one at a time, in submission order, on a
// goroutine that exists only while work is pending.
type serialQueue struct {
	mu      sync.Mutex
	tasks   []func()
	running bool
	closed  bool
	wg      sync.WaitGroup
}

// Submit enqueues task. It returns false once the queue is closed.
func (q *serialQueue) Submit(task func()) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, task)
	if !q.running {
		q.running = true
		q.wg.Add(1)
		go q.drain()
	}
	return true
}

func (q *serialQueue) drain() {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if len(q.tasks) == 0 || q.closed {
			q.tasks = nil
			q.running = false
			q.mu.Unlock()
			return
		}
		task := q.tasks[0]
		q.tasks = q.tasks[1:]
		q.mu.Unlock()

		task()
	}
}

// Close drops pending tasks. A task already running is allowed to finish.
func (q *serialQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.tasks = nil
	q.mu.Unlock()
}

// Wait blocks until the queue is idle.
func (q *serialQueue) Wait() {
	q.wg.Wait()
}
