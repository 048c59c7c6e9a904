package peer

import "sync"

// inbox runs posted functions one at a time, in order, on its own
// goroutine. Posting never blocks.
type inbox struct {
	mu     sync.Mutex
	queue  []func()
	wake   chan struct{}
	done   chan struct{}
	closed bool
	idle   *sync.Cond
	busy   bool
}

func newInbox() *inbox {
	q := &inbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
	q.idle = sync.NewCond(&q.mu)
	go q.run()
	return q
}

func (q *inbox) post(fn func()) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.queue = append(q.queue, fn)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// drain blocks until everything posted so far has run.
func (q *inbox) drain() {
	q.mu.Lock()
	for (len(q.queue) > 0 || q.busy) && !q.closed {
		q.idle.Wait()
	}
	q.mu.Unlock()
}

func (q *inbox) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	q.queue = nil
	q.idle.Broadcast()
	q.mu.Unlock()
	close(q.done)
}

func (q *inbox) run() {
	for {
		select {
		case <-q.done:
			return
		case <-q.wake:
		}
		for {
			q.mu.Lock()
			if len(q.queue) == 0 || q.closed {
				q.busy = false
				q.idle.Broadcast()
				q.mu.Unlock()
				break
			}
			fn := q.queue[0]
			q.queue = q.queue[1:]
			q.busy = true
			q.mu.Unlock()
			fn()
		}
	}
}
