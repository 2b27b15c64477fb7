package projector

import "sync"

// noticeQueue hands notifications from the stream goroutine to the notifier
// goroutine. push never blocks.
type noticeQueue struct {
	mu     sync.Mutex
	cond   *sync.Cond
	items  []Notification
	closed bool
}

func newNoticeQueue() *noticeQueue {
	q := &noticeQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *noticeQueue) push(n Notification) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.items = append(q.items, n)
	q.cond.Signal()
}

func (q *noticeQueue) close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	q.cond.Broadcast()
}

// pop waits for the next notification. ok is false once the queue is closed and drained.
func (q *noticeQueue) pop() (Notification, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return Notification{}, false
	}
	n := q.items[0]
	q.items[0] = Notification{}
	q.items = q.items[1:]
	return n, true
}
