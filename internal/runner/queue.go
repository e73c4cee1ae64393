package runner

import "sync"

// item is one unit of work for an operation: a raw callback, or an
// operator stop request when stop is set.
type item struct {
	payload map[string]any
	stop    string
}

// CallbackQueue serializes work for one operation. Only the goroutine
// holding the lock drives the bridge.
//
// Operator stops travel through the same queue as callbacks. The bridge is
// not safe for concurrent use, and a stop must land after every callback
// already accepted for the operation.
type CallbackQueue struct {
	opID    string
	pending []item
	mu      sync.Mutex
	locked  bool
}

func NewCallbackQueue(opID string) *CallbackQueue {
	return &CallbackQueue{opID: opID}
}

func (q *CallbackQueue) Enqueue(it item) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.pending = append(q.pending, it)
}

func (q *CallbackQueue) Dequeue() (item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.pending) == 0 {
		return item{}, false
	}

	it := q.pending[0]
	q.pending[0] = item{}
	q.pending = q.pending[1:]
	return it, true
}

func (q *CallbackQueue) TryLock() bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.locked {
		return false
	}
	q.locked = true
	return true
}

func (q *CallbackQueue) Unlock() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.locked = false
}

func (q *CallbackQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
