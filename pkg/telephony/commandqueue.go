package telephony

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// CommandQueue marshals engine-mutating work onto the single reactor
// goroutine. Enqueue is safe from any goroutine and never blocks;
// DrainPending must only be called from the reactor.
type CommandQueue struct {
	logger  *logrus.Logger
	mutex   sync.Mutex
	pending []func()
}

// NewCommandQueue creates a new command queue
func NewCommandQueue(logger *logrus.Logger) *CommandQueue {
	return &CommandQueue{logger: logger}
}

// Enqueue appends fn to the queue in submission order. A nil fn is ignored.
func (q *CommandQueue) Enqueue(fn func()) {
	if fn == nil {
		return
	}
	q.mutex.Lock()
	q.pending = append(q.pending, fn)
	q.mutex.Unlock()
}

// DrainPending executes every item that was queued before the call, in
// FIFO order. Items enqueued while draining run on the next drain, which
// bounds the latency of a single reactor tick. A panicking item is logged
// and does not stop the remaining items.
func (q *CommandQueue) DrainPending() {
	q.mutex.Lock()
	batch := q.pending
	q.pending = nil
	q.mutex.Unlock()

	for _, fn := range batch {
		q.run(fn)
	}
}

// Len returns the number of currently queued items
func (q *CommandQueue) Len() int {
	q.mutex.Lock()
	defer q.mutex.Unlock()
	return len(q.pending)
}

func (q *CommandQueue) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.WithField("panic", r).Error("Recovered from panic in queued command")
		}
	}()
	fn()
}
