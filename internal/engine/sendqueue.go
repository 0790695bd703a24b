package engine

import (
	"context"
	"errors"
	"sync"
)

// errQueueClosed is returned by Pop once the queue is closed and drained.
var errQueueClosed = errors.New("engine: send queue closed")

// sendQueue is an unbounded FIFO of encoded audio chunks sitting between the
// capture pump and the single sender goroutine. Push never blocks — capture
// runs on a real-time device callback and cannot wait on the network — so a
// stalled transport shows up as growing depth rather than lost audio.
type sendQueue struct {
	mu     sync.Mutex
	items  [][]byte
	closed bool

	// notify wakes the single consumer; one slot coalesces bursts.
	notify chan struct{}
}

func newSendQueue() *sendQueue {
	return &sendQueue{notify: make(chan struct{}, 1)}
}

// Push appends chunk to the queue. It never blocks. Chunks pushed after
// Close are dropped.
func (q *sendQueue) Push(chunk []byte) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.items = append(q.items, chunk)
	q.mu.Unlock()
	q.kick()
}

// Pop removes and returns the oldest chunk, blocking until one is available,
// the queue is closed, or ctx is cancelled. A closed queue drains its
// remaining chunks before Pop reports errQueueClosed. Single consumer only.
func (q *sendQueue) Pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			chunk := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			if len(q.items) == 0 {
				q.items = nil
			}
			q.mu.Unlock()
			return chunk, nil
		}
		closed := q.closed
		q.mu.Unlock()

		if closed {
			return nil, errQueueClosed
		}

		select {
		case <-q.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Depth returns the number of queued chunks. A depth that keeps growing
// means the transport has stalled.
func (q *sendQueue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close marks the queue closed and wakes the consumer. Idempotent.
func (q *sendQueue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.kick()
}

func (q *sendQueue) kick() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}
