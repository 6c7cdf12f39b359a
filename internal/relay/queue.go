package relay

import (
	"context"
	"sync"
)

// sendQueue is an unbounded FIFO of serialized outbound messages. push never
// blocks; pop blocks until a message is available or ctx is done.
type sendQueue struct {
	mu     sync.Mutex
	items  [][]byte
	signal chan struct{} // holds at most one pending wake-up
}

func newSendQueue() *sendQueue {
	return &sendQueue{signal: make(chan struct{}, 1)}
}

func (q *sendQueue) push(msg []byte) {
	q.mu.Lock()
	q.items = append(q.items, msg)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

func (q *sendQueue) pop(ctx context.Context) ([]byte, error) {
	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			msg := q.items[0]
			q.items[0] = nil
			q.items = q.items[1:]
			q.mu.Unlock()
			return msg, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// drain discards every queued message and returns how many were dropped.
func (q *sendQueue) drain() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := len(q.items)
	q.items = nil
	select {
	case <-q.signal:
	default:
	}
	return n
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
