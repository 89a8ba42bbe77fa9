package p2p

import (
	"sync"
)

// outbound is a message waiting in a peer's send queue
type outbound struct {
	topic    Topic
	payload  []byte
	critical bool // critical messages are evicted only when nothing else can be
}

// sendQueue is the bounded outbound queue of a single peer
// when full, the newest message is admitted and the oldest non critical message is dropped
// if every queued message is critical the oldest one goes instead
type sendQueue struct {
	mu    sync.Mutex
	items []*outbound
	max   int
	ready chan struct{} // signalled when the queue goes non empty
}

func newSendQueue(max int) *sendQueue {
	if max <= 0 {
		max = 1
	}
	return &sendQueue{items: make([]*outbound, 0, max), max: max, ready: make(chan struct{}, 1)}
}

// push() enqueues m returning the message evicted to make room, if any
func (q *sendQueue) push(m *outbound) (dropped *outbound) {
	q.mu.Lock()
	if len(q.items) >= q.max {
		victim := 0
		for i, item := range q.items {
			if !item.critical {
				victim = i
				break
			}
		}
		dropped = q.items[victim]
		q.items = append(q.items[:victim], q.items[victim+1:]...)
	}
	q.items = append(q.items, m)
	q.mu.Unlock()
	select {
	case q.ready <- struct{}{}:
	default:
	}
	return
}

// pop() dequeues the oldest message
func (q *sendQueue) pop() (*outbound, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.items) == 0 {
		return nil, false
	}
	m := q.items[0]
	q.items[0] = nil
	q.items = q.items[1:]
	return m, true
}

func (q *sendQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
