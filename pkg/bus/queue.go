package bus

import (
	"container/heap"

	"github.com/grantmesh/grantmesh/pkg/models"
)

// queueItem wraps a queued message with an arrival sequence number so that
// equal-priority messages dequeue in enqueue order.
type queueItem struct {
	qm  *models.QueuedMessage
	seq uint64
}

// messageHeap orders items by (priority desc, created_at asc, arrival asc).
type messageHeap []*queueItem

func (h messageHeap) Len() int { return len(h) }

func (h messageHeap) Less(i, j int) bool {
	a, b := h[i], h[j]
	if a.qm.Priority != b.qm.Priority {
		return a.qm.Priority > b.qm.Priority
	}
	if !a.qm.CreatedAt.Equal(b.qm.CreatedAt) {
		return a.qm.CreatedAt.Before(b.qm.CreatedAt)
	}
	return a.seq < b.seq
}

func (h messageHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *messageHeap) Push(x any) { *h = append(*h, x.(*queueItem)) }

func (h *messageHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}

// priorityQueue is the bus's message queue. Not safe for concurrent use;
// the bus serializes access under its own lock.
type priorityQueue struct {
	h       messageHeap
	nextSeq uint64
}

func newPriorityQueue() *priorityQueue {
	return &priorityQueue{h: make(messageHeap, 0)}
}

// push enqueues a message. Re-enqueued retries keep their original
// created_at, so they regain their position among peers.
func (q *priorityQueue) push(qm *models.QueuedMessage) {
	heap.Push(&q.h, &queueItem{qm: qm, seq: q.nextSeq})
	q.nextSeq++
}

// pop removes and returns the highest-priority message.
func (q *priorityQueue) pop() (*models.QueuedMessage, bool) {
	if len(q.h) == 0 {
		return nil, false
	}
	item := heap.Pop(&q.h).(*queueItem)
	return item.qm, true
}

func (q *priorityQueue) len() int { return len(q.h) }

// snapshot returns the queued messages in no particular order.
func (q *priorityQueue) snapshot() []*models.QueuedMessage {
	out := make([]*models.QueuedMessage, 0, len(q.h))
	for _, item := range q.h {
		out = append(out, item.qm)
	}
	return out
}
