package bus

import (
	"container/list"
	"sync"
)

// queue is a thread-safe FIFO of pending deliveries for one subscriber.
type queue struct {
	mu   sync.Mutex
	list *list.List
}

func newQueue() *queue {
	return &queue{list: list.New()}
}

// push adds a delivery to the end of the queue.
func (q *queue) push(d Delivery) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.list.PushBack(d)
}

// popN removes and returns up to n deliveries from the front of the queue.
func (q *queue) popN(n int) []Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > q.list.Len() {
		n = q.list.Len()
	}
	if n == 0 {
		return nil
	}
	out := make([]Delivery, 0, n)
	for i := 0; i < n; i++ {
		front := q.list.Front()
		q.list.Remove(front)
		out = append(out, front.Value.(Delivery))
	}
	return out
}

// len returns the number of queued deliveries.
func (q *queue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.list.Len()
}

// clear drops every queued delivery and returns how many were dropped.
func (q *queue) clear() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := q.list.Len()
	q.list.Init()
	return n
}
