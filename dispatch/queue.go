package dispatch

import (
	"sync"

	"github.com/ardnew/aapbridge/channel"
)

// Message is a queued frame. Data is owned by the message.
type Message struct {
	Channel channel.ID
	Data    []byte
}

// queueState tracks a queue through shutdown.
type queueState uint8

const (
	stateOpen         queueState = iota // accepting pushes
	stateShuttingDown                   // rejecting pushes, draining
	stateClosed                         // drained; pop reports no more data
)

// String returns the state name.
func (s queueState) String() string {
	switch s {
	case stateOpen:
		return "open"
	case stateShuttingDown:
		return "shutting-down"
	case stateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// queue is a bounded FIFO that drops its oldest entry when full.
type queue struct {
	mu    sync.Mutex
	cond  sync.Cond
	items []Message // circular; len(items) is the capacity
	head  int
	n     int
	state queueState

	dispatched uint64 // entries handed to the handler
	dropped    uint64 // entries evicted by a push onto a full queue
}

func newQueue(capacity int) *queue {
	q := &queue{items: make([]Message, capacity)}
	q.cond.L = &q.mu
	return q
}

// push appends m, evicting the oldest entry if the queue is full.
// Returns ok=false once shutdown has begun.
func (q *queue) push(m Message) (dropped, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.state != stateOpen {
		return false, false
	}

	capacity := len(q.items)
	if q.n == capacity {
		q.items[q.head] = Message{}
		q.head = (q.head + 1) % capacity
		q.n--
		q.dropped++
		dropped = true
	}

	q.items[(q.head+q.n)%capacity] = m
	q.n++
	q.cond.Signal()
	return dropped, true
}

// pop blocks until an entry is available or the queue is shut down and
// drained, in which case it returns ok=false.
func (q *queue) pop() (m Message, ok bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.n == 0 && q.state == stateOpen {
		q.cond.Wait()
	}
	if q.n == 0 {
		q.state = stateClosed
		return Message{}, false
	}

	m = q.items[q.head]
	q.items[q.head] = Message{}
	q.head = (q.head + 1) % len(q.items)
	q.n--
	return m, true
}

// delivered records a completed handler call.
func (q *queue) delivered() {
	q.mu.Lock()
	q.dispatched++
	q.mu.Unlock()
}

// shutdown stops accepting pushes and wakes every blocked pop.
func (q *queue) shutdown() {
	q.mu.Lock()
	if q.state == stateOpen {
		q.state = stateShuttingDown
	}
	q.mu.Unlock()
	q.cond.Broadcast()
}

// snapshot returns the queue's counters, depth and state.
func (q *queue) snapshot() (dispatched, dropped uint64, depth int, state queueState) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dispatched, q.dropped, q.n, q.state
}
