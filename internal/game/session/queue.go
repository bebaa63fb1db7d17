package session

import "fmt"

// Queue is an ordered, depth-bounded packet sequence. It is not safe for
// concurrent use on its own; the Registry guards every Queue it owns.
type Queue struct {
	items []Packet
	limit int
}

// NewQueue creates a Queue holding at most limit packets.
//
// Precondition: limit should be > 0; non-positive values fall back to 64.
func NewQueue(limit int) *Queue {
	if limit <= 0 {
		limit = 64
	}
	return &Queue{limit: limit}
}

// Push appends p.
//
// Postcondition: Returns ErrQueueOverflow, leaving the queue unchanged, when
// the queue already holds limit packets.
func (q *Queue) Push(p Packet) error {
	if len(q.items) >= q.limit {
		return fmt.Errorf("%w: depth %d reached", ErrQueueOverflow, q.limit)
	}
	q.items = append(q.items, p)
	return nil
}

// Drain returns every queued packet in insertion order and empties the queue.
//
// Postcondition: Returns a non-nil slice (possibly empty).
func (q *Queue) Drain() []Packet {
	out := q.items
	q.items = nil
	if out == nil {
		return []Packet{}
	}
	return out
}

// Peek returns a copy of the queued packets without removing them.
func (q *Queue) Peek() []Packet {
	out := make([]Packet, len(q.items))
	copy(out, q.items)
	return out
}

// Len returns the number of queued packets.
func (q *Queue) Len() int {
	return len(q.items)
}

// Limit returns the depth bound.
func (q *Queue) Limit() int {
	return q.limit
}
