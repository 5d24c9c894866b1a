package engine

// queue is a FIFO of accepted triggers waiting for the executor.
// Not safe for concurrent use; Service guards it with its mutex.
type queue struct {
	items []*Ticket
	head  int
}

func (q *queue) push(t *Ticket) {
	q.items = append(q.items, t)
}

// pop removes and returns the oldest item.
func (q *queue) pop() (*Ticket, bool) {
	if q.head >= len(q.items) {
		return nil, false
	}
	t := q.items[q.head]
	q.items[q.head] = nil
	q.head++

	switch {
	case q.head == len(q.items):
		q.items = q.items[:0]
		q.head = 0
	case q.head >= 32 && q.head*2 >= len(q.items):
		n := copy(q.items, q.items[q.head:])
		clear(q.items[n:])
		q.items = q.items[:n]
		q.head = 0
	}
	return t, true
}

func (q *queue) len() int { return len(q.items) - q.head }

func (q *queue) isEmpty() bool { return q.len() == 0 }

func (q *queue) snapshot() []*Ticket {
	out := make([]*Ticket, q.len())
	copy(out, q.items[q.head:])
	return out
}

// drain empties the queue and returns what was in it, oldest first.
func (q *queue) drain() []*Ticket {
	out := q.snapshot()
	clear(q.items)
	q.items = q.items[:0]
	q.head = 0
	return out
}
