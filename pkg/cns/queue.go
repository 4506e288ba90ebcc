package cns

import (
	"time"

	"github.com/abaikov/cnstra-go/pkg/core"
)

// activation is one pending dendrite invocation: deliver signal to dendrite
// at a given hop depth.
type activation struct {
	sub        subscriber
	signal     core.Signal
	hop        int
	parentHop  int // -1 for seed activations
	enqueuedAt time.Time
}

// activationQueue is the FIFO of pending activations for one stimulation.
// Multiple outputs from a single dendrite are appended as a contiguous group
// in the order the dendrite returned them; that ordering is observable and
// part of the contract.
type activationQueue struct {
	items []*activation
	head  int
}

func (q *activationQueue) push(a *activation) {
	q.items = append(q.items, a)
}

func (q *activationQueue) pop() *activation {
	if q.head >= len(q.items) {
		return nil
	}
	a := q.items[q.head]
	q.items[q.head] = nil
	q.head++
	// Reclaim the drained prefix once it dominates the backing slice.
	if q.head > 64 && q.head*2 >= len(q.items) {
		q.items = append(q.items[:0], q.items[q.head:]...)
		q.head = 0
	}
	return a
}

func (q *activationQueue) peek() *activation {
	if q.head >= len(q.items) {
		return nil
	}
	return q.items[q.head]
}

func (q *activationQueue) len() int {
	return len(q.items) - q.head
}

// drain empties the queue and returns the remaining activations in order.
func (q *activationQueue) drain() []*activation {
	rest := make([]*activation, 0, q.len())
	for q.len() > 0 {
		rest = append(rest, q.pop())
	}
	q.items = nil
	q.head = 0
	return rest
}
