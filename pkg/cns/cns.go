// Package cns implements the stimulation runtime: a deterministic, bounded,
// concurrency-gated traversal of an immutable neuron graph. A caller injects
// seed signals via Stimulate; the kernel delivers each signal to its
// subscribed dendrites, collects the signals those dendrites emit, and keeps
// delivering until the graph quiesces.
package cns

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/abaikov/cnstra-go/pkg/core"
	"github.com/abaikov/cnstra-go/pkg/ctxstore"
)

// Option configures a CNS instance.
type Option func(*CNS)

// WithDefaultContextStoreFactory replaces the factory used when a stimulate
// call supplies neither a store nor a factory of its own.
func WithDefaultContextStoreFactory(f ctxstore.Factory) Option {
	return func(c *CNS) { c.ctxFactory = f }
}

type listenerEntry struct {
	id      uint64
	fn      ResponseListener
	reduced bool
}

// ListenerOption configures one listener registration.
type ListenerOption func(*listenerEntry)

// WithReducedPayloads elides output payloads from the responses this
// listener receives, for privacy-sensitive observers.
func WithReducedPayloads() ListenerOption {
	return func(e *listenerEntry) { e.reduced = true }
}

// CNS owns an immutable neuron graph and drives stimulations over it. The
// graph index is shared read-only across all stimulations; listener
// registration is the only mutable process-wide state.
type CNS struct {
	index      *graphIndex
	ctxFactory ctxstore.Factory

	mu         sync.RWMutex
	listeners  []*listenerEntry
	listenerID uint64

	stimSeq atomic.Uint64
}

// New builds a CNS from an ordered neuron list. The list is validated once;
// duplicate neuron ids, malformed axons and nil dendrite handlers are
// rejected. The graph cannot be modified afterwards.
func New(neurons []*core.Neuron, opts ...Option) (*CNS, error) {
	index, err := buildIndex(neurons)
	if err != nil {
		return nil, fmt.Errorf("invalid neuron graph: %w", err)
	}
	c := &CNS{
		index:      index,
		ctxFactory: ctxstore.DefaultFactory,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// ContextStoreFactory returns the default factory used when a stimulate call
// supplies neither a store nor a factory.
func (c *CNS) ContextStoreFactory() ctxstore.Factory {
	return c.ctxFactory
}

// Neuron returns the descriptor registered under id, or nil.
func (c *CNS) Neuron(id core.NeuronID) *core.Neuron {
	return c.index.neuronByID(id)
}

// AddResponseListener registers a process-wide listener invoked for every
// response of every stimulation thereafter, in registration order. The
// returned function unsubscribes; calling it more than once is a no-op.
func (c *CNS) AddResponseListener(fn ResponseListener, opts ...ListenerOption) func() {
	entry := &listenerEntry{fn: fn}
	for _, opt := range opts {
		opt(entry)
	}

	c.mu.Lock()
	c.listenerID++
	entry.id = c.listenerID
	c.listeners = append(c.listeners, entry)
	c.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			c.mu.Lock()
			defer c.mu.Unlock()
			for i, e := range c.listeners {
				if e.id == entry.id {
					c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
					return
				}
			}
		})
	}
}

// snapshotListeners returns the current listeners in registration order.
func (c *CNS) snapshotListeners() []*listenerEntry {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if len(c.listeners) == 0 {
		return nil
	}
	out := make([]*listenerEntry, len(c.listeners))
	copy(out, c.listeners)
	return out
}

// Stimulate injects a single seed signal and returns the live stimulation.
//
// In the default sequential mode the traversal runs to completion on the
// calling goroutine before Stimulate returns: when every handler and
// listener returns without blocking, the whole run happens without yielding
// and the returned handle is already settled. With WithConcurrency(n != 1) a
// dedicated loop goroutine drives the run and Wait blocks until terminal
// state.
//
// Cancellation is cooperative through ctx: on cancel the queue is discarded,
// in-flight dispatches are awaited and their outputs dropped, and Wait still
// returns nil.
func (c *CNS) Stimulate(ctx context.Context, seed core.Signal, opts ...StimulateOption) *Stimulation {
	return c.StimulateAll(ctx, []core.Signal{seed}, opts...)
}

// StimulateAll injects an ordered sequence of seed signals. Each seed
// becomes one activation per subscribed dendrite, in (seed order, dendrite
// order). An empty sequence completes immediately with no responses.
func (c *CNS) StimulateAll(ctx context.Context, seeds []core.Signal, opts ...StimulateOption) *Stimulation {
	options := defaultStimulateOptions()
	for _, opt := range opts {
		opt(&options)
	}

	s := newStimulation(ctx, c, seeds, options)
	if options.concurrency == 1 {
		// Sequential runs never suspend between dispatches: drive the loop
		// inline so the handle is settled on return.
		s.run()
		return s
	}
	go s.run()
	return s
}

// nextStimulationID mints a monotonically unique id scoped to this CNS.
func (c *CNS) nextStimulationID() core.StimulationID {
	return core.StimulationID(fmt.Sprintf("stim-%d", c.stimSeq.Add(1)))
}
