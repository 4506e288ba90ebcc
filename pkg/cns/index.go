package cns

import (
	"fmt"

	"github.com/abaikov/cnstra-go/pkg/core"
)

// subscriber pairs a dendrite with its owning neuron for dispatch.
type subscriber struct {
	neuron   *core.Neuron
	dendrite *core.Dendrite
}

// graphIndex holds the immutable lookup tables derived from the neuron list.
// It is built once at CNS construction and shared read-only by all
// stimulations.
type graphIndex struct {
	neurons []*core.Neuron
	byID    map[core.NeuronID]*core.Neuron

	// subscribers lists dendrites per input collateral in stable insertion
	// order: neuron order first, declaration order within each neuron.
	subscribers map[core.CollateralID][]subscriber

	// known is the set of collaterals declared anywhere in the graph, as an
	// axon output or a dendrite input.
	known map[core.CollateralID]struct{}

	// owners maps each axon collateral to its owning neuron.
	owners map[core.CollateralID]core.NeuronID
}

// buildIndex validates the neuron list and derives the lookup tables.
func buildIndex(neurons []*core.Neuron) (*graphIndex, error) {
	ix := &graphIndex{
		neurons:     make([]*core.Neuron, 0, len(neurons)),
		byID:        make(map[core.NeuronID]*core.Neuron, len(neurons)),
		subscribers: make(map[core.CollateralID][]subscriber),
		known:       make(map[core.CollateralID]struct{}),
		owners:      make(map[core.CollateralID]core.NeuronID),
	}

	for i, n := range neurons {
		if n == nil {
			return nil, fmt.Errorf("neuron at position %d is nil", i)
		}
		if n.ID == "" {
			return nil, fmt.Errorf("neuron at position %d has empty id", i)
		}
		if _, exists := ix.byID[n.ID]; exists {
			return nil, fmt.Errorf("duplicate neuron id %q", n.ID)
		}
		if n.Concurrency < 0 {
			return nil, fmt.Errorf("neuron %q: concurrency must be >= 0, got %d", n.ID, n.Concurrency)
		}
		if n.MaxDuration < 0 {
			return nil, fmt.Errorf("neuron %q: maxDuration must be >= 0, got %s", n.ID, n.MaxDuration)
		}

		seen := make(map[core.CollateralID]string, len(n.Axon))
		for name, c := range n.Axon {
			if c == nil {
				return nil, fmt.Errorf("neuron %q: axon output %q has nil collateral", n.ID, name)
			}
			if c.ID() == "" {
				return nil, fmt.Errorf("neuron %q: axon output %q has empty collateral id", n.ID, name)
			}
			if prev, dup := seen[c.ID()]; dup {
				return nil, fmt.Errorf("neuron %q: axon outputs %q and %q share collateral %q", n.ID, prev, name, c.ID())
			}
			seen[c.ID()] = name
			if owner, taken := ix.owners[c.ID()]; taken {
				return nil, fmt.Errorf("collateral %q owned by both %q and %q", c.ID(), owner, n.ID)
			}
			ix.owners[c.ID()] = n.ID
			ix.known[c.ID()] = struct{}{}
		}

		ix.byID[n.ID] = n
		ix.neurons = append(ix.neurons, n)
	}

	// Second pass so dendrites may reference collaterals owned by neurons
	// declared later.
	for _, n := range ix.neurons {
		for j := range n.Dendrites {
			d := &n.Dendrites[j]
			if d.Collateral == nil {
				return nil, fmt.Errorf("neuron %q: dendrite %d has nil collateral", n.ID, j)
			}
			if d.Response == nil {
				return nil, fmt.Errorf("neuron %q: dendrite %d has nil response", n.ID, j)
			}
			id := d.Collateral.ID()
			ix.known[id] = struct{}{}
			ix.subscribers[id] = append(ix.subscribers[id], subscriber{neuron: n, dendrite: d})
		}
	}

	return ix, nil
}

// dendritesFor returns subscribers of a collateral in insertion order.
func (ix *graphIndex) dendritesFor(id core.CollateralID) []subscriber {
	return ix.subscribers[id]
}

// isKnown reports whether the collateral is declared anywhere in the graph.
func (ix *graphIndex) isKnown(id core.CollateralID) bool {
	_, ok := ix.known[id]
	return ok
}

// neuronByID returns a neuron descriptor, or nil.
func (ix *graphIndex) neuronByID(id core.NeuronID) *core.Neuron {
	return ix.byID[id]
}
