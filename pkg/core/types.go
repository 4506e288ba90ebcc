package core

import (
	"context"
	"fmt"
	"time"

	"github.com/abaikov/cnstra-go/pkg/ctxstore"
)

// CollateralID is a unique identifier for a collateral within one CNS
type CollateralID string

// NeuronID is a unique identifier for a neuron within one CNS
type NeuronID string

// StimulationID identifies one end-to-end stimulate run
type StimulationID string

// Collateral is a named channel signals are addressed to. Identity is by
// object reference at build time and by ID at runtime; payload typing is a
// property of the authoring layer, the kernel treats payloads as opaque.
type Collateral struct {
	id CollateralID
}

// NewCollateral creates a collateral with the given id
func NewCollateral(id string) *Collateral {
	return &Collateral{id: CollateralID(id)}
}

// ID returns the collateral identifier
func (c *Collateral) ID() CollateralID {
	return c.id
}

// CreateSignal builds a signal addressed to this collateral
func (c *Collateral) CreateSignal(payload any) Signal {
	return Signal{CollateralID: c.id, Payload: payload}
}

func (c *Collateral) String() string {
	return fmt.Sprintf("collateral(%s)", c.id)
}

// Signal is a value carried on a specific collateral. Payload may be nil.
type Signal struct {
	CollateralID CollateralID `msgpack:"collateral_id" json:"collateralId"`
	Payload      any          `msgpack:"payload,omitempty" json:"payload,omitempty"`
}

// One wraps a single signal into the slice form handlers return
func One(s Signal) []Signal {
	return []Signal{s}
}

// Handler is a dendrite's response function. It receives the signal payload,
// the owning neuron's axon and the stimulation's context store, and returns
// the output signals to fan out, in order. A returned error or a panic marks
// the activation as failed; outputs of a failed activation are discarded.
//
// The context is the stimulation's context, additionally bounded by the
// neuron's MaxDuration when one is set. Handlers that block should honor it.
type Handler func(ctx context.Context, payload any, axon Axon, store ctxstore.Store) ([]Signal, error)

// Dendrite binds a neuron to an input collateral plus a handler
type Dendrite struct {
	// Collateral is the input channel this dendrite subscribes to.
	Collateral *Collateral

	// Response is invoked once per signal delivered on Collateral.
	Response Handler
}

// Neuron is a processing unit: an axon of named output collaterals, zero or
// more dendrites, and optional per-neuron caps.
type Neuron struct {
	ID NeuronID

	// Axon maps output names to the collaterals this neuron owns. Every
	// signal the neuron emits must reference one of them.
	Axon Axon

	// Dendrites are this neuron's subscriptions, in declaration order.
	Dendrites []Dendrite

	// Concurrency caps in-flight dispatches targeting this neuron within one
	// stimulation. 0 means unlimited.
	Concurrency int

	// MaxDuration bounds a single dendrite invocation. 0 means unbounded.
	MaxDuration time.Duration
}

// Axon maps declared output names to collaterals. The kernel hands the axon
// to handlers so a dendrite cannot synthesize signals for collaterals its
// neuron does not own.
type Axon map[string]*Collateral

// Signal builds a signal on the named output. An unknown name yields a
// signal with an empty collateral id, which the kernel reports as
// UnknownCollateral instead of fanning out.
func (a Axon) Signal(name string, payload any) Signal {
	c, ok := a[name]
	if !ok {
		return Signal{}
	}
	return c.CreateSignal(payload)
}

// Owns reports whether the axon declares a collateral with the given id
func (a Axon) Owns(id CollateralID) bool {
	for _, c := range a {
		if c != nil && c.id == id {
			return true
		}
	}
	return false
}
