package cns

import (
	"github.com/abaikov/cnstra-go/pkg/core"
	"github.com/abaikov/cnstra-go/pkg/ctxstore"
)

// ResponseListener observes responses. A returned error (or a panic) marks
// the stimulation ListenerFailed; Wait surfaces the first such error after
// the run reaches terminal state. Listeners are invoked synchronously in
// emission order; a listener that needs to await asynchronous work simply
// blocks.
type ResponseListener func(*core.Response) error

// StimulateOption configures one stimulate call.
type StimulateOption func(*stimulateOptions)

type stimulateOptions struct {
	id          core.StimulationID
	maxHops     int
	hasMaxHops  bool
	allow       func(core.CollateralID) bool
	onResponse  ResponseListener
	store       ctxstore.Store
	factory     ctxstore.Factory
	concurrency int
}

func defaultStimulateOptions() stimulateOptions {
	return stimulateOptions{concurrency: 1}
}

// WithStimulationID supplies an external stimulation id instead of the
// kernel-minted monotonic one.
func WithStimulationID(id string) StimulateOption {
	return func(o *stimulateOptions) { o.id = core.StimulationID(id) }
}

// WithMaxNeuronHops sets a hard bound on the longest chain length from any
// seed. A task deeper than n is dropped and reported as HopLimitExceeded.
// n = 0 runs only seed activations.
func WithMaxNeuronHops(n int) StimulateOption {
	return func(o *stimulateOptions) {
		o.maxHops = n
		o.hasMaxHops = n >= 0
	}
}

// WithAllowType gates signals at enqueue time. Signals whose collateral the
// predicate rejects are silently skipped: no task is created and no hop is
// counted.
func WithAllowType(allow func(core.CollateralID) bool) StimulateOption {
	return func(o *stimulateOptions) { o.allow = allow }
}

// WithOnResponse registers a per-stimulation observer, invoked for every
// response before the global listeners.
func WithOnResponse(fn ResponseListener) StimulateOption {
	return func(o *stimulateOptions) { o.onResponse = fn }
}

// WithContextStore supplies an existing context store for this stimulation.
// Takes precedence over WithContextStoreFactory.
func WithContextStore(s ctxstore.Store) StimulateOption {
	return func(o *stimulateOptions) { o.store = s }
}

// WithContextStoreFactory supplies a store factory invoked exactly once at
// stimulation construction.
func WithContextStoreFactory(f ctxstore.Factory) StimulateOption {
	return func(o *stimulateOptions) { o.factory = f }
}

// WithConcurrency caps in-flight dispatches within this stimulation.
// The default is 1, which dispatches sequentially on the calling goroutine
// and keeps the response order deterministic; per-neuron caps only bind for
// other values. 0 removes the cap entirely.
func WithConcurrency(n int) StimulateOption {
	return func(o *stimulateOptions) {
		if n < 0 {
			n = 0
		}
		o.concurrency = n
	}
}
