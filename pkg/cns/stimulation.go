package cns

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/abaikov/cnstra-go/pkg/core"
	"github.com/abaikov/cnstra-go/pkg/ctxstore"
)

// State is the lifecycle phase of a stimulation.
type State int32

const (
	StateFresh State = iota
	StateRunning
	StateDraining
	StateCompleted
	StateCancelled
	StateListenerFailed
)

func (s State) String() string {
	switch s {
	case StateFresh:
		return "fresh"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	case StateListenerFailed:
		return "listener-failed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateCancelled || s == StateListenerFailed
}

// dispatchResult carries a settled dispatch back to the run loop.
type dispatchResult struct {
	act     *activation
	outputs []core.Signal
	err     *core.ResponseError
}

// Stimulation is the live state of one stimulate call. It exclusively owns
// its queue, context store and counters; the graph index is shared
// read-only. All queue and counter mutations happen on the goroutine running
// the loop (the caller's in sequential mode, a dedicated one otherwise); the
// mutex only makes them visible to inspection calls.
type Stimulation struct {
	id    core.StimulationID
	cns   *CNS
	ctx   context.Context
	opts  stimulateOptions
	store ctxstore.Store
	seeds []core.Signal

	mu          sync.Mutex
	queue       activationQueue
	inFlight    int
	perNeuron   map[core.NeuronID]int
	failed      []*core.Response
	listenerErr error
	cancelled   bool

	state atomic.Int32

	// Capacity gates, touched only by the run loop. sem is nil when the
	// stimulation cap is 1 (sequential) or 0 (unlimited).
	sem        *semaphore.Weighted
	neuronSems map[core.NeuronID]*semaphore.Weighted

	results chan *dispatchResult
	done    chan struct{}
}

func newStimulation(ctx context.Context, c *CNS, seeds []core.Signal, opts stimulateOptions) *Stimulation {
	if ctx == nil {
		ctx = context.Background()
	}
	if opts.id == "" {
		opts.id = c.nextStimulationID()
	}

	store := opts.store
	if store == nil {
		factory := opts.factory
		if factory == nil {
			factory = c.ContextStoreFactory()
		}
		store = factory()
	}

	s := &Stimulation{
		id:         opts.id,
		cns:        c,
		ctx:        ctx,
		opts:       opts,
		store:      store,
		seeds:      seeds,
		perNeuron:  make(map[core.NeuronID]int),
		neuronSems: make(map[core.NeuronID]*semaphore.Weighted),
		results:    make(chan *dispatchResult, 16),
		done:       make(chan struct{}),
	}
	if opts.concurrency > 1 {
		s.sem = semaphore.NewWeighted(int64(opts.concurrency))
	}
	s.state.Store(int32(StateFresh))
	return s
}

// ID returns the stimulation identifier.
func (s *Stimulation) ID() core.StimulationID {
	return s.id
}

// State returns the current lifecycle phase.
func (s *Stimulation) State() State {
	return State(s.state.Load())
}

// QueueLength returns the number of pending activations.
func (s *Stimulation) QueueLength() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.len()
}

// InFlight returns the number of dispatches currently running.
func (s *Stimulation) InFlight() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// FailedResponses returns the responses emitted with a non-nil error, in
// emission order.
func (s *Stimulation) FailedResponses() []*core.Response {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*core.Response, len(s.failed))
	copy(out, s.failed)
	return out
}

// Done is closed when the stimulation reaches terminal state.
func (s *Stimulation) Done() <-chan struct{} {
	return s.done
}

// Wait blocks until terminal state. It returns nil on Completed and
// Cancelled, and the first listener error on ListenerFailed. Dendrite
// failures never surface here; they are carried on responses.
func (s *Stimulation) Wait() error {
	<-s.done
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.listenerErr
}

// run drives the stimulation to terminal state. It is the only goroutine
// that mutates the queue and counters.
func (s *Stimulation) run() {
	defer close(s.done)
	s.seed()
	s.loop()
	s.finish()
}

// seed enqueues hop-0 activations for each seed signal in (seed order,
// dendrite order).
func (s *Stimulation) seed() {
	now := time.Now()
	for i := range s.seeds {
		sig := s.seeds[i]
		if s.opts.allow != nil && !s.opts.allow(sig.CollateralID) {
			continue
		}
		if !s.cns.index.isKnown(sig.CollateralID) {
			s.emit(&core.Response{
				StimulationID: s.id,
				InputSignal:   sig,
				Error:         core.NewResponseError(core.KindUnknownCollateral, "signal on unknown collateral %q", sig.CollateralID),
			})
			continue
		}
		for _, sub := range s.cns.index.dendritesFor(sig.CollateralID) {
			s.enqueue(&activation{sub: sub, signal: sig, hop: 0, parentHop: -1, enqueuedAt: now})
		}
	}
}

func (s *Stimulation) loop() {
	sequential := s.opts.concurrency == 1
	for {
		if s.ctx.Err() != nil {
			s.abort()
		}

		s.startReady(sequential)

		s.mu.Lock()
		qlen := s.queue.len()
		inFlight := s.inFlight
		cancelled := s.cancelled
		s.mu.Unlock()

		if qlen == 0 && inFlight == 0 {
			return
		}
		if qlen == 0 && inFlight > 0 {
			s.state.Store(int32(StateDraining))
		}

		if sequential {
			// Nothing runs off-loop in sequential mode; remaining queue
			// entries are either dispatched next iteration or drained by
			// abort.
			continue
		}

		if cancelled {
			// ctx.Done is already closed; only completions can make
			// progress now.
			s.complete(<-s.results)
			continue
		}
		select {
		case res := <-s.results:
			s.complete(res)
		case <-s.ctx.Done():
			// abort on the next iteration
		}
	}
}

// startReady dispatches queued tasks for as long as the head task has
// capacity. The queue is strictly FIFO: a saturated head blocks the tasks
// behind it.
func (s *Stimulation) startReady(sequential bool) {
	for {
		if s.ctx.Err() != nil {
			return
		}
		s.mu.Lock()
		head := s.queue.peek()
		s.mu.Unlock()
		if head == nil {
			return
		}

		if s.opts.hasMaxHops && head.hop > s.opts.maxHops {
			s.popHead()
			s.emit(s.response(head, nil,
				core.NewResponseError(core.KindHopLimitExceeded, "task at hop %d exceeds limit %d", head.hop, s.opts.maxHops)))
			continue
		}

		if sequential {
			s.popHead()
			s.markStarted(head)
			s.state.Store(int32(StateRunning))
			s.complete(s.dispatch(head))
			continue
		}

		if !s.tryAcquire(head.sub.neuron) {
			return
		}
		s.popHead()
		s.markStarted(head)
		s.state.Store(int32(StateRunning))
		go func(a *activation) {
			s.results <- s.dispatch(a)
		}(head)
	}
}

func (s *Stimulation) enqueue(a *activation) {
	s.mu.Lock()
	s.queue.push(a)
	s.mu.Unlock()
}

func (s *Stimulation) popHead() {
	s.mu.Lock()
	s.queue.pop()
	s.mu.Unlock()
}

func (s *Stimulation) markStarted(a *activation) {
	s.mu.Lock()
	s.inFlight++
	s.perNeuron[a.sub.neuron.ID]++
	s.mu.Unlock()
}

// tryAcquire takes a slot under both the stimulation cap and the target
// neuron's cap. A dispatch starts only when both permit it.
func (s *Stimulation) tryAcquire(n *core.Neuron) bool {
	if s.sem != nil && !s.sem.TryAcquire(1) {
		return false
	}
	if n.Concurrency > 0 {
		ns := s.neuronSems[n.ID]
		if ns == nil {
			ns = semaphore.NewWeighted(int64(n.Concurrency))
			s.neuronSems[n.ID] = ns
		}
		if !ns.TryAcquire(1) {
			if s.sem != nil {
				s.sem.Release(1)
			}
			return false
		}
	}
	return true
}

// release returns capacity once a dispatch's result is settled. Capacity
// frees before listeners run, not after.
func (s *Stimulation) release(n *core.Neuron) {
	if s.sem != nil {
		s.sem.Release(1)
	}
	if n.Concurrency > 0 {
		if ns := s.neuronSems[n.ID]; ns != nil {
			ns.Release(1)
		}
	}
}

// dispatch invokes one dendrite and packages the outcome.
func (s *Stimulation) dispatch(a *activation) *dispatchResult {
	outs, rerr := s.invoke(a)
	return &dispatchResult{act: a, outputs: outs, err: rerr}
}

// invoke runs the handler, converting panics and errors to DendriteFailed
// and enforcing the neuron's MaxDuration.
func (s *Stimulation) invoke(a *activation) ([]core.Signal, *core.ResponseError) {
	n := a.sub.neuron

	if n.MaxDuration <= 0 {
		outs, err := safeInvoke(s.ctx, a, s.store)
		if err != nil {
			return nil, core.NewResponseError(core.KindDendriteFailed, "neuron %q on %q: %v", n.ID, a.signal.CollateralID, err)
		}
		return outs, nil
	}

	hctx, cancel := context.WithTimeout(s.ctx, n.MaxDuration)
	defer cancel()

	type outcome struct {
		outs []core.Signal
		err  error
	}
	ch := make(chan outcome, 1)
	go func() {
		outs, err := safeInvoke(hctx, a, s.store)
		ch <- outcome{outs: outs, err: err}
	}()

	select {
	case o := <-ch:
		if o.err != nil {
			return nil, core.NewResponseError(core.KindDendriteFailed, "neuron %q on %q: %v", n.ID, a.signal.CollateralID, o.err)
		}
		return o.outs, nil
	case <-hctx.Done():
		if s.ctx.Err() != nil {
			return nil, core.NewResponseError(core.KindCancelled, "stimulation aborted during dispatch on %q", a.signal.CollateralID)
		}
		return nil, core.NewResponseError(core.KindTimeout, "neuron %q exceeded max duration %s on %q", n.ID, n.MaxDuration, a.signal.CollateralID)
	}
}

// safeInvoke calls the handler with panic containment.
func safeInvoke(ctx context.Context, a *activation, store ctxstore.Store) (outs []core.Signal, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v", r)
		}
	}()
	return a.sub.dendrite.Response(ctx, a.signal.Payload, a.sub.neuron.Axon, store)
}

// complete settles one dispatch: releases capacity, fans out the produced
// signals, and emits the response.
func (s *Stimulation) complete(res *dispatchResult) {
	a := res.act
	s.release(a.sub.neuron)

	s.mu.Lock()
	s.inFlight--
	s.perNeuron[a.sub.neuron.ID]--
	cancelled := s.cancelled
	s.mu.Unlock()

	if cancelled {
		// Outputs produced after the abort are discarded.
		s.emit(s.response(a, nil, core.NewResponseError(core.KindCancelled, "stimulation aborted")))
		return
	}

	rerr := res.err
	var representative *core.Signal
	if rerr == nil {
		if len(res.outputs) == 1 {
			out := res.outputs[0]
			representative = &out
		}
		now := time.Now()
		for _, out := range res.outputs {
			if out.CollateralID == "" || !a.sub.neuron.Axon.Owns(out.CollateralID) {
				if rerr == nil {
					rerr = core.NewResponseError(core.KindUnknownCollateral,
						"neuron %q emitted signal on collateral %q outside its axon", a.sub.neuron.ID, out.CollateralID)
				}
				continue
			}
			if s.opts.allow != nil && !s.opts.allow(out.CollateralID) {
				continue
			}
			for _, sub := range s.cns.index.dendritesFor(out.CollateralID) {
				s.enqueue(&activation{sub: sub, signal: out, hop: a.hop + 1, parentHop: a.hop, enqueuedAt: now})
			}
		}
		if rerr != nil {
			representative = nil
		}
	}

	s.emit(s.response(a, representative, rerr))
}

// abort discards the queue, surfacing a Cancelled response for every
// dropped task. In-flight dispatches are awaited by the loop; their outputs
// are discarded in complete.
func (s *Stimulation) abort() {
	s.mu.Lock()
	if s.cancelled {
		s.mu.Unlock()
		return
	}
	s.cancelled = true
	rest := s.queue.drain()
	s.mu.Unlock()

	for _, a := range rest {
		s.emit(s.response(a, nil, core.NewResponseError(core.KindCancelled, "stimulation aborted")))
	}
}

func (s *Stimulation) response(a *activation, out *core.Signal, rerr *core.ResponseError) *core.Response {
	return &core.Response{
		StimulationID: s.id,
		InputSignal:   a.signal,
		OutputSignal:  out,
		Hop:           a.hop,
		Error:         rerr,
	}
}

// emit finalizes a response and fans it out: the per-stimulation observer
// first, then global listeners in registration order. Listener errors are
// aggregated; the first one decides the terminal state and Wait's result,
// but every listener still sees every response.
func (s *Stimulation) emit(resp *core.Response) {
	resp.ContextValue = s.store.Snapshot()
	resp.Stimulation = s
	s.mu.Lock()
	resp.QueueLength = s.queue.len()
	s.mu.Unlock()

	if s.opts.onResponse != nil {
		s.invokeListener(s.opts.onResponse, resp)
	}
	for _, entry := range s.cns.snapshotListeners() {
		r := resp
		if entry.reduced {
			r = resp.Reduced()
		}
		s.invokeListener(entry.fn, r)
	}

	if resp.Error != nil {
		s.mu.Lock()
		s.failed = append(s.failed, resp)
		s.mu.Unlock()
	}
}

func (s *Stimulation) invokeListener(fn ResponseListener, resp *core.Response) {
	err := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("listener panic: %v", r)
			}
		}()
		return fn(resp)
	}()
	if err == nil {
		return
	}
	s.mu.Lock()
	if s.listenerErr == nil {
		s.listenerErr = fmt.Errorf("%s: %w", core.KindListenerFailed, err)
	}
	s.mu.Unlock()
}

func (s *Stimulation) finish() {
	s.mu.Lock()
	lerr := s.listenerErr
	cancelled := s.cancelled
	s.mu.Unlock()

	switch {
	case lerr != nil:
		s.state.Store(int32(StateListenerFailed))
	case cancelled:
		s.state.Store(int32(StateCancelled))
	default:
		s.state.Store(int32(StateCompleted))
	}
}
