package main

import (
	"context"
	"fmt"
	"time"

	"github.com/abaikov/cnstra-go/pkg/cns"
	"github.com/abaikov/cnstra-go/pkg/core"
	"github.com/abaikov/cnstra-go/pkg/ctxstore"
)

// demo bundles a built-in graph with its default seeds and run shape.
type demo struct {
	cns      *cns.CNS
	seeds    []core.Signal
	parallel int

	// prepare lets a topology wrap the run context and append stimulate
	// options (the loop demo installs its self-cancelling listener here).
	prepare func(ctx context.Context) (context.Context, []cns.StimulateOption)
}

func buildDemo(topology string, defaultMaxDuration time.Duration) (*demo, error) {
	var builder func() ([]*core.Neuron, *demo, error)
	switch topology {
	case "fanout":
		builder = buildFanoutDemo
	case "chain":
		builder = buildChainDemo
	case "loop":
		builder = buildLoopDemo
	case "workers":
		builder = buildWorkersDemo
	default:
		return nil, fmt.Errorf("unknown topology %q (want fanout, chain, loop or workers)", topology)
	}

	neurons, d, err := builder()
	if err != nil {
		return nil, err
	}
	// Configured fallback for neurons that set no invocation bound of
	// their own.
	if defaultMaxDuration > 0 {
		for _, n := range neurons {
			if n.MaxDuration == 0 {
				n.MaxDuration = defaultMaxDuration
			}
		}
	}
	d.cns, err = cns.New(neurons)
	if err != nil {
		return nil, err
	}
	return d, nil
}

// buildFanoutDemo wires one orchestrator that fans a single input out to
// three terminal subscribers.
func buildFanoutDemo() ([]*core.Neuron, *demo, error) {
	in := core.NewCollateral("in")
	a := core.NewCollateral("a")
	b := core.NewCollateral("b")
	c := core.NewCollateral("c")

	terminal := func(name string) core.Handler {
		return func(ctx context.Context, payload any, axon core.Axon, store ctxstore.Store) ([]core.Signal, error) {
			store.Set(name, payload)
			return nil, nil
		}
	}

	neurons := []*core.Neuron{
		{
			ID:   "orchestrator",
			Axon: core.Axon{"a": a, "b": b, "c": c},
			Dendrites: []core.Dendrite{{
				Collateral: in,
				Response: func(ctx context.Context, payload any, axon core.Axon, store ctxstore.Store) ([]core.Signal, error) {
					return []core.Signal{
						axon.Signal("a", payload),
						axon.Signal("b", payload),
						axon.Signal("c", payload),
					}, nil
				},
			}},
		},
		{ID: "na", Dendrites: []core.Dendrite{{Collateral: a, Response: terminal("na")}}},
		{ID: "nb", Dendrites: []core.Dendrite{{Collateral: b, Response: terminal("nb")}}},
		{ID: "nc", Dendrites: []core.Dendrite{{Collateral: c, Response: terminal("nc")}}},
	}

	return neurons, &demo{seeds: []core.Signal{in.CreateSignal("hello")}}, nil
}

// buildChainDemo wires a linear forwarding chain of four neurons. Pair it
// with --max-hops to watch HopLimitExceeded drops.
func buildChainDemo() ([]*core.Neuron, *demo, error) {
	steps := make([]*core.Collateral, 5)
	for i := range steps {
		steps[i] = core.NewCollateral(fmt.Sprintf("step-%d", i))
	}

	forward := func(next string) core.Handler {
		return func(ctx context.Context, payload any, axon core.Axon, store ctxstore.Store) ([]core.Signal, error) {
			n, _ := payload.(int)
			return core.One(axon.Signal(next, n+1)), nil
		}
	}

	neurons := make([]*core.Neuron, 4)
	for i := 0; i < 4; i++ {
		next := fmt.Sprintf("step-%d", i+1)
		neurons[i] = &core.Neuron{
			ID:        core.NeuronID(fmt.Sprintf("n%d", i+1)),
			Axon:      core.Axon{next: steps[i+1]},
			Dendrites: []core.Dendrite{{Collateral: steps[i], Response: forward(next)}},
		}
	}

	return neurons, &demo{seeds: []core.Signal{steps[0].CreateSignal(0)}}, nil
}

// buildLoopDemo wires a self-stimulating neuron and cancels the run from the
// response listener after ten responses.
func buildLoopDemo() ([]*core.Neuron, *demo, error) {
	tick := core.NewCollateral("tick")

	neurons := []*core.Neuron{{
		ID:   "looper",
		Axon: core.Axon{"tick": tick},
		Dendrites: []core.Dendrite{{
			Collateral: tick,
			Response: func(ctx context.Context, payload any, axon core.Axon, store ctxstore.Store) ([]core.Signal, error) {
				n, _ := payload.(int)
				return core.One(axon.Signal("tick", n+1)), nil
			},
		}},
	}}

	d := &demo{
		seeds: []core.Signal{tick.CreateSignal(0)},
		prepare: func(ctx context.Context) (context.Context, []cns.StimulateOption) {
			runCtx, cancel := context.WithCancel(ctx)
			count := 0
			listener := func(resp *core.Response) error {
				printResponse(resp)
				count++
				if count >= 10 {
					cancel()
				}
				return nil
			}
			return runCtx, []cns.StimulateOption{cns.WithOnResponse(listener)}
		},
	}
	return neurons, d, nil
}

// buildWorkersDemo wires a concurrency-capped worker neuron feeding a
// collector. The demo runs several stimulations in parallel to show that
// caps are scoped per stimulation.
func buildWorkersDemo() ([]*core.Neuron, *demo, error) {
	job := core.NewCollateral("job")
	done := core.NewCollateral("done")

	neurons := []*core.Neuron{
		{
			ID:          "worker",
			Axon:        core.Axon{"done": done},
			Concurrency: 2,
			MaxDuration: 500 * time.Millisecond,
			Dendrites: []core.Dendrite{{
				Collateral: job,
				Response: func(ctx context.Context, payload any, axon core.Axon, store ctxstore.Store) ([]core.Signal, error) {
					select {
					case <-time.After(50 * time.Millisecond):
					case <-ctx.Done():
						return nil, ctx.Err()
					}
					return core.One(axon.Signal("done", payload)), nil
				},
			}},
		},
		{
			ID: "collector",
			Dendrites: []core.Dendrite{{
				Collateral: done,
				Response: func(ctx context.Context, payload any, axon core.Axon, store ctxstore.Store) ([]core.Signal, error) {
					n, _ := store.Get("completed")
					count, _ := n.(int)
					store.Set("completed", count+1)
					return nil, nil
				},
			}},
		},
	}

	seeds := make([]core.Signal, 5)
	for i := range seeds {
		seeds[i] = job.CreateSignal(fmt.Sprintf("job-%d", i))
	}

	return neurons, &demo{seeds: seeds, parallel: 3}, nil
}
