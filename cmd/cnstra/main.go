package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/abaikov/cnstra-go/pkg/cns"
	"github.com/abaikov/cnstra-go/pkg/core"
	"github.com/abaikov/cnstra-go/pkg/trace"
)

func main() {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "cnstra",
		Short:        "CNStra - neuro-graph orchestration kernel",
		Long:         "Run demo stimulations over built-in neuron graphs and inspect recorded response traces.",
		SilenceUsage: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "f", "", "Path to YAML config file (overrides CNSTRA_CONFIG env)")

	rootCmd.AddCommand(newDemoCmd(&configPath))
	rootCmd.AddCommand(newTraceCmd())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadConfig resolves the config path (--config flag > CNSTRA_CONFIG env)
// and applies explicitly set flags on top, highest priority.
func loadConfig(configPath string, flags *pflag.FlagSet) (*core.Config, error) {
	path := configPath
	if path == "" {
		path = os.Getenv("CNSTRA_CONFIG")
	}
	cfg, err := core.LoadConfig(path)
	if err != nil {
		return nil, err
	}
	applyExplicitFlags(flags, cfg)
	return cfg, cfg.Validate()
}

// applyExplicitFlags overlays flags the user actually set.
func applyExplicitFlags(flags *pflag.FlagSet, cfg *core.Config) {
	if flags == nil {
		return
	}
	if flags.Changed("concurrency") {
		if v, err := flags.GetInt("concurrency"); err == nil {
			cfg.Stimulation.Concurrency = v
		}
	}
	if flags.Changed("max-hops") {
		if v, err := flags.GetInt("max-hops"); err == nil {
			cfg.Stimulation.MaxNeuronHops = v
		}
	}
	if flags.Changed("trace") {
		if v, err := flags.GetBool("trace"); err == nil {
			cfg.Trace.Enabled = v
		}
	}
	if flags.Changed("trace-path") {
		if v, err := flags.GetString("trace-path"); err == nil {
			cfg.Trace.Path = v
		}
	}
}

// seedList is a repeatable --seed flag of collateral=payload pairs.
type seedList struct {
	seeds []seedSpec
}

type seedSpec struct {
	collateral string
	payload    string
}

func (s *seedList) String() string {
	return fmt.Sprintf("%d seeds", len(s.seeds))
}

func (s *seedList) Set(value string) error {
	collateral := value
	payload := ""
	for i := 0; i < len(value); i++ {
		if value[i] == '=' {
			collateral = value[:i]
			payload = value[i+1:]
			break
		}
	}
	if collateral == "" {
		return fmt.Errorf("seed %q: collateral name required", value)
	}
	s.seeds = append(s.seeds, seedSpec{collateral: collateral, payload: payload})
	return nil
}

func (s *seedList) Type() string {
	return "collateral=payload"
}

var _ pflag.Value = (*seedList)(nil)

func newDemoCmd(configPath *string) *cobra.Command {
	var seeds seedList

	demoCmd := &cobra.Command{
		Use:   "demo [topology]",
		Short: "Run a stimulation over a built-in demo graph",
		Long:  "Topologies: fanout, chain, loop, workers. Responses are printed as they are emitted and optionally recorded to a trace file.",
	}

	f := demoCmd.PersistentFlags()
	f.Int("concurrency", 1, "Per-stimulation cap on in-flight dispatches (0 = unlimited)")
	f.Int("max-hops", -1, "Hard bound on chain length from any seed (negative = unbounded)")
	f.Bool("trace", false, "Record responses to the trace file")
	f.String("trace-path", "", "Trace file path")
	f.Var(&seeds, "seed", "Extra seed signal as collateral=payload (repeatable)")

	run := func(topology string) func(cmd *cobra.Command, args []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath, cmd.Flags())
			if err != nil {
				return err
			}
			return runDemo(cmd.Context(), topology, cfg, seeds.seeds)
		}
	}

	for _, topo := range []struct{ name, short string }{
		{"fanout", "One neuron fans out to three subscribers"},
		{"chain", "Linear forwarding chain, good with --max-hops"},
		{"loop", "Self-stimulating neuron cancelled after ten responses"},
		{"workers", "Capped worker neuron chewing through a job batch (pass --concurrency 0 to let the per-neuron cap bind)"},
	} {
		demoCmd.AddCommand(&cobra.Command{
			Use:   topo.name,
			Short: topo.short,
			RunE:  run(topo.name),
		})
	}

	return demoCmd
}

func runDemo(ctx context.Context, topology string, cfg *core.Config, extra []seedSpec) error {
	logger := slog.Default().With("topology", topology)

	d, err := buildDemo(topology, cfg.Stimulation.DefaultMaxDuration)
	if err != nil {
		return err
	}

	var recorder *trace.Recorder
	if cfg.Trace.Enabled {
		recorder, err = trace.NewRecorder(cfg.Trace.Path, cfg.Trace.Compress)
		if err != nil {
			return err
		}
		defer recorder.Close()
		detach := recorder.Attach(d.cns)
		defer detach()
		logger.Info("recording responses", "path", cfg.Trace.Path, "session", recorder.SessionID())
	}

	seeds := d.seeds
	for _, spec := range extra {
		seeds = append(seeds, core.Signal{CollateralID: core.CollateralID(spec.collateral), Payload: spec.payload})
	}

	opts := []cns.StimulateOption{
		cns.WithConcurrency(cfg.Stimulation.Concurrency),
		cns.WithOnResponse(printResponse),
	}
	if cfg.Stimulation.MaxNeuronHops >= 0 {
		opts = append(opts, cns.WithMaxNeuronHops(cfg.Stimulation.MaxNeuronHops))
	}

	runCtx := ctx
	if d.prepare != nil {
		var extraOpts []cns.StimulateOption
		runCtx, extraOpts = d.prepare(ctx)
		opts = append(opts, extraOpts...)
	}

	started := time.Now()

	if d.parallel > 1 {
		g, gctx := errgroup.WithContext(runCtx)
		for i := 0; i < d.parallel; i++ {
			g.Go(func() error {
				stim := d.cns.StimulateAll(gctx, seeds, opts...)
				err := stim.Wait()
				logger.Info("stimulation finished",
					"id", stim.ID(),
					"state", stim.State().String(),
					"failed", len(stim.FailedResponses()),
				)
				return err
			})
		}
		err = g.Wait()
		logger.Info("batch finished",
			"runs", d.parallel,
			"elapsed", time.Since(started).Round(time.Microsecond).String(),
		)
		return err
	}

	stim := d.cns.StimulateAll(runCtx, seeds, opts...)
	err = stim.Wait()

	logger.Info("stimulation finished",
		"id", stim.ID(),
		"state", stim.State().String(),
		"failed", len(stim.FailedResponses()),
		"elapsed", time.Since(started).Round(time.Microsecond).String(),
	)
	return err
}

func printResponse(resp *core.Response) error {
	out := "-"
	if resp.OutputSignal != nil {
		out = string(resp.OutputSignal.CollateralID)
	}
	errStr := ""
	if resp.Error != nil {
		errStr = "  error=" + resp.Error.Kind
	}
	fmt.Printf("  [%s] hop=%d in=%s out=%s queue=%d%s\n",
		resp.StimulationID, resp.Hop, resp.InputSignal.CollateralID, out, resp.QueueLength, errStr)
	return nil
}

func newTraceCmd() *cobra.Command {
	traceCmd := &cobra.Command{
		Use:   "trace",
		Short: "Inspect recorded response traces",
	}

	traceCmd.AddCommand(&cobra.Command{
		Use:   "dump [file]",
		Short: "Print a trace file as a table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			records, err := trace.ReadFile(args[0])
			if err != nil {
				return err
			}

			table := tablewriter.NewWriter(os.Stdout)
			table.SetHeader([]string{"Seq", "Stimulation", "Hop", "Input", "Output", "Queue", "Error"})
			table.SetBorder(false)
			for _, rec := range records {
				out := "-"
				if rec.OutputSignal != nil {
					out = string(rec.OutputSignal.CollateralID)
				}
				errStr := ""
				if rec.ErrorKind != "" {
					errStr = rec.ErrorKind
				}
				table.Append([]string{
					strconv.FormatUint(rec.Seq, 10),
					rec.StimulationID,
					strconv.Itoa(rec.Hop),
					string(rec.InputSignal.CollateralID),
					out,
					strconv.Itoa(rec.QueueLength),
					errStr,
				})
			}
			table.Render()
			fmt.Printf("%d records\n", len(records))
			return nil
		},
	})

	return traceCmd
}
