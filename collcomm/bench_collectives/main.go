// Command bench_collectives prints a markdown table with
// the virtual time taken by various collectives on a
// switched network.
package main

import (
	"fmt"
	"math/rand"
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/unixpickle/essentials"
	"github.com/unixpickle/scalecoll/collcomm"
	"github.com/unixpickle/scalecoll/collcomm/allgather"
	"github.com/unixpickle/scalecoll/collcomm/psort"
	"github.com/unixpickle/scalecoll/collcomm/reduce"
	"github.com/unixpickle/scalecoll/simulator"
	"golang.org/x/sync/errgroup"
)

// RunInfo describes a specific network configuration.
type RunInfo struct {
	NumNodes int
	Latency  float64
	Rate     float64
}

// Run creates a network, drops each host into its own
// Goroutine, and returns the virtual time at which the
// last host finished.
func (r *RunInfo) Run(commFn func(c *collcomm.Comms) error) (float64, error) {
	loop := simulator.NewEventLoop()
	nodes := make([]*simulator.Node, r.NumNodes)
	for i := range nodes {
		nodes[i] = simulator.NewNode()
	}
	switcher := simulator.NewGreedyDropSwitcher(r.NumNodes, r.Rate)
	network := simulator.NewSwitcherNetwork(switcher, nodes, r.Latency)
	errs := make([]error, r.NumNodes)
	collcomm.SpawnComms(loop, network, nodes, func(c *collcomm.Comms) {
		errs[c.Rank()] = commFn(c)
	})
	if err := loop.Run(); err != nil {
		return 0, err
	}
	for _, err := range errs {
		if err != nil {
			return 0, err
		}
	}
	return loop.Time(), nil
}

// A Benchmark runs one collective with a total payload of
// size values.
type Benchmark struct {
	Name string
	Run  func(c *collcomm.Comms, size int) error
}

type options struct {
	Sizes         []int
	NumNodes      []int
	Parallel      int
	PairwiseMax   int
	AlltoallLevel int
	LogLevel      string
}

func (o *options) addFlags(flags *pflag.FlagSet) {
	flags.IntSliceVar(&o.Sizes, "sizes", []int{10, 10000, 1000000},
		"total number of values handled by each collective")
	flags.IntSliceVar(&o.NumNodes, "nodes", nil, "only run configurations with these node counts")
	flags.IntVar(&o.Parallel, "parallel", runtime.NumCPU(), "number of simulations to run at once")
	flags.IntVar(&o.PairwiseMax, "pairwise-max", 0, "allgather pairwise threshold (0 for default)")
	flags.IntVar(&o.AlltoallLevel, "alltoall-level", 0,
		"tree levels reduced all-to-all (0 for default, negative to disable)")
	flags.StringVar(&o.LogLevel, "log-level", "warning", "logrus log level")
}

func main() {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "bench_collectives",
		Short: "Time collectives on a simulated switched network",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(opts.LogLevel)
			if err != nil {
				return err
			}
			logrus.SetLevel(level)
			return runBenchmarks(opts)
		},
	}
	opts.addFlags(cmd.Flags())
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runBenchmarks(opts *options) error {
	runs := []RunInfo{
		{NumNodes: 2, Latency: 0.1, Rate: 1e6},
		{NumNodes: 16, Latency: 1e-3, Rate: 1e6},
		{NumNodes: 17, Latency: 1e-3, Rate: 1e6},
		{NumNodes: 32, Latency: 0.1, Rate: 1e6},
		{NumNodes: 32, Latency: 0.1, Rate: 1e9},
		{NumNodes: 32, Latency: 1e-4, Rate: 1e9},
	}
	if len(opts.NumNodes) > 0 {
		runs = lo.Filter(runs, func(r RunInfo, _ int) bool {
			return lo.Contains(opts.NumNodes, r.NumNodes)
		})
	}
	benchmarks := createBenchmarks(opts)

	type row struct {
		Run   RunInfo
		Size  int
		Times []float64
	}
	rows := lo.FlatMap(runs, func(r RunInfo, _ int) []*row {
		return lo.Map(opts.Sizes, func(size int, _ int) *row {
			return &row{Run: r, Size: size, Times: make([]float64, len(benchmarks))}
		})
	})

	var g errgroup.Group
	g.SetLimit(essentials.MaxInt(1, opts.Parallel))
	for _, r := range rows {
		r := r
		for i, b := range benchmarks {
			i, b := i, b
			g.Go(func() error {
				t, err := r.Run.Run(func(c *collcomm.Comms) error {
					return b.Run(c, r.Size)
				})
				if err != nil {
					return fmt.Errorf("%s with %d nodes: %w", b.Name, r.Run.NumNodes, err)
				}
				r.Times[i] = t
				return nil
			})
		}
	}
	if err := g.Wait(); err != nil {
		return err
	}

	// Markdown table header.
	names := lo.Map(benchmarks, func(b Benchmark, _ int) string { return b.Name })
	fmt.Printf("| Nodes | Latency | NIC rate | Size | %s |\n", strings.Join(names, " | "))
	fmt.Println(strings.Repeat("|:--", 4+len(benchmarks)) + "|")

	// Markdown table body.
	for _, r := range rows {
		fmt.Printf(
			"| %d | %s | %s | %d ",
			r.Run.NumNodes,
			strconv.FormatFloat(r.Run.Latency, 'f', -1, 64),
			strconv.FormatFloat(r.Run.Rate, 'E', -1, 64),
			r.Size,
		)
		for _, t := range r.Times {
			fmt.Printf("| %f ", t)
		}
		fmt.Println("|")
	}
	return nil
}

func createBenchmarks(opts *options) []Benchmark {
	var res []Benchmark
	reducers := []reduce.Allreducer{
		reduce.NaiveAllreducer{},
		reduce.TreeAllreducer{AlltoallLevel: opts.AlltoallLevel},
		reduce.StreamAllreducer{},
	}
	for i, name := range []string{"Naive", "Tree", "Stream"} {
		reducer := reducers[i]
		res = append(res, Benchmark{
			Name: name,
			Run: func(c *collcomm.Comms, size int) error {
				_, err := reducer.Allreduce(c, make([]float64, size), FakeReduce)
				return err
			},
		})
	}

	gatherOpts := &allgather.Options{PairwiseMax: opts.PairwiseMax}
	res = append(res,
		Benchmark{
			Name: "Allgather pairwise",
			Run: func(c *collcomm.Comms, size int) error {
				send, recv := gatherBuffers(c, size)
				return allgather.Pairwise(c, send, recv)
			},
		},
		Benchmark{
			Name: "Allgather",
			Run: func(c *collcomm.Comms, size int) error {
				send, recv := gatherBuffers(c, size)
				return allgather.Allgather(c, send, recv, gatherOpts)
			},
		},
		Benchmark{
			Name: "Sort",
			Run: func(c *collcomm.Comms, size int) error {
				gen := rand.New(rand.NewSource(int64(c.Rank())))
				values := make([]float64, localCount(c, size))
				for i := range values {
					values[i] = gen.Float64()
				}
				return psort.SortGathered(c, values, func(a, b float64) bool { return a < b })
			},
		},
	)
	return res
}

// FakeReduce is a ReduceFn that takes no actual CPU time.
func FakeReduce(h *simulator.Handle, vecs ...[]float64) []float64 {
	h.Sleep(collcomm.FlopTime * float64(len(vecs)*len(vecs[0])))
	return make([]float64, len(vecs[0]))
}

func gatherBuffers(c *collcomm.Comms, size int) (send, recv []float64) {
	n := essentials.MaxInt(1, size/c.Size())
	return make([]float64, n), make([]float64, n*c.Size())
}

// localCount splits size values unevenly, giving lower
// ranks the remainder.
func localCount(c *collcomm.Comms, size int) int {
	n := size / c.Size()
	if c.Rank() < size%c.Size() {
		n++
	}
	return n
}
