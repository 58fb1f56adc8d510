package allgather

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/unixpickle/scalecoll/collcomm"
)

type gatherFn func(c *collcomm.Comms, send, recv []float64) error

func withOptions(opts *Options) gatherFn {
	return func(c *collcomm.Comms, send, recv []float64) error {
		return Allgather(c, send, recv, opts)
	}
}

func TestAllgather(t *testing.T) {
	variants := map[string]gatherFn{
		"Default":  withOptions(nil),
		"Halving":  withOptions(&Options{PairwiseMax: 1}),
		"Pairwise": Pairwise[float64],
		"Huge":     withOptions(&Options{PairwiseMax: 1 << 20}),
	}
	for name, fn := range variants {
		t.Run(name, func(t *testing.T) {
			testAllgather(t, fn)
		})
	}
}

func testAllgather(t *testing.T, fn gatherFn) {
	collcomm.ForEachNetwork(t, []int{1, 2, 3, 4, 6, 8, 12, 16, 24}, func(t *testing.T, numNodes int, randomized bool) {
		for _, datasize := range []int{0, 1, 7} {
			inputs := randomInputs(numNodes, datasize)
			expected := concat(inputs)
			results := make([][]float64, numNodes)
			collcomm.RunCollective(t, numNodes, randomized, func(c *collcomm.Comms) {
				recv := make([]float64, datasize*c.Size())
				if err := fn(c, inputs[c.Rank()], recv); err != nil {
					t.Error(err)
					return
				}
				results[c.Rank()] = recv
			})
			for i, res := range results {
				if diff := cmp.Diff(expected, res); diff != "" {
					t.Errorf("datasize %d: rank %d (-want +got):\n%s", datasize, i, diff)
				}
			}
		}
	})
}

// TestAllgatherThresholdEquivalence checks that every
// threshold produces identical buffers, including the
// ones where recursion stops at an odd group.
func TestAllgatherThresholdEquivalence(t *testing.T) {
	const numNodes = 24
	inputs := randomInputs(numNodes, 3)
	var reference [][]float64
	for _, threshold := range []int{1, 2, 3, 5, 6, 12, 24, 100} {
		t.Run(fmt.Sprintf("Threshold=%d", threshold), func(t *testing.T) {
			results := make([][]float64, numNodes)
			collcomm.RunCollective(t, numNodes, true, func(c *collcomm.Comms) {
				recv := make([]float64, 3*c.Size())
				if err := Allgather(c, inputs[c.Rank()], recv, &Options{PairwiseMax: threshold}); err != nil {
					t.Error(err)
					return
				}
				results[c.Rank()] = recv
			})
			if reference == nil {
				reference = results
			} else if diff := cmp.Diff(reference, results); diff != "" {
				t.Errorf("results differ from threshold 1 (-want +got):\n%s", diff)
			}
		})
	}
}

func TestAllgatherReuseComms(t *testing.T) {
	collcomm.RunCollective(t, 8, true, func(c *collcomm.Comms) {
		for round := 0; round < 3; round++ {
			recv := make([]int, c.Size())
			opts := &Options{PairwiseMax: 1 + round}
			if err := Allgather(c, []int{c.Rank() * (round + 1)}, recv, opts); err != nil {
				t.Error(err)
				return
			}
			for i, x := range recv {
				if x != i*(round+1) {
					t.Errorf("round %d: slot %d has %d", round, i, x)
				}
			}
		}
	})
}

func randomInputs(numNodes, datasize int) [][]float64 {
	inputs := make([][]float64, numNodes)
	for i := range inputs {
		inputs[i] = make([]float64, datasize)
		for j := range inputs[i] {
			inputs[i][j] = rand.NormFloat64()
		}
	}
	return inputs
}

func concat(vecs [][]float64) []float64 {
	res := []float64{}
	for _, v := range vecs {
		res = append(res, v...)
	}
	return res
}
