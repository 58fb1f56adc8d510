package reduce

import (
	"math"
	"math/rand"
	"testing"

	"github.com/unixpickle/scalecoll/collcomm"
)

// RunAllreducerTests runs a battery of tests on an
// Allreducer.
func RunAllreducerTests(t *testing.T, reducer Allreducer) {
	sizes := []int{1, 2, 3, 5, 8, 15, 16, 17, 33}
	collcomm.ForEachNetwork(t, sizes, func(t *testing.T, numNodes int, randomized bool) {
		for _, size := range []int{0, 1337} {
			vectors := make([][]float64, numNodes)
			sum := make([]float64, size)
			for i := range vectors {
				vectors[i] = make([]float64, size)
				for j := range vectors[i] {
					vectors[i][j] = rand.NormFloat64()
					sum[j] += vectors[i][j]
				}
			}

			results := make([][]float64, numNodes)
			collcomm.RunCollective(t, numNodes, randomized, func(c *collcomm.Comms) {
				res, err := reducer.Allreduce(c, vectors[c.Rank()], collcomm.Sum)
				if err != nil {
					t.Error(err)
					return
				}
				results[c.Rank()] = res
			})

			verifyReductionResults(t, results, sum)
		}
	})
}

func verifyReductionResults(t *testing.T, results [][]float64, expected []float64) {
	for i, res := range results[1:] {
		if len(res) != len(expected) {
			t.Errorf("result %d has length %d but expected %d", i+1, len(res), len(expected))
			continue
		}
		for j, actual := range res {
			if actual != results[0][j] {
				t.Errorf("result %d is not identical to result 0", i+1)
				break
			}
		}
	}

	if len(results[0]) != len(expected) {
		t.Errorf("result 0 has length %d but expected %d", len(results[0]), len(expected))
		return
	}
	for i, x := range expected {
		if math.Abs(x-results[0][i]) > 1e-5 {
			t.Errorf("sum is incorrect (expected %f but got %f at component %d)",
				x, results[0][i], i)
			break
		}
	}
}
