package psort

import (
	"math/rand"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/unixpickle/scalecoll/collcomm"
)

func TestSortExample(t *testing.T) {
	nmemb := []int{3, 0, 2, 4, 1}
	values := rand.Perm(10)
	inputs := split(toFloats(values), nmemb)
	for _, randomized := range []bool{false, true} {
		results := runSort(t, inputs, nmemb, randomized)
		if diff := cmp.Diff([]float64{3, 4}, results[2]); diff != "" {
			t.Errorf("rank 2 (-want +got):\n%s", diff)
		}
		checkSorted(t, inputs, results)
	}
}

func TestSortRandom(t *testing.T) {
	collcomm.ForEachNetwork(t, nil, func(t *testing.T, numNodes int, randomized bool) {
		for trial := 0; trial < 3; trial++ {
			nmemb := make([]int, numNodes)
			total := 0
			for i := range nmemb {
				if rand.Intn(4) != 0 {
					nmemb[i] = rand.Intn(20)
				}
				total += nmemb[i]
			}
			values := make([]float64, total)
			for i := range values {
				values[i] = rand.NormFloat64()
			}
			inputs := split(values, nmemb)
			checkSorted(t, inputs, runSort(t, inputs, nmemb, randomized))
		}
	})
}

func TestSortDuplicates(t *testing.T) {
	nmemb := []int{5, 1, 0, 7, 3, 3}
	values := make([]float64, 19)
	for i := range values {
		values[i] = float64(rand.Intn(3))
	}
	inputs := split(values, nmemb)
	checkSorted(t, inputs, runSort(t, inputs, nmemb, true))
}

func TestSortIdempotent(t *testing.T) {
	nmemb := []int{4, 0, 9, 1, 6}
	values := make([]float64, 20)
	for i := range values {
		values[i] = rand.NormFloat64()
	}
	sort.Float64s(values)
	inputs := split(values, nmemb)
	results := runSort(t, inputs, nmemb, true)
	if diff := cmp.Diff(inputs, results); diff != "" {
		t.Errorf("sorted input changed (-want +got):\n%s", diff)
	}
}

func TestSortDescending(t *testing.T) {
	nmemb := []int{2, 3, 2}
	inputs := [][]int{{5, 1}, {6, 0, 3}, {2, 4}}
	results := make([][]int, len(nmemb))
	collcomm.RunCollective(t, len(nmemb), true, func(c *collcomm.Comms) {
		data := append([]int{}, inputs[c.Rank()]...)
		if err := Sort(c, data, nmemb, func(a, b int) bool { return a > b }); err != nil {
			t.Error(err)
		}
		results[c.Rank()] = data
	})
	expected := [][]int{{6, 5}, {4, 3, 2}, {1, 0}}
	if diff := cmp.Diff(expected, results); diff != "" {
		t.Errorf("unexpected result (-want +got):\n%s", diff)
	}
}

func TestSortRecords(t *testing.T) {
	type record struct {
		Key  int
		Name string
	}
	const numNodes = 4
	results := make([][]record, numNodes)
	collcomm.RunCollective(t, numNodes, false, func(c *collcomm.Comms) {
		data := make([]record, c.Rank()+2)
		for i := range data {
			key := (c.Rank()*7 + i*13) % 17
			data[i] = record{Key: key, Name: string(rune('a' + key))}
		}
		err := SortGathered(c, data, func(a, b record) bool { return a.Key < b.Key })
		if err != nil {
			t.Error(err)
		}
		results[c.Rank()] = data
	})
	var last *record
	for rank, res := range results {
		if len(res) != rank+2 {
			t.Fatalf("rank %d has %d records", rank, len(res))
		}
		for i := range res {
			r := &res[i]
			if r.Name != string(rune('a'+r.Key)) {
				t.Errorf("record %v was corrupted", *r)
			}
			if last != nil && last.Key > r.Key {
				t.Errorf("records out of order: %v before %v", *last, *r)
			}
			last = r
		}
	}
}

func runSort(t *testing.T, inputs [][]float64, nmemb []int, randomized bool) [][]float64 {
	results := make([][]float64, len(nmemb))
	collcomm.RunCollective(t, len(nmemb), randomized, func(c *collcomm.Comms) {
		data := append([]float64{}, inputs[c.Rank()]...)
		if err := Sort(c, data, nmemb, func(a, b float64) bool { return a < b }); err != nil {
			t.Error(err)
		}
		results[c.Rank()] = data
	})
	return results
}

// checkSorted verifies that the results are the sorted
// inputs with every rank keeping its element count.
func checkSorted(t *testing.T, inputs, results [][]float64) {
	var all []float64
	for _, in := range inputs {
		all = append(all, in...)
	}
	sort.Float64s(all)
	counts := make([]int, len(inputs))
	for i, in := range inputs {
		counts[i] = len(in)
	}
	if diff := cmp.Diff(split(all, counts), results); diff != "" {
		t.Errorf("unexpected result (-want +got):\n%s", diff)
	}
}

func split(values []float64, nmemb []int) [][]float64 {
	res := make([][]float64, len(nmemb))
	for i, n := range nmemb {
		res[i] = append([]float64{}, values[:n]...)
		values = values[n:]
	}
	return res
}

func toFloats(ints []int) []float64 {
	res := make([]float64, len(ints))
	for i, x := range ints {
		res[i] = float64(x)
	}
	return res
}
