// Package partition maps a global index space onto the
// ranks of a communicator, one contiguous slice per rank.
package partition

import (
	"fmt"
	"sort"

	"github.com/samber/lo"
	"github.com/unixpickle/scalecoll/collcomm"
	"github.com/unixpickle/scalecoll/collcomm/allgather"
)

// A Partition splits the global index range [0, Total())
// into contiguous, rank-ordered slices.
type Partition struct {
	// Offsets has one more entry than there are ranks.
	// Rank p owns [Offsets[p], Offsets[p+1]).
	Offsets []int
}

// New computes a Partition from the number of elements on
// each rank, using an exclusive prefix sum.
func New(counts []int) *Partition {
	offsets := make([]int, len(counts)+1)
	for i, count := range counts {
		if count < 0 {
			panic(fmt.Sprintf("negative count %d for rank %d", count, i))
		}
		offsets[i+1] = offsets[i] + count
	}
	return &Partition{Offsets: offsets}
}

// Gather builds the Partition collectively, given only
// the local element count on every rank.
func Gather(c *collcomm.Comms, localCount int) (*Partition, error) {
	counts := make([]int, c.Size())
	if err := allgather.Allgather(c, []int{localCount}, counts, nil); err != nil {
		return nil, fmt.Errorf("gather partition: %w", err)
	}
	return New(counts), nil
}

// NumRanks returns the number of ranks.
func (p *Partition) NumRanks() int {
	return len(p.Offsets) - 1
}

// Total returns the size of the global index space.
func (p *Partition) Total() int {
	return p.Offsets[len(p.Offsets)-1]
}

// Count returns the number of elements on a rank.
func (p *Partition) Count(rank int) int {
	return p.Offsets[rank+1] - p.Offsets[rank]
}

// Counts returns the number of elements on every rank.
func (p *Partition) Counts() []int {
	return lo.Times(p.NumRanks(), p.Count)
}

// Range returns the global range [lo, hi) owned by rank.
func (p *Partition) Range(rank int) (lo, hi int) {
	return p.Offsets[rank], p.Offsets[rank+1]
}

// Owner returns the rank owning a global index.
//
// Ranks with no elements never own anything, so the
// result always has a non-empty range.
func (p *Partition) Owner(pos int) int {
	if pos < 0 || pos >= p.Total() {
		panic(fmt.Sprintf("index %d out of range [0, %d)", pos, p.Total()))
	}
	return sort.Search(p.NumRanks(), func(rank int) bool {
		return p.Offsets[rank+1] > pos
	})
}
