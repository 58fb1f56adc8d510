// Package reduce implements algorithms for summing or
// maxing vectors across many different connected nodes,
// either onto one target rank or onto every rank.
package reduce

import (
	"math/bits"

	"github.com/unixpickle/scalecoll/collcomm"
)

// Allreducer is an algorithm that can apply a ReduceFn to
// vectors that are distributed across nodes, leaving the
// result on every node.
//
// Every node must pass a vector of the same length.
type Allreducer interface {
	Allreduce(c *collcomm.Comms, data []float64, fn collcomm.ReduceFn) ([]float64, error)
}

// Bias maps a coordinate in a balanced binary tree over
// 1<<maxlevel ranks to the rank that represents it.
//
// The node at (level, branch) covers the ranks
// [branch<<(maxlevel-level), (branch+1)<<(maxlevel-level)).
// Its representative is the covered rank nearest to
// target, so a reduction towards target never has to
// move data back out of target's subtree.
func Bias(maxlevel, level, branch, target int) int {
	if level < 0 || level > maxlevel || branch < 0 || branch >= 1<<level {
		panic("tree coordinate out of range")
	}
	width := 1 << (maxlevel - level)
	left := branch * width
	right := left + width
	switch {
	case target < left:
		return left
	case target >= right:
		return right - 1
	default:
		return left + target&(width-1)
	}
}

// MaxLevel returns the depth of the smallest binary tree
// with at least size leaves.
func MaxLevel(size int) int {
	if size < 1 {
		panic("communicator must not be empty")
	}
	return bits.Len(uint(size - 1))
}
