// Package allgather replicates a fixed-size contribution
// from every rank onto every rank.
package allgather

import (
	"fmt"

	"github.com/unixpickle/scalecoll/collcomm"
)

// DefaultPairwiseMax is the largest group that exchanges
// directly when Options.PairwiseMax is 0.
const DefaultPairwiseMax = 5

// Options configures Allgather.
type Options struct {
	// PairwiseMax is the group size at or below which
	// every member exchanges directly with every other
	// member instead of halving the group further.
	//
	// If PairwiseMax is 0, DefaultPairwiseMax is used.
	PairwiseMax int
}

func (o *Options) pairwiseMax() int {
	if o == nil || o.PairwiseMax == 0 {
		return DefaultPairwiseMax
	}
	return o.PairwiseMax
}

// Allgather stores every rank's send buffer in slot rank
// of every rank's recv buffer.
//
// All ranks must pass send buffers of the same length,
// and recv must have Size() times that length.
// A nil opts uses the defaults.
//
// Groups larger than the pairwise threshold with an even
// size are split into two halves that gather recursively
// and then swap their halves, giving a logarithmic number
// of rounds.
func Allgather[T any](c *collcomm.Comms, send, recv []T, opts *Options) error {
	rank := checkBuffers(c, send, recv)
	copy(recv[rank*len(send):], send)
	g := &gatherer[T]{c: c, rank: rank, datasize: len(send), pairwiseMax: opts.pairwiseMax()}
	if err := g.recurse(recv, c.Size(), rank); err != nil {
		return fmt.Errorf("allgather: %w", err)
	}
	return nil
}

// Pairwise is like Allgather, but always exchanges data
// directly between every pair of ranks.
func Pairwise[T any](c *collcomm.Comms, send, recv []T) error {
	rank := checkBuffers(c, send, recv)
	copy(recv[rank*len(send):], send)
	g := &gatherer[T]{c: c, rank: rank, datasize: len(send)}
	if err := g.pairwise(recv, c.Size(), rank); err != nil {
		return fmt.Errorf("allgather: %w", err)
	}
	return nil
}

func checkBuffers[T any](c *collcomm.Comms, send, recv []T) int {
	if len(recv) != len(send)*c.Size() {
		panic(fmt.Sprintf("recv buffer has %d elements but expected %d",
			len(recv), len(send)*c.Size()))
	}
	return c.Rank()
}

type gatherer[T any] struct {
	c           *collcomm.Comms
	rank        int
	datasize    int
	pairwiseMax int
}

// recurse gathers a group of groupsize consecutive ranks
// into data, which holds one slot per group member. The
// current rank is member myoffset of the group.
func (g *gatherer[T]) recurse(data []T, groupsize, myoffset int) error {
	if groupsize <= g.pairwiseMax || groupsize%2 != 0 {
		return g.pairwise(data, groupsize, myoffset)
	}

	half := groupsize / 2
	split := half * g.datasize
	var mine, theirs []T
	var peer int
	if myoffset < half {
		mine, theirs = data[:split], data[split:]
		peer = g.rank + half
		if err := g.recurse(mine, half, myoffset); err != nil {
			return err
		}
	} else {
		mine, theirs = data[split:], data[:split]
		peer = g.rank - half
		if err := g.recurse(mine, half, myoffset-half); err != nil {
			return err
		}
	}

	return g.c.WaitAll(
		collcomm.Irecv(g.c, peer, collcomm.TagAllgatherHalving, theirs),
		collcomm.Isend(g.c, peer, collcomm.TagAllgatherHalving, mine),
	)
}

// pairwise exchanges slots directly between every pair of
// group members.
func (g *gatherer[T]) pairwise(data []T, groupsize, myoffset int) error {
	own := data[myoffset*g.datasize : (myoffset+1)*g.datasize]
	reqs := make([]*collcomm.Request, 0, 2*(groupsize-1))
	for j := 0; j < groupsize; j++ {
		if j == myoffset {
			continue
		}
		peer := g.rank - myoffset + j
		slot := data[j*g.datasize : (j+1)*g.datasize]
		reqs = append(reqs,
			collcomm.Irecv(g.c, peer, collcomm.TagAllgatherPairwise, slot),
			collcomm.Isend(g.c, peer, collcomm.TagAllgatherPairwise, own),
		)
	}
	return g.c.WaitAll(reqs...)
}
