// Package ranges compresses a sparse set of peer ranks
// into a small number of contiguous rank windows.
//
// A rank that talks to a few scattered peers can then
// describe its communication pattern with a bounded
// amount of metadata, at the cost of including some
// ranks in its windows that are not actually peers.
package ranges

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/unixpickle/essentials"
)

// A Window is an inclusive range of ranks.
type Window struct {
	First int
	Last  int
}

// Len returns the number of ranks in the window.
func (w Window) Len() int {
	return w.Last - w.First + 1
}

// Contains checks if a rank is inside the window.
func (w Window) Contains(rank int) bool {
	return rank >= w.First && rank <= w.Last
}

// Peers finds the lowest and highest peer of rank, i.e.
// the first and last entries of procs that are set,
// ignoring rank itself.
//
// If there are no peers, first is len(procs) and last is
// -1.
func Peers(procs []bool, rank int) (first, last int) {
	first, last = len(procs), -1
	for j, isPeer := range procs {
		if isPeer && j != rank {
			first = essentials.MinInt(first, j)
			last = j
		}
	}
	return
}

// Compute covers every peer in procs with at most
// numRanges windows, sorted by rank.
//
// Every run of non-peers between two peers is a gap. The
// numRanges-1 longest gaps (later ones winning ties) are
// cut out of [firstPeer, lastPeer] and the rest becomes
// the windows. Without peers, no windows are returned.
//
// The rank itself is never considered a peer, but it may
// end up inside a window.
func Compute(procs []bool, rank, firstPeer, lastPeer, numRanges int) []Window {
	if numRanges < 1 {
		panic("at least one window is required")
	}
	if rank < 0 || rank >= len(procs) {
		panic(fmt.Sprintf("rank %d out of range", rank))
	}
	if firstPeer > lastPeer {
		return nil
	}
	log := logrus.WithField("rank", rank)

	lastw := numRanges - 1
	gaps := make([]Window, 0, numRanges)
	prev := -1
	for j, isPeer := range procs {
		if !isPeer || j == rank {
			continue
		}
		if prev != -1 && prev < j-1 {
			gap := Window{First: prev + 1, Last: j - 1}
			log.Debugf("found empty range prev %d j %d length %d", prev, j, gap.Len())
			gaps = append(gaps, gap)
			if len(gaps) == numRanges {
				shortest := 0
				for i, g := range gaps {
					if g.Len() < gaps[shortest].Len() {
						shortest = i
					}
				}
				gaps[shortest] = gaps[lastw]
				gaps = gaps[:lastw]
			}
		}
		prev = j
	}

	essentials.VoodooSort(gaps, func(i, j int) bool {
		return gaps[i].First < gaps[j].First
	})
	for i, g := range gaps {
		log.Debugf("empty range %d from %d to %d", i, g.First, g.Last)
	}

	windows := make([]Window, 0, len(gaps)+1)
	start := firstPeer
	for _, g := range gaps {
		windows = append(windows, Window{First: start, Last: g.First - 1})
		start = g.Last + 1
	}
	windows = append(windows, Window{First: start, Last: lastPeer})
	for i, w := range windows {
		log.Debugf("range %d from %d to %d", i, w.First, w.Last)
	}
	return windows
}
