// Package psort sorts a sequence that is distributed
// across the ranks of a communicator.
//
// The algorithm is a bitonic sorting network generalized
// to arbitrary sequence lengths, run over the global
// index space given by a partition.Partition. Every rank
// keeps its element count while the values move.
package psort

import (
	"fmt"
	"math/bits"

	"github.com/unixpickle/essentials"
	"github.com/unixpickle/scalecoll/collcomm"
	"github.com/unixpickle/scalecoll/collcomm/partition"
)

// Sort sorts the rank-ordered concatenation of every
// rank's data in place, so that afterwards rank p holds
// the p-th slice of the sorted sequence.
//
// nmemb lists the number of elements on every rank and
// must be identical on all ranks. The sort is not stable.
func Sort[T any](c *collcomm.Comms, data []T, nmemb []int, less func(a, b T) bool) error {
	if len(nmemb) != c.Size() {
		panic(fmt.Sprintf("got %d counts for %d ranks", len(nmemb), c.Size()))
	}
	rank := c.Rank()
	if len(data) != nmemb[rank] {
		panic(fmt.Sprintf("rank %d has %d elements but %d were declared", rank, len(data),
			nmemb[rank]))
	}
	part := partition.New(nmemb)
	myLo, myHi := part.Range(rank)
	s := &sorter[T]{c: c, part: part, data: data, myLo: myLo, myHi: myHi, less: less}
	c.Log().WithField("total", part.Total()).Debug("bitonic sort")
	if err := s.sort(0, part.Total(), true); err != nil {
		return fmt.Errorf("psort: %w", err)
	}
	return nil
}

// SortGathered is like Sort, but collects the element
// counts itself using an allgather.
func SortGathered[T any](c *collcomm.Comms, data []T, less func(a, b T) bool) error {
	part, err := partition.Gather(c, len(data))
	if err != nil {
		return fmt.Errorf("psort: %w", err)
	}
	return Sort(c, data, part.Counts(), less)
}

type sorter[T any] struct {
	c    *collcomm.Comms
	part *partition.Partition
	data []T
	less func(a, b T) bool

	myLo int
	myHi int
}

// sort turns the global range [lo, hi) into a sorted
// sequence, ascending or descending.
func (s *sorter[T]) sort(lo, hi int, ascending bool) error {
	if hi-lo <= 1 || !s.intersects(lo, hi) {
		return nil
	} else if s.isLocal(lo, hi) {
		s.localSort(lo, hi, ascending)
		return nil
	}
	mid := lo + (hi-lo)/2
	if err := s.sort(lo, mid, !ascending); err != nil {
		return err
	}
	if err := s.sort(mid, hi, ascending); err != nil {
		return err
	}
	return s.merge(lo, hi, ascending)
}

// merge sorts a range [lo, hi) whose first half is sorted
// in the opposite direction of its second half.
func (s *sorter[T]) merge(lo, hi int, ascending bool) error {
	if hi-lo <= 1 || !s.intersects(lo, hi) {
		return nil
	} else if s.isLocal(lo, hi) {
		s.localSort(lo, hi, ascending)
		return nil
	}
	n2 := 1 << (bits.Len(uint(hi-lo-1)) - 1)
	if err := s.compareExchange(lo, hi-n2, n2, ascending); err != nil {
		return err
	}
	if err := s.merge(lo, lo+n2, ascending); err != nil {
		return err
	}
	return s.merge(lo+n2, hi, ascending)
}

// compareExchange orders every pair (i, i+dist) for i in
// [start, end). Pairs are grouped into contiguous chunks
// per remote rank, so each peer receives one message.
func (s *sorter[T]) compareExchange(start, end, dist int, ascending bool) error {
	var reqs []*collcomm.Request
	var chunks []*chunk[T]

	// Chunks where the local rank owns the lower index.
	for i := essentials.MaxInt(start, s.myLo); i < essentials.MinInt(end, s.myHi); {
		peer := s.part.Owner(i + dist)
		_, peerHi := s.part.Range(peer)
		next := essentials.MinInt(essentials.MinInt(end, s.myHi), peerHi-dist)
		if peer == s.c.Rank() {
			for j := i; j < next; j++ {
				x, y := &s.data[j-s.myLo], &s.data[j+dist-s.myLo]
				if s.outOfOrder(*x, *y, ascending) {
					*x, *y = *y, *x
				}
			}
		} else {
			ch := &chunk[T]{start: i, theirs: make([]T, next-i)}
			chunks = append(chunks, ch)
			reqs = append(reqs,
				collcomm.Isend(s.c, peer, collcomm.TagPsortLo, s.local(i, next)),
				collcomm.Irecv(s.c, peer, collcomm.TagPsortHi, ch.theirs),
			)
		}
		i = next
	}

	// Chunks where the local rank owns the upper index.
	for i := essentials.MaxInt(start, s.myLo-dist); i < essentials.MinInt(end, s.myHi-dist); {
		peer := s.part.Owner(i)
		_, peerHi := s.part.Range(peer)
		next := essentials.MinInt(essentials.MinInt(end, s.myHi-dist), peerHi)
		if peer != s.c.Rank() {
			ch := &chunk[T]{start: i + dist, upper: true, theirs: make([]T, next-i)}
			chunks = append(chunks, ch)
			reqs = append(reqs,
				collcomm.Isend(s.c, peer, collcomm.TagPsortHi, s.local(i+dist, next+dist)),
				collcomm.Irecv(s.c, peer, collcomm.TagPsortLo, ch.theirs),
			)
		}
		i = next
	}

	if err := s.c.WaitAll(reqs...); err != nil {
		return err
	}

	for _, ch := range chunks {
		mine := s.local(ch.start, ch.start+len(ch.theirs))
		for j, theirs := range ch.theirs {
			if ch.upper {
				if s.outOfOrder(theirs, mine[j], ascending) {
					mine[j] = theirs
				}
			} else if s.outOfOrder(mine[j], theirs, ascending) {
				mine[j] = theirs
			}
		}
	}
	return nil
}

// outOfOrder reports whether a value at a lower index and
// a value at a higher index must be swapped.
func (s *sorter[T]) outOfOrder(lower, upper T, ascending bool) bool {
	if ascending {
		return s.less(upper, lower)
	}
	return s.less(lower, upper)
}

func (s *sorter[T]) localSort(lo, hi int, ascending bool) {
	seg := s.local(lo, hi)
	essentials.VoodooSort(seg, func(i, j int) bool {
		if ascending {
			return s.less(seg[i], seg[j])
		}
		return s.less(seg[j], seg[i])
	})
}

// local returns the local elements in the global range
// [lo, hi), which must be owned by this rank.
func (s *sorter[T]) local(lo, hi int) []T {
	return s.data[lo-s.myLo : hi-s.myLo]
}

func (s *sorter[T]) intersects(lo, hi int) bool {
	return lo < s.myHi && hi > s.myLo
}

func (s *sorter[T]) isLocal(lo, hi int) bool {
	return lo >= s.myLo && hi <= s.myHi
}

// A chunk is a run of local elements paired with a run of
// elements on one remote rank.
type chunk[T any] struct {
	start  int
	upper  bool
	theirs []T
}
