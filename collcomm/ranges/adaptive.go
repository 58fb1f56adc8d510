package ranges

import (
	"fmt"

	"github.com/samber/lo"
	"github.com/unixpickle/scalecoll/collcomm"
	"github.com/unixpickle/scalecoll/collcomm/allgather"
	"github.com/unixpickle/scalecoll/collcomm/reduce"
)

// Sentinels that pad a rank's windows up to the global
// maximum when window tables are exchanged.
const (
	padFirst = -1
	padLast  = -2
)

// A Layout is the result of Adaptive: the windows of every
// rank in a communicator.
type Layout struct {
	// Local contains the windows of the current rank.
	Local []Window

	// MaxPeers is the largest number of peers any rank has.
	MaxPeers int

	// MaxWindows is the largest number of windows any rank
	// produced. It is at most the requested bound.
	MaxWindows int

	// Global contains the windows of every rank, indexed by
	// rank.
	Global [][]Window
}

// Adaptive computes the local windows like Compute and
// distributes everybody's windows to every rank.
//
// Every rank must pass the same numRanges.
func Adaptive(c *collcomm.Comms, procs []bool, numRanges int) (*Layout, error) {
	if len(procs) != c.Size() {
		panic(fmt.Sprintf("got %d peer flags for %d ranks", len(procs), c.Size()))
	}
	rank := c.Rank()
	first, last := Peers(procs, rank)
	local := Compute(procs, rank, first, last, numRanges)
	numPeers := lo.CountBy(lo.Range(len(procs)), func(j int) bool {
		return procs[j] && j != rank
	})

	maxes, err := reduce.TreeAllreducer{}.Allreduce(c,
		[]float64{float64(numPeers), float64(len(local))}, collcomm.Max)
	if err != nil {
		return nil, fmt.Errorf("adaptive ranges: %w", err)
	}
	layout := &Layout{
		Local:      local,
		MaxPeers:   int(maxes[0]),
		MaxWindows: int(maxes[1]),
	}

	packed := make([]int, 2*layout.MaxWindows)
	for i := 0; i < layout.MaxWindows; i++ {
		if i < len(local) {
			packed[2*i], packed[2*i+1] = local[i].First, local[i].Last
		} else {
			packed[2*i], packed[2*i+1] = padFirst, padLast
		}
	}
	table := make([]int, len(packed)*c.Size())
	if err := allgather.Allgather(c, packed, table, nil); err != nil {
		return nil, fmt.Errorf("adaptive ranges: %w", err)
	}
	layout.Global = make([][]Window, c.Size())
	for j := range layout.Global {
		row := table[j*len(packed) : (j+1)*len(packed)]
		for i := 0; i < layout.MaxWindows && row[2*i] != padFirst; i++ {
			layout.Global[j] = append(layout.Global[j], Window{First: row[2*i], Last: row[2*i+1]})
		}
	}
	c.Log().WithField("max_peers", layout.MaxPeers).WithField("max_windows", layout.MaxWindows).
		Debug("adaptive ranges")
	return layout, nil
}

// Decode finds the ranks that rank sends to, which are
// the other ranks inside its own windows, and the ranks
// that may send to rank, which are those whose windows
// contain it. Both lists are sorted.
func (l *Layout) Decode(rank int) (receivers, senders []int) {
	receivers = lo.FlatMap(l.Global[rank], func(w Window, _ int) []int {
		return lo.Filter(lo.RangeFrom(w.First, w.Len()), func(j, _ int) bool {
			return j != rank
		})
	})
	senders = lo.Filter(lo.Range(len(l.Global)), func(j, _ int) bool {
		return j != rank && lo.SomeBy(l.Global[j], func(w Window) bool {
			return w.Contains(rank)
		})
	})
	return
}
