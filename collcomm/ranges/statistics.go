package ranges

import (
	"fmt"
	"math"

	"github.com/sirupsen/logrus"
	"github.com/unixpickle/scalecoll/collcomm"
	"github.com/unixpickle/scalecoll/collcomm/allgather"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"
)

// Stats summarizes how many non-peers the ranks swept
// into their windows.
type Stats struct {
	Average float64
	StdDev  float64
	Min     float64
	Max     float64
}

// NonPeers counts the ranks inside windows that are
// neither peers nor rank itself.
func NonPeers(procs []bool, rank int, windows []Window) int {
	var count int
	for _, w := range windows {
		for j := w.First; j <= w.Last; j++ {
			if j != rank && !procs[j] {
				count++
			}
		}
	}
	return count
}

// Statistics collects NonPeers from every rank and logs
// the summary at the given level on every rank.
func Statistics(c *collcomm.Comms, level logrus.Level, procs []bool, numRanges int,
	windows []Window) (*Stats, error) {
	counts := make([]float64, c.Size())
	local := []float64{float64(NonPeers(procs, c.Rank(), windows))}
	if err := allgather.Allgather(c, local, counts, nil); err != nil {
		return nil, fmt.Errorf("range statistics: %w", err)
	}
	s := &Stats{
		Average: stat.Mean(counts, nil),
		StdDev:  math.Sqrt(stat.Moment(2, counts, nil)),
		Min:     floats.Min(counts),
		Max:     floats.Max(counts),
	}
	c.Log().Logf(level, "Ranges %d nonpeer %g +- %g min/max %g %g", numRanges,
		s.Average, s.StdDev, s.Min, s.Max)
	return s, nil
}
