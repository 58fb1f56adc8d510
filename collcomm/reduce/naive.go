package reduce

import (
	"fmt"

	"github.com/unixpickle/scalecoll/collcomm"
	"github.com/unixpickle/scalecoll/collcomm/allgather"
)

// A NaiveAllreducer sends every vector from every node
// to every other node.
type NaiveAllreducer struct{}

// Allreduce runs fn() on all of the nodes' vectors on
// every node.
func (n NaiveAllreducer) Allreduce(c *collcomm.Comms, data []float64,
	fn collcomm.ReduceFn) ([]float64, error) {
	gathered := make([]float64, len(data)*c.Size())
	if err := allgather.Pairwise(c, data, gathered); err != nil {
		return nil, fmt.Errorf("naive allreduce: %w", err)
	}
	vecs := make([][]float64, c.Size())
	for i := range vecs {
		vecs[i] = gathered[i*len(data) : (i+1)*len(data)]
	}
	return fn(c.Handle, vecs...), nil
}
