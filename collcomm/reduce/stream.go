package reduce

import (
	"fmt"

	"github.com/unixpickle/essentials"
	"github.com/unixpickle/scalecoll/collcomm"
)

// A StreamAllreducer splits a vector up into smaller
// messages and streams the messages through all the nodes
// at once.
//
// The reduction has two phases: Reduce and Broadcast.
// During Reduce, chunks travel around the ring starting
// at the first node, picking up every node's contribution,
// and the fully reduced vector arrives back at the first
// node.
// During Broadcast, the reduced vector is streamed from
// the first node to all the other nodes.
type StreamAllreducer struct {
	// Granularity determines how many chunks the data is
	// split up into.
	// The actual number of chunks is multiplied by the
	// number of nodes.
	//
	// If Granularity is 0, it is treated as 1.
	Granularity int
}

// Allreduce calls fn on chunks of data at a time and
// returns a vector resulting from the final reduction.
func (s StreamAllreducer) Allreduce(c *collcomm.Comms, data []float64,
	fn collcomm.ReduceFn) ([]float64, error) {
	if len(data) == 0 || c.Size() == 1 {
		return append([]float64{}, data...), nil
	}
	var reduced []float64
	var err error
	if c.Rank() == 0 {
		reduced, err = s.allreduceRoot(c, data)
	} else {
		reduced, err = s.allreduceOther(c, data, fn)
	}
	if err != nil {
		return nil, fmt.Errorf("stream allreduce: %w", err)
	}
	return reduced, nil
}

func (s StreamAllreducer) allreduceRoot(c *collcomm.Comms, data []float64) ([]float64, error) {
	last := c.Size() - 1
	bounds := s.chunkBounds(c, len(data))
	reduced := make([]float64, len(data))

	// Kick off every chunk; the network buffers them.
	for _, b := range bounds {
		collcomm.Isend(c, 1, collcomm.TagStreamReduce, data[b[0]:b[1]])
	}

	// Forward each reduced chunk as soon as it gets back.
	for _, b := range bounds {
		chunk := reduced[b[0]:b[1]]
		if err := collcomm.Recv(c, last, collcomm.TagStreamReduce, chunk); err != nil {
			return nil, err
		}
		collcomm.Isend(c, 1, collcomm.TagStreamBcast, chunk)
	}
	return reduced, nil
}

func (s StreamAllreducer) allreduceOther(c *collcomm.Comms, data []float64,
	fn collcomm.ReduceFn) ([]float64, error) {
	rank := c.Rank()
	prev, next := rank-1, (rank+1)%c.Size()
	isLastNode := next == 0
	bounds := s.chunkBounds(c, len(data))

	// Reduce our data into the stream.
	for _, b := range bounds {
		incoming := make([]float64, b[1]-b[0])
		if err := collcomm.Recv(c, prev, collcomm.TagStreamReduce, incoming); err != nil {
			return nil, err
		}
		chunk := fn(c.Handle, incoming, data[b[0]:b[1]])
		collcomm.Isend(c, next, collcomm.TagStreamReduce, chunk)
	}

	// Read the broadcasted reduction.
	reduced := make([]float64, len(data))
	for _, b := range bounds {
		chunk := reduced[b[0]:b[1]]
		if err := collcomm.Recv(c, prev, collcomm.TagStreamBcast, chunk); err != nil {
			return nil, err
		}
		if !isLastNode {
			// Otherwise, the chunk would go back to the root.
			collcomm.Isend(c, next, collcomm.TagStreamBcast, chunk)
		}
	}
	return reduced, nil
}

// chunkBounds splits [0, size) into [start, end) pairs.
func (s StreamAllreducer) chunkBounds(c *collcomm.Comms, size int) [][2]int {
	granularity := s.Granularity
	if granularity == 0 {
		granularity = 1
	}
	chunkSize := essentials.MaxInt(1, size/(c.Size()*granularity))
	var res [][2]int
	for i := 0; i < size; i += chunkSize {
		res = append(res, [2]int{i, essentials.MinInt(size, i+chunkSize)})
	}
	return res
}
