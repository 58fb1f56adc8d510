package reduce

import (
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/unixpickle/scalecoll/collcomm"
)

// DefaultAlltoallLevel is used when
// TreeAllreducer.AlltoallLevel is 0.
const DefaultAlltoallLevel = 3

// A TreeAllreducer reduces vectors up a balanced binary
// tree whose nodes are assigned to ranks with Bias.
//
// At every level, one sibling sends its partial result to
// the other, which applies the operator. Siblings that
// would have a rank past the end of the communicator are
// skipped, so any communicator size works.
type TreeAllreducer struct {
	// AlltoallLevel is the tree level at and below which
	// the remaining representatives exchange their partial
	// results directly instead of pairwise, trading
	// bandwidth for fewer rounds.
	//
	// If 0, DefaultAlltoallLevel is used.
	// If negative, the tree is used all the way down.
	AlltoallLevel int
}

// Allreduce reduces the vectors and returns the result on
// every rank. Every rank receives bit-identical results.
func (t TreeAllreducer) Allreduce(c *collcomm.Comms, data []float64,
	fn collcomm.ReduceFn) ([]float64, error) {
	return t.run(c, data, fn, 0, true)
}

// Reduce reduces the vectors onto the target rank.
//
// The result is returned on target; every other rank
// gets a nil vector.
func (t TreeAllreducer) Reduce(c *collcomm.Comms, data []float64,
	fn collcomm.ReduceFn, target int) ([]float64, error) {
	if target < 0 || target >= c.Size() {
		panic(fmt.Sprintf("target rank %d out of range", target))
	}
	return t.run(c, data, fn, target, false)
}

func (t TreeAllreducer) run(c *collcomm.Comms, data []float64, fn collcomm.ReduceFn,
	target int, all bool) ([]float64, error) {
	maxlevel := MaxLevel(c.Size())
	r := &treeReduction{
		c:             c,
		fn:            fn,
		target:        target,
		all:           all,
		maxlevel:      maxlevel,
		alltoallLevel: t.alltoallLevel(),
	}
	c.Log().WithFields(logrus.Fields{
		"target":   target,
		"all":      all,
		"maxlevel": maxlevel,
	}).Debug("tree reduction")
	res, err := r.recurse(append([]float64{}, data...), maxlevel, c.Rank())
	if err != nil {
		return nil, fmt.Errorf("tree reduce: %w", err)
	}
	return res, nil
}

func (t TreeAllreducer) alltoallLevel() int {
	if t.AlltoallLevel == 0 {
		return DefaultAlltoallLevel
	}
	return t.AlltoallLevel
}

type treeReduction struct {
	c        *collcomm.Comms
	fn       collcomm.ReduceFn
	target   int
	all      bool
	maxlevel int

	alltoallLevel int
}

// recurse handles the tree node (level, branch), which
// must be represented by the current rank. It returns
// the result if this rank ends up holding it, or nil.
func (r *treeReduction) recurse(data []float64, level, branch int) ([]float64, error) {
	myrank := r.c.Rank()
	if Bias(r.maxlevel, level, branch, r.target) != myrank {
		panic("rank does not represent its tree node")
	}
	if level == 0 {
		return data, nil
	} else if level <= r.alltoallLevel {
		return r.alltoall(data, level)
	}

	size := r.c.Size()
	peer := Bias(r.maxlevel, level, branch^1, r.target)
	higher := Bias(r.maxlevel, level-1, branch/2, r.target)

	if myrank != higher {
		if peer >= size {
			panic("partial result has no receiver")
		}
		if err := collcomm.Send(r.c, peer, collcomm.TagReduce, data); err != nil {
			return nil, err
		}
		if !r.all {
			return nil, nil
		}
		if err := collcomm.Recv(r.c, peer, collcomm.TagReduce, data); err != nil {
			return nil, err
		}
		return data, nil
	}

	if peer < size {
		peerData := make([]float64, len(data))
		if err := collcomm.Recv(r.c, peer, collcomm.TagReduce, peerData); err != nil {
			return nil, err
		}
		if branch%2 == 0 {
			data = r.fn(r.c.Handle, data, peerData)
		} else {
			data = r.fn(r.c.Handle, peerData, data)
		}
	}

	data, err := r.recurse(data, level-1, branch/2)
	if err != nil {
		return nil, err
	}
	if r.all && peer < size {
		if err := collcomm.Send(r.c, peer, collcomm.TagReduce, data); err != nil {
			return nil, err
		}
	}
	return data, nil
}

// alltoall finishes the reduction for every node at the
// given level at once. The representatives send their
// partial results to the target (or, for an allreduce, to
// each other) and the receivers combine them in the same
// order the tree would have.
func (r *treeReduction) alltoall(data []float64, level int) ([]float64, error) {
	myrank, size := r.c.Rank(), r.c.Size()
	if !r.all && myrank != r.target {
		return nil, collcomm.Send(r.c, r.target, collcomm.TagReduce, data)
	}

	count := 1 << level
	partials := make([][]float64, count)
	reqs := make([]*collcomm.Request, 0, 2*count)
	for i := 0; i < count; i++ {
		peer := Bias(r.maxlevel, level, i, r.target)
		if peer == myrank {
			partials[i] = data
			continue
		} else if peer >= size {
			continue
		}
		partials[i] = make([]float64, len(data))
		reqs = append(reqs, collcomm.Irecv(r.c, peer, collcomm.TagReduce, partials[i]))
		if r.all {
			reqs = append(reqs, collcomm.Isend(r.c, peer, collcomm.TagReduce, data))
		}
	}
	if err := r.c.WaitAll(reqs...); err != nil {
		return nil, err
	}

	for shift, l := 0, level-1; l >= 0; shift, l = shift+1, l-1 {
		for i := 0; i < 1<<l; i++ {
			if Bias(r.maxlevel, l+1, 2*i+1, r.target) >= size {
				continue
			}
			left, right := (2*i)<<shift, (2*i+1)<<shift
			partials[left] = r.fn(r.c.Handle, partials[left], partials[right])
		}
	}
	return partials[0], nil
}
