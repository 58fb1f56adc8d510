package collcomm

import (
	"fmt"
	"testing"

	"github.com/unixpickle/scalecoll/simulator"
)

// DefaultTestSizes are the communicator sizes used by
// ForEachNetwork when none are given. They cover the
// trivial case, powers of two and odd sizes.
var DefaultTestSizes = []int{1, 2, 3, 5, 8, 13, 16, 17}

// RunCollective runs f on every rank of a fresh network
// and fails the test if the event loop deadlocks.
//
// If randomized is set, messages get random delays and
// may overtake each other. Otherwise they go through a
// bandwidth-limited switch.
func RunCollective(t *testing.T, numNodes int, randomized bool, f func(c *Comms)) {
	loop := simulator.NewEventLoop()
	nodes := make([]*simulator.Node, numNodes)
	for i := range nodes {
		nodes[i] = simulator.NewNode()
	}

	var network simulator.Network
	if randomized {
		network = simulator.RandomNetwork{}
	} else {
		switcher := simulator.NewGreedyDropSwitcher(numNodes, 1e6)
		network = simulator.NewSwitcherNetwork(switcher, nodes, 1e-3)
	}

	SpawnComms(loop, network, nodes, f)
	if err := loop.Run(); err != nil {
		t.Fatal(err)
	}
}

// ForEachNetwork runs a subtest for every combination of
// communicator size and network kind.
func ForEachNetwork(t *testing.T, sizes []int, f func(t *testing.T, numNodes int, randomized bool)) {
	if sizes == nil {
		sizes = DefaultTestSizes
	}
	for _, numNodes := range sizes {
		for _, randomized := range []bool{false, true} {
			name := fmt.Sprintf("Nodes=%d,Random=%v", numNodes, randomized)
			t.Run(name, func(t *testing.T) {
				f(t, numNodes, randomized)
			})
		}
	}
}
