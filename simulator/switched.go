package simulator

import (
	"math"
	"sync"
)

// A ConnMat is a square connectivity matrix.
//
// Entry (src, dst) is a transfer rate from a source node
// (row) to a destination node (column).
type ConnMat struct {
	numNodes int
	rates    []float64
}

// NewConnMat creates an all-zero connection matrix.
func NewConnMat(numNodes int) *ConnMat {
	return &ConnMat{
		numNodes: numNodes,
		rates:    make([]float64, numNodes*numNodes),
	}
}

// NumNodes returns the number of nodes.
func (c *ConnMat) NumNodes() int {
	return c.numNodes
}

// Get an entry in the matrix.
func (c *ConnMat) Get(src, dst int) float64 {
	return c.rates[c.index(src, dst)]
}

// Set an entry in the matrix.
func (c *ConnMat) Set(src, dst int, value float64) {
	c.rates[c.index(src, dst)] = value
}

// SumSource sums a row of the matrix.
func (c *ConnMat) SumSource(src int) float64 {
	var sum float64
	c.eachInRow(src, func(i int) { sum += c.rates[i] })
	return sum
}

// SumDest sums a column of the matrix.
func (c *ConnMat) SumDest(dst int) float64 {
	var sum float64
	c.eachInCol(dst, func(i int) { sum += c.rates[i] })
	return sum
}

// ScaleSource scales a row of the matrix.
func (c *ConnMat) ScaleSource(src int, scale float64) {
	c.eachInRow(src, func(i int) { c.rates[i] *= scale })
}

// ScaleDest scales a column of the matrix.
func (c *ConnMat) ScaleDest(dst int, scale float64) {
	c.eachInCol(dst, func(i int) { c.rates[i] *= scale })
}

func (c *ConnMat) index(src, dst int) int {
	if src < 0 || dst < 0 || src >= c.numNodes || dst >= c.numNodes {
		panic("index out of bounds")
	}
	return src*c.numNodes + dst
}

func (c *ConnMat) eachInRow(src int, f func(i int)) {
	start := c.index(src, 0)
	for i := start; i < start+c.numNodes; i++ {
		f(i)
	}
}

func (c *ConnMat) eachInCol(dst int, f func(i int)) {
	for i := c.index(0, dst); i < len(c.rates); i += c.numNodes {
		f(i)
	}
}

// A Switcher is a switching algorithm that determines how
// rapidly data flows between nodes when links are
// oversubscribed.
type Switcher interface {
	// SwitchedRates receives a matrix with 1 wherever a
	// node is sending to another node and 0 elsewhere,
	// and replaces it with the resulting transfer rates.
	SwitchedRates(mat *ConnMat)
}

// A GreedyDropSwitcher spreads each node's upload rate
// evenly across its outgoing connections, then scales
// down incoming traffic at any node whose download rate
// is exceeded.
type GreedyDropSwitcher struct {
	SendRates []float64
	RecvRates []float64
}

// NewGreedyDropSwitcher creates a GreedyDropSwitcher with
// the same upload and download rate at every node.
func NewGreedyDropSwitcher(numNodes int, rate float64) *GreedyDropSwitcher {
	rates := make([]float64, numNodes)
	for i := range rates {
		rates[i] = rate
	}
	return &GreedyDropSwitcher{
		SendRates: rates,
		RecvRates: rates,
	}
}

// NumNodes gets the number of nodes the switch expects.
func (g *GreedyDropSwitcher) NumNodes() int {
	return len(g.SendRates)
}

// SwitchedRates performs the switching algorithm.
func (g *GreedyDropSwitcher) SwitchedRates(mat *ConnMat) {
	if mat.NumNodes() != g.NumNodes() {
		panic("unexpected number of nodes")
	}
	for src := 0; src < g.NumNodes(); src++ {
		if numDests := mat.SumSource(src); numDests > 0 {
			mat.ScaleSource(src, g.SendRates[src]/numDests)
		}
	}
	for dst := 0; dst < g.NumNodes(); dst++ {
		if incoming := mat.SumDest(dst); incoming > g.RecvRates[dst] {
			mat.ScaleDest(dst, g.RecvRates[dst]/incoming)
		}
	}
}

// A SwitcherNetwork passes data through a Switcher.
// Concurrent messages share bandwidth, so sending more
// messages at once slows each of them down.
type SwitcherNetwork struct {
	lock sync.Mutex

	switcher Switcher
	nodes    []*Node
	indices  map[*Node]int
	latency  float64

	plan []*switchedSegment
}

// NewSwitcherNetwork creates a new SwitcherNetwork.
//
// The latency argument adds a constant delay to every
// message. Latency periods count towards oversubscription,
// which overestimates latency-bound congestion somewhat.
func NewSwitcherNetwork(switcher Switcher, nodes []*Node, latency float64) *SwitcherNetwork {
	indices := make(map[*Node]int, len(nodes))
	for i, node := range nodes {
		indices[node] = i
	}
	return &SwitcherNetwork{
		switcher: switcher,
		nodes:    nodes,
		indices:  indices,
		latency:  latency,
	}
}

// Send sends the messages over the network.
//
// This re-plans every message already in flight.
func (s *SwitcherNetwork) Send(h *Handle, msgs ...*Message) {
	s.lock.Lock()
	defer s.lock.Unlock()

	state := s.stopPlan(h)
	for _, msg := range msgs {
		state = append(state, &switchedMsg{
			msg:              msg,
			remainingLatency: s.latency,
			remainingSize:    msg.Size,
		})
	}
	s.createPlan(h, state)
}

// stopPlan cancels the remaining timers of the current
// plan and returns the in-flight state at the current
// time.
func (s *SwitcherNetwork) stopPlan(h *Handle) []*switchedMsg {
	now := h.Time()
	var state []*switchedMsg
	for _, seg := range s.plan {
		if now >= seg.endTime {
			continue
		}
		if now >= seg.startTime {
			for _, msg := range seg.startState {
				state = append(state, msg.advance(now-seg.startTime))
			}
		}
		for _, timer := range seg.timers {
			h.Cancel(timer)
		}
	}
	return state
}

func (s *SwitcherNetwork) computeDataRates(state []*switchedMsg) {
	mat := NewConnMat(len(s.nodes))
	counts := NewConnMat(len(s.nodes))
	for _, msg := range state {
		src, dst := s.endpoints(msg)
		mat.Set(src, dst, 1)
		counts.Set(src, dst, counts.Get(src, dst)+1)
	}
	s.switcher.SwitchedRates(mat)
	for _, msg := range state {
		src, dst := s.endpoints(msg)
		msg.dataRate = mat.Get(src, dst) / counts.Get(src, dst)
	}
}

func (s *SwitcherNetwork) endpoints(msg *switchedMsg) (src, dst int) {
	return s.indices[msg.msg.Source.Node], s.indices[msg.msg.Dest.Node]
}

func (s *SwitcherNetwork) createPlan(h *Handle, state []*switchedMsg) {
	s.plan = make([]*switchedSegment, 0, len(state))
	startTime := h.Time()
	for len(state) > 0 {
		s.computeDataRates(state)

		next, rest, eta := splitFirstArrivals(state)

		timers := make([]*Timer, len(next))
		for i, msg := range next {
			timers[i] = h.Schedule(msg.msg.Dest.Incoming, msg.msg, startTime-h.Time()+eta)
		}

		endTime := timers[0].Time()
		s.plan = append(s.plan, &switchedSegment{
			startTime:  startTime,
			endTime:    endTime,
			timers:     timers,
			startState: state,
		})

		for i, msg := range rest {
			rest[i] = msg.advance(endTime - startTime)
		}
		state = rest
		startTime = endTime
	}
}

// switchedMsg is the progress of one in-flight message.
type switchedMsg struct {
	msg *Message

	remainingLatency float64

	remainingSize float64
	dataRate      float64
}

// eta gets the time until the message arrives at the
// current data rate.
func (s *switchedMsg) eta() float64 {
	return math.Max(0, s.remainingLatency+s.remainingSize/s.dataRate)
}

// advance returns the state after t units of time pass.
func (s *switchedMsg) advance(t float64) *switchedMsg {
	res := *s
	if t < res.remainingLatency {
		res.remainingLatency -= t
		return &res
	}
	t -= res.remainingLatency
	res.remainingLatency = 0
	res.remainingSize -= res.dataRate * t
	return &res
}

// switchedSegment is a period during which data rates
// are constant. It ends when at least one message
// arrives, which is when its timers fire.
type switchedSegment struct {
	startTime float64
	endTime   float64
	timers    []*Timer

	startState []*switchedMsg
}

func splitFirstArrivals(msgs []*switchedMsg) (first, rest []*switchedMsg, eta float64) {
	etas := make([]float64, len(msgs))
	eta = math.Inf(1)
	for i, msg := range msgs {
		etas[i] = msg.eta()
		eta = math.Min(eta, etas[i])
	}
	rest = make([]*switchedMsg, 0, len(msgs)-1)
	for i, msg := range msgs {
		if etas[i] == eta {
			first = append(first, msg)
		} else {
			rest = append(rest, msg)
		}
	}
	return first, rest, eta
}
