package simulator

import (
	"math/rand"
	"sync"

	"github.com/unixpickle/essentials"
)

// A Node represents a machine (one simulated process) on
// a virtual network.
type Node struct {
	unused int
}

// NewNode creates a new, unique Node.
func NewNode() *Node {
	return &Node{}
}

// Port creates a new Port connected to the Node.
func (n *Node) Port(loop *EventLoop) *Port {
	return &Port{Node: n, Incoming: loop.Stream()}
}

// A Port identifies a point of communication on a Node.
// Data is sent from Ports and received on Ports.
type Port struct {
	// The Node to which the Port is attached.
	Node *Node

	// A stream of *Message objects.
	Incoming *EventStream
}

// Recv receives the next message.
func (p *Port) Recv(h *Handle) *Message {
	return h.Poll(p.Incoming).Message.(*Message)
}

// RecvTimeout is like Recv, but returns nil if nothing
// arrives within timeout units of virtual time.
func (p *Port) RecvTimeout(h *Handle, timeout float64) *Message {
	event := h.PollTimeout(timeout, p.Incoming)
	if event == nil {
		return nil
	}
	return event.Message.(*Message)
}

// A Message is a chunk of data sent between nodes over a
// network.
type Message struct {
	Source  *Port
	Dest    *Port
	Message interface{}

	// Size is the number of bytes the network charges
	// for the message.
	Size float64
}

// A Network represents an abstract way of communicating
// between nodes.
type Network interface {
	// Send message objects from one node to another.
	// Each message arrives on its Dest port's Incoming
	// stream if the communication is successful.
	//
	// This is a non-blocking operation.
	//
	// Passing several messages at once is preferable,
	// since some Networks re-plan every in-flight
	// delivery on each call.
	Send(h *Handle, msgs ...*Message)
}

// A RandomNetwork assigns an independent random delay to
// every message, so messages between the same pair of
// ports may overtake each other.
type RandomNetwork struct {
	// MaxLatency bounds the random delay.
	// If 0, it is treated as 1.
	MaxLatency float64
}

// Send sends the messages with random delays.
func (r RandomNetwork) Send(h *Handle, msgs ...*Message) {
	maxLatency := r.MaxLatency
	if maxLatency == 0 {
		maxLatency = 1
	}
	for _, msg := range msgs {
		h.Schedule(msg.Dest.Incoming, msg, rand.Float64()*maxLatency)
	}
}

// An OrderedNetwork delivers messages to each node in the
// order they were sent, at a fixed byte rate plus a random
// latency. Nodes may be taken down, in which case traffic
// to and from them is dropped.
type OrderedNetwork struct {
	Rate             float64
	MaxRandomLatency float64

	lock      sync.Mutex
	nextTimes map[*Node]float64
	downNodes map[*Node]bool
	timers    map[*Node][]*Timer
}

// NewOrderedNetwork creates an OrderedNetwork where all
// nodes are up.
func NewOrderedNetwork(rate float64, maxRandomLatency float64) *OrderedNetwork {
	return &OrderedNetwork{
		Rate:             rate,
		MaxRandomLatency: maxRandomLatency,
		nextTimes:        map[*Node]float64{},
		downNodes:        map[*Node]bool{},
		timers:           map[*Node][]*Timer{},
	}
}

// Send sends the messages over the network in order.
func (o *OrderedNetwork) Send(h *Handle, msgs ...*Message) {
	o.lock.Lock()
	defer o.lock.Unlock()

	o.cleanupTimers(h)

	curTime := h.Time()

	for _, msg := range msgs {
		src := msg.Source.Node
		dest := msg.Dest.Node
		if o.downNodes[src] || o.downNodes[dest] {
			continue
		}
		delay := rand.Float64()*o.MaxRandomLatency + msg.Size/o.Rate

		// Never arrive before the previous message to dest.
		if t, ok := o.nextTimes[dest]; ok && t > curTime {
			delay += t - curTime
		}
		timer := h.Schedule(msg.Dest.Incoming, msg, delay)
		o.nextTimes[dest] = curTime + delay
		o.timers[dest] = append(o.timers[dest], timer)
		o.timers[src] = append(o.timers[src], timer)
	}
}

// SetDown marks a node as failed (or recovered).
//
// Taking a node down drops every message to or from it
// that is still in flight.
func (o *OrderedNetwork) SetDown(h *Handle, node *Node, down bool) {
	o.lock.Lock()
	defer o.lock.Unlock()

	o.downNodes[node] = down
	if !down {
		return
	}

	delete(o.nextTimes, node)

	o.cleanupTimers(h)
	canceled := map[*Timer]bool{}
	for _, t := range o.timers[node] {
		canceled[t] = true
		h.Cancel(t)
	}
	delete(o.timers, node)
	o.filterTimers(func(t *Timer) bool {
		return !canceled[t]
	})
}

func (o *OrderedNetwork) cleanupTimers(h *Handle) {
	now := h.Time()
	o.filterTimers(func(t *Timer) bool {
		return t.Time() >= now
	})
}

func (o *OrderedNetwork) filterTimers(keep func(t *Timer) bool) {
	for node, timers := range o.timers {
		for i := 0; i < len(timers); i++ {
			if !keep(timers[i]) {
				essentials.UnorderedDelete(&timers, i)
				i--
			}
		}
		o.timers[node] = timers
	}
}
