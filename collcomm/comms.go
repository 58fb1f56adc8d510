// Package collcomm provides a communicator abstraction
// for running message-passing collectives on simulated
// networks.
package collcomm

import (
	"errors"
	"fmt"
	"unsafe"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/unixpickle/scalecoll/simulator"
)

var (
	// ErrTimeout is returned when no matching message
	// arrives within Comms.Timeout.
	ErrTimeout = errors.New("collcomm: receive timed out")

	// ErrSizeMismatch is returned when a message does not
	// fit the buffer posted to receive it.
	ErrSizeMismatch = errors.New("collcomm: message size mismatch")
)

// A Tag separates independent message streams between
// the same pair of ranks.
type Tag int

const (
	TagBarrier Tag = iota + 1
	TagAllgatherPairwise
	TagAllgatherHalving
	TagReduce
	TagStreamReduce
	TagStreamBcast
	TagPsortLo
	TagPsortHi

	// TagUser is the first tag not used by this module.
	TagUser
)

// Comms manages a set of connections between a bunch of
// nodes, each of which is a rank in a communicator.
//
// Every node has a local Comms object that represents its
// view of the world. Messages are matched by source, tag
// and per-channel sequence number, so a Comms may be
// reused for any number of collective operations as long
// as all ranks call them in the same order.
type Comms struct {
	// Handle is the node's main Goroutine's handle on the
	// event loop.
	Handle *simulator.Handle

	// Port is the current node's port.
	Port *simulator.Port

	// Ports contains ports to all the nodes in the
	// network, including the current node, indexed by
	// rank.
	Ports []*simulator.Port

	// Network is the network connecting the nodes.
	Network simulator.Network

	// ID identifies the group of Comms created together.
	ID uuid.UUID

	// Timeout is the virtual time to wait for a message
	// before failing with ErrTimeout.
	// If 0, receives wait forever.
	Timeout float64

	ranks   map[*simulator.Port]int
	sendSeq map[channel]int64
	recvSeq map[channel]int64
	mailbox map[matchKey]*envelope
}

// SpawnComms creates Comms objects for every node in a
// network and calls f for each node in its own Goroutine.
func SpawnComms(loop *simulator.EventLoop, network simulator.Network, nodes []*simulator.Node,
	f func(c *Comms)) {
	ports := make([]*simulator.Port, len(nodes))
	for i, node := range nodes {
		ports[i] = node.Port(loop)
	}
	id := uuid.New()
	for i := range nodes {
		port := ports[i]
		loop.Go(func(h *simulator.Handle) {
			f(&Comms{
				Handle:  h,
				Port:    port,
				Ports:   ports,
				Network: network,
				ID:      id,
			})
		})
	}
}

// Size gets the number of nodes.
func (c *Comms) Size() int {
	return len(c.Ports)
}

// Rank returns the current node's index in the list of
// nodes.
func (c *Comms) Rank() int {
	return c.IndexOf(c.Port)
}

// IndexOf returns any node's rank.
func (c *Comms) IndexOf(p *simulator.Port) int {
	c.init()
	if idx, ok := c.ranks[p]; ok {
		return idx
	}
	panic("port is not part of the communicator")
}

// Log returns a logger annotated with this rank.
func (c *Comms) Log() *logrus.Entry {
	return logrus.WithFields(logrus.Fields{
		"comm": c.ID.String(),
		"rank": c.Rank(),
		"size": c.Size(),
	})
}

// A Request tracks a non-blocking send or receive.
//
// Sends complete immediately, since the network buffers
// them. Receives complete inside WaitAll.
type Request struct {
	match   matchKey
	done    bool
	deliver func(payload interface{}) error
}

// Done reports whether the request has completed.
func (r *Request) Done() bool {
	return r.done
}

// Isend starts sending a copy of data to rank dst.
//
// The caller may modify data as soon as Isend returns.
func Isend[T any](c *Comms, dst int, tag Tag, data []T) *Request {
	c.init()
	if dst < 0 || dst >= c.Size() {
		panic(fmt.Sprintf("destination rank %d out of range", dst))
	}
	ch := channel{peer: dst, tag: tag}
	seq := c.sendSeq[ch]
	c.sendSeq[ch]++

	payload := append([]T{}, data...)
	c.Network.Send(c.Handle, &simulator.Message{
		Source:  c.Port,
		Dest:    c.Ports[dst],
		Message: &envelope{tag: tag, seq: seq, payload: payload},
		Size:    float64(payloadBytes(payload)),
	})
	return &Request{match: matchKey{channel: ch, seq: seq}, done: true}
}

// Irecv posts a receive for the next message from rank
// src with the given tag. The message is copied into
// into, which must have exactly the length of the
// message.
//
// The contents of into are undefined until the request
// is completed by WaitAll.
func Irecv[T any](c *Comms, src int, tag Tag, into []T) *Request {
	c.init()
	if src < 0 || src >= c.Size() {
		panic(fmt.Sprintf("source rank %d out of range", src))
	}
	ch := channel{peer: src, tag: tag}
	seq := c.recvSeq[ch]
	c.recvSeq[ch]++
	return &Request{
		match: matchKey{channel: ch, seq: seq},
		deliver: func(payload interface{}) error {
			data, ok := payload.([]T)
			if !ok {
				return fmt.Errorf("%w: got %T from rank %d (tag %d)", ErrSizeMismatch,
					payload, src, tag)
			}
			if len(data) != len(into) {
				return fmt.Errorf("%w: expected %d elements from rank %d (tag %d) but got %d",
					ErrSizeMismatch, len(into), src, tag, len(data))
			}
			copy(into, data)
			return nil
		},
	}
}

// Send is the blocking version of Isend.
//
// Since the network buffers messages, it never waits
// for the receiver.
func Send[T any](c *Comms, dst int, tag Tag, data []T) error {
	return c.WaitAll(Isend(c, dst, tag, data))
}

// Recv is the blocking version of Irecv.
func Recv[T any](c *Comms, src int, tag Tag, into []T) error {
	return c.WaitAll(Irecv(c, src, tag, into))
}

// WaitAll blocks until every request has completed.
//
// Nil requests are ignored. On error, some requests may
// remain incomplete and the operation they belong to
// cannot be resumed.
func (c *Comms) WaitAll(reqs ...*Request) error {
	c.init()
	for _, r := range reqs {
		if r == nil {
			continue
		}
		for !r.done {
			if env, ok := c.mailbox[r.match]; ok {
				delete(c.mailbox, r.match)
				r.done = true
				if err := r.deliver(env.payload); err != nil {
					return err
				}
				break
			}
			if err := c.pump(r.match); err != nil {
				return err
			}
		}
	}
	return nil
}

// Barrier blocks until every rank has entered it.
//
// It uses the dissemination algorithm, which takes
// ceil(log2(size)) rounds.
func (c *Comms) Barrier() error {
	rank, size := c.Rank(), c.Size()
	for dist := 1; dist < size; dist <<= 1 {
		to := (rank + dist) % size
		from := (rank - dist + size) % size
		req := Isend(c, to, TagBarrier, []byte{})
		if err := c.WaitAll(req, Irecv(c, from, TagBarrier, []byte{})); err != nil {
			return fmt.Errorf("barrier: %w", err)
		}
	}
	return nil
}

// pump moves the next incoming message into the mailbox.
func (c *Comms) pump(waiting matchKey) error {
	msg := c.Port.RecvTimeout(c.Handle, c.Timeout)
	if msg == nil {
		return fmt.Errorf("%w: waiting for rank %d (tag %d, seq %d)", ErrTimeout,
			waiting.peer, waiting.tag, waiting.seq)
	}
	env := msg.Message.(*envelope)
	key := matchKey{
		channel: channel{peer: c.IndexOf(msg.Source), tag: env.tag},
		seq:     env.seq,
	}
	c.mailbox[key] = env
	return nil
}

func (c *Comms) init() {
	if c.ranks != nil {
		return
	}
	c.ranks = make(map[*simulator.Port]int, len(c.Ports))
	for i, port := range c.Ports {
		c.ranks[port] = i
	}
	c.sendSeq = map[channel]int64{}
	c.recvSeq = map[channel]int64{}
	c.mailbox = map[matchKey]*envelope{}
}

type channel struct {
	peer int
	tag  Tag
}

type matchKey struct {
	channel
	seq int64
}

type envelope struct {
	tag     Tag
	seq     int64
	payload interface{}
}

func payloadBytes[T any](data []T) int {
	var zero T
	return len(data) * int(unsafe.Sizeof(zero))
}
