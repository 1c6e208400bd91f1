package transport

import (
	"math/rand"
	"sync"

	"github.com/myco-mesh/myco/internal/node"
	"github.com/myco-mesh/myco/pkg/wire"
)

// Simulator wires a set of in-process Nodes together without real sockets,
// per spec.md §1's "simulator's latency/jitter model (contract only)":
// production specifies none of this, so the shape below is cmd/mycosim's
// own to choose. Delivery is lossy but not reordering-free by construction
// (each sender's outbox is drained by its own goroutine, so two packets from
// the same sender still arrive in send order; packets from different senders
// race freely,
// which is the reordering the gossip protocol is required to tolerate).
type Simulator struct {
	mu    sync.Mutex
	nodes map[[32]byte]*node.Node

	lossPct int // 0-100, independently per packet per link
	rng     *rand.Rand

	counters Counters
}

// Counters tracks per-kind delivery counts, for simulator/test
// introspection only — spec.md §8's open question on packet accounting
// reserves richer counters for the simulator and limits production to
// packet_mac_failures (see [node.Status.MACFailures]).
type Counters struct {
	mu        sync.Mutex
	Sent      map[wire.MsgType]uint64
	Delivered map[wire.MsgType]uint64
	Dropped   map[wire.MsgType]uint64
}

func (c *Counters) record(m map[wire.MsgType]uint64, t wire.MsgType) {
	c.mu.Lock()
	defer c.mu.Unlock()

	m[t]++
}

// NewSimulator builds a Simulator with the given per-packet loss percentage
// (0 means lossless, matching spec.md §8 scenario S1; 25 matches S3's lossy
// convergence scenario).
func NewSimulator(lossPct int, seed int64) *Simulator {
	return &Simulator{
		nodes:   make(map[[32]byte]*node.Node),
		lossPct: lossPct,
		rng:     rand.New(rand.NewSource(seed)),
		counters: Counters{
			Sent:      make(map[wire.MsgType]uint64),
			Delivered: make(map[wire.MsgType]uint64),
			Dropped:   make(map[wire.MsgType]uint64),
		},
	}
}

// Join registers n under pubkey so other joined Nodes can address frames to
// it. Join does not itself start draining n's outbox; call [Simulator.Run]
// once every Node has joined.
func (s *Simulator) Join(pubkey [32]byte, n *node.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nodes[pubkey] = n
}

// Run starts one goroutine per joined Node that drains its outbox and
// delivers (or drops) each frame to its destination, until stop is closed.
func (s *Simulator) Run(stop <-chan struct{}) {
	s.mu.Lock()
	nodes := make(map[[32]byte]*node.Node, len(s.nodes))
	for k, v := range s.nodes {
		nodes[k] = v
	}
	s.mu.Unlock()

	for _, n := range nodes {
		go s.pump(n, stop)
	}
}

func (s *Simulator) pump(n *node.Node, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case frame := <-n.Outbox():
			s.deliver(frame)
		}
	}
}

func (s *Simulator) deliver(frame node.Frame) {
	s.counters.record(s.counters.Sent, frame.Packet.MsgType)

	s.mu.Lock()
	dst, ok := s.nodes[frame.To]
	s.mu.Unlock()

	if !ok {
		s.counters.record(s.counters.Dropped, frame.Packet.MsgType)
		return
	}

	if s.lossPct > 0 && s.rng.Intn(100) < s.lossPct {
		s.counters.record(s.counters.Dropped, frame.Packet.MsgType)
		return
	}

	if err := dst.Deliver(frame.Packet); err != nil {
		s.counters.record(s.counters.Dropped, frame.Packet.MsgType)
		return
	}

	s.counters.record(s.counters.Delivered, frame.Packet.MsgType)
}

// Snapshot returns a copy of the current per-kind delivery counters.
func (s *Simulator) Snapshot() Counters {
	s.counters.mu.Lock()
	defer s.counters.mu.Unlock()

	out := Counters{
		Sent:      make(map[wire.MsgType]uint64, len(s.counters.Sent)),
		Delivered: make(map[wire.MsgType]uint64, len(s.counters.Delivered)),
		Dropped:   make(map[wire.MsgType]uint64, len(s.counters.Dropped)),
	}

	for k, v := range s.counters.Sent {
		out.Sent[k] = v
	}

	for k, v := range s.counters.Delivered {
		out.Delivered[k] = v
	}

	for k, v := range s.counters.Dropped {
		out.Dropped[k] = v
	}

	return out
}
