// Package transport adapts a [node.Node]'s inbox/outbox channels to the
// outside world: a real UDP socket in production, an in-process simulator
// for tests and cmd/mycosim. Per spec.md §1, only the adapter itself is
// in scope — the simulator's latency/jitter model is a contract, not a
// specified algorithm.
package transport

import (
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/myco-mesh/myco/internal/node"
	"github.com/myco-mesh/myco/internal/peerstore"
	"github.com/myco-mesh/myco/pkg/wire"
)

// ErrClosed is returned by [UDP] methods once [UDP.Close] has run.
var ErrClosed = errors.New("transport: closed")

// UDP binds a Node's Outbox/Deliver pair to a real datagram socket. One UDP
// serves exactly one Node. Peer addresses are resolved through a
// [*peerstore.Store] snapshot read on every send, so address-book changes
// take effect without restarting the socket.
type UDP struct {
	conn  *net.UDPConn
	n     *node.Node
	peers *peerstore.Store
	log   *log.Logger

	closing atomic.Bool
	stop    chan struct{}
	done    sync.WaitGroup
}

// ListenUDP opens a UDP socket on addr (e.g. ":7777") and returns a [UDP]
// ready for [UDP.Serve]. logger may be nil, in which case UDP logs to
// stderr with the standard library's default flags.
func ListenUDP(addr string, n *node.Node, peers *peerstore.Store, logger *log.Logger) (*UDP, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("transport: resolve %q: %w", addr, err)
	}

	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, fmt.Errorf("transport: listen %q: %w", addr, err)
	}

	if logger == nil {
		logger = log.New(os.Stderr, "", log.LstdFlags)
	}

	return &UDP{conn: conn, n: n, peers: peers, log: logger, stop: make(chan struct{})}, nil
}

// Serve runs the receive loop (blocking the calling goroutine) and the send
// loop (in a background goroutine) until [UDP.Close] is called. Serve
// returns [ErrClosed] on a clean close, or the read error that ended the
// loop.
func (u *UDP) Serve() error {
	u.done.Add(1)

	go u.sendLoop()

	defer u.done.Wait()

	buf := make([]byte, wire.Size)

	for {
		nRead, _, err := u.conn.ReadFromUDP(buf)
		if err != nil {
			if u.closing.Load() {
				return ErrClosed
			}

			return fmt.Errorf("transport: read: %w", err)
		}

		if nRead != wire.Size {
			continue // truncated or oversized datagram, drop silently
		}

		pkt, err := wire.DecodeSlice(buf)
		if err != nil {
			continue // malformed framing, drop silently
		}

		if err := u.n.Deliver(pkt); err != nil {
			u.log.Printf("transport: inbox full, dropping packet: %v", err)
		}
	}
}

// sendLoop drains the Node's outbox and writes each frame to its
// destination's last-known address, until the UDP is closed.
func (u *UDP) sendLoop() {
	defer u.done.Done()

	var buf [wire.Size]byte

	for {
		var frame node.Frame

		select {
		case <-u.stop:
			return
		case frame = <-u.n.Outbox():
		}

		peer, ok := u.peers.Lookup(frame.To)
		if !ok {
			continue // no known address for this peer yet
		}

		udpAddr, err := net.ResolveUDPAddr("udp", peer.Addr)
		if err != nil {
			u.log.Printf("transport: bad peer address %q: %v", peer.Addr, err)
			continue
		}

		if err := wire.Encode(&frame.Packet, &buf); err != nil {
			u.log.Printf("transport: encode outbound packet: %v", err)
			continue
		}

		if _, err := u.conn.WriteToUDP(buf[:], udpAddr); err != nil {
			if u.closing.Load() {
				return
			}

			u.log.Printf("transport: write to %q: %v", peer.Addr, err)
		}
	}
}

// Close unblocks Serve and the send loop and releases the socket.
func (u *UDP) Close() error {
	u.closing.Store(true)
	close(u.stop)

	return u.conn.Close()
}

// LocalAddr returns the socket's bound address, mainly for tests that bind
// to ":0" and need the ephemeral port that was assigned.
func (u *UDP) LocalAddr() net.Addr {
	return u.conn.LocalAddr()
}
