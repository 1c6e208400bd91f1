package node

import "github.com/myco-mesh/myco/pkg/wire"

// Frame pairs an outbound packet with the peer it must be delivered to.
// Transport implementations (UDP, in-process simulator) consume these from
// [Node.Outbox] and own the actual send.
type Frame struct {
	Packet wire.Packet
	To     [32]byte
}
