package node_test

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/myco-mesh/myco/pkg/aead"
	"github.com/myco-mesh/myco/pkg/catalog"
	"github.com/myco-mesh/myco/pkg/fs"
	"github.com/myco-mesh/myco/pkg/hlc"
	"github.com/myco-mesh/myco/pkg/identity"
	"github.com/myco-mesh/myco/internal/node"
	"github.com/myco-mesh/myco/pkg/wal"
)

// testNode wires up a fully in-memory Node for unit tests: a temp-dir WAL,
// a fresh catalog, and a shared-secret keyring so two testNodes can
// exchange sealed packets directly without a real transport.
func testNode(t *testing.T, nodeID uint16, pub [32]byte, peerPubs [][32]byte, seed int64) *node.Node {
	t.Helper()

	dir := t.TempDir()
	real := fs.NewReal()

	logFile, err := real.OpenFile(filepath.Join(dir, "log"), os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	t.Cleanup(func() { _ = logFile.Close() })

	snapFile, err := real.OpenFile(filepath.Join(dir, "snapshot"), os.O_RDWR|os.O_CREATE, 0o600)
	require.NoError(t, err)
	t.Cleanup(func() { _ = snapFile.Close() })

	w := wal.Open(logFile, snapFile, 64, 8192, nil)

	cfg := node.DefaultConfig()
	cfg.NodeID = nodeID
	cfg.CatalogCapacity = 64
	cfg.ServiceCapacity = 64
	cfg.DirtyCapacity = 32
	cfg.MissCapacity = 32
	cfg.PeerCapacity = 8
	cfg.GossipFanout = 2

	store := catalog.New(cfg.CatalogCapacity, cfg.DirtyCapacity)
	keyring := aead.NewKeyring(sharedPSK(), 1)
	peers := identity.NewPeerTable(peerTableEntries(peerPubs))
	clock := &hlc.Clock{}

	return node.New(cfg, clock, store, w, keyring, peers, node.NoopExecutor{}, pub, rand.New(rand.NewSource(seed)))
}

// peerTableEntries builds identity.Peer entries for a list of peer public
// keys produced by pubkey(b): by that helper's convention, a peer's node_id
// equals the first byte of its public key.
func peerTableEntries(peerPubs [][32]byte) []identity.Peer {
	peers := make([]identity.Peer, len(peerPubs))
	for i, pub := range peerPubs {
		peers[i] = identity.Peer{PublicKey: pub, NodeID: uint16(pub[0])}
	}

	return peers
}

// sharedPSK is the fixed pre-shared key every testNode and hand-built test
// packet seals/opens under, so independently constructed keyrings agree.
func sharedPSK() []byte {
	k := make([]byte, aead.KeySize)
	for i := range k {
		k[i] = byte(i)
	}

	return k
}

func pubkey(b byte) [32]byte {
	var p [32]byte
	p[0] = b

	return p
}
