package transport_test

import (
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/myco-mesh/myco/internal/node"
	"github.com/myco-mesh/myco/internal/peerstore"
	"github.com/myco-mesh/myco/pkg/aead"
	"github.com/myco-mesh/myco/pkg/catalog"
	"github.com/myco-mesh/myco/pkg/fs"
	"github.com/myco-mesh/myco/pkg/hlc"
	"github.com/myco-mesh/myco/pkg/identity"
	"github.com/myco-mesh/myco/pkg/wal"
)

// sharedPSK returns a deterministic AEAD psk so independently constructed
// test nodes can seal/open each other's packets.
func sharedPSK() []byte {
	k := make([]byte, aead.KeySize)
	for i := range k {
		k[i] = byte(i)
	}

	return k
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

func pubkey(b byte) [32]byte {
	var p [32]byte
	p[0] = b

	return p
}

// testNode builds a fully in-memory Node, mirroring internal/node's own
// test helper, for exercising transport adapters against a real Node.
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

// testPeerStore builds a peerstore.Store backed by a temp file, pre-seeded
// with the given peer entries.
func testPeerStore(t *testing.T, peers ...peerstore.Peer) *peerstore.Store {
	t.Helper()

	s, err := peerstore.Open(fs.NewReal(), filepath.Join(t.TempDir(), "peers.txt"))
	require.NoError(t, err)

	for _, p := range peers {
		require.NoError(t, s.Add(p))
	}

	return s
}
