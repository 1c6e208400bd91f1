// Package identity implements Myco's node keypair and peer public-key
// table, per spec.md §2 component 9 ("Deterministic signing keypair; peer
// key table") and §9's peer-table design note.
package identity

import (
	"crypto/ed25519"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/zeebo/blake3"
)

// ErrShortSecret is returned by [Derive] when the node secret is empty.
var ErrShortSecret = errors.New("identity: empty node secret")

// KeyPair is a node's deterministic Ed25519 identity. Only the 32-byte
// public half is used: it's the value carried in every wire.Packet's
// SenderPubkey field and mixed into AEAD key derivation (spec.md §4.4).
type KeyPair struct {
	public ed25519.PublicKey
}

// Derive deterministically computes a node's keypair from a long-lived
// secret and its node id, so restarting the daemon with the same
// configuration always yields the same identity. The seed is
// Blake3(secret || node_id_le16), truncated to ed25519.SeedSize — the same
// key-derivation shape pkg/aead uses for packet keys.
func Derive(secret []byte, nodeID uint16) (KeyPair, error) {
	if len(secret) == 0 {
		return KeyPair{}, ErrShortSecret
	}

	h := blake3.New()
	h.Write(secret)

	var idBuf [2]byte
	binary.LittleEndian.PutUint16(idBuf[:], nodeID)
	h.Write(idBuf[:])

	seed := h.Sum(nil)[:ed25519.SeedSize]
	priv := ed25519.NewKeyFromSeed(seed)

	return KeyPair{public: priv.Public().(ed25519.PublicKey)}, nil
}

// Public returns the keypair's public key as the fixed-size array wire.Packet
// and pkg/aead expect.
func (k KeyPair) Public() [32]byte {
	var out [32]byte

	copy(out[:], k.public)

	return out
}

// Peer is one entry in a [PeerTable]: a known public key and the node_id
// its owner advertises, per spec.md §6 (packets carry the destination's
// node_id, "used in AEAD key derivation and advertised in packets").
type Peer struct {
	PublicKey [32]byte
	NodeID    uint16
}

// PeerTable is the peer public-key allow-list described in spec.md §9:
// "keyed by 32-byte public key; mutation happens outside the tick, read
// during outbound shaping." It holds one immutable map behind an
// atomic.Pointer so the transport thread can read a consistent snapshot
// without ever blocking on the writer. The map value is the peer's
// node_id, so outbound shaping can look up the destination id a packet
// needs (spec.md §4.4's dest_id) from the pubkey alone.
type PeerTable struct {
	peers atomic.Pointer[map[[32]byte]uint16]
}

// NewPeerTable constructs a PeerTable seeded with the given known peers.
func NewPeerTable(peers []Peer) *PeerTable {
	t := &PeerTable{}
	t.Replace(peers)

	return t
}

// Replace atomically swaps in a new set of known peers, discarding the
// previous snapshot. Safe to call concurrently with [PeerTable.Known] from
// any number of reader threads.
func (t *PeerTable) Replace(peers []Peer) {
	next := make(map[[32]byte]uint16, len(peers))

	for _, p := range peers {
		next[p.PublicKey] = p.NodeID
	}

	t.peers.Store(&next)
}

// Known reports whether pub is a recognized peer public key.
func (t *PeerTable) Known(pub [32]byte) bool {
	snapshot := t.peers.Load()
	if snapshot == nil {
		return false
	}

	_, ok := (*snapshot)[pub]

	return ok
}

// NodeIDOf returns the node_id pub advertised when it was added to the
// table, for deriving the per-destination AEAD key on send.
func (t *PeerTable) NodeIDOf(pub [32]byte) (uint16, bool) {
	snapshot := t.peers.Load()
	if snapshot == nil {
		return 0, false
	}

	id, ok := (*snapshot)[pub]

	return id, ok
}

// CopyKeys copies up to len(out) known peer public keys into out and
// returns the number copied, without allocating — callers on an
// allocation-free path (e.g. the Node tick) should size out once at
// startup and reuse it.
func (t *PeerTable) CopyKeys(out [][32]byte) int {
	snapshot := t.peers.Load()
	if snapshot == nil {
		return 0
	}

	n := 0

	for k := range *snapshot {
		if n >= len(out) {
			break
		}

		out[n] = k
		n++
	}

	return n
}

// Len returns the number of peer public keys currently recognized.
func (t *PeerTable) Len() int {
	snapshot := t.peers.Load()
	if snapshot == nil {
		return 0
	}

	return len(*snapshot)
}

// Hex formats a public key as the lowercase hex string used by the
// on-disk peer list (SPEC_FULL.md §3, internal/peerstore).
func Hex(pub [32]byte) string {
	return hex.EncodeToString(pub[:])
}

// ParseHex parses a lowercase hex-encoded public key, as found in the
// peer list file.
func ParseHex(s string) ([32]byte, error) {
	var out [32]byte

	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("identity: parse hex pubkey %q: %w", s, err)
	}

	if len(b) != len(out) {
		return out, fmt.Errorf("identity: pubkey %q: want %d bytes, got %d", s, len(out), len(b))
	}

	copy(out[:], b)

	return out, nil
}
