// Package aead implements packet-level authenticated encryption for Myco's
// wire packets, per spec.md §4.4: ChaCha20-Poly1305 sealing/opening with a
// Blake3-derived key and epoch-based rotation.
package aead

import (
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/zeebo/blake3"
	"golang.org/x/crypto/chacha20poly1305"

	"github.com/myco-mesh/myco/pkg/wire"
)

// ErrAuthFailed is returned by Open when the tag does not verify under
// either the current or previous epoch key.
var ErrAuthFailed = errors.New("aead: authentication failed")

// ErrNoKey is returned when Seal is attempted with no current key
// configured (Open on such a Keyring fails with [ErrAuthFailed]); spec.md §7 treats a missing AEAD key in non-plaintext mode
// as a fatal configuration error at startup, which callers should surface
// before ever constructing a [Keyring].
var ErrNoKey = errors.New("aead: no key configured")

// KeySize is the key length required by ChaCha20-Poly1305.
const KeySize = chacha20poly1305.KeySize // 32

// NonceSize matches wire.Packet's 12-byte nonce field exactly.
const NonceSize = chacha20poly1305.NonceSize // 12

// TagSize matches wire.Packet's 16-byte auth tag field exactly.
const TagSize = chacha20poly1305.Overhead // 16

// DeriveKey computes K = Blake3(sender_pubkey || dest_id_le16 [|| psk] ||
// epoch_le32), per spec.md §4.4. psk may be nil.
func DeriveKey(senderPubkey [32]byte, destID uint16, psk []byte, epoch uint32) [KeySize]byte {
	h := blake3.New()

	h.Write(senderPubkey[:])

	var destBuf [2]byte

	binary.LittleEndian.PutUint16(destBuf[:], destID)
	h.Write(destBuf[:])

	if len(psk) > 0 {
		h.Write(psk)
	}

	var epochBuf [4]byte

	binary.LittleEndian.PutUint32(epochBuf[:], epoch)
	h.Write(epochBuf[:])

	var out [KeySize]byte

	copy(out[:], h.Sum(nil))

	return out
}

// epoch pairs an epoch number with the psk that was current when it was
// configured and whether it's currently acceptable. spec.md §6 documents
// `packet_key_prev` as "Previous AEAD secret to accept during rotation" —
// a genuinely distinct secret, not just an older epoch number under the
// current one — so each epoch keeps its own psk rather than sharing one.
type epoch struct {
	number uint32
	psk    []byte
	valid  bool
}

// Keyring holds a node's current and, during rotation, previous AEAD
// epoch (each its own packet_key/gossip_psk secret and epoch number), plus
// the process-wide MAC failure counter spec.md §4.4 and §7 require. The
// per-packet key itself is never precomputed: spec.md §4.4's formula
// `K = Blake3(sender_pubkey || dest_id_le16 || psk || epoch)` is evaluated
// fresh on every [Keyring.Seal]/[Keyring.Open] call from the packet's own
// sender_pubkey field and the caller-supplied dest_id, so one Keyring
// serves every peer without caching a key per correspondent. The zero
// value has no keys configured; use [NewKeyring].
type Keyring struct {
	current  epoch
	previous epoch

	macFailures atomic.Uint64
}

// NewKeyring constructs a Keyring for the given psk (the concatenation of
// a node's configured packet_key and gossip_psk; gossip_psk may be empty)
// at the given current epoch. Call [Keyring.Rotate] to introduce a new
// epoch (with its own psk) while keeping this one acceptable for
// decryption.
func NewKeyring(psk []byte, currentEpoch uint32) *Keyring {
	return &Keyring{current: epoch{number: currentEpoch, psk: psk, valid: true}}
}

// Rotate introduces a new current epoch under newPSK, demoting the old
// current epoch to previous so in-flight packets sealed under it (and its
// own psk) can still be opened.
func (k *Keyring) Rotate(newEpoch uint32, newPSK []byte) {
	k.previous = k.current
	k.current = epoch{number: newEpoch, psk: newPSK, valid: true}
}

// DropPrevious discards the previous epoch, so packets sealed under it
// will subsequently fail to open. Used to complete rotation (spec.md §8
// scenario S4).
func (k *Keyring) DropPrevious() {
	k.previous = epoch{}
}

// MACFailures returns the number of packets dropped for failing AEAD
// verification since the keyring was created.
func (k *Keyring) MACFailures() uint64 {
	return k.macFailures.Load()
}

// scratchSize bounds the stack-local buffer Seal/Open use to combine the
// payload and tag for the underlying cipher.AEAD, which expects them
// contiguous. Sized for the worst case (a full payload) so the buffer
// never needs to grow — keeping Seal/Open allocation-free on the node's
// tick path per spec.md §5's "frozen allocator" discipline.
const scratchSize = wire.PayloadSize + TagSize

// Seal encrypts the first p.PayloadLen bytes of p.Payload in place under
// the keyring's current epoch key, filling p.Nonce and p.AuthTag.
//
// The key is derived from p.SenderPubkey (the sealing node's own real
// public key, which the caller must already have set on p) and destID
// (the intended recipient's node_id), per spec.md §4.4/§6: the packet's
// node_id field is "destination routing hint," and `node_id` in config is
// "Destination id used in AEAD key derivation."
//
// The nonce's first 4 bytes carry the current epoch number; the remaining
// 8 bytes are uniformly random per packet, per spec.md §4.4.
func (k *Keyring) Seal(p *wire.Packet, destID uint16) error {
	if !k.current.valid {
		return ErrNoKey
	}

	key := DeriveKey(p.SenderPubkey, destID, k.current.psk, k.current.number)

	aead, err := chacha20poly1305.New(key[:])
	if err != nil {
		return fmt.Errorf("aead: seal: construct cipher: %w", err)
	}

	binary.LittleEndian.PutUint32(p.Nonce[0:4], k.current.number)

	if _, err := rand.Read(p.Nonce[4:12]); err != nil {
		return fmt.Errorf("aead: seal: random nonce tail: %w", err)
	}

	ad := p.AssociatedData()
	plaintext := p.Payload[:p.PayloadLen]

	var scratch [scratchSize]byte

	sealed := aead.Seal(scratch[:0], p.Nonce[:], plaintext, ad[:])

	copy(p.Payload[:p.PayloadLen], sealed[:p.PayloadLen])
	copy(p.AuthTag[:], sealed[p.PayloadLen:])

	return nil
}

// Open verifies and decrypts p's payload in place, trying the current
// epoch key first and the previous epoch key (if any) on tag failure.
//
// The key is derived from p.SenderPubkey (the real public key the sealing
// peer stamped on the packet) and destID (this node's own configured
// node_id, the "dest_id" of spec.md §4.4/§6's derivation), mirroring
// [Keyring.Seal] from the opposite side of the same formula.
//
// On total failure it increments the keyring's MAC failure counter and
// returns [ErrAuthFailed]; callers must drop the packet rather than
// deliver it, per spec.md §4.4.
func (k *Keyring) Open(p *wire.Packet, destID uint16) error {
	ad := p.AssociatedData()

	var combined [scratchSize]byte

	n := copy(combined[:], p.Payload[:p.PayloadLen])
	n += copy(combined[n:], p.AuthTag[:])

	for _, ek := range []epoch{k.current, k.previous} {
		if !ek.valid {
			continue
		}

		key := DeriveKey(p.SenderPubkey, destID, ek.psk, ek.number)

		aead, err := chacha20poly1305.New(key[:])
		if err != nil {
			return fmt.Errorf("aead: open: construct cipher: %w", err)
		}

		var out [scratchSize]byte

		plain, err := aead.Open(out[:0], p.Nonce[:], combined[:n], ad[:])
		if err == nil {
			copy(p.Payload[:p.PayloadLen], plain)

			return nil
		}
	}

	k.macFailures.Add(1)

	return ErrAuthFailed
}
