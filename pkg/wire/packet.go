// Package wire implements Myco's fixed 1024-byte wire packet: the frame
// every node sends and receives, described in spec.md §3 and §6.
//
// The layout is fixed at compile time by using [Size]byte as the wire
// representation throughout the package's public API — callers cannot pass
// a buffer of the wrong size without a compile error, which is the
// strongest "sizeof(Packet) == 1024" guarantee Go's type system offers
// without cgo or unsafe struct layout assumptions.
package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Size is the total wire size of a packet, per spec.md §3.
const Size = 1024

// Magic identifies a Myco packet: 0x4d59, ASCII "MY" as a big-endian
// uint16, per spec.md §3. It is encoded little-endian like every other
// field, so the first two bytes on the wire are 0x59 0x4d.
const Magic = 0x4d59

// MsgType identifies the payload kind of a packet.
type MsgType uint8

// Message types, per spec.md §3.
const (
	MsgDeploy  MsgType = 1
	MsgSync    MsgType = 2
	MsgRequest MsgType = 3
	MsgControl MsgType = 4
)

func (t MsgType) String() string {
	switch t {
	case MsgDeploy:
		return "deploy"
	case MsgSync:
		return "sync"
	case MsgRequest:
		return "request"
	case MsgControl:
		return "control"
	default:
		return fmt.Sprintf("msg_type(%d)", uint8(t))
	}
}

// Field sizes and offsets, matching the byte layout in spec.md §6.
const (
	offMagic            = 0x000 // uint16
	offVersion          = 0x002 // uint8
	offMsgType          = 0x003 // uint8
	offNodeID           = 0x004 // uint16
	offZoneID           = 0x006 // uint8
	offFlags            = 0x007 // uint8
	offRevocationBlock  = 0x008 // uint32
	offPayloadLen       = 0x00C // uint16
	offPad              = 0x00E // uint16, reserved
	offSenderPubkey     = 0x010 // [32]byte
	offNonce            = 0x030 // [12]byte
	offAuthTag          = 0x03C // [16]byte
	offPayload          = 0x04C // [944]byte
	PayloadSize         = 944
	headerADSize        = 46 // magic..sender_pubkey inclusive, see AssociatedData
)

// ErrPayloadTooLarge is returned when a payload does not fit in the fixed
// 944-byte payload slot.
var ErrPayloadTooLarge = errors.New("wire: payload too large")

// ErrShortBuffer is returned by Decode when the input is not exactly [Size]
// bytes.
var ErrShortBuffer = errors.New("wire: short buffer")

// ErrBadMagic is returned by Decode when the magic field does not match
// [Magic].
var ErrBadMagic = errors.New("wire: bad magic")

// Header holds every packet field except the AEAD tag/nonce and payload
// bytes, which are handled separately so the AEAD layer can seal/open in
// place.
type Header struct {
	Version          uint8
	MsgType          MsgType
	NodeID           uint16
	ZoneID           uint8
	Flags            uint8
	RevocationBlock  uint32
	PayloadLen       uint16
	SenderPubkey     [32]byte
}

// Packet is a fully decoded Myco wire packet.
type Packet struct {
	Header
	Nonce   [12]byte
	AuthTag [16]byte
	Payload [PayloadSize]byte
}

// Encode serializes p into buf, a caller-owned [Size]-byte frame.
//
// Fails with [ErrPayloadTooLarge] if p.PayloadLen exceeds [PayloadSize].
func Encode(p *Packet, buf *[Size]byte) error {
	if int(p.PayloadLen) > PayloadSize {
		return fmt.Errorf("wire: encode payload_len=%d: %w", p.PayloadLen, ErrPayloadTooLarge)
	}

	binary.LittleEndian.PutUint16(buf[offMagic:], Magic)
	buf[offVersion] = p.Version
	buf[offMsgType] = byte(p.MsgType)
	binary.LittleEndian.PutUint16(buf[offNodeID:], p.NodeID)
	buf[offZoneID] = p.ZoneID
	buf[offFlags] = p.Flags
	binary.LittleEndian.PutUint32(buf[offRevocationBlock:], p.RevocationBlock)
	binary.LittleEndian.PutUint16(buf[offPayloadLen:], p.PayloadLen)
	binary.LittleEndian.PutUint16(buf[offPad:], 0)
	copy(buf[offSenderPubkey:offSenderPubkey+32], p.SenderPubkey[:])
	copy(buf[offNonce:offNonce+12], p.Nonce[:])
	copy(buf[offAuthTag:offAuthTag+16], p.AuthTag[:])
	copy(buf[offPayload:offPayload+PayloadSize], p.Payload[:])

	return nil
}

// Decode parses buf into a [Packet].
//
// Fails with [ErrBadMagic] if the magic field doesn't match [Magic], and
// with [ErrPayloadTooLarge] if PayloadLen exceeds [PayloadSize], so callers
// can slice Payload[:PayloadLen] without a bounds check of their own.
func Decode(buf *[Size]byte) (Packet, error) {
	if binary.LittleEndian.Uint16(buf[offMagic:]) != Magic {
		return Packet{}, fmt.Errorf("wire: decode: %w", ErrBadMagic)
	}

	var p Packet

	p.Version = buf[offVersion]
	p.MsgType = MsgType(buf[offMsgType])
	p.NodeID = binary.LittleEndian.Uint16(buf[offNodeID:])
	p.ZoneID = buf[offZoneID]
	p.Flags = buf[offFlags]
	p.RevocationBlock = binary.LittleEndian.Uint32(buf[offRevocationBlock:])
	p.PayloadLen = binary.LittleEndian.Uint16(buf[offPayloadLen:])

	if int(p.PayloadLen) > PayloadSize {
		return Packet{}, fmt.Errorf("wire: decode payload_len=%d: %w", p.PayloadLen, ErrPayloadTooLarge)
	}

	copy(p.SenderPubkey[:], buf[offSenderPubkey:offSenderPubkey+32])
	copy(p.Nonce[:], buf[offNonce:offNonce+12])
	copy(p.AuthTag[:], buf[offAuthTag:offAuthTag+16])
	copy(p.Payload[:], buf[offPayload:offPayload+PayloadSize])

	return p, nil
}

// DecodeSlice is a convenience wrapper for code receiving packets as a
// byte slice (e.g. from a UDP socket read), failing with [ErrShortBuffer]
// if the slice isn't exactly [Size] bytes.
func DecodeSlice(b []byte) (Packet, error) {
	if len(b) != Size {
		return Packet{}, fmt.Errorf("wire: decode %d bytes: %w", len(b), ErrShortBuffer)
	}

	var buf [Size]byte

	copy(buf[:], b)

	return Decode(&buf)
}

// AssociatedData returns the 46-byte associated-data blob bound by the AEAD
// layer, in the exact field order spec.md §4.4 mandates: magic, version,
// msg_type, node_id, zone_id, flags, revocation_block, payload_len,
// sender_pubkey.
func (p *Packet) AssociatedData() [headerADSize]byte {
	var ad [headerADSize]byte

	binary.LittleEndian.PutUint16(ad[0:2], Magic)
	ad[2] = p.Version
	ad[3] = byte(p.MsgType)
	binary.LittleEndian.PutUint16(ad[4:6], p.NodeID)
	ad[6] = p.ZoneID
	ad[7] = p.Flags
	binary.LittleEndian.PutUint32(ad[8:12], p.RevocationBlock)
	binary.LittleEndian.PutUint16(ad[12:14], p.PayloadLen)
	copy(ad[14:46], p.SenderPubkey[:])

	return ad
}
