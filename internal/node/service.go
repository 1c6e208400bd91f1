package node

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Field widths for the fixed-layout Service record, per spec.md §3.
const (
	nameSize     = 32
	flakeURISize = 128
	execNameSize = 32

	// ServiceSize is sizeof(Service): id(8) + name(32) + flake_uri(128) +
	// exec_name(32).
	ServiceSize = 8 + nameSize + flakeURISize + execNameSize

	// deployPayloadSize is a Deploy packet's payload: version(8) + Service.
	deployPayloadSize = 8 + ServiceSize
)

// Service is a declared, deployable unit: the payload of a Deploy packet
// and of the admin /deploy request, per spec.md §3/§6.
type Service struct {
	ID       uint64
	Name     [nameSize]byte
	FlakeURI [flakeURISize]byte
	ExecName [execNameSize]byte
}

// NewService builds a Service from plain strings, truncating and
// NUL-padding each field to its fixed width.
func NewService(id uint64, name, flakeURI, execName string) Service {
	var s Service

	s.ID = id
	putPadded(s.Name[:], name)
	putPadded(s.FlakeURI[:], flakeURI)
	putPadded(s.ExecName[:], execName)

	return s
}

func putPadded(dst []byte, s string) {
	n := copy(dst, s)

	for i := n; i < len(dst); i++ {
		dst[i] = 0
	}
}

func readPadded(src []byte) string {
	return string(bytes.TrimRight(src, "\x00"))
}

// NameString, FlakeURIString, and ExecNameString return the NUL-trimmed
// string form of each fixed-width field.
func (s Service) NameString() string     { return readPadded(s.Name[:]) }
func (s Service) FlakeURIString() string { return readPadded(s.FlakeURI[:]) }
func (s Service) ExecNameString() string { return readPadded(s.ExecName[:]) }

// Encode writes s into buf (which must be at least [ServiceSize] bytes)
// and returns the number of bytes written.
func (s Service) Encode(buf []byte) (int, error) {
	if len(buf) < ServiceSize {
		return 0, fmt.Errorf("node: encode service: buffer too small: have %d, want %d", len(buf), ServiceSize)
	}

	binary.LittleEndian.PutUint64(buf[0:8], s.ID)
	copy(buf[8:8+nameSize], s.Name[:])
	copy(buf[8+nameSize:8+nameSize+flakeURISize], s.FlakeURI[:])
	copy(buf[8+nameSize+flakeURISize:ServiceSize], s.ExecName[:])

	return ServiceSize, nil
}

// DecodeService parses a Service from buf (which must be at least
// [ServiceSize] bytes).
func DecodeService(buf []byte) (Service, error) {
	if len(buf) < ServiceSize {
		return Service{}, fmt.Errorf("node: decode service: buffer too small: have %d, want %d", len(buf), ServiceSize)
	}

	var s Service

	s.ID = binary.LittleEndian.Uint64(buf[0:8])
	copy(s.Name[:], buf[8:8+nameSize])
	copy(s.FlakeURI[:], buf[8+nameSize:8+nameSize+flakeURISize])
	copy(s.ExecName[:], buf[8+nameSize+flakeURISize:ServiceSize])

	return s, nil
}

// encodeDeployPayload writes (version, service) into buf per spec.md
// §4.6's Deploy decoding contract, returning the number of bytes written.
func encodeDeployPayload(buf []byte, version uint64, s Service) (int, error) {
	if len(buf) < deployPayloadSize {
		return 0, fmt.Errorf("node: encode deploy payload: buffer too small: have %d, want %d", len(buf), deployPayloadSize)
	}

	binary.LittleEndian.PutUint64(buf[0:8], version)

	if _, err := s.Encode(buf[8:]); err != nil {
		return 0, err
	}

	return deployPayloadSize, nil
}

// decodeDeployPayload parses a Deploy packet's payload.
func decodeDeployPayload(buf []byte) (version uint64, s Service, err error) {
	if len(buf) < deployPayloadSize {
		return 0, Service{}, fmt.Errorf(
			"node: decode deploy payload: buffer too small: have %d, want %d", len(buf), deployPayloadSize)
	}

	version = binary.LittleEndian.Uint64(buf[0:8])

	s, err = DecodeService(buf[8:])
	if err != nil {
		return 0, Service{}, err
	}

	return version, s, nil
}
