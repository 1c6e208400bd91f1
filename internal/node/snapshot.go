package node

import (
	"encoding/binary"
	"fmt"

	"github.com/myco-mesh/myco/pkg/digest"
)

// encodeSnapshot renders the catalog's full (id, version) state plus
// lastDeployedID into the opaque payload [wal.WAL.Compact] stores, per the
// WAL snapshot format open question decision in SPEC_FULL.md §4 (the WAL
// snapshot format itself is not specified by spec.md §4.5, which only
// requires that Compact's payload round-trip through Recover).
func encodeSnapshot(entries []digest.Entry, lastDeployedID uint64) ([]byte, error) {
	buf := make([]byte, 2+len(entries)*20+8)

	n, err := digest.Encode(entries, buf)
	if err != nil {
		return nil, fmt.Errorf("node: encode snapshot: %w", err)
	}

	binary.LittleEndian.PutUint64(buf[n:n+8], lastDeployedID)

	return buf[:n+8], nil
}

// decodeSnapshot parses a payload written by encodeSnapshot.
func decodeSnapshot(buf []byte, scratch []digest.Entry) ([]digest.Entry, uint64, error) {
	n, err := digest.Decode(buf, scratch)
	if err != nil {
		return nil, 0, fmt.Errorf("node: decode snapshot: %w", err)
	}

	tail := buf[len(buf)-8:]
	lastDeployedID := binary.LittleEndian.Uint64(tail)

	return scratch[:n], lastDeployedID, nil
}
