// Package peerstore implements Myco's peer list: a line-oriented text file
// mapping hex-encoded public keys to their advertised node_id and
// "ip:port" address (spec.md §6), held in memory as an atomic-pointer
// snapshot so the transport thread can read it without ever blocking on
// the rare admin-driven mutation (spec.md §9: "mutation happens outside
// the tick").
package peerstore

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	natomic "github.com/natefinch/atomic"

	"github.com/myco-mesh/myco/pkg/fs"
	"github.com/myco-mesh/myco/pkg/identity"
)

// ErrNotFound is returned by [Store.Remove] when the given public key is
// not present.
var ErrNotFound = errors.New("peerstore: peer not found")

// lockTimeout bounds how long an Add/Remove call waits for the advisory
// file lock before giving up.
const lockTimeout = 5 * time.Second

// Peer is one entry in the peer list: a public key, the node_id its owner
// advertises in packets (spec.md §6), and its last-known address.
type Peer struct {
	PublicKey [32]byte
	NodeID    uint16
	Addr      string // "ip:port"
}

// Store holds the current peer list in memory and persists mutations back
// to disk. The zero value is not usable; construct with [Open].
type Store struct {
	fsys   fs.FS
	locker *fs.Locker
	path   string

	snapshot atomic.Pointer[[]Peer]
}

// Open loads the peer list at path (if it exists) and returns a ready
// Store. A missing file is treated as an empty peer list.
func Open(fsys fs.FS, path string) (*Store, error) {
	s := &Store{
		fsys:   fsys,
		locker: fs.NewLocker(fsys),
		path:   path,
	}

	peers, err := s.readFile()
	if err != nil {
		return nil, err
	}

	s.snapshot.Store(&peers)

	return s, nil
}

// Snapshot returns the current peer list. The returned slice is never
// mutated in place — mutations always build a new slice and swap the
// pointer — so callers may range over it concurrently with [Store.Add] or
// [Store.Remove] without locking.
func (s *Store) Snapshot() []Peer {
	p := s.snapshot.Load()
	if p == nil {
		return nil
	}

	return *p
}

// Lookup returns the peer with the given public key, if known.
func (s *Store) Lookup(pub [32]byte) (Peer, bool) {
	for _, p := range s.Snapshot() {
		if p.PublicKey == pub {
			return p, true
		}
	}

	return Peer{}, false
}

// Len reports the number of peers currently known.
func (s *Store) Len() int {
	return len(s.Snapshot())
}

// Add inserts or updates a peer's address and durably persists the full
// peer list before publishing the new snapshot.
func (s *Store) Add(p Peer) error {
	return s.mutate(func(peers []Peer) []Peer {
		for i, existing := range peers {
			if existing.PublicKey == p.PublicKey {
				peers[i] = p

				return peers
			}
		}

		return append(peers, p)
	})
}

// Remove deletes a peer by public key, failing with [ErrNotFound] if it
// isn't present.
func (s *Store) Remove(pub [32]byte) error {
	found := false

	err := s.mutate(func(peers []Peer) []Peer {
		out := peers[:0]

		for _, existing := range peers {
			if existing.PublicKey == pub {
				found = true

				continue
			}

			out = append(out, existing)
		}

		return out
	})
	if err != nil {
		return err
	}

	if !found {
		return fmt.Errorf("peerstore: remove %s: %w", identity.Hex(pub), ErrNotFound)
	}

	return nil
}

// mutate acquires the advisory file lock, re-reads the file to absorb any
// external edits, applies edit, writes the result back atomically, and
// publishes the new in-memory snapshot.
func (s *Store) mutate(edit func([]Peer) []Peer) error {
	lockPath := s.path + ".lock"

	lk, err := s.locker.LockWithTimeout(lockPath, lockTimeout)
	if err != nil {
		return fmt.Errorf("peerstore: lock %q: %w", lockPath, err)
	}

	defer lk.Close()

	current, err := s.readFile()
	if err != nil {
		return err
	}

	next := edit(current)

	if err := s.writeFile(next); err != nil {
		return err
	}

	s.snapshot.Store(&next)

	return nil
}

func (s *Store) readFile() ([]Peer, error) {
	exists, err := s.fsys.Exists(s.path)
	if err != nil {
		return nil, fmt.Errorf("peerstore: stat %q: %w", s.path, err)
	}

	if !exists {
		return nil, nil
	}

	data, err := s.fsys.ReadFile(s.path)
	if err != nil {
		return nil, fmt.Errorf("peerstore: read %q: %w", s.path, err)
	}

	var peers []Peer

	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		p, err := parseLine(line)
		if err != nil {
			return nil, fmt.Errorf("peerstore: parse %q: %w", s.path, err)
		}

		peers = append(peers, p)
	}

	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("peerstore: scan %q: %w", s.path, err)
	}

	return peers, nil
}

func (s *Store) writeFile(peers []Peer) error {
	var buf bytes.Buffer

	for _, p := range peers {
		buf.WriteString(formatLine(p))
		buf.WriteByte('\n')
	}

	if err := natomic.WriteFile(s.path, &buf); err != nil {
		return fmt.Errorf("peerstore: write %q: %w", s.path, err)
	}

	return nil
}

func parseLine(line string) (Peer, error) {
	fields := strings.Fields(line)
	if len(fields) != 3 {
		return Peer{}, fmt.Errorf("want 3 fields (pubkey node_id addr), got %d: %q", len(fields), line)
	}

	pub, err := identity.ParseHex(fields[0])
	if err != nil {
		return Peer{}, err
	}

	nodeID, err := strconv.ParseUint(fields[1], 10, 16)
	if err != nil {
		return Peer{}, fmt.Errorf("parse node_id %q: %w", fields[1], err)
	}

	return Peer{PublicKey: pub, NodeID: uint16(nodeID), Addr: fields[2]}, nil
}

func formatLine(p Peer) string {
	return identity.Hex(p.PublicKey) + " " + strconv.FormatUint(uint64(p.NodeID), 10) + " " + p.Addr
}
