// Package catalog implements Myco's CRDT service store: a map from service
// id to the newest HLC version accepted for it, with last-writer-wins
// conflict resolution, a bounded dirty buffer for delta digests, and
// reservoir sampling for cold-start digests, per spec.md §4.2.
package catalog

import (
	"errors"
	"fmt"
	"math/rand"

	"github.com/myco-mesh/myco/pkg/digest"
	"github.com/myco-mesh/myco/pkg/hlc"
)

// ErrCapacityExhausted is returned by [Store.Update] when the store is at
// capacity and the id being updated is not already present.
var ErrCapacityExhausted = errors.New("catalog: capacity exhausted")

// Store is the CRDT `id -> version` map described in spec.md §4.2. The
// zero value is not usable; construct with [New].
//
// Store is not safe for concurrent use: per spec.md §5, it is owned
// exclusively by the Node tick.
type Store struct {
	capacity int
	maxDirty int

	versions map[uint64]uint64
	ids      []uint64 // insertion order, walked by PopulateDigest

	dirty []digest.Entry
}

// New constructs an empty Store bounded to capacity distinct ids and
// maxDirty buffered dirty entries.
func New(capacity, maxDirty int) *Store {
	return &Store{
		capacity: capacity,
		maxDirty: maxDirty,
		versions: make(map[uint64]uint64, capacity),
	}
}

// Update applies an incoming (id, version) pair under last-writer-wins:
// if id is absent, it is inserted; if present, it is replaced only when
// version is newer (per [hlc.Newer]) than the stored version.
//
// On insert or replace, (id, version) is appended to the dirty buffer
// (oldest entries dropped on overflow) and Update returns true. Update
// returns false, with no error, if version is not newer than what's
// stored. It fails with [ErrCapacityExhausted] if id is new and the store
// is already at capacity.
func (s *Store) Update(id, version uint64) (bool, error) {
	current, exists := s.versions[id]
	if exists {
		if !hlc.Newer(version, current) {
			return false, nil
		}

		s.versions[id] = version
		s.pushDirty(id, version)

		return true, nil
	}

	if len(s.versions) >= s.capacity {
		return false, fmt.Errorf("catalog: update id=%d: %w", id, ErrCapacityExhausted)
	}

	s.versions[id] = version
	s.ids = append(s.ids, id)
	s.pushDirty(id, version)

	return true, nil
}

// GetVersion returns the version stored for id, or 0 if id is absent.
func (s *Store) GetVersion(id uint64) uint64 {
	return s.versions[id]
}

// Count returns the number of distinct ids in the store.
func (s *Store) Count() int {
	return len(s.versions)
}

func (s *Store) pushDirty(id, version uint64) {
	s.dirty = append(s.dirty, digest.Entry{ID: id, Version: version})

	if over := len(s.dirty) - s.maxDirty; over > 0 {
		copy(s.dirty, s.dirty[over:])
		s.dirty = s.dirty[:s.maxDirty]
	}
}

// DrainDirty moves up to len(out) of the oldest dirty entries into out,
// shifting any remaining dirty entries to the front of the internal
// buffer, and returns the number of entries moved.
func (s *Store) DrainDirty(out []digest.Entry) int {
	n := copy(out, s.dirty)

	remaining := len(s.dirty) - n
	copy(s.dirty, s.dirty[n:])
	s.dirty = s.dirty[:remaining]

	return n
}

// DirtyLen reports how many entries are currently buffered for draining.
func (s *Store) DirtyLen() int {
	return len(s.dirty)
}

// All copies up to len(out) entries in insertion order into out and
// returns the count copied. Unlike [Store.PopulateDigest]'s random sample,
// All is a full, deterministic walk; it exists for whole-state snapshotting
// (WAL compaction), not the gossip hot path, so an occasional caller-side
// allocation to size out is acceptable.
func (s *Store) All(out []digest.Entry) int {
	n := 0

	for _, id := range s.ids {
		if n >= len(out) {
			break
		}

		out[n] = digest.Entry{ID: id, Version: s.versions[id]}
		n++
	}

	return n
}

// PopulateDigest fills out with a uniform random sample of the store's
// current entries using reservoir sampling (Algorithm R, per spec.md §9 —
// not a modulo shuffle, so the sample stays unbiased as the store grows),
// and returns the number of entries written (min(len(out), Count())).
//
// rng supplies randomness; callers wanting reproducible sampling (e.g.
// tests) can pass a seeded [rand.Rand].
func (s *Store) PopulateDigest(out []digest.Entry, rng *rand.Rand) int {
	k := len(out)
	count := 0

	for i, id := range s.ids {
		version := s.versions[id]

		if i < k {
			out[i] = digest.Entry{ID: id, Version: version}
			count++

			continue
		}

		j := rng.Intn(i + 1)
		if j < k {
			out[j] = digest.Entry{ID: id, Version: version}
		}
	}

	return count
}
