// Package wal implements the write-ahead log and snapshot pair Myco uses to
// durably hold its knowledge counter, per spec.md §4.5.
//
// A [WAL] owns two files: an append-only log of fixed-size (id, version)
// entries, and a single opaque snapshot slot written during compaction.
// Corruption truncates rather than propagating: [WAL.Recover] replays every
// CRC-valid entry and stops — without erroring — at the first corrupt or
// zeroed record, per spec.md §4.5 and §7's durability error policy.
package wal

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"log"

	"golang.org/x/sys/unix"

	"github.com/myco-mesh/myco/pkg/fs"
)

// entrySize is the on-disk size of one log entry: crc32(4) + id(8) +
// version(8), per spec.md §3.
const entrySize = 4 + 8 + 8

// snapshotHeaderSize is the on-disk size of the snapshot header: magic(4)
// + data_len(4) + crc32(4), per spec.md §3.
const snapshotHeaderSize = 4 + 4 + 4

// snapshotMagic identifies a valid snapshot header (0x4D59534E, "MYSN").
const snapshotMagic = 0x4D59534E

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// ErrLogFull is returned by [WAL.Append] when the log has reached its
// configured entry capacity. Callers should compact.
var ErrLogFull = errors.New("wal: log full")

// ErrSnapshotFull is returned by [WAL.Compact] when the snapshot payload
// does not fit in the configured snapshot capacity.
var ErrSnapshotFull = errors.New("wal: snapshot full")

// ErrFatal is returned when both the log and a compaction attempt fail,
// per spec.md §7's durability error policy ("if compaction also fails,
// surface Fatal").
var ErrFatal = errors.New("wal: fatal")

// Entry is one accepted (id, version) update, per spec.md §3.
type Entry struct {
	ID      uint64
	Version uint64
}

// WAL is an append-only log of [Entry] records plus one opaque snapshot
// slot. The zero value is not usable; construct with [Open].
type WAL struct {
	log      fs.File
	snapshot fs.File

	capacity    int // max entries the log may hold before ErrLogFull
	snapshotCap int // max snapshot payload bytes before ErrSnapshotFull

	cursor int // number of entries appended since the log was last reset
	logger *log.Logger
}

// Open constructs a WAL backed by the given log and snapshot files, which
// the caller has already opened for read/write (see [fs.FS.OpenFile]).
// logger receives a line for every corrupt record encountered during
// [WAL.Recover]; pass nil to discard those lines.
func Open(logFile, snapshotFile fs.File, capacity, snapshotCap int, logger *log.Logger) *WAL {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}

	return &WAL{
		log:         logFile,
		snapshot:    snapshotFile,
		capacity:    capacity,
		snapshotCap: snapshotCap,
		logger:      logger,
	}
}

// Cursor returns the number of entries appended since the log was last
// reset by [WAL.Compact]. This is Myco's "knowledge height" counter
// (SPEC_FULL.md §3).
func (w *WAL) Cursor() int {
	return w.cursor
}

// Append writes a fixed-size entry recording id and version, with a CRC32
// (Castagnoli) checksum over the (id, version) bytes.
//
// Fails with [ErrLogFull] if the log has reached capacity; callers should
// compact and retry.
func (w *WAL) Append(id, version uint64) error {
	if w.cursor >= w.capacity {
		return fmt.Errorf("wal: append at cursor=%d cap=%d: %w", w.cursor, w.capacity, ErrLogFull)
	}

	var buf [entrySize]byte

	binary.LittleEndian.PutUint64(buf[4:12], id)
	binary.LittleEndian.PutUint64(buf[12:20], version)
	binary.LittleEndian.PutUint32(buf[0:4], crc32.Checksum(buf[4:20], castagnoli))

	if _, err := w.log.Seek(int64(w.cursor)*entrySize, io.SeekStart); err != nil {
		return fmt.Errorf("wal: append seek: %w", err)
	}

	if _, err := w.log.Write(buf[:]); err != nil {
		return fmt.Errorf("wal: append write: %w", err)
	}

	if err := w.log.Sync(); err != nil {
		return fmt.Errorf("wal: append sync: %w", err)
	}

	w.cursor++

	return nil
}

// Compact writes snapshotBytes behind a validated header (magic + CRC32)
// into the snapshot slot, then resets the log cursor to zero so future
// appends reuse the log from its start.
//
// Fails with [ErrSnapshotFull] if snapshotBytes exceeds the configured
// snapshot capacity, and with [ErrFatal] if the log cannot be truncated
// after the snapshot write succeeds (per spec.md §7: "if compaction also
// fails, surface Fatal").
func (w *WAL) Compact(snapshotBytes []byte) error {
	if len(snapshotBytes) > w.snapshotCap {
		return fmt.Errorf("wal: compact %d bytes cap=%d: %w", len(snapshotBytes), w.snapshotCap, ErrSnapshotFull)
	}

	header := make([]byte, snapshotHeaderSize)
	binary.LittleEndian.PutUint32(header[0:4], snapshotMagic)
	binary.LittleEndian.PutUint32(header[4:8], uint32(len(snapshotBytes)))
	binary.LittleEndian.PutUint32(header[8:12], crc32.Checksum(snapshotBytes, castagnoli))

	if _, err := w.snapshot.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wal: compact seek snapshot: %w", err)
	}

	if _, err := w.snapshot.Write(header); err != nil {
		return fmt.Errorf("wal: compact write header: %w", err)
	}

	if _, err := w.snapshot.Write(snapshotBytes); err != nil {
		return fmt.Errorf("wal: compact write body: %w", err)
	}

	if err := w.snapshot.Sync(); err != nil {
		return fmt.Errorf("wal: compact sync snapshot: %w", err)
	}

	if err := unix.Ftruncate(int(w.log.Fd()), 0); err != nil {
		return fmt.Errorf("wal: compact truncate log: %w: %w", ErrFatal, err)
	}

	if err := w.log.Sync(); err != nil {
		return fmt.Errorf("wal: compact sync log: %w: %w", ErrFatal, err)
	}

	w.cursor = 0

	return nil
}

// Recover replays durable state: if the snapshot slot holds a header with
// valid magic and CRC32, onSnapshot is called with its payload; then the
// log is scanned sequentially from the start, calling onEntry for every
// CRC-valid entry until the first corrupt, truncated, or all-zero record —
// at which point recovery stops silently (logging a line) rather than
// returning an error, per spec.md §4.5 and §7.
//
// After Recover returns, [WAL.Cursor] reflects the number of entries
// actually replayed.
func (w *WAL) Recover(onSnapshot func([]byte) error, onEntry func(Entry) error) error {
	if err := w.recoverSnapshot(onSnapshot); err != nil {
		return err
	}

	return w.recoverLog(onEntry)
}

func (w *WAL) recoverSnapshot(onSnapshot func([]byte) error) error {
	if _, err := w.snapshot.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wal: recover seek snapshot: %w", err)
	}

	header := make([]byte, snapshotHeaderSize)

	n, err := io.ReadFull(w.snapshot, header)
	if err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			w.logger.Printf("wal: no snapshot present (%d bytes)", n)

			return nil
		}

		return fmt.Errorf("wal: recover read snapshot header: %w", err)
	}

	magic := binary.LittleEndian.Uint32(header[0:4])
	if magic != snapshotMagic {
		w.logger.Printf("wal: snapshot magic mismatch, ignoring")

		return nil
	}

	dataLen := binary.LittleEndian.Uint32(header[4:8])
	wantCRC := binary.LittleEndian.Uint32(header[8:12])

	body := make([]byte, dataLen)

	if _, err := io.ReadFull(w.snapshot, body); err != nil {
		w.logger.Printf("wal: snapshot body truncated, ignoring: %v", err)

		return nil
	}

	if crc32.Checksum(body, castagnoli) != wantCRC {
		w.logger.Printf("wal: snapshot CRC mismatch, ignoring")

		return nil
	}

	if onSnapshot == nil {
		return nil
	}

	if err := onSnapshot(body); err != nil {
		return fmt.Errorf("wal: recover apply snapshot: %w", err)
	}

	return nil
}

func (w *WAL) recoverLog(onEntry func(Entry) error) error {
	if _, err := w.log.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("wal: recover seek log: %w", err)
	}

	w.cursor = 0

	var buf [entrySize]byte

	for {
		n, err := io.ReadFull(w.log, buf[:])
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}

			if errors.Is(err, io.ErrUnexpectedEOF) {
				w.logger.Printf("wal: truncated entry at offset %d (%d bytes), stopping", w.cursor*entrySize, n)

				return nil
			}

			return fmt.Errorf("wal: recover read entry: %w", err)
		}

		if buf == ([entrySize]byte{}) {
			w.logger.Printf("wal: zeroed entry at offset %d, stopping", w.cursor*entrySize)

			return nil
		}

		wantCRC := binary.LittleEndian.Uint32(buf[0:4])
		gotCRC := crc32.Checksum(buf[4:20], castagnoli)

		if gotCRC != wantCRC {
			w.logger.Printf("wal: CRC mismatch at offset %d, stopping", w.cursor*entrySize)

			return nil
		}

		entry := Entry{
			ID:      binary.LittleEndian.Uint64(buf[4:12]),
			Version: binary.LittleEndian.Uint64(buf[12:20]),
		}

		if onEntry != nil {
			if err := onEntry(entry); err != nil {
				return fmt.Errorf("wal: recover apply entry %d: %w", entry.ID, err)
			}
		}

		w.cursor++
	}
}
