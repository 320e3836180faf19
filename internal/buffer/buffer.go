// Package buffer implements TableBuffer: a shared immutable byte vector
// behind an atomic pointer cell, plus a packed-record index and a
// monotonic id counter, per spec.md §4.3.
//
// A State is never mutated after it is published; every publisher
// builds a fresh State and swaps it in with Release ordering, so
// readers taking a Snapshot with Acquire ordering always see a
// self-consistent (bytes, index, version) triple. Go's garbage
// collector retires a superseded State once no snapshot or table
// pointer still references it — the portable equivalent of spec.md
// §3's "drop when the last snapshot releases it" rule.
package buffer

import (
	"sync/atomic"

	"github.com/packedrow/kernel/internal/errs"
)

// State is one immutable (bytes, index, version) triple.
type State struct {
	Bytes      []byte
	Index      map[uint64]uint32 // id -> slot index (not byte offset)
	Version    uint64
	RecordSize int
}

// Snapshot is the read-only view returned by Buffer.Snapshot.
type Snapshot struct {
	State *State
}

// Buffer is the atomic publish cell for one table.
type Buffer struct {
	cell    atomic.Pointer[State]
	nextID  atomic.Uint64
	recSize int
}

// New creates an empty buffer for a table whose records are recSize
// bytes wide. The initial id counter starts at 1 (id 0 is never
// issued, so the zero value of a Go map lookup miss is unambiguous).
func New(recSize int) *Buffer {
	b := &Buffer{recSize: recSize}
	b.nextID.Store(1)
	b.cell.Store(&State{
		Bytes:      nil,
		Index:      make(map[uint64]uint32),
		Version:    0,
		RecordSize: recSize,
	})
	return b
}

// Restore installs an initial state loaded from disk, and advances the
// id counter to maxID+1 as required by spec.md §4.8.
func Restore(recSize int, bytes []byte, index map[uint64]uint32, maxID uint64) *Buffer {
	b := &Buffer{recSize: recSize}
	b.nextID.Store(maxID + 1)
	b.cell.Store(&State{Bytes: bytes, Index: index, Version: 0, RecordSize: recSize})
	return b
}

// Snapshot acquires a non-blocking, wait-free, self-consistent view.
func (b *Buffer) Snapshot() Snapshot {
	return Snapshot{State: b.cell.Load()}
}

// Publish atomically replaces the current triple. Callers are expected
// to be serialized externally (the TransactionEngine is the sole
// committer), matching spec.md §4.3's "single-caller" contract.
func (b *Buffer) Publish(newBytes []byte, newIndex map[uint64]uint32) uint64 {
	prev := b.cell.Load()
	next := &State{
		Bytes:      newBytes,
		Index:      newIndex,
		Version:    prev.Version + 1,
		RecordSize: b.recSize,
	}
	b.cell.Store(next)
	return next.Version
}

// NextID returns and increments the monotone id counter.
func (b *Buffer) NextID() uint64 {
	return b.nextID.Add(1) - 1
}

// PeekNextID reports the id that NextID would return next, without
// consuming it. The catalog's field-rewrite path uses it to carry the
// counter over to the rebuilt buffer, so ids are not handed out twice.
func (b *Buffer) PeekNextID() uint64 {
	return b.nextID.Load()
}

// RecordSize returns the fixed record width for this table.
func (b *Buffer) RecordSize() int { return b.recSize }

// Record returns the record_size-byte slice for slot idx.
func (s *State) Record(slot uint32) []byte {
	recSize := s.RecordSize
	start := int(slot) * recSize
	return s.Bytes[start : start+recSize]
}

// Get returns the record bytes for a live id, or a NotFound error.
func (s *State) Get(id uint64) ([]byte, error) {
	slot, ok := s.Index[id]
	if !ok {
		return nil, errs.NotFoundf("record %d not found", id)
	}
	end := (int(slot) + 1) * s.RecordSize
	if end > len(s.Bytes) {
		return nil, errs.New(errs.KindIoError, "index points past end of buffer")
	}
	return s.Record(slot), nil
}

// LiveCount returns the number of live (non-tombstoned) records.
func (s *State) LiveCount() int { return len(s.Index) }

// NextPow2 returns the smallest power of two >= n (n >= 1).
func NextPow2(n int) int {
	if n <= 1 {
		return 1
	}
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// GrowCapacity returns the byte capacity to allocate for a buffer that
// must hold `needed` bytes, starting from `initial` and doubling, per
// spec.md §4.3's growth policy.
func GrowCapacity(initial, needed int) int {
	if needed <= initial {
		return initial
	}
	cap := initial
	if cap <= 0 {
		cap = 1
	}
	for cap < needed {
		cap *= 2
	}
	return cap
}
