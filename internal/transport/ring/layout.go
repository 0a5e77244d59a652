/*
 *
 * Copyright 2025 gRPC authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

package ring

import (
	"fmt"
	"math"
	"sync/atomic"
)

// Memory layout constants
const (
	// Magic bytes for segment identification
	Magic = "SHMCHAN\x00"

	// Current layout version
	Version = uint32(1)

	// Header size (aligned to 128 bytes)
	HeaderSize = 128

	// MinCapacity is the smallest data area accepted.
	MinCapacity = 16

	// MaxCapacity is bounded by the 32-bit commit length table.
	MaxCapacity = math.MaxUint32

	// DefaultRecordSlots is the default number of commit length entries, i.e.
	// how many committed windows may be outstanding before the writer blocks.
	DefaultRecordSlots = 4096

	// slotSize is the width of one commit length entry.
	slotSize = 4
)

// Header is the shared ring header at offset 0 of the memory object.
// Layout is fixed; both processes map the same bytes.
type Header struct {
	magic         [8]byte  // 0x00: "SHMCHAN\0"
	version       uint32   // 0x08: layout version
	slots         uint32   // 0x0C: entries in the commit length table
	capacity      uint64   // 0x10: data area size in bytes
	widx          uint64   // 0x18: monotonic bytes committed (writer)
	ridx          uint64   // 0x20: monotonic bytes released (reader)
	wrec          uint64   // 0x28: monotonic records committed (writer)
	rrec          uint64   // 0x30: monotonic records released (reader)
	readerWaiting uint32   // 0x38: reader is about to block on not-empty
	writerWaiting uint32   // 0x3C: writer is about to block on not-full
	closed        uint32   // 0x40: closed flag (0 open, 1 closed)
	pad           uint32   // 0x44: padding
	reserved      [56]byte // 0x48-0x7F: reserved/padding to 128B
	// commit length table starts at offset 0x80
}

// Magic returns the magic bytes
func (h *Header) Magic() [8]byte {
	return h.magic
}

// Version returns the layout version
func (h *Header) Version() uint32 {
	return atomic.LoadUint32(&h.version)
}

// Slots returns the commit length table size
func (h *Header) Slots() uint32 {
	return atomic.LoadUint32(&h.slots)
}

// Capacity returns the data area capacity
func (h *Header) Capacity() uint64 {
	return atomic.LoadUint64(&h.capacity)
}

// WriteIndex returns the monotonic write index
func (h *Header) WriteIndex() uint64 {
	return atomic.LoadUint64(&h.widx)
}

// SetWriteIndex sets the monotonic write index
func (h *Header) SetWriteIndex(idx uint64) {
	atomic.StoreUint64(&h.widx, idx)
}

// ReadIndex returns the monotonic read index
func (h *Header) ReadIndex() uint64 {
	return atomic.LoadUint64(&h.ridx)
}

// SetReadIndex sets the monotonic read index
func (h *Header) SetReadIndex(idx uint64) {
	atomic.StoreUint64(&h.ridx, idx)
}

// WriteRecords returns the number of records committed so far
func (h *Header) WriteRecords() uint64 {
	return atomic.LoadUint64(&h.wrec)
}

// SetWriteRecords publishes the committed record count
func (h *Header) SetWriteRecords(n uint64) {
	atomic.StoreUint64(&h.wrec, n)
}

// ReadRecords returns the number of records released so far
func (h *Header) ReadRecords() uint64 {
	return atomic.LoadUint64(&h.rrec)
}

// SetReadRecords publishes the released record count
func (h *Header) SetReadRecords(n uint64) {
	atomic.StoreUint64(&h.rrec, n)
}

// ReaderWaiting reports whether the reader announced it is going to sleep
func (h *Header) ReaderWaiting() bool {
	return atomic.LoadUint32(&h.readerWaiting) != 0
}

// SetReaderWaiting sets the reader waiting flag
func (h *Header) SetReaderWaiting(waiting bool) {
	atomic.StoreUint32(&h.readerWaiting, boolToUint32(waiting))
}

// WriterWaiting reports whether the writer announced it is going to sleep
func (h *Header) WriterWaiting() bool {
	return atomic.LoadUint32(&h.writerWaiting) != 0
}

// SetWriterWaiting sets the writer waiting flag
func (h *Header) SetWriterWaiting(waiting bool) {
	atomic.StoreUint32(&h.writerWaiting, boolToUint32(waiting))
}

// Closed returns the closed flag
func (h *Header) Closed() bool {
	return atomic.LoadUint32(&h.closed) != 0
}

// SetClosed sets the closed flag
func (h *Header) SetClosed(closed bool) {
	atomic.StoreUint32(&h.closed, boolToUint32(closed))
}

// Pending returns the number of records committed but not yet released
func (h *Header) Pending() uint64 {
	w := atomic.LoadUint64(&h.wrec)
	rd := atomic.LoadUint64(&h.rrec)
	return w - rd
}

// init writes a fresh header. Only the creating side calls this, before the
// memory object is handed to anyone else.
func (h *Header) init(capacity uint64, slots uint32) {
	copy(h.magic[:], Magic)
	atomic.StoreUint32(&h.version, Version)
	atomic.StoreUint32(&h.slots, slots)
	atomic.StoreUint64(&h.capacity, capacity)
	h.SetWriteIndex(0)
	h.SetReadIndex(0)
	h.SetWriteRecords(0)
	h.SetReadRecords(0)
	h.SetReaderWaiting(false)
	h.SetWriterWaiting(false)
	h.SetClosed(false)
}

func boolToUint32(b bool) uint32 {
	if b {
		return 1
	}
	return 0
}

// Layout describes where each region lives inside the memory object.
type Layout struct {
	Capacity    uint64 // data area size
	Slots       uint32 // commit length table entries
	SlotsOffset uint64 // offset of the commit length table
	DataOffset  uint64 // offset of the data area
	TotalSize   uint64 // size of the memory object
}

// CalculateLayout calculates the memory layout for a ring with the given
// capacity and commit length table size.
func CalculateLayout(capacity uint64, slots uint32) (Layout, error) {
	if capacity < MinCapacity {
		return Layout{}, fmt.Errorf("capacity %d is below minimum %d", capacity, MinCapacity)
	}
	if capacity > MaxCapacity {
		return Layout{}, fmt.Errorf("capacity %d exceeds maximum %d", capacity, uint64(MaxCapacity))
	}
	if slots == 0 {
		return Layout{}, fmt.Errorf("record slots must be positive")
	}
	l := Layout{
		Capacity:    capacity,
		Slots:       slots,
		SlotsOffset: HeaderSize,
	}
	l.DataOffset = alignTo64(l.SlotsOffset + uint64(slots)*slotSize)
	l.TotalSize = l.DataOffset + capacity
	return l, nil
}

// alignTo64 aligns a size to 64-byte boundary
func alignTo64(size uint64) uint64 {
	return (size + 63) &^ 63
}

// ValidateHeader checks a mapped header against the capacity agreed during
// the handshake and the size of the memory object.
func ValidateHeader(h *Header, capacity, size uint64) error {
	if m := h.Magic(); string(m[:]) != Magic {
		return fmt.Errorf("invalid magic bytes")
	}
	if h.Version() != Version {
		return fmt.Errorf("unsupported version %d, expected %d", h.Version(), Version)
	}
	if h.Capacity() != capacity {
		return fmt.Errorf("capacity mismatch: header %d, handshake %d", h.Capacity(), capacity)
	}
	l, err := CalculateLayout(h.Capacity(), h.Slots())
	if err != nil {
		return fmt.Errorf("layout calculation failed: %w", err)
	}
	if size < l.TotalSize {
		return fmt.Errorf("memory object too small: %d bytes, layout needs %d", size, l.TotalSize)
	}
	return nil
}
