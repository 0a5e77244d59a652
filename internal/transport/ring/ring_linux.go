//go:build linux

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
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"unsafe"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Ring is a single-producer single-consumer byte ring in memory shared by two
// processes. Writers fill windows and commit them as records; readers see
// exactly one committed record per readable window.
//
// One goroutine may write and one may read at the same time. A window returned
// by an acquire is valid until the matching commit; Close waits for
// outstanding windows to be committed before unmapping.
type Ring struct {
	mem      []byte  // the mmapped region (no copying)
	hdr      *Header // header at offset 0 of mem
	slotsOff uint64
	data     []byte // data area, len == capacity
	capacity uint64
	slots    uint64

	memory   *os.File
	notEmpty *os.File
	notFull  *os.File
	logger   *zap.Logger

	// mu guards the mapping. Acquire takes it shared and commit releases it,
	// so Close (exclusive) never unmaps under a live window.
	mu     sync.RWMutex
	closed atomic.Bool

	// Owned by the writing goroutine.
	writeLen int
	// Owned by the reading goroutine.
	readLen int
}

// Create creates a ring with the given data capacity: a fresh memfd and two
// eventfds. The caller owns the ring and must Close it.
func Create(capacity uint64, opts ...Option) (*Ring, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}

	layout, err := CalculateLayout(capacity, o.slots)
	if err != nil {
		return nil, fmt.Errorf("layout calculation failed: %w", err)
	}

	memory, err := createMemory(o.name, layout.TotalSize)
	if err != nil {
		return nil, err
	}
	res := Resources{Memory: memory, Capacity: capacity}

	// Ensure cleanup on error
	cleanup := func() {
		res.Close()
	}

	if res.NotEmpty, err = newSignal(o.name + "-not-empty"); err != nil {
		cleanup()
		return nil, err
	}
	if res.NotFull, err = newSignal(o.name + "-not-full"); err != nil {
		cleanup()
		return nil, err
	}

	mem, err := mapMemory(memory)
	if err != nil {
		cleanup()
		return nil, err
	}

	r := newRing(mem, layout, res, o.logger)
	r.hdr.init(capacity, layout.Slots)

	o.logger.Debug("ring created",
		zap.Uint64("capacity", capacity),
		zap.Uint32("slots", layout.Slots),
		zap.Uint64("size", layout.TotalSize))
	return r, nil
}

// Open attaches to a ring created by another process. It takes ownership of
// the handles in res, also on failure. The header must agree with
// res.Capacity, the value received during the handshake.
func Open(res Resources, opts ...Option) (*Ring, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if res.Memory == nil || res.NotEmpty == nil || res.NotFull == nil {
		res.Close()
		return nil, fmt.Errorf("%w: incomplete resource bundle", ErrInvalidHeader)
	}

	mem, err := mapMemory(res.Memory)
	if err != nil {
		res.Close()
		return nil, err
	}

	hdr := (*Header)(unsafe.Pointer(&mem[0]))
	if err := ValidateHeader(hdr, res.Capacity, uint64(len(mem))); err != nil {
		unmapMemory(mem)
		res.Close()
		return nil, fmt.Errorf("%w: %v", ErrInvalidHeader, err)
	}
	layout, err := CalculateLayout(hdr.Capacity(), hdr.Slots())
	if err != nil {
		unmapMemory(mem)
		res.Close()
		return nil, err
	}

	o.logger.Debug("ring opened",
		zap.Uint64("capacity", layout.Capacity),
		zap.Uint32("slots", layout.Slots))
	return newRing(mem, layout, res, o.logger), nil
}

func newRing(mem []byte, l Layout, res Resources, logger *zap.Logger) *Ring {
	return &Ring{
		mem:      mem,
		hdr:      (*Header)(unsafe.Pointer(&mem[0])),
		slotsOff: l.SlotsOffset,
		data:     mem[l.DataOffset : l.DataOffset+l.Capacity : l.DataOffset+l.Capacity],
		capacity: l.Capacity,
		slots:    uint64(l.Slots),
		memory:   res.Memory,
		notEmpty: res.NotEmpty,
		notFull:  res.NotFull,
		logger:   logger,
		writeLen: -1,
		readLen:  -1,
	}
}

// slot returns the commit length entry for record number rec.
func (r *Ring) slot(rec uint64) *uint32 {
	off := r.slotsOff + (rec%r.slots)*slotSize
	return (*uint32)(unsafe.Pointer(&r.mem[off]))
}

// Capacity returns the data area capacity
func (r *Ring) Capacity() uint64 {
	return r.capacity
}

// Resources returns duplicated handles for the memory object and both
// signals. The caller owns the copies.
func (r *Ring) Resources() (Resources, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed.Load() {
		return Resources{}, ErrClosed
	}

	res := Resources{Capacity: r.capacity}
	var err error
	if res.Memory, err = DupFile(r.memory); err != nil {
		return Resources{}, err
	}
	if res.NotEmpty, err = DupFile(r.notEmpty); err != nil {
		res.Close()
		return Resources{}, err
	}
	if res.NotFull, err = DupFile(r.notFull); err != nil {
		res.Close()
		return Resources{}, err
	}
	return res, nil
}

// writableWindow returns the window a writer may fill right now, if any.
//
// Only the run from the write position to the end of the data area is ever
// offered, and only when the writer is at or ahead of the reader. The gap in
// front of unread data after a wrap is never offered: a writer padding such
// gaps could chase the reader forever. Waiting instead guarantees that after
// padding the tail the next window is the whole data area.
func (r *Ring) writableWindow() ([]byte, bool) {
	h := r.hdr
	if h.Pending() >= r.slots {
		return nil, false
	}
	w := h.WriteIndex()
	rd := h.ReadIndex()
	used := w - rd
	if used >= r.capacity {
		return nil, false
	}
	wpos := w % r.capacity
	rpos := rd % r.capacity
	if used != 0 && wpos <= rpos {
		return nil, false
	}
	return r.data[wpos:r.capacity:r.capacity], true
}

// AcquireWritable blocks until a window can be written and returns it. The
// window length is decided by the ring. The caller must follow up with
// CommitWritten.
func (r *Ring) AcquireWritable(ctx context.Context) ([]byte, error) {
	if r.writeLen >= 0 {
		return nil, ErrWindowHeld
	}
	for {
		r.mu.RLock()
		if r.closed.Load() || r.hdr.Closed() {
			r.mu.RUnlock()
			return nil, ErrClosed
		}
		if win, ok := r.writableWindow(); ok {
			// Lock stays held until CommitWritten.
			r.writeLen = len(win)
			return win, nil
		}

		r.hdr.SetWriterWaiting(true)
		if _, ok := r.writableWindow(); ok || r.hdr.Closed() {
			r.hdr.SetWriterWaiting(false)
			r.mu.RUnlock()
			continue
		}
		r.mu.RUnlock()

		err := wait(ctx, r.notFull)

		r.mu.RLock()
		if !r.closed.Load() {
			r.hdr.SetWriterWaiting(false)
		}
		r.mu.RUnlock()
		if err != nil {
			if r.closed.Load() {
				return nil, ErrClosed
			}
			return nil, err
		}
	}
}

// CommitWritten publishes the first n bytes of the acquired window as one
// record. 1 <= n <= window length.
func (r *Ring) CommitWritten(n int) error {
	if r.writeLen < 0 {
		return ErrNoWindow
	}
	if n < 1 || n > r.writeLen {
		return fmt.Errorf("commit of %d bytes outside window of %d", n, r.writeLen)
	}
	defer r.mu.RUnlock()
	r.writeLen = -1

	h := r.hdr
	rec := h.WriteRecords()
	atomic.StoreUint32(r.slot(rec), uint32(n))
	h.SetWriteIndex(h.WriteIndex() + uint64(n))
	h.SetWriteRecords(rec + 1)

	if h.ReaderWaiting() {
		return notify(r.notEmpty)
	}
	return nil
}

// readableWindow returns the oldest unreleased record, if any.
func (r *Ring) readableWindow() ([]byte, bool, error) {
	h := r.hdr
	rec := h.ReadRecords()
	if h.WriteRecords() == rec {
		return nil, false, nil
	}
	n := uint64(atomic.LoadUint32(r.slot(rec)))
	rpos := h.ReadIndex() % r.capacity
	if n == 0 || rpos+n > r.capacity {
		return nil, false, fmt.Errorf("corrupt record %d: length %d at offset %d", rec, n, rpos)
	}
	return r.data[rpos : rpos+n : rpos+n], true, nil
}

// AcquireReadable blocks until a record is available and returns it. Once the
// ring is closed and drained it returns io.EOF. The caller must follow up with
// CommitRead.
func (r *Ring) AcquireReadable(ctx context.Context) ([]byte, error) {
	if r.readLen >= 0 {
		return nil, ErrWindowHeld
	}
	for {
		r.mu.RLock()
		if r.closed.Load() {
			r.mu.RUnlock()
			return nil, ErrClosed
		}
		win, ok, err := r.readableWindow()
		if err != nil {
			r.mu.RUnlock()
			return nil, err
		}
		if ok {
			// Lock stays held until CommitRead.
			r.readLen = len(win)
			return win, nil
		}
		if r.hdr.Closed() {
			r.mu.RUnlock()
			return nil, io.EOF
		}

		r.hdr.SetReaderWaiting(true)
		if r.hdr.Pending() != 0 || r.hdr.Closed() {
			r.hdr.SetReaderWaiting(false)
			r.mu.RUnlock()
			continue
		}
		r.mu.RUnlock()

		err = wait(ctx, r.notEmpty)

		r.mu.RLock()
		if !r.closed.Load() {
			r.hdr.SetReaderWaiting(false)
		}
		r.mu.RUnlock()
		if err != nil {
			if r.closed.Load() {
				return nil, ErrClosed
			}
			return nil, err
		}
	}
}

// CommitRead releases the acquired record. n must equal the window length:
// records are consumed whole.
func (r *Ring) CommitRead(n int) error {
	if r.readLen < 0 {
		return ErrNoWindow
	}
	if n != r.readLen {
		return fmt.Errorf("commit of %d bytes, record is %d", n, r.readLen)
	}
	defer r.mu.RUnlock()
	r.readLen = -1

	h := r.hdr
	h.SetReadIndex(h.ReadIndex() + uint64(n))
	h.SetReadRecords(h.ReadRecords() + 1)

	if h.WriterWaiting() {
		return notify(r.notFull)
	}
	return nil
}

// DebugState returns a snapshot of the current ring state for debugging and
// diagnostics.
func (r *Ring) DebugState() RingState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed.Load() {
		return RingState{Capacity: r.capacity, Slots: uint32(r.slots), Closed: true}
	}
	h := r.hdr
	widx := h.WriteIndex()
	ridx := h.ReadIndex()
	return RingState{
		Capacity:     r.capacity,
		Slots:        uint32(r.slots),
		Widx:         widx,
		Ridx:         ridx,
		Used:         widx - ridx,
		WriteRecords: h.WriteRecords(),
		ReadRecords:  h.ReadRecords(),
		Closed:       h.Closed(),
	}
}

// Close marks the ring closed for both processes, wakes any waiters, then
// unmaps the memory and releases this process's handles. The peer's readers
// drain what is left and then see io.EOF; its writers fail with ErrClosed.
//
// Close waits for windows still held by other goroutines to be committed.
func (r *Ring) Close() error {
	// Mark first so local waiters that wake up bail out instead of queuing
	// behind Close on the lock.
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}

	// Wake waiters first so they drop the lock, then take it exclusively.
	r.notifyBoth()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.hdr.SetClosed(true)
	err := r.notifyBoth()

	err = multierr.Append(err, unmapMemory(r.mem))
	r.mem, r.data, r.hdr = nil, nil, nil
	err = multierr.Append(err, Resources{Memory: r.memory, NotEmpty: r.notEmpty, NotFull: r.notFull}.Close())

	r.logger.Debug("ring closed", zap.Error(err))
	return err
}

func (r *Ring) notifyBoth() error {
	return multierr.Combine(notify(r.notEmpty), notify(r.notFull))
}
