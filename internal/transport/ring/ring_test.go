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
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"
)

// createTestRing creates a ring and registers cleanup with t.Cleanup.
func createTestRing(t *testing.T, capacity uint64, opts ...Option) *Ring {
	t.Helper()
	r, err := Create(capacity, opts...)
	if err != nil {
		t.Fatalf("Create(%d) failed: %v", capacity, err)
	}
	t.Cleanup(func() { r.Close() })
	return r
}

// openPeer attaches a second mapping of r, as the other process would.
func openPeer(t *testing.T, r *Ring) *Ring {
	t.Helper()
	res, err := r.Resources()
	if err != nil {
		t.Fatalf("Resources failed: %v", err)
	}
	peer, err := Open(res)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { peer.Close() })
	return peer
}

func write(t *testing.T, r *Ring, p []byte) {
	t.Helper()
	win, err := r.AcquireWritable(context.Background())
	if err != nil {
		t.Fatalf("AcquireWritable failed: %v", err)
	}
	if len(win) < len(p) {
		t.Fatalf("window of %d bytes too small for %d", len(win), len(p))
	}
	copy(win, p)
	if err := r.CommitWritten(len(p)); err != nil {
		t.Fatalf("CommitWritten(%d) failed: %v", len(p), err)
	}
}

func read(t *testing.T, r *Ring) []byte {
	t.Helper()
	win, err := r.AcquireReadable(context.Background())
	if err != nil {
		t.Fatalf("AcquireReadable failed: %v", err)
	}
	out := append([]byte(nil), win...)
	if err := r.CommitRead(len(win)); err != nil {
		t.Fatalf("CommitRead failed: %v", err)
	}
	return out
}

func TestCalculateLayout(t *testing.T) {
	tests := []struct {
		name     string
		capacity uint64
		slots    uint32
		wantErr  bool
		wantData uint64
	}{
		{name: "default slots", capacity: 4096, slots: DefaultRecordSlots, wantData: alignTo64(HeaderSize + DefaultRecordSlots*slotSize)},
		{name: "odd slot count aligns", capacity: 100, slots: 3, wantData: 192},
		{name: "minimum", capacity: MinCapacity, slots: 1, wantData: 192},
		{name: "too small", capacity: MinCapacity - 1, slots: 1, wantErr: true},
		{name: "too large", capacity: uint64(MaxCapacity) + 1, slots: 1, wantErr: true},
		{name: "no slots", capacity: 4096, slots: 0, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			l, err := CalculateLayout(tt.capacity, tt.slots)
			if tt.wantErr {
				if err == nil {
					t.Fatalf("CalculateLayout(%d, %d) succeeded, want error", tt.capacity, tt.slots)
				}
				return
			}
			if err != nil {
				t.Fatalf("CalculateLayout(%d, %d) failed: %v", tt.capacity, tt.slots, err)
			}
			if l.DataOffset != tt.wantData {
				t.Errorf("DataOffset = %d, want %d", l.DataOffset, tt.wantData)
			}
			if l.DataOffset%64 != 0 {
				t.Errorf("DataOffset %d not 64-byte aligned", l.DataOffset)
			}
			if l.TotalSize != l.DataOffset+tt.capacity {
				t.Errorf("TotalSize = %d, want %d", l.TotalSize, l.DataOffset+tt.capacity)
			}
		})
	}
}

func TestRingFirstWindowIsWholeCapacity(t *testing.T) {
	r := createTestRing(t, 1000)
	win, err := r.AcquireWritable(context.Background())
	if err != nil {
		t.Fatalf("AcquireWritable failed: %v", err)
	}
	if len(win) != 1000 {
		t.Fatalf("first window = %d bytes, want 1000", len(win))
	}
	if err := r.CommitWritten(1); err != nil {
		t.Fatalf("CommitWritten failed: %v", err)
	}
}

func TestRingRecordsAreKeptApart(t *testing.T) {
	r := createTestRing(t, 256)
	peer := openPeer(t, r)

	msgs := [][]byte{[]byte("alpha"), []byte("b"), []byte("gamma-delta")}
	for _, m := range msgs {
		write(t, r, m)
	}
	for i, want := range msgs {
		if got := read(t, peer); !bytes.Equal(got, want) {
			t.Fatalf("record %d = %q, want %q", i, got, want)
		}
	}
	st := peer.DebugState()
	if st.Used != 0 || st.WriteRecords != 3 || st.ReadRecords != 3 {
		t.Fatalf("unexpected state after drain: %+v", st)
	}
}

func TestRingTailWindowAfterWrap(t *testing.T) {
	r := createTestRing(t, 64)

	write(t, r, bytes.Repeat([]byte{1}, 40))
	read(t, r)

	// Ring is empty with the write position at 40: only the tail is offered.
	win, err := r.AcquireWritable(context.Background())
	if err != nil {
		t.Fatalf("AcquireWritable failed: %v", err)
	}
	if len(win) != 24 {
		t.Fatalf("tail window = %d bytes, want 24", len(win))
	}
	if err := r.CommitWritten(len(win)); err != nil {
		t.Fatalf("CommitWritten failed: %v", err)
	}
	if got := read(t, r); len(got) != 24 {
		t.Fatalf("padding record = %d bytes, want 24", len(got))
	}

	win, err = r.AcquireWritable(context.Background())
	if err != nil {
		t.Fatalf("AcquireWritable failed: %v", err)
	}
	if len(win) != 64 {
		t.Fatalf("window after wrap = %d bytes, want 64", len(win))
	}
	r.CommitWritten(1)
}

func TestRingCommitBounds(t *testing.T) {
	r := createTestRing(t, 64)

	if err := r.CommitWritten(1); !errors.Is(err, ErrNoWindow) {
		t.Fatalf("CommitWritten without window = %v, want ErrNoWindow", err)
	}
	if _, err := r.AcquireWritable(context.Background()); err != nil {
		t.Fatalf("AcquireWritable failed: %v", err)
	}
	if _, err := r.AcquireWritable(context.Background()); !errors.Is(err, ErrWindowHeld) {
		t.Fatalf("second AcquireWritable = %v, want ErrWindowHeld", err)
	}
	if err := r.CommitWritten(0); err == nil {
		t.Fatal("CommitWritten(0) succeeded")
	}
	if err := r.CommitWritten(65); err == nil {
		t.Fatal("CommitWritten(65) succeeded")
	}
	if err := r.CommitWritten(10); err != nil {
		t.Fatalf("CommitWritten(10) failed: %v", err)
	}

	if _, err := r.AcquireReadable(context.Background()); err != nil {
		t.Fatalf("AcquireReadable failed: %v", err)
	}
	if err := r.CommitRead(5); err == nil {
		t.Fatal("partial CommitRead succeeded")
	}
	if err := r.CommitRead(10); err != nil {
		t.Fatalf("CommitRead(10) failed: %v", err)
	}
}

func TestRingReaderBlocksUntilCommit(t *testing.T) {
	r := createTestRing(t, 128)
	peer := openPeer(t, r)

	got := make(chan []byte, 1)
	go func() {
		win, err := peer.AcquireReadable(context.Background())
		if err != nil {
			close(got)
			return
		}
		out := append([]byte(nil), win...)
		peer.CommitRead(len(win))
		got <- out
	}()

	select {
	case <-got:
		t.Fatal("reader returned before anything was committed")
	case <-time.After(50 * time.Millisecond):
	}

	write(t, r, []byte("wake"))
	select {
	case b := <-got:
		if string(b) != "wake" {
			t.Fatalf("read %q, want %q", b, "wake")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("reader was not woken")
	}
}

func TestRingWriterBlocksWhenFull(t *testing.T) {
	r := createTestRing(t, 32)
	peer := openPeer(t, r)

	write(t, r, bytes.Repeat([]byte{7}, 32))

	done := make(chan error, 1)
	go func() {
		win, err := r.AcquireWritable(context.Background())
		if err != nil {
			done <- err
			return
		}
		win[0] = 9
		done <- r.CommitWritten(1)
	}()

	select {
	case err := <-done:
		t.Fatalf("writer returned on a full ring: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	read(t, peer)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("blocked writer failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("writer was not woken")
	}
	if got := read(t, peer); !bytes.Equal(got, []byte{9}) {
		t.Fatalf("read %v, want [9]", got)
	}
}

func TestRingRecordSlotsBoundOutstandingCommits(t *testing.T) {
	r := createTestRing(t, 1024, WithRecordSlots(2))
	write(t, r, []byte("a"))
	write(t, r, []byte("b"))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	if _, err := r.AcquireWritable(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("AcquireWritable with table full = %v, want deadline exceeded", err)
	}
	read(t, r)
	write(t, r, []byte("c"))
}

func TestRingContextCancel(t *testing.T) {
	r := createTestRing(t, 64)
	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := r.AcquireReadable(ctx)
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	cancel()
	select {
	case err := <-errc:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("AcquireReadable = %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("cancel did not unblock the reader")
	}

	// A stale deadline must not break later waits.
	write(t, r, []byte("x"))
	if got := read(t, r); string(got) != "x" {
		t.Fatalf("read %q after cancel, want %q", got, "x")
	}
}

func TestRingPeerCloseDrainsThenEOF(t *testing.T) {
	r := createTestRing(t, 128)
	peer := openPeer(t, r)

	write(t, r, []byte("last"))
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if got := read(t, peer); string(got) != "last" {
		t.Fatalf("read %q, want %q", got, "last")
	}
	if _, err := peer.AcquireReadable(context.Background()); !errors.Is(err, io.EOF) {
		t.Fatalf("AcquireReadable after drain = %v, want io.EOF", err)
	}
	if _, err := peer.AcquireWritable(context.Background()); !errors.Is(err, ErrClosed) {
		t.Fatalf("AcquireWritable on closed ring = %v, want ErrClosed", err)
	}
}

func TestRingCloseWakesLocalWaiter(t *testing.T) {
	r, err := Create(64)
	if err != nil {
		t.Fatalf("Create failed: %v", err)
	}
	errc := make(chan error, 1)
	go func() {
		_, err := r.AcquireReadable(context.Background())
		errc <- err
	}()
	time.Sleep(20 * time.Millisecond)
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) && !errors.Is(err, io.EOF) {
			t.Fatalf("waiter got %v, want ErrClosed or io.EOF", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Close did not wake the waiter")
	}
	if err := r.Close(); err != nil {
		t.Fatalf("second Close = %v, want nil", err)
	}
}

func TestOpenRejectsCapacityMismatch(t *testing.T) {
	r := createTestRing(t, 128)
	res, err := r.Resources()
	if err != nil {
		t.Fatalf("Resources failed: %v", err)
	}
	res.Capacity = 256
	if _, err := Open(res); !errors.Is(err, ErrInvalidHeader) {
		t.Fatalf("Open with mismatched capacity = %v, want ErrInvalidHeader", err)
	}
}

func TestRingStress(t *testing.T) {
	r := createTestRing(t, 1000, WithRecordSlots(16))
	peer := openPeer(t, r)

	const n = 5000
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < n; i++ {
			size := 1 + i%97
			for {
				win, err := r.AcquireWritable(context.Background())
				if err != nil {
					t.Errorf("AcquireWritable: %v", err)
					return
				}
				if len(win) < size+1 {
					// Mark as filler and retry.
					win[0] = 0
					r.CommitWritten(len(win))
					continue
				}
				win[0] = 1
				for j := 1; j <= size; j++ {
					win[j] = byte(i)
				}
				r.CommitWritten(size + 1)
				break
			}
		}
	}()

	for i := 0; i < n; {
		win, err := peer.AcquireReadable(context.Background())
		if err != nil {
			t.Fatalf("AcquireReadable: %v", err)
		}
		if win[0] == 1 {
			if want := 1 + i%97; len(win)-1 != want {
				t.Fatalf("record %d is %d bytes, want %d", i, len(win)-1, want)
			}
			if win[1] != byte(i) {
				t.Fatalf("record %d carries %d", i, win[1])
			}
			i++
		}
		peer.CommitRead(len(win))
	}
	wg.Wait()
}
