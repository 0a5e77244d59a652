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
	"errors"
	"os"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

var (
	// ErrClosed indicates the ring was closed locally or by the peer.
	ErrClosed = errors.New("ring closed")

	// ErrUnsupported is returned on platforms without memfd/eventfd.
	ErrUnsupported = errors.New("shared memory ring not supported on this platform")

	// ErrNoWindow is returned by a commit without a matching acquire.
	ErrNoWindow = errors.New("no window acquired")

	// ErrWindowHeld is returned by an acquire while a window is outstanding.
	ErrWindowHeld = errors.New("window already acquired")

	// ErrInvalidHeader is returned by Open when the shared header does not
	// describe the ring the caller expects.
	ErrInvalidHeader = errors.New("invalid ring header")
)

// Resources is the bundle needed to attach to a ring from another process:
// the shared memory object, the two readiness signals and the capacity.
type Resources struct {
	Memory   *os.File // memfd holding header, commit table and data
	NotEmpty *os.File // eventfd signalled by the writer
	NotFull  *os.File // eventfd signalled by the reader
	Capacity uint64
}

// Files returns the handles in wire order: memory, not-empty, not-full.
func (r Resources) Files() []*os.File {
	return []*os.File{r.Memory, r.NotEmpty, r.NotFull}
}

// Close releases this process's copies of the handles.
func (r Resources) Close() error {
	var err error
	for _, f := range r.Files() {
		if f != nil {
			err = multierr.Append(err, f.Close())
		}
	}
	return err
}

type options struct {
	slots  uint32
	name   string
	logger *zap.Logger
}

func defaultOptions() options {
	return options{
		slots:  DefaultRecordSlots,
		name:   "shmchan",
		logger: zap.NewNop(),
	}
}

// Option configures Create and Open.
type Option func(*options)

// WithRecordSlots sets how many committed windows may be outstanding. Only
// meaningful for Create; Open reads the value from the shared header.
func WithRecordSlots(n uint32) Option {
	return func(o *options) {
		o.slots = n
	}
}

// WithName sets the memfd name, visible in /proc/<pid>/fd for debugging.
func WithName(name string) Option {
	return func(o *options) {
		o.name = name
	}
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// RingState represents a snapshot of ring state for debugging and diagnostics
type RingState struct {
	Capacity     uint64 // Data area capacity in bytes
	Slots        uint32 // Commit length table size
	Widx         uint64 // Monotonic write index
	Ridx         uint64 // Monotonic read index
	Used         uint64 // Bytes committed but not released
	WriteRecords uint64 // Records committed
	ReadRecords  uint64 // Records released
	Closed       bool
}
