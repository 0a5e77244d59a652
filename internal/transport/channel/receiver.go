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

package channel

import (
	"context"
	"unicode/utf8"

	"github.com/markrussinovich/shmchan/internal/ipcerr"
	"github.com/markrussinovich/shmchan/internal/metrics"
	"github.com/markrussinovich/shmchan/internal/transport/ring"
	"go.uber.org/zap"
)

// Receiver is the reading end of a channel. It owns the ring. It is not safe
// for concurrent use.
type Receiver struct {
	ring     *ring.Ring
	capacity uint64
	mode     Mode
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewReceiver creates a ring of the given capacity and returns the receiver
// along with duplicated handles for the sending process. The caller owns the
// returned resources and should close them once they have been handed over.
func NewReceiver(capacity uint64, opts ...Option) (*Receiver, ring.Resources, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	r, err := ring.Create(capacity, o.ringOptions("shmchan")...)
	if err != nil {
		return nil, ring.Resources{}, ringErr("create", err)
	}
	rx := &Receiver{
		ring:     r,
		capacity: capacity,
		mode:     o.mode,
		logger:   o.logger,
		metrics:  o.metrics,
	}
	res, err := rx.Resources()
	if err != nil {
		r.Close()
		return nil, ring.Resources{}, err
	}
	return rx, res, nil
}

// Capacity returns the ring capacity.
func (r *Receiver) Capacity() uint64 {
	return r.capacity
}

// Mode returns the payload discipline.
func (r *Receiver) Mode() Mode {
	return r.mode
}

// Resources returns fresh duplicates of the ring handles.
func (r *Receiver) Resources() (ring.Resources, error) {
	res, err := r.ring.Resources()
	if err != nil {
		return ring.Resources{}, ringErr("resources", err)
	}
	return res, nil
}

// DebugState returns a snapshot of the underlying ring.
func (r *Receiver) DebugState() ring.RingState {
	return r.ring.DebugState()
}

// ReceiveView blocks until a frame is readable and consumes it. For a Data
// frame fn is called with the payload, which aliases shared memory and is
// only valid until fn returns. The result reports whether the frame was Data;
// for a NoOp frame fn is not called and the caller should simply call again.
//
// The window is consumed even when fn fails or the op-code is unknown.
func (r *Receiver) ReceiveView(ctx context.Context, fn func(payload []byte) error) (bool, error) {
	win, err := r.ring.AcquireReadable(ctx)
	if err != nil {
		return false, ringErr("receive", err)
	}

	op := Op(win[0])
	payload := win[frameHeaderSize:]
	var fnErr error
	switch op {
	case OpNoOp:
	case OpData:
		if r.mode == ModeText && !utf8.Valid(payload) {
			fnErr = ipcerr.Protocolf("receive", "payload is not valid UTF-8")
		} else {
			fnErr = fn(payload)
		}
	default:
		fnErr = ipcerr.Protocolf("receive", "unknown op-code %d", uint8(op))
	}

	n := len(win)
	if err := r.ring.CommitRead(n); err != nil {
		return false, ringErr("receive", err)
	}
	if fnErr != nil {
		r.logger.Warn("frame rejected", zap.Stringer("op", op), zap.Error(fnErr))
		return false, fnErr
	}
	if op == OpData {
		r.metrics.FrameReceived(op.String(), n-frameHeaderSize)
	} else {
		r.metrics.FrameReceived(op.String(), 0)
	}
	return op == OpData, nil
}

// Receive returns a copy of the next Data frame's payload. ok is false when
// the frame was padding; the caller loops.
func (r *Receiver) Receive(ctx context.Context) (payload []byte, ok bool, err error) {
	ok, err = r.ReceiveView(ctx, func(p []byte) error {
		payload = make([]byte, len(p))
		copy(payload, p)
		return nil
	})
	return payload, ok, err
}

// ReceiveString is Receive for text payloads.
func (r *Receiver) ReceiveString(ctx context.Context) (string, bool, error) {
	var s string
	ok, err := r.ReceiveView(ctx, func(p []byte) error {
		s = string(p)
		return nil
	})
	return s, ok, err
}

// ReceiveMessage returns the next frame, NoOp frames included.
func (r *Receiver) ReceiveMessage(ctx context.Context) (Message, error) {
	p, ok, err := r.Receive(ctx)
	if err != nil {
		return Message{}, err
	}
	if !ok {
		return Message{Op: OpNoOp}, nil
	}
	return Message{Op: OpData, Payload: p}, nil
}

// Next skips padding and returns the next Data payload.
func (r *Receiver) Next(ctx context.Context) ([]byte, error) {
	for {
		p, ok, err := r.Receive(ctx)
		if err != nil || ok {
			return p, err
		}
	}
}

// Close marks the ring closed and releases this process's handles. A blocked
// Sender fails with a transport error.
func (r *Receiver) Close() error {
	return r.ring.Close()
}

// ringErr classifies a ring failure as a transport failure. The cause stays
// in the chain: io.EOF after the peer closed, or the context error.
func ringErr(op string, err error) error {
	return ipcerr.Transportf(op, err)
}
