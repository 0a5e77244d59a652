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
	"errors"
	"os"
	"unicode/utf8"

	"github.com/markrussinovich/shmchan/internal/ipcerr"
	"github.com/markrussinovich/shmchan/internal/metrics"
	"github.com/markrussinovich/shmchan/internal/transport/ring"
	"go.uber.org/zap"
)

// Sender is the writing end of a channel. It is not safe for concurrent use.
type Sender struct {
	ring     *ring.Ring
	capacity uint64
	mode     Mode
	logger   *zap.Logger
	metrics  *metrics.Metrics
}

// NewSender attaches to a ring created by a Receiver, usually in another
// process. It takes ownership of the three handles, also on failure.
func NewSender(capacity uint64, memory, notEmpty, notFull *os.File, opts ...Option) (*Sender, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	r, err := ring.Open(ring.Resources{
		Memory:   memory,
		NotEmpty: notEmpty,
		NotFull:  notFull,
		Capacity: capacity,
	}, o.ringOptions("shmchan-sender")...)
	if errors.Is(err, ring.ErrInvalidHeader) {
		return nil, ipcerr.New(ipcerr.Protocol, "attach", err)
	}
	if err != nil {
		return nil, ringErr("attach", err)
	}
	return &Sender{
		ring:     r,
		capacity: capacity,
		mode:     o.mode,
		logger:   o.logger,
		metrics:  o.metrics,
	}, nil
}

// Capacity returns the ring capacity agreed with the receiver.
func (s *Sender) Capacity() uint64 {
	return s.capacity
}

// MaxPayload returns the largest payload Send accepts.
func (s *Sender) MaxPayload() int {
	return int(s.capacity) - frameHeaderSize
}

// Send delivers payload as one message, blocking while the ring is full.
//
// Windows too short for the frame are filled with a NoOp frame and Send
// retries. A payload that could not fit even an empty ring fails at once with
// a ResourceExhausted error.
func (s *Sender) Send(ctx context.Context, payload []byte) error {
	if uint64(frameLen(len(payload))) > s.capacity {
		return ipcerr.Exhaustedf("send", "payload of %d bytes exceeds channel capacity %d", len(payload), s.capacity)
	}
	if s.mode == ModeText && !utf8.Valid(payload) {
		return ipcerr.Protocolf("send", "payload is not valid UTF-8")
	}

	need := frameLen(len(payload))
	for {
		win, err := s.ring.AcquireWritable(ctx)
		if err != nil {
			return ringErr("send", err)
		}

		if len(win) < need {
			win[0] = byte(OpNoOp)
			clear(win[frameHeaderSize:])
			if err := s.ring.CommitWritten(len(win)); err != nil {
				return ringErr("send", err)
			}
			s.metrics.FrameSent(OpNoOp.String(), 0)
			s.logger.Debug("window too short, padded",
				zap.Int("window", len(win)),
				zap.Int("need", need))
			continue
		}

		win[0] = byte(OpData)
		copy(win[frameHeaderSize:], payload)
		if err := s.ring.CommitWritten(need); err != nil {
			return ringErr("send", err)
		}
		s.metrics.FrameSent(OpData.String(), len(payload))
		return nil
	}
}

// SendString delivers s as one message.
func (s *Sender) SendString(ctx context.Context, str string) error {
	return s.Send(ctx, []byte(str))
}

// Close detaches from the ring. The receiver drains what was sent and then
// sees io.EOF.
func (s *Sender) Close() error {
	return s.ring.Close()
}
