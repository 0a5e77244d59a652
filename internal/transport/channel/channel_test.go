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

package channel

import (
	"bytes"
	"context"
	"io"
	"strings"
	"testing"
	"time"

	"github.com/markrussinovich/shmchan/internal/ipcerr"
	"github.com/markrussinovich/shmchan/internal/metrics"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

// newTestPair creates a receiver and a sender attached to the same ring, as
// the two processes would be after the handshake.
func newTestPair(t *testing.T, capacity uint64, opts ...Option) (*Sender, *Receiver) {
	t.Helper()
	rx, res, err := NewReceiver(capacity, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { rx.Close() })

	tx, err := NewSender(res.Capacity, res.Memory, res.NotEmpty, res.NotFull, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { tx.Close() })
	return tx, rx
}

func TestRoundTripSizes(t *testing.T) {
	const capacity = 256
	tx, rx := newTestPair(t, capacity)
	ctx := context.Background()

	for _, size := range []int{0, 1, 17, 100, capacity - 1} {
		want := bytes.Repeat([]byte{byte(size)}, size)
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return tx.Send(gctx, want) })

		got, err := rx.Next(ctx)
		require.NoError(t, err)
		require.NoError(t, g.Wait())
		require.Equal(t, len(want), len(got), "size %d", size)
		require.True(t, bytes.Equal(want, got), "size %d payload mismatch", size)
	}
}

func TestZeroLengthPayloadIsData(t *testing.T) {
	tx, rx := newTestPair(t, 64)
	ctx := context.Background()

	require.NoError(t, tx.Send(ctx, nil))
	msg, err := rx.ReceiveMessage(ctx)
	require.NoError(t, err)
	require.Equal(t, OpData, msg.Op)
	require.Empty(t, msg.Payload)
}

func TestSendFailsFastWhenPayloadCannotFit(t *testing.T) {
	tx, _ := newTestPair(t, 64)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	err := tx.Send(ctx, []byte(strings.Repeat("x", 1000)))
	require.ErrorIs(t, err, ipcerr.ErrResourceExhausted)

	err = tx.Send(ctx, make([]byte, 64))
	require.ErrorIs(t, err, ipcerr.ErrResourceExhausted)

	require.Equal(t, 63, tx.MaxPayload())
	require.NoError(t, tx.Send(ctx, make([]byte, 63)))
}

func TestNoOpRetryDeliversText(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	tx, rx := newTestPair(t, 1500, WithMode(ModeText), WithMetrics(m))
	ctx := context.Background()

	// Leave the write position at 701 so the tail is too short for the next frame.
	require.NoError(t, tx.Send(ctx, make([]byte, 700)))
	_, err := rx.Next(ctx)
	require.NoError(t, err)

	text := strings.Repeat("shared memory ", 72)[:1000]
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return tx.SendString(gctx, text) })

	msg, err := rx.ReceiveMessage(ctx)
	require.NoError(t, err)
	require.Equal(t, OpNoOp, msg.Op)
	require.Nil(t, msg.Payload, "padding must not leak")

	s, ok, err := rx.ReceiveString(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, text, s)
	require.NoError(t, g.Wait())

	require.Equal(t, 1.0, testutil.ToFloat64(m.FramesSent.WithLabelValues("noop")))
	require.Equal(t, 2.0, testutil.ToFloat64(m.FramesSent.WithLabelValues("data")))
	require.Equal(t, 1.0, testutil.ToFloat64(m.FramesReceived.WithLabelValues("noop")))
	require.Equal(t, 1700.0, testutil.ToFloat64(m.PayloadBytes.WithLabelValues(metrics.DirectionReceived)))
}

func TestSmallRingManyMessagesInOrder(t *testing.T) {
	tx, rx := newTestPair(t, 64, WithRecordSlots(4))
	ctx := context.Background()

	const n = 500
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		for i := 0; i < n; i++ {
			p := bytes.Repeat([]byte{byte(i)}, 1+i%50)
			if err := tx.Send(gctx, p); err != nil {
				return err
			}
		}
		return nil
	})

	for i := 0; i < n; i++ {
		got, err := rx.Next(ctx)
		require.NoError(t, err)
		require.Len(t, got, 1+i%50, "message %d", i)
		require.Equal(t, byte(i), got[0], "message %d out of order", i)
	}
	require.NoError(t, g.Wait())
}

func TestTextModeRejectsInvalidUTF8(t *testing.T) {
	rx, res, err := NewReceiver(128, WithMode(ModeText))
	require.NoError(t, err)
	t.Cleanup(func() { rx.Close() })
	tx, err := NewSender(res.Capacity, res.Memory, res.NotEmpty, res.NotFull, WithMode(ModeBinary))
	require.NoError(t, err)
	t.Cleanup(func() { tx.Close() })
	ctx := context.Background()

	require.NoError(t, tx.Send(ctx, []byte{0xff, 0xfe}))
	require.NoError(t, tx.SendString(ctx, "ok"))

	_, _, err = rx.Receive(ctx)
	require.ErrorIs(t, err, ipcerr.ErrProtocol)

	// The bad frame was consumed.
	s, ok, err := rx.ReceiveString(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "ok", s)
}

func TestTextModeSenderRejectsInvalidUTF8(t *testing.T) {
	tx, _ := newTestPair(t, 128, WithMode(ModeText))
	err := tx.Send(context.Background(), []byte{0xc3, 0x28})
	require.ErrorIs(t, err, ipcerr.ErrProtocol)
}

func TestUnknownOpIsProtocolViolation(t *testing.T) {
	tx, rx := newTestPair(t, 128)
	ctx := context.Background()

	win, err := tx.ring.AcquireWritable(ctx)
	require.NoError(t, err)
	win[0] = 7
	require.NoError(t, tx.ring.CommitWritten(3))
	require.NoError(t, tx.Send(ctx, []byte("after")))

	_, _, err = rx.Receive(ctx)
	require.ErrorIs(t, err, ipcerr.ErrProtocol)

	got, err := rx.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "after", string(got))
}

func TestReceiveViewAliasesRing(t *testing.T) {
	tx, rx := newTestPair(t, 128)
	ctx := context.Background()
	require.NoError(t, tx.Send(ctx, []byte("view")))

	var seen string
	ok, err := rx.ReceiveView(ctx, func(p []byte) error {
		seen = string(p)
		return nil
	})
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "view", seen)
}

func TestReceiverResourcesAttachAnotherSender(t *testing.T) {
	_, rx := newTestPair(t, 128)
	ctx := context.Background()

	res, err := rx.Resources()
	require.NoError(t, err)
	require.Equal(t, uint64(128), res.Capacity)
	tx2, err := NewSender(res.Capacity, res.Memory, res.NotEmpty, res.NotFull)
	require.NoError(t, err)
	defer tx2.Close()

	require.NoError(t, tx2.Send(ctx, []byte("second")))
	got, err := rx.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "second", string(got))

	require.NoError(t, rx.Close())
	_, err = rx.Resources()
	require.ErrorIs(t, err, ipcerr.ErrTransport)
}

func TestSenderCloseDrainsThenEOF(t *testing.T) {
	tx, rx := newTestPair(t, 128)
	ctx := context.Background()

	require.NoError(t, tx.Send(ctx, []byte("bye")))
	require.NoError(t, tx.Close())

	got, err := rx.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "bye", string(got))

	_, err = rx.Next(ctx)
	require.ErrorIs(t, err, io.EOF)
	require.ErrorIs(t, err, ipcerr.ErrTransport)
}

func TestReceiveHonoursContext(t *testing.T) {
	_, rx := newTestPair(t, 64)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	_, _, err := rx.Receive(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.ErrorIs(t, err, ipcerr.ErrTransport)
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("text")
	require.NoError(t, err)
	require.Equal(t, ModeText, m)
	m, err = ParseMode("binary")
	require.NoError(t, err)
	require.Equal(t, ModeBinary, m)
	_, err = ParseMode("json")
	require.Error(t, err)
}
