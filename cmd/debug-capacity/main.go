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

// Command debug-capacity probes how a ring of a given capacity frames
// messages: which payload sizes fit, and how many NoOp frames the sender
// writes while the ring wraps.
package main

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/markrussinovich/shmchan/internal/ipcerr"
	"github.com/markrussinovich/shmchan/internal/metrics"
	"github.com/markrussinovich/shmchan/internal/transport/channel"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"
)

var (
	capacity = pflag.Uint64("capacity", 65536, "ring capacity in bytes")
	slots    = pflag.Uint32("record-slots", 4096, "frames in flight")
	chunk    = pflag.Int("chunk", 1000, "payload size for the wrap test")
	rounds   = pflag.Int("rounds", 200, "messages in the wrap test")
)

func main() {
	pflag.Parse()

	m := metrics.New(prometheus.NewRegistry())
	rx, res, err := channel.NewReceiver(*capacity, channel.WithMetrics(m), channel.WithRecordSlots(*slots))
	if err != nil {
		log.Fatalf("Failed to create receiver: %v", err)
	}
	defer rx.Close()
	tx, err := channel.NewSender(res.Capacity, res.Memory, res.NotEmpty, res.NotFull, channel.WithMetrics(m))
	if err != nil {
		log.Fatalf("Failed to attach sender: %v", err)
	}
	defer tx.Close()

	ctx := context.Background()
	st := rx.DebugState()
	fmt.Printf("=== Ring Capacity Analysis ===\n")
	fmt.Printf("Configured capacity: %d bytes\n", *capacity)
	fmt.Printf("Record slots: %d\n", st.Slots)
	fmt.Printf("Largest payload: %d bytes\n", tx.MaxPayload())

	fmt.Printf("\n=== Single Message Tests ===\n")
	sizes := []int{0, 10, 100, 1000, 10000, 32768, tx.MaxPayload(), tx.MaxPayload() + 1}
	for _, size := range sizes {
		if size < 0 {
			continue
		}
		data := make([]byte, size)
		for i := range data {
			data[i] = byte(i % 256)
		}
		if size > tx.MaxPayload() {
			// Rejected before touching the ring.
			err := tx.Send(ctx, data)
			if !errors.Is(err, ipcerr.ErrResourceExhausted) {
				log.Fatalf("Size %d bytes: expected rejection, got %v", size, err)
			}
			fmt.Printf("Size %d bytes: REJECTED (%v)\n", size, err)
			continue
		}
		// The sender may have to wait for padding to drain, so send and
		// receive concurrently.
		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return tx.Send(gctx, data) })
		got, err := rx.Next(gctx)
		if err != nil {
			log.Fatalf("Size %d bytes: receive: %v", size, err)
		}
		if err := g.Wait(); err != nil {
			log.Fatalf("Size %d bytes: send: %v", size, err)
		}
		fmt.Printf("Size %d bytes: OK (received %d)\n", size, len(got))
	}

	fmt.Printf("\n=== Wrap Test ===\n")
	noopsBefore := testutil.ToFloat64(m.FramesSent.WithLabelValues(channel.OpNoOp.String()))
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		data := make([]byte, *chunk)
		for i := 0; i < *rounds; i++ {
			if err := tx.Send(gctx, data); err != nil {
				return err
			}
		}
		return nil
	})
	for i := 0; i < *rounds; i++ {
		if _, err := rx.Next(gctx); err != nil {
			log.Fatalf("Wrap test: receive %d: %v", i, err)
		}
	}
	if err := g.Wait(); err != nil {
		log.Fatalf("Wrap test: %v", err)
	}
	noops := testutil.ToFloat64(m.FramesSent.WithLabelValues(channel.OpNoOp.String())) - noopsBefore
	st = rx.DebugState()
	fmt.Printf("Sent %d messages of %d bytes with %.0f NoOp frames\n", *rounds, *chunk, noops)
	fmt.Printf("Ring state: widx=%d ridx=%d records=%d\n", st.Widx, st.Ridx, st.WriteRecords)
}
