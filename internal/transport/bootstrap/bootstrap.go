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

// Package bootstrap wires a channel between two processes: the owner creates
// the ring and publishes it on a rendezvous path, the initiator connects,
// receives the resources and attaches a sender.
package bootstrap

import (
	"context"
	"errors"
	"syscall"
	"time"

	"github.com/markrussinovich/shmchan/internal/metrics"
	"github.com/markrussinovich/shmchan/internal/transport/channel"
	"github.com/markrussinovich/shmchan/internal/transport/rendezvous"
	"github.com/markrussinovich/shmchan/internal/transport/ring"
	"go.uber.org/zap"
)

// DefaultCapacity is the ring capacity used when Options leaves it zero.
const DefaultCapacity = 50_000_000

// Options configures Serve and Connect. Both sides must agree on Path, Mode
// and Handshake; Capacity and RecordSlots only matter to the owner.
type Options struct {
	// Path is the rendezvous socket path.
	Path string

	// Capacity of the ring data area in bytes.
	Capacity uint64

	// RecordSlots bounds the frames in flight.
	RecordSlots uint32

	Mode      channel.Mode
	Handshake rendezvous.HandshakeMode

	// Timeout bounds the whole bootstrap. Zero means no limit beyond ctx.
	Timeout time.Duration

	// RetryInterval is how often Connect retries while the owner is not
	// listening yet.
	RetryInterval time.Duration

	// Ready, if set, is called by Serve once the listener is bound.
	Ready func(path string)

	Logger  *zap.Logger
	Metrics *metrics.Metrics
}

// DefaultOptions returns sensible defaults for a channel at path.
func DefaultOptions(path string) Options {
	return Options{
		Path:          path,
		Capacity:      DefaultCapacity,
		RecordSlots:   ring.DefaultRecordSlots,
		Mode:          channel.ModeBinary,
		Handshake:     rendezvous.HandshakeTagged,
		Timeout:       30 * time.Second,
		RetryInterval: 10 * time.Millisecond,
	}
}

func (o *Options) normalize() {
	if o.Capacity == 0 {
		o.Capacity = DefaultCapacity
	}
	if o.RecordSlots == 0 {
		o.RecordSlots = ring.DefaultRecordSlots
	}
	if o.RetryInterval <= 0 {
		o.RetryInterval = 10 * time.Millisecond
	}
	if o.Logger == nil {
		o.Logger = zap.NewNop()
	}
}

func (o Options) channelOptions() []channel.Option {
	return []channel.Option{
		channel.WithLogger(o.Logger),
		channel.WithMetrics(o.Metrics),
		channel.WithMode(o.Mode),
		channel.WithRecordSlots(o.RecordSlots),
	}
}

func (o Options) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if o.Timeout > 0 {
		return context.WithTimeout(ctx, o.Timeout)
	}
	return context.WithCancel(ctx)
}

// Serve is the owner side. It creates the ring, listens on o.Path, accepts one
// initiator and hands it the resources. The listener and the rendezvous
// connection are closed before Serve returns; on any failure so is the ring.
func Serve(ctx context.Context, o Options) (*channel.Receiver, error) {
	o.normalize()
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	logger := o.Logger.With(zap.String("role", metrics.RoleOwner), zap.String("path", o.Path))

	rx, res, err := channel.NewReceiver(o.Capacity, o.channelOptions()...)
	if err != nil {
		return nil, err
	}
	// Only the copies handed to the initiator; rx keeps its own.
	defer res.Close()

	err = offer(ctx, o, res, logger)
	o.Metrics.Handshake(metrics.RoleOwner, err)
	if err != nil {
		logger.Warn("handshake failed", zap.Error(err))
		rx.Close()
		return nil, err
	}
	logger.Info("channel ready", zap.Uint64("capacity", o.Capacity), zap.Stringer("mode", o.Mode))
	return rx, nil
}

func offer(ctx context.Context, o Options, res ring.Resources, logger *zap.Logger) error {
	ln, err := rendezvous.Listen(o.Path, rendezvous.WithLogger(o.Logger))
	if err != nil {
		return err
	}
	defer ln.Close()
	if o.Ready != nil {
		o.Ready(ln.Path())
	}
	logger.Debug("waiting for initiator")

	p, err := ln.Accept(ctx)
	if err != nil {
		return err
	}
	defer p.Close()

	return rendezvous.Offer(ctx, p, res, o.Handshake)
}

// Connect is the initiator side. It connects to o.Path, retrying until the
// owner listens, receives the ring resources, removes the rendezvous path and
// attaches a sender. On failure every received handle is closed.
func Connect(ctx context.Context, o Options) (*channel.Sender, error) {
	o.normalize()
	ctx, cancel := o.withTimeout(ctx)
	defer cancel()
	logger := o.Logger.With(zap.String("role", metrics.RoleInitiator), zap.String("path", o.Path))

	res, err := accept(ctx, o)
	o.Metrics.Handshake(metrics.RoleInitiator, err)
	if err != nil {
		logger.Warn("handshake failed", zap.Error(err))
		return nil, err
	}

	tx, err := channel.NewSender(res.Capacity, res.Memory, res.NotEmpty, res.NotFull, o.channelOptions()...)
	if err != nil {
		logger.Warn("attach failed", zap.Error(err))
		return nil, err
	}
	logger.Info("channel ready", zap.Uint64("capacity", res.Capacity), zap.Stringer("mode", o.Mode))
	return tx, nil
}

func accept(ctx context.Context, o Options) (ring.Resources, error) {
	p, err := dial(ctx, o)
	if err != nil {
		return ring.Resources{}, err
	}
	defer p.Close()

	res, err := rendezvous.Accept(ctx, p, o.Handshake)
	if err != nil {
		return ring.Resources{}, err
	}
	if err := p.Unlink(); err != nil {
		res.Close()
		return ring.Resources{}, err
	}
	o.Logger.Debug("rendezvous address removed", zap.String("path", p.Path()))
	return res, nil
}

// dial connects to the owner, retrying while the path does not exist yet or
// nobody is accepting on it.
func dial(ctx context.Context, o Options) (*rendezvous.Peer, error) {
	ticker := time.NewTicker(o.RetryInterval)
	defer ticker.Stop()

	for {
		p, err := rendezvous.Connect(ctx, o.Path, rendezvous.WithLogger(o.Logger))
		if err == nil {
			return p, nil
		}
		if !errors.Is(err, syscall.ENOENT) && !errors.Is(err, syscall.ECONNREFUSED) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, err
		case <-ticker.C:
		}
	}
}
