//go:build unix

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

package rendezvous

import (
	"context"
	"encoding/binary"
	"fmt"
	"os"

	"github.com/markrussinovich/shmchan/internal/ipcerr"
	"github.com/markrussinovich/shmchan/internal/transport/ring"
	"go.uber.org/zap"
)

// HandshakeMode selects the wire discipline used by Offer and Accept.
type HandshakeMode uint8

const (
	// HandshakeTagged sends each step as a self-describing tagged message.
	// The receiver accepts the steps in any order.
	HandshakeTagged HandshakeMode = iota
	// HandshakePositional sends the handles with SendFDs and then the
	// capacity with Send, in that order, with nothing to tell them apart.
	HandshakePositional
)

func (m HandshakeMode) String() string {
	switch m {
	case HandshakeTagged:
		return "tagged"
	case HandshakePositional:
		return "positional"
	default:
		return fmt.Sprintf("handshake(%d)", uint8(m))
	}
}

// ParseHandshakeMode parses "tagged" or "positional".
func ParseHandshakeMode(s string) (HandshakeMode, error) {
	switch s {
	case "tagged", "":
		return HandshakeTagged, nil
	case "positional":
		return HandshakePositional, nil
	default:
		return 0, fmt.Errorf("unknown handshake mode %q", s)
	}
}

// Control message tags, byte 0 of every tagged step.
const (
	tagResourceBundle byte = 1 // + uint32 LE handle count, then the handles
	tagCapacity       byte = 2 // + uint64 LE capacity
)

const (
	bundleHandles  = 3
	bundleStepSize = 1 + 4
	capacityLen    = 8
)

// Offer sends the ring resources to the peer. The handles are duplicated
// into the other process; res stays owned by the caller.
func Offer(ctx context.Context, p *Peer, res ring.Resources, mode HandshakeMode) error {
	files := res.Files()
	for _, f := range files {
		if f == nil {
			return ipcerr.Protocolf("offer", "incomplete resource bundle")
		}
	}

	p.logger.Debug("offering ring resources",
		zap.Stringer("mode", mode),
		zap.Uint64("capacity", res.Capacity))

	switch mode {
	case HandshakePositional:
		if err := p.SendFiles(ctx, files); err != nil {
			return err
		}
		return p.Send(ctx, encodeCapacity(res.Capacity))
	case HandshakeTagged:
		if err := offerBundle(ctx, p, files); err != nil {
			return err
		}
		return offerCapacity(ctx, p, res.Capacity)
	default:
		return ipcerr.Protocolf("offer", "unknown handshake mode %d", uint8(mode))
	}
}

func offerBundle(ctx context.Context, p *Peer, files []*os.File) error {
	step := make([]byte, bundleStepSize)
	step[0] = tagResourceBundle
	binary.LittleEndian.PutUint32(step[1:], uint32(len(files)))

	return withRawFDs(files, func(fds []int) error {
		p.sendMu.Lock()
		defer p.sendMu.Unlock()
		if err := p.send(ctx, step); err != nil {
			return err
		}
		return p.sendRights(ctx, "offer", fds)
	})
}

func offerCapacity(ctx context.Context, p *Peer, capacity uint64) error {
	step := make([]byte, 1+capacityLen)
	step[0] = tagCapacity
	binary.LittleEndian.PutUint64(step[1:], capacity)
	return p.Send(ctx, step)
}

func encodeCapacity(capacity uint64) []byte {
	b := make([]byte, capacityLen)
	binary.LittleEndian.PutUint64(b, capacity)
	return b
}

// Accept receives ring resources offered by the peer. On success the caller
// owns the returned handles; on failure every handle received is closed.
func Accept(ctx context.Context, p *Peer, mode HandshakeMode) (ring.Resources, error) {
	var (
		res ring.Resources
		err error
	)
	switch mode {
	case HandshakePositional:
		res, err = acceptPositional(ctx, p)
	case HandshakeTagged:
		res, err = acceptTagged(ctx, p)
	default:
		err = ipcerr.Protocolf("accept", "unknown handshake mode %d", uint8(mode))
	}
	if err != nil {
		res.Close()
		return ring.Resources{}, err
	}

	p.logger.Debug("accepted ring resources",
		zap.Stringer("mode", mode),
		zap.Uint64("capacity", res.Capacity))
	return res, nil
}

func acceptPositional(ctx context.Context, p *Peer) (ring.Resources, error) {
	var res ring.Resources
	files, err := p.ReceiveFiles(ctx)
	if err != nil {
		return res, err
	}
	if err := bundle(&res, files); err != nil {
		return res, err
	}

	b, err := p.Receive(ctx)
	if err != nil {
		return res, err
	}
	if len(b) != capacityLen {
		return res, ipcerr.Protocolf("accept", "capacity message of %d bytes, want %d", len(b), capacityLen)
	}
	res.Capacity = binary.LittleEndian.Uint64(b)
	return res, nil
}

func acceptTagged(ctx context.Context, p *Peer) (ring.Resources, error) {
	var (
		res         ring.Resources
		gotBundle   bool
		gotCapacity bool
	)
	p.recvMu.Lock()
	defer p.recvMu.Unlock()

	for !gotBundle || !gotCapacity {
		step, err := p.receive(ctx)
		if err != nil {
			return res, err
		}
		if len(step) == 0 {
			return res, ipcerr.Protocolf("accept", "empty control message")
		}

		switch step[0] {
		case tagResourceBundle:
			if gotBundle {
				return res, ipcerr.Protocolf("accept", "duplicate resource bundle")
			}
			if len(step) != bundleStepSize {
				return res, ipcerr.Protocolf("accept", "resource bundle step of %d bytes, want %d", len(step), bundleStepSize)
			}
			n := binary.LittleEndian.Uint32(step[1:])
			if n != bundleHandles {
				return res, ipcerr.Protocolf("accept", "bundle announces %d handles, want %d", n, bundleHandles)
			}
			fds, err := p.receiveRights(ctx, "accept", int(n))
			if err != nil {
				return res, err
			}
			if err := bundle(&res, wrapFDs(fds, "rendezvous")); err != nil {
				return res, err
			}
			gotBundle = true

		case tagCapacity:
			if gotCapacity {
				return res, ipcerr.Protocolf("accept", "duplicate capacity")
			}
			if len(step) != 1+capacityLen {
				return res, ipcerr.Protocolf("accept", "capacity step of %d bytes, want %d", len(step), 1+capacityLen)
			}
			res.Capacity = binary.LittleEndian.Uint64(step[1:])
			gotCapacity = true

		default:
			return res, ipcerr.Protocolf("accept", "unknown tag %d", step[0])
		}
	}
	return res, nil
}

// bundle stores files into res in wire order. Files are kept in res even on
// error so the caller's cleanup closes them.
func bundle(res *ring.Resources, files []*os.File) error {
	if len(files) != bundleHandles {
		for _, f := range files {
			f.Close()
		}
		return ipcerr.Protocolf("accept", "received %d handles, want %d", len(files), bundleHandles)
	}
	res.Memory = files[0]
	res.NotEmpty = files[1]
	res.NotFull = files[2]
	return nil
}
