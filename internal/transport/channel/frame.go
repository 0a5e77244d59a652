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

// Package channel frames messages over a shared-memory ring.
//
// Every committed window holds one frame. Byte 0 is the op-code and the rest of
// the window is the payload:
//
//	+------+---------------------------+
//	| op   | payload (window length-1) |
//	+------+---------------------------+
//
// OpNoOp frames pad a window that is too short for the pending payload; the
// receiver drops them. OpData frames carry one message. A Sender and a
// Receiver attached to the same ring give a one-way, in-order channel between
// two processes.
package channel

import (
	"fmt"
)

// Op is the frame op-code in byte 0 of every window.
type Op uint8

const (
	// OpNoOp marks padding. The payload bytes carry no meaning.
	OpNoOp Op = 0
	// OpData marks a message.
	OpData Op = 1
)

// frameHeaderSize is the number of bytes in front of the payload.
const frameHeaderSize = 1

func (o Op) String() string {
	switch o {
	case OpNoOp:
		return "noop"
	case OpData:
		return "data"
	default:
		return fmt.Sprintf("op(%d)", uint8(o))
	}
}

// Message is one received frame. Payload is nil for OpNoOp.
type Message struct {
	Op      Op
	Payload []byte
}

// Mode is the payload discipline of a channel.
type Mode uint8

const (
	// ModeBinary carries arbitrary bytes.
	ModeBinary Mode = iota
	// ModeText carries UTF-8 text; anything else is a protocol violation.
	ModeText
)

func (m Mode) String() string {
	switch m {
	case ModeBinary:
		return "binary"
	case ModeText:
		return "text"
	default:
		return fmt.Sprintf("mode(%d)", uint8(m))
	}
}

// ParseMode parses "binary" or "text".
func ParseMode(s string) (Mode, error) {
	switch s {
	case "binary", "":
		return ModeBinary, nil
	case "text":
		return ModeText, nil
	default:
		return 0, fmt.Errorf("unknown channel mode %q", s)
	}
}

// frameLen returns the committed length of a Data frame carrying n bytes.
func frameLen(n int) int {
	return n + frameHeaderSize
}
