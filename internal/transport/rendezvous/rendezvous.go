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

// Package rendezvous is the one-shot control channel used to hand a ring's
// resources to another process.
//
// It runs over a SOCK_SEQPACKET Unix socket named by a filesystem path, so
// every send is one message on the wire. Byte payloads go as two messages, a
// 4-byte little-endian length and then the bytes. Handles go as a 4-byte
// count and then one message with the descriptors attached as SCM_RIGHTS.
// The kernel duplicates descriptors into the receiver, which owns its copies.
//
// On top of that Offer and Accept move a ring.Resources across, either in
// a fixed positional order or as self-describing tagged steps.
package rendezvous

import (
	"fmt"
)

// State is the lifecycle state of a Listener or Peer.
type State uint32

const (
	// Unbound is the zero state: nothing bound or connected yet.
	Unbound State = iota
	// Listening is a Listener bound to its path.
	Listening
	// Connected is a Peer with a live connection.
	Connected
	// Closed is terminal.
	Closed
)

func (s State) String() string {
	switch s {
	case Unbound:
		return "unbound"
	case Listening:
		return "listening"
	case Connected:
		return "connected"
	case Closed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}
