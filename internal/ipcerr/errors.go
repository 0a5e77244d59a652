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

// Package ipcerr defines the error kinds surfaced by the shared-memory channel
// and its rendezvous handshake.
//
// Every failure returned by the transport packages is an *Error carrying one of
// three kinds. Callers classify failures with errors.Is against the sentinel
// values:
//
//	if errors.Is(err, ipcerr.ErrProtocol) {
//		// peer spoke the wrong protocol; abort the session
//	}
//
// The wrapped cause stays reachable, so errors.Is(err, io.EOF) or
// errors.Is(err, context.Canceled) keep working.
package ipcerr

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind uint8

const (
	// Transport is an I/O failure on the ring or the rendezvous socket.
	Transport Kind = iota + 1
	// Protocol is a malformed or out-of-contract message from the peer.
	Protocol
	// ResourceExhausted means a request can never be satisfied by the
	// transport, for example a payload larger than the ring.
	ResourceExhausted
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case Transport:
		return "transport failure"
	case Protocol:
		return "protocol violation"
	case ResourceExhausted:
		return "resource exhausted"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Sentinels for errors.Is.
var (
	ErrTransport         = &Error{Kind: Transport}
	ErrProtocol          = &Error{Kind: Protocol}
	ErrResourceExhausted = &Error{Kind: ResourceExhausted}
)

// Error is a classified failure. Op names the operation that failed.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	switch {
	case e.Op == "" && e.Err == nil:
		return e.Kind.String()
	case e.Err == nil:
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	case e.Op == "":
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	default:
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error {
	return e.Err
}

// Is reports whether target is an *Error of the same kind. A target with an Op
// or cause set only matches an identical Op.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != e.Kind {
		return false
	}
	return t.Op == "" || t.Op == e.Op
}

// New returns an *Error of kind k.
func New(k Kind, op string, err error) error {
	return &Error{Kind: k, Op: op, Err: err}
}

// Transportf wraps err as a Transport failure of op.
func Transportf(op string, err error) error {
	return &Error{Kind: Transport, Op: op, Err: err}
}

// Protocolf builds a Protocol failure of op from a format string.
func Protocolf(op, format string, args ...any) error {
	return &Error{Kind: Protocol, Op: op, Err: fmt.Errorf(format, args...)}
}

// Exhaustedf builds a ResourceExhausted failure of op from a format string.
func Exhaustedf(op, format string, args ...any) error {
	return &Error{Kind: ResourceExhausted, Op: op, Err: fmt.Errorf(format, args...)}
}

// KindOf returns the kind of the first *Error in err's chain, or 0.
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return 0
}
