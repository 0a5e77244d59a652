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

package ipcerr

import (
	"context"
	"errors"
	"fmt"
	"io"
	"testing"
)

func TestErrorIsMatchesKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want error
		not  []error
	}{
		{
			name: "transport",
			err:  Transportf("ring.acquire", io.EOF),
			want: ErrTransport,
			not:  []error{ErrProtocol, ErrResourceExhausted},
		},
		{
			name: "protocol",
			err:  Protocolf("peer.receive", "short prefix: %d bytes", 3),
			want: ErrProtocol,
			not:  []error{ErrTransport, ErrResourceExhausted},
		},
		{
			name: "exhausted",
			err:  Exhaustedf("sender.send", "payload %d exceeds %d", 100, 64),
			want: ErrResourceExhausted,
			not:  []error{ErrTransport, ErrProtocol},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			wrapped := fmt.Errorf("outer: %w", tc.err)
			if !errors.Is(wrapped, tc.want) {
				t.Fatalf("errors.Is(%v, %v) = false, want true", wrapped, tc.want)
			}
			for _, other := range tc.not {
				if errors.Is(wrapped, other) {
					t.Errorf("errors.Is(%v, %v) = true, want false", wrapped, other)
				}
			}
		})
	}
}

func TestErrorKeepsCause(t *testing.T) {
	err := Transportf("ring.acquire", context.DeadlineExceeded)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("cause lost: %v", err)
	}
	if got := KindOf(err); got != Transport {
		t.Fatalf("KindOf = %v, want %v", got, Transport)
	}
	if got := KindOf(io.EOF); got != 0 {
		t.Fatalf("KindOf(io.EOF) = %v, want 0", got)
	}
}

func TestErrorString(t *testing.T) {
	err := Protocolf("handshake", "unknown tag %d", 9)
	if got, want := err.Error(), "handshake: protocol violation: unknown tag 9"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
	if got, want := ErrResourceExhausted.Error(), "resource exhausted"; got != want {
		t.Fatalf("Error() = %q, want %q", got, want)
	}
}
