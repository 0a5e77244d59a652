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
	"go.uber.org/zap"
)

const (
	// maxPathLen is the usable length of sun_path on Linux.
	maxPathLen = 107

	// DefaultMaxMessageSize bounds the length prefix Receive accepts.
	DefaultMaxMessageSize = 1 << 20

	// maxHandles bounds a handle count (SCM_MAX_FD on Linux).
	maxHandles = 253
)

type options struct {
	logger         *zap.Logger
	maxMessageSize uint32
}

func defaultOptions() options {
	return options{
		logger:         zap.NewNop(),
		maxMessageSize: DefaultMaxMessageSize,
	}
}

// Option configures a Listener or Peer.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMaxMessageSize sets the largest length prefix Receive accepts. Larger
// prefixes are a protocol violation.
func WithMaxMessageSize(n uint32) Option {
	return func(o *options) {
		o.maxMessageSize = n
	}
}
