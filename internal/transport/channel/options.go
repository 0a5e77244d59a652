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
	"github.com/markrussinovich/shmchan/internal/metrics"
	"github.com/markrussinovich/shmchan/internal/transport/ring"
	"go.uber.org/zap"
)

type options struct {
	logger  *zap.Logger
	metrics *metrics.Metrics
	mode    Mode
	slots   uint32
}

func defaultOptions() options {
	return options{
		logger: zap.NewNop(),
		mode:   ModeBinary,
		slots:  ring.DefaultRecordSlots,
	}
}

func (o options) ringOptions(name string) []ring.Option {
	return []ring.Option{
		ring.WithLogger(o.logger),
		ring.WithRecordSlots(o.slots),
		ring.WithName(name),
	}
}

// Option configures a Sender or Receiver.
type Option func(*options)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) {
		if l != nil {
			o.logger = l
		}
	}
}

// WithMetrics records frame counters on m.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// WithMode sets the payload discipline. Both ends must agree.
func WithMode(m Mode) Option {
	return func(o *options) {
		o.mode = m
	}
}

// WithRecordSlots sets how many frames may be in flight. Only the receiver,
// which creates the ring, uses it.
func WithRecordSlots(n uint32) Option {
	return func(o *options) {
		o.slots = n
	}
}
