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

// Package metrics holds the prometheus counters for channel traffic and
// handshakes. A nil *Metrics is valid and records nothing.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Directions for PayloadBytes.
const (
	DirectionSent     = "sent"
	DirectionReceived = "received"
)

// Roles and results for Handshakes.
const (
	RoleOwner     = "owner"
	RoleInitiator = "initiator"
	ResultOK      = "ok"
	ResultError   = "error"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	FramesSent     *prometheus.CounterVec
	FramesReceived *prometheus.CounterVec
	PayloadBytes   *prometheus.CounterVec
	Handshakes     *prometheus.CounterVec
}

// New registers the counters on reg. A nil reg leaves them unregistered,
// which is handy in tests.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		FramesSent: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shmchan_frames_sent_total",
				Help: "Total number of frames committed by senders",
			},
			[]string{"op"},
		),
		FramesReceived: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shmchan_frames_received_total",
				Help: "Total number of frames consumed by receivers",
			},
			[]string{"op"},
		),
		PayloadBytes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shmchan_payload_bytes_total",
				Help: "Total payload bytes carried by Data frames",
			},
			[]string{"direction"},
		),
		Handshakes: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "shmchan_handshakes_total",
				Help: "Total number of handshakes by role and result",
			},
			[]string{"role", "result"},
		),
	}
}

// FrameSent records a committed frame.
func (m *Metrics) FrameSent(op string, payload int) {
	if m == nil {
		return
	}
	m.FramesSent.WithLabelValues(op).Inc()
	if payload > 0 {
		m.PayloadBytes.WithLabelValues(DirectionSent).Add(float64(payload))
	}
}

// FrameReceived records a consumed frame.
func (m *Metrics) FrameReceived(op string, payload int) {
	if m == nil {
		return
	}
	m.FramesReceived.WithLabelValues(op).Inc()
	if payload > 0 {
		m.PayloadBytes.WithLabelValues(DirectionReceived).Add(float64(payload))
	}
}

// Handshake records a finished handshake.
func (m *Metrics) Handshake(role string, err error) {
	if m == nil {
		return
	}
	result := ResultOK
	if err != nil {
		result = ResultError
	}
	m.Handshakes.WithLabelValues(role, result).Inc()
}
