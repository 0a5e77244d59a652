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

// Package config loads shmchan settings from SHMCHAN_* environment variables.
package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
	"github.com/markrussinovich/shmchan/internal/logging"
)

// Prefix is the environment variable prefix.
const Prefix = "SHMCHAN"

// Capacity limits, mirroring the ring layout.
const (
	MinCapacity = 16
	MaxCapacity = 1<<32 - 1
)

// Config holds all shmchan configuration. The sections are embedded so their
// variables share the SHMCHAN_ prefix directly.
type Config struct {
	ChannelConfig
	LogConfig
}

// ChannelConfig holds channel and rendezvous configuration.
type ChannelConfig struct {
	Socket      string        `envconfig:"SOCKET" default:"/tmp/shmchan.sock"`
	Capacity    uint64        `envconfig:"CAPACITY" default:"50000000"`
	RecordSlots uint32        `envconfig:"RECORD_SLOTS" default:"4096"`
	Mode        string        `envconfig:"MODE" default:"binary"`
	Handshake   string        `envconfig:"HANDSHAKE" default:"tagged"`
	Timeout     time.Duration `envconfig:"TIMEOUT" default:"30s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		ChannelConfig: ChannelConfig{
			Socket:      "/tmp/shmchan.sock",
			Capacity:    50_000_000,
			RecordSlots: 4096,
			Mode:        "binary",
			Handshake:   "tagged",
			Timeout:     30 * time.Second,
		},
		LogConfig: LogConfig{
			Level: "info",
		},
	}
}

// Validate rejects values no channel could be built from.
func (c *Config) Validate() error {
	ch := c.ChannelConfig
	if ch.Socket == "" {
		return fmt.Errorf("socket path must not be empty")
	}
	if ch.Capacity < MinCapacity || ch.Capacity > MaxCapacity {
		return fmt.Errorf("capacity %d outside [%d, %d]", ch.Capacity, MinCapacity, uint64(MaxCapacity))
	}
	if ch.RecordSlots == 0 {
		return fmt.Errorf("record slots must be positive")
	}
	switch ch.Mode {
	case "binary", "text":
	default:
		return fmt.Errorf("unknown mode %q, want binary or text", ch.Mode)
	}
	switch ch.Handshake {
	case "tagged", "positional":
	default:
		return fmt.Errorf("unknown handshake %q, want tagged or positional", ch.Handshake)
	}
	if ch.Timeout < 0 {
		return fmt.Errorf("timeout must not be negative")
	}
	return nil
}

// LoggingConfig returns the logger configuration.
func (c *Config) LoggingConfig() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = c.Level
	lc.Development = c.Development
	return lc
}
