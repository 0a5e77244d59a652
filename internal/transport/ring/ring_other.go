//go:build !linux

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

package ring

import (
	"context"
	"os"
)

// Ring is not supported on this platform.
type Ring struct{}

// Create is not supported on this platform.
func Create(capacity uint64, opts ...Option) (*Ring, error) {
	return nil, ErrUnsupported
}

// Open is not supported on this platform.
func Open(res Resources, opts ...Option) (*Ring, error) {
	res.Close()
	return nil, ErrUnsupported
}

// DupFile is not supported on this platform.
func DupFile(f *os.File) (*os.File, error) {
	return nil, ErrUnsupported
}

func (r *Ring) Capacity() uint64                                    { return 0 }
func (r *Ring) Resources() (Resources, error)                       { return Resources{}, ErrUnsupported }
func (r *Ring) AcquireWritable(ctx context.Context) ([]byte, error) { return nil, ErrUnsupported }
func (r *Ring) CommitWritten(n int) error                           { return ErrUnsupported }
func (r *Ring) AcquireReadable(ctx context.Context) ([]byte, error) { return nil, ErrUnsupported }
func (r *Ring) CommitRead(n int) error                              { return ErrUnsupported }
func (r *Ring) DebugState() RingState                               { return RingState{} }
func (r *Ring) Close() error                                        { return nil }
