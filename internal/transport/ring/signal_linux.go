//go:build linux

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
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// newSignal creates a non-blocking eventfd. Non-blocking matters: os.NewFile
// registers such descriptors with the runtime poller, so a wait parks the
// goroutine instead of an OS thread and honours read deadlines. The flag lives
// on the open file description, so copies received over SCM_RIGHTS are
// non-blocking too.
func newSignal(name string) (*os.File, error) {
	fd, err := unix.Eventfd(0, unix.EFD_CLOEXEC|unix.EFD_NONBLOCK)
	if err != nil {
		return nil, fmt.Errorf("eventfd %s: %w", name, err)
	}
	return os.NewFile(uintptr(fd), name), nil
}

// notify adds one to the signal counter, waking a waiter if any.
func notify(f *os.File) error {
	var b [8]byte
	binary.NativeEndian.PutUint64(b[:], 1)
	if _, err := f.Write(b[:]); err != nil {
		return fmt.Errorf("signal %s: %w", f.Name(), err)
	}
	return nil
}

// wait blocks until the signal counter is non-zero, then resets it.
//
// The caller must have published its waiting flag and re-checked its
// condition before calling; a notify that lands in between leaves the counter
// non-zero and wait returns at once. Spurious returns are possible, so always
// re-check the condition afterwards.
func wait(ctx context.Context, f *os.File) error {
	// Only ctx moves the deadline, so a timeout always comes with ctx.Err set.
	if err := f.SetReadDeadline(time.Time{}); err != nil && !errors.Is(err, os.ErrNoDeadline) {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		f.SetReadDeadline(time.Now())
	})
	defer stop()

	var b [8]byte
	_, err := f.Read(b[:])
	if err == nil {
		return nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if errors.Is(err, os.ErrDeadlineExceeded) {
		// Left over from an earlier context; treat as a spurious wake.
		return nil
	}
	return fmt.Errorf("wait %s: %w", f.Name(), err)
}
