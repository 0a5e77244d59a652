//go:build unix

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
	"context"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"sync"
	"sync/atomic"

	"github.com/markrussinovich/shmchan/internal/ipcerr"
	"go.uber.org/zap"
)

// Listener accepts rendezvous connections on a filesystem path.
type Listener struct {
	l      *net.UnixListener
	path   string
	opts   options
	logger *zap.Logger

	state     atomic.Uint32
	closeOnce sync.Once
	closeErr  error
}

// Listen binds a SOCK_SEQPACKET listener at path. A stale socket file left at
// path is removed first. The socket file is removed again on Close.
func Listen(path string, opts ...Option) (*Listener, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := checkPath(path); err != nil {
		return nil, ipcerr.Transportf("listen", err)
	}
	if err := removeStale(path); err != nil {
		return nil, ipcerr.Transportf("listen", err)
	}

	l, err := net.ListenUnix("unixpacket", &net.UnixAddr{Name: path, Net: "unixpacket"})
	if err != nil {
		return nil, ipcerr.Transportf("listen", err)
	}
	l.SetUnlinkOnClose(true)

	ln := &Listener{
		l:      l,
		path:   path,
		opts:   o,
		logger: o.logger.With(zap.String("path", path)),
	}
	ln.state.Store(uint32(Listening))
	ln.logger.Debug("rendezvous listening")
	return ln, nil
}

// Accept waits for the next connection. It may be called repeatedly.
func (ln *Listener) Accept(ctx context.Context) (*Peer, error) {
	if ln.State() != Listening {
		return nil, ipcerr.Transportf("accept", net.ErrClosed)
	}

	var c *net.UnixConn
	err := withDeadline(ctx, ln.l.SetDeadline, func() error {
		var err error
		c, err = ln.l.AcceptUnix()
		return err
	})
	if err != nil {
		return nil, ipcerr.Transportf("accept", err)
	}
	p, err := newPeer(c, ln.path, ln.opts)
	if err != nil {
		return nil, ipcerr.Transportf("accept", err)
	}
	ln.logger.Debug("rendezvous accepted peer")
	return p, nil
}

// Path returns the bound path.
func (ln *Listener) Path() string {
	return ln.path
}

// State returns Listening until Close, then Closed.
func (ln *Listener) State() State {
	return State(ln.state.Load())
}

// Close stops listening and removes the socket file. Peers already accepted
// stay connected.
func (ln *Listener) Close() error {
	ln.closeOnce.Do(func() {
		ln.state.Store(uint32(Closed))
		if err := ln.l.Close(); err != nil {
			ln.closeErr = ipcerr.Transportf("close", err)
		}
		ln.logger.Debug("rendezvous closed")
	})
	return ln.closeErr
}

func checkPath(path string) error {
	if path == "" {
		return fmt.Errorf("empty socket path")
	}
	if len(path) > maxPathLen {
		return fmt.Errorf("socket path %q is %d bytes, the limit is %d", path, len(path), maxPathLen)
	}
	return nil
}

// removeStale deletes a leftover socket file at path. Anything that is not a
// socket is left alone and reported.
func removeStale(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	if fi.Mode()&fs.ModeSocket == 0 {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("could not remove old socket file: %w", err)
	}
	return nil
}
