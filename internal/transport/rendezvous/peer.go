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
	"encoding/binary"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/markrussinovich/shmchan/internal/ipcerr"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// Peer is one end of a rendezvous connection.
//
// A send and a receive may run concurrently. Concurrent sends are serialized
// so the two messages of one logical send never interleave with another, and
// the same holds for receives.
type Peer struct {
	conn   *net.UnixConn
	raw    syscall.RawConn
	path   string
	opts   options
	logger *zap.Logger

	sendMu sync.Mutex
	recvMu sync.Mutex

	state     atomic.Uint32
	closeOnce sync.Once
	closeErr  error
}

func newPeer(conn *net.UnixConn, path string, o options) (*Peer, error) {
	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, err
	}
	p := &Peer{
		conn:   conn,
		raw:    raw,
		path:   path,
		opts:   o,
		logger: o.logger.With(zap.String("path", path)),
	}
	p.state.Store(uint32(Connected))
	return p, nil
}

// Connect dials the listener published at path.
func Connect(ctx context.Context, path string, opts ...Option) (*Peer, error) {
	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := checkPath(path); err != nil {
		return nil, ipcerr.Transportf("connect", err)
	}

	var d net.Dialer
	c, err := d.DialContext(ctx, "unixpacket", path)
	if err != nil {
		return nil, ipcerr.Transportf("connect", err)
	}
	p, err := newPeer(c.(*net.UnixConn), path, o)
	if err != nil {
		return nil, ipcerr.Transportf("connect", err)
	}
	o.logger.Debug("connected to rendezvous", zap.String("path", path))
	return p, nil
}

// State returns the current lifecycle state.
func (p *Peer) State() State {
	return State(p.state.Load())
}

// Path returns the rendezvous address this peer was connected through.
func (p *Peer) Path() string {
	return p.path
}

// Send sends b as one logical message: its 4-byte little-endian length, then
// the bytes.
func (p *Peer) Send(ctx context.Context, b []byte) error {
	p.sendMu.Lock()
	defer p.sendMu.Unlock()
	return p.send(ctx, b)
}

func (p *Peer) send(ctx context.Context, b []byte) error {
	if uint64(len(b)) > uint64(^uint32(0)) {
		return ipcerr.Exhaustedf("send", "message of %d bytes too large", len(b))
	}
	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(b)))
	if err := p.writeMsg(ctx, "send", prefix[:], nil); err != nil {
		return err
	}
	return p.writeMsg(ctx, "send", b, nil)
}

// Receive reads one logical message sent with Send.
func (p *Peer) Receive(ctx context.Context) ([]byte, error) {
	p.recvMu.Lock()
	defer p.recvMu.Unlock()
	return p.receive(ctx)
}

func (p *Peer) receive(ctx context.Context) ([]byte, error) {
	n, err := p.readPrefix(ctx, "receive")
	if err != nil {
		return nil, err
	}
	if n > p.opts.maxMessageSize {
		return nil, ipcerr.Protocolf("receive", "length prefix %d exceeds limit %d", n, p.opts.maxMessageSize)
	}

	buf := make([]byte, max(n, 1))
	got, _, err := p.readMsg(ctx, "receive", buf, nil)
	if err != nil {
		return nil, err
	}
	if got == 0 && n != 0 {
		return nil, ipcerr.Transportf("receive", errPeerClosed)
	}
	if got != int(n) {
		return nil, ipcerr.Protocolf("receive", "message of %d bytes, prefix announced %d", got, n)
	}
	return buf[:n], nil
}

// SendFDs sends a 4-byte count and then the descriptors as SCM_RIGHTS. The
// receiver gets its own duplicates; fds stay owned by the caller.
func (p *Peer) SendFDs(ctx context.Context, fds []int) error {
	if len(fds) > maxHandles {
		return ipcerr.Exhaustedf("send fds", "%d handles exceed the limit of %d", len(fds), maxHandles)
	}
	p.sendMu.Lock()
	defer p.sendMu.Unlock()

	var prefix [4]byte
	binary.LittleEndian.PutUint32(prefix[:], uint32(len(fds)))
	if err := p.writeMsg(ctx, "send fds", prefix[:], nil); err != nil {
		return err
	}
	return p.sendRights(ctx, "send fds", fds)
}

// ReceiveFDs reads a descriptor list sent with SendFDs. The caller owns the
// returned descriptors.
func (p *Peer) ReceiveFDs(ctx context.Context) ([]int, error) {
	p.recvMu.Lock()
	defer p.recvMu.Unlock()

	n, err := p.readPrefix(ctx, "receive fds")
	if err != nil {
		return nil, err
	}
	if n > maxHandles {
		return nil, ipcerr.Protocolf("receive fds", "handle count %d exceeds the limit of %d", n, maxHandles)
	}
	return p.receiveRights(ctx, "receive fds", int(n))
}

// SendFiles is SendFDs for *os.File handles. The files stay open and owned by
// the caller.
func (p *Peer) SendFiles(ctx context.Context, files []*os.File) error {
	return withRawFDs(files, func(fds []int) error {
		return p.SendFDs(ctx, fds)
	})
}

// ReceiveFiles is ReceiveFDs wrapping each descriptor in an *os.File.
func (p *Peer) ReceiveFiles(ctx context.Context) ([]*os.File, error) {
	fds, err := p.ReceiveFDs(ctx)
	if err != nil {
		return nil, err
	}
	return wrapFDs(fds, "rendezvous"), nil
}

// sendRights sends a one-byte message carrying fds. Caller holds sendMu.
func (p *Peer) sendRights(ctx context.Context, op string, fds []int) error {
	var oob []byte
	if len(fds) > 0 {
		oob = unix.UnixRights(fds...)
	}
	return p.writeMsg(ctx, op, []byte{0}, oob)
}

// receiveRights reads the message carrying exactly want descriptors. Caller
// holds recvMu. On any error every descriptor received is closed.
func (p *Peer) receiveRights(ctx context.Context, op string, want int) ([]int, error) {
	var oob []byte
	if want > 0 {
		oob = make([]byte, unix.CmsgSpace(want*4))
	}
	var b [1]byte
	got, oobn, err := p.readMsg(ctx, op, b[:], oob)
	if err != nil {
		// Close whatever arrived with a truncated message.
		closeFDs(parseRights(oob[:oobn]))
		return nil, err
	}

	fds := parseRights(oob[:oobn])
	if got == 0 && len(fds) == 0 {
		return nil, ipcerr.Transportf(op, errPeerClosed)
	}
	if len(fds) != want {
		closeFDs(fds)
		return nil, ipcerr.Protocolf(op, "received %d handles, count announced %d", len(fds), want)
	}
	return fds, nil
}

func (p *Peer) readPrefix(ctx context.Context, op string) (uint32, error) {
	var b [4]byte
	n, _, err := p.readMsg(ctx, op, b[:], nil)
	if err != nil {
		return 0, err
	}
	if n != len(b) {
		if n == 0 {
			return 0, ipcerr.Transportf(op, errPeerClosed)
		}
		return 0, ipcerr.Protocolf(op, "malformed length prefix of %d bytes", n)
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

var errPeerClosed = errors.New("peer closed the connection")

// writeMsg sends one message. Failures are transport failures.
func (p *Peer) writeMsg(ctx context.Context, op string, b, oob []byte) error {
	err := withDeadline(ctx, p.conn.SetWriteDeadline, func() error {
		var opErr error
		err := p.raw.Write(func(fd uintptr) bool {
			_, opErr = unix.SendmsgN(int(fd), b, oob, nil, unix.MSG_NOSIGNAL)
			return opErr != unix.EAGAIN
		})
		return multierr.Append(err, opErr)
	})
	if err != nil {
		p.logger.Warn("rendezvous write failed", zap.String("op", op), zap.Error(err))
		return ipcerr.Transportf(op, err)
	}
	return nil
}

// readMsg reads one message. A truncated payload or control block is a
// protocol violation. recvmsg is called directly because the net package
// reports a zero-length message as io.EOF on packet sockets.
func (p *Peer) readMsg(ctx context.Context, op string, b, oob []byte) (n, oobn int, err error) {
	var flags int
	err = withDeadline(ctx, p.conn.SetReadDeadline, func() error {
		var opErr error
		err := p.raw.Read(func(fd uintptr) bool {
			n, oobn, flags, _, opErr = unix.Recvmsg(int(fd), b, oob, unix.MSG_CMSG_CLOEXEC)
			return opErr != unix.EAGAIN
		})
		return multierr.Append(err, opErr)
	})
	if err != nil {
		p.logger.Warn("rendezvous read failed", zap.String("op", op), zap.Error(err))
		return 0, 0, ipcerr.Transportf(op, err)
	}
	if flags&unix.MSG_TRUNC != 0 {
		return n, oobn, ipcerr.Protocolf(op, "message truncated at %d bytes", n)
	}
	if flags&unix.MSG_CTRUNC != 0 {
		return n, oobn, ipcerr.Protocolf(op, "control data truncated")
	}
	return n, oobn, nil
}

// Unlink removes the rendezvous address so nobody else can connect. A path
// that is already gone is not an error.
func (p *Peer) Unlink() error {
	if err := os.Remove(p.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return ipcerr.Transportf("unlink", err)
	}
	return nil
}

// Close closes the connection. It is safe to call more than once.
func (p *Peer) Close() error {
	p.closeOnce.Do(func() {
		p.state.Store(uint32(Closed))
		if err := p.conn.Close(); err != nil {
			p.closeErr = ipcerr.Transportf("close", err)
		}
	})
	return p.closeErr
}

// withDeadline runs fn so that ctx ending unblocks it: the connection deadline
// is cleared and then moved into the past once ctx is done.
func withDeadline(ctx context.Context, set func(time.Time) error, fn func() error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := set(time.Time{}); err != nil {
		return err
	}
	stop := context.AfterFunc(ctx, func() {
		set(time.Unix(1, 0))
	})
	defer stop()

	err := fn()
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
	}
	return err
}

func parseRights(oob []byte) []int {
	if len(oob) == 0 {
		return nil
	}
	msgs, err := unix.ParseSocketControlMessage(oob)
	if err != nil {
		return nil
	}
	var fds []int
	for _, m := range msgs {
		rights, err := unix.ParseUnixRights(&m)
		if err != nil {
			continue
		}
		fds = append(fds, rights...)
	}
	return fds
}

func closeFDs(fds []int) {
	for _, fd := range fds {
		unix.Close(fd)
	}
}

func wrapFDs(fds []int, name string) []*os.File {
	files := make([]*os.File, len(fds))
	for i, fd := range fds {
		files[i] = os.NewFile(uintptr(fd), fmt.Sprintf("%s-%d", name, i))
	}
	return files
}

// withRawFDs runs fn with the descriptors behind files. Each descriptor is
// only borrowed for the duration of fn.
func withRawFDs(files []*os.File, fn func([]int) error) error {
	fds := make([]int, 0, len(files))
	var conns []syscall.RawConn
	for _, f := range files {
		if f == nil {
			return ipcerr.Protocolf("send files", "nil file")
		}
		rc, err := f.SyscallConn()
		if err != nil {
			return ipcerr.Transportf("send files", err)
		}
		conns = append(conns, rc)
	}
	return controlAll(conns, fds, fn)
}

// controlAll nests Control calls so every descriptor stays valid while fn
// runs.
func controlAll(conns []syscall.RawConn, fds []int, fn func([]int) error) error {
	if len(conns) == 0 {
		return fn(fds)
	}
	var fnErr error
	err := conns[0].Control(func(fd uintptr) {
		fnErr = controlAll(conns[1:], append(fds, int(fd)), fn)
	})
	return multierr.Append(ipcerrOrNil(err), fnErr)
}

func ipcerrOrNil(err error) error {
	if err == nil {
		return nil
	}
	return ipcerr.Transportf("send files", err)
}
