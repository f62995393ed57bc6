//go:build linux

package netio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// -------------------------------------------------------------------------
// SeqPacketConn: AF_UNIX / SOCK_SEQPACKET
// -------------------------------------------------------------------------

// SeqPacketConn is one end of a SOCK_SEQPACKET socket pair. The kernel
// preserves message boundaries, so frames need no length prefix.
type SeqPacketConn struct {
	conn *net.UnixConn
	ch   Channel

	mu     sync.Mutex
	closed bool
}

// SocketPair creates a connected pair for ch. The returned conn stays in
// this process; the file is inherited by the peer and must be closed by
// the caller once the peer has been spawned.
func SocketPair(ch Channel) (*SeqPacketConn, *os.File, error) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_SEQPACKET|unix.SOCK_CLOEXEC, 0)
	if err != nil {
		return nil, nil, fmt.Errorf("socketpair %s: %w", ch, err)
	}

	local, err := fileConn(fds[0], ch)
	if err != nil {
		_ = unix.Close(fds[1])
		return nil, nil, err
	}
	return local, os.NewFile(uintptr(fds[1]), ch.String()+"-peer"), nil
}

// Inherited wraps the descriptor the parent process passed for ch.
func Inherited(ch Channel) (*SeqPacketConn, error) {
	if _, err := unix.FcntlInt(uintptr(ch.FD()), unix.F_GETFD, 0); err != nil {
		return nil, fmt.Errorf("%s fd %d: %w", ch, ch.FD(), ErrBadDescriptor)
	}
	return fileConn(ch.FD(), ch)
}

// fileConn wraps fd as a UnixConn.
func fileConn(fd int, ch Channel) (*SeqPacketConn, error) {
	f := os.NewFile(uintptr(fd), ch.String())
	if f == nil {
		return nil, fmt.Errorf("%s fd %d: %w", ch, fd, ErrBadDescriptor)
	}
	return FromFile(ch, f)
}

// FromFile wraps an open socket file as the ch end. net.FileConn
// duplicates the descriptor, so f is closed before returning.
func FromFile(ch Channel, f *os.File) (*SeqPacketConn, error) {
	defer f.Close()

	c, err := net.FileConn(f)
	if err != nil {
		return nil, fmt.Errorf("wrap %s socket: %w", ch, err)
	}
	uc, ok := c.(*net.UnixConn)
	if !ok {
		_ = c.Close()
		return nil, fmt.Errorf("wrap %s socket: %w", ch, ErrNotUnixSocket)
	}
	return &SeqPacketConn{conn: uc, ch: ch}, nil
}

// Channel returns the channel this end belongs to.
func (c *SeqPacketConn) Channel() Channel { return c.ch }

// Send writes b as one datagram.
func (c *SeqPacketConn) Send(b []byte) error {
	if c.isClosed() {
		return fmt.Errorf("send %s: %w", c.ch, ErrSocketClosed)
	}
	if _, err := c.conn.Write(b); err != nil {
		return fmt.Errorf("send %s: %w", c.ch, err)
	}
	return nil
}

// Recv reads one datagram into buf. It returns io.EOF once the peer
// closed its end, ErrTruncated when buf was too small, and the context
// cause when ctx ends first.
func (c *SeqPacketConn) Recv(ctx context.Context, buf []byte) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, context.Cause(ctx)
	}
	if c.isClosed() {
		return 0, fmt.Errorf("recv %s: %w", c.ch, ErrSocketClosed)
	}

	// A deadline in the past wakes the blocked read when ctx ends.
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Unix(1, 0))
	})
	n, _, flags, _, err := c.conn.ReadMsgUnix(buf, nil)
	if !stop() {
		_ = c.conn.SetReadDeadline(time.Time{})
	}

	switch {
	case err != nil && ctx.Err() != nil:
		return 0, context.Cause(ctx)
	case errors.Is(err, net.ErrClosed):
		return 0, fmt.Errorf("recv %s: %w", c.ch, ErrSocketClosed)
	case err != nil:
		return 0, fmt.Errorf("recv %s: %w", c.ch, err)
	case n == 0:
		return 0, io.EOF
	case flags&unix.MSG_TRUNC != 0:
		return 0, fmt.Errorf("recv %s (%d byte buffer): %w", c.ch, len(buf), ErrTruncated)
	}
	return n, nil
}

// Close closes this end. The peer sees EOF.
func (c *SeqPacketConn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	if err := c.conn.Close(); err != nil {
		return fmt.Errorf("close %s: %w", c.ch, err)
	}
	return nil
}

func (c *SeqPacketConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}
