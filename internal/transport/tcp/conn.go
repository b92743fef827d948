// Package tcp provides non-blocking TCP sockets and the readiness
// multiplexers the relay event loops are built on.
package tcp

import (
	"errors"
	"io"
	"net"
	"os"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/omochice/line-relay/internal/chat"
)

// Conn is a non-blocking TCP socket. It implements chat.Transport.
type Conn struct {
	fd     int
	remote string
	closed bool
}

func newConn(fd int, remote string) *Conn {
	return &Conn{fd: fd, remote: remote}
}

// Compile-time check that Conn implements chat.Transport
var _ chat.Transport = (*Conn)(nil)

// Read implements chat.Transport.
func (c *Conn) Read(p []byte) (int, error) {
	for {
		n, err := unix.Read(c.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, chat.ErrWouldBlock
		case err != nil:
			return 0, os.NewSyscallError("read", err)
		case n == 0 && len(p) > 0:
			return 0, io.EOF
		}
		return n, nil
	}
}

// Write implements chat.Transport.
func (c *Conn) Write(p []byte) (int, error) {
	for {
		n, err := unix.Write(c.fd, p)
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return 0, chat.ErrWouldBlock
		case err != nil:
			return 0, os.NewSyscallError("write", err)
		}
		return n, nil
	}
}

// ConnectError reports the outcome of a non-blocking connect once the
// socket has turned writable. It returns nil when the connection is up.
func (c *Conn) ConnectError() error {
	v, err := unix.GetsockoptInt(c.fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		return os.NewSyscallError("getsockopt", err)
	}
	if v != 0 {
		return os.NewSyscallError("connect", unix.Errno(v))
	}
	return nil
}

// Close implements chat.Transport. Closing twice is a no-op.
func (c *Conn) Close() error {
	if c.closed {
		return nil
	}
	c.closed = true
	return os.NewSyscallError("close", unix.Close(c.fd))
}

// Fd implements chat.Transport.
func (c *Conn) Fd() int {
	return c.fd
}

// RemoteAddr implements chat.Transport.
func (c *Conn) RemoteAddr() string {
	return c.remote
}

func sockaddrString(sa unix.Sockaddr) string {
	switch a := sa.(type) {
	case *unix.SockaddrInet4:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	case *unix.SockaddrInet6:
		return net.JoinHostPort(net.IP(a.Addr[:]).String(), strconv.Itoa(a.Port))
	default:
		return ""
	}
}

// IsReset reports whether err means the peer dropped the connection
// abruptly. Such errors end a connection like EOF does.
func IsReset(err error) bool {
	return errors.Is(err, unix.ECONNRESET) || errors.Is(err, unix.EPIPE)
}
