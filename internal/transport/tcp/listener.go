package tcp

import (
	"errors"
	"fmt"
	"net"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/omochice/line-relay/internal/chat"
)

// Listener is a non-blocking TCP listening socket bound to every IPv4
// interface.
type Listener struct {
	fd   int
	port uint16
}

// Listen binds a listener to port, or to an ephemeral port when port is 0.
// A port held by another socket yields chat.ErrPortBusy.
func Listen(port uint16) (*Listener, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, fmt.Errorf("%w: socket: %w", chat.ErrSystem, err)
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: setsockopt: %w", chat.ErrSystem, err)
	}
	if err := unix.Bind(fd, &unix.SockaddrInet4{Port: int(port)}); err != nil {
		unix.Close(fd)
		if errors.Is(err, unix.EADDRINUSE) {
			return nil, fmt.Errorf("%w: port %d: %w", chat.ErrPortBusy, port, err)
		}
		return nil, fmt.Errorf("%w: bind: %w", chat.ErrSystem, err)
	}
	if err := unix.Listen(fd, unix.SOMAXCONN); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("%w: listen: %w", chat.ErrSystem, err)
	}

	l := &Listener{fd: fd, port: port}
	if sa, err := unix.Getsockname(fd); err == nil {
		if in4, ok := sa.(*unix.SockaddrInet4); ok {
			l.port = uint16(in4.Port)
		}
	}
	return l, nil
}

// Accept accepts one pending connection. It returns chat.ErrWouldBlock when
// the backlog is empty.
func (l *Listener) Accept() (*Conn, error) {
	for {
		fd, sa, err := unix.Accept4(l.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
		switch {
		case err == unix.EINTR, err == unix.ECONNABORTED:
			continue
		case err == unix.EAGAIN:
			return nil, chat.ErrWouldBlock
		case err != nil:
			return nil, fmt.Errorf("%w: accept: %w", chat.ErrSystem, err)
		}
		// Lines are small; do not hold them back waiting for more.
		_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
		return newConn(fd, sockaddrString(sa)), nil
	}
}

// Fd returns the listening descriptor.
func (l *Listener) Fd() int {
	return l.fd
}

// Port returns the bound port.
func (l *Listener) Port() uint16 {
	return l.port
}

// Addr returns the listening address.
func (l *Listener) Addr() string {
	return net.JoinHostPort("0.0.0.0", strconv.Itoa(int(l.port)))
}

// Close closes the listening socket.
func (l *Listener) Close() error {
	if l.fd < 0 {
		return nil
	}
	err := unix.Close(l.fd)
	l.fd = -1
	if err != nil {
		return fmt.Errorf("failed to close listener: %w", err)
	}
	return nil
}
