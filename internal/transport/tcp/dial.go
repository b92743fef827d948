package tcp

import (
	"fmt"
	"net"
	"slices"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/omochice/line-relay/internal/chat"
)

// DefaultHost is dialed when an address carries no host part.
const DefaultHost = "127.0.0.1"

// Dial starts a non-blocking connect to addr, given as "host:port".
// An empty host means the loopback interface. When inProgress is true the
// connection is only established once the socket turns writable and
// Conn.ConnectError returns nil.
//
// Resolved addresses are tried in turn only while connect fails at once.
// The first in-progress connect is returned as is, so a refusal reported
// later through ConnectError ends the attempt without trying the rest.
//
// Addresses that do not resolve yield chat.ErrNoSuchAddress; socket
// failures yield chat.ErrSystem.
func Dial(addr string) (conn *Conn, inProgress bool, err error) {
	ips, port, err := resolve(addr)
	if err != nil {
		return nil, false, err
	}

	var lastErr error
	for _, ip := range ips {
		c, pending, derr := dialIP(ip, port)
		if derr == nil {
			return c, pending, nil
		}
		lastErr = derr
	}
	return nil, false, fmt.Errorf("%w: connect %s: %w", chat.ErrSystem, addr, lastErr)
}

func resolve(addr string) ([]net.IP, int, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %w", chat.ErrNoSuchAddress, err)
	}
	if host == "" {
		host = DefaultHost
	}

	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		p, lerr := net.LookupPort("tcp", portStr)
		if lerr != nil {
			return nil, 0, fmt.Errorf("%w: port %q: %w", chat.ErrNoSuchAddress, portStr, lerr)
		}
		port = uint64(p)
	}

	if ip := net.ParseIP(host); ip != nil {
		return []net.IP{ip}, int(port), nil
	}
	ips, err := net.LookupIP(host)
	if err != nil || len(ips) == 0 {
		return nil, 0, fmt.Errorf("%w: host %q: %w", chat.ErrNoSuchAddress, host, err)
	}
	// The relay server listens on IPv4, so try those addresses first.
	slices.SortStableFunc(ips, func(a, b net.IP) int {
		return boolRank(a.To4() == nil) - boolRank(b.To4() == nil)
	})
	return ips, int(port), nil
}

func boolRank(b bool) int {
	if b {
		return 1
	}
	return 0
}

func dialIP(ip net.IP, port int) (*Conn, bool, error) {
	var (
		family int
		sa     unix.Sockaddr
	)
	if ip4 := ip.To4(); ip4 != nil {
		in4 := &unix.SockaddrInet4{Port: port}
		copy(in4.Addr[:], ip4)
		family, sa = unix.AF_INET, in4
	} else {
		in6 := &unix.SockaddrInet6{Port: port}
		copy(in6.Addr[:], ip.To16())
		family, sa = unix.AF_INET6, in6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return nil, false, err
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)

	remote := net.JoinHostPort(ip.String(), strconv.Itoa(port))
	for {
		err = unix.Connect(fd, sa)
		if err != unix.EINTR {
			break
		}
	}
	switch err {
	case nil:
		return newConn(fd, remote), false, nil
	case unix.EINPROGRESS, unix.EALREADY:
		return newConn(fd, remote), true, nil
	default:
		unix.Close(fd)
		return nil, false, err
	}
}
