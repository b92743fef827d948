package tcp

import (
	"math"
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/omochice/line-relay/internal/chat"
)

// Ready is one readiness report.
type Ready struct {
	Token    uint64
	Readable bool
	Writable bool
	Hangup   bool
	Err      bool
}

// Active reports whether anything fired.
func (r Ready) Active() bool {
	return r.Readable || r.Writable || r.Hangup || r.Err
}

// Poller is a level-triggered epoll instance. Each registered descriptor
// carries a caller-chosen token that comes back with its readiness reports.
// It is not safe for concurrent use.
type Poller struct {
	fd     int
	events []unix.EpollEvent
	ready  []Ready
}

// NewPoller creates an epoll instance.
func NewPoller() (*Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	return &Poller{fd: fd}, nil
}

// Fd returns the epoll descriptor. It can itself be polled for readability.
func (p *Poller) Fd() int {
	return p.fd
}

// Add registers fd with the given interest.
func (p *Poller) Add(fd int, token uint64, interest chat.Event) error {
	ev := epollEvent(token, interest)
	return os.NewSyscallError("epoll_ctl", unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev))
}

// Modify replaces the interest of a registered fd.
func (p *Poller) Modify(fd int, token uint64, interest chat.Event) error {
	ev := epollEvent(token, interest)
	return os.NewSyscallError("epoll_ctl", unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev))
}

// Remove unregisters fd.
func (p *Poller) Remove(fd int) error {
	var ev unix.EpollEvent
	return os.NewSyscallError("epoll_ctl", unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, &ev))
}

// Wait blocks until at least one registered descriptor is ready or timeout
// elapses, and returns at most capacity reports. A negative timeout waits
// forever. An interrupted wait resumes with the remaining time. The returned
// slice is reused by the next call.
func (p *Poller) Wait(timeout time.Duration, capacity int) ([]Ready, error) {
	if capacity < 1 {
		capacity = 1
	}
	if cap(p.events) < capacity {
		p.events = make([]unix.EpollEvent, capacity)
	}
	events := p.events[:capacity]

	start := time.Now()
	msec := timeoutMillis(timeout)
	for {
		n, err := unix.EpollWait(p.fd, events, msec)
		if err == unix.EINTR {
			if timeout >= 0 {
				remaining := timeout - time.Since(start)
				if remaining <= 0 {
					return nil, nil
				}
				msec = timeoutMillis(remaining)
			}
			continue
		}
		if err != nil {
			return nil, os.NewSyscallError("epoll_wait", err)
		}

		p.ready = p.ready[:0]
		for _, ev := range events[:n] {
			p.ready = append(p.ready, Ready{
				Token:    uint64(uint32(ev.Fd)) | uint64(uint32(ev.Pad))<<32,
				Readable: ev.Events&unix.EPOLLIN != 0,
				Writable: ev.Events&unix.EPOLLOUT != 0,
				Hangup:   ev.Events&(unix.EPOLLHUP|unix.EPOLLRDHUP) != 0,
				Err:      ev.Events&unix.EPOLLERR != 0,
			})
		}
		return p.ready, nil
	}
}

// Close closes the epoll instance. Registered descriptors stay open.
func (p *Poller) Close() error {
	if p.fd < 0 {
		return nil
	}
	err := unix.Close(p.fd)
	p.fd = -1
	return os.NewSyscallError("close", err)
}

func epollEvent(token uint64, interest chat.Event) unix.EpollEvent {
	var mask uint32 = unix.EPOLLRDHUP
	if interest&chat.EventInput != 0 {
		mask |= unix.EPOLLIN
	}
	if interest&chat.EventOutput != 0 {
		mask |= unix.EPOLLOUT
	}
	return unix.EpollEvent{
		Events: mask,
		Fd:     int32(uint32(token)),
		Pad:    int32(uint32(token >> 32)),
	}
}

// timeoutMillis converts d to a poll timeout, rounding up so a short
// positive timeout never turns into a non-blocking check.
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	ms := (d + time.Millisecond - 1) / time.Millisecond
	if ms > math.MaxInt32 {
		return math.MaxInt32
	}
	return int(ms)
}
