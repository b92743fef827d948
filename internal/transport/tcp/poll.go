package tcp

import (
	"os"
	"time"

	"golang.org/x/sys/unix"

	"github.com/omochice/line-relay/internal/chat"
)

// PollOne waits until fd is ready for the given interest or timeout elapses.
// A negative timeout waits forever. On timeout the returned Ready is not
// Active.
func PollOne(fd int, interest chat.Event, timeout time.Duration) (Ready, error) {
	pfd := []unix.PollFd{{Fd: int32(fd)}}
	if interest&chat.EventInput != 0 {
		pfd[0].Events |= unix.POLLIN
	}
	if interest&chat.EventOutput != 0 {
		pfd[0].Events |= unix.POLLOUT
	}

	start := time.Now()
	msec := timeoutMillis(timeout)
	for {
		n, err := unix.Poll(pfd, msec)
		if err == unix.EINTR {
			if timeout >= 0 {
				remaining := timeout - time.Since(start)
				if remaining <= 0 {
					return Ready{}, nil
				}
				msec = timeoutMillis(remaining)
			}
			continue
		}
		if err != nil {
			return Ready{}, os.NewSyscallError("poll", err)
		}
		if n == 0 {
			return Ready{}, nil
		}
		re := pfd[0].Revents
		return Ready{
			Readable: re&unix.POLLIN != 0,
			Writable: re&unix.POLLOUT != 0,
			Hangup:   re&unix.POLLHUP != 0,
			Err:      re&(unix.POLLERR|unix.POLLNVAL) != 0,
		}, nil
	}
}
