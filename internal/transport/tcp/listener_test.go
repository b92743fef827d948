package tcp_test

import (
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/omochice/line-relay/internal/chat"
	"github.com/omochice/line-relay/internal/transport/tcp"
)

func TestListen_EphemeralPort(t *testing.T) {
	l, err := tcp.Listen(0)
	require.NoError(t, err)
	defer l.Close()

	assert.NotZero(t, l.Port())
	assert.Equal(t, fmt.Sprintf("0.0.0.0:%d", l.Port()), l.Addr())
}

func TestListen_PortBusy(t *testing.T) {
	first, err := tcp.Listen(0)
	require.NoError(t, err)
	defer first.Close()

	_, err = tcp.Listen(first.Port())
	assert.ErrorIs(t, err, chat.ErrPortBusy)
}

func TestListener_AcceptWouldBlock(t *testing.T) {
	l, err := tcp.Listen(0)
	require.NoError(t, err)
	defer l.Close()

	_, err = l.Accept()
	assert.ErrorIs(t, err, chat.ErrWouldBlock)
}

func TestListener_Accept(t *testing.T) {
	l, err := tcp.Listen(0)
	require.NoError(t, err)
	defer l.Close()

	conn, err := net.Dial("tcp", fmt.Sprintf("127.0.0.1:%d", l.Port()))
	require.NoError(t, err)
	defer conn.Close()

	r, err := tcp.PollOne(l.Fd(), chat.EventInput, 2*time.Second)
	require.NoError(t, err)
	require.True(t, r.Readable)

	accepted, err := l.Accept()
	require.NoError(t, err)
	defer accepted.Close()
	assert.Equal(t, conn.LocalAddr().String(), accepted.RemoteAddr())
}

func TestListener_CloseReleasesPort(t *testing.T) {
	l, err := tcp.Listen(0)
	require.NoError(t, err)
	port := l.Port()
	require.NoError(t, l.Close())
	require.NoError(t, l.Close())

	again, err := tcp.Listen(port)
	require.NoError(t, err)
	again.Close()
}

func TestDial(t *testing.T) {
	l, err := tcp.Listen(0)
	require.NoError(t, err)
	defer l.Close()

	tests := []struct {
		name string
		addr string
	}{
		{name: "ipv4 literal", addr: fmt.Sprintf("127.0.0.1:%d", l.Port())},
		{name: "empty host means loopback", addr: fmt.Sprintf(":%d", l.Port())},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			conn, _, err := tcp.Dial(tt.addr)
			require.NoError(t, err)
			defer conn.Close()

			r, err := tcp.PollOne(conn.Fd(), chat.EventOutput, 2*time.Second)
			require.NoError(t, err)
			require.True(t, r.Writable)
			assert.NoError(t, conn.ConnectError())
		})
	}
}

func TestDial_Errors(t *testing.T) {
	tests := []struct {
		name string
		addr string
		want error
	}{
		{name: "missing port", addr: "127.0.0.1", want: chat.ErrNoSuchAddress},
		{name: "unknown service", addr: "127.0.0.1:no-such-service-xyz", want: chat.ErrNoSuchAddress},
		{name: "unresolvable host", addr: "no-such-host.invalid:80", want: chat.ErrNoSuchAddress},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := tcp.Dial(tt.addr)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestDial_Refused(t *testing.T) {
	l, err := tcp.Listen(0)
	require.NoError(t, err)
	port := l.Port()
	require.NoError(t, l.Close())

	conn, inProgress, err := tcp.Dial(fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		assert.ErrorIs(t, err, chat.ErrSystem)
		return
	}
	defer conn.Close()
	require.True(t, inProgress)

	_, err = tcp.PollOne(conn.Fd(), chat.EventOutput, 2*time.Second)
	require.NoError(t, err)
	assert.Error(t, conn.ConnectError())
}
