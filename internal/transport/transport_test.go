package transport

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"syscall"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func listen(t *testing.T) *Listener {
	t.Helper()
	l, err := Listen("127.0.0.1:0", zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func connectPair(t *testing.T) (host, joiner *Link) {
	t.Helper()
	l := listen(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	joiner, err := Dial(ctx, "127.0.0.1", l.Port(), 5*time.Second, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { joiner.Close() })

	host, err = l.Accept(ctx)
	require.NoError(t, err)
	t.Cleanup(func() { host.Close() })
	return host, joiner
}

func recv(t *testing.T, l *Link) []byte {
	t.Helper()
	select {
	case frame, ok := <-l.Frames():
		require.True(t, ok, "link closed")
		return frame
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for frame")
		return nil
	}
}

func TestFramesFlowBothWays(t *testing.T) {
	host, joiner := connectPair(t)

	require.NoError(t, joiner.Send([]byte("first")))
	require.NoError(t, joiner.Send([]byte("second")))
	assert.Equal(t, []byte("first"), recv(t, host))
	assert.Equal(t, []byte("second"), recv(t, host))

	require.NoError(t, host.Send([]byte{0x00, 0xff}))
	assert.Equal(t, []byte{0x00, 0xff}, recv(t, joiner))
}

func TestCloseIsSeenByPeer(t *testing.T) {
	host, joiner := connectPair(t)

	require.NoError(t, joiner.Close())

	select {
	case _, ok := <-host.Frames():
		assert.False(t, ok)
	case <-time.After(5 * time.Second):
		t.Fatal("host did not notice the disconnect")
	}
	assert.ErrorIs(t, host.Err(), ErrConnectionClosed)
	assert.ErrorIs(t, joiner.Send([]byte("late")), ErrConnectionClosed)
	assert.NoError(t, joiner.Close())
}

func TestSecondPeerIsRejected(t *testing.T) {
	l := listen(t)
	ctx := context.Background()

	first, err := Dial(ctx, "127.0.0.1", l.Port(), 5*time.Second, zap.NewNop())
	require.NoError(t, err)
	defer first.Close()

	_, err = Dial(ctx, "127.0.0.1", l.Port(), 5*time.Second, zap.NewNop())
	assert.ErrorIs(t, err, ErrConnectionRefused)
}

func TestDialRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	_, err = Dial(context.Background(), "127.0.0.1", port, 2*time.Second, zap.NewNop())
	assert.ErrorIs(t, err, ErrConnectionRefused)
}

func TestAcceptHonoursContextAndClose(t *testing.T) {
	l := listen(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := l.Accept(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	require.NoError(t, l.Close())
	_, err = l.Accept(context.Background())
	assert.ErrorIs(t, err, ErrListenerClosed)
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func TestClassifyDialError(t *testing.T) {
	connect := func(errno syscall.Errno) error {
		return &net.OpError{Op: "dial", Net: "tcp", Err: os.NewSyscallError("connect", errno)}
	}

	tests := []struct {
		name string
		err  error
		resp *http.Response
		want error
	}{
		{"refused", connect(syscall.ECONNREFUSED), nil, ErrConnectionRefused},
		{"host unreachable", connect(syscall.EHOSTUNREACH), nil, ErrUnreachable},
		{"network unreachable", connect(syscall.ENETUNREACH), nil, ErrUnreachable},
		{"dns", &net.OpError{Op: "dial", Err: &net.DNSError{Err: "no such host", Name: "nowhere"}}, nil, ErrUnreachable},
		{"deadline", context.DeadlineExceeded, nil, ErrTimeout},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutError{}}, nil, ErrTimeout},
		{"bad handshake", websocket.ErrBadHandshake, &http.Response{Status: "409 Conflict"}, ErrConnectionRefused},
		{"other", errors.New("boom"), nil, ErrUnreachable},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.ErrorIs(t, classifyDialError(tt.err, tt.resp), tt.want)
		})
	}

	assert.ErrorIs(t, classifyDialError(context.Canceled, nil), context.Canceled)
	assert.NoError(t, classifyDialError(nil, nil))
}
