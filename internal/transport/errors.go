package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"syscall"

	"github.com/gorilla/websocket"
)

var (
	// ErrConnectionRefused means the host actively refused the connection,
	// or already has a peer.
	ErrConnectionRefused = errors.New("transport: connection refused")

	// ErrUnreachable means the host could not be reached at all.
	ErrUnreachable = errors.New("transport: host unreachable")

	// ErrTimeout means the connection attempt ran out of time.
	ErrTimeout = errors.New("transport: connection timed out")

	// ErrConnectionClosed means an open link went away.
	ErrConnectionClosed = errors.New("transport: connection closed")

	// ErrSendQueueFull is returned when the peer is not draining frames.
	ErrSendQueueFull = errors.New("transport: send queue full")

	// ErrListenerClosed is returned by Accept after Close.
	ErrListenerClosed = errors.New("transport: listener closed")
)

// classifyDialError maps a failed dial onto the reportable conditions.
func classifyDialError(err error, resp *http.Response) error {
	if err == nil {
		return nil
	}

	var (
		netErr net.Error
		dnsErr *net.DNSError
	)
	switch {
	case errors.Is(err, context.Canceled):
		return err
	case resp != nil || errors.Is(err, websocket.ErrBadHandshake):
		status := ""
		if resp != nil {
			status = resp.Status
		}
		return fmt.Errorf("%w: peer rejected the handshake %s", ErrConnectionRefused, status)
	case errors.Is(err, syscall.ECONNREFUSED):
		return fmt.Errorf("%w: %w", ErrConnectionRefused, err)
	case errors.Is(err, context.DeadlineExceeded), errors.As(err, &netErr) && netErr.Timeout():
		return fmt.Errorf("%w: %w", ErrTimeout, err)
	case errors.As(err, &dnsErr),
		errors.Is(err, syscall.EHOSTUNREACH),
		errors.Is(err, syscall.ENETUNREACH):
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	default:
		return fmt.Errorf("%w: %w", ErrUnreachable, err)
	}
}

// readError maps a failed read on an open link.
func readError(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		return ErrConnectionClosed
	}
	return fmt.Errorf("%w: %w", ErrConnectionClosed, err)
}
