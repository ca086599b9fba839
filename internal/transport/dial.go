package transport

import (
	"context"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Dial connects to a host. Failures wrap ErrConnectionRefused,
// ErrUnreachable or ErrTimeout.
func Dial(ctx context.Context, address string, port int, timeout time.Duration, log *zap.Logger) (*Link, error) {
	if log == nil {
		log = zap.NewNop()
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	u := url.URL{Scheme: "ws", Host: net.JoinHostPort(address, strconv.Itoa(port)), Path: "/"}
	dialer := websocket.Dialer{
		HandshakeTimeout: timeout,
		NetDialContext:   (&net.Dialer{Timeout: timeout}).DialContext,
		ReadBufferSize:   4096,
		WriteBufferSize:  4096,
	}

	conn, resp, err := dialer.DialContext(ctx, u.String(), nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, classifyDialError(err, resp)
	}

	log.Named("dialer").Debug("connected", zap.String("url", u.String()))
	return newLink(conn, log.Named("link")), nil
}
