package transport

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// Listener accepts exactly one peer. Later upgrade attempts are answered
// with 409 Conflict.
type Listener struct {
	ln       net.Listener
	srv      *http.Server
	upgrader websocket.Upgrader
	log      *zap.Logger

	accepted chan *Link
	done     chan struct{}
	taken    atomic.Bool
	once     sync.Once
}

// Listen binds addr (host:port, port 0 for any) and starts serving.
func Listen(addr string, log *zap.Logger) (*Listener, error) {
	if log == nil {
		log = zap.NewNop()
	}

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("could not start listener: %w", err)
	}

	l := &Listener{
		ln: ln,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Peers are not browsers; there is no origin to check.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		log:      log.Named("listener"),
		accepted: make(chan *Link, 1),
		done:     make(chan struct{}),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/", l.handleUpgrade)
	l.srv = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		// This will block until the server is closed.
		if err := l.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			l.log.Warn("listener stopped", zap.Error(err))
		}
	}()

	l.log.Debug("listening", zap.Stringer("addr", ln.Addr()))
	return l, nil
}

// Addr is the bound address.
func (l *Listener) Addr() net.Addr {
	return l.ln.Addr()
}

// Port is the bound TCP port.
func (l *Listener) Port() int {
	if tcp, ok := l.ln.Addr().(*net.TCPAddr); ok {
		return tcp.Port
	}
	return 0
}

func (l *Listener) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !l.taken.CompareAndSwap(false, true) {
		l.log.Info("rejected extra peer", zap.String("remote", r.RemoteAddr))
		http.Error(w, "peer already connected", http.StatusConflict)
		return
	}

	conn, err := l.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already replied with an HTTP error.
		l.log.Info("websocket upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		l.taken.Store(false)
		return
	}

	link := newLink(conn, l.log)
	select {
	case <-l.done:
		link.Close()
	case l.accepted <- link:
	}
}

// Accept waits for the single peer.
func (l *Listener) Accept(ctx context.Context) (*Link, error) {
	select {
	case link := <-l.accepted:
		return link, nil
	case <-l.done:
		return nil, ErrListenerClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops accepting. An accepted link is not affected.
func (l *Listener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.srv.Close()

		select {
		case link := <-l.accepted:
			link.Close()
		default:
		}
	})
	return err
}
