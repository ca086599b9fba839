// Package transport carries discrete frames between exactly two peers over
// a WebSocket connection. The host serves a single upgrade; the joiner dials.
package transport

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// MaxFrameSize bounds a single inbound frame.
	MaxFrameSize = 2 << 20

	sendQueueSize = 64
	writeWait     = 10 * time.Second
	pongWait      = 60 * time.Second
	pingPeriod    = (pongWait * 9) / 10
)

// Link is an open connection to the peer. Frames are delivered in order on
// Frames until the link closes; Send hands a frame to the writer without
// waiting for it to go out.
type Link struct {
	conn *websocket.Conn
	log  *zap.Logger

	send   chan []byte
	frames chan []byte
	done   chan struct{}

	once sync.Once
	mu   sync.Mutex
	err  error
}

func newLink(conn *websocket.Conn, log *zap.Logger) *Link {
	l := &Link{
		conn:   conn,
		log:    log.With(zap.String("remote", conn.RemoteAddr().String())),
		send:   make(chan []byte, sendQueueSize),
		frames: make(chan []byte),
		done:   make(chan struct{}),
	}
	conn.SetReadLimit(MaxFrameSize)

	go l.readPump()
	go l.writePump()
	return l
}

// RemoteAddr is the peer's network address.
func (l *Link) RemoteAddr() string {
	return l.conn.RemoteAddr().String()
}

// Frames returns the inbound frames. The channel is closed when the link
// goes down.
func (l *Link) Frames() <-chan []byte {
	return l.frames
}

// Done is closed when the link goes down.
func (l *Link) Done() <-chan struct{} {
	return l.done
}

// Err reports why the link closed, or nil while it is open.
func (l *Link) Err() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.err
}

// Send queues a frame for transmission.
func (l *Link) Send(frame []byte) error {
	select {
	case <-l.done:
		return ErrConnectionClosed
	default:
	}

	select {
	case l.send <- frame:
		return nil
	case <-l.done:
		return ErrConnectionClosed
	default:
		return ErrSendQueueFull
	}
}

// Close tears down the link. It is safe to call more than once.
func (l *Link) Close() error {
	l.closeWith(ErrConnectionClosed)
	return nil
}

func (l *Link) closeWith(reason error) {
	l.once.Do(func() {
		l.mu.Lock()
		l.err = reason
		l.mu.Unlock()
		close(l.done)

		_ = l.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		if err := l.conn.Close(); err != nil {
			l.log.Debug("close connection", zap.Error(err))
		}
		l.log.Debug("link closed", zap.Error(reason))
	})
}

func (l *Link) readPump() {
	defer close(l.frames)

	_ = l.conn.SetReadDeadline(time.Now().Add(pongWait))
	l.conn.SetPongHandler(func(string) error {
		return l.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := l.conn.ReadMessage()
		if err != nil {
			l.closeWith(readError(err))
			return
		}
		select {
		case l.frames <- data:
		case <-l.done:
			return
		}
	}
}

func (l *Link) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case frame := <-l.send:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				l.closeWith(readError(err))
				return
			}
		case <-ticker.C:
			_ = l.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := l.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				l.closeWith(readError(err))
				return
			}
		case <-l.done:
			return
		}
	}
}
