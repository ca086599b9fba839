// Package events defines the closed set of notifications the connection
// manager and session emit toward the user-facing layer, and the Bus that
// delivers them to a single handler in order.
package events

import (
	"context"
	"sync"
)

// Event is implemented only by the types in this package.
type Event interface {
	event()
}

// ChannelReady is emitted once the key exchange completes. SafetyWords is the
// same on both peers for the same session key.
type ChannelReady struct {
	SessionID   string
	Role        string
	SafetyWords string
}

// ChannelReset is emitted when a secure or in-progress session is torn down.
type ChannelReset struct {
	SessionID string
}

// ChatReceived carries a decrypted chat message from the peer.
type ChatReceived struct {
	Username  string
	Message   string
	Timestamp string
}

// TypingChanged carries the peer's typing presence.
type TypingChanged struct {
	Username string
	IsTyping bool
}

// HandshakeError reports a failed key exchange. The session is back to idle.
type HandshakeError struct {
	Message string
	Err     error
}

// MessageError reports a lost or garbled message on an established channel.
// The channel stays up.
type MessageError struct {
	Message string
	Err     error
}

// Listening is emitted when the host is bound and waiting for a peer.
type Listening struct {
	Addr    string
	LocalIP string
	Port    int
	Code    string
}

// ExternalAddress is emitted when NAT discovery finds a public address for
// the listening port.
type ExternalAddress struct {
	Addr   string
	Method string
}

// Connected is emitted when a peer link opens.
type Connected struct {
	Remote string
}

// Disconnected is emitted when the active peer link closes.
type Disconnected struct {
	Err error
}

// ConnectFailed is emitted when dialing the host fails.
type ConnectFailed struct {
	Address string
	Err     error
}

func (ChannelReady) event()    {}
func (ChannelReset) event()    {}
func (ChatReceived) event()    {}
func (TypingChanged) event()   {}
func (HandshakeError) event()  {}
func (MessageError) event()    {}
func (Listening) event()       {}
func (ExternalAddress) event() {}
func (Connected) event()       {}
func (Disconnected) event()    {}
func (ConnectFailed) event()   {}

// Sink accepts events.
type Sink interface {
	Publish(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

// Publish calls f(ev).
func (f SinkFunc) Publish(ev Event) { f(ev) }

// Discard drops every event.
var Discard Sink = SinkFunc(func(Event) {})

// Bus queues events and hands them, in publish order, to one handler running
// on its own goroutine.
type Bus struct {
	ch     chan Event
	done   chan struct{}
	closed sync.Once
}

// NewBus returns a bus with the given queue size.
func NewBus(size int) *Bus {
	if size <= 0 {
		size = 64
	}
	return &Bus{ch: make(chan Event, size), done: make(chan struct{})}
}

// Publish enqueues ev. It blocks while the queue is full and returns without
// delivering once the bus is closed.
func (b *Bus) Publish(ev Event) {
	select {
	case <-b.done:
		return
	default:
	}
	select {
	case b.ch <- ev:
	case <-b.done:
	}
}

// Run delivers events to handler until ctx ends or Close is called. Events
// still queued at Close are delivered before Run returns.
func (b *Bus) Run(ctx context.Context, handler func(Event)) error {
	for {
		select {
		case ev := <-b.ch:
			handler(ev)
		case <-b.done:
			b.drain(handler)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (b *Bus) drain(handler func(Event)) {
	for {
		select {
		case ev := <-b.ch:
			handler(ev)
		default:
			return
		}
	}
}

// Close stops the bus.
func (b *Bus) Close() {
	b.closed.Do(func() { close(b.done) })
}
