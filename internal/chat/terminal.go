// Package chat is the line-oriented terminal front end: it prints events
// and turns typed lines into chat messages.
package chat

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/sumanthd032/lanchat/internal/envelope"
	"github.com/sumanthd032/lanchat/internal/events"
)

// QuitCommand ends the chat.
const QuitCommand = "/quit"

// ErrQuit is returned by Run when the user typed QuitCommand.
var ErrQuit = errors.New("chat: user quit")

// Sender is the outgoing half of the connection manager. The terminal never
// reports typing presence: it only sees finished lines.
type Sender interface {
	SendChat(message string) (envelope.Chat, error)
}

// Terminal renders events to out and reads messages from in.
type Terminal struct {
	in     io.Reader
	out    io.Writer
	sender Sender
	log    *zap.Logger

	mu    sync.Mutex
	ready atomic.Bool
}

// NewTerminal returns a terminal bound to sender.
func NewTerminal(in io.Reader, out io.Writer, sender Sender, log *zap.Logger) *Terminal {
	if log == nil {
		log = zap.NewNop()
	}
	return &Terminal{in: in, out: out, sender: sender, log: log.Named("chat")}
}

func (t *Terminal) printf(format string, args ...any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	fmt.Fprintf(t.out, format, args...)
}

// HandleEvent prints one event. It is meant to be the bus handler.
func (t *Terminal) HandleEvent(ev events.Event) {
	switch e := ev.(type) {
	case events.Listening:
		t.printf("Hosting on %s\n", e.Addr)
		if e.Code != "" {
			t.printf("Invite code: %s (lanchat join --code %s)\n", e.Code, e.Code)
		}
		t.printf("Waiting for peer to connect...\n")
	case events.ExternalAddress:
		t.printf("Reachable from outside the LAN at %s (%s)\n", e.Addr, e.Method)
	case events.Connected:
		t.printf("Connected to %s, exchanging keys...\n", e.Remote)
	case events.ChannelReady:
		t.ready.Store(true)
		t.printf("--------------------------------------------------\n")
		t.printf("Secure channel established.\n")
		t.printf("Compare these words with your peer:\n")
		t.printf("\n    🔒 %s\n\n", e.SafetyWords)
		t.printf("--------------------------------------------------\n")
		t.printf("Type a message and press Enter, %s to leave.\n", QuitCommand)
	case events.ChannelReset:
		if t.ready.Swap(false) {
			t.printf("Secure channel closed.\n")
		}
	case events.ChatReceived:
		t.printf("[%s] %s: %s\n", e.Timestamp, e.Username, e.Message)
	case events.TypingChanged:
		if e.IsTyping {
			t.printf("* %s is typing...\n", e.Username)
		}
	case events.HandshakeError:
		t.printf("Handshake failed: %s\n", e.Message)
	case events.MessageError:
		t.printf("! %s\n", e.Message)
	case events.Disconnected:
		t.printf("Peer disconnected.\n")
	case events.ConnectFailed:
		t.printf("Could not connect to %s: %v\n", e.Address, e.Err)
	default:
		t.log.Debug("unhandled event", zap.String("type", fmt.Sprintf("%T", ev)))
	}
}

// Run reads lines until the input ends, the user quits or ctx is done.
func (t *Terminal) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	lines := make(chan string)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(t.in)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				select {
				case err := <-scanErr:
					if err != nil {
						return fmt.Errorf("could not read input: %w", err)
					}
				default:
				}
				return nil
			}
			if err := t.handleLine(line); err != nil {
				return err
			}
		}
	}
}

func (t *Terminal) handleLine(line string) error {
	text := strings.TrimSpace(line)
	switch {
	case text == "":
		return nil
	case strings.EqualFold(text, QuitCommand):
		return ErrQuit
	case !t.ready.Load():
		t.printf("Secure channel not ready yet, message not sent.\n")
		return nil
	}

	sent, err := t.sender.SendChat(text)
	if err != nil {
		t.printf("Could not send message: %v\n", err)
		return nil
	}
	t.printf("[%s] %s: %s\n", sent.Timestamp, sent.Username, sent.Message)
	return nil
}
