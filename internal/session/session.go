// Package session implements the handshake state machine that sits between
// the peer link and the secure channel.
//
// A session moves Idle -> AwaitingPeerKey -> Established. The joiner sends
// its public value as soon as a link is attached; the host answers with its
// own only after it has derived the session key. Every Start or Reset bumps
// an epoch, and calls carrying an older epoch are discarded, so a late frame
// or disconnect from an abandoned link can never touch the current session.
package session

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"
	"sync"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/sumanthd032/lanchat/internal/envelope"
	"github.com/sumanthd032/lanchat/internal/events"
	"github.com/sumanthd032/lanchat/internal/metrics"
	"github.com/sumanthd032/lanchat/pkg/crypto"
)

// TimestampLayout is the format of outgoing chat timestamps.
const TimestampLayout = "15:04:05"

// DefaultSafetyWords is used when Config.SafetyWords is zero.
const DefaultSafetyWords = 4

// Outbound is the sending half of a peer link.
type Outbound interface {
	Send(frame []byte) error
}

// Config holds the collaborators of a Session. Only Params is required.
type Config struct {
	Params      crypto.DomainParameters
	Clock       clock.Clock
	Rand        io.Reader
	Logger      *zap.Logger
	Events      events.Sink
	Metrics     *metrics.Metrics
	SafetyWords int
}

// Session is the single handshake and channel state of the process.
type Session struct {
	params  crypto.DomainParameters
	group   string
	clock   clock.Clock
	random  io.Reader
	log     *zap.Logger
	sink    events.Sink
	metrics *metrics.Metrics
	words   int

	mu      sync.Mutex
	epoch   uint64
	id      string
	role    Role
	state   State
	keys    *crypto.KeyPair
	peer    *big.Int
	channel *crypto.Channel
	keyID   string
	out     Outbound
	typing  bool
}

// New returns an idle session.
func New(cfg Config) (*Session, error) {
	if err := cfg.Params.Validate(); err != nil {
		return nil, err
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.Rand == nil {
		cfg.Rand = rand.Reader
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Events == nil {
		cfg.Events = events.Discard
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.SafetyWords <= 0 {
		cfg.SafetyWords = DefaultSafetyWords
	}

	return &Session{
		params:  cfg.Params,
		group:   cfg.Params.Fingerprint(),
		clock:   cfg.Clock,
		random:  cfg.Rand,
		log:     cfg.Logger.Named("session"),
		sink:    cfg.Events,
		metrics: cfg.Metrics,
		words:   cfg.SafetyWords,
	}, nil
}

// Start abandons whatever session was running and begins a new one with a
// fresh key pair. The returned epoch identifies the new session in every
// later call.
func (s *Session) Start(role Role) (uint64, error) {
	keys, err := crypto.GenerateKeyPair(s.random, s.params)
	if err != nil {
		return 0, fmt.Errorf("could not start session: %w", err)
	}

	s.mu.Lock()
	pending := s.resetLocked()
	s.epoch++
	s.id = uuid.NewString()
	s.role = role
	s.state = StateAwaitingPeerKey
	s.keys = keys
	epoch := s.epoch
	s.logger().Info("session started")
	s.mu.Unlock()

	s.publish(pending)
	return epoch, nil
}

// Attach binds the peer link for epoch. A joiner sends its public value
// right away; a host waits for the joiner's.
func (s *Session) Attach(epoch uint64, out Outbound) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if epoch != s.epoch || s.state != StateAwaitingPeerKey {
		return ErrStale
	}
	s.out = out

	if s.role != RoleJoiner {
		return nil
	}
	if err := s.sendKeyExchangeLocked(); err != nil {
		return fmt.Errorf("could not send key exchange: %w", err)
	}
	s.logger().Debug("sent public value")
	return nil
}

// Receive handles one inbound frame from the link of epoch. Events are
// published after the session lock is released.
func (s *Session) Receive(epoch uint64, frame []byte) error {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return ErrStale
	}

	var (
		pending []events.Event
		err     error
	)
	switch s.state {
	case StateEstablished:
		pending, err = s.receiveSealedLocked(frame)
	case StateAwaitingPeerKey:
		pending, err = s.receiveKeyExchangeLocked(frame)
	default:
		s.metrics.ProtocolErrors.WithLabelValues("unexpected").Inc()
		err = fmt.Errorf("%w: frame while idle", ErrUnexpectedMessage)
		s.logger().Warn("ignored frame", zap.Error(err))
	}
	s.mu.Unlock()

	s.publish(pending)
	return err
}

func (s *Session) receiveKeyExchangeLocked(frame []byte) ([]events.Event, error) {
	env, err := envelope.Decode(frame)
	if err != nil {
		s.metrics.ProtocolErrors.WithLabelValues("malformed").Inc()
		s.logger().Warn("ignored malformed frame before handshake", zap.Error(err))
		return nil, err
	}

	kx, ok := env.(envelope.KeyExchange)
	if !ok {
		s.metrics.ProtocolErrors.WithLabelValues("unexpected").Inc()
		err := fmt.Errorf("%w: %s while %s", ErrUnexpectedMessage, env.Type(), s.state)
		s.logger().Warn("ignored message before handshake", zap.Error(err))
		return nil, err
	}
	s.metrics.MessagesReceived.WithLabelValues(string(envelope.TypeKeyExchange)).Inc()

	words, err := s.handshakeLocked(kx)
	if err != nil {
		s.metrics.Handshakes.WithLabelValues(s.role.String(), "failed").Inc()
		s.logger().Warn("handshake failed", zap.Error(err))

		failed := events.HandshakeError{Message: handshakeMessage(err), Err: err}
		return append([]events.Event{failed}, s.resetLocked()...), err
	}

	s.metrics.Handshakes.WithLabelValues(s.role.String(), "ok").Inc()
	s.logger().Info("secure channel established", zap.String("key", s.keyID))
	return []events.Event{events.ChannelReady{
		SessionID:   s.id,
		Role:        s.role.String(),
		SafetyWords: words,
	}}, nil
}

// handshakeLocked derives the session key from the peer's public value and,
// for a host, sends the reply. The state only changes on success.
func (s *Session) handshakeLocked(kx envelope.KeyExchange) (string, error) {
	if kx.Group != "" && kx.Group != s.group {
		return "", fmt.Errorf("%w: domain parameter mismatch (peer %s, local %s)", ErrHandshakeFailed, kx.Group, s.group)
	}

	peer, err := crypto.DecodePublicValue(s.params, kx.Key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	secret, err := s.keys.ComputeSharedSecret(peer)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	key, err := crypto.DeriveSessionKey(secret)
	clear(secret)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}
	defer key.Zero()

	channel, err := crypto.NewChannel(key)
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrHandshakeFailed, err)
	}

	if s.role == RoleHost {
		if err := s.sendKeyExchangeLocked(); err != nil {
			channel.Close()
			return "", fmt.Errorf("%w: could not reply: %w", ErrHandshakeFailed, err)
		}
	}

	s.peer = peer
	s.channel = channel
	s.keyID = key.ID()
	s.state = StateEstablished
	return crypto.SafetyWords(key, s.words), nil
}

func (s *Session) sendKeyExchangeLocked() error {
	if s.out == nil {
		return ErrNotEstablished
	}
	frame, err := envelope.Encode(envelope.KeyExchange{Key: s.keys.EncodedPublic(), Group: s.group})
	if err != nil {
		return err
	}
	if err := s.out.Send(frame); err != nil {
		return err
	}
	s.metrics.MessagesSent.WithLabelValues(string(envelope.TypeKeyExchange)).Inc()
	return nil
}

func (s *Session) receiveSealedLocked(frame []byte) ([]events.Event, error) {
	plaintext, err := s.channel.Decrypt(frame)
	if err != nil {
		s.metrics.DecryptFailures.Inc()
		s.logger().Warn("dropped frame that failed authentication", zap.Int("size", len(frame)))
		return []events.Event{events.MessageError{
			Message: "a message from the peer could not be decrypted and was dropped",
			Err:     err,
		}}, err
	}

	env, err := envelope.Decode(plaintext)
	clear(plaintext)
	if err != nil {
		s.metrics.ProtocolErrors.WithLabelValues("malformed").Inc()
		s.logger().Warn("dropped malformed message", zap.Error(err))
		return []events.Event{events.MessageError{
			Message: "received a malformed message",
			Err:     err,
		}}, err
	}
	s.metrics.MessagesReceived.WithLabelValues(string(env.Type())).Inc()

	switch e := env.(type) {
	case envelope.Chat:
		return []events.Event{events.ChatReceived{
			Username:  e.Username,
			Message:   e.Message,
			Timestamp: e.Timestamp,
		}}, nil
	case envelope.Typing:
		return []events.Event{events.TypingChanged{
			Username: e.Username,
			IsTyping: e.IsTyping(),
		}}, nil
	default:
		s.metrics.ProtocolErrors.WithLabelValues("unexpected").Inc()
		err := fmt.Errorf("%w: %s on an established channel", ErrUnexpectedMessage, env.Type())
		s.logger().Warn("ignored message", zap.Error(err))
		return nil, err
	}
}

// SendChat encrypts and sends a chat message stamped with the local time.
// The sent envelope is returned so the caller can echo it.
func (s *Session) SendChat(username, message string) (envelope.Chat, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	chat := envelope.Chat{
		Username:  username,
		Message:   message,
		Timestamp: s.clock.Now().Format(TimestampLayout),
	}
	if err := s.sealLocked(chat); err != nil {
		return envelope.Chat{}, err
	}
	return chat, nil
}

// SetTyping sends the local typing presence when it changes. It does
// nothing while the channel is not established.
func (s *Session) SetTyping(username string, typing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.state != StateEstablished || s.typing == typing {
		return nil
	}

	status := envelope.TypingStop
	if typing {
		status = envelope.TypingStart
	}
	if err := s.sealLocked(envelope.Typing{Username: username, Status: status}); err != nil {
		return err
	}
	s.typing = typing
	return nil
}

func (s *Session) sealLocked(env envelope.Envelope) error {
	if s.state != StateEstablished {
		return ErrNotEstablished
	}

	plaintext, err := envelope.Encode(env)
	if err != nil {
		return err
	}
	frame, err := s.channel.Encrypt(plaintext)
	clear(plaintext)
	if err != nil {
		return err
	}
	if err := s.out.Send(frame); err != nil {
		return fmt.Errorf("could not send %s: %w", env.Type(), err)
	}
	s.metrics.MessagesSent.WithLabelValues(string(env.Type())).Inc()
	return nil
}

// Reset tears down the session of epoch after its link went away. It
// reports false when epoch is no longer current.
func (s *Session) Reset(epoch uint64) bool {
	s.mu.Lock()
	if epoch != s.epoch {
		s.mu.Unlock()
		return false
	}
	pending := s.resetLocked()
	s.epoch++
	s.mu.Unlock()

	s.publish(pending)
	return true
}

// ExpireHandshake gives up on the session of epoch if it is still waiting
// for the peer's key. It reports false when the handshake already finished
// or epoch is no longer current. Afterwards every call for epoch returns
// ErrStale.
func (s *Session) ExpireHandshake(epoch uint64) bool {
	s.mu.Lock()
	if epoch != s.epoch || s.state != StateAwaitingPeerKey {
		s.mu.Unlock()
		return false
	}
	s.logger().Warn("handshake expired")
	pending := s.resetLocked()
	s.epoch++
	s.mu.Unlock()

	s.publish(pending)
	return true
}

// Stop tears down whatever session is current.
func (s *Session) Stop() {
	s.mu.Lock()
	pending := s.resetLocked()
	s.epoch++
	s.mu.Unlock()

	s.publish(pending)
}

// resetLocked discards all key material and returns to Idle. It returns a
// ChannelReset event if there was anything to reset.
func (s *Session) resetLocked() []events.Event {
	if s.state == StateIdle {
		return nil
	}

	id := s.id
	s.keys.Destroy()
	s.channel.Close()
	s.keys = nil
	s.channel = nil
	s.peer = nil
	s.out = nil
	s.keyID = ""
	s.typing = false
	s.state = StateIdle

	s.logger().Info("session reset")
	return []events.Event{events.ChannelReset{SessionID: id}}
}

func (s *Session) publish(pending []events.Event) {
	for _, ev := range pending {
		s.sink.Publish(ev)
	}
}

func (s *Session) logger() *zap.Logger {
	return s.log.With(zap.String("session", s.id), zap.Stringer("role", s.role))
}

// State returns the current handshake state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Role returns the role of the current or last session.
func (s *Session) Role() Role {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.role
}

// ID returns the identifier of the current or last session.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Epoch returns the current epoch.
func (s *Session) Epoch() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.epoch
}

// KeyID returns a fingerprint of the established session key, or "" before
// the handshake completes.
func (s *Session) KeyID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.keyID
}

func handshakeMessage(err error) string {
	switch {
	case errors.Is(err, crypto.ErrInvalidPeerKey):
		return "the peer sent an invalid public key"
	default:
		return "key exchange failed: " + err.Error()
	}
}
