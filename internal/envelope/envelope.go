// Package envelope defines the typed messages exchanged between peers and
// their JSON wire encoding.
//
// KeyExchange envelopes travel in the clear as a whole transport frame. Chat
// and Typing envelopes are encoded and then encrypted; the ciphertext is the
// frame.
package envelope

import (
	"encoding/json"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Type is the wire type tag.
type Type string

const (
	TypeKeyExchange Type = "dh_key_exchange"
	TypeChat        Type = "chat"
	TypeTyping      Type = "typing"
)

// TypingStatus is the presence state carried by a Typing envelope.
type TypingStatus string

const (
	TypingStart TypingStatus = "start"
	TypingStop  TypingStatus = "stop"
)

const (
	// MaxUsernameLength is the longest accepted username, in characters.
	MaxUsernameLength = 64

	// MaxEncodedSize bounds a single encoded envelope.
	MaxEncodedSize = 1 << 20
)

// ErrMalformedEnvelope is returned for anything that is not a well formed
// envelope: bad JSON, a missing or unknown type tag, or a missing field.
var ErrMalformedEnvelope = errors.New("envelope: malformed envelope")

// Envelope is one of KeyExchange, Chat or Typing.
type Envelope interface {
	Type() Type
	validate() error
}

// KeyExchange carries the sender's public value. Group is the optional
// fingerprint of the sender's domain parameters.
type KeyExchange struct {
	Key   string
	Group string
}

// Chat is a text message.
type Chat struct {
	Username  string
	Message   string
	Timestamp string
}

// Typing reports whether the sender is composing a message.
type Typing struct {
	Username string
	Status   TypingStatus
}

func (KeyExchange) Type() Type { return TypeKeyExchange }
func (Chat) Type() Type        { return TypeChat }
func (Typing) Type() Type      { return TypeTyping }

// IsTyping reports whether the status is TypingStart.
func (t Typing) IsTyping() bool { return t.Status == TypingStart }

func (k KeyExchange) validate() error {
	if k.Key == "" {
		return fmt.Errorf("%w: key exchange without key", ErrMalformedEnvelope)
	}
	return nil
}

func (c Chat) validate() error {
	if err := validateUsername(c.Username); err != nil {
		return err
	}
	if !utf8.ValidString(c.Message) || !utf8.ValidString(c.Timestamp) {
		return fmt.Errorf("%w: chat text is not valid UTF-8", ErrMalformedEnvelope)
	}
	return nil
}

func (t Typing) validate() error {
	if err := validateUsername(t.Username); err != nil {
		return err
	}
	if t.Status != TypingStart && t.Status != TypingStop {
		return fmt.Errorf("%w: unknown typing status %q", ErrMalformedEnvelope, t.Status)
	}
	return nil
}

func validateUsername(name string) error {
	if !utf8.ValidString(name) {
		return fmt.Errorf("%w: username is not valid UTF-8", ErrMalformedEnvelope)
	}
	if n := utf8.RuneCountInString(name); n > MaxUsernameLength {
		return fmt.Errorf("%w: username is %d characters, limit is %d", ErrMalformedEnvelope, n, MaxUsernameLength)
	}
	return nil
}

// wire is the JSON shape shared by every envelope type. Pointers let Decode
// tell a missing field from an empty one.
type wire struct {
	Type      *Type         `json:"type"`
	Key       *string       `json:"key,omitempty"`
	Group     *string       `json:"group,omitempty"`
	Username  *string       `json:"username,omitempty"`
	Message   *string       `json:"message,omitempty"`
	Timestamp *string       `json:"timestamp,omitempty"`
	Status    *TypingStatus `json:"status,omitempty"`
}

// Encode validates env and serialises it.
func Encode(env Envelope) ([]byte, error) {
	if env == nil {
		return nil, fmt.Errorf("%w: nil envelope", ErrMalformedEnvelope)
	}
	if err := env.validate(); err != nil {
		return nil, err
	}

	typ := env.Type()
	w := wire{Type: &typ}
	switch e := env.(type) {
	case KeyExchange:
		w.Key = &e.Key
		if e.Group != "" {
			w.Group = &e.Group
		}
	case Chat:
		w.Username, w.Message, w.Timestamp = &e.Username, &e.Message, &e.Timestamp
	case Typing:
		w.Username, w.Status = &e.Username, &e.Status
	default:
		return nil, fmt.Errorf("%w: unsupported envelope %T", ErrMalformedEnvelope, env)
	}

	data, err := json.Marshal(w)
	if err != nil {
		return nil, fmt.Errorf("could not encode envelope: %w", err)
	}
	return data, nil
}

// Decode parses data and checks that the type tag and every field required
// by that type are present.
func Decode(data []byte) (Envelope, error) {
	if len(data) > MaxEncodedSize {
		return nil, fmt.Errorf("%w: %d bytes exceeds limit", ErrMalformedEnvelope, len(data))
	}

	var w wire
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	if w.Type == nil {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEnvelope)
	}

	var env Envelope
	switch *w.Type {
	case TypeKeyExchange:
		if w.Key == nil {
			return nil, missing(*w.Type, "key")
		}
		kex := KeyExchange{Key: *w.Key}
		if w.Group != nil {
			kex.Group = *w.Group
		}
		env = kex

	case TypeChat:
		switch {
		case w.Username == nil:
			return nil, missing(*w.Type, "username")
		case w.Message == nil:
			return nil, missing(*w.Type, "message")
		case w.Timestamp == nil:
			return nil, missing(*w.Type, "timestamp")
		}
		env = Chat{Username: *w.Username, Message: *w.Message, Timestamp: *w.Timestamp}

	case TypeTyping:
		switch {
		case w.Username == nil:
			return nil, missing(*w.Type, "username")
		case w.Status == nil:
			return nil, missing(*w.Type, "status")
		}
		env = Typing{Username: *w.Username, Status: *w.Status}

	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrMalformedEnvelope, *w.Type)
	}

	if err := env.validate(); err != nil {
		return nil, err
	}
	return env, nil
}

func missing(t Type, field string) error {
	return fmt.Errorf("%w: %s envelope missing %q", ErrMalformedEnvelope, t, field)
}
