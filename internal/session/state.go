package session

import "errors"

var (
	// ErrHandshakeFailed wraps every reason a key exchange can fail:
	// a bad peer value, a parameter mismatch or a derivation error.
	ErrHandshakeFailed = errors.New("session: handshake failed")

	// ErrUnexpectedMessage is returned for an envelope that is not valid in
	// the current state. It is noise, not a fault.
	ErrUnexpectedMessage = errors.New("session: unexpected message")

	// ErrNotEstablished is returned when sending before the handshake is done.
	ErrNotEstablished = errors.New("session: secure channel not established")

	// ErrStale is returned for calls made on behalf of an abandoned link.
	ErrStale = errors.New("session: stale link")
)

// Role decides who sends the reply half of the key exchange.
type Role int

const (
	RoleHost Role = iota + 1
	RoleJoiner
)

func (r Role) String() string {
	switch r {
	case RoleHost:
		return "host"
	case RoleJoiner:
		return "joiner"
	default:
		return "none"
	}
}

// State is the handshake progress of a session.
type State int

const (
	StateIdle State = iota
	StateAwaitingPeerKey
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingPeerKey:
		return "awaiting-peer-key"
	case StateEstablished:
		return "established"
	default:
		return "unknown"
	}
}
