// Package connmgr owns the single peer link of the process and feeds it to
// the session state machine.
package connmgr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/sumanthd032/lanchat/internal/discovery"
	"github.com/sumanthd032/lanchat/internal/envelope"
	"github.com/sumanthd032/lanchat/internal/events"
	"github.com/sumanthd032/lanchat/internal/metrics"
	"github.com/sumanthd032/lanchat/internal/nat"
	"github.com/sumanthd032/lanchat/internal/session"
	"github.com/sumanthd032/lanchat/internal/transport"
	"github.com/sumanthd032/lanchat/pkg/util"
)

// InviteCodeWords is the number of words in a generated invite code.
const InviteCodeWords = 3

var (
	// ErrAbandoned is returned when a newer attempt or Close replaced the
	// one in progress.
	ErrAbandoned = errors.New("connmgr: attempt abandoned")

	// ErrClosed is returned after Close.
	ErrClosed = errors.New("connmgr: manager closed")
)

// AddressDiscoverer maps a listening port on the gateway and removes the
// mapping again.
type AddressDiscoverer interface {
	Discover(ctx context.Context, localIP string, port int) (nat.Mapping, error)
	Release(ctx context.Context, mapping nat.Mapping) error
}

// Advertiser is a running LAN advertisement.
type Advertiser interface {
	Shutdown()
}

// PublishFunc advertises a waiting host under an invite code.
type PublishFunc func(code string, port int, username string) (Advertiser, error)

// PublishMDNS advertises over mDNS.
func PublishMDNS(log *zap.Logger) PublishFunc {
	return func(code string, port int, username string) (Advertiser, error) {
		adv, err := discovery.Publish(code, port, username, log)
		if err != nil {
			return nil, err
		}
		return adv, nil
	}
}

// Config holds the manager's settings and collaborators.
type Config struct {
	Username         string
	ListenHost       string
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration

	// NAT and Publish are optional; nil disables them.
	NAT     AddressDiscoverer
	Publish PublishFunc

	Clock   clock.Clock
	Logger  *zap.Logger
	Events  events.Sink
	Metrics *metrics.Metrics
}

// Manager runs hosting and joining attempts. Starting a new attempt
// abandons the previous one.
type Manager struct {
	cfg  Config
	sess *session.Session
	log  *zap.Logger

	mu       sync.Mutex
	attempt  uint64
	closed   bool
	cancel   context.CancelFunc
	listener *transport.Listener
	link     *transport.Link
	adv      Advertiser
	mapping  *nat.Mapping

	wg sync.WaitGroup
}

// New returns a manager driving sess.
func New(cfg Config, sess *session.Session) *Manager {
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
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
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Manager{cfg: cfg, sess: sess, log: cfg.Logger.Named("connmgr")}
}

// Session returns the session the manager drives.
func (m *Manager) Session() *session.Session {
	return m.sess
}

// StartHosting abandons any previous attempt, starts a host session and
// binds port. It returns once the listener is up; the peer is accepted in
// the background. Port 0 picks a free port, reported in the Listening event.
func (m *Manager) StartHosting(ctx context.Context, port int) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	attempt, _ := m.abandonLocked()

	epoch, err := m.sess.Start(session.RoleHost)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	ln, err := transport.Listen(net.JoinHostPort(m.cfg.ListenHost, strconv.Itoa(port)), m.log)
	if err != nil {
		m.sess.Stop()
		m.mu.Unlock()
		return err
	}
	ctx, cancel := context.WithCancel(ctx)
	m.listener = ln
	m.cancel = cancel

	localIP := nat.LocalIP()
	listening := events.Listening{
		Addr:    net.JoinHostPort(localIP, strconv.Itoa(ln.Port())),
		LocalIP: localIP,
		Port:    ln.Port(),
	}
	if m.cfg.Publish != nil {
		listening.Code, m.adv = m.advertise(ln.Port())
	}

	// Listening goes out before anything the accept loop can report.
	m.log.Info("hosting", zap.String("addr", listening.Addr), zap.String("session", m.sess.ID()))
	m.cfg.Events.Publish(listening)

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.acceptLoop(ctx, attempt, epoch, ln)
	}()
	if m.cfg.NAT != nil {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			m.discoverExternal(ctx, attempt, localIP, ln.Port())
		}()
	}
	m.mu.Unlock()
	return nil
}

func (m *Manager) advertise(port int) (string, Advertiser) {
	code, err := util.GenerateCode(InviteCodeWords)
	if err != nil {
		m.log.Warn("could not generate invite code", zap.Error(err))
		return "", nil
	}
	adv, err := m.cfg.Publish(code, port, m.cfg.Username)
	if err != nil {
		m.log.Warn("could not advertise on the local network", zap.Error(err))
		return "", nil
	}
	return code, adv
}

func (m *Manager) discoverExternal(ctx context.Context, attempt uint64, localIP string, port int) {
	mapping, err := m.cfg.NAT.Discover(ctx, localIP, port)
	if err != nil {
		m.log.Info("no external address", zap.Error(err))
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.attempt != attempt {
		m.releaseMapping(mapping)
		return
	}
	m.mapping = &mapping
	m.cfg.Events.Publish(events.ExternalAddress{Addr: mapping.Addr(), Method: mapping.Method})
}

// releaseMapping removes mapping from the gateway in the background. Close
// waits for it.
func (m *Manager) releaseMapping(mapping nat.Mapping) {
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		if err := m.cfg.NAT.Release(context.Background(), mapping); err != nil {
			m.log.Warn("could not remove port mapping", zap.String("external", mapping.Addr()), zap.Error(err))
		}
	}()
}

func (m *Manager) acceptLoop(ctx context.Context, attempt, epoch uint64, ln *transport.Listener) {
	link, err := ln.Accept(ctx)
	if err != nil {
		m.log.Debug("stopped accepting", zap.Error(err))
		return
	}

	m.mu.Lock()
	if m.attempt != attempt {
		m.mu.Unlock()
		link.Close()
		return
	}
	m.link = link
	// Once a peer is in, the host is no longer joinable by code.
	if m.adv != nil {
		m.adv.Shutdown()
		m.adv = nil
	}
	m.mu.Unlock()

	m.cfg.Metrics.Connections.WithLabelValues(session.RoleHost.String(), "ok").Inc()
	m.serve(epoch, link)
}

// StartJoining abandons any previous attempt and dials the host. Dial
// failures wrap transport.ErrConnectionRefused, ErrUnreachable or
// ErrTimeout and are also published as ConnectFailed.
func (m *Manager) StartJoining(ctx context.Context, address string, port int) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return ErrClosed
	}
	attempt, _ := m.abandonLocked()
	m.mu.Unlock()

	target := net.JoinHostPort(address, strconv.Itoa(port))
	m.log.Info("joining", zap.String("addr", target))

	link, err := transport.Dial(ctx, address, port, m.cfg.DialTimeout, m.log)
	if err != nil {
		m.cfg.Metrics.Connections.WithLabelValues(session.RoleJoiner.String(), "failed").Inc()
		m.log.Warn("could not connect", zap.String("addr", target), zap.Error(err))
		m.cfg.Events.Publish(events.ConnectFailed{Address: target, Err: err})
		return fmt.Errorf("could not connect to %s: %w", target, err)
	}

	m.mu.Lock()
	if m.attempt != attempt || m.closed {
		m.mu.Unlock()
		link.Close()
		return ErrAbandoned
	}
	epoch, err := m.sess.Start(session.RoleJoiner)
	if err != nil {
		m.mu.Unlock()
		link.Close()
		return err
	}
	m.link = link
	m.wg.Add(1)
	m.mu.Unlock()

	m.cfg.Metrics.Connections.WithLabelValues(session.RoleJoiner.String(), "ok").Inc()
	go func() {
		defer m.wg.Done()
		m.serve(epoch, link)
	}()
	return nil
}

// serve attaches link to the session and pumps its frames until it closes.
func (m *Manager) serve(epoch uint64, link *transport.Link) {
	log := m.log.With(zap.String("remote", link.RemoteAddr()))

	var (
		timer   *clock.Timer
		expired atomic.Bool
	)
	if m.cfg.HandshakeTimeout > 0 {
		timer = m.cfg.Clock.AfterFunc(m.cfg.HandshakeTimeout, func() {
			if !m.sess.ExpireHandshake(epoch) {
				return
			}
			expired.Store(true)
			log.Warn("handshake timed out", zap.Duration("timeout", m.cfg.HandshakeTimeout))
			m.cfg.Events.Publish(events.HandshakeError{
				Message: "the peer did not complete the key exchange in time",
				Err:     transport.ErrTimeout,
			})
			link.Close()
		})
	}

	m.cfg.Events.Publish(events.Connected{Remote: link.RemoteAddr()})

	if err := m.sess.Attach(epoch, link); err != nil {
		log.Warn("could not start key exchange", zap.Error(err))
		link.Close()
	}

	for frame := range link.Frames() {
		err := m.sess.Receive(epoch, frame)
		switch {
		case err == nil:
		case errors.Is(err, session.ErrStale):
			link.Close()
		case errors.Is(err, session.ErrHandshakeFailed):
			// The session is idle again; nothing more can happen on this link.
			link.Close()
		default:
			log.Debug("frame rejected", zap.Error(err))
		}
	}

	if timer != nil {
		timer.Stop()
	}

	m.mu.Lock()
	if m.link == link {
		m.link = nil
	}
	m.mu.Unlock()

	if m.sess.Reset(epoch) || expired.Load() {
		log.Info("peer disconnected", zap.Error(link.Err()))
		m.cfg.Events.Publish(events.Disconnected{Err: link.Err()})
	}
}

// SendChat sends a chat message as the configured user.
func (m *Manager) SendChat(message string) (envelope.Chat, error) {
	return m.sess.SendChat(m.cfg.Username, message)
}

// SetTyping reports the local typing presence to the peer.
func (m *Manager) SetTyping(typing bool) error {
	return m.sess.SetTyping(m.cfg.Username, typing)
}

// Close abandons the current attempt and waits for background work.
func (m *Manager) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	_, err := m.abandonLocked()
	m.mu.Unlock()

	m.wg.Wait()
	return err
}

// abandonLocked tears down the current attempt and returns the id of the
// next one.
func (m *Manager) abandonLocked() (uint64, error) {
	m.attempt++
	m.sess.Stop()

	var err error
	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	if m.adv != nil {
		m.adv.Shutdown()
		m.adv = nil
	}
	if m.mapping != nil {
		m.releaseMapping(*m.mapping)
		m.mapping = nil
	}
	if m.listener != nil {
		err = multierr.Append(err, m.listener.Close())
		m.listener = nil
	}
	if m.link != nil {
		err = multierr.Append(err, m.link.Close())
		m.link = nil
	}
	if err != nil {
		m.log.Debug("teardown", zap.Error(err))
	}
	return m.attempt, err
}
