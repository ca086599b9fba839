package connmgr

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sumanthd032/lanchat/internal/events"
	"github.com/sumanthd032/lanchat/internal/metrics"
	"github.com/sumanthd032/lanchat/internal/nat"
	"github.com/sumanthd032/lanchat/internal/session"
	"github.com/sumanthd032/lanchat/internal/transport"
	"github.com/sumanthd032/lanchat/pkg/crypto"
)

const waitTimeout = 10 * time.Second

type peer struct {
	m       *Manager
	events  chan events.Event
	metrics *metrics.Metrics
}

type option func(*Config)

func newPeer(t *testing.T, username string, opts ...option) *peer {
	t.Helper()
	p := &peer{events: make(chan events.Event, 256), metrics: metrics.New()}
	sink := events.SinkFunc(func(ev events.Event) { p.events <- ev })

	sess, err := session.New(session.Config{
		Params:  crypto.DefaultParameters(),
		Events:  sink,
		Metrics: p.metrics,
	})
	require.NoError(t, err)

	cfg := Config{
		Username:    username,
		ListenHost:  "127.0.0.1",
		DialTimeout: 5 * time.Second,
		Logger:      zap.NewNop(),
		Events:      sink,
		Metrics:     p.metrics,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	p.m = New(cfg, sess)
	t.Cleanup(func() { p.m.Close() })
	return p
}

// next returns the next event of type T, skipping others.
func next[T events.Event](t *testing.T, p *peer) T {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case ev := <-p.events:
			if want, ok := ev.(T); ok {
				return want
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func host(t *testing.T, p *peer) int {
	t.Helper()
	require.NoError(t, p.m.StartHosting(context.Background(), 0))
	return next[events.Listening](t, p).Port
}

func TestHostAndJoinerChat(t *testing.T) {
	alice := newPeer(t, "alice")
	bob := newPeer(t, "bob")

	port := host(t, alice)
	require.NoError(t, bob.m.StartJoining(context.Background(), "127.0.0.1", port))

	aliceReady := next[events.ChannelReady](t, alice)
	bobReady := next[events.ChannelReady](t, bob)
	assert.Equal(t, "host", aliceReady.Role)
	assert.Equal(t, "joiner", bobReady.Role)
	assert.Equal(t, aliceReady.SafetyWords, bobReady.SafetyWords)
	assert.Equal(t, alice.m.Session().KeyID(), bob.m.Session().KeyID())

	sent, err := bob.m.SendChat("hello alice")
	require.NoError(t, err)
	got := next[events.ChatReceived](t, alice)
	assert.Equal(t, events.ChatReceived{Username: "bob", Message: "hello alice", Timestamp: sent.Timestamp}, got)

	require.NoError(t, alice.m.SetTyping(true))
	assert.Equal(t, events.TypingChanged{Username: "alice", IsTyping: true}, next[events.TypingChanged](t, bob))
	require.NoError(t, alice.m.SetTyping(false))
	assert.Equal(t, events.TypingChanged{Username: "alice", IsTyping: false}, next[events.TypingChanged](t, bob))

	assert.Equal(t, 1.0, testutil.ToFloat64(alice.metrics.Connections.WithLabelValues("host", "ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(bob.metrics.Connections.WithLabelValues("joiner", "ok")))
}

func TestSendBeforeConnected(t *testing.T) {
	alice := newPeer(t, "alice")
	host(t, alice)

	_, err := alice.m.SendChat("anyone?")
	assert.ErrorIs(t, err, session.ErrNotEstablished)
	assert.NoError(t, alice.m.SetTyping(true))
}

func TestJoinRefused(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	bob := newPeer(t, "bob")
	err = bob.m.StartJoining(context.Background(), "127.0.0.1", port)
	assert.ErrorIs(t, err, transport.ErrConnectionRefused)

	failed := next[events.ConnectFailed](t, bob)
	assert.ErrorIs(t, failed.Err, transport.ErrConnectionRefused)
	assert.Equal(t, session.StateIdle, bob.m.Session().State())
	assert.Equal(t, 1.0, testutil.ToFloat64(bob.metrics.Connections.WithLabelValues("joiner", "failed")))
}

func TestSecondJoinerIsRejected(t *testing.T) {
	alice := newPeer(t, "alice")
	bob := newPeer(t, "bob")
	carol := newPeer(t, "carol")

	port := host(t, alice)
	require.NoError(t, bob.m.StartJoining(context.Background(), "127.0.0.1", port))
	next[events.ChannelReady](t, alice)

	err := carol.m.StartJoining(context.Background(), "127.0.0.1", port)
	assert.ErrorIs(t, err, transport.ErrConnectionRefused)

	_, err = bob.m.SendChat("still here")
	require.NoError(t, err)
	assert.Equal(t, "still here", next[events.ChatReceived](t, alice).Message)
}

func TestDisconnectThenRehostUsesFreshKey(t *testing.T) {
	alice := newPeer(t, "alice")
	bob := newPeer(t, "bob")

	port := host(t, alice)
	require.NoError(t, bob.m.StartJoining(context.Background(), "127.0.0.1", port))
	first := next[events.ChannelReady](t, alice)
	next[events.ChannelReady](t, bob)
	firstKey := alice.m.Session().KeyID()

	require.NoError(t, bob.m.Close())

	reset := next[events.ChannelReset](t, alice)
	assert.Equal(t, first.SessionID, reset.SessionID)
	next[events.Disconnected](t, alice)
	assert.Equal(t, session.StateIdle, alice.m.Session().State())

	_, err := alice.m.SendChat("gone?")
	assert.ErrorIs(t, err, session.ErrNotEstablished)

	port = host(t, alice)
	dave := newPeer(t, "dave")
	require.NoError(t, dave.m.StartJoining(context.Background(), "127.0.0.1", port))
	second := next[events.ChannelReady](t, alice)
	next[events.ChannelReady](t, dave)

	assert.NotEqual(t, first.SessionID, second.SessionID)
	assert.NotEqual(t, firstKey, alice.m.Session().KeyID())
	assert.Equal(t, dave.m.Session().KeyID(), alice.m.Session().KeyID())
}

func TestStartHostingAbandonsLink(t *testing.T) {
	alice := newPeer(t, "alice")
	bob := newPeer(t, "bob")

	port := host(t, alice)
	require.NoError(t, bob.m.StartJoining(context.Background(), "127.0.0.1", port))
	next[events.ChannelReady](t, bob)
	next[events.ChannelReady](t, alice)

	require.NoError(t, alice.m.StartHosting(context.Background(), 0))
	next[events.ChannelReset](t, alice)
	next[events.Listening](t, alice)
	assert.Equal(t, session.StateAwaitingPeerKey, alice.m.Session().State())

	next[events.Disconnected](t, bob)
	assert.Equal(t, session.StateIdle, bob.m.Session().State())
}

func TestHandshakeTimeout(t *testing.T) {
	mock := clock.NewMock()
	alice := newPeer(t, "alice", func(c *Config) {
		c.Clock = mock
		c.HandshakeTimeout = 30 * time.Second
	})
	port := host(t, alice)

	// A peer that connects but never sends its key.
	silent, err := transport.Dial(context.Background(), "127.0.0.1", port, 5*time.Second, zap.NewNop())
	require.NoError(t, err)
	defer silent.Close()

	next[events.Connected](t, alice)
	mock.Add(31 * time.Second)

	failed := next[events.HandshakeError](t, alice)
	assert.ErrorIs(t, failed.Err, transport.ErrTimeout)
	next[events.Disconnected](t, alice)

	select {
	case <-silent.Done():
	case <-time.After(waitTimeout):
		t.Fatal("host did not drop the silent peer")
	}
}

type fakeNAT struct {
	mapping nat.Mapping

	mu       sync.Mutex
	released []nat.Mapping
}

func (f *fakeNAT) Discover(context.Context, string, int) (nat.Mapping, error) {
	return f.mapping, nil
}

func (f *fakeNAT) Release(_ context.Context, m nat.Mapping) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released = append(f.released, m)
	return nil
}

func (f *fakeNAT) releasedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.released)
}

type fakeAdvertiser struct {
	mu       sync.Mutex
	code     string
	port     int
	username string
	shutdown bool
}

func (f *fakeAdvertiser) publish(code string, port int, username string) (Advertiser, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.code, f.port, f.username = code, port, username
	return f, nil
}

func (f *fakeAdvertiser) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
}

func (f *fakeAdvertiser) isShutdown() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shutdown
}

func TestHostingExtras(t *testing.T) {
	adv := &fakeAdvertiser{}
	gw := &fakeNAT{mapping: nat.Mapping{ExternalIP: "203.0.113.5", ExternalPort: 9000, InternalPort: 9000, Method: "upnp"}}
	alice := newPeer(t, "alice", func(c *Config) {
		c.NAT = gw
		c.Publish = adv.publish
	})

	require.NoError(t, alice.m.StartHosting(context.Background(), 0))
	var listening events.Listening
	select {
	case ev := <-alice.events:
		require.IsType(t, events.Listening{}, ev, "nothing is reported before the listening address")
		listening = ev.(events.Listening)
	case <-time.After(waitTimeout):
		t.Fatal("no Listening event")
	}
	assert.NotEmpty(t, listening.Code)
	assert.Equal(t, listening.Code, adv.code)
	assert.Equal(t, listening.Port, adv.port)
	assert.Equal(t, "alice", adv.username)

	ext := next[events.ExternalAddress](t, alice)
	assert.Equal(t, events.ExternalAddress{Addr: "203.0.113.5:9000", Method: "upnp"}, ext)

	bob := newPeer(t, "bob")
	require.NoError(t, bob.m.StartJoining(context.Background(), "127.0.0.1", listening.Port))
	next[events.ChannelReady](t, alice)
	assert.True(t, adv.isShutdown(), "advertisement withdrawn once a peer is in")

	assert.Zero(t, gw.releasedCount(), "mapping kept while hosting")
	require.NoError(t, alice.m.Close())
	assert.Equal(t, []nat.Mapping{gw.mapping}, gw.released)
}

func TestRehostReleasesMapping(t *testing.T) {
	gw := &fakeNAT{mapping: nat.Mapping{ExternalIP: "203.0.113.5", ExternalPort: 9000, InternalPort: 9000, Method: "nat-pmp"}}
	alice := newPeer(t, "alice", func(c *Config) { c.NAT = gw })

	host(t, alice)
	next[events.ExternalAddress](t, alice)

	host(t, alice)
	assert.Eventually(t, func() bool { return gw.releasedCount() == 1 }, waitTimeout, 10*time.Millisecond)
	next[events.ExternalAddress](t, alice)

	require.NoError(t, alice.m.Close())
	assert.Equal(t, 2, gw.releasedCount())
}

func TestClosedManager(t *testing.T) {
	alice := newPeer(t, "alice")
	require.NoError(t, alice.m.Close())
	require.NoError(t, alice.m.Close())

	assert.ErrorIs(t, alice.m.StartHosting(context.Background(), 0), ErrClosed)
	assert.ErrorIs(t, alice.m.StartJoining(context.Background(), "127.0.0.1", 1), ErrClosed)
}
