// Package discovery advertises a waiting host on the local network over
// mDNS and finds it again by invite code.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/grandcat/zeroconf"
	"go.uber.org/zap"
)

const (
	// ServiceName is the mDNS service type of a waiting LanChat host.
	ServiceName = "_lanchat._tcp"
	// Domain is the network domain, "local" is standard for mDNS.
	Domain = "local"
	// DefaultTimeout bounds a browse.
	DefaultTimeout = 5 * time.Second

	txtVersion = "v=1"
	txtUserKey = "user="
)

// ErrNotFound is returned when no host answers for a code.
var ErrNotFound = errors.New("discovery: host not found")

// Host is an advertised host.
type Host struct {
	Code     string
	Username string
	IP       net.IP
	Port     int
}

// Addr formats the host as ip:port.
func (h Host) Addr() string {
	return net.JoinHostPort(h.IP.String(), fmt.Sprint(h.Port))
}

// Advertisement is a running mDNS publication.
type Advertisement struct {
	server *zeroconf.Server
	log    *zap.Logger
}

// Publish advertises the host under its invite code.
func Publish(code string, port int, username string, log *zap.Logger) (*Advertisement, error) {
	if log == nil {
		log = zap.NewNop()
	}
	server, err := zeroconf.Register(
		code,        // The unique name for this instance (e.g., "kite-yacht-ninja")
		ServiceName, // The service type
		Domain,      // The domain
		port,        // The port the chat listener is bound to
		txtRecords(username),
		nil, // Network interfaces to use (nil for all)
	)
	if err != nil {
		return nil, fmt.Errorf("could not register mDNS service: %w", err)
	}

	log = log.Named("discovery")
	log.Info("mDNS service published", zap.String("code", code), zap.Int("port", port))
	return &Advertisement{server: server, log: log}, nil
}

// Shutdown withdraws the advertisement. It is safe on a nil receiver.
func (a *Advertisement) Shutdown() {
	if a == nil || a.server == nil {
		return
	}
	a.server.Shutdown()
	a.log.Debug("mDNS service withdrawn")
}

// Browse lists every host that answers until ctx is done.
func Browse(ctx context.Context) ([]Host, error) {
	var hosts []Host
	err := browse(ctx, func(h Host) bool {
		hosts = append(hosts, h)
		return true
	})
	return hosts, err
}

// Lookup finds the host advertising code, giving up after timeout.
func Lookup(ctx context.Context, code string, timeout time.Duration) (Host, error) {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var (
		found Host
		ok    bool
	)
	err := browse(ctx, func(h Host) bool {
		if h.Code != code {
			return true
		}
		found, ok = h, true
		return false
	})
	if err != nil {
		return Host{}, err
	}
	if !ok {
		return Host{}, fmt.Errorf("%w: no host with code '%s' on the network", ErrNotFound, code)
	}
	return found, nil
}

// browse feeds usable entries to fn until ctx is done or fn returns false.
func browse(ctx context.Context, fn func(Host) bool) error {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return fmt.Errorf("failed to initialize mDNS resolver: %w", err)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, ServiceName, Domain, entries); err != nil {
		return fmt.Errorf("failed to browse for services: %w", err)
	}

	seen := make(map[string]bool)
	for {
		select {
		case <-ctx.Done():
			return nil
		case entry, open := <-entries:
			if !open {
				return nil
			}
			host, ok := hostFromEntry(entry)
			if !ok || seen[host.Code] {
				continue
			}
			seen[host.Code] = true
			if !fn(host) {
				return nil
			}
		}
	}
}

func txtRecords(username string) []string {
	return []string{txtVersion, txtUserKey + username}
}

func hostFromEntry(entry *zeroconf.ServiceEntry) (Host, bool) {
	if entry == nil {
		return Host{}, false
	}
	ip := preferredIPv4(entry.AddrIPv4)
	if ip == nil {
		return Host{}, false
	}

	h := Host{Code: entry.Instance, IP: ip, Port: entry.Port}
	for _, txt := range entry.Text {
		if name, ok := strings.CutPrefix(txt, txtUserKey); ok {
			h.Username = name
		}
	}
	return h, true
}

// preferredIPv4 picks a non-loopback, global unicast address, falling back
// to the first one advertised.
func preferredIPv4(addrs []net.IP) net.IP {
	for _, addr := range addrs {
		if addr.IsGlobalUnicast() && !addr.IsLoopback() {
			return addr
		}
	}
	if len(addrs) > 0 {
		return addrs[0]
	}
	return nil
}
