// Package nat finds the address a host should tell its peer to dial.
//
// Everything here is best effort. The LAN address comes from the routing
// table, and an optional port mapping on the home gateway is attempted with
// UPnP IGD first and NAT-PMP second. Failures are logged and reported, never
// fatal to hosting.
package nat

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Description is the label put on port mappings.
const Description = "lanchat"

// DefaultTimeout bounds a whole discovery run.
const DefaultTimeout = 3 * time.Second

// LeaseSeconds is the lifetime requested for port mappings. Mappings are
// released when hosting stops; the lease only matters if the process dies.
const LeaseSeconds = 60 * 60

// ErrNoGateway is returned when no mapper found a gateway.
var ErrNoGateway = errors.New("nat: no gateway found")

// Mapping is a port forwarded on the gateway.
type Mapping struct {
	ExternalIP   string
	ExternalPort int
	InternalPort int
	Method       string
}

// Addr formats the mapping as host:port.
func (m Mapping) Addr() string {
	return net.JoinHostPort(m.ExternalIP, strconv.Itoa(m.ExternalPort))
}

// Mapper asks one kind of gateway for a TCP port mapping.
type Mapper interface {
	Name() string
	Map(ctx context.Context, localIP string, port int) (Mapping, error)
	Unmap(ctx context.Context, m Mapping) error
}

// Discoverer tries each mapper in turn.
type Discoverer struct {
	mappers []Mapper
	timeout time.Duration
	log     *zap.Logger
}

// NewDiscoverer tries UPnP and then NAT-PMP.
func NewDiscoverer(timeout time.Duration, log *zap.Logger) *Discoverer {
	return NewDiscovererWith(timeout, log, NewUPnP(), NewPMP())
}

// NewDiscovererWith uses the given mappers in order.
func NewDiscovererWith(timeout time.Duration, log *zap.Logger, mappers ...Mapper) *Discoverer {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Discoverer{mappers: mappers, timeout: timeout, log: log.Named("nat")}
}

// Discover maps port on the first gateway that answers.
func (d *Discoverer) Discover(ctx context.Context, localIP string, port int) (Mapping, error) {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	var errs error
	for _, m := range d.mappers {
		mapping, err := m.Map(ctx, localIP, port)
		if err == nil {
			d.log.Info("port mapped",
				zap.String("method", m.Name()),
				zap.String("external", mapping.Addr()))
			return mapping, nil
		}
		d.log.Debug("port mapping failed", zap.String("method", m.Name()), zap.Error(err))
		errs = multierr.Append(errs, fmt.Errorf("%s: %w", m.Name(), err))

		if ctx.Err() != nil {
			break
		}
	}
	if errs == nil {
		errs = ErrNoGateway
	}
	return Mapping{}, errs
}

// Release removes a mapping returned by Discover.
func (d *Discoverer) Release(ctx context.Context, mapping Mapping) error {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	for _, m := range d.mappers {
		if m.Name() != mapping.Method {
			continue
		}
		if err := m.Unmap(ctx, mapping); err != nil {
			d.log.Warn("could not remove port mapping",
				zap.String("method", m.Name()),
				zap.String("external", mapping.Addr()),
				zap.Error(err))
			return fmt.Errorf("%s: %w", m.Name(), err)
		}
		d.log.Info("port mapping removed", zap.String("method", m.Name()), zap.String("external", mapping.Addr()))
		return nil
	}
	return fmt.Errorf("nat: unknown mapping method %q", mapping.Method)
}

// LocalIP returns the address of the interface that routes outward. No
// packet is sent; connecting a UDP socket only consults the routing table.
// It falls back to the loopback address.
func LocalIP() string {
	conn, err := net.Dial("udp4", "10.255.255.255:1")
	if err != nil {
		return "127.0.0.1"
	}
	defer conn.Close()

	if addr, ok := conn.LocalAddr().(*net.UDPAddr); ok && addr.IP != nil {
		return addr.IP.String()
	}
	return "127.0.0.1"
}
