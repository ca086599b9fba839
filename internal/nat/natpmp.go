package nat

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/jackpal/gateway"
	natpmp "github.com/jackpal/go-nat-pmp"
)

type pmpClient interface {
	AddPortMapping(protocol string, internalPort, requestedExternalPort int, lifetime int) (*natpmp.AddPortMappingResult, error)
	GetExternalAddress() (*natpmp.GetExternalAddressResult, error)
}

// PMP maps ports with NAT-PMP on the default gateway.
type PMP struct {
	discoverGateway func() (net.IP, error)
	newClient       func(gw net.IP, timeout time.Duration) pmpClient

	mu     sync.Mutex
	client pmpClient
}

func NewPMP() *PMP {
	return &PMP{
		discoverGateway: gateway.DiscoverGateway,
		newClient: func(gw net.IP, timeout time.Duration) pmpClient {
			return natpmp.NewClientWithTimeout(gw, timeout)
		},
	}
}

func (p *PMP) Name() string { return "nat-pmp" }

// Map runs the blocking NAT-PMP exchange in the background so that ctx
// bounds it.
func (p *PMP) Map(ctx context.Context, _ string, port int) (Mapping, error) {
	var m Mapping
	err := bounded(ctx, func() error {
		var err error
		m, err = p.mapBlocking(ctx, port)
		return err
	})
	if err != nil {
		return Mapping{}, err
	}
	return m, nil
}

// Unmap asks the gateway for a zero lifetime, which deletes the mapping.
func (p *PMP) Unmap(ctx context.Context, m Mapping) error {
	return bounded(ctx, func() error {
		p.mu.Lock()
		client := p.client
		p.mu.Unlock()

		if client == nil {
			var err error
			if client, err = p.dial(ctx); err != nil {
				return err
			}
		}
		if _, err := client.AddPortMapping("tcp", m.InternalPort, 0, 0); err != nil {
			return fmt.Errorf("could not delete port mapping: %w", err)
		}
		return nil
	})
}

func (p *PMP) dial(ctx context.Context) (pmpClient, error) {
	gw, err := p.discoverGateway()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrNoGateway, err)
	}

	timeout := DefaultTimeout
	if deadline, ok := ctx.Deadline(); ok {
		timeout = time.Until(deadline)
	}
	return p.newClient(gw, timeout), nil
}

func (p *PMP) mapBlocking(ctx context.Context, port int) (Mapping, error) {
	client, err := p.dial(ctx)
	if err != nil {
		return Mapping{}, err
	}

	res, err := client.AddPortMapping("tcp", port, port, LeaseSeconds)
	if err != nil {
		return Mapping{}, fmt.Errorf("could not add port mapping: %w", err)
	}

	ext, err := client.GetExternalAddress()
	if err != nil {
		_, _ = client.AddPortMapping("tcp", port, 0, 0)
		return Mapping{}, fmt.Errorf("could not get external address: %w", err)
	}
	if ctx.Err() != nil {
		// The caller gave up; nobody else will release this one.
		_, _ = client.AddPortMapping("tcp", port, 0, 0)
		return Mapping{}, ctx.Err()
	}

	p.mu.Lock()
	p.client = client
	p.mu.Unlock()

	ip := net.IP(ext.ExternalIPAddress[:])
	return Mapping{
		ExternalIP:   ip.String(),
		ExternalPort: int(res.MappedExternalPort),
		InternalPort: port,
		Method:       p.Name(),
	}, nil
}

// bounded runs fn in the background and gives up when ctx ends.
func bounded(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
