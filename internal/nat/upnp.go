package nat

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/huin/goupnp/dcps/internetgateway1"
	"github.com/huin/goupnp/dcps/internetgateway2"
	"go.uber.org/multierr"
)

// igdClient is the part of the goupnp WAN connection clients in use.
type igdClient interface {
	GetExternalIPAddressCtx(ctx context.Context) (string, error)
	AddPortMappingCtx(
		ctx context.Context,
		remoteHost string,
		externalPort uint16,
		protocol string,
		internalPort uint16,
		internalClient string,
		enabled bool,
		description string,
		leaseDuration uint32,
	) error
	DeletePortMappingCtx(ctx context.Context, remoteHost string, externalPort uint16, protocol string) error
}

type igdSearch func(ctx context.Context) ([]igdClient, error)

// UPnP maps ports through a UPnP Internet Gateway Device.
type UPnP struct {
	searches []igdSearch

	mu     sync.Mutex
	client igdClient // gateway holding the last mapping
}

// NewUPnP searches IGDv2 services before IGDv1 ones.
func NewUPnP() *UPnP {
	return &UPnP{searches: []igdSearch{
		func(ctx context.Context) ([]igdClient, error) {
			clients, _, err := internetgateway2.NewWANIPConnection2ClientsCtx(ctx)
			return asIGD(clients, err)
		},
		func(ctx context.Context) ([]igdClient, error) {
			clients, _, err := internetgateway2.NewWANIPConnection1ClientsCtx(ctx)
			return asIGD(clients, err)
		},
		func(ctx context.Context) ([]igdClient, error) {
			clients, _, err := internetgateway2.NewWANPPPConnection1ClientsCtx(ctx)
			return asIGD(clients, err)
		},
		func(ctx context.Context) ([]igdClient, error) {
			clients, _, err := internetgateway1.NewWANIPConnection1ClientsCtx(ctx)
			return asIGD(clients, err)
		},
		func(ctx context.Context) ([]igdClient, error) {
			clients, _, err := internetgateway1.NewWANPPPConnection1ClientsCtx(ctx)
			return asIGD(clients, err)
		},
	}}
}

func asIGD[T igdClient](clients []T, err error) ([]igdClient, error) {
	if err != nil {
		return nil, err
	}
	out := make([]igdClient, 0, len(clients))
	for _, c := range clients {
		out = append(out, c)
	}
	return out, nil
}

func (u *UPnP) Name() string { return "upnp" }

// Map forwards the same external port to localIP:port for LeaseSeconds.
func (u *UPnP) Map(ctx context.Context, localIP string, port int) (Mapping, error) {
	client, err := u.find(ctx)
	if err != nil {
		return Mapping{}, err
	}

	err = client.AddPortMappingCtx(ctx, "", uint16(port), "TCP", uint16(port), localIP, true, Description, LeaseSeconds)
	if err != nil {
		return Mapping{}, fmt.Errorf("could not add port mapping: %w", err)
	}

	ip, err := client.GetExternalIPAddressCtx(ctx)
	if err == nil && ip == "" {
		err = errors.New("gateway reported no external address")
	}
	if err != nil {
		// The forward is useless without an address to hand out.
		cleanup, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
		defer cancel()
		delErr := client.DeletePortMappingCtx(cleanup, "", uint16(port), "TCP")
		return Mapping{}, multierr.Append(fmt.Errorf("could not get external address: %w", err), delErr)
	}

	u.mu.Lock()
	u.client = client
	u.mu.Unlock()

	return Mapping{ExternalIP: ip, ExternalPort: port, InternalPort: port, Method: u.Name()}, nil
}

// Unmap deletes the forward on the gateway that created it.
func (u *UPnP) Unmap(ctx context.Context, m Mapping) error {
	u.mu.Lock()
	client := u.client
	u.mu.Unlock()

	if client == nil {
		var err error
		if client, err = u.find(ctx); err != nil {
			return err
		}
	}
	if err := client.DeletePortMappingCtx(ctx, "", uint16(m.ExternalPort), "TCP"); err != nil {
		return fmt.Errorf("could not delete port mapping: %w", err)
	}
	return nil
}

func (u *UPnP) find(ctx context.Context) (igdClient, error) {
	for _, search := range u.searches {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		clients, err := search(ctx)
		if err == nil && len(clients) > 0 {
			return clients[0], nil
		}
	}
	return nil, ErrNoGateway
}
