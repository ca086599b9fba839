package nat

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	natpmp "github.com/jackpal/go-nat-pmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeMapper struct {
	name     string
	mapping  Mapping
	err      error
	calls    int
	unmapped []Mapping
}

func (f *fakeMapper) Name() string { return f.name }

func (f *fakeMapper) Map(context.Context, string, int) (Mapping, error) {
	f.calls++
	return f.mapping, f.err
}

func (f *fakeMapper) Unmap(_ context.Context, m Mapping) error {
	f.unmapped = append(f.unmapped, m)
	return f.err
}

func TestDiscoverFallsBack(t *testing.T) {
	upnp := &fakeMapper{name: "upnp", err: ErrNoGateway}
	pmp := &fakeMapper{name: "nat-pmp", mapping: Mapping{ExternalIP: "203.0.113.7", ExternalPort: 9000, Method: "nat-pmp"}}

	d := NewDiscovererWith(time.Second, zap.NewNop(), upnp, pmp)
	m, err := d.Discover(context.Background(), "192.168.1.10", 9000)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.7:9000", m.Addr())
	assert.Equal(t, "nat-pmp", m.Method)
	assert.Equal(t, 1, upnp.calls)
}

func TestDiscoverStopsAtFirstSuccess(t *testing.T) {
	upnp := &fakeMapper{name: "upnp", mapping: Mapping{ExternalIP: "198.51.100.1", ExternalPort: 9000, Method: "upnp"}}
	pmp := &fakeMapper{name: "nat-pmp"}

	m, err := NewDiscovererWith(time.Second, nil, upnp, pmp).Discover(context.Background(), "10.0.0.2", 9000)
	require.NoError(t, err)
	assert.Equal(t, "upnp", m.Method)
	assert.Zero(t, pmp.calls)
}

func TestReleaseUsesMappingMethod(t *testing.T) {
	upnp := &fakeMapper{name: "upnp"}
	pmp := &fakeMapper{name: "nat-pmp"}
	d := NewDiscovererWith(time.Second, nil, upnp, pmp)

	m := Mapping{ExternalIP: "203.0.113.7", ExternalPort: 49152, InternalPort: 9000, Method: "nat-pmp"}
	require.NoError(t, d.Release(context.Background(), m))
	assert.Empty(t, upnp.unmapped)
	assert.Equal(t, []Mapping{m}, pmp.unmapped)

	assert.Error(t, d.Release(context.Background(), Mapping{Method: "pcp"}))

	pmp.err = errors.New("not authorized")
	assert.ErrorIs(t, d.Release(context.Background(), m), pmp.err)
}

func TestDiscoverCombinesErrors(t *testing.T) {
	boom := errors.New("boom")
	d := NewDiscovererWith(time.Second, nil,
		&fakeMapper{name: "upnp", err: ErrNoGateway},
		&fakeMapper{name: "nat-pmp", err: boom},
	)
	_, err := d.Discover(context.Background(), "10.0.0.2", 9000)
	assert.ErrorIs(t, err, ErrNoGateway)
	assert.ErrorIs(t, err, boom)

	_, err = NewDiscovererWith(time.Second, nil).Discover(context.Background(), "10.0.0.2", 9000)
	assert.ErrorIs(t, err, ErrNoGateway)
}

type fakeIGD struct {
	ip       string
	mapped   []uint16
	deleted  []uint16
	lease    uint32
	client   string
	mapErr   error
	lookupIP error
}

func (f *fakeIGD) GetExternalIPAddressCtx(context.Context) (string, error) {
	return f.ip, f.lookupIP
}

func (f *fakeIGD) AddPortMappingCtx(_ context.Context, _ string, ext uint16, _ string, _ uint16, client string, _ bool, _ string, lease uint32) error {
	if f.mapErr != nil {
		return f.mapErr
	}
	f.mapped = append(f.mapped, ext)
	f.client = client
	f.lease = lease
	return nil
}

func (f *fakeIGD) DeletePortMappingCtx(_ context.Context, _ string, ext uint16, _ string) error {
	f.deleted = append(f.deleted, ext)
	return nil
}

func TestUPnPMap(t *testing.T) {
	igd := &fakeIGD{ip: "198.51.100.4"}
	u := &UPnP{searches: []igdSearch{
		func(context.Context) ([]igdClient, error) { return nil, errors.New("no v2") },
		func(context.Context) ([]igdClient, error) { return []igdClient{igd}, nil },
	}}

	m, err := u.Map(context.Background(), "192.168.1.5", 9100)
	require.NoError(t, err)
	assert.Equal(t, Mapping{ExternalIP: "198.51.100.4", ExternalPort: 9100, InternalPort: 9100, Method: "upnp"}, m)
	assert.Equal(t, []uint16{9100}, igd.mapped)
	assert.Equal(t, "192.168.1.5", igd.client)
	assert.Equal(t, uint32(LeaseSeconds), igd.lease, "mappings must expire if never released")

	require.NoError(t, u.Unmap(context.Background(), m))
	assert.Equal(t, []uint16{9100}, igd.deleted)
}

func TestUPnPUnmapSearchesWhenNothingMapped(t *testing.T) {
	igd := &fakeIGD{}
	u := &UPnP{searches: []igdSearch{
		func(context.Context) ([]igdClient, error) { return []igdClient{igd}, nil },
	}}
	require.NoError(t, u.Unmap(context.Background(), Mapping{ExternalPort: 9000, Method: "upnp"}))
	assert.Equal(t, []uint16{9000}, igd.deleted)

	assert.ErrorIs(t, (&UPnP{}).Unmap(context.Background(), Mapping{ExternalPort: 9000}), ErrNoGateway)
}

func TestUPnPErrors(t *testing.T) {
	_, err := (&UPnP{}).Map(context.Background(), "192.168.1.5", 9100)
	assert.ErrorIs(t, err, ErrNoGateway)

	refused := errors.New("conflict in mapping entry")
	u := &UPnP{searches: []igdSearch{
		func(context.Context) ([]igdClient, error) { return []igdClient{&fakeIGD{mapErr: refused}}, nil },
	}}
	_, err = u.Map(context.Background(), "192.168.1.5", 9100)
	assert.ErrorIs(t, err, refused)

	noAddr := &fakeIGD{}
	u = &UPnP{searches: []igdSearch{
		func(context.Context) ([]igdClient, error) { return []igdClient{noAddr}, nil },
	}}
	_, err = u.Map(context.Background(), "192.168.1.5", 9100)
	assert.Error(t, err, "empty external address")
	assert.Equal(t, []uint16{9100}, noAddr.deleted, "forward without an address is rolled back")
}

type pmpRequest struct {
	internal, external, lifetime int
}

type fakePMP struct {
	port     uint16
	ip       [4]byte
	err      error
	requests []pmpRequest
}

func (f *fakePMP) AddPortMapping(_ string, internal, external int, lifetime int) (*natpmp.AddPortMappingResult, error) {
	f.requests = append(f.requests, pmpRequest{internal, external, lifetime})
	if f.err != nil {
		return nil, f.err
	}
	return &natpmp.AddPortMappingResult{MappedExternalPort: f.port}, nil
}

func (f *fakePMP) GetExternalAddress() (*natpmp.GetExternalAddressResult, error) {
	return &natpmp.GetExternalAddressResult{ExternalIPAddress: f.ip}, nil
}

func TestPMPMap(t *testing.T) {
	var gotGateway net.IP
	client := &fakePMP{port: 49152, ip: [4]byte{203, 0, 113, 9}}
	p := &PMP{
		discoverGateway: func() (net.IP, error) { return net.IPv4(192, 168, 1, 1), nil },
		newClient: func(gw net.IP, _ time.Duration) pmpClient {
			gotGateway = gw
			return client
		},
	}

	m, err := p.Map(context.Background(), "192.168.1.5", 9000)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.9:49152", m.Addr())
	assert.Equal(t, 9000, m.InternalPort)
	assert.Equal(t, "nat-pmp", m.Method)
	assert.True(t, gotGateway.Equal(net.IPv4(192, 168, 1, 1)))

	require.NoError(t, p.Unmap(context.Background(), m))
	assert.Equal(t, []pmpRequest{
		{internal: 9000, external: 9000, lifetime: LeaseSeconds},
		{internal: 9000, external: 0, lifetime: 0},
	}, client.requests)
}

func TestPMPErrors(t *testing.T) {
	p := &PMP{
		discoverGateway: func() (net.IP, error) { return nil, errors.New("no route") },
	}
	_, err := p.Map(context.Background(), "", 9000)
	assert.ErrorIs(t, err, ErrNoGateway)

	unsupported := errors.New("unsupported")
	p = &PMP{
		discoverGateway: func() (net.IP, error) { return net.IPv4(10, 0, 0, 1), nil },
		newClient:       func(net.IP, time.Duration) pmpClient { return &fakePMP{err: unsupported} },
	}
	_, err = p.Map(context.Background(), "", 9000)
	assert.ErrorIs(t, err, unsupported)
}

func TestPMPHonoursContext(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	p := &PMP{
		discoverGateway: func() (net.IP, error) {
			<-block
			return nil, errors.New("unreachable")
		},
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := p.Map(ctx, "", 9000)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLocalIP(t *testing.T) {
	ip := net.ParseIP(LocalIP())
	require.NotNil(t, ip)
	assert.NotNil(t, ip.To4())
}
