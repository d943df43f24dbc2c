// Package gatewaytest provides an in-memory gateway for tests.
package gatewaytest

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/dokzlo13/tradfrid/internal/gateway"
)

// ErrInjected is a generic failure for tests that only need some error.
var ErrInjected = errors.New("injected failure")

// LightCall records one SetLight invocation.
type LightCall struct {
	ID     int64
	Update gateway.LightUpdate
}

// GroupCall records one SetGroup invocation.
type GroupCall struct {
	ID     int64
	Update gateway.GroupUpdate
}

// OutletCall records one SetOutlet invocation.
type OutletCall struct {
	ID int64
	On bool
}

// Gateway is a fake physical gateway shared by every client the factory builds.
type Gateway struct {
	mu      sync.Mutex
	groups  []gateway.Group
	devices []gateway.Device
	info    gateway.GatewayInfo

	// Injected failures
	ConnectErr  error
	GroupsErr   error
	DevicesErr  error
	ObserveErr  map[int64]error
	CommandErr  error
	InfoErr     error
	GenerateErr error

	// ConnectGate, when set, blocks Connect until it is closed.
	ConnectGate chan struct{}

	constructed atomic.Int64
	closed      atomic.Int64
	maxLive     atomic.Int64

	clients      []*Client
	observations int
	lights       []LightCall
	outlets      []OutletCall
	groupCalls   []GroupCall
	reboots      int
	secrets      map[string]string
}

// New creates a fake gateway with the given topology.
func New(groups []gateway.Group, devices []gateway.Device) *Gateway {
	return &Gateway{
		groups:     groups,
		devices:    devices,
		ObserveErr: make(map[int64]error),
		secrets:    make(map[string]string),
	}
}

// SetTopology replaces groups and devices.
func (g *Gateway) SetTopology(groups []gateway.Group, devices []gateway.Device) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.groups = groups
	g.devices = devices
}

// SetInfo replaces the gateway metadata.
func (g *Gateway) SetInfo(info gateway.GatewayInfo) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.info = info
}

// Factory returns a gateway.Factory building clients bound to g.
func (g *Gateway) Factory() gateway.Factory {
	return func(name, address string) gateway.Client {
		c := &Client{gw: g, name: name, address: address, observers: make(map[int64]func(gateway.Device))}
		live := g.constructed.Add(1) - g.closed.Load()
		for {
			peak := g.maxLive.Load()
			if live <= peak || g.maxLive.CompareAndSwap(peak, live) {
				break
			}
		}
		g.mu.Lock()
		g.clients = append(g.clients, c)
		g.mu.Unlock()
		return c
	}
}

// Constructed returns how many clients the factory built.
func (g *Gateway) Constructed() int64 { return g.constructed.Load() }

// Live returns how many built clients are not closed.
func (g *Gateway) Live() int64 { return g.constructed.Load() - g.closed.Load() }

// MaxLive returns the highest number of simultaneously live clients seen.
func (g *Gateway) MaxLive() int64 { return g.maxLive.Load() }

// Clients returns every client built so far.
func (g *Gateway) Clients() []*Client {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]*Client(nil), g.clients...)
}

// Observations returns how many Observe calls succeeded.
func (g *Gateway) Observations() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.observations
}

// Lights returns recorded SetLight calls.
func (g *Gateway) Lights() []LightCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]LightCall(nil), g.lights...)
}

// Outlets returns recorded SetOutlet calls.
func (g *Gateway) Outlets() []OutletCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]OutletCall(nil), g.outlets...)
}

// GroupCalls returns recorded SetGroup calls.
func (g *Gateway) GroupCalls() []GroupCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]GroupCall(nil), g.groupCalls...)
}

// Reboots returns how many times Reboot was called.
func (g *Gateway) Reboots() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.reboots
}

// Emit delivers a device change to the observer installed on the newest client.
// It reports whether an observer received it.
func (g *Gateway) Emit(device gateway.Device) bool {
	g.mu.Lock()
	var latest *Client
	if len(g.clients) > 0 {
		latest = g.clients[len(g.clients)-1]
	}
	g.mu.Unlock()
	if latest == nil {
		return false
	}
	return latest.emit(device)
}

// Client is a fake gateway session.
type Client struct {
	gw      *Gateway
	name    string
	address string

	mu        sync.Mutex
	creds     gateway.Credentials
	connected bool
	closed    bool
	observers map[int64]func(gateway.Device)
}

// Address returns the address the client was built for.
func (c *Client) Address() string { return c.address }

// Name returns the gateway name.
func (c *Client) Name() string { return c.name }

// Credentials returns the credentials passed to Connect.
func (c *Client) Credentials() gateway.Credentials {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.creds
}

// IsClosed reports whether Close was called.
func (c *Client) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Client) ready() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return gateway.ErrClosed
	}
	if !c.connected {
		return gateway.ErrNotConnected
	}
	return nil
}

func (c *Client) Connect(ctx context.Context, creds gateway.Credentials) error {
	if gate := c.gw.ConnectGate; gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if c.gw.ConnectErr != nil {
		return c.gw.ConnectErr
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return gateway.ErrClosed
	}
	c.creds = creds
	c.connected = true
	return nil
}

func (c *Client) Groups(ctx context.Context) ([]gateway.Group, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if c.gw.GroupsErr != nil {
		return nil, c.gw.GroupsErr
	}
	c.gw.mu.Lock()
	defer c.gw.mu.Unlock()
	return append([]gateway.Group(nil), c.gw.groups...), nil
}

func (c *Client) Devices(ctx context.Context) ([]gateway.Device, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if c.gw.DevicesErr != nil {
		return nil, c.gw.DevicesErr
	}
	c.gw.mu.Lock()
	defer c.gw.mu.Unlock()
	return append([]gateway.Device(nil), c.gw.devices...), nil
}

func (c *Client) Device(ctx context.Context, id int64) (*gateway.Device, error) {
	devices, err := c.Devices(ctx)
	if err != nil {
		return nil, err
	}
	for i := range devices {
		if devices[i].ID == id {
			return &devices[i], nil
		}
	}
	return nil, gateway.ErrNotFound
}

func (c *Client) Observe(ctx context.Context, id int64, fn func(gateway.Device)) error {
	if err := c.ready(); err != nil {
		return err
	}
	c.gw.mu.Lock()
	err := c.gw.ObserveErr[id]
	if err == nil {
		c.gw.observations++
	}
	c.gw.mu.Unlock()
	if err != nil {
		return err
	}
	c.mu.Lock()
	c.observers[id] = fn
	c.mu.Unlock()
	return nil
}

func (c *Client) emit(device gateway.Device) bool {
	c.mu.Lock()
	fn, ok := c.observers[device.ID]
	closed := c.closed
	c.mu.Unlock()
	if !ok || closed {
		return false
	}
	fn(device)
	return true
}

func (c *Client) SetLight(ctx context.Context, id int64, update gateway.LightUpdate) error {
	if err := c.ready(); err != nil {
		return err
	}
	if c.gw.CommandErr != nil {
		return c.gw.CommandErr
	}
	c.gw.mu.Lock()
	defer c.gw.mu.Unlock()
	c.gw.lights = append(c.gw.lights, LightCall{ID: id, Update: update})
	return nil
}

func (c *Client) SetOutlet(ctx context.Context, id int64, on bool) error {
	if err := c.ready(); err != nil {
		return err
	}
	if c.gw.CommandErr != nil {
		return c.gw.CommandErr
	}
	c.gw.mu.Lock()
	defer c.gw.mu.Unlock()
	c.gw.outlets = append(c.gw.outlets, OutletCall{ID: id, On: on})
	return nil
}

func (c *Client) SetGroup(ctx context.Context, id int64, update gateway.GroupUpdate) error {
	if err := c.ready(); err != nil {
		return err
	}
	if c.gw.CommandErr != nil {
		return c.gw.CommandErr
	}
	c.gw.mu.Lock()
	defer c.gw.mu.Unlock()
	c.gw.groupCalls = append(c.gw.groupCalls, GroupCall{ID: id, Update: update})
	return nil
}

func (c *Client) Reboot(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	if c.gw.CommandErr != nil {
		return c.gw.CommandErr
	}
	c.gw.mu.Lock()
	defer c.gw.mu.Unlock()
	c.gw.reboots++
	return nil
}

func (c *Client) Info(ctx context.Context) (*gateway.GatewayInfo, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}
	if c.gw.InfoErr != nil {
		return nil, c.gw.InfoErr
	}
	c.gw.mu.Lock()
	defer c.gw.mu.Unlock()
	info := c.gw.info
	return &info, nil
}

func (c *Client) GenerateSecret(ctx context.Context, gatewaySecret, identity string) (string, error) {
	if c.gw.GenerateErr != nil {
		return "", c.gw.GenerateErr
	}
	secret := "psk-" + identity
	c.gw.mu.Lock()
	c.gw.secrets[identity] = gatewaySecret
	c.gw.mu.Unlock()
	return secret, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	c.connected = false
	c.observers = make(map[int64]func(gateway.Device))
	c.gw.closed.Add(1)
	return nil
}

var _ gateway.Client = (*Client)(nil)
