package gateway

import (
	"context"
	"errors"
)

var (
	// ErrNotConnected is returned by operations issued before Connect succeeded.
	ErrNotConnected = errors.New("gateway session not connected")

	// ErrClosed is returned by operations issued after Close.
	ErrClosed = errors.New("gateway client closed")

	// ErrNotFound is returned when the gateway does not know the requested resource.
	ErrNotFound = errors.New("gateway resource not found")
)

// Client is a session with one gateway.
//
// Implementations must be safe for concurrent use: the command path and the
// observation loop call into the same client.
type Client interface {
	// Connect opens the session and authenticates it.
	Connect(ctx context.Context, creds Credentials) error

	Groups(ctx context.Context) ([]Group, error)
	Devices(ctx context.Context) ([]Device, error)
	Device(ctx context.Context, id int64) (*Device, error)

	// Observe installs a change observer for a device, replacing any earlier
	// observer of the same device. fn is called for every reported change
	// until the client is closed.
	Observe(ctx context.Context, id int64, fn func(Device)) error

	SetLight(ctx context.Context, id int64, update LightUpdate) error
	SetOutlet(ctx context.Context, id int64, on bool) error
	SetGroup(ctx context.Context, id int64, update GroupUpdate) error

	Reboot(ctx context.Context) error
	Info(ctx context.Context) (*GatewayInfo, error)

	// GenerateSecret exchanges the secret printed on the gateway for an
	// application secret bound to identity. It does not need Connect.
	GenerateSecret(ctx context.Context, gatewaySecret, identity string) (string, error)

	// Name returns the gateway's logical name.
	Name() string

	// Close ends the session and stops all observers.
	Close() error
}

// Factory constructs an unconnected client for a gateway.
type Factory func(name, address string) Client
