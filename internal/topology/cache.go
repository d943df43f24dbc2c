// Package topology holds the group/device snapshot of the gateway.
package topology

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/tradfrid/internal/gateway"
)

// Source is the part of the gateway client a refresh needs.
type Source interface {
	Groups(ctx context.Context) ([]gateway.Group, error)
	Devices(ctx context.Context) ([]gateway.Device, error)
}

// Cache holds the current snapshot. It does NOT own the gateway client;
// callers pass the source on every refresh.
//
// The snapshot is replaced wholesale, so readers see either the previous
// snapshot or the new one, never a mix.
type Cache struct {
	current atomic.Pointer[Snapshot]
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{}
}

// Snapshot returns the current snapshot, or nil when the cache is empty.
func (c *Cache) Snapshot() *Snapshot {
	return c.current.Load()
}

// Refresh fetches groups and devices and replaces the snapshot.
// On failure the previous snapshot is kept.
func (c *Cache) Refresh(ctx context.Context, src Source) (*Snapshot, error) {
	groups, err := src.Groups(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch groups: %w", err)
	}

	devices, err := src.Devices(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch devices: %w", err)
	}

	snapshot, err := Build(groups, devices)
	if err != nil {
		return nil, err
	}

	c.current.Store(snapshot)

	if snapshot.Missing > 0 {
		log.Warn().Int("missing", snapshot.Missing).Msg("Group members missing from device list, using placeholders")
	}
	log.Debug().
		Int("groups", snapshot.Len()).
		Int("devices", snapshot.DeviceCount()).
		Msg("Topology refreshed")

	return snapshot, nil
}

// Clear drops the snapshot.
func (c *Cache) Clear() {
	c.current.Store(nil)
}
