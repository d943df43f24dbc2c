package topology

import (
	"errors"
	"sort"
	"strconv"
	"strings"

	"github.com/dokzlo13/tradfrid/internal/gateway"
)

var (
	// ErrNoGroups is returned when the gateway reported no groups.
	ErrNoGroups = errors.New("gateway returned no groups")

	// ErrNoDevices is returned when the gateway reported no devices.
	ErrNoDevices = errors.New("gateway returned no devices")
)

// Snapshot is an immutable group-id -> group mapping built by one refresh.
// Callers must not modify it.
type Snapshot struct {
	groups  map[int64]*Group
	owner   map[int64]int64 // device id -> group id
	devices int
	Missing int // member ids the device list did not contain
}

// Build assembles a snapshot from the gateway's group and device lists.
// A member id missing from the device list becomes a placeholder device
// carrying only its id.
func Build(groups []gateway.Group, devices []gateway.Device) (*Snapshot, error) {
	if len(groups) == 0 {
		return nil, ErrNoGroups
	}
	if len(devices) == 0 {
		return nil, ErrNoDevices
	}

	byID := make(map[int64]*gateway.Device, len(devices))
	for i := range devices {
		byID[devices[i].ID] = &devices[i]
	}

	s := &Snapshot{
		groups: make(map[int64]*Group, len(groups)),
		owner:  make(map[int64]int64),
	}

	for i := range groups {
		g := &groups[i]
		group := &Group{
			ID:         g.ID,
			Name:       g.Name,
			LightState: g.LightState,
			ActiveMood: g.ActiveMood,
			Devices:    make(map[int64]*Device, len(g.DeviceIDs())),
		}

		for _, id := range g.DeviceIDs() {
			if raw, ok := byID[id]; ok {
				group.Devices[id] = FromGateway(raw)
			} else {
				group.Devices[id] = &Device{ID: id}
				s.Missing++
			}
			if _, seen := s.owner[id]; !seen {
				s.owner[id] = g.ID
			}
		}

		s.devices += len(group.Devices)
		s.groups[g.ID] = group
	}

	return s, nil
}

// Len returns the number of groups.
func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.groups)
}

// DeviceCount returns the number of group member entries.
func (s *Snapshot) DeviceCount() int {
	if s == nil {
		return 0
	}
	return s.devices
}

// Group returns a group by id.
func (s *Snapshot) Group(id int64) (*Group, bool) {
	if s == nil {
		return nil, false
	}
	g, ok := s.groups[id]
	return g, ok
}

// GroupOf returns the group whose membership contains the device.
func (s *Snapshot) GroupOf(deviceID int64) (*Group, bool) {
	if s == nil {
		return nil, false
	}
	groupID, ok := s.owner[deviceID]
	if !ok {
		return nil, false
	}
	return s.Group(groupID)
}

// Device returns a device from whichever group holds it.
func (s *Snapshot) Device(id int64) (*Device, bool) {
	g, ok := s.GroupOf(id)
	if !ok {
		return nil, false
	}
	d, ok := g.Devices[id]
	return d, ok
}

// Groups returns all groups ordered by id.
func (s *Snapshot) Groups() []*Group {
	return s.Filter("")
}

// Filter returns the groups whose decimal id contains substr, ordered by id.
// An empty substr matches every group.
func (s *Snapshot) Filter(substr string) []*Group {
	if s == nil {
		return nil
	}
	groups := make([]*Group, 0, len(s.groups))
	for id, g := range s.groups {
		if substr == "" || strings.Contains(strconv.FormatInt(id, 10), substr) {
			groups = append(groups, g)
		}
	}
	sort.Slice(groups, func(i, j int) bool { return groups[i].ID < groups[j].ID })
	return groups
}
