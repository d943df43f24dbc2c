package topology

import (
	"sort"
	"time"

	"github.com/dokzlo13/tradfrid/internal/gateway"
)

// PowerState is the on/off state of a light or outlet.
type PowerState string

const (
	StateOn      PowerState = "on"
	StateOff     PowerState = "off"
	StateUnknown PowerState = "unknown"
)

// PowerStateOf converts the gateway's state code.
func PowerStateOf(code int) PowerState {
	switch code {
	case 1:
		return StateOn
	case 0:
		return StateOff
	default:
		return StateUnknown
	}
}

// LightState is the light control sub-state of a device.
type LightState struct {
	Dimmer   int        `json:"dimmer"`
	State    PowerState `json:"state"`
	ColorHex string     `json:"colorHex"`
}

// Device is a flattened device record.
type Device struct {
	ID             int64       `json:"id"`
	Name           string      `json:"name"`
	Battery        *int        `json:"battery"`
	DeviceType     string      `json:"deviceType"`
	DeviceTypeExt  string      `json:"deviceTypeExt"`
	ReachableState string      `json:"reachableState"`
	LastSeen       time.Time   `json:"lastSeen"`
	Serial         string      `json:"serial"`
	Firmware       string      `json:"firmwareVersion"`
	PowerSource    string      `json:"powerSource"`
	Light          *LightState `json:"light,omitempty"`
}

// Group is a gateway group with its member devices.
type Group struct {
	ID         int64             `json:"id"`
	Name       string            `json:"name"`
	LightState int64             `json:"lightState"`
	ActiveMood int64             `json:"activeMood"`
	Devices    map[int64]*Device `json:"devices"`
}

// FromGateway flattens a gateway device record. Only the first light control
// entry is used.
func FromGateway(d *gateway.Device) *Device {
	device := &Device{
		ID:             d.ID,
		Name:           d.Name,
		DeviceType:     d.Kind.String(),
		DeviceTypeExt:  d.Info.Model,
		ReachableState: reachable(d.Reachable),
		LastSeen:       d.LastSeen(),
		Serial:         d.Info.Serial,
		Firmware:       d.Info.Firmware,
		PowerSource:    d.Info.PowerSource.String(),
	}
	if d.Info.Battery != nil {
		battery := *d.Info.Battery
		device.Battery = &battery
	}
	if len(d.LightControl) > 0 {
		lc := d.LightControl[0]
		device.Light = &LightState{
			Dimmer:   lc.Dimmer,
			State:    PowerStateOf(lc.State),
			ColorHex: lc.ColorHex,
		}
	}
	return device
}

func reachable(code int) string {
	if code == 1 {
		return "online"
	}
	return "offline"
}

// DeviceList returns the group's devices ordered by id.
func (g *Group) DeviceList() []*Device {
	devices := make([]*Device, 0, len(g.Devices))
	for _, d := range g.Devices {
		devices = append(devices, d)
	}
	sort.Slice(devices, func(i, j int) bool { return devices[i].ID < devices[j].ID })
	return devices
}
