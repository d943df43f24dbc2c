package gateway

import "time"

// DeviceKind is the gateway's device type code (resource key 5750).
type DeviceKind int

const (
	KindRemote       DeviceKind = 0
	KindSlaveRemote  DeviceKind = 1
	KindLight        DeviceKind = 2
	KindOutlet       DeviceKind = 3
	KindMotionSensor DeviceKind = 4
	KindRepeater     DeviceKind = 6
	KindBlind        DeviceKind = 7
)

// String returns a lowercase name for the kind.
func (k DeviceKind) String() string {
	switch k {
	case KindRemote:
		return "remote"
	case KindSlaveRemote:
		return "slave_remote"
	case KindLight:
		return "light"
	case KindOutlet:
		return "outlet"
	case KindMotionSensor:
		return "motion_sensor"
	case KindRepeater:
		return "repeater"
	case KindBlind:
		return "blind"
	default:
		return "unknown"
	}
}

// PowerSource is the device info power source code.
type PowerSource int

const (
	PowerUnknown         PowerSource = 0
	PowerInternalBattery PowerSource = 1
	PowerExternalBattery PowerSource = 2
	PowerBattery         PowerSource = 3
	PowerOverEthernet    PowerSource = 4
	PowerUSB             PowerSource = 5
	PowerACPower         PowerSource = 6
	PowerSolar           PowerSource = 7
)

// IsBattery reports whether the device runs on any kind of battery.
func (p PowerSource) IsBattery() bool {
	return p == PowerInternalBattery || p == PowerExternalBattery || p == PowerBattery
}

// String returns a lowercase name for the power source.
func (p PowerSource) String() string {
	switch p {
	case PowerInternalBattery:
		return "internal_battery"
	case PowerExternalBattery:
		return "external_battery"
	case PowerBattery:
		return "battery"
	case PowerOverEthernet:
		return "poe"
	case PowerUSB:
		return "usb"
	case PowerACPower:
		return "ac"
	case PowerSolar:
		return "solar"
	default:
		return "unknown"
	}
}

// DeviceInfo is the device information sub-object (resource key 3).
type DeviceInfo struct {
	Manufacturer string      `json:"0"`
	Model        string      `json:"1"`
	Serial       string      `json:"2"`
	Firmware     string      `json:"3"`
	PowerSource  PowerSource `json:"6"`
	Battery      *int        `json:"9,omitempty"`
}

// LightControl is one entry of a device's light control list (resource key 3311).
type LightControl struct {
	State    int    `json:"5850"`
	Dimmer   int    `json:"5851"`
	ColorHex string `json:"5706,omitempty"`
}

// PlugControl is one entry of a device's plug control list (resource key 3312).
type PlugControl struct {
	State  int `json:"5850"`
	Dimmer int `json:"5851"`
}

// Device is a device record as reported by the gateway.
type Device struct {
	ID           int64          `json:"9003"`
	Name         string         `json:"9001"`
	Kind         DeviceKind     `json:"5750"`
	Reachable    int            `json:"9019"`
	LastSeenUnix int64          `json:"9020"`
	Info         DeviceInfo     `json:"3"`
	LightControl []LightControl `json:"3311,omitempty"`
	PlugControl  []PlugControl  `json:"3312,omitempty"`
}

// LastSeen returns the last seen timestamp in UTC, or the zero time when unknown.
func (d *Device) LastSeen() time.Time {
	if d.LastSeenUnix <= 0 {
		return time.Time{}
	}
	return time.Unix(d.LastSeenUnix, 0).UTC()
}

// GroupMembers is the membership sub-object of a group (9018 -> 15002 -> 9003).
type GroupMembers struct {
	Accessories struct {
		IDs []int64 `json:"9003"`
	} `json:"15002"`
}

// Group is a group record as reported by the gateway.
type Group struct {
	ID         int64        `json:"9003"`
	Name       string       `json:"9001"`
	LightState int64        `json:"5850"`
	ActiveMood int64        `json:"9039"`
	Members    GroupMembers `json:"9018"`
}

// DeviceIDs returns the ids of the member devices.
func (g *Group) DeviceIDs() []int64 {
	return g.Members.Accessories.IDs
}

// GatewayInfo is the gateway metadata (resource /15011/15012).
type GatewayInfo struct {
	NTP                   string `json:"9023"`
	Firmware              string `json:"9029"`
	OTAUpdateState        int64  `json:"9054"`
	GatewayUpdateProgress int64  `json:"9055"`
	CurrentTimeISO8601    string `json:"9060"`
	CommissioningMode     int64  `json:"9061"`
	OTAType               int64  `json:"9066"`
	GatewayTimeSource     int64  `json:"9071"`
	GatewayID             string `json:"9081"`
	HomekitID             string `json:"9083"`
}

// LightUpdate carries the fields of a light command. Nil fields are left unchanged.
type LightUpdate struct {
	On       *bool
	Dimmer   *int
	ColorHex *string
}

// GroupUpdate carries the fields of a group command. Nil fields are left unchanged.
type GroupUpdate struct {
	On     *bool
	Dimmer *int
}

// Credentials authenticate a session with the gateway.
type Credentials struct {
	Identity string
	Secret   string
}
