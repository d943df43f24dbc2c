// Package notify turns raw device changes into routed notifications and
// hands them to the configured sinks.
package notify

import (
	"time"

	"github.com/google/uuid"

	"github.com/dokzlo13/tradfrid/internal/gateway"
	"github.com/dokzlo13/tradfrid/internal/topology"
)

// Notification is the routed message for one device change.
type Notification struct {
	ID         int64     `json:"id"`
	Name       string    `json:"name"`
	State      string    `json:"state"`
	Brightness int       `json:"brightness"`
	ColorHex   string    `json:"colorHex,omitempty"`
	GroupID    *int64    `json:"groupId,omitempty"`
	GroupName  string    `json:"groupName,omitempty"`
	LastSeen   time.Time `json:"lastSeen"`
}

// Resolve builds the notification for a device change against a topology
// snapshot. It reports false when the snapshot is empty or the change
// carries no device id.
//
// State, brightness and color come from the first light control entry when
// present, otherwise from the first plug control entry. Group fields are
// left unset when no group contains the device.
func Resolve(snapshot *topology.Snapshot, device gateway.Device) (Notification, bool) {
	if snapshot.Len() == 0 || device.ID == 0 {
		return Notification{}, false
	}

	n := Notification{
		ID:       device.ID,
		Name:     device.Name,
		State:    string(topology.StateUnknown),
		LastSeen: device.LastSeen(),
	}

	switch {
	case len(device.LightControl) > 0:
		lc := device.LightControl[0]
		n.State = string(topology.PowerStateOf(lc.State))
		n.Brightness = lc.Dimmer
		n.ColorHex = lc.ColorHex
	case len(device.PlugControl) > 0:
		pc := device.PlugControl[0]
		n.State = string(topology.PowerStateOf(pc.State))
		n.Brightness = pc.Dimmer
	}

	if g, ok := snapshot.GroupOf(device.ID); ok {
		id := g.ID
		n.GroupID = &id
		n.GroupName = g.Name
	}

	return n, true
}

const (
	ContentType     = "application/json"
	ContentEncoding = "utf-8"
)

// Envelope is the structured event handed to sinks.
type Envelope struct {
	MessageID       string       `json:"messageId"`
	Output          string       `json:"output"`
	ContentType     string       `json:"contentType"`
	ContentEncoding string       `json:"contentEncoding"`
	CreatedAt       time.Time    `json:"createdAt"`
	Body            Notification `json:"body"`
}

// NewEnvelope wraps a notification for delivery on an output channel.
func NewEnvelope(output string, n Notification) Envelope {
	return Envelope{
		MessageID:       uuid.NewString(),
		Output:          output,
		ContentType:     ContentType,
		ContentEncoding: ContentEncoding,
		CreatedAt:       time.Now().UTC(),
		Body:            n,
	}
}
