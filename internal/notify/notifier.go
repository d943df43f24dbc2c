package notify

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/tradfrid/internal/eventbus"
	"github.com/dokzlo13/tradfrid/internal/gateway"
	"github.com/dokzlo13/tradfrid/internal/lifecycle"
	"github.com/dokzlo13/tradfrid/internal/metrics"
)

// DefaultOutput is the output channel notifications are routed to.
const DefaultOutput = "output1"

const deliverTimeout = 10 * time.Second

// Sessions gives access to the current gateway session.
type Sessions interface {
	Session() *lifecycle.Session
}

// Notifier resolves device changes against the live topology and delivers
// the resulting notifications.
type Notifier struct {
	sessions Sessions
	sink     Sink
	output   string
}

// NewNotifier creates a notifier delivering to sink on the given output.
func NewNotifier(sessions Sessions, sink Sink, output string) *Notifier {
	if output == "" {
		output = DefaultOutput
	}
	return &Notifier{sessions: sessions, sink: sink, output: output}
}

// Subscribe registers the notifier for device_changed events.
func (n *Notifier) Subscribe(bus *eventbus.Bus) {
	bus.Subscribe(eventbus.EventTypeDeviceChanged, n.HandleEvent)
}

// HandleEvent is the event bus handler.
func (n *Notifier) HandleEvent(e eventbus.Event) {
	device, ok := e.Payload.(gateway.Device)
	if !ok {
		log.Warn().Str("event_type", string(e.Type)).Msg("Device change event without device payload")
		return
	}
	n.Notify(context.Background(), device)
}

// Notify resolves and delivers one change. It reports whether a
// notification was delivered.
func (n *Notifier) Notify(ctx context.Context, device gateway.Device) bool {
	session := n.sessions.Session()
	if session == nil {
		metrics.IncNotification(metrics.ResultSkipped)
		return false
	}

	notification, ok := Resolve(session.Topology.Snapshot(), device)
	if !ok {
		log.Debug().Int64("device_id", device.ID).Msg("Device change suppressed")
		metrics.IncNotification(metrics.ResultSkipped)
		return false
	}

	env := NewEnvelope(n.output, notification)

	ctx, cancel := context.WithTimeout(ctx, deliverTimeout)
	defer cancel()

	if err := n.sink.Deliver(ctx, env); err != nil {
		log.Error().
			Err(err).
			Int64("device_id", device.ID).
			Str("message_id", env.MessageID).
			Msg("Failed to deliver notification")
		metrics.IncNotification(metrics.ResultError)
		return false
	}

	metrics.IncNotification(metrics.ResultSuccess)
	log.Debug().
		Int64("device_id", notification.ID).
		Str("state", notification.State).
		Str("message_id", env.MessageID).
		Msg("Notification delivered")
	return true
}
