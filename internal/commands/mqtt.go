package commands

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/tradfrid/internal/mqtt"
)

// SourceMQTT names the MQTT transport in logs and the ledger.
const SourceMQTT = "mqtt"

const mqttCommandTimeout = 30 * time.Second

// Broker is the part of the MQTT client the command transport uses.
type Broker interface {
	Topics() mqtt.Topics
	Subscribe(topic string, handler mqtt.MessageHandler) error
	PublishJSON(topic string, v any, retained bool) error
}

// MQTTTransport answers command requests published on
// <prefix>/methods/<name>/request with the reply on the matching response
// topic.
type MQTTTransport struct {
	broker   Broker
	registry *Registry

	ctx context.Context
	wg  sync.WaitGroup
}

// NewMQTTTransport creates the transport. Nothing is subscribed until Start.
func NewMQTTTransport(broker Broker, registry *Registry) *MQTTTransport {
	return &MQTTTransport{broker: broker, registry: registry}
}

// Start subscribes to all command request topics. Requests in flight are
// cancelled with ctx.
func (t *MQTTTransport) Start(ctx context.Context) error {
	t.ctx = ctx
	topic := t.broker.Topics().MethodRequests()
	if err := t.broker.Subscribe(topic, t.handleRequest); err != nil {
		return fmt.Errorf("failed to subscribe to command requests: %w", err)
	}
	log.Info().Str("topic", topic).Msg("Listening for MQTT commands")
	return nil
}

// Wait blocks until every dispatched request has been answered.
func (t *MQTTTransport) Wait() {
	t.wg.Wait()
}

// handleRequest runs on the MQTT router goroutine, so the command itself is
// dispatched asynchronously.
func (t *MQTTTransport) handleRequest(topic string, payload []byte) error {
	topics := t.broker.Topics()
	name, ok := topics.MethodName(topic)
	if !ok {
		return fmt.Errorf("%w: not a command request topic: %s", mqtt.ErrInvalidTopic, topic)
	}

	body := append([]byte(nil), payload...)
	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		ctx, cancel := context.WithTimeout(t.ctx, mqttCommandTimeout)
		defer cancel()

		reply := t.registry.Dispatch(ctx, name, SourceMQTT, body)
		if err := t.broker.PublishJSON(topics.MethodResponse(name), reply, false); err != nil {
			log.Error().Err(err).Str("command", name).Msg("Failed to publish command response")
		}
	}()
	return nil
}
