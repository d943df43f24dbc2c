package notify

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/dokzlo13/tradfrid/internal/ledger"
	"github.com/dokzlo13/tradfrid/internal/mqtt"
)

// Sink delivers envelopes downstream. Failed deliveries are not retried.
type Sink interface {
	Deliver(ctx context.Context, env Envelope) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, env Envelope) error

// Deliver implements Sink.
func (f SinkFunc) Deliver(ctx context.Context, env Envelope) error {
	return f(ctx, env)
}

// MultiSink delivers to every sink and joins their errors.
type MultiSink []Sink

// Deliver implements Sink.
func (m MultiSink) Deliver(ctx context.Context, env Envelope) error {
	var errs []error
	for _, s := range m {
		if err := s.Deliver(ctx, env); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Publisher is the part of the MQTT client the sink needs.
type Publisher interface {
	PublishJSON(topic string, v any, retained bool) error
	Topics() mqtt.Topics
}

// MQTTSink publishes envelopes on <prefix>/<output>.
type MQTTSink struct {
	client Publisher
}

// NewMQTTSink creates an MQTT sink.
func NewMQTTSink(client Publisher) *MQTTSink {
	return &MQTTSink{client: client}
}

// Deliver implements Sink.
func (s *MQTTSink) Deliver(ctx context.Context, env Envelope) error {
	if err := s.client.PublishJSON(s.client.Topics().Output(env.Output), env, false); err != nil {
		return fmt.Errorf("mqtt sink: %w", err)
	}
	return nil
}

// LedgerSink appends every delivered notification to the audit ledger.
type LedgerSink struct {
	recorder ledger.Recorder
}

// NewLedgerSink creates a ledger sink.
func NewLedgerSink(recorder ledger.Recorder) *LedgerSink {
	return &LedgerSink{recorder: recorder}
}

// Deliver implements Sink.
func (s *LedgerSink) Deliver(ctx context.Context, env Envelope) error {
	payload := map[string]any{
		"output":     env.Output,
		"name":       env.Body.Name,
		"state":      env.Body.State,
		"brightness": env.Body.Brightness,
	}
	if env.Body.ColorHex != "" {
		payload["colorHex"] = env.Body.ColorHex
	}
	if env.Body.GroupID != nil {
		payload["groupId"] = *env.Body.GroupID
	}
	subject := strconv.FormatInt(env.Body.ID, 10)
	if err := s.recorder.Record(ledger.EventNotification, "notify", subject, env.MessageID, payload); err != nil {
		return fmt.Errorf("ledger sink: %w", err)
	}
	return nil
}
