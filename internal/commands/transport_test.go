package commands

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/dokzlo13/tradfrid/internal/mqtt"
)

func TestServer_Methods(t *testing.T) {
	f := newFixture(t, testConfig(), true)
	srv := httptest.NewServer(NewServer("127.0.0.1", 0, f.registry, nil).Handler())
	defer srv.Close()

	tests := []struct {
		name      string
		path      string
		body      string
		wantState float64
	}{
		{name: "ok", path: "/methods/setLight", body: `{"id":65537,"brightness":5}`, wantState: StateOK},
		{name: "not found", path: "/methods/setLight", body: `{"id":99999,"state":true}`, wantState: StateNotFound},
		{name: "invalid", path: "/methods/setLight", body: `not json`, wantState: StateInvalidRequest},
		{name: "unknown command", path: "/methods/selfDestruct", body: `{}`, wantState: StateInvalidRequest},
		{name: "empty body", path: "/methods/collectInformation", body: ``, wantState: StateOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := http.Post(srv.URL+tt.path, "application/json", strings.NewReader(tt.body))
			if err != nil {
				t.Fatalf("POST error = %v", err)
			}
			defer resp.Body.Close()

			if resp.StatusCode != http.StatusOK {
				t.Errorf("status = %d, want 200", resp.StatusCode)
			}
			if ct := resp.Header.Get("Content-Type"); ct != "application/json" {
				t.Errorf("Content-Type = %q", ct)
			}

			var body map[string]any
			if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
				t.Fatalf("decode error = %v", err)
			}
			if body["responseState"] != tt.wantState {
				t.Errorf("responseState = %v, want %v (%v)", body["responseState"], tt.wantState, body["errorMessage"])
			}
			_, hasMessage := body["errorMessage"]
			if hasMessage != (tt.wantState != StateOK) {
				t.Errorf("errorMessage present = %v for state %v", hasMessage, tt.wantState)
			}
		})
	}

	calls := f.gw.Lights()
	if len(calls) != 1 || calls[0].Update.Dimmer == nil || *calls[0].Update.Dimmer != 127 {
		t.Errorf("light calls = %+v", calls)
	}
}

func TestServer_ListAndMethodNotAllowed(t *testing.T) {
	f := newFixture(t, testConfig(), false)
	srv := httptest.NewServer(NewServer("127.0.0.1", 0, f.registry, nil).Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/methods")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	var list struct {
		Methods []string `json:"methods"`
	}
	json.NewDecoder(resp.Body).Decode(&list)
	resp.Body.Close()
	if len(list.Methods) != len(f.registry.Names()) {
		t.Errorf("methods = %v", list.Methods)
	}

	resp, err = http.Get(srv.URL + "/methods/reboot")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusMethodNotAllowed {
		t.Errorf("GET on a command status = %d, want 405", resp.StatusCode)
	}

	resp, err = http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatalf("GET error = %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Errorf("events without a hub status = %d, want 404", resp.StatusCode)
	}
}

type publication struct {
	topic    string
	payload  any
	retained bool
}

type fakeBroker struct {
	mu        sync.Mutex
	handlers  map[string]mqtt.MessageHandler
	published []publication
}

func (b *fakeBroker) Topics() mqtt.Topics { return mqtt.Topics{Prefix: "tradfri"} }

func (b *fakeBroker) Subscribe(topic string, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.handlers == nil {
		b.handlers = make(map[string]mqtt.MessageHandler)
	}
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBroker) PublishJSON(topic string, v any, retained bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.published = append(b.published, publication{topic, v, retained})
	return nil
}

func TestMQTTTransport(t *testing.T) {
	f := newFixture(t, testConfig(), true)
	broker := &fakeBroker{}
	transport := NewMQTTTransport(broker, f.registry)

	if err := transport.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	handler, ok := broker.handlers["tradfri/methods/+/request"]
	if !ok {
		t.Fatalf("subscriptions = %v", broker.handlers)
	}

	if err := handler("tradfri/methods/setOutlet/request", []byte(`{"id":65540,"state":true}`)); err != nil {
		t.Fatalf("handler error = %v", err)
	}
	if err := handler("tradfri/status", nil); err == nil {
		t.Error("a non-request topic should be rejected")
	}
	transport.Wait()

	if len(broker.published) != 1 {
		t.Fatalf("published = %+v", broker.published)
	}
	pub := broker.published[0]
	if pub.topic != "tradfri/methods/setOutlet/response" || pub.retained {
		t.Errorf("published to %q retained=%v", pub.topic, pub.retained)
	}
	if reply, ok := pub.payload.(Reply); !ok || reply.Code() != StateOK {
		t.Errorf("payload = %+v", pub.payload)
	}
	if len(f.gw.Outlets()) != 1 {
		t.Errorf("outlet calls = %+v", f.gw.Outlets())
	}
}
