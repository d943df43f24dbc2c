package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/dokzlo13/tradfrid/internal/gateway"
	"github.com/dokzlo13/tradfrid/internal/ledger"
	"github.com/dokzlo13/tradfrid/internal/lifecycle"
	"github.com/dokzlo13/tradfrid/internal/mqtt"
	"github.com/dokzlo13/tradfrid/internal/topology"
)

func testSnapshot(t *testing.T) *topology.Snapshot {
	t.Helper()
	kitchen := gateway.Group{ID: 131073, Name: "Kitchen"}
	kitchen.Members.Accessories.IDs = []int64{65537, 65538}
	s, err := topology.Build(
		[]gateway.Group{kitchen},
		[]gateway.Device{{ID: 65537}, {ID: 65538}, {ID: 65540}},
	)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	return s
}

func TestResolve(t *testing.T) {
	snapshot := testSnapshot(t)

	tests := []struct {
		name       string
		snapshot   *topology.Snapshot
		device     gateway.Device
		wantOK     bool
		wantState  string
		wantBright int
		wantColor  string
		wantGroup  int64 // 0 = unset
	}{
		{
			name:     "empty snapshot suppresses",
			snapshot: nil,
			device:   gateway.Device{ID: 65537},
			wantOK:   false,
		},
		{
			name:     "missing device id suppresses",
			snapshot: snapshot,
			device:   gateway.Device{Name: "anonymous"},
			wantOK:   false,
		},
		{
			name:     "light in a group",
			snapshot: snapshot,
			device: gateway.Device{
				ID:           65537,
				Name:         "Ceiling",
				LightControl: []gateway.LightControl{{State: 1, Dimmer: 127, ColorHex: "f1e0b5"}, {State: 0, Dimmer: 1}},
			},
			wantOK:     true,
			wantState:  "on",
			wantBright: 127,
			wantColor:  "f1e0b5",
			wantGroup:  131073,
		},
		{
			name:     "light control takes precedence over plug control",
			snapshot: snapshot,
			device: gateway.Device{
				ID:           65538,
				LightControl: []gateway.LightControl{{State: 0, Dimmer: 10}},
				PlugControl:  []gateway.PlugControl{{State: 1, Dimmer: 254}},
			},
			wantOK:     true,
			wantState:  "off",
			wantBright: 10,
			wantGroup:  131073,
		},
		{
			name:     "plug outside any group",
			snapshot: snapshot,
			device: gateway.Device{
				ID:          65540,
				PlugControl: []gateway.PlugControl{{State: 1}},
			},
			wantOK:    true,
			wantState: "on",
		},
		{
			name:      "no control entries",
			snapshot:  snapshot,
			device:    gateway.Device{ID: 65540},
			wantOK:    true,
			wantState: "unknown",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, ok := Resolve(tt.snapshot, tt.device)
			if ok != tt.wantOK {
				t.Fatalf("Resolve() ok = %v, want %v", ok, tt.wantOK)
			}
			if !ok {
				return
			}
			if n.ID != tt.device.ID || n.Name != tt.device.Name {
				t.Errorf("Resolve() id/name = %d/%q", n.ID, n.Name)
			}
			if n.State != tt.wantState || n.Brightness != tt.wantBright || n.ColorHex != tt.wantColor {
				t.Errorf("Resolve() = %+v, want state %s brightness %d color %q", n, tt.wantState, tt.wantBright, tt.wantColor)
			}
			if tt.wantGroup == 0 {
				if n.GroupID != nil || n.GroupName != "" {
					t.Errorf("group should be unset, got %v/%q", n.GroupID, n.GroupName)
				}
			} else if n.GroupID == nil || *n.GroupID != tt.wantGroup || n.GroupName != "Kitchen" {
				t.Errorf("group = %v/%q, want %d/Kitchen", n.GroupID, n.GroupName, tt.wantGroup)
			}
		})
	}
}

func TestNewEnvelope(t *testing.T) {
	env := NewEnvelope("output1", Notification{ID: 1, State: "on"})

	if env.MessageID == "" || env.Output != "output1" {
		t.Errorf("envelope = %+v", env)
	}
	if env.ContentType != "application/json" || env.ContentEncoding != "utf-8" {
		t.Errorf("content type/encoding = %s/%s", env.ContentType, env.ContentEncoding)
	}
	if other := NewEnvelope("output1", Notification{}); other.MessageID == env.MessageID {
		t.Error("message ids should be unique")
	}

	data, err := json.Marshal(env.Body)
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	var body map[string]any
	json.Unmarshal(data, &body)
	if _, ok := body["groupId"]; ok {
		t.Error("unset group id should be omitted")
	}
}

type captureSink struct {
	mu   sync.Mutex
	envs []Envelope
	err  error
}

func (c *captureSink) Deliver(ctx context.Context, env Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.envs = append(c.envs, env)
	return c.err
}

type staticSessions struct {
	session *lifecycle.Session
}

func (s staticSessions) Session() *lifecycle.Session { return s.session }

func TestNotifier_Notify(t *testing.T) {
	cache := topology.NewCache()
	src := &snapshotSource{snapshot: testSnapshot(t)}
	if _, err := cache.Refresh(context.Background(), src); err != nil {
		t.Fatalf("Refresh() error = %v", err)
	}

	sink := &captureSink{}
	n := NewNotifier(staticSessions{&lifecycle.Session{Topology: cache}}, sink, "")

	if !n.Notify(context.Background(), gateway.Device{ID: 65537}) {
		t.Fatal("Notify() should deliver")
	}
	if n.Notify(context.Background(), gateway.Device{}) {
		t.Error("Notify() should suppress a change without device id")
	}
	if len(sink.envs) != 1 || sink.envs[0].Output != DefaultOutput {
		t.Errorf("delivered = %+v", sink.envs)
	}

	sink.err = errors.New("downstream unavailable")
	if n.Notify(context.Background(), gateway.Device{ID: 65537}) {
		t.Error("Notify() should report a failed delivery")
	}

	detached := NewNotifier(staticSessions{}, sink, "")
	if detached.Notify(context.Background(), gateway.Device{ID: 65537}) {
		t.Error("Notify() without a session should suppress")
	}
}

// snapshotSource replays the groups and devices of a test topology.
type snapshotSource struct {
	snapshot *topology.Snapshot
}

func (s *snapshotSource) Groups(ctx context.Context) ([]gateway.Group, error) {
	var groups []gateway.Group
	for _, g := range s.snapshot.Groups() {
		group := gateway.Group{ID: g.ID, Name: g.Name}
		for id := range g.Devices {
			group.Members.Accessories.IDs = append(group.Members.Accessories.IDs, id)
		}
		groups = append(groups, group)
	}
	return groups, nil
}

func (s *snapshotSource) Devices(ctx context.Context) ([]gateway.Device, error) {
	var devices []gateway.Device
	for _, g := range s.snapshot.Groups() {
		for id := range g.Devices {
			devices = append(devices, gateway.Device{ID: id})
		}
	}
	return devices, nil
}

func TestMultiSink_JoinsErrors(t *testing.T) {
	errA := errors.New("a failed")
	ok := &captureSink{}
	sink := MultiSink{
		SinkFunc(func(context.Context, Envelope) error { return errA }),
		ok,
	}

	err := sink.Deliver(context.Background(), NewEnvelope("output1", Notification{ID: 1}))
	if !errors.Is(err, errA) {
		t.Errorf("Deliver() error = %v, want %v", err, errA)
	}
	if len(ok.envs) != 1 {
		t.Error("a failing sink should not stop delivery to the others")
	}
}

type fakePublisher struct {
	topic    string
	payload  any
	retained bool
}

func (f *fakePublisher) PublishJSON(topic string, v any, retained bool) error {
	f.topic, f.payload, f.retained = topic, v, retained
	return nil
}

func (f *fakePublisher) Topics() mqtt.Topics { return mqtt.Topics{Prefix: "tradfri"} }

func TestMQTTSink(t *testing.T) {
	pub := &fakePublisher{}
	env := NewEnvelope("output1", Notification{ID: 1})

	if err := NewMQTTSink(pub).Deliver(context.Background(), env); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if pub.topic != "tradfri/output1" || pub.retained {
		t.Errorf("published to %q retained=%v", pub.topic, pub.retained)
	}
	if got, ok := pub.payload.(Envelope); !ok || got.MessageID != env.MessageID {
		t.Errorf("payload = %+v", pub.payload)
	}
}

type recorderFunc func(ledger.EventType, string, string, string, map[string]any) error

func (f recorderFunc) Record(t ledger.EventType, source, subject, correlationID string, payload map[string]any) error {
	return f(t, source, subject, correlationID, payload)
}

func TestLedgerSink(t *testing.T) {
	var gotSubject, gotCorrelation string
	var gotType ledger.EventType
	rec := recorderFunc(func(et ledger.EventType, source, subject, correlationID string, payload map[string]any) error {
		gotType, gotSubject, gotCorrelation = et, subject, correlationID
		return nil
	})

	group := int64(131073)
	env := NewEnvelope("output1", Notification{ID: 65537, GroupID: &group})
	if err := NewLedgerSink(rec).Deliver(context.Background(), env); err != nil {
		t.Fatalf("Deliver() error = %v", err)
	}
	if gotType != ledger.EventNotification || gotSubject != "65537" || gotCorrelation != env.MessageID {
		t.Errorf("recorded %s subject=%q correlation=%q", gotType, gotSubject, gotCorrelation)
	}
}
