package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/dokzlo13/tradfrid/internal/config"
	"github.com/dokzlo13/tradfrid/internal/eventbus"
	"github.com/dokzlo13/tradfrid/internal/ledger"
	"github.com/dokzlo13/tradfrid/internal/lifecycle"
	"github.com/dokzlo13/tradfrid/internal/metrics"
	"github.com/dokzlo13/tradfrid/internal/mqtt"
)

type fakeConfigurer struct {
	mu      sync.Mutex
	configs []lifecycle.Config
}

func (f *fakeConfigurer) Configure(ctx context.Context, cfg lifecycle.Config) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.configs = append(f.configs, cfg)
	return nil
}

func (f *fakeConfigurer) calls() []lifecycle.Config {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]lifecycle.Config(nil), f.configs...)
}

type fakeBroker struct {
	mu        sync.Mutex
	handlers  map[string]mqtt.MessageHandler
	published map[string]any
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{handlers: make(map[string]mqtt.MessageHandler), published: make(map[string]any)}
}

func (b *fakeBroker) Topics() mqtt.Topics { return mqtt.Topics{Prefix: "tradfri"} }

func (b *fakeBroker) Subscribe(topic string, handler mqtt.MessageHandler) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.handlers[topic] = handler
	return nil
}

func (b *fakeBroker) PublishJSON(topic string, v any, retained bool) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if retained {
		b.published[topic] = v
	}
	return nil
}

func (b *fakeBroker) reported() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	v, _ := b.published["tradfri/config/reported"].(map[string]any)
	return v
}

func testAppConfig() *config.Config {
	return &config.Config{
		Gateway: config.GatewayConfig{
			Name:      "hub",
			Address:   "192.168.1.20",
			AppSecret: "secret",
		},
		Module: config.ModuleConfig{ID: "tradfri", DeviceID: "edge-1"},
	}
}

func TestConfigService_DesiredProperties(t *testing.T) {
	lc := &fakeConfigurer{}
	broker := newFakeBroker()
	svc := NewConfigService(testAppConfig(), "", lc, broker)

	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if got := broker.reported()[config.PropAppSecret]; got != "<6 characters>" {
		t.Errorf("initial reported secret = %v", got)
	}

	handler := broker.handlers["tradfri/config/desired"]
	if handler == nil {
		t.Fatalf("desired properties not subscribed: %v", broker.handlers)
	}

	tests := []struct {
		name      string
		patch     string
		wantErr   bool
		wantCalls int
		wantAddr  string
	}{
		{name: "malformed", patch: `{`, wantErr: true, wantCalls: 0, wantAddr: "192.168.1.20"},
		{name: "unknown keys only", patch: `{"$version":4}`, wantCalls: 0, wantAddr: "192.168.1.20"},
		{name: "same values", patch: `{"ipAddress":"192.168.1.20"}`, wantCalls: 0, wantAddr: "192.168.1.20"},
		{name: "address change", patch: `{"ipAddress":"192.168.1.30"}`, wantCalls: 1, wantAddr: "192.168.1.30"},
		{name: "bad type", patch: `{"refreshInterval":"often"}`, wantErr: true, wantCalls: 1, wantAddr: "192.168.1.30"},
		{name: "reset to default", patch: `{"ipAddress":null}`, wantCalls: 2, wantAddr: ""},
	}

	for _, tt := range tests {
		err := handler("tradfri/config/desired", []byte(tt.patch))
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: handler error = %v, wantErr %v", tt.name, err, tt.wantErr)
		}
		svc.Wait()

		calls := lc.calls()
		if len(calls) != tt.wantCalls {
			t.Fatalf("%s: Configure calls = %d, want %d", tt.name, len(calls), tt.wantCalls)
		}
		if got := svc.Current().Address; got != tt.wantAddr {
			t.Errorf("%s: current address = %q, want %q", tt.name, got, tt.wantAddr)
		}
	}

	last := lc.calls()[1]
	if last.GatewayName != "hub" || last.ModuleID != "tradfri" || last.DeviceID != "edge-1" {
		t.Errorf("configured batch = %+v", last)
	}
	if got := broker.reported()[config.PropIPAddress]; got != "" {
		t.Errorf("reported address = %v, want empty", got)
	}
}

func TestConfigService_Apply(t *testing.T) {
	lc := &fakeConfigurer{}
	cfg := testAppConfig()
	svc := NewConfigService(cfg, "", lc, nil)

	if svc.Apply(context.Background(), cfg.Gateway, "file") {
		t.Error("an identical batch should not reconfigure")
	}

	timeoutOnly := cfg.Gateway
	timeoutOnly.Timeout = config.Duration(1)
	if svc.Apply(context.Background(), timeoutOnly, "file") {
		t.Error("a timeout change alone should not reconfigure")
	}

	changed := cfg.Gateway
	changed.RefreshInterval = 5
	if !svc.Apply(context.Background(), changed, "file") {
		t.Fatal("a changed batch should reconfigure")
	}
	if calls := lc.calls(); len(calls) != 1 || calls[0].RefreshInterval != 5 {
		t.Errorf("Configure calls = %+v", calls)
	}
}

// gatedConfigurer holds its first Configure call until release is closed and
// records each batch when its call returns.
type gatedConfigurer struct {
	fakeConfigurer
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func (g *gatedConfigurer) Configure(ctx context.Context, cfg lifecycle.Config) error {
	first := false
	g.once.Do(func() { first = true })
	if first {
		close(g.entered)
		<-g.release
	}
	return g.fakeConfigurer.Configure(ctx, cfg)
}

func TestConfigService_ConfigureNeverRegresses(t *testing.T) {
	lc := &gatedConfigurer{entered: make(chan struct{}), release: make(chan struct{})}
	cfg := testAppConfig()
	svc := NewConfigService(cfg, "", lc, nil)

	older := cfg.Gateway
	older.Address = "192.168.1.30"
	newer := cfg.Gateway
	newer.Address = "192.168.1.40"

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		svc.Apply(context.Background(), older, "file")
	}()
	<-lc.entered

	// The first call has read the older batch and is still in Configure
	go func() {
		defer wg.Done()
		svc.Apply(context.Background(), newer, "desired_properties")
	}()
	close(lc.release)
	wg.Wait()

	calls := lc.calls()
	if len(calls) != 2 {
		t.Fatalf("Configure calls = %d, want 2", len(calls))
	}
	if calls[0].Address != older.Address || calls[1].Address != newer.Address {
		t.Errorf("Configure order = [%s %s], want [%s %s]",
			calls[0].Address, calls[1].Address, older.Address, newer.Address)
	}
	if got := svc.Current().Address; got != newer.Address {
		t.Errorf("current address = %q, want %q", got, newer.Address)
	}
}

type fixedState lifecycle.State

func (s fixedState) State() lifecycle.State { return lifecycle.State(s) }

func TestHealthService_Ready(t *testing.T) {
	tests := []struct {
		state      lifecycle.State
		wantStatus int
	}{
		{lifecycle.Attached, http.StatusOK},
		{lifecycle.Attaching, http.StatusServiceUnavailable},
		{lifecycle.Detached, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		handler := NewHealthService(testAppConfig(), fixedState(tt.state)).Handler()

		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
		if rec.Code != tt.wantStatus {
			t.Errorf("%s: /ready status = %d, want %d", tt.state, rec.Code, tt.wantStatus)
		}
		if !strings.Contains(rec.Body.String(), tt.state.String()) {
			t.Errorf("%s: /ready body = %s", tt.state, rec.Body.String())
		}

		rec = httptest.NewRecorder()
		handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
		if rec.Code != http.StatusOK {
			t.Errorf("%s: /health status = %d", tt.state, rec.Code)
		}
	}
}

func TestHealthService_Metrics(t *testing.T) {
	handler := NewHealthService(testAppConfig(), fixedState(lifecycle.Attached)).Handler()

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("/metrics status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "go_goroutines") {
		t.Error("/metrics should expose the default collectors")
	}
}

func TestGatewayService_ExposesDroppedEvents(t *testing.T) {
	metrics.Init()
	cfg := testAppConfig()
	cfg.EventBus = config.EventBusConfig{Workers: 1, QueueSize: 1}
	svc := NewGatewayService(cfg, ledger.Discard{})

	release := make(chan struct{})
	started := make(chan struct{}, 1)
	svc.Bus.Subscribe(eventbus.EventTypeDeviceChanged, func(eventbus.Event) {
		select {
		case started <- struct{}{}:
		default:
		}
		<-release
	})

	// Busy worker, full queue, then one drop
	svc.Bus.Publish(eventbus.Event{Type: eventbus.EventTypeDeviceChanged})
	<-started
	svc.Bus.Publish(eventbus.Event{Type: eventbus.EventTypeDeviceChanged})
	svc.Bus.Publish(eventbus.Event{Type: eventbus.EventTypeDeviceChanged})

	rec := httptest.NewRecorder()
	handler := NewHealthService(cfg, fixedState(lifecycle.Detached)).Handler()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "tradfrid_events_dropped_total 1") {
		t.Errorf("/metrics should report one dropped event")
	}

	close(release)
	svc.Bus.Close(context.Background())
}
