package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParse_Defaults(t *testing.T) {
	t.Setenv("IOTEDGE_MODULEID", "tradfri")
	t.Setenv("IOTEDGE_DEVICEID", "edge-1")

	cfg, err := Parse([]byte("gateway:\n  name: hub\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Module.ID != "tradfri" || cfg.Module.DeviceID != "edge-1" {
		t.Errorf("Module = %+v, want values from environment", cfg.Module)
	}
	if cfg.Observer.Tick.Duration() != 10*time.Second {
		t.Errorf("Observer.Tick = %v, want 10s", cfg.Observer.Tick.Duration())
	}
	if cfg.Notify.Output != "output1" {
		t.Errorf("Notify.Output = %q, want output1", cfg.Notify.Output)
	}
	if cfg.MQTT.ClientID != "tradfri" {
		t.Errorf("MQTT.ClientID = %q, want module id", cfg.MQTT.ClientID)
	}
	if cfg.MQTT.TopicPrefix != "tradfri" {
		t.Errorf("MQTT.TopicPrefix = %q, want tradfri", cfg.MQTT.TopicPrefix)
	}
	if cfg.Commands.RateLimitRPS != 10 {
		t.Errorf("Commands.RateLimitRPS = %v, want 10", cfg.Commands.RateLimitRPS)
	}
	if !cfg.Ledger.IsEnabled() {
		t.Error("Ledger should be enabled by default")
	}
	if cfg.Ledger.Retention() != 30*24*time.Hour {
		t.Errorf("Ledger.Retention() = %v, want 30 days", cfg.Ledger.Retention())
	}
	if cfg.GetShutdownTimeout() != 5*time.Second {
		t.Errorf("GetShutdownTimeout() = %v, want 5s", cfg.GetShutdownTimeout())
	}
	if cfg.EventBus.GetWorkers() != 4 || cfg.EventBus.GetQueueSize() != 100 {
		t.Errorf("EventBus = %d workers / %d queue, want 4 / 100", cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())
	}
}

func TestParse_EnvExpansion(t *testing.T) {
	t.Setenv("TRADFRI_SECRET", "s3cret")

	data := []byte(`
gateway:
  name: hub
  address: ${TRADFRI_ADDRESS:192.168.1.20}
  app_secret: ${TRADFRI_SECRET}
  refresh_interval: 5
  timeout: 3s
`)
	cfg, err := Parse(data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}

	if cfg.Gateway.Address != "192.168.1.20" {
		t.Errorf("Address = %q, want default value", cfg.Gateway.Address)
	}
	if cfg.Gateway.AppSecret != "s3cret" {
		t.Errorf("AppSecret = %q, want value from environment", cfg.Gateway.AppSecret)
	}
	if cfg.Gateway.RefreshInterval != 5 {
		t.Errorf("RefreshInterval = %d, want 5", cfg.Gateway.RefreshInterval)
	}
	if cfg.Gateway.Timeout.Duration() != 3*time.Second {
		t.Errorf("Timeout = %v, want 3s", cfg.Gateway.Timeout.Duration())
	}
}

func TestParse_InvalidDuration(t *testing.T) {
	if _, err := Parse([]byte("observer:\n  tick: soon\n")); err == nil {
		t.Error("Parse() should reject an invalid duration")
	}
}

func TestApplyPatch(t *testing.T) {
	base := GatewayConfig{
		Name:            "hub",
		Address:         "10.0.0.2",
		AppSecret:       "secret",
		RefreshInterval: 5,
		RawHexColors:    true,
	}

	tests := []struct {
		name    string
		patch   string
		want    GatewayConfig
		changed int
		wantErr bool
	}{
		{
			name:    "absent keys unchanged",
			patch:   `{}`,
			want:    base,
			changed: 0,
		},
		{
			name:  "set address",
			patch: `{"ipAddress":"10.0.0.9"}`,
			want: GatewayConfig{
				Name: "hub", Address: "10.0.0.9", AppSecret: "secret", RefreshInterval: 5, RawHexColors: true,
			},
			changed: 1,
		},
		{
			name:  "null resets",
			patch: `{"appSecret":null,"refreshInterval":null,"allowRawHexColors":null}`,
			want: GatewayConfig{
				Name: "hub", Address: "10.0.0.2",
			},
			changed: 3,
		},
		{
			name:    "unknown keys ignored",
			patch:   `{"somethingElse":1}`,
			want:    base,
			changed: 0,
		},
		{
			name:    "wrong type rejected",
			patch:   `{"refreshInterval":"often"}`,
			want:    base,
			wantErr: true,
		},
		{
			name:    "not an object",
			patch:   `[1,2]`,
			want:    base,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, changed, err := ApplyPatch(base, []byte(tt.patch))
			if (err != nil) != tt.wantErr {
				t.Fatalf("ApplyPatch() error = %v, wantErr %v", err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ApplyPatch() = %+v, want %+v", got, tt.want)
			}
			if !tt.wantErr && len(changed) != tt.changed {
				t.Errorf("ApplyPatch() changed %v, want %d keys", changed, tt.changed)
			}
		})
	}
}

func TestReported_RedactsSecret(t *testing.T) {
	props := Reported(GatewayConfig{Name: "hub", AppSecret: "abcdef"})
	if props[PropAppSecret] != "<6 characters>" {
		t.Errorf("appSecret = %v, want redacted length", props[PropAppSecret])
	}
	if props[PropGatewayName] != "hub" {
		t.Errorf("gatewayName = %v, want hub", props[PropGatewayName])
	}
}

func TestSameConnection(t *testing.T) {
	a := GatewayConfig{Name: "hub", Address: "10.0.0.2", AppSecret: "x"}
	b := a
	if !SameConnection(a, b) {
		t.Error("identical batches should be the same connection")
	}
	b.Timeout = Duration(time.Minute)
	if !SameConnection(a, b) {
		t.Error("timeout alone should not change the connection")
	}
	b.AppSecret = "y"
	if SameConnection(a, b) {
		t.Error("a new secret should change the connection")
	}
}

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte("gateway:\n  name: one\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan *Config, 4)
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, 20*time.Millisecond, func(cfg *Config) { changes <- cfg })
	}()

	// Give the watcher time to register the directory
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(path, []byte("gateway:\n  name: two\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-changes:
		if cfg.Gateway.Name != "two" {
			t.Errorf("reloaded name = %q, want two", cfg.Gateway.Name)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not report the change")
	}

	cancel()
	if err := <-done; err != nil {
		t.Errorf("Watch() error = %v", err)
	}
}
