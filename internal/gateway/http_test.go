package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

type fakeProxy struct {
	mu       sync.Mutex
	lastBody map[string]any
	lastPath string
	streams  chan string
}

func newFakeProxy(t *testing.T) (*fakeProxy, *httptest.Server) {
	t.Helper()
	p := &fakeProxy{streams: make(chan string, 8)}

	mux := http.NewServeMux()
	auth := func(next http.HandlerFunc) http.HandlerFunc {
		return func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != "edge-module" || pass != "psk" {
				http.Error(w, "forbidden", http.StatusForbidden)
				return
			}
			next(w, r)
		}
	}

	mux.HandleFunc("GET /15011/15012", auth(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"9029":"1.19.32","9081":"gw-1"}`)
	}))
	mux.HandleFunc("GET /15004", auth(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[131073]`)
	}))
	mux.HandleFunc("GET /15004/131073", auth(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"9003":131073,"9001":"Kitchen","5850":1,"9039":196608,"9018":{"15002":{"9003":[65537,65538]}}}`)
	}))
	mux.HandleFunc("GET /15001", auth(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[65537]`)
	}))
	mux.HandleFunc("GET /15001/65537", auth(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("observe") == "1" {
			w.WriteHeader(http.StatusOK)
			flusher := w.(http.Flusher)
			flusher.Flush()
			for {
				select {
				case line := <-p.streams:
					fmt.Fprintln(w, line)
					flusher.Flush()
				case <-r.Context().Done():
					return
				}
			}
		}
		fmt.Fprint(w, `{"9003":65537,"9001":"Bulb","5750":2,"9019":1,"9020":1700000000,"3":{"1":"TRADFRI bulb","3":"2.3.0","6":1,"9":87},"3311":[{"5850":1,"5851":200,"5706":"f1e0b5"}]}`)
	}))
	mux.HandleFunc("PUT /15001/65537", auth(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		json.NewDecoder(r.Body).Decode(&body)
		p.mu.Lock()
		p.lastBody = body
		p.lastPath = r.URL.Path
		p.mu.Unlock()
	}))
	mux.HandleFunc("POST /15011/9063", func(w http.ResponseWriter, r *http.Request) {
		user, pass, _ := r.BasicAuth()
		if user != bootstrapIdentity || pass != "printed-code" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		var body map[string]string
		json.NewDecoder(r.Body).Decode(&body)
		fmt.Fprintf(w, `{"9091":"psk-for-%s"}`, body["9090"])
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return p, srv
}

func connectedClient(t *testing.T, srv *httptest.Server) *HTTPClient {
	t.Helper()
	c := NewHTTPClient("home", srv.URL, time.Second)
	t.Cleanup(func() { c.Close() })
	if err := c.Connect(context.Background(), Credentials{Identity: "edge-module", Secret: "psk"}); err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	return c
}

func TestHTTPClient_ConnectRejectsBadCredentials(t *testing.T) {
	_, srv := newFakeProxy(t)
	c := NewHTTPClient("home", srv.URL, time.Second)
	defer c.Close()

	if err := c.Connect(context.Background(), Credentials{Identity: "edge-module", Secret: "wrong"}); err == nil {
		t.Fatal("Connect() with wrong secret should fail")
	}
	if _, err := c.Groups(context.Background()); err != ErrNotConnected {
		t.Errorf("Groups() before connect error = %v, want %v", err, ErrNotConnected)
	}
}

func TestHTTPClient_GroupsAndDevices(t *testing.T) {
	_, srv := newFakeProxy(t)
	c := connectedClient(t, srv)

	groups, err := c.Groups(context.Background())
	if err != nil {
		t.Fatalf("Groups() error = %v", err)
	}
	if len(groups) != 1 || groups[0].Name != "Kitchen" {
		t.Fatalf("Groups() = %+v", groups)
	}
	if ids := groups[0].DeviceIDs(); len(ids) != 2 || ids[0] != 65537 {
		t.Errorf("DeviceIDs() = %v", ids)
	}

	devices, err := c.Devices(context.Background())
	if err != nil {
		t.Fatalf("Devices() error = %v", err)
	}
	if len(devices) != 1 {
		t.Fatalf("Devices() returned %d devices", len(devices))
	}
	d := devices[0]
	if d.Kind != KindLight || d.Info.Battery == nil || *d.Info.Battery != 87 {
		t.Errorf("device = %+v", d)
	}
	if len(d.LightControl) != 1 || d.LightControl[0].Dimmer != 200 {
		t.Errorf("light control = %+v", d.LightControl)
	}
	if got := d.LastSeen(); !got.Equal(time.Unix(1700000000, 0)) {
		t.Errorf("LastSeen() = %v", got)
	}
}

func TestHTTPClient_SetLightBody(t *testing.T) {
	p, srv := newFakeProxy(t)
	c := connectedClient(t, srv)

	on := true
	dimmer := 127
	if err := c.SetLight(context.Background(), 65537, LightUpdate{On: &on, Dimmer: &dimmer}); err != nil {
		t.Fatalf("SetLight() error = %v", err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	controls, ok := p.lastBody["3311"].([]any)
	if !ok || len(controls) != 1 {
		t.Fatalf("body = %v", p.lastBody)
	}
	control := controls[0].(map[string]any)
	if control["5850"] != float64(1) || control["5851"] != float64(127) {
		t.Errorf("control = %v", control)
	}
	if _, ok := control["5706"]; ok {
		t.Error("unset color should not be sent")
	}
}

func TestHTTPClient_ObserveDeliversRecords(t *testing.T) {
	p, srv := newFakeProxy(t)
	c := connectedClient(t, srv)

	got := make(chan Device, 1)
	if err := c.Observe(context.Background(), 65537, func(d Device) { got <- d }); err != nil {
		t.Fatalf("Observe() error = %v", err)
	}

	p.streams <- `{"9003":65537,"9001":"Bulb","3311":[{"5850":0,"5851":10}]}`

	select {
	case d := <-got:
		if d.ID != 65537 || d.LightControl[0].State != 0 {
			t.Errorf("observed = %+v", d)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no observed record")
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := c.Observe(context.Background(), 65537, func(Device) {}); err != ErrClosed {
		t.Errorf("Observe() after close error = %v, want %v", err, ErrClosed)
	}
}

func TestHTTPClient_GenerateSecret(t *testing.T) {
	_, srv := newFakeProxy(t)
	c := NewHTTPClient("home", srv.URL, time.Second)
	defer c.Close()

	psk, err := c.GenerateSecret(context.Background(), "printed-code", "edge-module")
	if err != nil {
		t.Fatalf("GenerateSecret() error = %v", err)
	}
	if psk != "psk-for-edge-module" {
		t.Errorf("GenerateSecret() = %q", psk)
	}
}

func TestBaseURL(t *testing.T) {
	tests := []struct {
		address string
		want    string
	}{
		{"192.168.1.10", "https://192.168.1.10"},
		{"192.168.1.10:8443/", "https://192.168.1.10:8443"},
		{"http://proxy.local:8080", "http://proxy.local:8080"},
	}
	for _, tt := range tests {
		if got := baseURL(tt.address); got != tt.want {
			t.Errorf("baseURL(%q) = %q, want %q", tt.address, got, tt.want)
		}
	}
}
