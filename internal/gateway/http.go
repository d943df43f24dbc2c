package gateway

import (
	"bufio"
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Resource paths of the gateway API.
const (
	pathDevices       = "15001"
	pathGroups        = "15004"
	pathGatewayInfo   = "15011/15012"
	pathReboot        = "15011/9030"
	pathGenerateKey   = "15011/9063"
	bootstrapIdentity = "Client_identity"
)

// HTTPClient is a Client for gateways reachable through an HTTP/JSON resource proxy.
type HTTPClient struct {
	name       string
	baseURL    string
	httpClient *http.Client
	stream     *http.Client

	mu        sync.RWMutex
	creds     Credentials
	connected bool
	closed    bool
	observers map[int64]context.CancelFunc

	// root is cancelled on Close and parents every observation stream.
	root   context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHTTPClient creates an unconnected client.
// A zero timeout falls back to 30 seconds; observation streams never time out.
func NewHTTPClient(name, address string, timeout time.Duration) *HTTPClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	// Gateways ship self-signed certificates
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true},
	}

	root, cancel := context.WithCancel(context.Background())

	return &HTTPClient{
		name:    name,
		baseURL: baseURL(address),
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: transport,
		},
		stream: &http.Client{
			Transport: transport,
		},
		observers: make(map[int64]context.CancelFunc),
		root:      root,
		cancel:    cancel,
	}
}

// NewHTTPFactory returns a Factory producing HTTPClients with the given request timeout.
func NewHTTPFactory(timeout time.Duration) Factory {
	return func(name, address string) Client {
		return NewHTTPClient(name, address, timeout)
	}
}

func baseURL(address string) string {
	address = strings.TrimRight(address, "/")
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return address
	}
	return "https://" + address
}

// Name returns the gateway's logical name.
func (c *HTTPClient) Name() string {
	return c.name
}

// Connect authenticates the session by fetching the gateway info with the credentials.
func (c *HTTPClient) Connect(ctx context.Context, creds Credentials) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.creds = creds
	c.mu.Unlock()

	resp, err := c.request(ctx, c.httpClient, http.MethodGet, pathGatewayInfo, nil)
	if err != nil {
		return fmt.Errorf("failed to connect to gateway %s: %w", c.name, err)
	}
	resp.Body.Close()

	c.mu.Lock()
	c.connected = true
	c.mu.Unlock()

	log.Debug().Str("gateway", c.name).Str("url", c.baseURL).Msg("Gateway session opened")
	return nil
}

// Close cancels all observation streams and releases idle connections.
func (c *HTTPClient) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.connected = false
	c.observers = make(map[int64]context.CancelFunc)
	c.mu.Unlock()

	c.cancel()
	c.wg.Wait()
	c.httpClient.CloseIdleConnections()
	return nil
}

func (c *HTTPClient) ready() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return ErrClosed
	}
	if !c.connected {
		return ErrNotConnected
	}
	return nil
}

func (c *HTTPClient) request(ctx context.Context, hc *http.Client, method, path string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+"/"+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.mu.RLock()
	creds := c.creds
	c.mu.RUnlock()
	req.SetBasicAuth(creds.Identity, creds.Secret)

	resp, err := hc.Do(req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp, nil
}

func checkStatus(resp *http.Response) error {
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrNotFound
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status code %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func (c *HTTPClient) getJSON(ctx context.Context, path string, out any) error {
	resp, err := c.request(ctx, c.httpClient, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *HTTPClient) send(ctx context.Context, method, path string, body any) error {
	resp, err := c.request(ctx, c.httpClient, method, path, body)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Groups returns all groups known to the gateway.
func (c *HTTPClient) Groups(ctx context.Context) ([]Group, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	var ids []int64
	if err := c.getJSON(ctx, pathGroups, &ids); err != nil {
		return nil, fmt.Errorf("failed to list groups: %w", err)
	}

	groups := make([]Group, 0, len(ids))
	for _, id := range ids {
		var group Group
		if err := c.getJSON(ctx, fmt.Sprintf("%s/%d", pathGroups, id), &group); err != nil {
			return nil, fmt.Errorf("failed to get group %d: %w", id, err)
		}
		groups = append(groups, group)
	}
	return groups, nil
}

// Devices returns all devices known to the gateway.
func (c *HTTPClient) Devices(ctx context.Context) ([]Device, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	var ids []int64
	if err := c.getJSON(ctx, pathDevices, &ids); err != nil {
		return nil, fmt.Errorf("failed to list devices: %w", err)
	}

	devices := make([]Device, 0, len(ids))
	for _, id := range ids {
		device, err := c.Device(ctx, id)
		if err != nil {
			return nil, err
		}
		devices = append(devices, *device)
	}
	return devices, nil
}

// Device returns a single device.
func (c *HTTPClient) Device(ctx context.Context, id int64) (*Device, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	var device Device
	if err := c.getJSON(ctx, fmt.Sprintf("%s/%d", pathDevices, id), &device); err != nil {
		return nil, fmt.Errorf("failed to get device %d: %w", id, err)
	}
	return &device, nil
}

// Observe opens an observation stream for a device.
// The stream outlives ctx; ctx only bounds establishing it.
func (c *HTTPClient) Observe(ctx context.Context, id int64, fn func(Device)) error {
	if err := c.ready(); err != nil {
		return err
	}

	obsCtx, cancel := context.WithCancel(c.root)
	stop := context.AfterFunc(ctx, cancel)
	resp, err := c.request(obsCtx, c.stream, http.MethodGet, fmt.Sprintf("%s/%d?observe=1", pathDevices, id), nil)
	stop()
	if err != nil {
		cancel()
		return fmt.Errorf("failed to observe device %d: %w", id, err)
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		cancel()
		resp.Body.Close()
		return ErrClosed
	}
	if previous, ok := c.observers[id]; ok {
		previous()
	}
	c.observers[id] = cancel
	c.wg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.wg.Done()
		defer cancel()
		defer resp.Body.Close()
		c.readStream(id, resp.Body, fn)
	}()

	return nil
}

// readStream decodes one device record per line until the stream ends.
func (c *HTTPClient) readStream(id int64, body io.Reader, fn func(Device)) {
	scanner := bufio.NewScanner(body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}

		var device Device
		if err := json.Unmarshal(line, &device); err != nil {
			log.Warn().Err(err).Int64("device", id).Msg("Failed to parse observed device record")
			continue
		}
		fn(device)
	}

	if err := scanner.Err(); err != nil && c.root.Err() == nil {
		log.Debug().Err(err).Int64("device", id).Msg("Observation stream ended")
	}
}

// SetLight applies a light update to the first light control of a device.
func (c *HTTPClient) SetLight(ctx context.Context, id int64, update LightUpdate) error {
	if err := c.ready(); err != nil {
		return err
	}

	control := map[string]any{}
	if update.On != nil {
		control["5850"] = boolToInt(*update.On)
	}
	if update.Dimmer != nil {
		control["5851"] = *update.Dimmer
	}
	if update.ColorHex != nil {
		control["5706"] = *update.ColorHex
	}

	body := map[string]any{"3311": []map[string]any{control}}
	return c.send(ctx, http.MethodPut, fmt.Sprintf("%s/%d", pathDevices, id), body)
}

// SetOutlet switches the first plug control of a device.
func (c *HTTPClient) SetOutlet(ctx context.Context, id int64, on bool) error {
	if err := c.ready(); err != nil {
		return err
	}

	body := map[string]any{"3312": []map[string]any{{"5850": boolToInt(on)}}}
	return c.send(ctx, http.MethodPut, fmt.Sprintf("%s/%d", pathDevices, id), body)
}

// SetGroup applies an update to every light of a group.
func (c *HTTPClient) SetGroup(ctx context.Context, id int64, update GroupUpdate) error {
	if err := c.ready(); err != nil {
		return err
	}

	body := map[string]any{}
	if update.On != nil {
		body["5850"] = boolToInt(*update.On)
	}
	if update.Dimmer != nil {
		body["5851"] = *update.Dimmer
	}
	return c.send(ctx, http.MethodPut, fmt.Sprintf("%s/%d", pathGroups, id), body)
}

// Reboot asks the gateway to reboot.
func (c *HTTPClient) Reboot(ctx context.Context) error {
	if err := c.ready(); err != nil {
		return err
	}
	return c.send(ctx, http.MethodPost, pathReboot, nil)
}

// Info returns the gateway metadata.
func (c *HTTPClient) Info(ctx context.Context) (*GatewayInfo, error) {
	if err := c.ready(); err != nil {
		return nil, err
	}

	var info GatewayInfo
	if err := c.getJSON(ctx, pathGatewayInfo, &info); err != nil {
		return nil, fmt.Errorf("failed to get gateway info: %w", err)
	}
	return &info, nil
}

// GenerateSecret registers identity with the gateway using the printed gateway secret.
func (c *HTTPClient) GenerateSecret(ctx context.Context, gatewaySecret, identity string) (string, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return "", ErrClosed
	}
	c.creds = Credentials{Identity: bootstrapIdentity, Secret: gatewaySecret}
	c.mu.Unlock()

	resp, err := c.request(ctx, c.httpClient, http.MethodPost, pathGenerateKey, map[string]string{"9090": identity})
	if err != nil {
		return "", fmt.Errorf("failed to generate application secret: %w", err)
	}
	defer resp.Body.Close()

	var result struct {
		PSK string `json:"9091"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return "", err
	}
	if result.PSK == "" {
		return "", fmt.Errorf("gateway returned an empty application secret")
	}
	return result.PSK, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
