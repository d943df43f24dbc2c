// Package lifecycle owns the gateway connection: the single live client
// handle and the topology cache built from it.
//
// State moves between Detached, Attaching and Attached. Every attach tears
// the previous session down before constructing a new client, so at most one
// client handle is live at any time. Other components read the current
// Session and never mutate it.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/tradfrid/internal/eventbus"
	"github.com/dokzlo13/tradfrid/internal/gateway"
	"github.com/dokzlo13/tradfrid/internal/ledger"
	"github.com/dokzlo13/tradfrid/internal/metrics"
	"github.com/dokzlo13/tradfrid/internal/topology"
)

var (
	// ErrAttachFailed wraps any failure during session open, authentication or
	// the initial topology refresh.
	ErrAttachFailed = errors.New("gateway attach failed")

	// ErrAttachInProgress is returned to a caller whose attach request was
	// folded into the attempt already running.
	ErrAttachInProgress = errors.New("gateway attach already in progress")

	// ErrNotAttached is returned by operations that need a live session.
	ErrNotAttached = errors.New("gateway not attached")
)

// State is the connection state.
type State int

const (
	Detached State = iota
	Attaching
	Attached
)

func (s State) String() string {
	switch s {
	case Detached:
		return "detached"
	case Attaching:
		return "attaching"
	case Attached:
		return "attached"
	default:
		return "unknown"
	}
}

// Session is an immutable view of one successful attach.
type Session struct {
	Client     gateway.Client
	Topology   *topology.Cache
	Config     Config
	Generation uint64
	AttachedAt time.Time
}

// Publisher receives lifecycle transition events.
type Publisher interface {
	Publish(event eventbus.Event) int
}

// Manager is the connection state machine.
type Manager struct {
	factory   gateway.Factory
	recorder  ledger.Recorder
	publisher Publisher

	mu  sync.Mutex // guards cfg
	cfg Config

	attaching  atomic.Bool
	pending    atomic.Bool
	session    atomic.Pointer[Session]
	generation atomic.Uint64
}

// New creates a detached manager. recorder and publisher may be nil.
func New(factory gateway.Factory, cfg Config, recorder ledger.Recorder, publisher Publisher) *Manager {
	if recorder == nil {
		recorder = ledger.Discard{}
	}
	return &Manager{
		factory:   factory,
		recorder:  recorder,
		publisher: publisher,
		cfg:       cfg,
	}
}

// Config returns the current connection batch.
func (m *Manager) Config() Config {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cfg
}

// Session returns the live session, or nil when not attached.
func (m *Manager) Session() *Session {
	return m.session.Load()
}

// Attaching reports whether an attach attempt is running.
func (m *Manager) Attaching() bool {
	return m.attaching.Load()
}

// Generation returns the number of successful attaches so far.
func (m *Manager) Generation() uint64 {
	return m.generation.Load()
}

// State returns the current connection state.
func (m *Manager) State() State {
	if m.attaching.Load() {
		return Attaching
	}
	if m.session.Load() != nil {
		return Attached
	}
	return Detached
}

// Configure replaces the connection batch and re-attaches with it.
// An incomplete batch detaches and leaves the manager Detached.
func (m *Manager) Configure(ctx context.Context, cfg Config) error {
	m.mu.Lock()
	m.cfg = cfg
	m.mu.Unlock()

	log.Info().
		Str("gateway", cfg.GatewayName).
		Str("address", cfg.Address).
		Int("refresh_interval", cfg.RefreshInterval).
		Bool("extended_identity", cfg.ExtendedIdentity).
		Msg("Gateway configuration updated")
	m.record(ledger.EventConfigured, map[string]any{
		"gateway":          cfg.GatewayName,
		"address":          cfg.Address,
		"refreshInterval":  cfg.RefreshInterval,
		"extendedIdentity": cfg.ExtendedIdentity,
		"rawHexColors":     cfg.RawHexColors,
	})

	return m.attach(ctx)
}

// Reconnect re-attaches with the current connection batch.
func (m *Manager) Reconnect(ctx context.Context) error {
	return m.attach(ctx)
}

// Detach closes the live client and clears the topology.
// It does nothing when not attached.
func (m *Manager) Detach(reason string) {
	m.teardown(reason)
}

// Refresh rebuilds the topology of the live session.
// On failure the session keeps its previous topology.
func (m *Manager) Refresh(ctx context.Context) (*topology.Snapshot, error) {
	s := m.Session()
	if s == nil {
		return nil, ErrNotAttached
	}
	snapshot, err := s.Topology.Refresh(ctx, s.Client)
	if err != nil {
		return nil, err
	}
	metrics.SetTopologySize(snapshot.Len(), snapshot.DeviceCount())
	return snapshot, nil
}

// attach runs one attach attempt at a time. A request arriving while an
// attempt runs marks a pending re-run and returns ErrAttachInProgress; the
// running attempt then attaches once more with the newest batch.
func (m *Manager) attach(ctx context.Context) error {
	m.pending.Store(true)
	if !m.attaching.CompareAndSwap(false, true) {
		log.Debug().Msg("Attach already in progress, queued a re-run")
		return ErrAttachInProgress
	}

	for {
		m.pending.Store(false)
		metrics.SetConnectionState(int(Attaching))
		err := m.attachOnce(ctx)
		m.attaching.Store(false)
		metrics.SetConnectionState(int(m.State()))

		if !m.pending.Load() || !m.attaching.CompareAndSwap(false, true) {
			return err
		}
		log.Info().Msg("Configuration changed during attach, attaching again")
	}
}

func (m *Manager) attachOnce(ctx context.Context) error {
	cfg := m.Config()

	// Never more than one live client: drop the old one before building anything
	m.teardown("re-attach")

	if missing := cfg.Missing(); len(missing) > 0 {
		log.Info().Strs("missing", missing).Msg("Gateway configuration incomplete, staying detached")
		metrics.ObserveAttach(metrics.ResultSkipped, 0)
		return nil
	}

	start := time.Now()
	log.Info().
		Str("gateway", cfg.GatewayName).
		Str("address", cfg.Address).
		Msg("Attaching to gateway")

	client := m.factory(cfg.GatewayName, cfg.Address)
	creds := gateway.Credentials{Identity: cfg.Identity(), Secret: cfg.AppSecret}

	if err := client.Connect(ctx, creds); err != nil {
		return m.fail(client, cfg, start, fmt.Errorf("%w: connect: %w", ErrAttachFailed, err))
	}

	cache := topology.NewCache()
	snapshot, err := cache.Refresh(ctx, client)
	if err != nil {
		return m.fail(client, cfg, start, fmt.Errorf("%w: refresh: %w", ErrAttachFailed, err))
	}

	generation := m.generation.Add(1)
	m.session.Store(&Session{
		Client:     client,
		Topology:   cache,
		Config:     cfg,
		Generation: generation,
		AttachedAt: time.Now(),
	})

	elapsed := time.Since(start)
	metrics.ObserveAttach(metrics.ResultSuccess, elapsed)
	metrics.SetTopologySize(snapshot.Len(), snapshot.DeviceCount())

	log.Info().
		Str("gateway", cfg.GatewayName).
		Uint64("generation", generation).
		Int("groups", snapshot.Len()).
		Int("devices", snapshot.DeviceCount()).
		Dur("elapsed", elapsed).
		Msg("Attached to gateway")

	payload := map[string]any{
		"gateway":    cfg.GatewayName,
		"generation": generation,
		"groups":     snapshot.Len(),
		"devices":    snapshot.DeviceCount(),
	}
	m.record(ledger.EventAttached, payload)
	m.publish(eventbus.EventTypeAttached, payload)

	return nil
}

// fail discards a partially built client. The cache of a failed attempt is
// never published, so the manager ends with no topology.
func (m *Manager) fail(client gateway.Client, cfg Config, start time.Time, err error) error {
	if closeErr := client.Close(); closeErr != nil {
		log.Warn().Err(closeErr).Msg("Failed to close gateway client after failed attach")
	}

	metrics.ObserveAttach(metrics.ResultError, time.Since(start))
	log.Error().Err(err).Str("gateway", cfg.GatewayName).Msg("Gateway attach failed")

	payload := map[string]any{
		"gateway": cfg.GatewayName,
		"error":   err.Error(),
	}
	m.record(ledger.EventAttachFailed, payload)
	m.publish(eventbus.EventTypeAttachFailed, payload)

	return err
}

func (m *Manager) teardown(reason string) {
	s := m.session.Swap(nil)
	if s == nil {
		return
	}

	s.Topology.Clear()
	if err := s.Client.Close(); err != nil {
		log.Warn().Err(err).Msg("Failed to close gateway client")
	}

	metrics.SetTopologySize(0, 0)
	if !m.attaching.Load() {
		metrics.SetConnectionState(int(Detached))
	}

	log.Info().
		Str("gateway", s.Config.GatewayName).
		Uint64("generation", s.Generation).
		Str("reason", reason).
		Msg("Detached from gateway")

	payload := map[string]any{
		"gateway":    s.Config.GatewayName,
		"generation": s.Generation,
		"reason":     reason,
	}
	m.record(ledger.EventDetached, payload)
	m.publish(eventbus.EventTypeDetached, payload)
}

func (m *Manager) record(eventType ledger.EventType, payload map[string]any) {
	subject, _ := payload["gateway"].(string)
	if err := m.recorder.Record(eventType, "lifecycle", subject, "", payload); err != nil {
		log.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to record ledger event")
	}
}

func (m *Manager) publish(eventType eventbus.EventType, data map[string]any) {
	if m.publisher == nil {
		return
	}
	m.publisher.Publish(eventbus.Event{Type: eventType, Data: data})
}
