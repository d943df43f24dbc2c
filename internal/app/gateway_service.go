package app

import (
	"context"
	"errors"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/tradfrid/internal/config"
	"github.com/dokzlo13/tradfrid/internal/eventbus"
	"github.com/dokzlo13/tradfrid/internal/gateway"
	"github.com/dokzlo13/tradfrid/internal/ledger"
	"github.com/dokzlo13/tradfrid/internal/lifecycle"
	"github.com/dokzlo13/tradfrid/internal/metrics"
	"github.com/dokzlo13/tradfrid/internal/observer"
)

// GatewayService wraps all gateway-related components: the client factory,
// the connection lifecycle, the event bus and the observation scheduler.
type GatewayService struct {
	cfg *config.Config

	Factory   gateway.Factory
	Bus       *eventbus.Bus
	Lifecycle *lifecycle.Manager
	Observer  *observer.Scheduler
}

// NewGatewayService creates a new GatewayService with all components initialized but not attached.
func NewGatewayService(cfg *config.Config, recorder ledger.Recorder) *GatewayService {
	factory := gateway.NewHTTPFactory(cfg.Gateway.Timeout.Duration())

	// Initialize event bus
	bus := eventbus.NewWithConfig(cfg.EventBus.GetWorkers(), cfg.EventBus.GetQueueSize())
	metrics.TrackEventsDropped(bus.Dropped)

	// Lifecycle starts detached with the file configuration
	manager := lifecycle.New(factory, lifecycle.ConfigFrom(cfg.Gateway, cfg.Module), recorder, bus)

	// Observation callbacks only enqueue; notification work runs on bus workers
	scheduler := observer.New(manager, cfg.Observer.Tick.Duration(), observer.BusPublisher(bus))

	return &GatewayService{
		cfg:       cfg,
		Factory:   factory,
		Bus:       bus,
		Lifecycle: manager,
		Observer:  scheduler,
	}
}

// Start attaches to the gateway with the configured batch. A failed attach
// is not fatal: the daemon stays up, detached, until reconfigured or asked
// to reconnect.
func (s *GatewayService) Start(ctx context.Context) {
	cfg := s.Lifecycle.Config()
	if missing := cfg.Missing(); len(missing) > 0 {
		log.Warn().Strs("missing", missing).Msg("Gateway configuration incomplete, waiting for configuration")
		return
	}

	if err := s.Lifecycle.Reconnect(ctx); err != nil && !errors.Is(err, lifecycle.ErrAttachInProgress) {
		log.Error().Err(err).Str("gateway", cfg.GatewayName).Msg("Initial gateway attach failed")
	}
}

// StartBackground starts the observation scheduler.
func (s *GatewayService) StartBackground(ctx context.Context) {
	go func() {
		if err := s.Observer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			log.Error().Err(err).Msg("Observation scheduler error")
		}
	}()
}

// Close detaches from the gateway and drains the event bus.
func (s *GatewayService) Close() {
	if s.Lifecycle != nil {
		s.Lifecycle.Detach("shutdown")
	}
	if s.Bus != nil {
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		s.Bus.Close(ctx)
	}
}
