package app

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/tradfrid/internal/commands"
	"github.com/dokzlo13/tradfrid/internal/config"
	"github.com/dokzlo13/tradfrid/internal/db"
	"github.com/dokzlo13/tradfrid/internal/ledger"
	"github.com/dokzlo13/tradfrid/internal/metrics"
	"github.com/dokzlo13/tradfrid/internal/mqtt"
	"github.com/dokzlo13/tradfrid/internal/notify"
)

// Services is a container for all application services.
// It manages service initialization order and dependencies.
type Services struct {
	cfg *config.Config

	// Core infrastructure
	DB       *db.DB
	Ledger   *ledger.Ledger
	Recorder ledger.Recorder
	MQTT     *mqtt.Client

	// High-level services
	Gateway  *GatewayService
	Notifier *notify.Notifier
	Commands *CommandService
	Config   *ConfigService
	Health   *HealthService
}

// NewServices creates all services with proper dependency injection.
// configPath is watched for changes; an empty path disables the watcher.
func NewServices(cfg *config.Config, configPath string) (*Services, error) {
	s := &Services{cfg: cfg, Recorder: ledger.Discard{}}

	metrics.Init()

	// Initialize database and ledger
	if cfg.Ledger.IsEnabled() {
		database, err := db.Open(cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		s.DB = database
		s.Ledger = ledger.New(database.DB)
		s.Recorder = s.Ledger
	}

	// Connect to the MQTT broker
	var broker *mqtt.Client
	if cfg.MQTT.Enabled {
		client, err := mqtt.Connect(cfg.MQTT)
		if err != nil {
			s.Close()
			return nil, err
		}
		s.MQTT = client
		broker = client
	}

	// Initialize gateway service (bus, lifecycle, observer)
	s.Gateway = NewGatewayService(cfg, s.Recorder)

	// Initialize command service
	var history commands.History
	if s.Ledger != nil {
		history = s.Ledger
	}
	service := commands.NewService(s.Gateway.Lifecycle, s.Gateway.Factory, cfg.Commands.RateLimitRPS, history)
	registry := commands.NewRegistry(s.Recorder)
	if err := service.Register(registry); err != nil {
		s.Close()
		return nil, err
	}
	if broker != nil {
		s.Commands = NewCommandService(cfg, registry, broker)
	} else {
		s.Commands = NewCommandService(cfg, registry, nil)
	}

	// Initialize notifier with every enabled sink
	var sinks notify.MultiSink
	if broker != nil {
		sinks = append(sinks, notify.NewMQTTSink(broker))
	}
	if cfg.Commands.Enabled {
		sinks = append(sinks, s.Commands.Hub)
	}
	if s.Ledger != nil {
		sinks = append(sinks, notify.NewLedgerSink(s.Ledger))
	}
	if len(sinks) == 0 {
		log.Warn().Msg("No notification sink enabled, device changes will only be logged")
	}
	s.Notifier = notify.NewNotifier(s.Gateway.Lifecycle, sinks, cfg.Notify.Output)

	// Initialize config service
	if broker != nil {
		s.Config = NewConfigService(cfg, configPath, s.Gateway.Lifecycle, broker)
	} else {
		s.Config = NewConfigService(cfg, configPath, s.Gateway.Lifecycle, nil)
	}

	// Initialize health service
	s.Health = NewHealthService(cfg, s.Gateway.Lifecycle)

	return s, nil
}

// Start starts all services in the correct order.
func (s *Services) Start(ctx context.Context) error {
	// Notifications must be subscribed before the first attach installs observers
	s.Notifier.Subscribe(s.Gateway.Bus)

	// Attach to the gateway
	s.Gateway.Start(ctx)

	if err := s.Config.Start(ctx); err != nil {
		return err
	}
	if err := s.Commands.Start(ctx); err != nil {
		return err
	}

	// Start all background services
	s.Gateway.StartBackground(ctx)
	s.Health.Start(ctx)

	// Ledger cleanup (if ledger is enabled)
	if s.Ledger != nil {
		go s.runLedgerCleanup(ctx)
	}

	return nil
}

// runLedgerCleanup periodically cleans up old ledger entries.
func (s *Services) runLedgerCleanup(ctx context.Context) {
	retention := s.cfg.Ledger.Retention()
	interval := s.cfg.Ledger.CleanupInterval.Duration()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			deleted, err := s.Ledger.DeleteOlderThan(retention)
			if err != nil {
				log.Error().Err(err).Msg("Failed to cleanup old ledger entries")
			} else if deleted > 0 {
				log.Info().Int64("deleted", deleted).Dur("retention", retention).Msg("Cleaned up old ledger entries")
			}
		}
	}
}

// Stop gracefully stops all services.
func (s *Services) Stop() error {
	s.Close()
	return nil
}

// Close releases all resources.
func (s *Services) Close() {
	if s.Config != nil {
		s.Config.Wait()
	}
	if s.Commands != nil {
		s.Commands.Close()
	}
	if s.Gateway != nil {
		s.Gateway.Close()
	}
	if s.MQTT != nil {
		s.MQTT.Close()
	}
	if s.DB != nil {
		s.DB.Close()
	}
}
