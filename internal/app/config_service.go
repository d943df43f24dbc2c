package app

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/tradfrid/internal/config"
	"github.com/dokzlo13/tradfrid/internal/lifecycle"
	"github.com/dokzlo13/tradfrid/internal/mqtt"
)

// Configurer applies a connection batch.
type Configurer interface {
	Configure(ctx context.Context, cfg lifecycle.Config) error
}

// PropertyBroker carries desired and reported properties.
type PropertyBroker interface {
	Topics() mqtt.Topics
	Subscribe(topic string, handler mqtt.MessageHandler) error
	PublishJSON(topic string, v any, retained bool) error
}

// ConfigService keeps the gateway batch in sync with its two sources: the
// config file and MQTT desired properties. Every accepted change is handed to
// the lifecycle as one batch.
type ConfigService struct {
	path   string
	module config.ModuleConfig
	lc     Configurer
	broker PropertyBroker

	ctx context.Context
	wg  sync.WaitGroup

	// configMu orders Configure calls; each reads the batch under it.
	configMu sync.Mutex

	mu      sync.Mutex
	current config.GatewayConfig
}

// NewConfigService creates a ConfigService. path may be empty to disable
// file watching and broker may be nil to disable desired properties.
func NewConfigService(cfg *config.Config, path string, lc Configurer, broker PropertyBroker) *ConfigService {
	return &ConfigService{
		path:    path,
		module:  cfg.Module,
		lc:      lc,
		broker:  broker,
		current: cfg.Gateway,
	}
}

// Start begins watching the config file and subscribes to desired properties.
func (s *ConfigService) Start(ctx context.Context) error {
	s.ctx = ctx

	if s.path != "" {
		go func() {
			err := config.Watch(ctx, s.path, config.DefaultDebounce, func(cfg *config.Config) {
				s.Apply(ctx, cfg.Gateway, "file")
			})
			if err != nil && !errors.Is(err, context.Canceled) {
				log.Error().Err(err).Str("path", s.path).Msg("Config watcher error")
			}
		}()
	}

	if s.broker == nil {
		return nil
	}
	if err := s.broker.Subscribe(s.broker.Topics().ConfigDesired(), s.handleDesired); err != nil {
		return err
	}
	s.report(s.Current())
	return nil
}

// Wait blocks until pending reconfigurations have returned.
func (s *ConfigService) Wait() {
	s.wg.Wait()
}

// Current returns the gateway batch in effect.
func (s *ConfigService) Current() config.GatewayConfig {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Apply makes gw the current batch. The lifecycle is reconfigured only when
// the connection changed. It reports whether it was.
func (s *ConfigService) Apply(ctx context.Context, gw config.GatewayConfig, source string) bool {
	if !s.swap(gw) {
		log.Debug().Str("source", source).Msg("Gateway configuration unchanged")
		return false
	}
	s.configure(ctx, source)
	return true
}

// swap stores gw and reports whether the connection changed.
func (s *ConfigService) swap(gw config.GatewayConfig) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	prev := s.current
	s.current = gw
	return !config.SameConnection(prev, gw)
}

// configure hands the newest batch to the lifecycle. Calls are serialized and
// each reads the batch only once it holds configMu, so a slower caller can
// never hand over a batch older than one already configured.
func (s *ConfigService) configure(ctx context.Context, source string) {
	s.configMu.Lock()
	gw := s.Current()

	log.Info().Str("source", source).Str("gateway", gw.Name).Msg("Applying gateway configuration")
	err := s.lc.Configure(ctx, lifecycle.ConfigFrom(gw, s.module))
	s.configMu.Unlock()
	switch {
	case errors.Is(err, lifecycle.ErrAttachInProgress):
		log.Info().Str("source", source).Msg("Attach in progress, configuration queued")
	case err != nil:
		log.Error().Err(err).Str("source", source).Msg("Gateway attach failed after reconfiguration")
	}

	s.report(s.Current())
}

// handleDesired runs on the MQTT router goroutine. The patch is merged
// synchronously so patches apply in arrival order; the attach runs async.
func (s *ConfigService) handleDesired(topic string, payload []byte) error {
	s.mu.Lock()
	prev := s.current
	next, changed, err := config.ApplyPatch(prev, payload)
	if err == nil {
		s.current = next
	}
	s.mu.Unlock()
	if err != nil {
		return err
	}
	if len(changed) == 0 {
		return nil
	}

	log.Info().Strs("properties", changed).Msg("Received desired properties")
	if config.SameConnection(prev, next) {
		s.report(next)
		return nil
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.configure(s.ctx, "desired_properties")
	}()
	return nil
}

func (s *ConfigService) report(gw config.GatewayConfig) {
	if s.broker == nil {
		return
	}
	if err := s.broker.PublishJSON(s.broker.Topics().ConfigReported(), config.Reported(gw), true); err != nil {
		log.Warn().Err(err).Msg("Failed to publish reported properties")
	}
}
