package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/tradfrid/internal/commands"
	"github.com/dokzlo13/tradfrid/internal/config"
	"github.com/dokzlo13/tradfrid/internal/web"
)

// CommandService wraps the command registry and its transports.
type CommandService struct {
	cfg *config.Config

	Registry *commands.Registry
	Hub      *web.Hub

	server *commands.Server
	mqtt   *commands.MQTTTransport
}

// NewCommandService creates a CommandService. broker may be nil when MQTT is disabled.
func NewCommandService(cfg *config.Config, registry *commands.Registry, broker commands.Broker) *CommandService {
	hub := web.NewHub()
	s := &CommandService{
		cfg:      cfg,
		Registry: registry,
		Hub:      hub,
		server:   commands.NewServer(cfg.Commands.Host, cfg.Commands.Port, registry, hub),
	}
	if broker != nil {
		s.mqtt = commands.NewMQTTTransport(broker, registry)
	}
	return s
}

// Start begins the enabled transports.
func (s *CommandService) Start(ctx context.Context) error {
	if s.mqtt != nil {
		if err := s.mqtt.Start(ctx); err != nil {
			return err
		}
	}

	if !s.cfg.Commands.Enabled {
		log.Debug().Msg("Command server disabled")
		return nil
	}

	go s.Hub.Run()
	go func() {
		if err := s.server.Run(ctx, s.cfg.ShutdownTimeout.Duration()); err != nil {
			log.Error().Err(err).Msg("Command server error")
		}
	}()
	return nil
}

// Close stops the websocket hub and waits for MQTT requests in flight.
func (s *CommandService) Close() {
	s.Hub.Stop()
	if s.mqtt != nil {
		s.mqtt.Wait()
	}
}
