// Package observer periodically installs change observers on every device
// of the attached gateway.
package observer

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/tradfrid/internal/eventbus"
	"github.com/dokzlo13/tradfrid/internal/gateway"
	"github.com/dokzlo13/tradfrid/internal/lifecycle"
	"github.com/dokzlo13/tradfrid/internal/metrics"
)

// DefaultTick is how often the scheduler wakes up.
const DefaultTick = 10 * time.Second

// Lifecycle is the part of the connection manager the scheduler reads.
type Lifecycle interface {
	Session() *lifecycle.Session
	Attaching() bool
}

// Scheduler decides on every tick whether to sweep the device list.
//
// The first tick of every attach generation sweeps. With a refresh interval
// <= 0 that is the only sweep of the generation; otherwise it sweeps again
// whenever more than the interval (in minutes) has passed since the last one.
type Scheduler struct {
	lc       Lifecycle
	onChange func(gateway.Device)
	tick     time.Duration
	now      func() time.Time

	// Touched only from the Run goroutine (or Tick in tests)
	lastSweep      time.Time
	sweptGen       uint64
	sweepsExecuted int
}

// New creates a scheduler. onChange receives every device change reported
// by an installed observer.
func New(lc Lifecycle, tick time.Duration, onChange func(gateway.Device)) *Scheduler {
	if tick <= 0 {
		tick = DefaultTick
	}
	return &Scheduler{
		lc:       lc,
		onChange: onChange,
		tick:     tick,
		now:      time.Now,
	}
}

// BusPublisher returns an onChange callback that publishes each change as a
// device_changed event.
func BusPublisher(bus *eventbus.Bus) func(gateway.Device) {
	return func(d gateway.Device) {
		bus.Publish(eventbus.Event{Type: eventbus.EventTypeDeviceChanged, Payload: d})
	}
}

// Run ticks until ctx is cancelled. A sweep already running when ctx is
// cancelled is allowed to finish.
func (s *Scheduler) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.tick)
	defer ticker.Stop()

	log.Info().Dur("tick", s.tick).Msg("Observation scheduler started")

	for {
		select {
		case <-ctx.Done():
			log.Info().Int("sweeps", s.sweepsExecuted).Msg("Observation scheduler stopped")
			return ctx.Err()
		case <-ticker.C:
			s.Tick(context.WithoutCancel(ctx), s.now())
		}
	}
}

// Tick runs one scheduling decision. It reports whether a sweep completed.
func (s *Scheduler) Tick(ctx context.Context, now time.Time) bool {
	if s.lc.Attaching() {
		log.Debug().Msg("Attach in progress, skipping observation tick")
		metrics.IncSweep(metrics.ResultSkipped)
		return false
	}

	session := s.lc.Session()
	if session == nil {
		return false
	}

	// A new generation has a fresh client with no observers: always sweep it.
	// The interval only governs re-sweeps within one generation.
	if s.sweptGen == session.Generation {
		interval := session.Config.RefreshInterval
		if interval <= 0 || now.Sub(s.lastSweep) <= time.Duration(interval)*time.Minute {
			return false
		}
	}

	if !s.sweep(ctx, session) {
		return false
	}

	s.lastSweep = now
	s.sweptGen = session.Generation
	s.sweepsExecuted++
	return true
}

// Sweeps returns how many sweeps completed.
func (s *Scheduler) Sweeps() int {
	return s.sweepsExecuted
}

// sweep installs an observer on every device. A failure for one device is
// logged and the sweep continues; a failure to list devices abandons it.
func (s *Scheduler) sweep(ctx context.Context, session *lifecycle.Session) bool {
	devices, err := session.Client.Devices(ctx)
	if err != nil {
		log.Error().Err(err).Msg("Failed to list devices for observation")
		metrics.IncSweep(metrics.ResultError)
		return false
	}

	observed, failed := 0, 0
	for _, d := range devices {
		if err := session.Client.Observe(ctx, d.ID, s.onChange); err != nil {
			log.Warn().Err(err).Int64("device_id", d.ID).Str("device", d.Name).Msg("Failed to observe device")
			metrics.IncObserveFailure()
			failed++
			continue
		}
		observed++
	}

	metrics.IncSweep(metrics.ResultSuccess)
	log.Info().
		Uint64("generation", session.Generation).
		Int("observed", observed).
		Int("failed", failed).
		Msg("Observation sweep completed")
	return true
}
