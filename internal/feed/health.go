package feed

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"
)

// HealthConfig tunes the connection health monitor.
type HealthConfig struct {
	// HeartbeatInterval is how often the transport is probed.
	HeartbeatInterval time.Duration
	// LivenessWindow is how long silence (no event, no successful probe)
	// may last before a heartbeat check counts a miss.
	LivenessWindow time.Duration
	// MaxMissed is how many consecutive misses mark the connection
	// unhealthy and start reconnection.
	MaxMissed int
	// ReconnectBase and ReconnectMax bound the exponential backoff
	// between reconnection attempts.
	ReconnectBase time.Duration
	ReconnectMax  time.Duration
}

// DefaultHealthConfig returns the standard monitor settings.
func DefaultHealthConfig() HealthConfig {
	return HealthConfig{
		HeartbeatInterval: 10 * time.Second,
		LivenessWindow:    30 * time.Second,
		MaxMissed:         3,
		ReconnectBase:     time.Second,
		ReconnectMax:      30 * time.Second,
	}
}

// BackoffDelay returns the reconnection delay before the given attempt
// (1-based): base doubled per attempt, capped at ReconnectMax.
func (c HealthConfig) BackoffDelay(attempt int) time.Duration {
	d := c.ReconnectBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= c.ReconnectMax {
			return c.ReconnectMax
		}
	}
	if d > c.ReconnectMax {
		return c.ReconnectMax
	}
	return d
}

// Monitor watches a change-feed transport: it probes liveness on a
// heartbeat and drives reconnection with exponential backoff once the
// connection is declared unhealthy.
type Monitor struct {
	pinger    interface{ Ping(context.Context) error }
	reconnect func(context.Context) error
	clock     clockwork.Clock
	cfg       HealthConfig

	mu         sync.Mutex
	lastSignal time.Time
	missed     int
	healthy    bool
}

// NewMonitor creates a health monitor. reconnect is invoked, under
// backoff, until it succeeds; a successful call resets all counters.
func NewMonitor(pinger interface{ Ping(context.Context) error }, reconnect func(context.Context) error, clock clockwork.Clock, cfg HealthConfig) *Monitor {
	return &Monitor{
		pinger:    pinger,
		reconnect: reconnect,
		clock:     clock,
		cfg:       cfg,
		healthy:   true,
	}
}

// RecordActivity notes a liveness signal (any received event).
func (m *Monitor) RecordActivity() {
	m.mu.Lock()
	m.lastSignal = m.clock.Now()
	m.missed = 0
	m.mu.Unlock()
}

// Healthy reports the monitor's current verdict.
func (m *Monitor) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.healthy
}

// Run drives the heartbeat loop until the context is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	m.RecordActivity()

	ticker := m.clock.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.Chan():
			if err := m.checkOnce(ctx); err != nil {
				return err
			}
		}
	}
}

// checkOnce runs one heartbeat check. A successful probe counts as a
// liveness signal just like a received event; a miss is a check that
// saw no signal of either kind within the liveness window.
func (m *Monitor) checkOnce(ctx context.Context) error {
	if err := m.pinger.Ping(ctx); err == nil {
		m.RecordActivity()
	} else {
		log.Debug().Err(err).Msg("feed probe failed")
	}

	m.mu.Lock()
	if m.clock.Since(m.lastSignal) >= m.cfg.LivenessWindow {
		m.missed++
	} else {
		m.missed = 0
	}
	unhealthy := m.missed >= m.cfg.MaxMissed
	m.mu.Unlock()

	if !unhealthy {
		return nil
	}

	m.mu.Lock()
	m.healthy = false
	m.mu.Unlock()
	log.Warn().Int("missed", m.cfg.MaxMissed).Msg("change feed unhealthy, reconnecting")

	return m.reconnectLoop(ctx)
}

func (m *Monitor) reconnectLoop(ctx context.Context) error {
	for attempt := 1; ; attempt++ {
		delay := m.cfg.BackoffDelay(attempt)
		log.Info().Int("attempt", attempt).Dur("delay", delay).Msg("reconnect backoff")

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-m.clock.After(delay):
		}

		if err := m.reconnect(ctx); err != nil {
			log.Error().Err(err).Int("attempt", attempt).Msg("reconnect failed")
			continue
		}

		m.mu.Lock()
		m.healthy = true
		m.missed = 0
		m.lastSignal = m.clock.Now()
		m.mu.Unlock()
		log.Info().Int("attempt", attempt).Msg("change feed resubscribed")
		return nil
	}
}
