package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

// NATSConfig holds connection settings for the NATS change-feed source.
type NATSConfig struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
	PingTimeout   time.Duration
}

// DefaultNATSConfig returns the default NATS source configuration.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           nats.DefaultURL,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		PingTimeout:   2 * time.Second,
	}
}

// NATSSource subscribes to per-session subjects on core NATS. Core NATS
// is at-most-once with no cross-subject ordering, which matches the
// feed's contract: notifications are hints, not a log.
type NATSSource struct {
	nc  *nats.Conn
	cfg NATSConfig
}

// NewNATSSource connects to NATS with reconnect and error handlers
// wired into the logger.
func NewNATSSource(cfg NATSConfig) (*NATSSource, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}
	return &NATSSource{nc: nc, cfg: cfg}, nil
}

// SessionSubject returns the subject filter carrying one session's events.
func SessionSubject(sessionID uuid.UUID) string {
	return fmt.Sprintf("session.events.%s.>", sessionID)
}

func (s *NATSSource) Subscribe(ctx context.Context, sessionID uuid.UUID, h Handler) (Subscription, error) {
	subject := SessionSubject(sessionID)
	sub, err := s.nc.Subscribe(subject, func(msg *nats.Msg) {
		var ev Event
		if err := json.Unmarshal(msg.Data, &ev); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject).Msg("malformed feed event")
			return
		}
		h(ev)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w", subject, err)
	}

	log.Info().
		Str("session_id", sessionID.String()).
		Str("subject", subject).
		Msg("subscribed to session change feed")
	return &natsSubscription{sub: sub}, nil
}

func (s *NATSSource) Ping(ctx context.Context) error {
	if !s.nc.IsConnected() {
		return fmt.Errorf("NATS connection is %s", s.nc.Status())
	}
	if err := s.nc.FlushTimeout(s.cfg.PingTimeout); err != nil {
		return fmt.Errorf("NATS flush: %w", err)
	}
	return nil
}

// Close tears down the NATS connection.
func (s *NATSSource) Close() {
	s.nc.Close()
}

type natsSubscription struct {
	sub *nats.Subscription
}

func (n *natsSubscription) Unsubscribe() error {
	return n.sub.Unsubscribe()
}
