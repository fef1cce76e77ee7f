package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"
)

// PGListenConfig holds settings for the Postgres LISTEN/NOTIFY source.
type PGListenConfig struct {
	DatabaseURL          string
	Channel              string
	MinReconnectInterval time.Duration
	MaxReconnectInterval time.Duration
}

// DefaultPGListenConfig returns the default LISTEN/NOTIFY configuration.
func DefaultPGListenConfig(databaseURL string) PGListenConfig {
	return PGListenConfig{
		DatabaseURL:          databaseURL,
		Channel:              "session_change_events",
		MinReconnectInterval: 10 * time.Second,
		MaxReconnectInterval: time.Minute,
	}
}

// PGListenSource delivers change events via Postgres NOTIFY for
// deployments without a message broker. NOTIFY payloads are dropped
// while the listener is reconnecting, so this source leans even harder
// on the reconciliation guard than NATS does.
type PGListenSource struct {
	listener *pq.Listener
	cfg      PGListenConfig
}

// NewPGListenSource opens a listener on the shared notification channel.
func NewPGListenSource(cfg PGListenConfig) (*PGListenSource, error) {
	l := pq.NewListener(
		cfg.DatabaseURL,
		cfg.MinReconnectInterval,
		cfg.MaxReconnectInterval,
		func(ev pq.ListenerEventType, err error) {
			if err != nil {
				log.Error().Err(err).Msg("pg listener event")
			}
		},
	)
	if err := l.Listen(cfg.Channel); err != nil {
		return nil, fmt.Errorf("listen on %s: %w", cfg.Channel, err)
	}

	log.Info().Str("channel", cfg.Channel).Msg("listening for session notifications")
	return &PGListenSource{listener: l, cfg: cfg}, nil
}

func (s *PGListenSource) Subscribe(ctx context.Context, sessionID uuid.UUID, h Handler) (Subscription, error) {
	done := make(chan struct{})
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-done:
				return
			case note := <-s.listener.Notify:
				if note == nil {
					// Connection was lost and re-established; anything
					// published in between is gone. The guard's resync
					// picks up the slack.
					log.Warn().Msg("pg listener reconnected; notifications may have been missed")
					continue
				}
				var ev Event
				if err := json.Unmarshal([]byte(note.Extra), &ev); err != nil {
					log.Error().Err(err).Msg("malformed pg notification payload")
					continue
				}
				// One channel carries every session; filter locally.
				if ev.SessionID != sessionID {
					continue
				}
				h(ev)
			}
		}
	}()

	return &pgSubscription{done: done}, nil
}

func (s *PGListenSource) Ping(ctx context.Context) error {
	if err := s.listener.Ping(); err != nil {
		return fmt.Errorf("pg listener ping: %w", err)
	}
	return nil
}

// Close tears down the listener connection.
func (s *PGListenSource) Close() error {
	return s.listener.Close()
}

type pgSubscription struct {
	done chan struct{}
}

func (p *pgSubscription) Unsubscribe() error {
	select {
	case <-p.done:
	default:
		close(p.done)
	}
	return nil
}
