package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/jmdev3/conclave/internal/config"
	"github.com/jmdev3/conclave/internal/coordinator"
	"github.com/jmdev3/conclave/internal/feed"
	"github.com/jmdev3/conclave/internal/gateway"
	"github.com/jmdev3/conclave/internal/models"
	"github.com/jmdev3/conclave/internal/session"
	"github.com/jmdev3/conclave/internal/store"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}

	// Setup logging
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load(os.Getenv("CONCLAVE_CONFIG"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	clock := clockwork.NewRealClock()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = uuid.New().String()
		log.Warn().Str("client_id", clientID).Msg("CLIENT_ID not set, generated an ephemeral one")
	}

	remote, sessionID, cleanup := setupStore(ctx, cfg, clock)
	defer cleanup()

	log.Info().
		Str("session_id", sessionID.String()).
		Str("client_id", clientID).
		Str("store", cfg.StoreBackend).
		Str("feed", cfg.FeedTransport).
		Str("port", cfg.GatewayPort).
		Msg("starting conclave")

	snaps := session.NewStore()

	// Coordinator settings from the configured timings.
	coordCfg := coordinator.DefaultConfig()
	coordCfg.TickInterval = cfg.Timings.TickInterval.Std()
	coordCfg.GraceMargin = cfg.Timings.GraceMargin.Std()
	coordCfg.InProgressTimeout = cfg.Timings.InProgressTimeout.Std()
	coordCfg.StuckOverdue = cfg.Timings.StuckOverdue.Std()
	coordCfg.StuckNoDeadline = cfg.Timings.StuckNoDeadline.Std()
	coordCfg.EmergencyInterval = cfg.Timings.EmergencyInterval.Std()
	coordCfg.MembershipPollInterval = cfg.Timings.MembershipPollInterval.Std()

	coord := coordinator.New(remote, snaps, clock, coordCfg, sessionID, clientID)

	// Change feed, reconciliation guard, and health monitor.
	source, closeSource := setupFeedSource(cfg)
	defer closeSource()

	guardCfg := feed.GuardConfig{ReconcileInterval: cfg.Timings.ReconcileInterval.Std()}
	healthCfg := feed.HealthConfig{
		HeartbeatInterval: cfg.Timings.HeartbeatInterval.Std(),
		LivenessWindow:    cfg.Timings.LivenessWindow.Std(),
		MaxMissed:         3,
		ReconnectBase:     cfg.Timings.ReconnectBase.Std(),
		ReconnectMax:      cfg.Timings.ReconnectMax.Std(),
	}

	var guard *feed.Guard
	var monitor *feed.Monitor
	if source != nil {
		// After the transport recovers, a full resync covers whatever was
		// published while the connection was down.
		monitor = feed.NewMonitor(source, func(ctx context.Context) error {
			if err := source.Ping(ctx); err != nil {
				return err
			}
			return guard.ForceResync(ctx)
		}, clock, healthCfg)
		guard = feed.NewGuard(source, remote, snaps, monitor, clock, guardCfg, sessionID)
	} else {
		guard = feed.NewGuard(noopSource{}, remote, snaps, nil, clock, guardCfg, sessionID)
	}

	// Gateway for browser tabs.
	gwService := gateway.NewService(gateway.DefaultConnectionConfig(), clock)
	gwService.Bind(sessionID, &gateway.Binding{
		Snaps:   snaps,
		Actions: coord,
		Stuck:   coord.IsStuck,
	})
	gwHandler := gateway.NewHandler(gwService)

	mux := http.NewServeMux()
	gwHandler.RegisterRoutes(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.GatewayPort),
		Handler:      gateway.CORSHandler(mux),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 4)

	go func() {
		if err := guard.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("guard: %w", err)
		}
	}()
	if monitor != nil {
		go func() {
			if err := monitor.Run(ctx); err != nil && ctx.Err() == nil {
				errCh <- fmt.Errorf("health monitor: %w", err)
			}
		}()
	}
	if source == nil {
		// No change feed at all: poll the store so the snapshot stays warm.
		go pollSnapshots(ctx, guard, clock, cfg.Timings.TickInterval.Std())
	}
	go func() {
		if err := coord.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("coordinator: %w", err)
		}
	}()
	go func() {
		if err := gwService.Run(ctx); err != nil && ctx.Err() == nil {
			errCh <- fmt.Errorf("gateway: %w", err)
		}
	}()
	go func() {
		log.Info().Str("addr", server.Addr).Msg("HTTP server starting")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigChan:
		log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
	case err := <-errCh:
		log.Error().Err(err).Msg("component failed, shutting down")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("HTTP server shutdown failed")
	}
	cancel()

	log.Info().Msg("conclave shutdown complete")
}

// setupStore builds the remote store and resolves the session id. The
// in-memory backend is for development only: with no SESSION_ID it
// bootstraps a fresh session with this client as host.
func setupStore(ctx context.Context, cfg config.Config, clock clockwork.Clock) (store.Store, uuid.UUID, func()) {
	switch cfg.StoreBackend {
	case "postgres":
		pool, err := pgxpool.New(ctx, cfg.DB.DSN())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to create database pool")
		}
		if err := pool.Ping(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to ping database")
		}
		sessionID, err := uuid.Parse(cfg.SessionID)
		if err != nil {
			log.Fatal().Err(err).Msg("SESSION_ID must be a valid uuid")
		}
		return store.NewPostgres(pool), sessionID, pool.Close

	case "memory":
		mem := store.NewMemory(clock)
		sessionID := bootstrapMemorySession(ctx, cfg, clock, mem)
		return mem, sessionID, func() {}

	default:
		log.Fatal().Str("store", cfg.StoreBackend).Msg("unknown store backend")
		return nil, uuid.Nil, nil
	}
}

func bootstrapMemorySession(ctx context.Context, cfg config.Config, clock clockwork.Clock, mem *store.Memory) uuid.UUID {
	log.Warn().Msg("in-memory store selected: state is lost on restart")

	s := models.Session{
		ID:             uuid.New(),
		JoinCode:       uuid.New().String()[:8],
		Status:         models.SessionStatusLobby,
		SuggestSeconds: 60,
		VoteSeconds:    30,
		AutoAdvance:    true,
		CreatedAt:      clock.Now(),
	}
	mem.PutSession(s)

	clientID := cfg.ClientID
	if clientID == "" {
		clientID = "dev-host"
	}
	mem.PutParticipant(models.Participant{
		ID:          uuid.New(),
		SessionID:   s.ID,
		ClientID:    clientID,
		DisplayName: "Host",
		IsHost:      true,
		JoinedAt:    clock.Now(),
		Online:      true,
	})

	if _, err := mem.StartSession(ctx, s.ID); err != nil {
		log.Fatal().Err(err).Msg("failed to start bootstrap session")
	}
	log.Info().
		Str("session_id", s.ID.String()).
		Str("join_code", s.JoinCode).
		Msg("bootstrapped development session")
	return s.ID
}

// setupFeedSource builds the change-feed transport, or nil for the
// in-memory backend, which has no feed to subscribe to.
func setupFeedSource(cfg config.Config) (feed.Source, func()) {
	if cfg.StoreBackend == "memory" {
		return nil, func() {}
	}

	switch cfg.FeedTransport {
	case "nats":
		natsCfg := feed.DefaultNATSConfig()
		natsCfg.URL = cfg.NATSURL
		source, err := feed.NewNATSSource(natsCfg)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect NATS change feed")
		}
		return source, source.Close

	case "postgres":
		source, err := feed.NewPGListenSource(feed.DefaultPGListenConfig(cfg.DB.DSN()))
		if err != nil {
			log.Fatal().Err(err).Msg("failed to open LISTEN/NOTIFY change feed")
		}
		return source, func() {
			if err := source.Close(); err != nil {
				log.Error().Err(err).Msg("failed to close pg listener")
			}
		}

	default:
		log.Fatal().Str("feed", cfg.FeedTransport).Msg("unknown feed transport")
		return nil, nil
	}
}

// pollSnapshots keeps the snapshot warm by plain polling when no change
// feed exists.
func pollSnapshots(ctx context.Context, guard *feed.Guard, clock clockwork.Clock, interval time.Duration) {
	ticker := clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if err := guard.ForceResync(ctx); err != nil {
				log.Error().Err(err).Msg("snapshot poll failed")
			}
		}
	}
}

// noopSource satisfies the feed source interface for feed-less setups.
type noopSource struct{}

func (noopSource) Subscribe(ctx context.Context, sessionID uuid.UUID, h feed.Handler) (feed.Subscription, error) {
	return noopSubscription{}, nil
}

func (noopSource) Ping(ctx context.Context) error { return nil }

type noopSubscription struct{}

func (noopSubscription) Unsubscribe() error { return nil }
