package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	httpapi "github.com/prefsync/prefsync/internal/api/http"
	"github.com/prefsync/prefsync/internal/application/coordinator"
	"github.com/prefsync/prefsync/internal/backend"
	"github.com/prefsync/prefsync/internal/bus"
	"github.com/prefsync/prefsync/internal/config"
	"github.com/prefsync/prefsync/internal/infrastructure/boltstore"
	"github.com/prefsync/prefsync/internal/infrastructure/filestore"
	"github.com/prefsync/prefsync/internal/infrastructure/fswatch"
	"github.com/prefsync/prefsync/internal/infrastructure/pgstore"
	"github.com/prefsync/prefsync/internal/infrastructure/wsrelay"
	"github.com/prefsync/prefsync/internal/metrics"
	"github.com/prefsync/prefsync/internal/peersync"
	"github.com/prefsync/prefsync/internal/queue"
	"github.com/prefsync/prefsync/internal/retry"
	"github.com/prefsync/prefsync/internal/state"
	"github.com/prefsync/prefsync/internal/storage"
	"github.com/prefsync/prefsync/internal/transport"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if cfg.PeerID == "" {
		// Transports filter inbound messages on this ID, so it must be
		// fixed before they are built.
		cfg.PeerID = uuid.NewString()
	}

	ctx := context.Background()
	events := bus.New()
	unobserve := metrics.Observe(events)
	defer unobserve()

	store, closeStore, err := buildStorage(ctx, cfg.StorageDSN)
	if err != nil {
		log.Fatalf("storage error: %v", err)
	}
	defer closeStore()

	stateStore := state.NewStore(state.Config{
		Store:       store,
		Namespace:   cfg.Namespace,
		Rules:       defaultRules(),
		SizeCeiling: cfg.StateSizeCeiling,
		Bus:         events,
		Logger:      logger,
	})
	if err := stateStore.Load(); err != nil {
		log.Fatalf("state error: %v", err)
	}

	q := queue.New(queue.Config{
		Store:         store,
		Namespace:     cfg.Namespace,
		MaxConcurrent: cfg.MaxConcurrent,
		Bus:           events,
		Logger:        logger,
	})

	engine := retry.NewEngine(retry.Config{
		MaxAttempts:      cfg.MaxAttempts,
		BaseDelay:        cfg.BackoffBase,
		MaxDelay:         cfg.BackoffMax,
		FailureThreshold: cfg.CircuitThreshold,
		Cooldown:         cfg.CircuitCooldown,
		Bus:              events,
		Logger:           logger,
	})

	tr, err := buildTransport(ctx, cfg, logger)
	if err != nil {
		log.Fatalf("transport error: %v", err)
	}
	defer tr.Close()

	peers := peersync.NewManager(peersync.Config{
		SelfID:            cfg.PeerID,
		Transport:         tr,
		State:             stateStore,
		Strategy:          cfg.ConflictStrategy,
		HeartbeatInterval: cfg.HeartbeatInterval,
		PeerTimeout:       cfg.PeerTimeout,
		Bus:               events,
		Logger:            logger,
	})
	peers.Register()
	defer peers.Unregister()

	be, err := backend.NewHTTPBackend(cfg.BackendURL, cfg.RequestTimeout, logger)
	if err != nil {
		log.Fatalf("backend error: %v", err)
	}

	svc := coordinator.New(coordinator.Config{
		Queue:          q,
		Engine:         engine,
		Backend:        be,
		State:          stateStore,
		Peers:          peers,
		RequestTimeout: cfg.RequestTimeout,
		Bus:            events,
		Logger:         logger,
	})
	svc.Start()
	defer svc.Close()

	apiServer := httpapi.NewServer(svc, peers, promhttp.Handler(), logger)
	httpServer := &http.Server{
		Addr:         cfg.ServerAddr,
		Handler:      apiServer.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		logger.Info().
			Str("addr", cfg.ServerAddr).
			Str("peer_id", peers.SelfID()).
			Msg("agent started")
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	ctxShutdown, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(ctxShutdown)
	if err := stateStore.Save(); err != nil {
		logger.Warn().Err(err).Msg("final state save failed")
	}
}

// buildStorage resolves a storage DSN into a durable store.
func buildStorage(ctx context.Context, dsn string) (storage.Store, func(), error) {
	noop := func() {}
	switch {
	case dsn == "" || strings.HasPrefix(dsn, "mem://"):
		return storage.NewMemory(0), noop, nil
	case strings.HasPrefix(dsn, "file://"):
		s, err := filestore.New(strings.TrimPrefix(dsn, "file://"))
		return s, noop, err
	case strings.HasPrefix(dsn, "bolt://"):
		s, err := boltstore.Open(strings.TrimPrefix(dsn, "bolt://"))
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case strings.HasPrefix(dsn, "postgres://"), strings.HasPrefix(dsn, "postgresql://"):
		pool, err := pgstore.NewPool(ctx, dsn)
		if err != nil {
			return nil, nil, err
		}
		s, err := pgstore.New(ctx, pool)
		if err != nil {
			pool.Close()
			return nil, nil, err
		}
		return s, pool.Close, nil
	}
	return nil, nil, fmt.Errorf("unsupported storage DSN %q", dsn)
}

// buildTransport picks the broadcast channel: a relay hub when
// configured, a shared watched directory as the fallback, an
// in-process channel when running standalone.
func buildTransport(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (transport.Transport, error) {
	switch {
	case cfg.RelayURL != "":
		return wsrelay.Dial(ctx, cfg.RelayURL, cfg.PeerID, logger)
	case cfg.SharedDir != "":
		return fswatch.New(cfg.SharedDir, cfg.PeerID, logger)
	}
	return transport.NewMemoryChannel().Endpoint(), nil
}

func defaultRules() *state.RuleSet {
	rules := state.NewRuleSet()
	// Built-in constraints for well-known settings keys.
	_ = rules.AddRule("fontSize", "value >= 8 && value <= 72")
	_ = rules.AddRule("autoSaveIntervalSeconds", "value >= 5 && value <= 3600")
	return rules
}
