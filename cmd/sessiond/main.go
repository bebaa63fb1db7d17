// Package main provides the session server binary: the WebSocket transport,
// the session tick loop, snapshot persistence, and the health endpoint.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"time"

	"go.uber.org/zap"

	"github.com/cory-johannsen/enfaria/internal/cleanup"
	"github.com/cory-johannsen/enfaria/internal/clock"
	"github.com/cory-johannsen/enfaria/internal/config"
	"github.com/cory-johannsen/enfaria/internal/events"
	"github.com/cory-johannsen/enfaria/internal/game/session"
	"github.com/cory-johannsen/enfaria/internal/game/world"
	"github.com/cory-johannsen/enfaria/internal/gameserver"
	"github.com/cory-johannsen/enfaria/internal/health"
	"github.com/cory-johannsen/enfaria/internal/observability"
	"github.com/cory-johannsen/enfaria/internal/persistence"
	"github.com/cory-johannsen/enfaria/internal/server"
	"github.com/cory-johannsen/enfaria/internal/storage/file"
	"github.com/cory-johannsen/enfaria/internal/storage/postgres"
	"github.com/cory-johannsen/enfaria/internal/storage/sqlite"
	"github.com/cory-johannsen/enfaria/internal/transport/websocket"
)

func main() {
	start := time.Now()

	configPath := flag.String("config", "configs/dev.yaml", "path to configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("loading config: %v", err)
	}

	logger, err := observability.NewLogger("sessiond", cfg.Logging)
	if err != nil {
		log.Fatalf("initializing logger: %v", err)
	}
	defer func() { _ = logger.Sync() }()

	if err := run(cfg, logger, start); err != nil {
		logger.Fatal("session server exited", zap.Error(err))
	}
}

func run(cfg config.Config, logger *zap.Logger, start time.Time) error {
	ctx := context.Background()

	var pool *postgres.Pool
	if cfg.NeedsDatabase() {
		dbStart := time.Now()
		p, err := postgres.NewPool(ctx, cfg.Database)
		if err != nil {
			return fmt.Errorf("connecting to database: %w", err)
		}
		defer p.Close()
		pool = p
		logger.Info("database connected", zap.Duration("elapsed", time.Since(dbStart)))
	}

	store, closeStore, err := openStore(cfg.Persistence, pool)
	if err != nil {
		return err
	}
	defer closeStore()
	logger.Info("snapshot store ready", zap.String("backend", cfg.Persistence.Backend))

	publisher, closeBus, err := openEventBus(cfg.NATS, logger)
	if err != nil {
		return err
	}
	defer closeBus()

	var template world.State
	if cfg.Session.WorldTemplate != "" {
		template, err = world.LoadTemplateFromFile(cfg.Session.WorldTemplate)
		if err != nil {
			return err
		}
		logger.Info("world template loaded",
			zap.String("path", cfg.Session.WorldTemplate),
			zap.Int("width", template.Width),
			zap.Int("height", template.Height),
		)
	}

	clk := clock.System{}
	reg := session.NewRegistry(clk, cfg.Session.InboundDepth, cfg.Session.OutboundDepth)
	gateway := persistence.NewGateway(store, cfg.Persistence.WriteTimeout, logger)
	coord := cleanup.New(reg, gateway, publisher, clk, logger, cleanup.Config{
		Workers:        cfg.Persistence.Workers,
		MaxAttempts:    cfg.Persistence.MaxAttempts,
		InitialBackoff: cfg.Persistence.InitialBackoff,
		MaxBackoff:     cfg.Persistence.MaxBackoff,
		Jitter:         0.5,
	})
	srv := gameserver.NewServer(gameserver.Deps{
		Registry:    reg,
		Detector:    session.NewDetector(cfg.Session.HeartbeatTimeout),
		Coordinator: coord,
		Loader:      gateway,
		Handler:     gameserver.NewWorldHandler(),
		Clock:       clk,
		Logger:      logger,
		Template:    template,
	})

	var auth websocket.Authenticator
	switch cfg.Transport.Auth {
	case config.AuthToken:
		auth = websocket.NewTokenAuthenticator(postgres.NewTokenRepository(pool.DB()))
	default:
		logger.Warn("transport accepts unauthenticated identities", zap.String("auth", cfg.Transport.Auth))
		auth = websocket.TrustAuthenticator{}
	}
	transport := websocket.NewServer(cfg.Transport, srv, auth, logger)

	healthSrv := health.NewServer(cfg.Health.Addr(), logger)
	if pool != nil {
		healthSrv.Monitor("postgres", 5*time.Second, func(ctx context.Context) error {
			return pool.Health(ctx, 2*time.Second)
		})
	}

	tick := gameserver.NewTickLoop(cfg.Server.TickInterval, func(ctx context.Context) {
		srv.Tick(ctx)
	})

	lifecycle := server.NewLifecycle(logger, cfg.Server.ShutdownTimeout)
	lifecycle.Add("health", healthSrv)
	lifecycle.Add("flush", server.Blocking(func() {
		ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		srv.Shutdown(ctx)
	}))
	lifecycle.Add("tick", tick)
	lifecycle.Add("websocket", transport)

	logger.Info("session server ready",
		zap.String("transport_addr", cfg.Transport.Addr()),
		zap.String("health_addr", cfg.Health.Addr()),
		zap.Duration("tick_interval", cfg.Server.TickInterval),
		zap.Duration("heartbeat_timeout", cfg.Session.HeartbeatTimeout),
		zap.Duration("startup", time.Since(start)),
	)
	return lifecycle.Run(ctx)
}

func openStore(cfg config.PersistenceConfig, pool *postgres.Pool) (persistence.Store, func(), error) {
	noop := func() {}
	switch cfg.Backend {
	case config.BackendPostgres:
		return postgres.NewSnapshotRepository(pool.DB()), noop, nil
	case config.BackendSQLite:
		s, err := sqlite.Open(cfg.SQLitePath)
		if err != nil {
			return nil, nil, fmt.Errorf("opening sqlite store: %w", err)
		}
		return s, func() { _ = s.Close() }, nil
	case config.BackendMemory:
		return persistence.NewMemoryStore(), noop, nil
	default:
		s, err := file.NewStore(cfg.DataDir)
		if err != nil {
			return nil, nil, fmt.Errorf("opening file store: %w", err)
		}
		return s, noop, nil
	}
}

func openEventBus(cfg config.NATSConfig, logger *zap.Logger) (events.Publisher, func(), error) {
	pubs := events.Multi{events.NewLogPublisher(logger)}
	if !cfg.Enabled {
		return pubs, func() {}, nil
	}

	url := cfg.URL
	var embedded *events.EmbeddedServer
	if cfg.Embedded {
		var err error
		embedded, err = events.NewEmbeddedServer(cfg.Host, cfg.Port)
		if err != nil {
			return nil, nil, err
		}
		if err := embedded.Start(); err != nil {
			return nil, nil, err
		}
		url = embedded.ClientURL()
		logger.Info("embedded nats server started", zap.String("url", url))
	}

	nc, err := events.DialNATS(url, cfg.SubjectPrefix)
	if err != nil {
		if embedded != nil {
			embedded.Shutdown()
		}
		return nil, nil, err
	}
	logger.Info("session events published to nats",
		zap.String("url", url),
		zap.String("subject_prefix", cfg.SubjectPrefix),
	)
	return append(pubs, nc), func() {
		_ = nc.Close()
		if embedded != nil {
			embedded.Shutdown()
		}
	}, nil
}
