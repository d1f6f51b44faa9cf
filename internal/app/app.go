package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	goredis "github.com/redis/go-redis/v9"
	"golang.org/x/sync/errgroup"

	"serialhub/internal/config"
	"serialhub/internal/events"
	"serialhub/internal/infrastructure"
	"serialhub/internal/security"
	"serialhub/internal/services"
	"serialhub/internal/storage/memory"
	"serialhub/internal/storage/postgres"
	redisstore "serialhub/internal/storage/redis"
	"serialhub/internal/usage"
	ws "serialhub/internal/websocket"
)

// eventBuffer is how many usage events may wait for kafka and the hub.
const eventBuffer = 1024

var (
	// Version is set at build time with -ldflags "-X serialhub/internal/app.Version=..."
	Version = "dev"
	// BuildTime is set at build time
	BuildTime = ""
)

// Application represents the main application container
type Application struct {
	Config  *config.Config
	Logger  *slog.Logger
	OTel    *infrastructure.OTelProviders
	Metrics *infrastructure.BusinessMetrics

	Router *chi.Mux
	Server *http.Server

	Hub         *ws.Hub
	Tracker     *usage.Tracker
	Serials     *services.SerialRegistry
	Clients     *services.ClientRegistry
	Health      *services.HealthService
	Crypto      *security.CryptoService
	AdminTokens *security.AdminTokenAuthority

	events  *events.BufferedPublisher
	sweeper *usage.Sweeper

	// closers release storage and brokers, last opened first.
	closers []func() error
}

// NewApplication loads configuration from the environment and wires the
// application.
func NewApplication(ctx context.Context) (*Application, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize logger: %w", err)
	}

	return New(ctx, cfg, logger)
}

// New wires every component from cfg. ctx bounds background helpers that
// are started during wiring, such as rate limiter cleanup.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Application, error) {
	logger.InfoContext(ctx, "application starting",
		slog.String("name", config.AppName),
		slog.String("version", Version),
		slog.String("build_time", BuildTime),
		slog.String("storage", cfg.Storage.Driver))

	app := &Application{Config: cfg, Logger: logger}
	ok := false
	defer func() {
		if !ok {
			app.close(context.Background())
		}
	}()

	otelProviders, err := infrastructure.InitializeOTel(cfg.Telemetry, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize OpenTelemetry: %w", err)
	}
	app.OTel = otelProviders

	metrics, err := infrastructure.CreateBusinessMetrics(otelProviders.Meter)
	if err != nil {
		return nil, fmt.Errorf("failed to create business metrics: %w", err)
	}
	app.Metrics = metrics

	app.Health = services.NewHealthService(Version, logger)

	st, err := app.openStorage(ctx)
	if err != nil {
		return nil, err
	}

	locker, cache, err := app.openRedis(ctx)
	if err != nil {
		return nil, err
	}

	publisher, err := app.openEvents()
	if err != nil {
		return nil, err
	}

	tracker, err := usage.NewTracker(usage.Dependencies{
		Store:     st.usages,
		Serials:   st.serials,
		Locker:    locker,
		Cache:     cache,
		Publisher: publisher,
		Metrics:   metrics,
		Logger:    logger,
	}, usage.Config{
		LockTimeout: cfg.Usage.LockTimeout,
		SeatTTL:     cfg.Usage.SeatTTL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize usage tracker: %w", err)
	}
	app.Tracker = tracker
	app.sweeper = usage.NewSweeper(tracker, cfg.Usage.SweepInterval, metrics, logger)

	crypto, err := security.NewCryptoServiceFromConfig(cfg.Crypto, metrics, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize crypto: %w", err)
	}
	app.Crypto = crypto

	tokens, err := security.NewOfflineTokenIssuer(cfg.Auth.Issuer, cfg.Auth.OfflineTokenTTL, crypto.PrivateKey())
	if err != nil {
		return nil, fmt.Errorf("failed to initialize offline tokens: %w", err)
	}

	adminSecret, err := security.LoadAdminSecret(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("failed to load admin token secret: %w", err)
	}
	admins, err := security.NewAdminTokenAuthority(adminSecret, cfg.Auth.Issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize admin tokens: %w", err)
	}
	app.AdminTokens = admins

	serials, err := services.NewSerialRegistry(services.RegistryDeps{
		Serials: st.serials,
		Clients: st.clients,
		Tracker: tracker,
		Crypto:  crypto,
		Tokens:  tokens,
		Metrics: metrics,
		Logger:  logger,
	}, services.RegistryConfig{
		EncryptSerials:  cfg.Crypto.EncryptSerials,
		RetryBackoff:    cfg.Usage.RetryBackoff,
		BulkConcurrency: cfg.Usage.BulkConcurrency,
		BulkMaxItems:    cfg.Usage.BulkMaxItems,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize serial registry: %w", err)
	}
	app.Serials = serials
	app.Clients = services.NewClientRegistry(st.clients, crypto, logger)

	app.Router = app.setupRouter(ctx)
	app.Server = &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           app.Router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: cfg.Server.ReadTimeout,
		WriteTimeout:      cfg.Server.WriteTimeout,
		IdleTimeout:       cfg.Server.IdleTimeout,
		MaxHeaderBytes:    cfg.Server.MaxHeaderBytes,
	}

	ok = true
	return app, nil
}

type stores struct {
	serials services.SerialRepository
	clients services.ClientRepository
	usages  usage.Store
}

func (a *Application) openStorage(ctx context.Context) (stores, error) {
	cfg := a.Config.Storage
	switch cfg.Driver {
	case "postgres":
		db, err := postgres.Connect(ctx, cfg.DatabaseURL, cfg.MaxConns, a.Logger)
		if err != nil {
			return stores{}, fmt.Errorf("failed to open postgres: %w", err)
		}
		a.closers = append(a.closers, func() error { return postgres.Close(db) })

		if cfg.RunMigrations {
			if err := postgres.RunMigrations(ctx, db, a.Logger); err != nil {
				return stores{}, fmt.Errorf("failed to migrate postgres: %w", err)
			}
		}
		a.Health.Register("postgres", func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		})
		return stores{
			serials: postgres.NewSerialStore(db),
			clients: postgres.NewClientStore(db),
			usages:  postgres.NewUsageStore(db),
		}, nil

	default:
		a.Logger.WarnContext(ctx, "using in-memory storage, data is lost on restart")
		return stores{
			serials: memory.NewSerialStore(),
			clients: memory.NewClientStore(),
			usages:  memory.NewUsageStore(),
		}, nil
	}
}

// openRedis returns nil locker and cache without a redis url; the tracker
// then keeps both in process.
func (a *Application) openRedis(ctx context.Context) (usage.Locker, usage.CountCache, error) {
	cfg := a.Config.Redis
	if cfg.URL == "" {
		return nil, nil, nil
	}
	client, err := redisstore.Connect(ctx, cfg.URL)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect redis: %w", err)
	}
	a.closers = append(a.closers, client.Close)
	a.Health.Register("redis", func(ctx context.Context) error {
		return client.Ping(ctx).Err()
	})

	prefix := cfg.KeyPrefix + ":"
	return redisstore.NewLocker(client, prefix, cfg.LockTTL, a.Logger),
		redisstore.NewCountCache(client, prefix, cfg.CacheTTL),
		nil
}

// openEvents builds the usage event pipeline: the tracker publishes into a
// buffer that fans out to the websocket hub, kafka or the log.
func (a *Application) openEvents() (usage.Publisher, error) {
	a.Hub = ws.NewHub(a.Logger)
	sinks := events.Fanout{a.Hub}

	if len(a.Config.Kafka.Brokers) > 0 {
		kp, err := events.NewKafkaPublisher(a.Config.Kafka, a.Logger)
		if err != nil {
			return nil, fmt.Errorf("failed to initialize kafka publisher: %w", err)
		}
		a.closers = append(a.closers, kp.Close)
		sinks = append(sinks, kp)
	} else {
		sinks = append(sinks, events.NewLoggingPublisher(a.Logger))
	}

	a.events = events.NewBufferedPublisher(sinks, eventBuffer, a.Logger)
	return a.events, nil
}

// Run serves until ctx is done or a component fails, then shuts down.
func (a *Application) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return ignoreCanceled(a.Hub.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(a.events.Run(gctx)) })
	g.Go(func() error { return ignoreCanceled(a.sweeper.Run(gctx)) })

	g.Go(func() error {
		a.Logger.InfoContext(gctx, "http server listening",
			slog.String("addr", a.Server.Addr),
			slog.String("version", Version))
		if err := a.Server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		<-gctx.Done()
		a.Logger.Info("shutting down http server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
		defer cancel()
		if err := a.Server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown: %w", err)
		}
		return nil
	})

	err := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.Config.Server.ShutdownTimeout)
	defer cancel()
	a.close(shutdownCtx)

	if err != nil {
		a.Logger.Error("application stopped with error", slog.String("error", err.Error()))
		return err
	}
	a.Logger.Info("application shutdown complete")
	return nil
}

// close releases brokers, caches and storage, then flushes telemetry.
func (a *Application) close(ctx context.Context) {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && !errors.Is(err, goredis.ErrClosed) {
			a.Logger.ErrorContext(ctx, "error releasing resource", slog.String("error", err.Error()))
		}
	}
	a.closers = nil

	if a.OTel != nil {
		if err := a.OTel.Shutdown(ctx); err != nil {
			a.Logger.ErrorContext(ctx, "error shutting down OpenTelemetry", slog.String("error", err.Error()))
		}
	}
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
