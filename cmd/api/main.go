package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/kursadbilgin/bulk-dispatcher/internal/config"
	"github.com/kursadbilgin/bulk-dispatcher/internal/contacts"
	"github.com/kursadbilgin/bulk-dispatcher/internal/handler"
	"github.com/kursadbilgin/bulk-dispatcher/internal/infra/postgresql"
	"github.com/kursadbilgin/bulk-dispatcher/internal/infra/postgresql/migrations"
	infraredis "github.com/kursadbilgin/bulk-dispatcher/internal/infra/redis"
	"github.com/kursadbilgin/bulk-dispatcher/internal/ledger"
	"github.com/kursadbilgin/bulk-dispatcher/internal/observability"
	"github.com/kursadbilgin/bulk-dispatcher/internal/pacing"
	"github.com/kursadbilgin/bulk-dispatcher/internal/provider"
	"github.com/kursadbilgin/bulk-dispatcher/internal/queue"
	"github.com/kursadbilgin/bulk-dispatcher/internal/ratelimit"
	"github.com/kursadbilgin/bulk-dispatcher/internal/render"
	"github.com/kursadbilgin/bulk-dispatcher/internal/repository"
	"github.com/kursadbilgin/bulk-dispatcher/internal/service"
	"github.com/kursadbilgin/bulk-dispatcher/internal/session"
	"github.com/kursadbilgin/bulk-dispatcher/internal/transport"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

const shutdownTimeout = 30 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, err := observability.NewLogger(cfg.LogLevel)
	if err != nil {
		log.Fatal("failed to initialize logger: ", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("bulk-dispatcher exited with error", zap.Error(err))
	}
	logger.Info("bulk-dispatcher stopped")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	metrics := observability.NewMetrics()

	var (
		db       *gorm.DB
		rdb      *goredis.Client
		rabbit   *queue.RabbitMQ
		checks   []handler.ReadinessCheck
		closers  []func() error
		recorder service.RunRecorder
		history  handler.RunHistory
	)
	defer func() {
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](); err != nil {
				logger.Warn("failed to close resource", zap.Error(err))
			}
		}
	}()

	if strings.TrimSpace(cfg.DatabaseDSN) != "" {
		conn, err := postgresql.NewPostgres(ctx, cfg.DatabaseDSN, logger)
		if err != nil {
			return fmt.Errorf("postgres initialization failed: %w", err)
		}
		db = conn
		closers = append(closers, func() error { return postgresql.Close(db) })

		if err := migrations.Migrate(db); err != nil {
			return fmt.Errorf("database migrations failed: %w", err)
		}

		runs := repository.NewGormRunRepo(db)
		recorder = runs
		history = runs
		checks = append(checks, handler.ReadinessCheck{Name: "postgres", Check: func(ctx context.Context) error {
			sqlDB, err := db.DB()
			if err != nil {
				return err
			}
			return sqlDB.PingContext(ctx)
		}})
	}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		client, err := infraredis.NewRedis(ctx, cfg.RedisURL)
		if err != nil {
			return fmt.Errorf("redis initialization failed: %w", err)
		}
		rdb = client
		closers = append(closers, rdb.Close)
		checks = append(checks, handler.ReadinessCheck{Name: "redis", Check: func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		}})
	}

	store, err := newLedgerStore(cfg, db, rdb)
	if err != nil {
		return err
	}
	closers = append(closers, store.Close)
	if pinger, ok := store.(ledger.Pinger); ok {
		checks = append(checks, handler.ReadinessCheck{Name: "ledger", Check: pinger.Ping})
	}

	var publisher queue.Publisher = queue.NopPublisher{}
	if strings.TrimSpace(cfg.RabbitMQURL) != "" {
		rabbit, err = queue.NewRabbitMQ(ctx, cfg.RabbitMQURL, logger)
		if err != nil {
			return fmt.Errorf("rabbitmq initialization failed: %w", err)
		}
		publisher = queue.NewRabbitMQPublisher(rabbit)
		closers = append(closers, publisher.Close)
		checks = append(checks, handler.ReadinessCheck{Name: "rabbitmq", Check: rabbit.Ping})
	}

	limiter, err := newSendCap(cfg, rdb)
	if err != nil {
		return err
	}

	gateway, err := provider.NewGatewayTransport(cfg.GatewayURL, cfg.GatewayPollInterval, logger)
	if err != nil {
		return fmt.Errorf("gateway transport initialization failed: %w", err)
	}
	closers = append(closers, gateway.Close)
	checks = append(checks, handler.ReadinessCheck{Name: "gateway", Check: gateway.Ping})

	sessions, err := session.NewManager(gateway, session.ReconnectPolicy{
		MaxAttempts:    cfg.ReconnectMaxAttempts,
		BaseDelay:      cfg.ReconnectBaseDelay,
		MaxDelay:       cfg.ReconnectMaxDelay,
		ConfirmTimeout: cfg.ReconnectConfirm,
	}, logger)
	if err != nil {
		return fmt.Errorf("session manager initialization failed: %w", err)
	}
	sessions.SetMetrics(metrics)
	closers = append(closers, sessions.Close)

	engine, err := service.NewEngine(service.EngineDeps{
		Session:     sessions,
		Transport:   gateway,
		LedgerStore: store,
		Renderer:    render.NewTemplateRenderer(),
		Limiter:     limiter,
		Publisher:   publisher,
		Recorder:    recorder,
	}, service.EngineSettings{
		CredentialsDir:    cfg.CredentialsDir,
		SendTimeout:       cfg.SendTimeout,
		ConnectTimeout:    cfg.ConnectTimeout,
		PausePollInterval: cfg.PausePollInterval,
		Pacing: pacing.Policy{
			DelayMin:      cfg.DelayMin,
			DelayMax:      cfg.DelayMax,
			BreakEveryMin: cfg.LongBreakEveryMin,
			BreakEveryMax: cfg.LongBreakEveryMax,
			BreakMin:      cfg.LongBreakMin,
			BreakMax:      cfg.LongBreakMax,
		},
	}, logger)
	if err != nil {
		return fmt.Errorf("engine initialization failed: %w", err)
	}
	engine.SetMetrics(metrics)

	parser, err := contacts.NewParser(cfg.DefaultRegion)
	if err != nil {
		return fmt.Errorf("contact parser initialization failed: %w", err)
	}

	dispatch, err := handler.NewDispatchHandler(ctx, engine, parser, history, cfg.UploadDir, logger)
	if err != nil {
		return fmt.Errorf("dispatch handler initialization failed: %w", err)
	}

	app := fiber.New(fiber.Config{
		AppName:               "bulk-dispatcher",
		DisableStartupMessage: true,
		ErrorHandler:          transport.ErrorHandler(logger),
	})
	app.Use(metrics.HTTPMiddleware())
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))
	handler.RegisterHealthRoutes(app, checks...)
	handler.RegisterDispatchRoutes(app, dispatch)

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		addr := fmt.Sprintf(":%d", cfg.APIPort)
		logger.Info("bulk-dispatcher api started", zap.String("addr", addr), zap.String("ledger", cfg.LedgerBackend))
		if err := app.Listen(addr); err != nil {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-groupCtx.Done()
		// An active run ends as Stopped after its in-flight send.
		engine.Stop()
		if err := app.ShutdownWithTimeout(shutdownTimeout); err != nil {
			return fmt.Errorf("http shutdown failed: %w", err)
		}
		return nil
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	return nil
}

func newLedgerStore(cfg *config.Config, db *gorm.DB, rdb *goredis.Client) (ledger.Store, error) {
	switch cfg.LedgerBackend {
	case config.LedgerBackendRedis:
		store, err := ledger.NewRedisStore(rdb, cfg.LedgerRedisKey)
		if err != nil {
			return nil, fmt.Errorf("redis ledger initialization failed: %w", err)
		}
		return store, nil
	case config.LedgerBackendPostgres:
		return repository.NewGormLedgerStore(db), nil
	default:
		store, err := ledger.NewFileStore(cfg.LedgerPath)
		if err != nil {
			return nil, fmt.Errorf("file ledger initialization failed: %w", err)
		}
		return store, nil
	}
}

// newSendCap returns nil when no cap is configured. The cap is shared through
// redis when a client is available, otherwise it is kept in process.
func newSendCap(cfg *config.Config, rdb *goredis.Client) (ratelimit.RateLimiter, error) {
	if cfg.SendCapPerWindow <= 0 {
		return nil, nil
	}
	if rdb != nil {
		limiter, err := infraredis.NewRedisRateLimiter(rdb, cfg.SendCapPerWindow, cfg.SendCapWindow)
		if err != nil {
			return nil, fmt.Errorf("redis send cap initialization failed: %w", err)
		}
		return limiter, nil
	}
	limiter, err := ratelimit.NewLocalLimiter(cfg.SendCapPerWindow, cfg.SendCapWindow)
	if err != nil {
		return nil, fmt.Errorf("send cap initialization failed: %w", err)
	}
	return limiter, nil
}
