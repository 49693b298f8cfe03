package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/spec-kit/token-vending-machine/internal/allowlist"
	httptransport "github.com/spec-kit/token-vending-machine/internal/api/http"
	"github.com/spec-kit/token-vending-machine/internal/api/http/handlers"
	"github.com/spec-kit/token-vending-machine/internal/auth"
	"github.com/spec-kit/token-vending-machine/internal/chat"
	"github.com/spec-kit/token-vending-machine/internal/config"
	"github.com/spec-kit/token-vending-machine/internal/events"
	"github.com/spec-kit/token-vending-machine/internal/observability"
	"github.com/spec-kit/token-vending-machine/internal/persistence"
	"github.com/spec-kit/token-vending-machine/internal/repository"
	"github.com/spec-kit/token-vending-machine/internal/service"
	"github.com/spec-kit/token-vending-machine/internal/telegram"
	"github.com/spec-kit/token-vending-machine/internal/tokensource"
	"github.com/spec-kit/token-vending-machine/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	logger, err := observability.NewLogger(cfg.Logger)
	if err != nil {
		log.Fatalf("failed to init logger: %v", err)
	}
	defer logger.Sync() //nolint:errcheck

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	clock := clockwork.NewRealClock()
	metrics := observability.NewMetrics()
	dependencies := map[string]handlers.Pinger{}

	var redisConn *persistence.Redis
	redisClient := func() *persistence.Redis {
		if redisConn == nil {
			redisConn = persistence.NewRedis(ctx, cfg.Redis, logger)
			dependencies["redis"] = redisConn
		}
		return redisConn
	}

	var tokens repository.TokenRepository
	switch cfg.Storage.Backend {
	case config.StoragePostgres:
		pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
		if err != nil {
			logger.Fatal("failed to connect postgres", zap.Error(err))
		}
		defer pg.Close()

		if cfg.Postgres.RunMigrations {
			if err := persistence.RunMigrations(ctx, pg.PoolHandle(), cfg.Postgres.MigrationsDir, logger); err != nil {
				logger.Fatal("failed to run migrations", zap.Error(err))
			}
		}
		dependencies["postgres"] = pg
		tokens = repository.NewPostgresTokenRepository(pg.PoolHandle(), clock)
	case config.StorageRedis:
		tokens = repository.NewRedisTokenRepository(redisClient().Client, cfg.Redis.KeyPrefix, clock)
	default:
		logger.Warn("using in-memory token storage; tokens are lost on restart")
		tokens = repository.NewMemoryTokenRepository(clock)
	}

	var allowed allowlist.AllowedUsers
	switch cfg.Telegram.AllowList {
	case config.AllowListRedis:
		redisAllowed := allowlist.NewRedis(redisClient().Client, cfg.Redis.KeyPrefix+cfg.Telegram.AllowListKey, logger)
		if len(cfg.Telegram.AllowedUserIDs) > 0 {
			if err := redisAllowed.Add(ctx, cfg.Telegram.AllowedUserIDs...); err != nil {
				logger.Fatal("failed to seed allow list", zap.Error(err))
			}
		}
		allowed = redisAllowed
	default:
		static := allowlist.NewStatic(cfg.Telegram.AllowedUserIDs...)
		if static.Len() == 0 {
			logger.Warn("allow list is empty; every user will be denied")
		}
		allowed = static
	}
	if redisConn != nil {
		defer redisConn.Close()
	}

	source, verifier := newTokenSource(cfg.TokenSource, clock)

	dispatcher := events.NewInMemoryDispatcher()
	auditWorker := worker.StartAuditWorker(dispatcher, service.NewAuditService(logger, cfg.Audit), logger, worker.DefaultAuditQueueSize)

	router := chat.NewRouter()
	machine, err := service.NewVendingMachine(router, service.VendingDependencies{
		Tokens:       tokens,
		AllowedUsers: allowed,
		TokenSource:  source,
		Dispatcher:   dispatcher,
		Metrics:      metrics,
		Logger:       logger,
		Clock:        clock,
	}, service.VendingOptions{
		TokenLifetime:    cfg.Vending.TokenLifetime,
		MaxTokensPerUser: cfg.Vending.MaxTokensPerUser,
		Location:         cfg.Vending.Location(),
		MaskValues:       cfg.Vending.MaskValues,
	})
	if err != nil {
		logger.Fatal("failed to build vending machine", zap.Error(err))
	}

	bot, err := telegram.NewClient(telegram.ClientConfig{
		BaseURL:  cfg.Telegram.APIURL,
		Token:    cfg.Telegram.BotToken,
		RetryMax: 3,
		Logger:   logger,
	})
	if err != nil {
		logger.Fatal("failed to build telegram client", zap.Error(err))
	}
	me, err := bot.GetMe(ctx)
	if err != nil {
		logger.Fatal("failed to fetch bot account", zap.Error(err))
	}
	router.SetUsername(me.Username)
	logger.Info("telegram bot identified", zap.String("username", me.Username))
	updates := telegram.NewUpdateHandler(router, bot, logger)

	var webhook *telegram.WebhookHandler
	if cfg.Telegram.WebhookURL != "" {
		webhookURL := strings.TrimRight(cfg.Telegram.WebhookURL, "/") + httptransport.WebhookPath
		if err := bot.SetWebhook(ctx, webhookURL, cfg.Telegram.WebhookSecret); err != nil {
			logger.Fatal("failed to register telegram webhook", zap.Error(err))
		}
		logger.Info("telegram webhook registered", zap.String("url", webhookURL))
		webhook = telegram.NewWebhookHandler(updates, cfg.Telegram.WebhookSecret)
	} else {
		if err := bot.DeleteWebhook(ctx); err != nil {
			logger.Fatal("failed to remove telegram webhook", zap.Error(err))
		}
		poller := telegram.NewPoller(bot, updates, logger, clock)
		go func() {
			logger.Info("polling telegram for updates")
			if err := poller.Run(ctx); err != nil {
				logger.Error("telegram poller stopped", zap.Error(err))
			}
		}()
	}

	app := fiber.New(fiber.Config{AppName: cfg.App.Name})
	httptransport.RegisterMiddlewares(app, logger, metrics, cfg.App.RequestTimeout())
	httptransport.RegisterRoutes(app, httptransport.RouteConfig{
		Health:           handlers.NewHealthHandler(cfg.App.Name, cfg.App.Version, dependencies),
		Tokens:           handlers.NewTokenHandler(machine),
		BearerMiddleware: auth.NewBearerMiddleware(machine, verifier),
		Metrics:          metrics,
		Webhook:          webhook,
	})

	go func() {
		if err := app.Listen(cfg.App.Addr()); err != nil {
			logger.Fatal("fiber listen", zap.Error(err))
		}
	}()

	waitForShutdown(logger)
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := app.ShutdownWithContext(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := auditWorker.Stop(shutdownCtx); err != nil {
		logger.Warn("audit worker shutdown", zap.Error(err))
	}
}

// newTokenSource returns the configured generator and, for signed tokens, the
// verifier used by the bearer middleware.
func newTokenSource(cfg config.TokenSourceConfig, clock clockwork.Clock) (tokensource.TokenSource, auth.SignatureVerifier) {
	switch cfg.Kind {
	case config.TokenSourceBase62:
		return tokensource.Base62{Prefix: cfg.Prefix, Length: cfg.Length}, nil
	case config.TokenSourceJWT:
		signer := tokensource.NewJWT(cfg.JWTSecret, cfg.JWTIssuer, clock)
		return signer, signer
	case config.TokenSourceUUID:
		return tokensource.UUID{}, nil
	default:
		panic(fmt.Sprintf("unknown token source %q", cfg.Kind))
	}
}

func waitForShutdown(logger *zap.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigCh
	logger.Info("shutting down", zap.String("signal", sig.String()))
}
