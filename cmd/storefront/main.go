package main

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/fx"
	"go.uber.org/zap"

	cacheadapter "github.com/smallbiznis/valora-storefront/internal/adapter/cache"
	"github.com/smallbiznis/valora-storefront/internal/adapter/marketplace"
	oauthadapter "github.com/smallbiznis/valora-storefront/internal/adapter/oauth"
	"github.com/smallbiznis/valora-storefront/internal/adapter/payments"
	"github.com/smallbiznis/valora-storefront/internal/bootstrap"
	"github.com/smallbiznis/valora-storefront/internal/config"
	"github.com/smallbiznis/valora-storefront/internal/domain"
	httptransport "github.com/smallbiznis/valora-storefront/internal/http"
	"github.com/smallbiznis/valora-storefront/internal/http/handler"
	httpmiddleware "github.com/smallbiznis/valora-storefront/internal/http/middleware"
	"github.com/smallbiznis/valora-storefront/internal/jwt"
	apimiddleware "github.com/smallbiznis/valora-storefront/internal/middleware"
	"github.com/smallbiznis/valora-storefront/internal/ratelimit"
	"github.com/smallbiznis/valora-storefront/internal/repository"
	"github.com/smallbiznis/valora-storefront/internal/scheduler"
	"github.com/smallbiznis/valora-storefront/internal/server"
	authservice "github.com/smallbiznis/valora-storefront/internal/service/auth"
	"github.com/smallbiznis/valora-storefront/internal/service/token"
	"github.com/smallbiznis/valora-storefront/internal/service/webhook"
	"github.com/smallbiznis/valora-storefront/internal/signature"
	"github.com/smallbiznis/valora-storefront/internal/telemetry"
)

func main() {
	app := fx.New(
		fx.Provide(
			newConfig,
			newLogger,
			newTelemetry,
			newSnowflake,
			newPGXPool,
			newRedisClient,
			newOrderRepository,
			newTokenRepository,
			newWebhookEventRepository,
			newSessionStore,
			newOutboundHTTPClient,
			newOAuthProviderClient,
			newTokenManager,
			authservice.NewOAuthService,
			newVerifier,
			newDeduper,
			newDispatcher,
			newCounterStore,
			newRateLimiters,
			newTokenGenerator,
			newAuthMiddleware,
			newWebhookHandler,
			newOAuthHandler,
			newRouter,
			server.NewHTTPServer,
			newRedriveScheduler,
		),
		fx.Invoke(useTelemetry, bootstrap.RunMigrations, startScheduler, startHTTPServer),
	)

	app.Run()
}

func newConfig() (config.Config, error) {
	return config.Load()
}

func newLogger(cfg config.Config) (*zap.Logger, error) {
	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Environment == "development" {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return nil, err
	}
	logger = logger.With(zap.String("service", cfg.ServiceName))
	zap.ReplaceGlobals(logger)
	return logger, nil
}

func newTelemetry(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (*telemetry.Provider, error) {
	provider, err := telemetry.New(context.Background(), cfg, logger)
	if err != nil {
		return nil, fmt.Errorf("telemetry init: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			stopCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			return provider.Shutdown(stopCtx)
		},
	})

	return provider, nil
}

func newSnowflake() (*snowflake.Node, error) {
	return snowflake.NewNode(1)
}

func newPGXPool(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			pool.Close()
			return nil
		},
	})

	return pool, nil
}

// newRedisClient returns nil when REDIS_ADDR is unset; callers fall back to
// in-process stores.
func newRedisClient(lc fx.Lifecycle, cfg config.Config, logger *zap.Logger) (redis.UniversalClient, error) {
	if cfg.RedisAddr == "" {
		logger.Warn("redis not configured, using in-memory stores")
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error {
			return client.Close()
		},
	})
	return client, nil
}

func newOrderRepository(pool *pgxpool.Pool) repository.OrderRepository {
	return repository.NewPostgresOrderRepo(pool)
}

func newTokenRepository(pool *pgxpool.Pool) repository.TokenRepository {
	return repository.NewPostgresTokenRepo(pool)
}

func newWebhookEventRepository(pool *pgxpool.Pool) repository.WebhookEventRepository {
	return repository.NewPostgresWebhookEventRepo(pool)
}

func newSessionStore(client redis.UniversalClient) repository.PKCESessionStore {
	if client == nil {
		return cacheadapter.NewMemorySessionStore()
	}
	return cacheadapter.NewRedisSessionStore(client)
}

func newOutboundHTTPClient() *http.Client {
	return &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
}

func newOAuthProviderClient(cfg config.Config, client *http.Client) oauthadapter.ProviderClient {
	return oauthadapter.NewHTTPProviderClient(oauthadapter.ProviderConfig{
		ClientID:     cfg.OAuthClientID,
		ClientSecret: cfg.OAuthClientSecret,
		AuthURL:      cfg.OAuthAuthURL,
		TokenURL:     cfg.OAuthTokenURL,
		Scopes:       cfg.OAuthScopes,
	}, client)
}

func newTokenManager(tokens repository.TokenRepository, provider oauthadapter.ProviderClient, cfg config.Config, logger *zap.Logger) *token.Manager {
	return token.NewManager(tokens, provider, token.Config{
		Platform:       domain.PlatformMarketplace,
		LeadWindow:     cfg.TokenLeadWindow,
		RefreshTimeout: cfg.OAuthExchangeTimeout,
	}, logger)
}

func newVerifier(cfg config.Config, logger *zap.Logger) *signature.Verifier {
	return signature.New(
		signature.WithStrategies(signature.ParseStrategies(cfg.SignatureStrategies)...),
		signature.WithTolerance(cfg.SignatureTolerance),
		signature.WithLogger(logger),
	)
}

func newDeduper(client redis.UniversalClient) ratelimit.Deduper {
	if client == nil {
		return ratelimit.NewMemoryDeduper(time.Hour)
	}
	return ratelimit.NewRedisDeduper(client, time.Hour)
}

func newDispatcher(
	cfg config.Config,
	events repository.WebhookEventRepository,
	orders repository.OrderRepository,
	verifier *signature.Verifier,
	node *snowflake.Node,
	dedup ratelimit.Deduper,
	tokens *token.Manager,
	client *http.Client,
	logger *zap.Logger,
) *webhook.Dispatcher {
	paymentsClient := payments.NewClient(cfg.PaymentsAPIURL, cfg.PaymentsAccessToken, cfg.PaymentsRPS, client)
	marketplaceClient := marketplace.NewClient(cfg.MarketplaceAPIURL, cfg.MarketplaceRPS, client)

	return webhook.NewDispatcher(events, orders, verifier, node, dedup, webhook.Config{
		MaxRetries:     cfg.WebhookMaxRetries,
		RetryBase:      cfg.WebhookRetryBase,
		RetryMax:       cfg.WebhookRetryMax,
		ProcessTimeout: cfg.WebhookProcessTimeout,
		Lease:          cfg.RedriveLease,
	}, logger,
		webhook.Source{
			Name:            domain.SourcePayments,
			Secret:          cfg.WebhookSecret,
			SignatureHeader: "X-Signature",
			RequestIDHeader: "X-Request-Id",
			Resolver:        webhook.NewPaymentsResolver(paymentsClient),
		},
		webhook.Source{
			Name:            domain.SourceMarketplace,
			Secret:          cfg.WebhookSecret,
			SignatureHeader: "X-Signature",
			RequestIDHeader: "X-Request-Id",
			Resolver:        webhook.NewMarketplaceResolver(marketplaceClient, tokens, tokens, cfg.MarketplaceAccountID),
		},
		webhook.Source{
			Name:            domain.SourceStorefront,
			Secret:          cfg.StorefrontWebhookSecret,
			SignatureHeader: "X-Linkedstore-Hmac-Sha256",
			RequestIDHeader: "X-Request-Id",
			Resolver:        webhook.StorefrontResolver{},
		},
	)
}

func newCounterStore(lc fx.Lifecycle, client redis.UniversalClient, cfg config.Config) ratelimit.CounterStore {
	if client != nil {
		return ratelimit.NewRedisStore(client)
	}

	store := ratelimit.NewMemoryStore()
	var cancel context.CancelFunc
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			ctx, stop := context.WithCancel(context.Background())
			cancel = stop
			go store.RunSweeper(ctx, cfg.RateLimitSweepInterval)
			return nil
		},
		OnStop: func(context.Context) error {
			if cancel != nil {
				cancel()
			}
			return nil
		},
	})
	return store
}

func newRateLimiters(store ratelimit.CounterStore, cfg config.Config, logger *zap.Logger) httptransport.RateLimiters {
	return httptransport.RateLimiters{
		Webhooks: apimiddleware.NewRateLimiter(ratelimit.NewLimiter(store, cfg.WebhookRateLimitRPM, time.Minute), "webhooks", logger),
		OAuth:    apimiddleware.NewRateLimiter(ratelimit.NewLimiter(store, cfg.OAuthRateLimitRPM, time.Minute), "oauth", logger),
	}
}

func newTokenGenerator(cfg config.Config) *jwt.Generator {
	return jwt.NewGenerator([]byte(cfg.AdminJWTSecret), cfg.AdminJWTIssuer, time.Hour)
}

func newAuthMiddleware(generator *jwt.Generator, logger *zap.Logger) *httpmiddleware.Auth {
	return &httpmiddleware.Auth{Tokens: generator, Logger: logger}
}

func newWebhookHandler(dispatcher *webhook.Dispatcher, cfg config.Config, logger *zap.Logger) *handler.WebhookHandler {
	return handler.NewWebhookHandler(dispatcher, cfg.RedriveBatchSize, logger)
}

func newOAuthHandler(oauth authservice.OAuthService, tokens *token.Manager, cfg config.Config, logger *zap.Logger) *handler.OAuthHandler {
	return handler.NewOAuthHandler(oauth, tokens, cfg.OAuthRedirectURI, cfg.OAuthSuccessRedirect, cfg.OAuthSessionTTL, logger)
}

func newRouter(
	cfg config.Config,
	webhooks *handler.WebhookHandler,
	oauth *handler.OAuthHandler,
	auth *httpmiddleware.Auth,
	limiters httptransport.RateLimiters,
	pool *pgxpool.Pool,
	logger *zap.Logger,
) *gin.Engine {
	if cfg.Environment != "development" {
		gin.SetMode(gin.ReleaseMode)
	}
	return httptransport.NewRouter(cfg, webhooks, oauth, auth, limiters, pool, logger)
}

func newRedriveScheduler(cfg config.Config, dispatcher *webhook.Dispatcher, logger *zap.Logger) (*scheduler.Redrive, error) {
	return scheduler.NewRedrive(cfg.RedriveSchedule, dispatcher, cfg.RedriveBatchSize, cfg.RedriveLease, logger)
}

func startScheduler(lc fx.Lifecycle, job *scheduler.Redrive) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			job.Start()
			return nil
		},
		OnStop: func(context.Context) error {
			job.Stop()
			return nil
		},
	})
}

func startHTTPServer(lc fx.Lifecycle, srv *server.HTTPServer, cfg config.Config, logger *zap.Logger) {
	addr := ":" + cfg.HTTPPort
	var (
		cancel context.CancelFunc
		done   chan struct{}
	)

	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			runCtx, stop := context.WithCancel(context.Background())
			cancel = stop
			done = make(chan struct{})

			go func() {
				if err := srv.Run(runCtx, addr); err != nil {
					logger.Error("http server stopped", zap.Error(err))
				}
				close(done)
			}()

			return nil
		},
		OnStop: func(ctx context.Context) error {
			if cancel != nil {
				cancel()
			}
			if done == nil {
				return nil
			}
			select {
			case <-done:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		},
	})
}

func useTelemetry(*telemetry.Provider) {}
