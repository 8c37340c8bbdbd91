// Package main is the entry point for the session gateway
// The gateway keeps OIDC tokens server-side and attaches them to API calls
// made by a browser front end holding only a session cookie.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	"github.com/openidx/sessiongate/internal/bff"
	"github.com/openidx/sessiongate/internal/bff/login"
	"github.com/openidx/sessiongate/internal/bff/proxy"
	"github.com/openidx/sessiongate/internal/common/config"
	"github.com/openidx/sessiongate/internal/common/database"
	"github.com/openidx/sessiongate/internal/common/health"
	"github.com/openidx/sessiongate/internal/common/logger"
	"github.com/openidx/sessiongate/internal/common/middleware"
	"github.com/openidx/sessiongate/internal/common/tracing"
	"github.com/openidx/sessiongate/internal/metrics"
	"github.com/openidx/sessiongate/internal/oidc"
	"github.com/openidx/sessiongate/internal/server"
	"github.com/openidx/sessiongate/internal/session"
	"github.com/openidx/sessiongate/internal/token"
)

const serviceName = "bff-service"

var (
	Version    = "dev"
	BuildTime  = "unknown"
	CommitHash = "unknown"
)

func main() {
	// Initialize logger
	log := logger.WithService(logger.New(), serviceName)
	defer log.Sync()

	log.Info("Starting session gateway",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
		zap.String("commit", CommitHash),
	)

	if err := run(log); err != nil {
		log.Error("Session gateway stopped with error", zap.Error(err))
		log.Sync()
		os.Exit(1)
	}
}

func run(log *zap.Logger) error {
	ctx := context.Background()

	// Load configuration
	cfg, err := config.Load(serviceName)
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}
	cfg.LogSecurityWarnings(log)

	// Components closed after the server drains, in order
	var closers []server.Shutdownable

	// Initialize tracing
	tracingCfg := tracing.ConfigFromEnv(serviceName, cfg.Environment).Merge(tracing.Config{
		Enabled:    cfg.Tracing.Enabled,
		Endpoint:   cfg.Tracing.Endpoint,
		SampleRate: cfg.Tracing.SampleRate,
	})
	shutdownTracer, err := tracing.Init(ctx, tracingCfg, log)
	if err != nil {
		log.Warn("Failed to initialize tracing", zap.Error(err))
	} else {
		closers = append(closers, server.CloseTracer(shutdownTracer))
	}

	healthService := health.NewHealthService(log)
	healthService.SetVersion(Version)

	// Initialize Redis connection: rate limiting, login state and optionally sessions
	var rdb redis.UniversalClient
	if cfg.RedisURL != "" || cfg.RedisSentinelEnabled {
		client, err := database.NewRedisFromConfig(database.RedisConfig{
			URL:                cfg.RedisURL,
			SentinelEnabled:    cfg.RedisSentinelEnabled,
			SentinelMasterName: cfg.RedisSentinelMasterName,
			SentinelAddresses:  cfg.GetRedisSentinelAddresses(),
			SentinelPassword:   cfg.RedisSentinelPassword,
			Password:           cfg.GetRedisPassword(),
			TLSEnabled:         cfg.RedisTLSEnabled,
			TLSCACert:          cfg.RedisTLSCACert,
			TLSCert:            cfg.RedisTLSCert,
			TLSKey:             cfg.RedisTLSKey,
			TLSSkipVerify:      cfg.RedisTLSSkipVerify,
		})
		switch {
		case err == nil:
			rdb = client.Client
			healthService.RegisterCheck(health.NewRedisChecker(rdb))
			closers = append(closers, server.CloseRedis(client))
		case cfg.Session.Store == config.StoreRedis:
			return fmt.Errorf("connect to redis: %w", err)
		default:
			log.Warn("Redis unavailable, login state kept in memory and rate limiting disabled", zap.Error(err))
		}
	}

	// Initialize the session store
	var store session.Store
	switch cfg.Session.Store {
	case config.StorePostgres:
		db, err := database.NewPostgres(cfg.DatabaseURL, database.PostgresTLSConfig{
			SSLMode:     cfg.DatabaseSSLMode,
			SSLRootCert: cfg.DatabaseSSLRootCert,
			SSLCert:     cfg.DatabaseSSLCert,
			SSLKey:      cfg.DatabaseSSLKey,
		})
		if err != nil {
			return fmt.Errorf("connect to database: %w", err)
		}
		closers = append(closers, server.CloseDB(db))
		if err := db.Migrate(ctx); err != nil {
			return fmt.Errorf("migrate database: %w", err)
		}
		healthService.RegisterCheck(health.NewPostgresChecker(db.Pool))
		store = session.NewPostgresStore(db.Pool)
	case config.StoreRedis:
		store = session.NewRedisStore(rdb, cfg.Session.RedisPrefix)
	default:
		store = session.NewMemoryStore()
	}
	log.Info("Session store initialized", zap.String("store", cfg.Session.Store))

	protector, err := session.NewProtector([]byte(cfg.TicketSecret))
	if err != nil {
		return fmt.Errorf("ticket protector: %w", err)
	}

	cookies := session.NewCookieCodec([]byte(cfg.Session.CookieHashKey), []byte(cfg.Session.CookieBlockKey), session.CookieOptions{
		Name:     cfg.Session.CookieName,
		Path:     cfg.Login.PathBase,
		Domain:   cfg.Session.CookieDomain,
		Secure:   cfg.Session.CookieSecure,
		SameSite: sameSite(cfg.Session.CookieSameSite),
	})

	// Initialize the identity provider client
	var states oidc.StateStore = oidc.NewMemoryStateStore()
	if rdb != nil {
		states = oidc.NewRedisStateStore(rdb, cfg.Session.RedisPrefix)
	}
	provider, err := oidc.NewProvider(ctx, oidc.Config{
		Issuer:                cfg.OIDC.Issuer,
		ClientID:              cfg.OIDC.ClientID,
		ClientSecret:          cfg.OIDC.ClientSecret,
		RedirectURL:           cfg.OIDC.RedirectURL,
		Scopes:                cfg.OIDC.Scopes,
		PostLogoutRedirectURL: cfg.OIDC.PostLogoutRedirectURL,
		DPoP:                  cfg.OIDC.DPoP,
		AudienceScopes:        cfg.AudienceScopes(),
		HTTPTimeout:           cfg.OIDC.HTTPTimeout,
		DiscoveryTimeout:      cfg.OIDC.DiscoveryTimeout,
		StateTTL:              cfg.OIDC.StateTTL,
	}, states, log)
	if err != nil {
		return fmt.Errorf("oidc discovery: %w", err)
	}
	healthService.RegisterCheck(health.NewIssuerChecker(cfg.OIDC.Issuer, &http.Client{Timeout: cfg.OIDC.HTTPTimeout}))

	coordinator := token.NewCoordinator(store, protector, provider, token.Config{
		ApplicationName: cfg.ApplicationName,
		RefreshSkew:     cfg.Token.RefreshSkew,
		RefreshTimeout:  cfg.Token.RefreshTimeout,
	}, log)

	orchestrator := login.NewOrchestrator(provider, store, protector, coordinator, login.Config{
		ApplicationName:  cfg.ApplicationName,
		SessionLifetime:  cfg.Session.Lifetime,
		RequireLogoutSID: cfg.Login.RequireLogoutSID,
		ReturnURLs: login.ReturnURLPolicy{
			PathBase:       cfg.Login.PathBase,
			AllowedOrigins: cfg.Login.AllowedReturnOrigins,
		},
	}, log)

	apis := make([]proxy.RemoteAPI, 0, len(cfg.RemoteAPIs))
	for _, api := range cfg.RemoteAPIs {
		apis = append(apis, proxy.RemoteAPI{
			Name:        api.Name,
			UpstreamURL: api.UpstreamURL,
			Audience:    api.Audience,
			DPoP:        api.DPoP,
		})
	}
	dispatcher, err := proxy.NewDispatcher(apis, coordinator, proxy.Config{
		RequestTimeout:        cfg.Proxy.RequestTimeout,
		MaxBodyBytes:          cfg.Proxy.MaxBodyBytes,
		ForwardRequestHeaders: cfg.Proxy.ForwardRequestHeaders,
		RelayResponseHeaders:  cfg.Proxy.RelayResponseHeaders,
		CSRFHeader:            cfg.CSRF.HeaderName,
	}, nil, log)
	if err != nil {
		return fmt.Errorf("remote apis: %w", err)
	}

	// Expired sessions are swept from the store and the token cache
	sweeper := session.NewSweeper(store, cfg.Session.SweepInterval, log, coordinator.PruneExpired)
	sweeper.Start(ctx)

	// Set Gin mode
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	// Initialize router
	router := gin.New()
	router.Use(middleware.Recovery(log))
	router.Use(middleware.CorrelationID())
	router.Use(otelgin.Middleware(serviceName))
	router.Use(logger.GinMiddleware(log))
	router.Use(metrics.Middleware(serviceName))
	router.Use(middleware.SecurityHeaders(cfg.IsProduction()))

	// Metrics endpoint
	router.GET("/metrics", metrics.Handler())

	// Register standard health check endpoints
	healthService.RegisterStandardRoutes(router)
	router.GET("/ready", healthService.ReadyHandler())

	svc := bff.NewService(bff.Config{
		ApplicationName: cfg.ApplicationName,
		PathBase:        cfg.Login.PathBase,
		CSRF: middleware.CSRFConfig{
			HeaderName:        cfg.CSRF.HeaderName,
			SafeMethodsExempt: cfg.CSRF.SafeMethodsExempt,
		},
		Sliding: cfg.Session.Sliding,
		RateLimit: bff.RateLimitConfig{
			Enabled:              cfg.RateLimit.Enabled,
			LoginPerMinute:       cfg.RateLimit.LoginPerMinute,
			BackchannelPerMinute: cfg.RateLimit.BackchannelPerMin,
		},
	}, bff.Dependencies{
		Store:        store,
		Protector:    protector,
		Cookies:      cookies,
		Tokens:       coordinator,
		Orchestrator: orchestrator,
		Dispatcher:   dispatcher,
		Redis:        rdb,
		Audit:        logger.NewAuditLogger(log),
		Logger:       log,
	})
	bff.RegisterRoutes(router, svc)

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	graceful := server.New(server.Config{
		Server:          srv,
		Logger:          log,
		Shutdownables:   append([]server.Shutdownable{sweeper}, closers...),
		ShutdownTimeout: 30 * time.Second,
	})

	log.Info("Session gateway ready",
		zap.Int("port", cfg.Port),
		zap.String("path_base", cfg.Login.PathBase),
		zap.Int("remote_apis", len(apis)))

	return graceful.ListenAndServe(ctx)
}

func sameSite(mode string) http.SameSite {
	switch strings.ToLower(mode) {
	case "strict":
		return http.SameSiteStrictMode
	case "none":
		return http.SameSiteNoneMode
	default:
		return http.SameSiteLaxMode
	}
}
