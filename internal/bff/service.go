// Package bff is the browser-facing session gateway: it owns the session
// cookie, serves the session claim endpoints, drives login and logout, and
// forwards API calls with the session's tokens attached.
package bff

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/openidx/sessiongate/internal/bff/login"
	"github.com/openidx/sessiongate/internal/bff/proxy"
	"github.com/openidx/sessiongate/internal/common/logger"
	"github.com/openidx/sessiongate/internal/common/middleware"
	"github.com/openidx/sessiongate/internal/session"
	"github.com/openidx/sessiongate/internal/token"
)

// RateLimitConfig limits the unauthenticated endpoints per client IP
type RateLimitConfig struct {
	Enabled              bool
	LoginPerMinute       int
	BackchannelPerMinute int
}

// Config holds the service settings
type Config struct {
	ApplicationName string
	PathBase        string
	CSRF            middleware.CSRFConfig
	Sliding         bool
	RateLimit       RateLimitConfig
}

// Dependencies are the collaborators a Service is wired with
type Dependencies struct {
	Store        session.Store
	Protector    *session.Protector
	Cookies      *session.CookieCodec
	Tokens       *token.Coordinator
	Orchestrator *login.Orchestrator
	Dispatcher   *proxy.Dispatcher
	// Redis backs the rate limiter; nil lets every request through
	Redis  redis.UniversalClient
	Audit  *logger.AuditLogger
	Logger *zap.Logger
}

type localRoute struct {
	method  string
	path    string
	handler gin.HandlerFunc
}

// Service serves the gateway's HTTP surface
type Service struct {
	cfg          Config
	store        session.Store
	protector    *session.Protector
	cookies      *session.CookieCodec
	tokens       *token.Coordinator
	orchestrator *login.Orchestrator
	dispatcher   *proxy.Dispatcher
	redis        redis.UniversalClient
	audit        *logger.AuditLogger
	logger       *zap.Logger
	local        []localRoute
	now          func() time.Time
}

// NewService creates a Service
func NewService(cfg Config, deps Dependencies) *Service {
	if cfg.PathBase == "" {
		cfg.PathBase = "/"
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if deps.Audit == nil {
		deps.Audit = logger.NewAuditLogger(deps.Logger)
	}

	s := &Service{
		cfg:          cfg,
		store:        deps.Store,
		protector:    deps.Protector,
		cookies:      deps.Cookies,
		tokens:       deps.Tokens,
		orchestrator: deps.Orchestrator,
		dispatcher:   deps.Dispatcher,
		redis:        deps.Redis,
		audit:        deps.Audit,
		logger:       deps.Logger.With(zap.String("component", "bff")),
		now:          time.Now,
	}
	s.HandleLocal("GET", "/profile", s.handleProfile)
	return s
}

// HandleLocal registers an in-process API handler under /api/local. It runs
// behind the CSRF guard and the session requirement; the handler reads the
// session with CurrentSession. Call before RegisterRoutes.
func (s *Service) HandleLocal(method, path string, handler gin.HandlerFunc) {
	s.local = append(s.local, localRoute{method: method, path: path, handler: handler})
}

// RegisterRoutes registers the gateway endpoints under the path base
func RegisterRoutes(router *gin.Engine, svc *Service) {
	root := router.Group(svc.cfg.PathBase)

	// Login flow endpoints (no session required)
	auth := root.Group("", middleware.NoStore())
	{
		auth.GET("/login", svc.rateLimit("login", svc.cfg.RateLimit.LoginPerMinute), svc.handleLogin)
		auth.GET("/signin-oidc", svc.rateLimit("signin", svc.cfg.RateLimit.LoginPerMinute), svc.optionalSession(), svc.handleSignIn)
		auth.GET("/logout", svc.optionalSession(), svc.handleLogout)
		auth.POST("/backchannel-logout", svc.rateLimit("backchannel", svc.cfg.RateLimit.BackchannelPerMinute), svc.handleBackchannelLogout)
	}

	// The anti-forgery check runs before any session lookup
	csrf := middleware.AntiForgery(svc.cfg.CSRF, svc.logger)
	required := svc.requireSession()

	sess := root.Group("/session", middleware.NoStore(), csrf, required)
	{
		sess.GET("/claims", svc.handleClaims)
		sess.GET("/management-claims", svc.handleManagementClaims)
	}

	local := root.Group("/api/local", csrf, required)
	for _, r := range svc.local {
		local.Handle(r.method, r.path, r.handler)
	}

	remote := root.Group("/api/remote", csrf, required)
	remote.Any("/:api/*path", svc.handleRemote)
}

func (s *Service) rateLimit(scope string, perMinute int) gin.HandlerFunc {
	if !s.cfg.RateLimit.Enabled || perMinute <= 0 {
		return func(c *gin.Context) { c.Next() }
	}
	return middleware.RateLimit(s.redis, middleware.RateLimitConfig{
		Scope:    scope,
		Requests: perMinute,
		Window:   time.Minute,
	}, s.logger)
}
