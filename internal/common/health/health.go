// Package health provides liveness, readiness and detailed health probes for
// the session gateway and the stores it depends on.
package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// HealthStatus represents the overall health of the service
type HealthStatus struct {
	Status       string                     `json:"status"` // healthy, degraded, unhealthy
	Version      string                     `json:"version,omitempty"`
	Uptime       string                     `json:"uptime"`
	Dependencies map[string]DependencyCheck `json:"dependencies"`
	CheckedAt    time.Time                  `json:"checked_at"`
}

// DependencyCheck represents the health check result for a single dependency
type DependencyCheck struct {
	Status    string    `json:"status"` // up, degraded, down
	Latency   string    `json:"latency"`
	Details   string    `json:"details,omitempty"`
	CheckedAt time.Time `json:"checked_at"`
}

// HealthChecker is the interface that dependency health checks must implement
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) DependencyCheck
}

// HealthService orchestrates health checks across all registered dependencies
type HealthService struct {
	checkers  []HealthChecker
	logger    *zap.Logger
	startTime time.Time
	version   string
	mu        sync.RWMutex
}

// NewHealthService creates a new HealthService
func NewHealthService(logger *zap.Logger) *HealthService {
	return &HealthService{
		checkers:  make([]HealthChecker, 0),
		logger:    logger.With(zap.String("component", "health")),
		startTime: time.Now(),
	}
}

// SetVersion sets the application version reported in health responses
func (h *HealthService) SetVersion(version string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.version = version
}

// RegisterCheck adds a new health checker to the service
func (h *HealthService) RegisterCheck(checker HealthChecker) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkers = append(h.checkers, checker)
	h.logger.Info("Registered health checker", zap.String("name", checker.Name()))
}

// Check runs all registered health checkers and aggregates the results
func (h *HealthService) Check(ctx context.Context) *HealthStatus {
	h.mu.RLock()
	checkers := make([]HealthChecker, len(h.checkers))
	copy(checkers, h.checkers)
	version := h.version
	h.mu.RUnlock()

	dependencies := make(map[string]DependencyCheck, len(checkers))

	// Run checks concurrently
	type result struct {
		name  string
		check DependencyCheck
	}
	results := make(chan result, len(checkers))

	for _, checker := range checkers {
		go func(c HealthChecker) {
			checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			defer cancel()
			results <- result{name: c.Name(), check: c.Check(checkCtx)}
		}(checker)
	}

	for i := 0; i < len(checkers); i++ {
		r := <-results
		dependencies[r.name] = r.check
	}

	// Determine overall status
	overallStatus := "healthy"
	for name, dep := range dependencies {
		switch dep.Status {
		case "down":
			overallStatus = "unhealthy"
			h.logger.Warn("Dependency is down", zap.String("dependency", name))
		case "degraded":
			if overallStatus != "unhealthy" {
				overallStatus = "degraded"
			}
			h.logger.Warn("Dependency is degraded", zap.String("dependency", name))
		}
	}

	uptime := time.Since(h.startTime)

	return &HealthStatus{
		Status:       overallStatus,
		Version:      version,
		Uptime:       formatDuration(uptime),
		Dependencies: dependencies,
		CheckedAt:    time.Now(),
	}
}

// Handler returns a gin.HandlerFunc that provides the full health check endpoint.
// It returns 200 for healthy/degraded and 503 for unhealthy.
func (h *HealthService) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := h.Check(c.Request.Context())

		httpStatus := http.StatusOK
		if status.Status == "unhealthy" {
			httpStatus = http.StatusServiceUnavailable
		}

		c.JSON(httpStatus, status)
	}
}

// ReadyHandler returns a gin.HandlerFunc for Kubernetes readiness probes.
// Returns 200 if all dependencies are up, 503 if any dependency is down.
func (h *HealthService) ReadyHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		status := h.Check(c.Request.Context())

		for _, dep := range status.Dependencies {
			if dep.Status == "down" {
				c.JSON(http.StatusServiceUnavailable, gin.H{
					"status":  "not ready",
					"reason":  "one or more dependencies are down",
					"details": status.Dependencies,
				})
				return
			}
		}

		c.JSON(http.StatusOK, gin.H{"status": "ready"})
	}
}

// LiveHandler returns a gin.HandlerFunc for Kubernetes liveness probes.
// Always returns 200 as long as the process is alive.
func (h *HealthService) LiveHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{
			"status": "alive",
			"uptime": formatDuration(time.Since(h.startTime)),
		})
	}
}

// RegisterStandardRoutes registers the standard /health/live and /health/ready endpoints
// on the given Gin router. This is the recommended way to register health check endpoints.
func (h *HealthService) RegisterStandardRoutes(router *gin.Engine) {
	router.GET("/health/live", h.LiveHandler())
	router.GET("/health/ready", h.ReadyHandler())
	// Keep the full health check endpoint at /health for backward compatibility
	router.GET("/health", h.Handler())
}

// ---------- Built-in checkers ----------

// timedCheck runs fn and grades it by latency
func timedCheck(ctx context.Context, slow time.Duration, what string, fn func(context.Context) error) DependencyCheck {
	start := time.Now()
	err := fn(ctx)
	latency := time.Since(start)

	if err != nil {
		return DependencyCheck{
			Status:    "down",
			Latency:   latency.String(),
			Details:   fmt.Sprintf("%s failed: %v", what, err),
			CheckedAt: time.Now(),
		}
	}

	status := "up"
	details := ""
	if latency > slow {
		status = "degraded"
		details = fmt.Sprintf("high latency: %s", latency.String())
	}

	return DependencyCheck{
		Status:    status,
		Latency:   latency.String(),
		Details:   details,
		CheckedAt: time.Now(),
	}
}

// PostgresChecker checks the session store's PostgreSQL pool
type PostgresChecker struct {
	pool *pgxpool.Pool
}

// NewPostgresChecker creates a new PostgresChecker
func NewPostgresChecker(pool *pgxpool.Pool) *PostgresChecker {
	return &PostgresChecker{pool: pool}
}

// Name returns the checker name
func (p *PostgresChecker) Name() string {
	return "postgres"
}

// Check runs SELECT 1 and measures latency
func (p *PostgresChecker) Check(ctx context.Context) DependencyCheck {
	return timedCheck(ctx, 500*time.Millisecond, "query", func(ctx context.Context) error {
		var one int
		return p.pool.QueryRow(ctx, "SELECT 1").Scan(&one)
	})
}

// RedisChecker checks the Redis connection used for sessions, login state
// and rate limiting
type RedisChecker struct {
	client redis.UniversalClient
}

// NewRedisChecker creates a new RedisChecker
func NewRedisChecker(client redis.UniversalClient) *RedisChecker {
	return &RedisChecker{client: client}
}

// Name returns the checker name
func (r *RedisChecker) Name() string {
	return "redis"
}

// Check runs PING and measures latency
func (r *RedisChecker) Check(ctx context.Context) DependencyCheck {
	return timedCheck(ctx, 200*time.Millisecond, "ping", func(ctx context.Context) error {
		return r.client.Ping(ctx).Err()
	})
}

// IssuerChecker checks that the identity provider's discovery document is
// reachable. Logins and token refreshes fail while it is down.
type IssuerChecker struct {
	discoveryURL string
	client       *http.Client
}

// NewIssuerChecker creates a new IssuerChecker for an OIDC issuer
func NewIssuerChecker(issuer string, client *http.Client) *IssuerChecker {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &IssuerChecker{
		discoveryURL: strings.TrimSuffix(issuer, "/") + "/.well-known/openid-configuration",
		client:       client,
	}
}

// Name returns the checker name
func (i *IssuerChecker) Name() string {
	return "oidc_issuer"
}

// Check fetches the discovery document
func (i *IssuerChecker) Check(ctx context.Context) DependencyCheck {
	check := timedCheck(ctx, time.Second, "discovery", func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, i.discoveryURL, nil)
		if err != nil {
			return err
		}
		resp, err := i.client.Do(req)
		if err != nil {
			return err
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return fmt.Errorf("status %d", resp.StatusCode)
		}
		return nil
	})
	// an unreachable issuer never fails readiness
	if check.Status == "down" {
		check.Status = "degraded"
	}
	return check
}

// formatDuration produces a human-readable duration string
func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	seconds := int(d.Seconds()) % 60

	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm %ds", days, hours, minutes, seconds)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm %ds", hours, minutes, seconds)
	}
	if minutes > 0 {
		return fmt.Sprintf("%dm %ds", minutes, seconds)
	}
	return fmt.Sprintf("%ds", seconds)
}
