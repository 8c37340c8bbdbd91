package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func requiredEnv(t *testing.T) {
	t.Setenv("OIDC_ISSUER", "https://idp.example.com")
	t.Setenv("OIDC_CLIENT_ID", "bff")
	t.Setenv("OIDC_REDIRECT_URL", "https://app.example.com/signin-oidc")
}

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())
	requiredEnv(t)

	cfg, err := Load("bff-service")
	require.NoError(t, err)

	assert.Equal(t, "bff-service", cfg.ServiceName)
	assert.Equal(t, "bff-service", cfg.ApplicationName)
	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, StorePostgres, cfg.Session.Store)
	assert.Equal(t, 8*time.Hour, cfg.Session.Lifetime)
	assert.Equal(t, "X-CSRF", cfg.CSRF.HeaderName)
	assert.Equal(t, 30*time.Second, cfg.Token.RefreshSkew)
	assert.True(t, cfg.Login.RequireLogoutSID)
	assert.Contains(t, cfg.OIDC.Scopes, "offline_access")
	assert.True(t, cfg.IsDevelopment())
}

func TestLoadEnvironment(t *testing.T) {
	t.Chdir(t.TempDir())
	requiredEnv(t)
	t.Setenv("PORT", "9090")
	t.Setenv("APP_ENV", "production")
	t.Setenv("SESSIONGATE_SESSION_STORE", "redis")
	t.Setenv("SESSIONGATE_SESSION_LIFETIME", "2h")
	t.Setenv("SESSIONGATE_CSRF_HEADER_NAME", "X-Requested-With")

	cfg, err := Load("bff-service")
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.True(t, cfg.IsProduction())
	assert.Equal(t, StoreRedis, cfg.Session.Store)
	assert.Equal(t, 2*time.Hour, cfg.Session.Lifetime)
	assert.Equal(t, "X-Requested-With", cfg.CSRF.HeaderName)
	assert.NotEmpty(t, cfg.ProductionWarnings())
}

func TestLoadConfigFile(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)
	requiredEnv(t)

	yaml := `
session:
  store: memory
login:
  path_base: /app
  allowed_return_origins: ["https://app.example.com"]
remote_apis:
  - name: orders
    upstream_url: https://orders.internal/v1/{path}
    audience: https://orders.example.com
    scopes: [orders.read]
  - name: catalog
    upstream_url: https://catalog.internal
    dpop: true
`
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o600))

	cfg, err := Load("bff-service")
	require.NoError(t, err)

	assert.Equal(t, StoreMemory, cfg.Session.Store)
	assert.Equal(t, "/app", cfg.Login.PathBase)
	assert.Equal(t, []string{"https://app.example.com"}, cfg.Login.AllowedReturnOrigins)
	require.Len(t, cfg.RemoteAPIs, 2)
	assert.Equal(t, "orders", cfg.RemoteAPIs[0].Name)
	assert.True(t, cfg.RemoteAPIs[1].DPoP)
	assert.Equal(t, map[string][]string{"https://orders.example.com": {"orders.read"}}, cfg.AudienceScopes())
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			Port:         8080,
			TicketSecret: "0123456789abcdef0123456789abcdef",
			Session: SessionConfig{
				CookieHashKey: "0123456789abcdef0123456789abcdef",
				Lifetime:      time.Hour,
				Store:         StoreMemory,
			},
			OIDC:  OIDCConfig{Issuer: "https://idp", ClientID: "bff", RedirectURL: "https://app/signin-oidc"},
			Login: LoginConfig{PathBase: "/"},
		}
	}
	require.NoError(t, validate(valid()))

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Port = 70000 }},
		{"short ticket secret", func(c *Config) { c.TicketSecret = "short" }},
		{"short cookie key", func(c *Config) { c.Session.CookieHashKey = "short" }},
		{"bad block key", func(c *Config) { c.Session.CookieBlockKey = "abc" }},
		{"unknown store", func(c *Config) { c.Session.Store = "etcd" }},
		{"same site", func(c *Config) { c.Session.CookieSameSite = "sometimes" }},
		{"missing issuer", func(c *Config) { c.OIDC.Issuer = "" }},
		{"absolute path base", func(c *Config) { c.Login.PathBase = "https://app" }},
		{"relative upstream", func(c *Config) {
			c.RemoteAPIs = []RemoteAPI{{Name: "a", UpstreamURL: "/v1"}}
		}},
		{"sentinel without addresses", func(c *Config) {
			c.RedisSentinelEnabled = true
			c.RedisSentinelMasterName = "mymaster"
			c.RedisSentinelAddresses = " , "
		}},
		{"unknown ssl mode", func(c *Config) { c.DatabaseSSLMode = "always" }},
		{"duplicate api", func(c *Config) {
			c.RemoteAPIs = []RemoteAPI{
				{Name: "a", UpstreamURL: "https://a"},
				{Name: "a", UpstreamURL: "https://b"},
			}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			assert.Error(t, validate(cfg))
		})
	}
}

func TestRedisConnectionSettings(t *testing.T) {
	t.Run("sentinel addresses", func(t *testing.T) {
		cfg := &Config{RedisSentinelAddresses: "s1:26379, s2:26379,,"}
		assert.Equal(t, []string{"s1:26379", "s2:26379"}, cfg.GetRedisSentinelAddresses())
		assert.Empty(t, (&Config{}).GetRedisSentinelAddresses())
	})

	t.Run("password from url", func(t *testing.T) {
		cfg := &Config{RedisURL: "redis://:s3cret@redis:6379/0"}
		assert.Equal(t, "s3cret", cfg.GetRedisPassword())

		cfg.RedisPassword = "explicit"
		assert.Equal(t, "explicit", cfg.GetRedisPassword())

		assert.Empty(t, (&Config{RedisURL: "redis://redis:6379"}).GetRedisPassword())
	})

	t.Run("sentinel replaces redis_url for the redis store", func(t *testing.T) {
		t.Chdir(t.TempDir())
		requiredEnv(t)
		t.Setenv("SESSIONGATE_SESSION_STORE", "redis")
		t.Setenv("SESSIONGATE_REDIS_SENTINEL_ENABLED", "true")
		t.Setenv("SESSIONGATE_REDIS_SENTINEL_ADDRESSES", "s1:26379,s2:26379")
		t.Setenv("REDIS_PASSWORD", "pw")
		t.Setenv("SESSIONGATE_DATABASE_SSL_MODE", "verify-full")

		cfg, err := Load("bff-service")
		require.NoError(t, err)
		assert.True(t, cfg.RedisSentinelEnabled)
		assert.Equal(t, "mymaster", cfg.RedisSentinelMasterName)
		assert.Equal(t, []string{"s1:26379", "s2:26379"}, cfg.GetRedisSentinelAddresses())
		assert.Equal(t, "pw", cfg.GetRedisPassword())
		assert.Equal(t, "verify-full", cfg.DatabaseSSLMode)
	})
}

func TestProductionWarningsTransport(t *testing.T) {
	cfg := &Config{
		Environment:        "production",
		Session:            SessionConfig{Store: StorePostgres},
		DatabaseSSLMode:    "disable",
		RedisTLSSkipVerify: true,
	}
	warnings := cfg.ProductionWarnings()
	assert.Contains(t, warnings, "database_ssl_mode is disable; session tickets travel to Postgres unencrypted")
	assert.Contains(t, warnings, "redis_tls_skip_verify is true; the Redis server certificate is not checked")

	cfg.DatabaseSSLMode = "verify-full"
	cfg.RedisTLSSkipVerify = false
	for _, w := range cfg.ProductionWarnings() {
		assert.NotContains(t, w, "database_ssl_mode")
		assert.NotContains(t, w, "redis_tls_skip_verify")
	}
}
