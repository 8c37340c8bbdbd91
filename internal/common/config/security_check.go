package config

import (
	"strings"

	"go.uber.org/zap"
)

// LogSecurityWarnings logs actionable security warnings when running in
// production with insecure defaults. Call this at service startup after
// configuration is loaded.
func (c *Config) LogSecurityWarnings(log *zap.Logger) {
	if !c.IsProduction() {
		return
	}

	warnings := c.ProductionWarnings()

	for _, w := range warnings {
		log.Warn("SECURITY", zap.String("warning", w))
	}

	if len(warnings) > 0 {
		log.Warn("SECURITY: production deployment has insecure configuration",
			zap.Int("warning_count", len(warnings)))
	}
}

// ProductionWarnings lists settings that are unsafe outside development
func (c *Config) ProductionWarnings() []string {
	var warnings []string

	if strings.HasPrefix(c.TicketSecret, "change-me") {
		warnings = append(warnings, "ticket_secret is the built-in default; set SESSIONGATE_TICKET_SECRET")
	}
	if strings.HasPrefix(c.Session.CookieHashKey, "change-me") {
		warnings = append(warnings, "session.cookie_hash_key is the built-in default")
	}
	if c.Session.CookieBlockKey == "" {
		warnings = append(warnings, "session.cookie_block_key is empty; the session cookie is signed but not encrypted")
	}
	if !c.Session.CookieSecure {
		warnings = append(warnings, "session.cookie_secure is false; the session cookie is sent over plain HTTP")
	}
	if strings.EqualFold(c.Session.CookieSameSite, "none") {
		warnings = append(warnings, "session.cookie_same_site is none; the CSRF header is the only cross-site defence")
	}
	if c.Session.Store == StoreMemory {
		warnings = append(warnings, "session.store is memory; sessions are lost on restart and not shared between replicas")
	}
	if c.CSRF.SafeMethodsExempt {
		warnings = append(warnings, "csrf.safe_methods_exempt is true; GET API calls are not protected")
	}
	if !c.Login.RequireLogoutSID {
		warnings = append(warnings, "login.require_logout_sid is false; cross-site requests can log users out")
	}
	if !c.RateLimit.Enabled {
		warnings = append(warnings, "rate limiting of the login and back-channel endpoints is disabled")
	}
	if c.Session.Store == StorePostgres && (c.DatabaseSSLMode == "" || c.DatabaseSSLMode == "disable") {
		warnings = append(warnings, "database_ssl_mode is disable; session tickets travel to Postgres unencrypted")
	}
	if c.RedisTLSSkipVerify {
		warnings = append(warnings, "redis_tls_skip_verify is true; the Redis server certificate is not checked")
	}
	for _, api := range c.RemoteAPIs {
		if strings.HasPrefix(strings.ToLower(api.UpstreamURL), "http://") {
			warnings = append(warnings, "remote api "+api.Name+" is reached over plain HTTP; access tokens travel unencrypted")
		}
	}
	return warnings
}
