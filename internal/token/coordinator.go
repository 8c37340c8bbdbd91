// Package token owns the per-session token material and hands out valid
// access tokens to the proxy, refreshing them with single-flight semantics.
package token

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/openidx/sessiongate/internal/dpop"
	"github.com/openidx/sessiongate/internal/metrics"
	"github.com/openidx/sessiongate/internal/session"
)

const (
	// DefaultRefreshSkew is how long before expiry a token stops being served
	DefaultRefreshSkew = 30 * time.Second

	// DefaultRefreshTimeout bounds one call to the issuer
	DefaultRefreshTimeout = 10 * time.Second

	// rejectedTTL bounds a rejection marker whose token expiry is unknown
	rejectedTTL = time.Hour
)

// Material is what an issuer returns from a refresh
type Material struct {
	AccessToken  string
	TokenType    string
	Expiry       time.Time
	Scope        string
	RefreshToken string // set when the issuer rotated it
	IDToken      string
}

// Issuer is the external token-issuance capability
type Issuer interface {
	// Refresh redeems the ticket's refresh token for a new access token
	// scoped to audience ("" is the default resource). Implementations wrap
	// ErrInvalidGrant when the refresh token itself was rejected.
	Refresh(ctx context.Context, ticket *session.Ticket, audience string) (*Material, error)
}

// Token is an access token ready to attach to an outbound call
type Token struct {
	AccessToken string
	TokenType   string
	Expiry      time.Time
	DPoPKey     *dpop.Key // nil unless the session is DPoP-bound
}

// Config configures a Coordinator
type Config struct {
	ApplicationName string
	RefreshSkew     time.Duration
	RefreshTimeout  time.Duration
}

type cachedToken struct {
	token Token
	stale bool
}

type sessionEntry struct {
	subject string
	sid     string
	expires time.Time
	dpopKey *dpop.Key
	tokens  sync.Map // audience -> *cachedToken
}

// Coordinator caches tokens per (session key, audience) and refreshes them.
// At most one refresh per pair is in flight; writes to one session's ticket
// are serialized so rotated refresh tokens are never lost.
type Coordinator struct {
	store     session.Store
	protector *session.Protector
	issuer    Issuer
	cfg       Config
	logger    *zap.Logger

	cache   sync.Map // session key -> *sessionEntry
	flights singleflight.Group
	locks   *keyedMutex

	// rejected holds, per flight key, the last token an upstream refused so
	// the copy in the store is not served again either
	rejected sync.Map // flight key -> rejectedToken

	now func() time.Time
}

// NewCoordinator creates a Coordinator
func NewCoordinator(store session.Store, protector *session.Protector, issuer Issuer, cfg Config, logger *zap.Logger) *Coordinator {
	if cfg.RefreshSkew <= 0 {
		cfg.RefreshSkew = DefaultRefreshSkew
	}
	if cfg.RefreshTimeout <= 0 {
		cfg.RefreshTimeout = DefaultRefreshTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		store:     store,
		protector: protector,
		issuer:    issuer,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "token-coordinator")),
		locks:     newKeyedMutex(),
		now:       time.Now,
	}
}

type rejectedToken struct {
	value string
	until time.Time
}

func flightKey(key, audience string) string { return key + "\x00" + audience }

func (c *Coordinator) markRejected(fk, value string, expiry time.Time) {
	if expiry.IsZero() {
		expiry = c.now().Add(rejectedTTL)
	}
	c.rejected.Store(fk, rejectedToken{value: value, until: expiry})
}

func (c *Coordinator) usable(tok Token, now time.Time) bool {
	if tok.AccessToken == "" {
		return false
	}
	return tok.Expiry.IsZero() || now.Add(c.cfg.RefreshSkew).Before(tok.Expiry)
}

// cached returns the entry's token when it can be served as is
func (c *Coordinator) cached(key, audience string, now time.Time) (Token, bool) {
	v, ok := c.cache.Load(key)
	if !ok {
		return Token{}, false
	}
	entry := v.(*sessionEntry)
	if !entry.expires.IsZero() && !now.Before(entry.expires) {
		return Token{}, false
	}
	t, ok := entry.tokens.Load(audience)
	if !ok {
		return Token{}, false
	}
	ct := t.(*cachedToken)
	if ct.stale || !c.usable(ct.token, now) {
		return Token{}, false
	}
	return ct.token, true
}

// Acquire returns a valid token for the session and audience. A cached token
// is returned without blocking; otherwise the caller joins or starts the
// refresh flight for the pair. The flight outlives a cancelled caller.
func (c *Coordinator) Acquire(ctx context.Context, key, audience string) (Token, error) {
	if tok, ok := c.cached(key, audience, c.now()); ok {
		metrics.RecordTokenCache("hit")
		return tok, nil
	}
	metrics.RecordTokenCache("miss")

	ch := c.flights.DoChan(flightKey(key, audience), func() (interface{}, error) {
		flightCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.RefreshTimeout)
		defer cancel()
		return c.refresh(flightCtx, key, audience)
	})

	select {
	case <-ctx.Done():
		return Token{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return Token{}, res.Err
		}
		return res.Val.(Token), nil
	}
}

func (c *Coordinator) refresh(ctx context.Context, key, audience string) (Token, error) {
	unlock := c.locks.Lock(key)
	defer unlock()

	// another flight may have filled the cache while we waited
	if tok, ok := c.cached(key, audience, c.now()); ok {
		return tok, nil
	}

	fk := flightKey(key, audience)
	var staleValue string
	if v, ok := c.rejected.Load(fk); ok {
		staleValue = v.(rejectedToken).value
	}

	rec, ticket, err := c.load(ctx, key)
	if err != nil {
		return Token{}, err
	}

	entry, err := c.entryFor(key, rec, ticket)
	if err != nil {
		c.forget(key)
		return Token{}, fmt.Errorf("%w: %v", ErrReauthenticationRequired, err)
	}

	now := c.now()
	if stored, ok := ticket.AccessToken(audience); ok && stored.Value != staleValue {
		tok := c.tokenFrom(stored, entry.dpopKey)
		if c.usable(tok, now) {
			entry.tokens.Store(audience, &cachedToken{token: tok})
			c.rejected.Delete(fk)
			return tok, nil
		}
	}

	if ticket.RefreshToken == "" {
		c.forget(key)
		metrics.RecordTokenRefresh("reauth")
		return Token{}, fmt.Errorf("%w: session has no refresh token", ErrReauthenticationRequired)
	}

	material, err := c.issuer.Refresh(ctx, ticket, audience)
	if err != nil {
		return Token{}, c.refreshFailed(ctx, key, audience, err)
	}

	ticket.SetAccessToken(audience, session.AccessToken{
		Value:     material.AccessToken,
		TokenType: material.TokenType,
		Expiry:    material.Expiry,
		Scope:     material.Scope,
	})
	if material.RefreshToken != "" {
		ticket.RefreshToken = material.RefreshToken
	}
	if material.IDToken != "" && audience == "" {
		ticket.IDToken = material.IDToken
	}

	sealed, err := c.protector.Protect(ticket)
	if err != nil {
		return Token{}, fmt.Errorf("protect ticket: %w", err)
	}
	if err := c.store.UpdateTicket(ctx, c.cfg.ApplicationName, key, sealed, rec.Expires); err != nil {
		if errors.Is(err, session.ErrNotFound) {
			c.forget(key)
			return Token{}, ErrNotFound
		}
		metrics.RecordTokenRefresh("store")
		return Token{}, fmt.Errorf("persist refreshed ticket: %w", err)
	}

	tok := c.tokenFrom(ticket.AccessTokens[audience], entry.dpopKey)
	entry.tokens.Store(audience, &cachedToken{token: tok})
	c.rejected.Delete(fk)

	metrics.RecordTokenRefresh("success")
	c.logger.Debug("Refreshed access token",
		zap.String("subject", rec.SubjectID),
		zap.String("audience", audience),
		zap.Time("expiry", tok.Expiry))
	return tok, nil
}

// load reads and opens the session's ticket. Missing, expired and unreadable
// sessions evict the cache.
func (c *Coordinator) load(ctx context.Context, key string) (*session.Record, *session.Ticket, error) {
	rec, err := c.store.Get(ctx, c.cfg.ApplicationName, key)
	if errors.Is(err, session.ErrNotFound) {
		c.forget(key)
		return nil, nil, ErrNotFound
	}
	if err != nil {
		return nil, nil, fmt.Errorf("load session: %w", err)
	}
	if rec.Expired(c.now()) {
		c.forget(key)
		return nil, nil, ErrExpired
	}

	ticket, err := c.protector.Unprotect(rec.Ticket)
	if err != nil {
		c.forget(key)
		return nil, nil, fmt.Errorf("%w: %v", ErrReauthenticationRequired, err)
	}
	return rec, ticket, nil
}

// entryFor returns the cache entry for a freshly loaded record, replacing
// one that describes an older version of the session
func (c *Coordinator) entryFor(key string, rec *session.Record, ticket *session.Ticket) (*sessionEntry, error) {
	if v, ok := c.cache.Load(key); ok {
		entry := v.(*sessionEntry)
		if entry.expires.Equal(rec.Expires) && entry.subject == rec.SubjectID {
			return entry, nil
		}
	}

	entry := &sessionEntry{
		subject: rec.SubjectID,
		sid:     rec.SessionID,
		expires: rec.Expires,
	}
	if len(ticket.DPoPKey) > 0 {
		key, err := dpop.Parse(ticket.DPoPKey)
		if err != nil {
			return nil, err
		}
		entry.dpopKey = key
	}
	c.cache.Store(key, entry)
	return entry, nil
}

func (c *Coordinator) tokenFrom(at session.AccessToken, key *dpop.Key) Token {
	tokenType := at.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	return Token{
		AccessToken: at.Value,
		TokenType:   tokenType,
		Expiry:      at.Expiry,
		DPoPKey:     key,
	}
}

func (c *Coordinator) refreshFailed(ctx context.Context, key, audience string, err error) error {
	switch {
	case errors.Is(err, ErrInvalidGrant):
		c.forget(key)
		metrics.RecordTokenRefresh("reauth")
		c.logger.Info("Refresh token rejected, session must re-authenticate",
			zap.String("audience", audience), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrReauthenticationRequired, err)
	case errors.Is(err, context.DeadlineExceeded) || ctx.Err() != nil:
		metrics.RecordTokenRefresh("timeout")
		c.logger.Warn("Token refresh timed out",
			zap.String("audience", audience), zap.Duration("timeout", c.cfg.RefreshTimeout))
		return fmt.Errorf("%w: %v", ErrUpstreamRefreshFailed, err)
	default:
		metrics.RecordTokenRefresh("failure")
		c.logger.Warn("Token refresh failed", zap.String("audience", audience), zap.Error(err))
		return fmt.Errorf("%w: %v", ErrUpstreamRefreshFailed, err)
	}
}

// Invalidate marks the token an upstream rejected so the next Acquire for
// the pair refreshes. A newer token already in the cache is left alone. An
// empty rejected value invalidates whatever is cached.
func (c *Coordinator) Invalidate(key, audience, rejected string) {
	fk := flightKey(key, audience)

	v, ok := c.cache.Load(key)
	if !ok {
		if rejected != "" {
			c.markRejected(fk, rejected, time.Time{})
		}
		return
	}
	entry := v.(*sessionEntry)

	for {
		cur, ok := entry.tokens.Load(audience)
		if !ok {
			if rejected != "" {
				c.markRejected(fk, rejected, time.Time{})
			}
			return
		}
		ct := cur.(*cachedToken)
		if ct.stale || (rejected != "" && ct.token.AccessToken != rejected) {
			return
		}
		// marker first: a flight that sees the stale entry must also see it
		c.markRejected(fk, ct.token.AccessToken, ct.token.Expiry)
		if entry.tokens.CompareAndSwap(audience, cur, &cachedToken{token: ct.token, stale: true}) {
			return
		}
	}
}

// UpdateTicket replaces the session's ticket (e.g. after re-authentication)
// and reseeds the cache from it before returning
func (c *Coordinator) UpdateTicket(ctx context.Context, key string, ticket *session.Ticket, expires time.Time) error {
	unlock := c.locks.Lock(key)
	defer unlock()

	sealed, err := c.protector.Protect(ticket)
	if err != nil {
		return fmt.Errorf("protect ticket: %w", err)
	}
	if err := c.store.UpdateTicket(ctx, c.cfg.ApplicationName, key, sealed, expires); err != nil {
		c.cache.Delete(key)
		return err
	}

	entry := &sessionEntry{
		subject: ticket.Principal.Subject,
		sid:     ticket.Principal.SessionID,
		expires: expires,
	}
	if len(ticket.DPoPKey) > 0 {
		if k, err := dpop.Parse(ticket.DPoPKey); err == nil {
			entry.dpopKey = k
		}
	}
	for aud, at := range ticket.AccessTokens {
		if at.Value != "" {
			entry.tokens.Store(aud, &cachedToken{token: c.tokenFrom(at, entry.dpopKey)})
		}
	}
	c.dropRejected(key)
	c.cache.Store(key, entry)
	return nil
}

// Renew moves the session's expiry. The ticket is re-read under the session
// lock so a concurrent refresh is never overwritten.
func (c *Coordinator) Renew(ctx context.Context, key string, expires time.Time) error {
	unlock := c.locks.Lock(key)
	defer unlock()

	rec, err := c.store.Get(ctx, c.cfg.ApplicationName, key)
	if errors.Is(err, session.ErrNotFound) {
		c.forget(key)
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("load session: %w", err)
	}
	if err := c.store.UpdateTicket(ctx, c.cfg.ApplicationName, key, rec.Ticket, expires); err != nil {
		c.cache.Delete(key)
		return err
	}

	if v, ok := c.cache.Load(key); ok {
		old := v.(*sessionEntry)
		entry := &sessionEntry{subject: old.subject, sid: old.sid, expires: expires, dpopKey: old.dpopKey}
		old.tokens.Range(func(aud, t interface{}) bool {
			entry.tokens.Store(aud, t)
			return true
		})
		c.cache.Store(key, entry)
	}
	return nil
}

// Evict drops every cached token of the session
func (c *Coordinator) Evict(key string) {
	unlock := c.locks.Lock(key)
	defer unlock()
	c.forget(key)
}

// forget drops the session's cache entry and rejection markers. The caller
// holds the session lock.
func (c *Coordinator) forget(key string) {
	c.cache.Delete(key)
	c.dropRejected(key)
}

func (c *Coordinator) dropRejected(key string) {
	prefix := key + "\x00"
	c.rejected.Range(func(k, _ interface{}) bool {
		if strings.HasPrefix(k.(string), prefix) {
			c.rejected.Delete(k)
		}
		return true
	})
}

// EvictSubject drops the cached tokens of a subject's sessions. An empty
// sid matches every session of the subject.
func (c *Coordinator) EvictSubject(subject, sid string) int {
	var keys []string
	c.cache.Range(func(k, v interface{}) bool {
		entry := v.(*sessionEntry)
		if entry.subject == subject && (sid == "" || entry.sid == sid) {
			keys = append(keys, k.(string))
		}
		return true
	})
	for _, key := range keys {
		c.Evict(key)
	}
	return len(keys)
}

// PruneExpired drops entries of sessions past their expiry and rejection
// markers whose token can no longer be served
func (c *Coordinator) PruneExpired(now time.Time) {
	c.cache.Range(func(k, v interface{}) bool {
		entry := v.(*sessionEntry)
		if !entry.expires.IsZero() && !now.Before(entry.expires) {
			c.cache.Delete(k)
			c.dropRejected(k.(string))
		}
		return true
	})
	c.rejected.Range(func(k, v interface{}) bool {
		if !now.Before(v.(rejectedToken).until) {
			c.rejected.Delete(k)
		}
		return true
	})
}
