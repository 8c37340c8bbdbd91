// Package login drives the per-request login and logout state machine:
// challenges, callbacks that create or replace session records, local
// logout and back-channel revocation.
package login

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openidx/sessiongate/internal/metrics"
	"github.com/openidx/sessiongate/internal/oidc"
	"github.com/openidx/sessiongate/internal/session"
	"github.com/openidx/sessiongate/internal/token"
)

// DefaultSessionLifetime is used when Config.SessionLifetime is unset
const DefaultSessionLifetime = 8 * time.Hour

var (
	// ErrInvalidReturnURL rejects a redirect target outside the policy
	ErrInvalidReturnURL = errors.New("return url not allowed")

	// ErrLoginFailed wraps every failure of the provider callback
	ErrLoginFailed = errors.New("login failed")

	// ErrLogoutSIDMismatch is returned when /logout carries the wrong sid
	ErrLogoutSIDMismatch = errors.New("logout sid does not match the session")

	// ErrInvalidLogoutToken wraps back-channel tokens that failed validation
	ErrInvalidLogoutToken = oidc.ErrInvalidLogoutToken
)

// Authenticator is the identity provider side of the login flow
type Authenticator interface {
	// Challenge starts a login and returns the provider URL to redirect to
	Challenge(ctx context.Context, returnURL string) (string, error)
	// Complete redeems the callback and returns the ticket and saved return URL
	Complete(ctx context.Context, params url.Values) (*session.Ticket, string, error)
	// SignOut returns where to send the browser to end the provider session
	SignOut(ctx context.Context, ticket *session.Ticket, returnURL string) (string, error)
	// VerifyLogoutToken validates a back-channel logout token. Rejected
	// tokens yield an error wrapping ErrInvalidLogoutToken; any other error
	// means the token could not be checked.
	VerifyLogoutToken(ctx context.Context, raw string) (subject, sid string, err error)
}

// TokenCache is the token coordinator surface the orchestrator keeps coherent
type TokenCache interface {
	UpdateTicket(ctx context.Context, key string, ticket *session.Ticket, expires time.Time) error
	Evict(key string)
	EvictSubject(subject, sid string) int
}

// Session is the browser's current session
type Session struct {
	Key    string
	Record *session.Record
	Ticket *session.Ticket
}

// Result describes the session a completed login left behind
type Result struct {
	Key       string
	Expires   time.Time
	ReturnURL string
}

// Config configures an Orchestrator
type Config struct {
	ApplicationName  string
	SessionLifetime  time.Duration
	RequireLogoutSID bool
	ReturnURLs       ReturnURLPolicy
}

// Orchestrator implements the login, logout and back-channel transitions
type Orchestrator struct {
	auth      Authenticator
	store     session.Store
	protector *session.Protector
	tokens    TokenCache
	cfg       Config
	logger    *zap.Logger
	now       func() time.Time
}

// NewOrchestrator creates an Orchestrator
func NewOrchestrator(auth Authenticator, store session.Store, protector *session.Protector, tokens TokenCache, cfg Config, logger *zap.Logger) *Orchestrator {
	if cfg.SessionLifetime <= 0 {
		cfg.SessionLifetime = DefaultSessionLifetime
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Orchestrator{
		auth:      auth,
		store:     store,
		protector: protector,
		tokens:    tokens,
		cfg:       cfg,
		logger:    logger.With(zap.String("component", "login")),
		now:       time.Now,
	}
}

// Lifetime returns the absolute lifetime given to new sessions
func (o *Orchestrator) Lifetime() time.Duration { return o.cfg.SessionLifetime }

// Login validates the return URL and issues the provider challenge. An
// invalid return URL fails before any challenge is issued.
func (o *Orchestrator) Login(ctx context.Context, returnURL string) (string, error) {
	target, err := o.cfg.ReturnURLs.Validate(returnURL)
	if err != nil {
		o.logger.Warn("Login rejected return URL", zap.String("return_url", returnURL))
		return "", err
	}
	redirect, err := o.auth.Challenge(ctx, target)
	if err != nil {
		return "", fmt.Errorf("issue challenge: %w", err)
	}
	metrics.RecordSessionEvent("login_started")
	return redirect, nil
}

// Complete finishes a login. A current session of the same subject and IdP
// session gets the new ticket in place; anything else is replaced by a new
// record under a fresh key.
func (o *Orchestrator) Complete(ctx context.Context, params url.Values, current *Session) (*Result, error) {
	ticket, returnURL, err := o.auth.Complete(ctx, params)
	if err != nil {
		o.logger.Warn("Login callback failed", zap.Error(err))
		return nil, fmt.Errorf("%w: %w", ErrLoginFailed, err)
	}
	expires := o.now().Add(o.cfg.SessionLifetime)

	if current != nil {
		if current.Record.SubjectID == ticket.Principal.Subject && current.Record.SessionID == ticket.Principal.SessionID {
			err := o.tokens.UpdateTicket(ctx, current.Key, ticket, expires)
			if err == nil {
				metrics.RecordSessionEvent("renewed")
				return &Result{Key: current.Key, Expires: expires, ReturnURL: returnURL}, nil
			}
			if !errors.Is(err, session.ErrNotFound) {
				return nil, err
			}
		} else {
			if err := o.store.DeleteByKey(ctx, o.cfg.ApplicationName, current.Key); err != nil {
				return nil, fmt.Errorf("delete replaced session: %w", err)
			}
			o.tokens.Evict(current.Key)
		}
	}

	key, err := o.create(ctx, ticket, expires)
	if err != nil {
		return nil, err
	}
	o.logger.Info("Session created",
		zap.String("subject", ticket.Principal.Subject),
		zap.Time("expires", expires))
	metrics.RecordSessionEvent("created")
	return &Result{Key: key, Expires: expires, ReturnURL: returnURL}, nil
}

func (o *Orchestrator) create(ctx context.Context, ticket *session.Ticket, expires time.Time) (string, error) {
	sealed, err := o.protector.Protect(ticket)
	if err != nil {
		return "", fmt.Errorf("protect ticket: %w", err)
	}

	now := o.now()
	rec := &session.Record{
		ApplicationName: o.cfg.ApplicationName,
		Key:             uuid.NewString(),
		SubjectID:       ticket.Principal.Subject,
		SessionID:       ticket.Principal.SessionID,
		Ticket:          sealed,
		Created:         now,
		Renewed:         now,
		Expires:         expires,
	}

	err = o.store.Create(ctx, rec)
	if errors.Is(err, session.ErrConflict) && rec.SessionID != "" {
		// an older record still holds this IdP session; the new login supersedes it
		n, derr := o.store.DeleteBySubjectAndSession(ctx, o.cfg.ApplicationName, rec.SubjectID, rec.SessionID)
		if derr != nil {
			return "", fmt.Errorf("delete superseded session: %w", derr)
		}
		o.tokens.EvictSubject(rec.SubjectID, rec.SessionID)
		o.logger.Info("Replaced superseded session", zap.String("subject", rec.SubjectID), zap.Int("deleted", n))

		rec.Key = uuid.NewString()
		err = o.store.Create(ctx, rec)
	}
	if err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	return rec.Key, nil
}

// Logout deletes the current session and returns the sign-out redirect.
// When sid checking is on, the sid parameter must name the session's IdP
// session; sessions without one are not checked.
func (o *Orchestrator) Logout(ctx context.Context, current *Session, sid, returnURL string) (string, error) {
	target, err := o.cfg.ReturnURLs.Validate(returnURL)
	if err != nil {
		return "", err
	}
	if current == nil {
		return target, nil
	}

	if o.cfg.RequireLogoutSID && current.Record.SessionID != "" && sid != current.Record.SessionID {
		o.logger.Warn("Logout rejected, sid mismatch", zap.String("subject", current.Record.SubjectID))
		return "", ErrLogoutSIDMismatch
	}

	if err := o.store.DeleteByKey(ctx, o.cfg.ApplicationName, current.Key); err != nil {
		return "", fmt.Errorf("delete session: %w", err)
	}
	o.tokens.Evict(current.Key)
	metrics.RecordSessionEvent("logout")

	redirect, err := o.auth.SignOut(ctx, current.Ticket, target)
	if err != nil {
		o.logger.Warn("Provider sign-out unavailable, redirecting locally", zap.Error(err))
		return target, nil
	}
	return redirect, nil
}

// BackChannelLogout revokes the sessions a logout token names. Repeated
// notices delete nothing and succeed; store failures are returned so the
// provider redelivers.
func (o *Orchestrator) BackChannelLogout(ctx context.Context, logoutToken string) (int, error) {
	subject, sid, err := o.auth.VerifyLogoutToken(ctx, logoutToken)
	if errors.Is(err, ErrInvalidLogoutToken) {
		metrics.RecordBackchannelLogout("invalid")
		o.logger.Warn("Back-channel logout token rejected", zap.Error(err))
		return 0, err
	}
	if err != nil {
		metrics.RecordBackchannelLogout("error")
		return 0, fmt.Errorf("verify logout token: %w", err)
	}

	deleted, err := o.store.DeleteBySubjectAndSession(ctx, o.cfg.ApplicationName, subject, sid)
	if err != nil {
		metrics.RecordBackchannelLogout("error")
		return 0, fmt.Errorf("revoke sessions: %w", err)
	}
	o.tokens.EvictSubject(subject, sid)

	metrics.RecordBackchannelLogout("success")
	o.logger.Info("Back-channel logout",
		zap.String("subject", subject),
		zap.Bool("by_sid", sid != ""),
		zap.Int("deleted", deleted))
	return deleted, nil
}

var _ TokenCache = (*token.Coordinator)(nil)
