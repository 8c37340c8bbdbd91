// Package oidc is the identity provider adapter: discovery, the
// authorization-code login with PKCE, token refresh for the token
// coordinator, end-session redirects and back-channel logout tokens.
package oidc

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/openidx/sessiongate/internal/dpop"
	"github.com/openidx/sessiongate/internal/session"
)

var (
	// ErrInvalidState is returned for callbacks whose state was never issued or was already used
	ErrInvalidState = errors.New("invalid or expired login state")

	// ErrNonceMismatch is returned when the ID token was not minted for this login
	ErrNonceMismatch = errors.New("id token nonce mismatch")

	// ErrAuthorizationFailed is returned when the provider redirected back with an error
	ErrAuthorizationFailed = errors.New("authorization failed")
)

// AuthorizationError is the error the provider redirected back with. It
// matches ErrAuthorizationFailed.
type AuthorizationError struct {
	Code        string
	Description string
}

func (e *AuthorizationError) Error() string {
	if e.Description == "" {
		return fmt.Sprintf("%s: %s", ErrAuthorizationFailed, e.Code)
	}
	return fmt.Sprintf("%s: %s %s", ErrAuthorizationFailed, e.Code, e.Description)
}

// Is reports whether target is ErrAuthorizationFailed
func (e *AuthorizationError) Is(target error) bool {
	return target == ErrAuthorizationFailed
}

// Config configures a Provider
type Config struct {
	Issuer                string
	ClientID              string
	ClientSecret          string
	RedirectURL           string
	Scopes                []string
	PostLogoutRedirectURL string

	// DPoP binds each session's tokens to a key generated at login
	DPoP bool

	// AudienceScopes holds the scopes requested when refreshing a token
	// for a named audience
	AudienceScopes map[string][]string

	HTTPTimeout      time.Duration
	DiscoveryTimeout time.Duration
	StateTTL         time.Duration
}

type endpointClaims struct {
	EndSessionEndpoint string   `json:"end_session_endpoint"`
	JWKSURI            string   `json:"jwks_uri"`
	SigningAlgs        []string `json:"id_token_signing_alg_values_supported"`
}

// Provider talks to one OpenID Connect provider
type Provider struct {
	cfg            Config
	provider       *gooidc.Provider
	verifier       *gooidc.IDTokenVerifier
	logoutVerifier *gooidc.IDTokenVerifier
	logoutKeys     gooidc.KeySet
	oauth2         oauth2.Config
	endSessionURL  string
	httpClient     *http.Client
	states         StateStore
	logger         *zap.Logger
	now            func() time.Time
}

// NewProvider discovers the provider's endpoints, retrying with exponential
// backoff until cfg.DiscoveryTimeout elapses.
func NewProvider(ctx context.Context, cfg Config, states StateStore, logger *zap.Logger) (*Provider, error) {
	if cfg.Issuer == "" {
		return nil, errors.New("oidc issuer is required")
	}
	if cfg.ClientID == "" {
		return nil, errors.New("oidc client id is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	if cfg.DiscoveryTimeout <= 0 {
		cfg.DiscoveryTimeout = time.Minute
	}
	if cfg.StateTTL <= 0 {
		cfg.StateTTL = DefaultStateTTL
	}
	if len(cfg.Scopes) == 0 {
		cfg.Scopes = []string{gooidc.ScopeOpenID, "profile", gooidc.ScopeOfflineAccess}
	}
	if states == nil {
		states = NewMemoryStateStore()
	}
	logger = logger.With(zap.String("component", "oidc"), zap.String("issuer", cfg.Issuer))

	httpClient := &http.Client{Timeout: cfg.HTTPTimeout}
	discoveryCtx := gooidc.ClientContext(ctx, httpClient)

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = 500 * time.Millisecond
	expBackoff.MaxInterval = 10 * time.Second

	provider, err := backoff.Retry(ctx, func() (*gooidc.Provider, error) {
		return gooidc.NewProvider(discoveryCtx, cfg.Issuer)
	},
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxElapsedTime(cfg.DiscoveryTimeout),
		backoff.WithNotify(func(err error, d time.Duration) {
			logger.Warn("OIDC discovery failed, retrying", zap.Error(err), zap.Duration("retry_in", d))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("oidc discovery: %w", err)
	}

	var endpoints endpointClaims
	if err := provider.Claims(&endpoints); err != nil {
		return nil, fmt.Errorf("parse discovery document: %w", err)
	}

	endpoint := provider.Endpoint()
	endpoint.AuthStyle = oauth2.AuthStyleInParams

	// logout tokens are checked against their own key set so that key fetch
	// failures can be told apart from bad signatures
	logoutKeys := gooidc.NewRemoteKeySet(gooidc.ClientContext(context.Background(), httpClient), endpoints.JWKSURI)

	p := &Provider{
		cfg:      cfg,
		provider: provider,
		verifier: provider.Verifier(&gooidc.Config{ClientID: cfg.ClientID}),
		logoutVerifier: gooidc.NewVerifier(cfg.Issuer, logoutKeys, &gooidc.Config{
			ClientID:             cfg.ClientID,
			SupportedSigningAlgs: endpoints.SigningAlgs,
			// logout tokens need not carry exp; freshness is checked on iat
			SkipExpiryCheck: true,
		}),
		logoutKeys: logoutKeys,
		oauth2:     oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint:     endpoint,
			Scopes:       cfg.Scopes,
		},
		endSessionURL: endpoints.EndSessionEndpoint,
		httpClient:    httpClient,
		states:        states,
		logger:        logger,
		now:           time.Now,
	}

	logger.Info("OIDC provider discovered",
		zap.String("token_endpoint", endpoint.TokenURL),
		zap.Bool("end_session", p.endSessionURL != ""),
		zap.Bool("dpop", cfg.DPoP))
	return p, nil
}

// Challenge starts a login and returns the authorization URL to redirect to.
// returnURL must already be validated.
func (p *Provider) Challenge(ctx context.Context, returnURL string) (string, error) {
	nonce, err := randomString(32)
	if err != nil {
		return "", err
	}
	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()

	ls := &LoginState{
		Nonce:     nonce,
		Verifier:  verifier,
		ReturnURL: returnURL,
		Created:   p.now().UTC(),
	}
	if err := p.states.Save(ctx, state, ls, p.cfg.StateTTL); err != nil {
		return "", err
	}

	return p.oauth2.AuthCodeURL(state,
		gooidc.Nonce(nonce),
		oauth2.S256ChallengeOption(verifier),
	), nil
}

// Complete finishes a login from the callback's query parameters. It
// returns the new session's ticket and the return URL saved by Challenge.
func (p *Provider) Complete(ctx context.Context, params url.Values) (*session.Ticket, string, error) {
	if e := params.Get("error"); e != "" {
		return nil, "", &AuthorizationError{Code: e, Description: params.Get("error_description")}
	}

	state := params.Get("state")
	code := params.Get("code")
	if state == "" || code == "" {
		return nil, "", fmt.Errorf("%w: missing code or state", ErrInvalidState)
	}
	ls, err := p.states.Take(ctx, state)
	if errors.Is(err, ErrStateNotFound) {
		return nil, "", ErrInvalidState
	}
	if err != nil {
		return nil, "", err
	}

	client := p.httpClient
	var key *dpop.Key
	if p.cfg.DPoP {
		key, err = dpop.Generate()
		if err != nil {
			return nil, "", err
		}
		client = newDPoPClient(p.httpClient, key)
	}

	tok, err := p.oauth2.Exchange(gooidc.ClientContext(ctx, client), code, oauth2.VerifierOption(ls.Verifier))
	if err != nil {
		return nil, "", fmt.Errorf("exchange authorization code: %w", err)
	}

	rawIDToken, ok := tok.Extra("id_token").(string)
	if !ok || rawIDToken == "" {
		return nil, "", errors.New("token response has no id_token")
	}
	idToken, err := p.verifier.Verify(gooidc.ClientContext(ctx, p.httpClient), rawIDToken)
	if err != nil {
		return nil, "", fmt.Errorf("verify id token: %w", err)
	}
	if idToken.Nonce != ls.Nonce {
		return nil, "", ErrNonceMismatch
	}

	var raw map[string]interface{}
	if err := idToken.Claims(&raw); err != nil {
		return nil, "", fmt.Errorf("parse id token claims: %w", err)
	}

	ticket := &session.Ticket{
		Principal: principalFrom(idToken.Subject, raw),
		Properties: map[string]string{
			session.PropIssuedAt: p.now().UTC().Format(time.RFC3339),
			session.PropIssuer:   idToken.Issuer,
		},
		RefreshToken: tok.RefreshToken,
		IDToken:      rawIDToken,
	}
	if ss := params.Get("session_state"); ss != "" {
		ticket.Properties[session.PropSessionState] = ss
	}
	scope, _ := tok.Extra("scope").(string)
	ticket.SetAccessToken("", session.AccessToken{
		Value:     tok.AccessToken,
		TokenType: tok.Type(),
		Expiry:    tok.Expiry,
		Scope:     scope,
	})
	if key != nil {
		ticket.DPoPKey, err = key.Marshal()
		if err != nil {
			return nil, "", err
		}
	}

	p.logger.Info("Login completed",
		zap.String("subject", ticket.Principal.Subject),
		zap.Bool("has_sid", ticket.Principal.SessionID != ""),
		zap.Bool("has_refresh_token", ticket.RefreshToken != ""))
	return ticket, ls.ReturnURL, nil
}

// SignOut returns where to send the browser to end the provider session.
// Without an end_session_endpoint that is returnURL itself.
func (p *Provider) SignOut(_ context.Context, ticket *session.Ticket, returnURL string) (string, error) {
	if p.endSessionURL == "" {
		return returnURL, nil
	}
	u, err := url.Parse(p.endSessionURL)
	if err != nil {
		return "", fmt.Errorf("parse end_session_endpoint: %w", err)
	}

	q := u.Query()
	q.Set("client_id", p.cfg.ClientID)
	if ticket != nil && ticket.IDToken != "" {
		q.Set("id_token_hint", ticket.IDToken)
	}
	postLogout := returnURL
	if !isAbsolute(postLogout) {
		postLogout = p.cfg.PostLogoutRedirectURL
	}
	if postLogout != "" {
		q.Set("post_logout_redirect_uri", postLogout)
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func principalFrom(subject string, raw map[string]interface{}) session.Principal {
	principal := session.Principal{Subject: subject}
	if sid, ok := raw["sid"].(string); ok {
		principal.SessionID = sid
	}
	for name, v := range raw {
		switch val := v.(type) {
		case []interface{}:
			for _, item := range val {
				principal.Claims = append(principal.Claims, session.Claim{Type: name, Value: claimString(item)})
			}
		default:
			principal.Claims = append(principal.Claims, session.Claim{Type: name, Value: claimString(val)})
		}
	}
	sortClaims(principal.Claims)
	return principal
}

func isAbsolute(raw string) bool {
	u, err := url.Parse(raw)
	return err == nil && u.IsAbs()
}

func randomString(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generate random: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func scopeParam(scopes []string) string {
	return strings.Join(scopes, " ")
}
