package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
)

// BackchannelLogoutEvent is the events member every logout token carries
const BackchannelLogoutEvent = "http://schemas.openid.net/event/backchannel-logout"

// MaxLogoutTokenAge bounds how old a logout token's iat may be
const MaxLogoutTokenAge = 5 * time.Minute

// ErrInvalidLogoutToken is returned for logout tokens that fail validation.
// Failures to reach the provider's key set are returned without it.
var ErrInvalidLogoutToken = errors.New("invalid logout token")

type logoutClaims struct {
	Events   map[string]json.RawMessage `json:"events"`
	Sid      string                     `json:"sid"`
	Nonce    *string                    `json:"nonce"`
	IssuedAt int64                      `json:"iat"`
}

// VerifyLogoutToken validates a back-channel logout token and returns the
// subject and IdP session it revokes. sid is empty when the token revokes
// every session of the subject.
func (p *Provider) VerifyLogoutToken(ctx context.Context, raw string) (subject, sid string, err error) {
	if raw == "" {
		return "", "", fmt.Errorf("%w: missing logout_token", ErrInvalidLogoutToken)
	}
	ctx = gooidc.ClientContext(ctx, p.httpClient)
	if _, err := p.logoutKeys.VerifySignature(ctx, raw); err != nil {
		// only key fetch failures wrap a cause
		if ctx.Err() != nil || errors.Unwrap(err) != nil {
			return "", "", fmt.Errorf("logout token keys: %w", err)
		}
		return "", "", fmt.Errorf("%w: %v", ErrInvalidLogoutToken, err)
	}
	idt, err := p.logoutVerifier.Verify(ctx, raw)
	if err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidLogoutToken, err)
	}

	var claims logoutClaims
	if err := idt.Claims(&claims); err != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidLogoutToken, err)
	}
	if _, ok := claims.Events[BackchannelLogoutEvent]; !ok {
		return "", "", fmt.Errorf("%w: missing back-channel logout event", ErrInvalidLogoutToken)
	}
	if claims.Nonce != nil {
		return "", "", fmt.Errorf("%w: nonce is not allowed", ErrInvalidLogoutToken)
	}
	if idt.Subject == "" {
		return "", "", fmt.Errorf("%w: sub is required", ErrInvalidLogoutToken)
	}
	if claims.IssuedAt > 0 {
		age := p.now().Sub(time.Unix(claims.IssuedAt, 0))
		if age > MaxLogoutTokenAge || age < -MaxLogoutTokenAge {
			return "", "", fmt.Errorf("%w: stale iat", ErrInvalidLogoutToken)
		}
	}
	return idt.Subject, claims.Sid, nil
}
