package token

import "errors"

var (
	// ErrNotFound means the session no longer exists
	ErrNotFound = errors.New("session not found")

	// ErrExpired means the session is past its absolute expiry
	ErrExpired = errors.New("session expired")

	// ErrUpstreamRefreshFailed means the issuer failed or timed out; the
	// session may still be usable later
	ErrUpstreamRefreshFailed = errors.New("upstream token refresh failed")

	// ErrReauthenticationRequired is terminal: the front end must restart login
	ErrReauthenticationRequired = errors.New("reauthentication required")

	// ErrInvalidGrant is returned by issuers when the refresh token itself
	// was rejected
	ErrInvalidGrant = errors.New("refresh token rejected")
)
