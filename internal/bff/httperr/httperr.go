// Package httperr maps gateway domain errors onto API error responses.
package httperr

import (
	"context"
	"errors"
	"net/http"

	"github.com/openidx/sessiongate/internal/bff/login"
	apperrors "github.com/openidx/sessiongate/internal/common/errors"
	"github.com/openidx/sessiongate/internal/oidc"
	"github.com/openidx/sessiongate/internal/session"
	"github.com/openidx/sessiongate/internal/token"
)

// Known maps err to its API error. The second result is false when err is
// not one of the gateway's domain errors.
func Known(err error) (*apperrors.AppError, bool) {
	var appErr *apperrors.AppError
	switch {
	case err == nil:
		return nil, false
	case errors.As(err, &appErr):
		return appErr, true
	case errors.Is(err, session.ErrNotFound), errors.Is(err, token.ErrNotFound):
		return apperrors.AuthenticationRequired("session not found"), true
	case errors.Is(err, token.ErrExpired):
		return apperrors.AuthenticationRequired("session expired"), true
	case errors.Is(err, token.ErrReauthenticationRequired):
		return apperrors.ReauthenticationRequired(err), true
	case errors.Is(err, token.ErrUpstreamRefreshFailed):
		return apperrors.UpstreamRefreshFailed(err), true
	case errors.Is(err, session.ErrConflict):
		return apperrors.Conflict("Session was modified concurrently", err), true
	case errors.Is(err, login.ErrInvalidReturnURL):
		return apperrors.InvalidReturnURL(""), true
	case errors.Is(err, login.ErrInvalidLogoutToken):
		return apperrors.InvalidLogoutToken(err), true
	case errors.Is(err, login.ErrLogoutSIDMismatch):
		return apperrors.BadRequest("Logout sid does not match the session"), true
	case errors.Is(err, login.ErrLoginFailed):
		appErr = apperrors.Wrap(err, apperrors.ErrBadRequest, "Login failed", http.StatusBadRequest)
		// the provider's error code is safe to show; its description may not be
		var authErr *oidc.AuthorizationError
		if errors.As(err, &authErr) {
			appErr.WithDetails(authErr.Code)
		}
		return appErr, true
	case errors.Is(err, context.DeadlineExceeded):
		return apperrors.GatewayTimeout(err), true
	}
	return nil, false
}

// FromDomain maps err to its API error, falling back to an internal error
func FromDomain(err error) *apperrors.AppError {
	if appErr, ok := Known(err); ok {
		return appErr
	}
	return apperrors.Internal("An unexpected error occurred", err)
}
