// Package claims derives the claim sets the front end sees: the user's
// identity claims and the session-management claims.
package claims

import (
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/openidx/sessiongate/internal/session"
)

// Management claim types
const (
	LogoutURL        = "bff:logout_url"
	SessionExpiresIn = "bff:session_expires_in"
	SessionState     = "bff:session_state"
	PathBase         = "bff:path_base"
)

// protocolClaims are token plumbing, never identity
var protocolClaims = map[string]struct{}{
	"aud":           {},
	"iss":           {},
	"nbf":           {},
	"exp":           {},
	"iat":           {},
	"auth_time":     {},
	"nonce":         {},
	"at_hash":       {},
	"c_hash":        {},
	"s_hash":        {},
	"azp":           {},
	"jti":           {},
	"sid":           {},
	"session_state": {},
	"cnf":           {},
	"access_token":  {},
	"refresh_token": {},
	"id_token":      {},
}

// UserClaims returns the principal's identity claims in their original
// order, minus protocol and token claims.
func UserClaims(principal session.Principal, _ map[string]string) []session.Claim {
	out := make([]session.Claim, 0, len(principal.Claims))
	for _, c := range principal.Claims {
		if _, skip := protocolClaims[c.Type]; skip {
			continue
		}
		if strings.HasPrefix(c.Type, "bff:") {
			continue
		}
		out = append(out, c)
	}
	return out
}

// SessionInfo is the record state management claims describe
type SessionInfo struct {
	Expires time.Time
	Now     time.Time
}

// ManagementClaims returns where and how the front end manages its session.
// The logout URL carries the IdP session id so a cross-site page cannot log
// the user out without knowing it.
func ManagementClaims(pathBase string, principal session.Principal, properties map[string]string, info SessionInfo) []session.Claim {
	base := strings.TrimSuffix(pathBase, "/")

	logout := base + "/logout"
	if principal.SessionID != "" {
		logout += "?sid=" + url.QueryEscape(principal.SessionID)
	}

	out := []session.Claim{{Type: LogoutURL, Value: logout}}

	if !info.Expires.IsZero() {
		secs := math.Ceil(info.Expires.Sub(info.Now).Seconds())
		if secs < 0 {
			secs = 0
		}
		out = append(out, session.Claim{Type: SessionExpiresIn, Value: strconv.FormatInt(int64(secs), 10)})
	}

	if state := properties[session.PropSessionState]; state != "" {
		out = append(out, session.Claim{Type: SessionState, Value: state})
	}

	if base != "" {
		out = append(out, session.Claim{Type: PathBase, Value: base})
	}
	return out
}
