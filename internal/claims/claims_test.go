package claims

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/openidx/sessiongate/internal/session"
)

func TestUserClaims(t *testing.T) {
	principal := session.Principal{
		Subject:   "alice",
		SessionID: "sid-1",
		Claims: []session.Claim{
			{Type: "sub", Value: "alice"},
			{Type: "iss", Value: "https://idp.example"},
			{Type: "name", Value: "Alice"},
			{Type: "sid", Value: "sid-1"},
			{Type: "role", Value: "admin"},
			{Type: "role", Value: "user"},
			{Type: "exp", Value: "1700000000"},
			{Type: "bff:logout_url", Value: "/evil"},
		},
	}

	got := UserClaims(principal, nil)

	assert.Equal(t, []session.Claim{
		{Type: "sub", Value: "alice"},
		{Type: "name", Value: "Alice"},
		{Type: "role", Value: "admin"},
		{Type: "role", Value: "user"},
	}, got)
}

func TestUserClaims_Empty(t *testing.T) {
	got := UserClaims(session.Principal{}, nil)
	assert.NotNil(t, got)
	assert.Empty(t, got)
}

func TestManagementClaims(t *testing.T) {
	now := time.Unix(1700000000, 0)

	tests := []struct {
		name      string
		pathBase  string
		principal session.Principal
		props     map[string]string
		info      SessionInfo
		expected  []session.Claim
	}{
		{
			name:      "full session",
			pathBase:  "/bff/",
			principal: session.Principal{Subject: "alice", SessionID: "a b"},
			props:     map[string]string{session.PropSessionState: "state-1"},
			info:      SessionInfo{Expires: now.Add(90 * time.Second), Now: now},
			expected: []session.Claim{
				{Type: LogoutURL, Value: "/bff/logout?sid=a+b"},
				{Type: SessionExpiresIn, Value: "90"},
				{Type: SessionState, Value: "state-1"},
				{Type: PathBase, Value: "/bff"},
			},
		},
		{
			name:      "no sid, no path base",
			principal: session.Principal{Subject: "alice"},
			info:      SessionInfo{Expires: now.Add(-time.Minute), Now: now},
			expected: []session.Claim{
				{Type: LogoutURL, Value: "/logout"},
				{Type: SessionExpiresIn, Value: "0"},
			},
		},
		{
			name:      "no expiry",
			principal: session.Principal{Subject: "alice", SessionID: "s"},
			expected:  []session.Claim{{Type: LogoutURL, Value: "/logout?sid=s"}},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, ManagementClaims(tt.pathBase, tt.principal, tt.props, tt.info))
		})
	}
}
