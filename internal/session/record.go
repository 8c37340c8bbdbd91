// Package session provides durable server-side browser sessions: the session
// record, its protected ticket, the store contract and its implementations.
package session

import (
	"encoding/json"
	"time"
)

// Property keys carried in Ticket.Properties
const (
	PropSessionState = "session_state"
	PropIssuedAt     = "issued_at"
	PropIssuer       = "iss"
)

// Record identifies one authenticated browser session
type Record struct {
	ApplicationName string    `json:"application_name"`
	Key             string    `json:"key"`
	SubjectID       string    `json:"subject_id"`
	SessionID       string    `json:"session_id,omitempty"`
	Ticket          []byte    `json:"ticket"`
	Created         time.Time `json:"created"`
	Renewed         time.Time `json:"renewed"`
	Expires         time.Time `json:"expires"`
}

// Expired reports whether the record is past its absolute expiry
func (r *Record) Expired(now time.Time) bool {
	return !r.Expires.IsZero() && !now.Before(r.Expires)
}

// Validate checks the required fields of a record
func (r *Record) Validate() error {
	if r.Key == "" {
		return invalid("key is required")
	}
	if r.SubjectID == "" {
		return invalid("subject_id is required")
	}
	if len(r.Ticket) == 0 {
		return invalid("ticket is required")
	}
	if r.Expires.IsZero() {
		return invalid("expires is required")
	}
	return nil
}

func (r *Record) clone() *Record {
	cp := *r
	cp.Ticket = append([]byte(nil), r.Ticket...)
	return &cp
}

// Claim is a single (type, value) pair describing the principal
type Claim struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Principal is the authenticated identity held by a session
type Principal struct {
	Subject   string  `json:"sub"`
	SessionID string  `json:"sid,omitempty"`
	Claims    []Claim `json:"claims"`
}

// FindFirst returns the first value of the given claim type
func (p *Principal) FindFirst(claimType string) (string, bool) {
	for _, c := range p.Claims {
		if c.Type == claimType {
			return c.Value, true
		}
	}
	return "", false
}

// AccessToken is token material issued for one audience
type AccessToken struct {
	Value     string    `json:"value"`
	TokenType string    `json:"token_type,omitempty"`
	Expiry    time.Time `json:"expiry"`
	Scope     string    `json:"scope,omitempty"`
}

// Ticket is the bundle a session record protects: the principal, the
// authentication properties and the token material.
type Ticket struct {
	Principal    Principal              `json:"principal"`
	Properties   map[string]string      `json:"properties,omitempty"`
	AccessTokens map[string]AccessToken `json:"access_tokens,omitempty"` // keyed by audience, "" is the default resource
	RefreshToken string                 `json:"refresh_token,omitempty"`
	IDToken      string                 `json:"id_token,omitempty"`
	// DPoPKey is the private JWK the session's tokens are bound to.
	DPoPKey json.RawMessage `json:"dpop_key,omitempty"`
}

// AccessToken returns the token stored for an audience
func (t *Ticket) AccessToken(audience string) (AccessToken, bool) {
	tok, ok := t.AccessTokens[audience]
	return tok, ok && tok.Value != ""
}

// SetAccessToken stores a token for an audience
func (t *Ticket) SetAccessToken(audience string, tok AccessToken) {
	if t.AccessTokens == nil {
		t.AccessTokens = make(map[string]AccessToken)
	}
	t.AccessTokens[audience] = tok
}

// Property returns an authentication property
func (t *Ticket) Property(name string) string {
	if t.Properties == nil {
		return ""
	}
	return t.Properties[name]
}
