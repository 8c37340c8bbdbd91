package oidc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	gooidc "github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"

	"github.com/openidx/sessiongate/internal/dpop"
	"github.com/openidx/sessiongate/internal/session"
	"github.com/openidx/sessiongate/internal/token"
)

const maxTokenResponseBytes = 1 << 20

type tokenResponse struct {
	AccessToken      string `json:"access_token"`
	TokenType        string `json:"token_type"`
	ExpiresIn        int64  `json:"expires_in"`
	RefreshToken     string `json:"refresh_token"`
	IDToken          string `json:"id_token"`
	Scope            string `json:"scope"`
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

// Refresh redeems the ticket's refresh token. The default audience goes
// through oauth2's token source; a named audience is requested with the
// resource and scope parameters.
func (p *Provider) Refresh(ctx context.Context, ticket *session.Ticket, audience string) (*token.Material, error) {
	if ticket.RefreshToken == "" {
		return nil, fmt.Errorf("%w: no refresh token", token.ErrInvalidGrant)
	}

	client := p.httpClient
	if len(ticket.DPoPKey) > 0 {
		key, err := dpop.Parse(ticket.DPoPKey)
		if err != nil {
			return nil, err
		}
		client = newDPoPClient(p.httpClient, key)
	}

	if audience == "" {
		return p.refreshDefault(ctx, client, ticket.RefreshToken)
	}
	return p.refreshAudience(ctx, client, ticket.RefreshToken, audience)
}

func (p *Provider) refreshDefault(ctx context.Context, client *http.Client, refreshToken string) (*token.Material, error) {
	src := p.oauth2.TokenSource(gooidc.ClientContext(ctx, client), &oauth2.Token{RefreshToken: refreshToken})
	tok, err := src.Token()
	if err != nil {
		var re *oauth2.RetrieveError
		if errors.As(err, &re) && re.ErrorCode == "invalid_grant" {
			return nil, fmt.Errorf("%w: %s", token.ErrInvalidGrant, re.ErrorDescription)
		}
		return nil, fmt.Errorf("refresh token: %w", err)
	}

	m := &token.Material{
		AccessToken: tok.AccessToken,
		TokenType:   tok.Type(),
		Expiry:      tok.Expiry,
	}
	// oauth2 carries the old refresh token forward when none is returned
	if tok.RefreshToken != refreshToken {
		m.RefreshToken = tok.RefreshToken
	}
	if scope, ok := tok.Extra("scope").(string); ok {
		m.Scope = scope
	}
	if idt, ok := tok.Extra("id_token").(string); ok {
		m.IDToken = idt
	}
	return m, nil
}

func (p *Provider) refreshAudience(ctx context.Context, client *http.Client, refreshToken, audience string) (*token.Material, error) {
	data := url.Values{}
	data.Set("grant_type", "refresh_token")
	data.Set("refresh_token", refreshToken)
	data.Set("client_id", p.cfg.ClientID)
	if p.cfg.ClientSecret != "" {
		data.Set("client_secret", p.cfg.ClientSecret)
	}
	data.Set("resource", audience)
	if scopes := p.cfg.AudienceScopes[audience]; len(scopes) > 0 {
		data.Set("scope", scopeParam(scopes))
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.oauth2.Endpoint.TokenURL, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read token response: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, fmt.Errorf("token request failed with status %d", resp.StatusCode)
	}
	if tr.Error == "invalid_grant" {
		return nil, fmt.Errorf("%w: %s", token.ErrInvalidGrant, tr.ErrorDescription)
	}
	if resp.StatusCode != http.StatusOK || tr.Error != "" {
		return nil, fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, tr.Error)
	}
	if tr.AccessToken == "" {
		return nil, errors.New("token response has no access_token")
	}

	m := &token.Material{
		AccessToken: tr.AccessToken,
		TokenType:   tr.TokenType,
		Scope:       tr.Scope,
		IDToken:     tr.IDToken,
	}
	if tr.RefreshToken != refreshToken {
		m.RefreshToken = tr.RefreshToken
	}
	if tr.ExpiresIn > 0 {
		m.Expiry = p.now().Add(time.Duration(tr.ExpiresIn) * time.Second)
	}
	return m, nil
}

func claimString(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case float64:
		return strconv.FormatFloat(val, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(val)
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return fmt.Sprint(val)
		}
		return string(b)
	}
}

// claims from a JSON object have no order; sort by type, keeping array order
func sortClaims(claims []session.Claim) {
	sort.SliceStable(claims, func(i, j int) bool { return claims[i].Type < claims[j].Type })
}
