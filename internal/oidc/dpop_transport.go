package oidc

import (
	"fmt"
	"io"
	"net/http"
	"sync"

	"github.com/openidx/sessiongate/internal/dpop"
)

// dpopTransport signs every token endpoint request with a DPoP proof. A
// nonce challenge from the server is answered with one retry.
type dpopTransport struct {
	key  *dpop.Key
	base http.RoundTripper

	mu    sync.Mutex
	nonce string
}

func newDPoPClient(base *http.Client, key *dpop.Key) *http.Client {
	rt := base.Transport
	if rt == nil {
		rt = http.DefaultTransport
	}
	return &http.Client{
		Transport: &dpopTransport{key: key, base: rt},
		Timeout:   base.Timeout,
	}
}

func (t *dpopTransport) currentNonce() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.nonce
}

func (t *dpopTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.send(req, t.currentNonce())
	if err != nil {
		return nil, err
	}

	nonce := resp.Header.Get(dpop.NonceHeader)
	if nonce == "" {
		return resp, nil
	}
	t.mu.Lock()
	prev := t.nonce
	t.nonce = nonce
	t.mu.Unlock()

	if (resp.StatusCode != http.StatusBadRequest && resp.StatusCode != http.StatusUnauthorized) || nonce == prev {
		return resp, nil
	}
	if req.Body != nil && req.GetBody == nil {
		return resp, nil
	}

	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	retry := req.Clone(req.Context())
	if req.GetBody != nil {
		body, err := req.GetBody()
		if err != nil {
			return nil, fmt.Errorf("rewind token request: %w", err)
		}
		retry.Body = body
	}
	return t.send(retry, nonce)
}

func (t *dpopTransport) send(req *http.Request, nonce string) (*http.Response, error) {
	proof, err := t.key.Proof(req.Method, req.URL.String(), "", nonce)
	if err != nil {
		return nil, fmt.Errorf("sign dpop proof: %w", err)
	}
	out := req.Clone(req.Context())
	out.Header.Set(dpop.HeaderName, proof)
	return t.base.RoundTrip(out)
}
