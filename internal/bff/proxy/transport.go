package proxy

import (
	"bytes"
	"errors"
	"io"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/openidx/sessiongate/internal/dpop"
	"github.com/openidx/sessiongate/internal/token"
)

var errNoAttachment = errors.New("proxy request carries no session")

// how a 401 was retried
const (
	retryNonce   = "dpop_nonce"
	retryRefresh = "refreshed_token"
)

// tokenTransport attaches the session's token to each outbound call. A 401
// is retried exactly once: with a server nonce when the upstream asked for
// one, otherwise with a freshly acquired token.
type tokenTransport struct {
	tokens TokenSource
	base   http.RoundTripper
	logger *zap.Logger
}

func (t *tokenTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	att := attachmentFrom(req.Context())
	if att == nil {
		return nil, errNoAttachment
	}
	audience := att.api.Audience

	tok, err := t.tokens.Acquire(req.Context(), att.sessionKey, audience)
	if err != nil {
		return nil, err
	}

	resp, err := t.send(req, att, tok, "")
	if err != nil || resp.StatusCode != http.StatusUnauthorized {
		return resp, err
	}

	nonce := resp.Header.Get(dpop.NonceHeader)
	if tok.DPoPKey != nil && nonce != "" && strings.Contains(resp.Header.Get("WWW-Authenticate"), "use_dpop_nonce") {
		discard(resp)
		att.retry = retryNonce
		return t.send(req, att, tok, nonce)
	}

	t.tokens.Invalidate(att.sessionKey, audience, tok.AccessToken)
	fresh, err := t.tokens.Acquire(req.Context(), att.sessionKey, audience)
	if err != nil {
		discard(resp)
		return nil, err
	}
	discard(resp)

	att.retry = retryRefresh
	t.logger.Debug("Retrying upstream call after 401", zap.String("api", att.api.Name))
	return t.send(req, att, fresh, nonce)
}

func (t *tokenTransport) send(req *http.Request, att *attachment, tok token.Token, nonce string) (*http.Response, error) {
	out := req.Clone(req.Context())
	if len(att.body) > 0 {
		out.Body = io.NopCloser(bytes.NewReader(att.body))
		out.GetBody = func() (io.ReadCloser, error) {
			return io.NopCloser(bytes.NewReader(att.body)), nil
		}
	} else {
		out.Body = nil
		out.GetBody = nil
	}
	out.ContentLength = int64(len(att.body))

	useDPoP := tok.DPoPKey != nil && (att.api.DPoP || strings.EqualFold(tok.TokenType, dpop.TokenType))
	if useDPoP {
		proof, err := tok.DPoPKey.Proof(out.Method, out.URL.String(), tok.AccessToken, nonce)
		if err != nil {
			return nil, err
		}
		out.Header.Set("Authorization", dpop.TokenType+" "+tok.AccessToken)
		out.Header.Set(dpop.HeaderName, proof)
	} else {
		out.Header.Set("Authorization", "Bearer "+tok.AccessToken)
	}

	return t.base.RoundTrip(out)
}

func discard(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	resp.Body.Close()
}
