package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"

	apperrors "github.com/openidx/sessiongate/internal/common/errors"
	"github.com/openidx/sessiongate/internal/dpop"
	"github.com/openidx/sessiongate/internal/session"
	"github.com/openidx/sessiongate/internal/token"
)

const (
	testApp    = "bff"
	sessionKey = "k1"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type countingIssuer struct {
	calls atomic.Int32
}

func (i *countingIssuer) Refresh(_ context.Context, _ *session.Ticket, audience string) (*token.Material, error) {
	n := i.calls.Add(1)
	return &token.Material{
		AccessToken: fmt.Sprintf("fresh-%s%d", audience, n),
		TokenType:   "Bearer",
		Expiry:      time.Now().Add(time.Hour),
	}, nil
}

type upstreamCall struct {
	method string
	path   string
	query  string
	header http.Header
	body   string
}

type upstream struct {
	server *httptest.Server
	mu     sync.Mutex
	calls  []upstreamCall
	handle func(w http.ResponseWriter, r *http.Request, attempt int)
}

func newUpstream(t *testing.T, handle func(w http.ResponseWriter, r *http.Request, attempt int)) *upstream {
	u := &upstream{handle: handle}
	u.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		u.mu.Lock()
		u.calls = append(u.calls, upstreamCall{
			method: r.Method,
			path:   r.URL.Path,
			query:  r.URL.RawQuery,
			header: r.Header.Clone(),
			body:   string(body),
		})
		attempt := len(u.calls)
		u.mu.Unlock()
		u.handle(w, r, attempt)
	}))
	t.Cleanup(u.server.Close)
	return u
}

func (u *upstream) attempts() []upstreamCall {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]upstreamCall(nil), u.calls...)
}

type fixture struct {
	store  *session.MemoryStore
	issuer *countingIssuer
	coord  *token.Coordinator
	router *gin.Engine
}

type seedOptions struct {
	accessToken  string
	tokenType    string
	expiry       time.Time
	refreshToken string
	dpopKey      *dpop.Key
}

func newFixture(t *testing.T, apis []RemoteAPI, cfg Config, seed seedOptions) *fixture {
	t.Helper()
	return newLoggedFixture(t, apis, cfg, seed, zap.NewNop())
}

func newLoggedFixture(t *testing.T, apis []RemoteAPI, cfg Config, seed seedOptions, logger *zap.Logger) *fixture {
	t.Helper()
	protector, err := session.NewProtector([]byte("0123456789abcdef0123456789abcdef"))
	require.NoError(t, err)

	f := &fixture{store: session.NewMemoryStore(), issuer: &countingIssuer{}}
	f.coord = token.NewCoordinator(f.store, protector, f.issuer, token.Config{ApplicationName: testApp}, zap.NewNop())

	ticket := &session.Ticket{
		Principal:    session.Principal{Subject: "alice", SessionID: "sid-1"},
		RefreshToken: seed.refreshToken,
	}
	ticket.SetAccessToken("", session.AccessToken{Value: seed.accessToken, TokenType: seed.tokenType, Expiry: seed.expiry})
	if seed.dpopKey != nil {
		raw, err := seed.dpopKey.Marshal()
		require.NoError(t, err)
		ticket.DPoPKey = raw
	}
	sealed, err := protector.Protect(ticket)
	require.NoError(t, err)
	require.NoError(t, f.store.Create(context.Background(), &session.Record{
		ApplicationName: testApp,
		Key:             sessionKey,
		SubjectID:       "alice",
		SessionID:       "sid-1",
		Ticket:          sealed,
		Expires:         time.Now().Add(time.Hour),
	}))

	d, err := NewDispatcher(apis, f.coord, cfg, nil, logger)
	require.NoError(t, err)

	f.router = gin.New()
	f.router.Use(func(c *gin.Context) {
		c.Set("correlation_id", "corr-1")
		c.Next()
	})
	f.router.Any("/api/remote/:api/*path", func(c *gin.Context) {
		d.Serve(c, c.Param("api"), sessionKey, c.Param("path"))
	})
	return f
}

func (f *fixture) do(method, target, body string, header map[string]string) *httptest.ResponseRecorder {
	var r io.Reader
	if body != "" {
		r = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, target, r)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func validSeed() seedOptions {
	return seedOptions{accessToken: "at-0", tokenType: "Bearer", expiry: time.Now().Add(time.Hour), refreshToken: "rt"}
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) apperrors.ErrorResponse {
	t.Helper()
	var resp apperrors.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestServe_RefreshesExpiredTokenOnce(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"orders":[1,2,3]}`))
	})
	seed := validSeed()
	seed.expiry = time.Now().Add(-time.Minute)
	f := newFixture(t, []RemoteAPI{{Name: "orders", UpstreamURL: up.server.URL + "/v1"}}, Config{}, seed)

	w := f.do(http.MethodGet, "/api/remote/orders/items/7?expand=true", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, `{"orders":[1,2,3]}`, w.Body.String())
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Equal(t, int32(1), f.issuer.calls.Load())

	calls := up.attempts()
	require.Len(t, calls, 1)
	assert.Equal(t, "Bearer fresh-1", calls[0].header.Get("Authorization"))
	assert.Equal(t, "/v1/items/7", calls[0].path)
	assert.Equal(t, "expand=true", calls[0].query)
}

func TestServe_RetriesOnceAfter401(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request, attempt int) {
		if attempt == 1 {
			w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte("created"))
	})
	f := newFixture(t, []RemoteAPI{{Name: "orders", UpstreamURL: up.server.URL}}, Config{}, validSeed())

	w := f.do(http.MethodPost, "/api/remote/orders/items", `{"sku":"a"}`, map[string]string{"Content-Type": "application/json"})

	assert.Equal(t, http.StatusCreated, w.Code)
	assert.Equal(t, "created", w.Body.String())

	calls := up.attempts()
	require.Len(t, calls, 2)
	assert.Equal(t, "Bearer at-0", calls[0].header.Get("Authorization"))
	assert.Equal(t, "Bearer fresh-1", calls[1].header.Get("Authorization"))
	for _, c := range calls {
		assert.Equal(t, http.MethodPost, c.method)
		assert.Equal(t, `{"sku":"a"}`, c.body)
	}
	assert.Equal(t, int32(1), f.issuer.calls.Load())
}

func TestServe_Second401IsRelayed(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		w.Header().Set("WWW-Authenticate", `Bearer error="invalid_token"`)
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte("nope"))
	})
	f := newFixture(t, []RemoteAPI{{Name: "orders", UpstreamURL: up.server.URL}}, Config{}, validSeed())

	w := f.do(http.MethodGet, "/api/remote/orders/items", "", nil)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "nope", w.Body.String())
	assert.Equal(t, `Bearer error="invalid_token"`, w.Header().Get("WWW-Authenticate"))
	assert.Len(t, up.attempts(), 2)
}

func TestServe_401LogNamesTheRetry(t *testing.T) {
	reject := func(w http.ResponseWriter, _ *http.Request, _ int) {
		w.Header().Set(dpop.NonceHeader, "n-1")
		w.Header().Set("WWW-Authenticate", `DPoP error="use_dpop_nonce"`)
		w.WriteHeader(http.StatusUnauthorized)
	}
	key, err := dpop.Generate()
	require.NoError(t, err)
	dpopSeed := validSeed()
	dpopSeed.tokenType = "DPoP"
	dpopSeed.dpopKey = key

	tests := []struct {
		name  string
		dpop  bool
		seed  seedOptions
		retry string
	}{
		{name: "refreshed token", seed: validSeed(), retry: "refreshed_token"},
		{name: "dpop nonce", dpop: true, seed: dpopSeed, retry: "dpop_nonce"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			core, logs := observer.New(zap.InfoLevel)
			up := newUpstream(t, reject)
			f := newLoggedFixture(t, []RemoteAPI{{Name: "orders", UpstreamURL: up.server.URL, DPoP: tt.dpop}}, Config{}, tt.seed, zap.New(core))

			w := f.do(http.MethodGet, "/api/remote/orders/items", "", nil)
			assert.Equal(t, http.StatusUnauthorized, w.Code)
			assert.Len(t, up.attempts(), 2)

			entries := logs.FilterMessage("Upstream returned 401 after retry").All()
			require.Len(t, entries, 1)
			assert.Equal(t, tt.retry, entries[0].ContextMap()["retry"])
			assert.Zero(t, logs.FilterMessage("Upstream rejected the refreshed token").Len())
		})
	}
}

func TestServe_UpstreamErrorsPassThrough(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		w.Header().Set("Content-Type", "application/problem+json")
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"title":"invalid sku"}`))
	})
	f := newFixture(t, []RemoteAPI{{Name: "orders", UpstreamURL: up.server.URL}}, Config{}, validSeed())

	w := f.do(http.MethodPut, "/api/remote/orders/items/1", `{}`, nil)

	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Equal(t, `{"title":"invalid sku"}`, w.Body.String())
	assert.Len(t, up.attempts(), 1)
}

func TestServe_FiltersHeaders(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		w.Header().Set("Content-Type", "text/plain")
		w.Header().Set("Set-Cookie", "upstream=1")
		w.Header().Set("X-Internal-Node", "node-3")
		w.Header().Set("ETag", `"v1"`)
		_, _ = w.Write([]byte("ok"))
	})
	f := newFixture(t, []RemoteAPI{{Name: "orders", UpstreamURL: up.server.URL}}, Config{CSRFHeader: "X-CSRF"}, validSeed())

	w := f.do(http.MethodGet, "/api/remote/orders/items", "", map[string]string{
		"Accept":        "application/json",
		"Cookie":        "session=secret",
		"Authorization": "Bearer browser",
		"X-CSRF":        "1",
		"X-Custom":      "dropped",
	})
	require.Equal(t, http.StatusOK, w.Code)

	calls := up.attempts()
	require.Len(t, calls, 1)
	h := calls[0].header
	assert.Equal(t, "application/json", h.Get("Accept"))
	assert.Equal(t, "Bearer at-0", h.Get("Authorization"))
	assert.Empty(t, h.Get("Cookie"))
	assert.Empty(t, h.Get("X-CSRF"))
	assert.Empty(t, h.Get("X-Custom"))
	assert.Equal(t, "corr-1", h.Get("X-Correlation-ID"))
	assert.NotEmpty(t, h.Get("X-Forwarded-For"))

	assert.Equal(t, "text/plain", w.Header().Get("Content-Type"))
	assert.Equal(t, `"v1"`, w.Header().Get("ETag"))
	assert.Empty(t, w.Header().Get("Set-Cookie"))
	assert.Empty(t, w.Header().Get("X-Internal-Node"))
}

func TestServe_PathTemplate(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		w.WriteHeader(http.StatusNoContent)
	})
	apis := []RemoteAPI{{Name: "catalog", UpstreamURL: up.server.URL + "/tenants/acme/{path}?api-version=2"}}
	f := newFixture(t, apis, Config{}, validSeed())

	w := f.do(http.MethodDelete, "/api/remote/catalog/products/9?force=1", "", nil)

	assert.Equal(t, http.StatusNoContent, w.Code)
	calls := up.attempts()
	require.Len(t, calls, 1)
	assert.Equal(t, "/tenants/acme/products/9", calls[0].path)
	assert.Equal(t, "api-version=2&force=1", calls[0].query)
}

func TestServe_DPoPNonceRetry(t *testing.T) {
	key, err := dpop.Generate()
	require.NoError(t, err)

	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request, attempt int) {
		if attempt == 1 {
			w.Header().Set(dpop.NonceHeader, "n-1")
			w.Header().Set("WWW-Authenticate", `DPoP error="use_dpop_nonce"`)
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		_, _ = w.Write([]byte("bound"))
	})
	seed := validSeed()
	seed.tokenType = "DPoP"
	seed.dpopKey = key
	f := newFixture(t, []RemoteAPI{{Name: "orders", UpstreamURL: up.server.URL, DPoP: true}}, Config{}, seed)

	w := f.do(http.MethodGet, "/api/remote/orders/items", "", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "bound", w.Body.String())
	assert.Empty(t, w.Header().Get(dpop.NonceHeader))
	assert.Zero(t, f.issuer.calls.Load())

	calls := up.attempts()
	require.Len(t, calls, 2)
	for i, c := range calls {
		assert.Equal(t, "DPoP at-0", c.header.Get("Authorization"))
		claims := jwt.MapClaims{}
		_, _, err := jwt.NewParser().ParseUnverified(c.header.Get(dpop.HeaderName), claims)
		require.NoError(t, err)
		assert.Equal(t, http.MethodGet, claims["htm"])
		assert.Equal(t, up.server.URL+"/items", claims["htu"])
		assert.NotEmpty(t, claims["ath"])
		if i == 0 {
			assert.Nil(t, claims["nonce"])
		} else {
			assert.Equal(t, "n-1", claims["nonce"])
		}
	}
}

func TestServe_Timeout(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	f := newFixture(t, []RemoteAPI{{Name: "slow", UpstreamURL: up.server.URL}}, Config{RequestTimeout: 50 * time.Millisecond}, validSeed())

	w := f.do(http.MethodGet, "/api/remote/slow/x", "", nil)

	assert.Equal(t, http.StatusGatewayTimeout, w.Code)
	assert.Equal(t, apperrors.ErrGatewayTimeout, decodeError(t, w).Error)
}

func TestServe_Failures(t *testing.T) {
	up := newUpstream(t, func(w http.ResponseWriter, r *http.Request, _ int) {
		w.WriteHeader(http.StatusOK)
	})

	t.Run("reauthentication required never reaches upstream", func(t *testing.T) {
		seed := validSeed()
		seed.expiry = time.Now().Add(-time.Minute)
		seed.refreshToken = ""
		f := newFixture(t, []RemoteAPI{{Name: "orders", UpstreamURL: up.server.URL}}, Config{}, seed)

		before := len(up.attempts())
		w := f.do(http.MethodGet, "/api/remote/orders/x", "", nil)

		assert.Equal(t, http.StatusUnauthorized, w.Code)
		assert.Equal(t, apperrors.ErrReauthenticationRequired, decodeError(t, w).Error)
		assert.Len(t, up.attempts(), before)
	})

	t.Run("unknown api", func(t *testing.T) {
		f := newFixture(t, []RemoteAPI{{Name: "orders", UpstreamURL: up.server.URL}}, Config{}, validSeed())
		w := f.do(http.MethodGet, "/api/remote/billing/x", "", nil)
		assert.Equal(t, http.StatusNotFound, w.Code)
	})

	t.Run("body too large", func(t *testing.T) {
		f := newFixture(t, []RemoteAPI{{Name: "orders", UpstreamURL: up.server.URL}}, Config{MaxBodyBytes: 4}, validSeed())
		w := f.do(http.MethodPost, "/api/remote/orders/x", "0123456789", nil)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	t.Run("unreachable upstream", func(t *testing.T) {
		dead := httptest.NewServer(http.NotFoundHandler())
		deadURL := dead.URL
		dead.Close()

		f := newFixture(t, []RemoteAPI{{Name: "orders", UpstreamURL: deadURL}}, Config{}, validSeed())
		w := f.do(http.MethodGet, "/api/remote/orders/x", "", nil)
		assert.Equal(t, http.StatusBadGateway, w.Code)
		assert.Equal(t, apperrors.ErrBadGateway, decodeError(t, w).Error)
	})
}

func TestNewDispatcher_Validation(t *testing.T) {
	_, err := NewDispatcher([]RemoteAPI{{Name: "a", UpstreamURL: "not a url"}}, nil, Config{}, nil, nil)
	assert.Error(t, err)

	_, err = NewDispatcher([]RemoteAPI{
		{Name: "a", UpstreamURL: "https://a.example.com"},
		{Name: "a", UpstreamURL: "https://b.example.com"},
	}, nil, Config{}, nil, nil)
	assert.Error(t, err)

	d, err := NewDispatcher([]RemoteAPI{{Name: "a", UpstreamURL: "https://a.example.com/{path}"}}, nil, Config{}, nil, nil)
	require.NoError(t, err)
	assert.True(t, d.Has("a"))
	assert.False(t, d.Has("b"))
}
