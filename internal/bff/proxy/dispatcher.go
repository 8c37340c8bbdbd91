// Package proxy forwards session-scoped API calls to remote upstreams with the
// session's access token attached.
package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/openidx/sessiongate/internal/bff/httperr"
	apperrors "github.com/openidx/sessiongate/internal/common/errors"
	"github.com/openidx/sessiongate/internal/metrics"
	"github.com/openidx/sessiongate/internal/token"
)

const (
	// PathPlaceholder marks where the remapped request path goes in an
	// upstream URL template
	PathPlaceholder = "{path}"

	DefaultRequestTimeout = 30 * time.Second
	DefaultMaxBodyBytes   = 10 << 20
)

// DefaultForwardRequestHeaders are copied from the browser request upstream
var DefaultForwardRequestHeaders = []string{
	"Accept",
	"Accept-Language",
	"Content-Type",
	"Content-Language",
	"If-Match",
	"If-None-Match",
	"If-Modified-Since",
	"If-Unmodified-Since",
	"Range",
	"X-Request-ID",
	"Traceparent",
	"Tracestate",
}

// DefaultRelayResponseHeaders are copied from the upstream response
var DefaultRelayResponseHeaders = []string{
	"Content-Type",
	"Content-Length",
	"Content-Encoding",
	"Content-Language",
	"Content-Disposition",
	"Content-Range",
	"Accept-Ranges",
	"Cache-Control",
	"ETag",
	"Expires",
	"Last-Modified",
	"Location",
	"Retry-After",
	"Vary",
	"WWW-Authenticate",
}

// never forwarded in either direction, whatever the allow-lists say
var credentialHeaders = []string{
	"Authorization",
	"Proxy-Authorization",
	"Cookie",
	"Set-Cookie",
	"DPoP",
	"DPoP-Nonce",
}

// RemoteAPI is one named upstream reachable under /api/remote/{name}
type RemoteAPI struct {
	Name string
	// UpstreamURL is the base URL, or a template containing {path}
	UpstreamURL string
	// Audience selects the token; "" is the login's default resource
	Audience string
	// DPoP sends proof-bound tokens when the session holds a key
	DPoP bool
}

// Config configures a Dispatcher
type Config struct {
	RequestTimeout        time.Duration
	MaxBodyBytes          int64
	ForwardRequestHeaders []string
	RelayResponseHeaders  []string
	// CSRFHeader is stripped from forwarded requests
	CSRFHeader string
}

// TokenSource hands out and invalidates per-session access tokens
type TokenSource interface {
	Acquire(ctx context.Context, key, audience string) (token.Token, error)
	Invalidate(key, audience, rejected string)
}

type remote struct {
	api    RemoteAPI
	target *url.URL
	proxy  *httputil.ReverseProxy
}

// Dispatcher proxies remote API calls
type Dispatcher struct {
	remotes    map[string]*remote
	tokens     TokenSource
	cfg        Config
	forward    map[string]bool
	relay      map[string]bool
	credential map[string]bool
	logger     *zap.Logger
}

type attachmentKey struct{}

// attachment travels in the request context from Serve to the transport and
// the proxy callbacks
type attachment struct {
	api        RemoteAPI
	sessionKey string
	path       string
	body       []byte
	gin        *gin.Context
	start      time.Time
	retry      string // set by the transport when a 401 was retried
}

func attachmentFrom(ctx context.Context) *attachment {
	att, _ := ctx.Value(attachmentKey{}).(*attachment)
	return att
}

// NewDispatcher creates a Dispatcher for the given upstreams. base is the
// outbound transport; nil uses http.DefaultTransport.
func NewDispatcher(apis []RemoteAPI, tokens TokenSource, cfg Config, base http.RoundTripper, logger *zap.Logger) (*Dispatcher, error) {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = DefaultMaxBodyBytes
	}
	if cfg.ForwardRequestHeaders == nil {
		cfg.ForwardRequestHeaders = DefaultForwardRequestHeaders
	}
	if cfg.RelayResponseHeaders == nil {
		cfg.RelayResponseHeaders = DefaultRelayResponseHeaders
	}
	if base == nil {
		base = http.DefaultTransport
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	d := &Dispatcher{
		remotes:    make(map[string]*remote, len(apis)),
		tokens:     tokens,
		cfg:        cfg,
		forward:    headerSet(cfg.ForwardRequestHeaders),
		relay:      headerSet(cfg.RelayResponseHeaders),
		credential: headerSet(credentialHeaders),
		logger:     logger.With(zap.String("component", "proxy")),
	}
	if cfg.CSRFHeader != "" {
		d.credential[http.CanonicalHeaderKey(cfg.CSRFHeader)] = true
	}

	transport := &tokenTransport{tokens: tokens, base: base, logger: d.logger}
	for _, api := range apis {
		if api.Name == "" {
			return nil, errors.New("remote api name is required")
		}
		if _, dup := d.remotes[api.Name]; dup {
			return nil, fmt.Errorf("duplicate remote api %q", api.Name)
		}
		target, err := url.Parse(api.UpstreamURL)
		if err != nil || !target.IsAbs() || target.Host == "" {
			return nil, fmt.Errorf("remote api %q: invalid upstream url %q", api.Name, api.UpstreamURL)
		}

		r := &remote{api: api, target: target}
		r.proxy = &httputil.ReverseProxy{
			Rewrite:        d.rewrite,
			Transport:      transport,
			ModifyResponse: d.modifyResponse,
			ErrorHandler:   d.errorHandler,
		}
		d.remotes[api.Name] = r
	}
	return d, nil
}

func headerSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[http.CanonicalHeaderKey(n)] = true
	}
	return set
}

// Has reports whether an upstream is configured under name
func (d *Dispatcher) Has(name string) bool {
	_, ok := d.remotes[name]
	return ok
}

// Serve forwards the request to the named upstream on behalf of the session.
// path is the part of the public route after the API name.
func (d *Dispatcher) Serve(c *gin.Context, apiName, sessionKey, path string) {
	r, ok := d.remotes[apiName]
	if !ok {
		apperrors.HandleError(c, apperrors.New(apperrors.ErrNotFound, "Unknown remote API", http.StatusNotFound).
			WithMetadata("api", apiName))
		return
	}
	if sessionKey == "" {
		apperrors.HandleError(c, apperrors.AuthenticationRequired("no session"))
		return
	}

	body, err := readBody(c.Request, d.cfg.MaxBodyBytes)
	if err != nil {
		apperrors.HandleError(c, err)
		return
	}

	ctx, cancel := context.WithTimeout(c.Request.Context(), d.cfg.RequestTimeout)
	defer cancel()

	att := &attachment{
		api:        r.api,
		sessionKey: sessionKey,
		path:       path,
		body:       body,
		gin:        c,
		start:      time.Now(),
	}
	req := c.Request.WithContext(context.WithValue(ctx, attachmentKey{}, att))
	req.Body = io.NopCloser(bytes.NewReader(body))
	req.ContentLength = int64(len(body))

	r.proxy.ServeHTTP(c.Writer, req)
}

func readBody(r *http.Request, limit int64) ([]byte, error) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, nil
	}
	defer r.Body.Close()

	body, err := io.ReadAll(io.LimitReader(r.Body, limit+1))
	if err != nil {
		return nil, apperrors.BadRequest("Failed to read request body")
	}
	if int64(len(body)) > limit {
		return nil, apperrors.New(apperrors.ErrBadRequest, "Request body too large", http.StatusRequestEntityTooLarge)
	}
	return body, nil
}

// upstreamURL maps the public path onto the upstream template
func (r *remote) upstreamURL(path, rawQuery string) (*url.URL, error) {
	rel := strings.TrimPrefix(path, "/")
	var target *url.URL
	if strings.Contains(r.api.UpstreamURL, PathPlaceholder) {
		u, err := url.Parse(strings.Replace(r.api.UpstreamURL, PathPlaceholder, escapePath(rel), 1))
		if err != nil {
			return nil, err
		}
		target = u
	} else {
		u := *r.target
		u.Path = strings.TrimSuffix(u.Path, "/") + "/" + rel
		u.RawPath = ""
		target = &u
	}

	switch {
	case rawQuery == "":
	case target.RawQuery == "":
		target.RawQuery = rawQuery
	default:
		target.RawQuery += "&" + rawQuery
	}
	return target, nil
}

func escapePath(p string) string {
	segments := strings.Split(p, "/")
	for i, s := range segments {
		segments[i] = url.PathEscape(s)
	}
	return strings.Join(segments, "/")
}

func (d *Dispatcher) rewrite(pr *httputil.ProxyRequest) {
	att := attachmentFrom(pr.In.Context())
	if att == nil {
		return
	}
	r := d.remotes[att.api.Name]

	target, err := r.upstreamURL(att.path, pr.In.URL.RawQuery)
	if err != nil {
		// the transport refuses requests without a host
		d.logger.Error("Invalid upstream URL", zap.String("api", att.api.Name), zap.Error(err))
		pr.Out.URL = &url.URL{}
		return
	}
	pr.Out.URL = target
	pr.Out.Host = ""

	pr.Out.Header = make(http.Header)
	for name, values := range pr.In.Header {
		canonical := http.CanonicalHeaderKey(name)
		if d.forward[canonical] && !d.credential[canonical] {
			pr.Out.Header[canonical] = append([]string(nil), values...)
		}
	}
	pr.SetXForwarded()

	if id, ok := att.gin.Get("correlation_id"); ok {
		if s, ok := id.(string); ok && s != "" {
			pr.Out.Header.Set("X-Correlation-ID", s)
		}
	}
}

func (d *Dispatcher) modifyResponse(resp *http.Response) error {
	for name := range resp.Header {
		canonical := http.CanonicalHeaderKey(name)
		if !d.relay[canonical] || d.credential[canonical] {
			resp.Header.Del(name)
		}
	}

	if att := attachmentFrom(resp.Request.Context()); att != nil {
		metrics.RecordProxyRequest(att.api.Name, resp.StatusCode, time.Since(att.start))
		if resp.StatusCode == http.StatusUnauthorized {
			d.logger.Info("Upstream returned 401 after retry",
				zap.String("api", att.api.Name),
				zap.String("path", att.path),
				zap.String("retry", att.retry))
		}
	}
	return nil
}

func (d *Dispatcher) errorHandler(w http.ResponseWriter, r *http.Request, err error) {
	att := attachmentFrom(r.Context())

	appErr, ok := httperr.Known(err)
	if !ok {
		if isTimeout(err) || errors.Is(r.Context().Err(), context.DeadlineExceeded) {
			appErr = apperrors.GatewayTimeout(err)
		} else {
			appErr = apperrors.BadGateway(err)
		}
	}

	if att == nil {
		w.WriteHeader(appErr.StatusCode)
		return
	}

	metrics.RecordProxyRequest(att.api.Name, appErr.StatusCode, time.Since(att.start))
	if appErr.StatusCode >= http.StatusInternalServerError {
		d.logger.Warn("Proxy error",
			zap.String("api", att.api.Name),
			zap.String("path", att.path),
			zap.Int("status", appErr.StatusCode),
			zap.Error(err))
	}
	apperrors.HandleError(att.gin, appErr)
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
