package login

import (
	"fmt"
	"net/url"
	"strings"
)

// ReturnURLPolicy decides where a login or logout may send the browser back to
type ReturnURLPolicy struct {
	// PathBase is the default target and must itself be a local path
	PathBase string
	// AllowedOrigins lists scheme://host[:port] values that absolute return
	// URLs may point at. Empty means local paths only.
	AllowedOrigins []string
}

// Validate returns the target to redirect to, or ErrInvalidReturnURL.
// Empty input falls back to the path base, or "/".
func (p ReturnURLPolicy) Validate(raw string) (string, error) {
	if raw == "" {
		if p.PathBase != "" {
			return p.PathBase, nil
		}
		return "/", nil
	}

	if strings.ContainsAny(raw, "\\\r\n\t") {
		return "", fmt.Errorf("%w: %q", ErrInvalidReturnURL, raw)
	}

	if strings.HasPrefix(raw, "/") {
		// "//host" is scheme-relative and leaves the site
		if strings.HasPrefix(raw, "//") {
			return "", fmt.Errorf("%w: %q", ErrInvalidReturnURL, raw)
		}
		u, err := url.Parse(raw)
		if err != nil || u.Host != "" || u.Scheme != "" {
			return "", fmt.Errorf("%w: %q", ErrInvalidReturnURL, raw)
		}
		return raw, nil
	}

	u, err := url.Parse(raw)
	if err != nil || !u.IsAbs() || u.Host == "" || u.User != nil {
		return "", fmt.Errorf("%w: %q", ErrInvalidReturnURL, raw)
	}
	if u.Scheme != "https" && u.Scheme != "http" {
		return "", fmt.Errorf("%w: %q", ErrInvalidReturnURL, raw)
	}
	origin := strings.ToLower(u.Scheme + "://" + u.Host)
	for _, allowed := range p.AllowedOrigins {
		if strings.EqualFold(strings.TrimSuffix(allowed, "/"), origin) {
			return raw, nil
		}
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidReturnURL, raw)
}
