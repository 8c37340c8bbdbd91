package session

import (
	"crypto/sha256"
	"net/http"
	"time"

	"github.com/gorilla/securecookie"
)

// CookieOptions controls the session cookie attributes
type CookieOptions struct {
	Name     string
	Path     string
	Domain   string
	Secure   bool
	SameSite http.SameSite
}

// CookieCodec writes and reads the session cookie. The cookie carries only
// the session key, authenticated and encrypted with securecookie.
type CookieCodec struct {
	opts CookieOptions
	sc   *securecookie.SecureCookie
}

// NewCookieCodec builds a codec whose HMAC and AES keys are derived from
// hashKey and blockKey. An empty blockKey disables encryption.
func NewCookieCodec(hashKey, blockKey []byte, opts CookieOptions) *CookieCodec {
	if opts.Name == "" {
		opts.Name = "bff-session"
	}
	if opts.Path == "" {
		opts.Path = "/"
	}
	if opts.SameSite == 0 {
		opts.SameSite = http.SameSiteLaxMode
	}

	var block []byte
	if len(blockKey) > 0 {
		sum := sha256.Sum256(blockKey)
		block = sum[:]
	}

	sc := securecookie.New(hashKey, block)
	// lifetime is owned by the session record, not the cookie
	sc.MaxAge(0)
	return &CookieCodec{opts: opts, sc: sc}
}

// Name returns the cookie name
func (c *CookieCodec) Name() string { return c.opts.Name }

// Write sets the session cookie
func (c *CookieCodec) Write(w http.ResponseWriter, key string, expires time.Time) error {
	encoded, err := c.sc.Encode(c.opts.Name, key)
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     c.opts.Name,
		Value:    encoded,
		Path:     c.opts.Path,
		Domain:   c.opts.Domain,
		Expires:  expires,
		Secure:   c.opts.Secure,
		HttpOnly: true,
		SameSite: c.opts.SameSite,
	})
	return nil
}

// Read returns the session key from the request cookie. Missing or tampered
// cookies report false.
func (c *CookieCodec) Read(r *http.Request) (string, bool) {
	cookie, err := r.Cookie(c.opts.Name)
	if err != nil || cookie.Value == "" {
		return "", false
	}
	var key string
	if err := c.sc.Decode(c.opts.Name, cookie.Value, &key); err != nil || key == "" {
		return "", false
	}
	return key, true
}

// Clear expires the session cookie
func (c *CookieCodec) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     c.opts.Name,
		Value:    "",
		Path:     c.opts.Path,
		Domain:   c.opts.Domain,
		MaxAge:   -1,
		Expires:  time.Unix(0, 0),
		Secure:   c.opts.Secure,
		HttpOnly: true,
		SameSite: c.opts.SameSite,
	})
}
