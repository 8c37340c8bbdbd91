// Package dpop holds the proof-of-possession key bound to a session and
// signs the per-request DPoP proofs sent with bound access tokens.
package dpop

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"time"

	"github.com/go-jose/go-jose/v4"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// HeaderName is the request header carrying the proof
const HeaderName = "DPoP"

// NonceHeader is the response header a server uses to demand a nonce
const NonceHeader = "DPoP-Nonce"

// TokenType is the Authorization scheme for bound tokens
const TokenType = "DPoP"

const proofType = "dpop+jwt"

// ErrUnsupportedKey is returned for keys that are not P-256 private keys
var ErrUnsupportedKey = errors.New("dpop key must be an ECDSA P-256 private key")

// Key is a session's proof-of-possession key
type Key struct {
	priv       *ecdsa.PrivateKey
	public     jose.JSONWebKey
	thumbprint string
	now        func() time.Time
}

// Generate creates a fresh P-256 key
func Generate() (*Key, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate dpop key: %w", err)
	}
	return newKey(priv)
}

// Parse loads a key from its private JWK form
func Parse(raw json.RawMessage) (*Key, error) {
	var jwk jose.JSONWebKey
	if err := jwk.UnmarshalJSON(raw); err != nil {
		return nil, fmt.Errorf("parse dpop key: %w", err)
	}
	priv, ok := jwk.Key.(*ecdsa.PrivateKey)
	if !ok || priv.Curve != elliptic.P256() {
		return nil, ErrUnsupportedKey
	}
	return newKey(priv)
}

func newKey(priv *ecdsa.PrivateKey) (*Key, error) {
	public := jose.JSONWebKey{Key: priv.Public(), Algorithm: "ES256", Use: "sig"}
	tp, err := public.Thumbprint(crypto.SHA256)
	if err != nil {
		return nil, fmt.Errorf("dpop key thumbprint: %w", err)
	}
	return &Key{
		priv:       priv,
		public:     public,
		thumbprint: base64.RawURLEncoding.EncodeToString(tp),
		now:        time.Now,
	}, nil
}

// Marshal returns the private JWK for storage inside a protected ticket
func (k *Key) Marshal() (json.RawMessage, error) {
	jwk := jose.JSONWebKey{Key: k.priv, Algorithm: "ES256", Use: "sig"}
	return jwk.MarshalJSON()
}

// Thumbprint returns the RFC 7638 thumbprint, the value of dpop_jkt and cnf.jkt
func (k *Key) Thumbprint() string { return k.thumbprint }

// Public returns the public JWK
func (k *Key) Public() jose.JSONWebKey { return k.public }

type proofClaims struct {
	jwt.RegisteredClaims
	Method      string `json:"htm"`
	TargetURI   string `json:"htu"`
	AccessHash  string `json:"ath,omitempty"`
	ServerNonce string `json:"nonce,omitempty"`
}

// Proof signs a DPoP proof for one request. accessToken and nonce may be
// empty (token endpoint calls, servers that did not ask for a nonce).
func (k *Key) Proof(method, targetURL, accessToken, nonce string) (string, error) {
	htu, err := normalizeTarget(targetURL)
	if err != nil {
		return "", err
	}

	claims := proofClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       uuid.NewString(),
			IssuedAt: jwt.NewNumericDate(k.now()),
		},
		Method:      method,
		TargetURI:   htu,
		ServerNonce: nonce,
	}
	if accessToken != "" {
		sum := sha256.Sum256([]byte(accessToken))
		claims.AccessHash = base64.RawURLEncoding.EncodeToString(sum[:])
	}

	token := jwt.NewWithClaims(jwt.SigningMethodES256, claims)
	token.Header["typ"] = proofType
	token.Header["jwk"] = k.public

	signed, err := token.SignedString(k.priv)
	if err != nil {
		return "", fmt.Errorf("sign dpop proof: %w", err)
	}
	return signed, nil
}

// htu excludes query and fragment
func normalizeTarget(target string) (string, error) {
	u, err := url.Parse(target)
	if err != nil {
		return "", fmt.Errorf("dpop target url: %w", err)
	}
	if !u.IsAbs() {
		return "", fmt.Errorf("dpop target url must be absolute: %q", target)
	}
	u.RawQuery = ""
	u.ForceQuery = false
	u.Fragment = ""
	u.RawFragment = ""
	return u.String(), nil
}
