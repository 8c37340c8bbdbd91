package session

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testSecret = []byte("0123456789abcdef0123456789abcdef")

func sampleTicket() *Ticket {
	t := &Ticket{
		Principal: Principal{
			Subject:   "alice",
			SessionID: "sid-1",
			Claims:    []Claim{{Type: "sub", Value: "alice"}, {Type: "name", Value: "Alice"}},
		},
		Properties:   map[string]string{PropSessionState: "xyz"},
		RefreshToken: "rt-1",
		IDToken:      "id.token.value",
	}
	t.SetAccessToken("", AccessToken{Value: "at-1", TokenType: "Bearer", Expiry: time.Now().Add(time.Hour).UTC()})
	return t
}

func TestNewProtector_RejectsShortSecret(t *testing.T) {
	_, err := NewProtector([]byte("short"))
	assert.Error(t, err)
}

func TestProtector_RoundTrip(t *testing.T) {
	p, err := NewProtector(testSecret)
	require.NoError(t, err)

	in := sampleTicket()
	sealed, err := p.Protect(in)
	require.NoError(t, err)
	assert.False(t, bytes.Contains(sealed, []byte("rt-1")), "refresh token must not appear in clear text")

	out, err := p.Unprotect(sealed)
	require.NoError(t, err)
	assert.Equal(t, in.Principal, out.Principal)
	assert.Equal(t, "rt-1", out.RefreshToken)
	assert.Equal(t, "xyz", out.Property(PropSessionState))

	tok, ok := out.AccessToken("")
	require.True(t, ok)
	assert.Equal(t, "at-1", tok.Value)
}

func TestProtector_NoncesDiffer(t *testing.T) {
	p, err := NewProtector(testSecret)
	require.NoError(t, err)

	a, err := p.Protect(sampleTicket())
	require.NoError(t, err)
	b, err := p.Protect(sampleTicket())
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestProtector_RejectsTampering(t *testing.T) {
	p, err := NewProtector(testSecret)
	require.NoError(t, err)
	other, err := NewProtector([]byte("ffffffffffffffffffffffffffffffff"))
	require.NoError(t, err)

	sealed, err := p.Protect(sampleTicket())
	require.NoError(t, err)

	tests := []struct {
		name string
		data []byte
		p    *Protector
	}{
		{"flipped byte", func() []byte { d := append([]byte(nil), sealed...); d[len(d)-1] ^= 1; return d }(), p},
		{"truncated", sealed[:5], p},
		{"wrong key", sealed, other},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.p.Unprotect(tt.data)
			assert.ErrorIs(t, err, ErrInvalidTicket)
		})
	}
}
