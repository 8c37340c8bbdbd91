package session

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// MinSecretLength is the shortest accepted ticket secret
const MinSecretLength = 32

const ticketKeyInfo = "sessiongate ticket v1"

// ErrInvalidTicket is returned when a protected ticket cannot be opened
var ErrInvalidTicket = errors.New("invalid session ticket")

// Protector seals tickets with AES-256-GCM so stores only hold ciphertext
type Protector struct {
	aead cipher.AEAD
}

// NewProtector derives the ticket key from secret with HKDF-SHA256
func NewProtector(secret []byte) (*Protector, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("ticket secret must be at least %d bytes", MinSecretLength)
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(ticketKeyInfo)), key); err != nil {
		return nil, fmt.Errorf("derive ticket key: %w", err)
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &Protector{aead: aead}, nil
}

// Protect serializes and seals a ticket. The nonce is prepended.
func (p *Protector) Protect(t *Ticket) ([]byte, error) {
	plain, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("marshal ticket: %w", err)
	}

	nonce := make([]byte, p.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return p.aead.Seal(nonce, nonce, plain, nil), nil
}

// Unprotect opens a sealed ticket
func (p *Protector) Unprotect(data []byte) (*Ticket, error) {
	ns := p.aead.NonceSize()
	if len(data) < ns+p.aead.Overhead() {
		return nil, ErrInvalidTicket
	}

	plain, err := p.aead.Open(nil, data[:ns], data[ns:], nil)
	if err != nil {
		return nil, ErrInvalidTicket
	}

	var t Ticket
	if err := json.Unmarshal(plain, &t); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidTicket, err)
	}
	return &t, nil
}
