// Package crypto provides the keyed-hash integrity signing used by the
// file-drop transport. Payloads written to shared files carry an HMAC so the
// consumer can reject tampered or foreign content before parsing it.
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
)

// KeySize is the minimum accepted signing key length in bytes.
const KeySize = 16

var (
	ErrKeyTooShort  = errors.New("signing key too short: need at least 16 bytes")
	ErrBadSignature = errors.New("integrity signature mismatch")
)

// Signer computes and verifies HMAC-SHA256 signatures over raw payloads.
// Keys are held as []byte so they can be wiped when the process shuts down.
type Signer struct {
	key []byte
}

// NewSigner creates a signer from a shared secret.
func NewSigner(key string) (*Signer, error) {
	if len(key) < KeySize {
		return nil, ErrKeyTooShort
	}
	return &Signer{key: []byte(key)}, nil
}

// Sign returns the hex-encoded HMAC-SHA256 of payload.
func (s *Signer) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against payload in constant time.
func (s *Signer) Verify(payload []byte, signature string) error {
	want, err := hex.DecodeString(signature)
	if err != nil {
		return ErrBadSignature
	}
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	if !hmac.Equal(mac.Sum(nil), want) {
		return ErrBadSignature
	}
	return nil
}

// Wipe clears the key from memory.
func (s *Signer) Wipe() {
	if s == nil {
		return
	}
	for i := range s.key {
		s.key[i] = 0
	}
}
