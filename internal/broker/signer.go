package broker

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Signer authenticates remote administration commands before they are
// accepted for a charger. Implementations are free to use asymmetric
// schemes; the broker only needs Verify.
type Signer interface {
	// Sign produces a signature over the canonical command bytes.
	Sign(payload []byte) (string, error)
	// Verify checks a signature produced by Sign.
	Verify(payload []byte, signature string) error
}

// HMACSigner signs command payloads with HMAC-SHA256 over a shared secret.
type HMACSigner struct {
	secret []byte
}

// NewHMACSigner creates a signer from a shared secret.
func NewHMACSigner(secret string) (*HMACSigner, error) {
	if secret == "" {
		return nil, fmt.Errorf("signing secret must not be empty")
	}
	return &HMACSigner{secret: []byte(secret)}, nil
}

func (s *HMACSigner) Sign(payload []byte) (string, error) {
	mac := hmac.New(sha256.New, s.secret)
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil)), nil
}

func (s *HMACSigner) Verify(payload []byte, signature string) error {
	want, err := s.Sign(payload)
	if err != nil {
		return err
	}
	if !hmac.Equal([]byte(want), []byte(signature)) {
		return fmt.Errorf("signature mismatch")
	}
	return nil
}
