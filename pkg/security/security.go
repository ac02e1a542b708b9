// Package security signs and verifies payloads exchanged with remote endpoints.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
)

// SignatureHeader carries the payload signature on HTTP transports.
const SignatureHeader = "X-Mycelial-Signature"

var (
	ErrEmptySecret       = errors.New("empty secret")
	ErrSignatureMismatch = errors.New("signature mismatch")
)

// HMACSigner signs payloads with HMAC-SHA256 and hex-encodes the digest.
type HMACSigner struct {
	key []byte
}

func NewHMACSigner(secret string) (*HMACSigner, error) {
	if secret == "" {
		return nil, ErrEmptySecret
	}
	return &HMACSigner{key: []byte(secret)}, nil
}

func (s *HMACSigner) Sign(payload []byte) string {
	mac := hmac.New(sha256.New, s.key)
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

func (s *HMACSigner) Verify(payload []byte, signature string) error {
	got, err := hex.DecodeString(signature)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSignatureMismatch, err)
	}
	mac := hmac.New(sha256.New, s.key)
	_, _ = mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return ErrSignatureMismatch
	}
	return nil
}
