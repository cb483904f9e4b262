package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"strings"
)

// SignatureHeader carries the hex HMAC-SHA256 of the raw request body.
const SignatureHeader = "X-Signature"

var (
	ErrMissingSignature = errors.New("missing signature")
	ErrInvalidSignature = errors.New("invalid signature")
)

type Signer struct {
	secretKey []byte
	logger    *slog.Logger
}

func NewSigner(secretKey string, logger *slog.Logger) *Signer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Signer{
		secretKey: []byte(secretKey),
		logger:    logger,
	}
}

func (s *Signer) Sign(data []byte) string {
	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write(data)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks signature against body. An optional "sha256=" prefix is accepted.
func (s *Signer) Verify(body []byte, signature string) error {
	signature = strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if signature == "" {
		return ErrMissingSignature
	}

	received, err := hex.DecodeString(signature)
	if err != nil {
		s.logger.Warn("Signature is not valid hex", slog.Int("length", len(signature)))
		return ErrInvalidSignature
	}

	mac := hmac.New(sha256.New, s.secretKey)
	mac.Write(body)
	if !hmac.Equal(mac.Sum(nil), received) {
		s.logger.Warn("Signature verification failed", slog.Int("body_bytes", len(body)))
		return ErrInvalidSignature
	}
	return nil
}
