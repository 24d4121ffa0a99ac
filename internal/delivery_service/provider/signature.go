package provider

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/aradsms/wa_gateway/internal/delivery_service/domain"
)

// SignPayload returns the hex HMAC-SHA256 of payload under secret.
func SignPayload(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

// verifyHMAC checks signature (optionally "sha256=" prefixed) in constant time.
// An empty secret disables verification.
func verifyHMAC(secret string, payload []byte, signature string) error {
	if secret == "" {
		return nil
	}
	sig := strings.TrimPrefix(strings.TrimSpace(signature), "sha256=")
	if sig == "" {
		return domain.ErrInvalidSignature
	}
	got, err := hex.DecodeString(sig)
	if err != nil {
		return domain.ErrInvalidSignature
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	if !hmac.Equal(got, mac.Sum(nil)) {
		return domain.ErrInvalidSignature
	}
	return nil
}
