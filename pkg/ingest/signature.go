package ingest

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/carebridge/woundwatch/pkg/apperr"
)

// VerifySignature checks the transport webhook signature header against the
// shared secret. The header format is "sha256=<hex hmac of the raw body>".
// Comparison is constant-time.
func VerifySignature(secret string, body []byte, header string) error {
	const prefix = "sha256="
	if !strings.HasPrefix(header, prefix) {
		return apperr.New(apperr.KindInputRejected, "missing or malformed signature header")
	}
	provided, err := hex.DecodeString(strings.TrimPrefix(header, prefix))
	if err != nil {
		return apperr.New(apperr.KindInputRejected, "signature is not valid hex")
	}

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	if !hmac.Equal(provided, mac.Sum(nil)) {
		return apperr.New(apperr.KindInputRejected, "signature verification failed")
	}
	return nil
}

// Sign computes the signature header value for a body. Used by tests and by
// outbound callbacks that share the transport's signing scheme.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}
