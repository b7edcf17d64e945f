package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"
)

// maxNonceLength bounds client-chosen nonces.
const maxNonceLength = 128

// CanonicalRequest builds the string signed by native clients: method, path, ISO timestamp, nonce, and the raw body,
// pipe-separated. The path excludes the query string; clients sign exactly what they send.
func CanonicalRequest(method, path, timestamp, nonce string, body []byte) string {
	var b strings.Builder
	b.Grow(len(method) + len(path) + len(timestamp) + len(nonce) + len(body) + 4)
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('|')
	b.WriteString(path)
	b.WriteByte('|')
	b.WriteString(timestamp)
	b.WriteByte('|')
	b.WriteString(nonce)
	b.WriteByte('|')
	b.Write(body)
	return b.String()
}

// SignRequest computes the hex HMAC-SHA256 of the canonical request under the session secret.
func SignRequest(secret, method, path, timestamp, nonce string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(CanonicalRequest(method, path, timestamp, nonce, body)))
	return hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a presented signature against the expected one in constant time.
func VerifySignature(secret, method, path, timestamp, nonce string, body []byte, presented string) bool {
	expected := SignRequest(secret, method, path, timestamp, nonce, body)
	return hmac.Equal([]byte(expected), []byte(presented))
}

// CheckTimestamp parses the RFC 3339 request timestamp and rejects it outside the skew window on either side.
func CheckTimestamp(timestamp string, skew time.Duration, now time.Time) error {
	t, err := time.Parse(time.RFC3339, timestamp)
	if err != nil {
		return ErrStaleTimestamp
	}
	diff := now.Sub(t)
	if diff < 0 {
		diff = -diff
	}
	if diff > skew {
		return ErrStaleTimestamp
	}
	return nil
}

// HMACIdentifier computes a hex HMAC-SHA256 of an identifier under the server key. Used for magic links and other
// server-signed values.
func HMACIdentifier(identifier string, key []byte) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(identifier))
	return hex.EncodeToString(mac.Sum(nil))
}

// hmacEqualHex compares two hex-encoded MACs in constant time.
func hmacEqualHex(expected, presented string) bool {
	return hmac.Equal([]byte(expected), []byte(presented))
}

// NewSessionSecret returns a fresh 32-byte session secret, hex-encoded.
func NewSessionSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate session secret: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
