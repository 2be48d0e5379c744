package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"strconv"
	"time"
)

// Gateway authentication headers.
const (
	HeaderAPIKey    = "X-Gateway-Key"
	HeaderTimestamp = "X-Gateway-Timestamp"
	HeaderSignature = "X-Gateway-Signature"
)

// HMACAuth holds the credentials for HMAC-authenticated gateway requests.
type HMACAuth struct {
	Key    string
	Secret string // base64; raw bytes are used if it does not decode
}

// Headers returns the authentication headers for a request. The signature
// is HMAC-SHA256(secret, timestamp+method+path+body), base64 encoded.
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	return h.HeadersAt(method, path, body, time.Now().Unix())
}

// HeadersAt is Headers with a caller supplied Unix timestamp.
func (h *HMACAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderAPIKey:    h.Key,
		HeaderTimestamp: ts,
		HeaderSignature: hmacSHA256Base64(h.secretBytes(), ts+method+path+body),
	}
}

// Verify checks a signature produced by Headers.
func (h *HMACAuth) Verify(ts, method, path, body, signature string) bool {
	want := hmacSHA256Base64(h.secretBytes(), ts+method+path+body)
	return hmac.Equal([]byte(want), []byte(signature))
}

func (h *HMACAuth) secretBytes() []byte {
	b, err := base64.StdEncoding.DecodeString(h.Secret)
	if err != nil {
		return []byte(h.Secret)
	}
	return b
}

func hmacSHA256Base64(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
