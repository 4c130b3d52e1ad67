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
	HeaderKey       = "X-Ward-Key"
	HeaderTimestamp = "X-Ward-Timestamp"
	HeaderSignature = "X-Ward-Signature"
)

// HMACAuth authenticates requests to the ledger gateway with
// HMAC-SHA256(secret, timestamp+method+path+body), base64 encoded.
type HMACAuth struct {
	Key    string
	Secret string
	now    func() time.Time
}

// NewHMACAuth returns an HMACAuth using the wall clock.
func NewHMACAuth(key, secret string) *HMACAuth {
	return &HMACAuth{Key: key, Secret: secret, now: time.Now}
}

// Headers returns the authentication headers for one request.
func (h *HMACAuth) Headers(method, path, body string) map[string]string {
	now := time.Now
	if h.now != nil {
		now = h.now
	}
	return h.HeadersAt(method, path, body, now().Unix())
}

// HeadersAt is Headers with a caller-supplied Unix timestamp.
func (h *HMACAuth) HeadersAt(method, path, body string, unixTS int64) map[string]string {
	ts := strconv.FormatInt(unixTS, 10)
	return map[string]string{
		HeaderKey:       h.Key,
		HeaderTimestamp: ts,
		HeaderSignature: h.sign(ts + method + path + body),
	}
}

// Valid checks a received signature in constant time.
func (h *HMACAuth) Valid(method, path, body, ts, sig string) bool {
	want := h.sign(ts + method + path + body)
	return hmac.Equal([]byte(want), []byte(sig))
}

func (h *HMACAuth) sign(message string) string {
	mac := hmac.New(sha256.New, []byte(h.Secret))
	mac.Write([]byte(message))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

// String redacts the credentials for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
