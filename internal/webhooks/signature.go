package webhooks

import (
    "crypto/hmac"
    "crypto/sha256"
    "encoding/hex"
)

// SignHMAC returns the lowercase hex HMAC-SHA256 of body under secret. The
// exact payload bytes that go on the wire must be signed; re-serializing the
// payload would break subscriber-side verification.
func SignHMAC(secret string, body []byte) string {
    mac := hmac.New(sha256.New, []byte(secret))
    mac.Write(body)
    return hex.EncodeToString(mac.Sum(nil))
}

// VerifyHMAC checks a hex HMAC-SHA256 signature over the raw body using a
// constant-time comparison. Subscribers use the same check on their side.
func VerifyHMAC(secret string, body []byte, provided string) bool {
    want, err := hex.DecodeString(provided)
    if err != nil {
        return false
    }
    mac := hmac.New(sha256.New, []byte(secret))
    mac.Write(body)
    return hmac.Equal(mac.Sum(nil), want)
}
