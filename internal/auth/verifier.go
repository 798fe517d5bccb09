// Package auth provides JWT verification helpers.
package auth

import (
    "crypto/hmac"
    "crypto/sha256"
    "encoding/base64"
    "encoding/json"
    "errors"
    "os"
    "strings"
)

// Verifier validates JWTs and extracts company/role claims.
// Supports modes: dev (token is "company:role", no verify) and hmac (HS256).
type Verifier struct {
    Mode         string
    HMACSecret   []byte
    CompanyClaim string
    RoleClaim    string
}

type Principal struct {
    CompanyID string
    Role      string
}

func NewVerifierFromEnv() *Verifier {
    mode := strings.ToLower(strings.TrimSpace(os.Getenv("AUTH_MODE")))
    if mode == "" {
        mode = "dev"
    }
    return &Verifier{
        Mode:         mode,
        HMACSecret:   []byte(os.Getenv("AUTH_HMAC_SECRET")),
        CompanyClaim: envOr("AUTH_COMPANY_CLAIM", "company"),
        RoleClaim:    envOr("AUTH_ROLE_CLAIM", "role"),
    }
}

func envOr(k, d string) string {
    if v := os.Getenv(k); v != "" {
        return v
    }
    return d
}

func (v *Verifier) Verify(token string) (Principal, error) {
    if v.Mode == "dev" {
        // token format: company:role
        parts := strings.Split(token, ":")
        if len(parts) >= 2 {
            return Principal{CompanyID: parts[0], Role: strings.ToLower(parts[1])}, nil
        }
        return Principal{}, errors.New("invalid dev token; expected company:role")
    }
    segs := strings.Split(token, ".")
    if len(segs) != 3 {
        return Principal{}, errors.New("invalid JWT")
    }
    headerJSON, err := b64urlDecode(segs[0])
    if err != nil {
        return Principal{}, err
    }
    payloadJSON, err := b64urlDecode(segs[1])
    if err != nil {
        return Principal{}, err
    }
    sig, err := b64urlDecode(segs[2])
    if err != nil {
        return Principal{}, err
    }
    var hdr map[string]any
    if err := json.Unmarshal(headerJSON, &hdr); err != nil {
        return Principal{}, err
    }
    var claims map[string]any
    if err := json.Unmarshal(payloadJSON, &claims); err != nil {
        return Principal{}, err
    }
    alg, _ := hdr["alg"].(string)
    switch v.Mode {
    case "hmac":
        if alg != "HS256" {
            return Principal{}, errors.New("unsupported alg for hmac")
        }
        mac := hmac.New(sha256.New, v.HMACSecret)
        mac.Write([]byte(segs[0] + "." + segs[1]))
        if !hmac.Equal(mac.Sum(nil), sig) {
            return Principal{}, errors.New("bad signature")
        }
    default:
        return Principal{}, errors.New("unsupported auth mode")
    }
    company, _ := claims[v.CompanyClaim].(string)
    role, _ := claims[v.RoleClaim].(string)
    if company == "" {
        return Principal{}, errors.New("missing company claim")
    }
    if role == "" {
        role = "user"
    }
    return Principal{CompanyID: company, Role: strings.ToLower(role)}, nil
}

func b64urlDecode(s string) ([]byte, error) { return base64.RawURLEncoding.DecodeString(s) }
