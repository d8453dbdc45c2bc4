// Package signed mints and verifies HMAC capability URLs for stores that the gateway
// serves itself (local disk and memory). The URL carries the key, an expiry and a
// signature over both; nothing is recorded server side.
package signed

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// ArtifactPath is the route prefix capability URLs point at.
const ArtifactPath = "/v1/artifacts/"

// Query parameter names.
const (
	ParamExpires   = "expires"
	ParamSignature = "signature"
)

var (
	// ErrExpired is returned for a well-formed capability past its expiry.
	ErrExpired = errors.New("capability expired")
	// ErrInvalidSignature is returned for a missing or forged capability.
	ErrInvalidSignature = errors.New("capability signature invalid")
)

// Signer signs capability URLs rooted at a public base URL.
type Signer struct {
	base   string
	secret []byte
	now    func() time.Time
}

// New returns a Signer. baseURL is the externally reachable gateway address.
func New(baseURL string, secret []byte, now func() time.Time) (*Signer, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid public base url %q", baseURL)
	}
	if len(secret) < 16 {
		return nil, fmt.Errorf("signing secret must be at least 16 bytes")
	}
	if now == nil {
		now = time.Now
	}
	return &Signer{base: strings.TrimRight(baseURL, "/"), secret: secret, now: now}, nil
}

// SignURL returns base/v1/artifacts/<key>?expires=<unix>&signature=<hex>.
func (s *Signer) SignURL(_ context.Context, key string, expires time.Time) (string, error) {
	if strings.TrimSpace(key) == "" {
		return "", fmt.Errorf("key is required")
	}
	exp := strconv.FormatInt(expires.Unix(), 10)
	q := url.Values{}
	q.Set(ParamExpires, exp)
	q.Set(ParamSignature, s.mac(key, exp))
	return s.base + ArtifactPath + url.PathEscape(key) + "?" + q.Encode(), nil
}

// Verify checks a capability presented for key. The signature is checked before the
// expiry so a forged URL never learns whether its expiry would have been accepted.
func (s *Signer) Verify(key string, q url.Values) error {
	exp := q.Get(ParamExpires)
	sig, err := hex.DecodeString(q.Get(ParamSignature))
	if err != nil || exp == "" || len(sig) == 0 {
		return ErrInvalidSignature
	}
	want, _ := hex.DecodeString(s.mac(key, exp))
	if !hmac.Equal(sig, want) {
		return ErrInvalidSignature
	}
	unix, err := strconv.ParseInt(exp, 10, 64)
	if err != nil {
		return ErrInvalidSignature
	}
	if !s.now().Before(time.Unix(unix, 0)) {
		return ErrExpired
	}
	return nil
}

func (s *Signer) mac(key, expires string) string {
	h := hmac.New(sha256.New, s.secret)
	h.Write([]byte(key))
	h.Write([]byte{0})
	h.Write([]byte(expires))
	return hex.EncodeToString(h.Sum(nil))
}
