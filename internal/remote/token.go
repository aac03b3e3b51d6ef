package remote

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// DeviceClaims identify this installation to the manufacturing server.
type DeviceClaims struct {
	DeviceID string `json:"device_id"`
	Site     string `json:"site"`
	jwt.RegisteredClaims
}

// TokenSource mints short-lived HS256 device tokens from the shared site
// secret and caches them until close to expiry. Safe for concurrent use.
type TokenSource struct {
	secret   []byte
	deviceID string
	site     string
	ttl      time.Duration

	mu     sync.Mutex
	cached string
	expiry time.Time
	now    func() time.Time
}

// NewTokenSource creates a token source. ttl defaults to one hour.
func NewTokenSource(secret []byte, deviceID, site string, ttl time.Duration) *TokenSource {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenSource{
		secret:   secret,
		deviceID: deviceID,
		site:     site,
		ttl:      ttl,
		now:      time.Now,
	}
}

// Token returns a valid signed token, minting a fresh one when the cached
// token is within a minute of expiry.
func (t *TokenSource) Token() (string, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := t.now()
	if t.cached != "" && now.Before(t.expiry.Add(-time.Minute)) {
		return t.cached, nil
	}

	expiry := now.Add(t.ttl)
	claims := DeviceClaims{
		DeviceID: t.deviceID,
		Site:     t.site,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
			Subject:   t.deviceID,
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("remote: sign device token: %w", err)
	}
	t.cached = signed
	t.expiry = expiry
	return signed, nil
}
