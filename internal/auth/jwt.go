// Package auth issues and validates the JWT session tokens that gate
// this repo's write endpoints (§6.2). Access tokens (2h TTL) authorize
// XRPC calls; refresh tokens (90d TTL) mint new token pairs without the
// caller re-entering a password.
package auth

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Scope values per the AT Protocol session spec; every token this repo
// issues carries exactly one of these.
const (
	ScopeAccess  = "com.atproto.access"
	ScopeRefresh = "com.atproto.refresh"
)

// Session token lifetimes (§6.2 createSession/refreshSession).
const (
	AccessTTL  = 2 * time.Hour
	RefreshTTL = 90 * 24 * time.Hour
)

// Claims is the registered JWT claim set plus the scope distinguishing
// an access token from a refresh token.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope"`
}

// TokenPair is the access/refresh pair returned on createSession and
// refreshSession.
type TokenPair struct {
	AccessJwt  string `json:"accessJwt"`
	RefreshJwt string `json:"refreshJwt"`
}

// JWTManager signs and validates this repo's session tokens with HS256
// over a single shared secret (§6.4 jwtSecret).
type JWTManager struct {
	secret []byte
	issuer string
}

// NewJWTManager builds a manager keyed by the configured HMAC secret,
// stamping the given issuer (the repo's own DID) into every token.
func NewJWTManager(secret, issuer string) *JWTManager {
	return &JWTManager{
		secret: []byte(secret),
		issuer: issuer,
	}
}

// GenerateSecret returns a random 32-byte hex string, for operators
// bootstrapping a fresh config.json's jwtSecret field.
func GenerateSecret() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// CreateTokenPair mints a fresh access/refresh pair for the repo's DID.
func (m *JWTManager) CreateTokenPair(did string) (*TokenPair, error) {
	now := time.Now()

	accessToken := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   did,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(AccessTTL)),
		},
		Scope: ScopeAccess,
	})
	accessStr, err := accessToken.SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("auth: sign access token: %w", err)
	}

	refreshToken := jwt.NewWithClaims(jwt.SigningMethodHS256, &Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   did,
			Issuer:    m.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(RefreshTTL)),
		},
		Scope: ScopeRefresh,
	})
	refreshStr, err := refreshToken.SignedString(m.secret)
	if err != nil {
		return nil, fmt.Errorf("auth: sign refresh token: %w", err)
	}

	return &TokenPair{
		AccessJwt:  accessStr,
		RefreshJwt: refreshStr,
	}, nil
}

// ValidateAccessToken checks a bearer token presented to a write
// endpoint, returning the repo DID it was issued for. Errors on an
// invalid signature, expiry, or a refresh token presented where an
// access token was required.
func (m *JWTManager) ValidateAccessToken(tokenStr string) (string, error) {
	return m.validate(tokenStr, ScopeAccess)
}

// ValidateRefreshToken checks a bearer token presented to
// refreshSession, returning the repo DID it was issued for.
func (m *JWTManager) ValidateRefreshToken(tokenStr string) (string, error) {
	return m.validate(tokenStr, ScopeRefresh)
}

func (m *JWTManager) validate(tokenStr, expectedScope string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("auth: unexpected signing method: %v", t.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return "", fmt.Errorf("auth: invalid session token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return "", fmt.Errorf("auth: invalid session token claims")
	}

	if claims.Scope != expectedScope {
		return "", fmt.Errorf("auth: wrong token scope: got %q, want %q", claims.Scope, expectedScope)
	}

	if claims.Subject == "" {
		return "", fmt.Errorf("auth: session token missing subject DID")
	}

	return claims.Subject, nil
}
