// Package auth issues and verifies the operator's signed session tokens
// and holds the credential acceptance rules for the control plane.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// subjectLen is how many leading hex characters of the credential hash
// end up in the token's sub claim.
const subjectLen = 16

// DefaultTokenTTL is the lifetime of an issued session token. There is no
// revocation list; expiry is the only thing that ends a session.
const DefaultTokenTTL = 24 * time.Hour

// Tokens issues and verifies HS256 session tokens. The zero value is not
// usable; construct with NewTokens.
type Tokens struct {
	now func() time.Time
}

func NewTokens() *Tokens {
	return &Tokens{now: time.Now}
}

// NewTokensAt returns a Tokens service whose clock is supplied by the
// caller. Used by tests to simulate expiry.
func NewTokensAt(now func() time.Time) *Tokens {
	if now == nil {
		now = time.Now
	}
	return &Tokens{now: now}
}

// Issue creates a signed session token for the operator identified by
// subjectHash (the credential hash; only its first 16 hex characters are
// embedded). The returned expiry is the token's exp claim.
func (t *Tokens) Issue(subjectHash, secret string, ttl time.Duration) (string, time.Time, error) {
	if secret == "" {
		return "", time.Time{}, errors.New("empty signing secret")
	}
	if ttl <= 0 {
		ttl = DefaultTokenTTL
	}
	sub := subjectHash
	if len(sub) > subjectLen {
		sub = sub[:subjectLen]
	}
	now := t.now().UTC()
	expires := now.Add(ttl)
	claims := jwt.RegisteredClaims{
		Subject:   sub,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expires, nil
}

// Verify reports whether token carries a valid HS256 signature under
// secret and has not expired. It is total: malformed input of any kind
// yields false, never a panic. Which check failed is deliberately not
// reported.
func (t *Tokens) Verify(token, secret string) bool {
	if token == "" || secret == "" {
		return false
	}
	parsed, err := jwt.Parse(token,
		func(*jwt.Token) (any, error) { return []byte(secret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(t.now),
	)
	return err == nil && parsed.Valid
}

// Accept is the full credential acceptance rule for protected requests:
// either candidate equals the stored password hash verbatim (the legacy
// bearer format, kept behind allowLegacy until all clients send signed
// tokens), or it verifies as a signed token.
func (t *Tokens) Accept(candidate, passwordHash, secret string, allowLegacy bool) bool {
	if candidate == "" {
		return false
	}
	if allowLegacy && passwordHash != "" &&
		hmac.Equal([]byte(candidate), []byte(passwordHash)) {
		return true
	}
	return t.Verify(candidate, secret)
}

// PasswordMatches compares a password against the stored hash in
// constant time.
func PasswordMatches(password, passwordHash string) bool {
	return hmac.Equal([]byte(HashPassword(password)), []byte(passwordHash))
}

// HashPassword returns the hex SHA-256 digest of the operator password.
// This digest is what gets persisted; the password itself never is.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

// NewSigningSecret generates the random hex secret used to sign session
// tokens. Created once at credential bootstrap and persisted alongside
// the password hash.
func NewSigningSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
