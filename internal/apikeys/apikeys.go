// Package apikeys handles the two credential types the HTTP layer accepts:
// per-project API keys (bcrypt-hashed at rest, the way the teacher hashes
// the admin password in cmd/server/config.go) for the ingest endpoint, and
// short-lived admin session JWTs (golang-jwt/jwt/v5, HS256, the same
// jwt.NewWithClaims/jwt.Parse shape the teacher uses for OAuth-issued
// sessions in cmd/server/handlers_oauth.go) for the management API.
package apikeys

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidToken covers any JWT that fails verification: bad signature,
// wrong algorithm, or expired.
var ErrInvalidToken = errors.New("apikeys: invalid or expired token")

// Generate returns a new plaintext API key and its deterministic lookup
// hash. Callers store the lookup hash and a bcrypt hash of the plaintext;
// the plaintext itself is shown to the project owner once and never
// persisted.
func Generate() (plaintext, lookupHash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("apikeys: read random bytes: %w", err)
	}
	plaintext = "ak_" + base64.RawURLEncoding.EncodeToString(buf)
	return plaintext, LookupHash(plaintext), nil
}

// LookupHash returns the deterministic digest of an API key's plaintext
// used as an indexed store column: bcrypt hashes are salted and can't be
// queried by value, so a second, unsalted hash makes the row findable in
// one indexed lookup. Verify must still be run against BCryptHash before
// the caller is trusted — a lookup hash match alone is not authentication.
func LookupHash(plaintext string) string {
	sum := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(sum[:])
}

// Hash bcrypt-hashes a plaintext API key for storage.
func Hash(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("apikeys: hash: %w", err)
	}
	return string(hash), nil
}

// Verify reports whether plaintext matches the stored bcrypt hash.
func Verify(hash, plaintext string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext)) == nil
}

// claims is the admin session token payload.
type claims struct {
	jwt.RegisteredClaims
}

// IssueAdminToken mints an HS256 JWT for the admin session, valid for ttl.
func IssueAdminToken(secret string, ttl time.Duration) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "admin",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	})
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("apikeys: sign token: %w", err)
	}
	return signed, nil
}

// ParseAdminToken verifies tokenString against secret and returns the
// subject claim, rejecting anything not signed with HS256.
func ParseAdminToken(secret, tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (any, error) {
		if t.Method.Alg() != jwt.SigningMethodHS256.Alg() {
			return nil, fmt.Errorf("apikeys: unexpected signing method %v", t.Header["alg"])
		}
		return []byte(secret), nil
	})
	if err != nil || !token.Valid {
		return "", ErrInvalidToken
	}
	c, ok := token.Claims.(*claims)
	if !ok {
		return "", ErrInvalidToken
	}
	return c.Subject, nil
}
