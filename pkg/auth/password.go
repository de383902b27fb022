package auth

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/pbkdf2"
)

const (
	saltBytes    = 16
	pbkdf2Iters  = 210_000
	pbkdf2KeyLen = 32
)

// HashPassword derives a PBKDF2-SHA256 hash with a fresh random salt.
// Both return values are base64-encoded.
func HashPassword(password string) (salt, hash string, err error) {
	raw := make([]byte, saltBytes)
	if _, err := rand.Read(raw); err != nil {
		return "", "", fmt.Errorf("generating salt: %w", err)
	}
	key := pbkdf2.Key([]byte(password), raw, pbkdf2Iters, pbkdf2KeyLen, sha256.New)
	return base64.StdEncoding.EncodeToString(raw), base64.StdEncoding.EncodeToString(key), nil
}

// VerifyPassword checks password against the stored base64 salt and hash in
// constant time.
func VerifyPassword(password, saltB64, hashB64 string) bool {
	salt, err := base64.StdEncoding.DecodeString(saltB64)
	if err != nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(hashB64)
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(password), salt, pbkdf2Iters, pbkdf2KeyLen, sha256.New)
	return subtle.ConstantTimeCompare(got, want) == 1
}

// NewToken returns a 32-byte random value, base64url-encoded, used for both
// login session tokens and per-user API keys.
func NewToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generating token: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
