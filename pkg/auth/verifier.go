package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

const (
	kdfIterations = 100_000
	kdfKeyLen     = 32
	kdfSaltLen    = 16
	kdfScheme     = "pbkdf2-sha256"
)

// HashPassword derives a salted verifier for storage:
//
//	pbkdf2-sha256$<iterations>$<b64 salt>$<b64 digest>
func HashPassword(password string) (string, error) {
	salt := make([]byte, kdfSaltLen)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return "", fmt.Errorf("failed to generate salt: %w", err)
	}
	digest := pbkdf2.Key([]byte(password), salt, kdfIterations, kdfKeyLen, sha256.New)
	return fmt.Sprintf("%s$%d$%s$%s",
		kdfScheme,
		kdfIterations,
		base64.StdEncoding.EncodeToString(salt),
		base64.StdEncoding.EncodeToString(digest),
	), nil
}

// VerifyPassword checks password against an encoded verifier. Comparison of
// the derived digest is constant-time.
func VerifyPassword(verifier, password string) bool {
	parts := strings.Split(verifier, "$")
	if len(parts) != 4 || parts[0] != kdfScheme {
		return false
	}
	iterations, err := strconv.Atoi(parts[1])
	if err != nil || iterations <= 0 {
		return false
	}
	salt, err := base64.StdEncoding.DecodeString(parts[2])
	if err != nil {
		return false
	}
	want, err := base64.StdEncoding.DecodeString(parts[3])
	if err != nil {
		return false
	}
	got := pbkdf2.Key([]byte(password), salt, iterations, len(want), sha256.New)
	return hmac.Equal(got, want)
}
