package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CookieName is the session cookie issued after successful verification.
const CookieName = "auth"

// signingKeyFile holds the derived signing key when no secret is configured.
const signingKeyFile = "signing.key"

// EncodeCookie builds the session cookie value: base64(username) ":" token.
func EncodeCookie(username, token string) string {
	return base64.StdEncoding.EncodeToString([]byte(username)) + ":" + token
}

// DecodeCookie splits a cookie value back into username and token.
func DecodeCookie(value string) (username, token string, err error) {
	idx := strings.IndexByte(value, ':')
	if idx < 0 {
		return "", "", fmt.Errorf("malformed auth cookie")
	}
	raw, err := base64.StdEncoding.DecodeString(value[:idx])
	if err != nil {
		return "", "", fmt.Errorf("malformed auth cookie: %w", err)
	}
	return string(raw), value[idx+1:], nil
}

// issueToken signs (username, issuedAt) with the process signing key. The
// token embeds the issue time so expiry is checked without server state.
func issueToken(key []byte, username string, issuedAt time.Time) string {
	mac := signCookie(key, username, issuedAt)
	return fmt.Sprintf("%d.%s", issuedAt.Unix(), mac)
}

// checkToken validates a token for username and returns false when the
// signature is wrong or the token is older than maxAge.
func checkToken(key []byte, username, token string, maxAge time.Duration, now time.Time) bool {
	idx := strings.IndexByte(token, '.')
	if idx < 0 {
		return false
	}
	var unix int64
	if _, err := fmt.Sscanf(token[:idx], "%d", &unix); err != nil {
		return false
	}
	issuedAt := time.Unix(unix, 0)
	if now.Sub(issuedAt) > maxAge || issuedAt.After(now.Add(time.Minute)) {
		return false
	}
	want := signCookie(key, username, issuedAt)
	return hmac.Equal([]byte(token[idx+1:]), []byte(want))
}

func signCookie(key []byte, username string, issuedAt time.Time) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(username))
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(issuedAt.Unix()))
	mac.Write(ts[:])
	return hex.EncodeToString(mac.Sum(nil))
}

// LoadSigningKey returns the cookie signing key. A configured secret wins;
// otherwise a 32-byte key is derived once and persisted under dataDir with
// mode 0640 so broker restarts keep sessions valid.
func LoadSigningKey(configured string, dataDir string) ([]byte, error) {
	if configured != "" {
		sum := sha256.Sum256([]byte(configured))
		return sum[:], nil
	}

	path := filepath.Join(dataDir, signingKeyFile)
	if data, err := os.ReadFile(path); err == nil && len(data) == 32 {
		return data, nil
	}

	key := make([]byte, 32)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("failed to generate signing key: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	if err := os.WriteFile(path, key, 0o640); err != nil {
		return nil, fmt.Errorf("failed to persist signing key: %w", err)
	}
	return key, nil
}
