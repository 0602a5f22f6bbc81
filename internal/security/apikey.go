// Package security issues and hashes bearer API keys. Only the SHA-256 hash
// is ever stored.
package security

import (
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	KeyPrefix = "sb_live_"
	// DisplayPrefixLen is how much of a key is kept in clear for support lookups.
	DisplayPrefixLen = len(KeyPrefix) + 6
)

// GenerateAPIKey returns a new key and its hash.
func GenerateAPIKey() (key, hash string, err error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", "", fmt.Errorf("generate api key: %w", err)
	}
	key = KeyPrefix + hex.EncodeToString(buf)
	return key, HashKey(key), nil
}

func HashKey(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:])
}

func ValidateKey(providedKey, storedHash string) bool {
	return subtle.ConstantTimeCompare([]byte(HashKey(providedKey)), []byte(storedHash)) == 1
}

func DisplayPrefix(key string) string {
	if len(key) <= DisplayPrefixLen {
		return key
	}
	return key[:DisplayPrefixLen]
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) (string, bool) {
	parts := strings.Fields(header)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || parts[1] == "" {
		return "", false
	}
	return parts[1], true
}
