// internal/billing/apikey.go
package billing

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/argon2"
)

// HashAPIKey generates a salted Argon2id hash of an admin API key.
func HashAPIKey(key string) (string, string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", "", err
	}

	hash := argon2.IDKey([]byte(key), salt, 1, 64*1024, 4, 32)

	return base64.StdEncoding.EncodeToString(hash), base64.StdEncoding.EncodeToString(salt), nil
}

// verifyAPIKey compares a presented key with a salted hash.
func verifyAPIKey(key string, salt, hash []byte) bool {
	comparison := argon2.IDKey([]byte(key), salt, 1, 64*1024, 4, 32)
	return subtle.ConstantTimeCompare(hash, comparison) == 1
}

// RequireAPIKey rejects requests whose bearer token does not match the
// configured hash. Authorization stops here; the service never sees callers.
func RequireAPIKey(hash, salt string) (func(http.Handler) http.Handler, error) {
	decodedSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return nil, fmt.Errorf("failed to decode salt: %w", err)
	}
	decodedHash, err := base64.StdEncoding.DecodeString(hash)
	if err != nil {
		return nil, fmt.Errorf("failed to decode hash: %w", err)
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
			if !ok || token == "" || !verifyAPIKey(token, decodedSalt, decodedHash) {
				writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "unauthorized", Message: "a valid admin API key is required"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}, nil
}
