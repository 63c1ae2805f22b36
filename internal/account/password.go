package account

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// HashPassword bcrypt-hashes the repo account's plaintext password at
// the default cost (10 rounds), producing the string config.json's
// accountPasswordHash field stores.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("password: hash: %w", err)
	}
	return string(hash), nil
}

// CheckPassword compares a createSession attempt's plaintext password
// against the configured bcrypt hash. Returns nil on match, or the
// bcrypt mismatch/malformed-hash error otherwise.
func CheckPassword(hash, password string) error {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password))
}

// GeneratePassword creates a random 24-character lowercase hex string,
// for an operator provisioning the one account's initial password
// before hashing it into config.json.
func GeneratePassword() (string, error) {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("password: generate: %w", err)
	}
	return hex.EncodeToString(b), nil
}
