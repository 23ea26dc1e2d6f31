package security

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

const adminHashCost = 12

var errPasswordTooLong = errors.New("security: password exceeds 72 bytes")

// HashPassword returns the bcrypt hash stored as auth.admin-password-hash.
func HashPassword(password string) (string, error) {
	if len(password) > 72 {
		return "", errPasswordTooLong
	}
	hash, errHash := bcrypt.GenerateFromPassword([]byte(password), adminHashCost)
	if errHash != nil {
		return "", errHash
	}
	return string(hash), nil
}

// CheckPassword reports whether password matches hash. A malformed hash never matches.
func CheckPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// IsPasswordHash reports whether s looks like a bcrypt hash.
func IsPasswordHash(s string) bool {
	_, errCost := bcrypt.Cost([]byte(s))
	return errCost == nil
}
