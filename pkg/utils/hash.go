package utils

import (
	"errors"

	"golang.org/x/crypto/bcrypt"
)

// MaxPasswordLen is bcrypt's input limit; longer passwords are rejected instead of silently truncated.
const MaxPasswordLen = 72

// ErrPasswordTooLong is returned by HashPassword for inputs over MaxPasswordLen bytes.
var ErrPasswordTooLong = errors.New("password exceeds 72 bytes")

// HashPassword hashes a plain password using bcrypt.
func HashPassword(password string) (string, error) {
	if len(password) > MaxPasswordLen {
		return "", ErrPasswordTooLong
	}
	bytes, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	return string(bytes), err
}

// CheckPassword compares plain password with hashed password.
func CheckPassword(plain, hashed string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hashed), []byte(plain)) == nil
}
