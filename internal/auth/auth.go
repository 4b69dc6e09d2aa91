// Package auth checks operator credentials for the SSH and HTTP surfaces.
package auth

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

const BcryptCost = 12

// ErrNoPassword means password authentication is not configured.
var ErrNoPassword = errors.New("password authentication disabled")

func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), BcryptCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

func CheckPassword(password, hash string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// ValidateHash reports whether hash is a usable bcrypt hash.
func ValidateHash(hash string) error {
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return fmt.Errorf("not a bcrypt hash: %w", err)
	}
	return nil
}

// Credentials is the single operator account. PasswordHash takes
// precedence over Password when both are set.
type Credentials struct {
	User         string
	Password     string
	PasswordHash string
}

// PasswordEnabled reports whether any password is configured.
func (c Credentials) PasswordEnabled() bool {
	return c.Password != "" || c.PasswordHash != ""
}

// Verify checks user and password. Comparisons run in constant time with
// respect to the secret.
func (c Credentials) Verify(user, password string) error {
	if !c.PasswordEnabled() {
		return ErrNoPassword
	}
	userOK := subtle.ConstantTimeCompare([]byte(user), []byte(c.User)) == 1
	var passOK bool
	if c.PasswordHash != "" {
		passOK = CheckPassword(password, c.PasswordHash)
	} else {
		passOK = subtle.ConstantTimeCompare([]byte(password), []byte(c.Password)) == 1
	}
	if !userOK || !passOK {
		return errors.New("invalid username or password")
	}
	return nil
}
