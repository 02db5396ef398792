package auth

import (
	"fmt"
	"strings"
	"sync"

	apperrors "github.com/alexjbarnes/oauth2-tester/internal/errors"
	"golang.org/x/crypto/bcrypt"
)

// UserCredentials maps usernames to bcrypt password hashes.
type UserCredentials map[string]string

// ParseUsers parses "user1:hash1,user2:hash2" into a UserCredentials map.
// Entries are split on the first colon; bcrypt hashes use '$' only.
func ParseUsers(s string) (UserCredentials, error) {
	users := make(UserCredentials)
	if s == "" {
		return users, nil
	}

	for _, pair := range strings.Split(s, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}

		username, hash, ok := strings.Cut(pair, ":")
		if !ok {
			return nil, fmt.Errorf("invalid user entry (missing ':'): %s", username)
		}

		if username == "" || hash == "" {
			return nil, fmt.Errorf("empty username or hash in entry for %q", username)
		}

		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("user %s: not a bcrypt hash: %w", username, err)
		}

		users[username] = hash
	}

	return users, nil
}

// dummyHash is compared against for unknown users so that a missing
// account takes as long to reject as a wrong password.
var dummyHash = sync.OnceValue(func() []byte {
	h, err := bcrypt.GenerateFromPassword([]byte("oauth2-tester-dummy"), bcrypt.DefaultCost)
	if err != nil {
		panic("bcrypt failed: " + err.Error())
	}

	return h
})

// Verify checks password against the stored hash for username.
func (u UserCredentials) Verify(username, password string) error {
	hash, ok := u[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash(), []byte(password))
		return apperrors.ErrInvalidCredentials
	}

	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return apperrors.ErrInvalidCredentials
	}

	return nil
}

// HashPassword returns the bcrypt hash for password at the default cost.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hashing password: %w", err)
	}

	return string(hash), nil
}
