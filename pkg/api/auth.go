package api

import (
	"fmt"

	"github.com/mlOS-foundation/system-test/pkg/config"
	"golang.org/x/crypto/bcrypt"
)

// hashUsers hashes the configured plaintext passwords once so that
// requests are compared against bcrypt hashes only.
func hashUsers(users []config.BasicAuthUser) (map[string]string, error) {
	hashed := make(map[string]string, len(users))

	for _, u := range users {
		hash, err := bcrypt.GenerateFromPassword(
			[]byte(u.Password), bcrypt.DefaultCost,
		)
		if err != nil {
			return nil, fmt.Errorf("hashing password for %s: %w", u.Username, err)
		}

		hashed[u.Username] = string(hash)
	}

	return hashed, nil
}

// checkPassword compares a bcrypt hash with a plaintext password.
func checkPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword(
		[]byte(hash), []byte(password),
	) == nil
}
