package broker

import (
	"crypto/subtle"
	"fmt"
)

// ValidateToken checks a REGISTER's token against the broker's configured
// shared secret. An empty configured secret means the broker accepts any
// client, including one with no token at all. The comparison is
// constant-time to avoid leaking the secret's prefix through response
// timing.
func ValidateToken(configured, supplied string) error {
	if configured == "" {
		return nil
	}
	if subtle.ConstantTimeCompare([]byte(configured), []byte(supplied)) != 1 {
		return fmt.Errorf("token mismatch")
	}
	return nil
}
