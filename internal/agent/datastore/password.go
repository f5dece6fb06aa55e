package datastore

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

func randomPassword() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// MaskedDSN renders a connection string with the password redacted. The
// agent does not send it anywhere: CONFIGURE_DATABASE credentials, masked or
// not, are not reported back to the orchestrator.
func (c Credentials) MaskedDSN() string {
	return fmt.Sprintf("postgres://%s:***@%s:%d/%s?sslmode=disable", c.User, c.Host, c.Port, c.Name)
}

// DSN renders the real, usable connection string.
func (c Credentials) DSN() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=disable", c.User, c.Password, c.Host, c.Port, c.Name)
}
