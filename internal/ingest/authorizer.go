package ingest

import (
	"fmt"
	"net/url"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// PublishAuthorizer checks the ?secret= query parameter of publish URLs
// against a bcrypt hash. A zero-value authorizer admits everyone.
type PublishAuthorizer struct {
	hash []byte
}

func NewPublishAuthorizer(hash string) *PublishAuthorizer {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return &PublishAuthorizer{}
	}
	return &PublishAuthorizer{hash: []byte(hash)}
}

// Enabled reports whether publishers must present a secret.
func (a *PublishAuthorizer) Enabled() bool {
	return a != nil && len(a.hash) > 0
}

// Authorize validates the publish query.
func (a *PublishAuthorizer) Authorize(query url.Values) error {
	if !a.Enabled() {
		return nil
	}
	secret := query.Get("secret")
	if secret == "" {
		return fmt.Errorf("%w: missing secret", ErrUnauthorized)
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(secret)); err != nil {
		return ErrUnauthorized
	}
	return nil
}

// HashPublishSecret produces the value operators place in
// RELAYCAST_PUBLISH_SECRET_HASH.
func HashPublishSecret(secret string) (string, error) {
	if strings.TrimSpace(secret) == "" {
		return "", fmt.Errorf("secret cannot be empty")
	}
	hashed, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("hash secret: %w", err)
	}
	return string(hashed), nil
}
