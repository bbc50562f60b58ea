package auth

import (
	"context"
	"crypto/subtle"
	"strings"
)

type apiKey struct {
	client string
	key    []byte
}

// APIKeyAuthenticator implements authentication using static API keys.
// A key may be written as "name:secret" to label the client in logs.
type APIKeyAuthenticator struct {
	keys []apiKey
}

// NewAPIKeyAuthenticator creates a new API key authenticator
func NewAPIKeyAuthenticator(keys []string) *APIKeyAuthenticator {
	a := &APIKeyAuthenticator{}
	for _, entry := range keys {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}

		client, secret, named := strings.Cut(entry, ":")
		if !named || client == "" || secret == "" {
			client, secret = "api-key", entry
		}
		a.keys = append(a.keys, apiKey{client: client, key: []byte(secret)})
	}
	return a
}

// Enabled reports whether any key is configured
func (a *APIKeyAuthenticator) Enabled() bool {
	return len(a.keys) > 0
}

// Authenticate validates a token and returns the associated client name
func (a *APIKeyAuthenticator) Authenticate(ctx context.Context, token string) (string, error) {
	// Remove "Bearer " prefix if present
	token = strings.TrimPrefix(token, "Bearer ")
	token = strings.TrimSpace(token)

	if token == "" {
		return "", ErrAuthenticationFailed
	}

	// Compare against every key so timing does not reveal which one matched
	client := ""
	for _, k := range a.keys {
		if subtle.ConstantTimeCompare(k.key, []byte(token)) == 1 && client == "" {
			client = k.client
		}
	}
	if client == "" {
		return "", ErrAuthenticationFailed
	}
	return client, nil
}
