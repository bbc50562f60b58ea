// Package auth provides authentication for the lock gateway API.
package auth

import (
	"context"
	"errors"
)

// Common authentication errors
var (
	ErrAuthenticationFailed = errors.New("authentication failed")
)

// Authenticator defines the interface for client authentication
type Authenticator interface {
	// Authenticate validates a token and returns the associated client name
	Authenticate(ctx context.Context, token string) (client string, err error)
}
