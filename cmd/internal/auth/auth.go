// Package auth is the credential-verification boundary of the live channel.
// The engine never sees credentials; it only consumes the Identity a verifier
// resolves. Token issuance lives with the external identity provider; the
// IssueToken helper here exists for tooling and tests.
package auth

import (
	"context"
	"errors"
)

// ErrAuthFailure is returned for any credential that cannot be verified.
// Callers keep the connection open but unauthenticated; there is no retry.
var ErrAuthFailure = errors.New("authentication failed")

// Identity is the authenticated principal bound to a live connection.
type Identity struct {
	UserID      string
	PartyID     string
	DisplayName string
}

// Verifier resolves a credential to an identity.
type Verifier interface {
	Verify(ctx context.Context, credential string) (Identity, error)
}
