package auth

import (
	"context"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims is the JWT claim set the verifier accepts.
type Claims struct {
	PartyID     string `json:"party_id"`
	DisplayName string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier verifies HS256 tokens issued by the identity provider.
type JWTVerifier struct {
	secret []byte
	issuer string
}

// NewJWTVerifier constructs a verifier for the shared HS256 secret.
func NewJWTVerifier(secret, issuer string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}
}

// Verify parses and validates the credential. Every failure mode maps to
// ErrAuthFailure; the caller does not need to distinguish them.
func (v *JWTVerifier) Verify(_ context.Context, credential string) (Identity, error) {
	credential = strings.TrimSpace(credential)
	if credential == "" {
		return Identity{}, ErrAuthFailure
	}

	token, err := jwt.ParseWithClaims(credential, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrAuthFailure
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return Identity{}, ErrAuthFailure
	}

	claims, ok := token.Claims.(*Claims)
	if !ok {
		return Identity{}, ErrAuthFailure
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return Identity{}, ErrAuthFailure
	}
	if claims.Subject == "" || claims.PartyID == "" {
		return Identity{}, ErrAuthFailure
	}

	return Identity{
		UserID:      claims.Subject,
		PartyID:     claims.PartyID,
		DisplayName: claims.DisplayName,
	}, nil
}

// IssueToken signs a token for the identity, valid for validity from now.
func (v *JWTVerifier) IssueToken(id Identity, validity time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		PartyID:     id.PartyID,
		DisplayName: id.DisplayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(validity)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
