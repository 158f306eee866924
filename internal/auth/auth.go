// Package auth is the boundary to the authentication collaborator.
//
// The web application issues an HS256 JWT at login; map clients present it
// as a `token` query parameter when opening the WebSocket. The engine
// verifies the signature, extracts the user identity, and trusts it without
// re-validating credentials.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken is returned for missing, malformed, expired, or
// wrongly-signed tokens.
var ErrInvalidToken = errors.New("invalid auth token")

// Identity is the verified user behind a session.
type Identity struct {
	UserID   string
	Username string
}

type mapClaims struct {
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Verifier validates session tokens against a shared HMAC secret.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for the given shared secret.
func NewVerifier(secret string) (*Verifier, error) {
	if secret == "" {
		return nil, fmt.Errorf("auth secret cannot be empty")
	}
	return &Verifier{secret: []byte(secret)}, nil
}

// Verify parses and validates a token, returning the identity it carries.
func (v *Verifier) Verify(tokenString string) (Identity, error) {
	if tokenString == "" {
		return Identity{}, fmt.Errorf("missing token: %w", ErrInvalidToken)
	}

	var claims mapClaims
	token, err := jwt.ParseWithClaims(tokenString, &claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid || claims.Subject == "" {
		return Identity{}, fmt.Errorf("token missing subject: %w", ErrInvalidToken)
	}

	username := claims.Username
	if username == "" {
		username = claims.Subject
	}
	return Identity{UserID: claims.Subject, Username: username}, nil
}

// Mint issues a token for the given identity. Used by the `mapd token`
// development helper and by tests; production tokens come from the
// authentication collaborator.
func (v *Verifier) Mint(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := mapClaims{
		Username: id.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}
