// Package middleware guards the signcast control surface. It provides bearer
// authentication against a bcrypt-hashed control token, a per-IP throttle for
// failed attempts, and request-scoped logging for HTTP and gRPC.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// ControlSubject is the subject attached to requests that present the
// control token.
const ControlSubject = "control"

const tokenHashCost = bcrypt.DefaultCost

// ErrInvalidToken is returned when a presented token does not match.
var ErrInvalidToken = errors.New("invalid control token")

// HashToken returns a salted bcrypt hash suitable for CONTROL_TOKEN_HASH.
func HashToken(token string) (string, error) {
	if strings.TrimSpace(token) == "" {
		return "", errors.New("hash control token: token is empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), tokenHashCost)
	if err != nil {
		return "", fmt.Errorf("hash control token: %w", err)
	}
	return string(hash), nil
}

// TokenHashValidator checks bearer tokens against a single bcrypt hash.
type TokenHashValidator struct {
	hash []byte
}

// NewTokenHashValidator returns a validator for hash, which must be a
// well-formed bcrypt hash.
func NewTokenHashValidator(hash string) (*TokenHashValidator, error) {
	hash = strings.TrimSpace(hash)
	if _, err := bcrypt.Cost([]byte(hash)); err != nil {
		return nil, fmt.Errorf("parse control token hash: %w", err)
	}
	return &TokenHashValidator{hash: []byte(hash)}, nil
}

// ValidateToken implements TokenValidator.
func (v *TokenHashValidator) ValidateToken(_ context.Context, token string) (string, error) {
	if err := bcrypt.CompareHashAndPassword(v.hash, []byte(token)); err != nil {
		return "", ErrInvalidToken
	}
	return ControlSubject, nil
}
