package auth

import (
	"context"
	"errors"
	"time"
)

var (
	ErrMissingToken     = errors.New("token is missing")
	ErrInvalidToken     = errors.New("token is invalid")
	ErrExpiredToken     = errors.New("token has expired")
	ErrTokenNotYetValid = errors.New("token is not yet valid")

	// ErrWrongTokenType rejects a correctly signed token whose type claim is
	// not TokenType.
	ErrWrongTokenType = errors.New("token has the wrong type")

	ErrInvalidOperator = errors.New("operator name is required")
)

// TokenType is the type claim carried by operator tokens.
const TokenType = "operator"

// Issuer is the iss claim of every token this package signs.
const Issuer = "mediatext"

// JWTService issues and validates the bearer tokens operators present to the
// HTTP API.
type JWTService interface {
	// GenerateToken signs a token for operator. A zero lifetime uses the
	// configured default.
	GenerateToken(ctx context.Context, operator string, lifetime time.Duration) (string, error)

	// ValidateToken checks signature, issuer, type and validity window and
	// returns the token's claims.
	ValidateToken(ctx context.Context, tokenString string) (*Claims, error)
}

// Claims are the validated contents of an operator token.
type Claims struct {
	// Operator names who the token was issued to; it is also the subject.
	Operator  string    `json:"operator"`
	TokenType string    `json:"type"`
	IssuedAt  time.Time `json:"iat"`
	ExpiresAt time.Time `json:"exp"`
	ID        string    `json:"jti"`
}
