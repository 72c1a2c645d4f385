package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"strings"
)

var (
	// ErrMissingAdminSecret indicates the verifier was built without a secret.
	ErrMissingAdminSecret = errors.New("admin verifier: secret required")
	// ErrInvalidAdminSecret indicates the presented secret does not match.
	ErrInvalidAdminSecret = errors.New("admin verifier: invalid secret")
	// ErrMissingOperator indicates the request names no operator.
	ErrMissingOperator = errors.New("admin verifier: operator name required")
)

// OperatorClaims exposes the verified operator identity.
type OperatorClaims struct {
	Subject string
}

// AdminVerifier checks the shared admin secret operators exchange for a token.
type AdminVerifier struct {
	digest [sha256.Size]byte
}

// NewAdminVerifier constructs a verifier for the configured admin secret.
func NewAdminVerifier(secret string) (*AdminVerifier, error) {
	if strings.TrimSpace(secret) == "" {
		return nil, ErrMissingAdminSecret
	}
	return &AdminVerifier{digest: sha256.Sum256([]byte(secret))}, nil
}

// Verify compares the presented secret in constant time and returns the
// operator identity to put into the token.
func (v *AdminVerifier) Verify(_ context.Context, operator, secret string) (OperatorClaims, error) {
	operator = strings.TrimSpace(operator)
	if operator == "" {
		return OperatorClaims{}, ErrMissingOperator
	}
	presented := sha256.Sum256([]byte(secret))
	if subtle.ConstantTimeCompare(presented[:], v.digest[:]) != 1 {
		return OperatorClaims{}, ErrInvalidAdminSecret
	}
	return OperatorClaims{Subject: "operator:" + operator}, nil
}
