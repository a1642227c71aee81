// Package auth verifies identity provider session tokens for the user-facing
// routes. Identity is owned by the external provider; the service only checks
// the RS256 signature against a configured public key and reads the subject.
package auth

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"repurpose/internal/types"
)

// claims is the subset of the session token the service reads. The subject
// is the identity provider's user id (Clerk "user_..." ids).
type claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// JWTAuthenticator implements core.Authenticator.
type JWTAuthenticator struct {
	key    *rsa.PublicKey
	parser *jwt.Parser
}

// NewJWTAuthenticator parses the PEM encoded RSA public key. An empty issuer
// disables the issuer check.
func NewJWTAuthenticator(publicKeyPEM, issuer string, leeway time.Duration) (*JWTAuthenticator, error) {
	if strings.TrimSpace(publicKeyPEM) == "" {
		return nil, errors.New("auth: public key is empty")
	}
	// Env files often carry the PEM with escaped newlines.
	pem := strings.ReplaceAll(publicKeyPEM, `\n`, "\n")
	key, err := jwt.ParseRSAPublicKeyFromPEM([]byte(pem))
	if err != nil {
		return nil, fmt.Errorf("auth: parse public key: %w", err)
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(leeway),
	}
	if issuer != "" {
		opts = append(opts, jwt.WithIssuer(issuer))
	}
	return &JWTAuthenticator{key: key, parser: jwt.NewParser(opts...)}, nil
}

// ResolveToken verifies token and returns its actor. Expired tokens report
// auth_token_expired; every other failure reports auth_token_invalid.
func (a *JWTAuthenticator) ResolveToken(_ context.Context, token string) (*types.Actor, error) {
	var c claims
	_, err := a.parser.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) {
		return a.key, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, types.NewAppError(types.ErrCodeAuthTokenExpired, "token expired", err)
		}
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "token invalid", err)
	}
	if c.Subject == "" {
		return nil, types.NewAppError(types.ErrCodeAuthTokenInvalid, "token has no subject", nil)
	}
	return &types.Actor{Subject: c.Subject, Email: c.Email}, nil
}
