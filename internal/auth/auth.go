// Package auth provides the pluggable token-validation predicate used when
// a router is configured with config.SecurityTokenRequired, grounded in the
// pack's JWT verifier.
package auth

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// Validator reports whether a bearer token presented during HELLO is
// acceptable. It validates structure, signature, and expiry only — it never
// scopes what an accepted session may do, since authorization beyond a
// yes/no predicate is out of scope.
type Validator func(token string) bool

// claims is the minimal shape claspd expects; any additional fields an
// issuer embeds are ignored.
type claims struct {
	jwt.RegisteredClaims
}

// NewValidator builds a Validator that checks tokens against publicKeyPEM,
// an RSA or EC public key in PEM form. Any signing method other than
// RSA/EC is rejected outright rather than trusting the token's own "alg"
// header, closing the classic algorithm-confusion hole.
func NewValidator(publicKeyPEM []byte) (Validator, error) {
	key, err := parsePublicKey(publicKeyPEM)
	if err != nil {
		return nil, err
	}

	return func(token string) bool {
		token = stripBearerPrefix(token)
		if token == "" {
			return false
		}
		parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (interface{}, error) {
			switch t.Method.(type) {
			case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
				return key, nil
			default:
				return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
			}
		})
		return err == nil && parsed.Valid
	}, nil
}

// NewValidatorFromFile loads the public key from disk before delegating to
// NewValidator.
func NewValidatorFromFile(path string) (Validator, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read jwt public key: %w", err)
	}
	return NewValidator(data)
}

func parsePublicKey(pemBytes []byte) (interface{}, error) {
	if key, err := jwt.ParseRSAPublicKeyFromPEM(pemBytes); err == nil {
		return key, nil
	}
	if key, err := jwt.ParseECPublicKeyFromPEM(pemBytes); err == nil {
		return key, nil
	}
	return nil, errors.New("public key is neither a valid RSA nor EC PEM block")
}

// stripBearerPrefix accepts both the bare token and a full Authorization
// header value, since HELLO's auth_token field may carry either.
func stripBearerPrefix(raw string) string {
	const bearerPrefix = "Bearer "
	return strings.TrimPrefix(raw, bearerPrefix)
}
