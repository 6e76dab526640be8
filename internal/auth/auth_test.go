package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func generateKeyPair(t *testing.T) (*rsa.PrivateKey, []byte) {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		t.Fatalf("marshal public key: %v", err)
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	return key, pubPEM
}

func sign(t *testing.T, key *rsa.PrivateKey, expiresIn time.Duration) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, &claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(expiresIn)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	})
	signed, err := token.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func TestValidatorAcceptsValidToken(t *testing.T) {
	key, pubPEM := generateKeyPair(t)
	validate, err := NewValidator(pubPEM)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	token := sign(t, key, time.Hour)
	if !validate(token) {
		t.Fatal("expected a freshly signed token to validate")
	}
}

func TestValidatorRejectsExpiredToken(t *testing.T) {
	key, pubPEM := generateKeyPair(t)
	validate, err := NewValidator(pubPEM)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	token := sign(t, key, -time.Hour)
	if validate(token) {
		t.Fatal("expected an expired token to be rejected")
	}
}

func TestValidatorRejectsWrongKey(t *testing.T) {
	key, _ := generateKeyPair(t)
	_, otherPubPEM := generateKeyPair(t)
	validate, err := NewValidator(otherPubPEM)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	token := sign(t, key, time.Hour)
	if validate(token) {
		t.Fatal("expected a token signed by a different key to be rejected")
	}
}

func TestValidatorRejectsGarbage(t *testing.T) {
	_, pubPEM := generateKeyPair(t)
	validate, err := NewValidator(pubPEM)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}
	if validate("not-a-jwt") {
		t.Fatal("expected garbage input to be rejected")
	}
	if validate("") {
		t.Fatal("expected empty input to be rejected")
	}
}

func TestValidatorStripsBearerPrefix(t *testing.T) {
	key, pubPEM := generateKeyPair(t)
	validate, err := NewValidator(pubPEM)
	if err != nil {
		t.Fatalf("NewValidator: %v", err)
	}

	token := sign(t, key, time.Hour)
	if !validate("Bearer " + token) {
		t.Fatal("expected a Bearer-prefixed token to validate")
	}
}

func TestNewValidatorRejectsBadKey(t *testing.T) {
	if _, err := NewValidator([]byte("not a pem key")); err == nil {
		t.Fatal("expected NewValidator to reject a malformed PEM block")
	}
}
