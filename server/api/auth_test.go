package api

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	return signed
}

func TestLocalAuthExtractsSubject(t *testing.T) {
	a := NewLocalAuth([]byte("s3cret"))
	token := signHS256(t, "s3cret", jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(time.Hour).Unix()})

	sub, err := a.UserIDFromAuthHeader("Bearer " + token)
	if err != nil {
		t.Fatalf("auth: %v", err)
	}
	if sub != "alice" {
		t.Fatalf("sub %q", sub)
	}
}

func TestLocalAuthRejectsWrongSecret(t *testing.T) {
	a := NewLocalAuth([]byte("s3cret"))
	token := signHS256(t, "other", jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(time.Hour).Unix()})

	if _, err := a.UserIDFromToken(token); err == nil {
		t.Fatal("forged token accepted")
	}
}

func TestLocalAuthRejectsExpiredToken(t *testing.T) {
	a := NewLocalAuth([]byte("s3cret"))
	token := signHS256(t, "s3cret", jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(-time.Hour).Unix()})

	if _, err := a.UserIDFromToken(token); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestLocalAuthRejectsMissingSubject(t *testing.T) {
	a := NewLocalAuth([]byte("s3cret"))
	token := signHS256(t, "s3cret", jwt.MapClaims{"exp": time.Now().Add(time.Hour).Unix()})

	if _, err := a.UserIDFromToken(token); err == nil {
		t.Fatal("token without sub accepted")
	}
}

func TestAuthHeaderParsing(t *testing.T) {
	a := NewLocalAuth([]byte("s3cret"))

	if _, err := a.UserIDFromAuthHeader(""); err == nil {
		t.Fatal("empty header accepted")
	}
	if _, err := a.UserIDFromAuthHeader("Basic dXNlcg=="); err == nil {
		t.Fatal("non-bearer header accepted")
	}
	token := signHS256(t, "s3cret", jwt.MapClaims{"sub": "alice", "exp": time.Now().Add(time.Hour).Unix()})
	if _, err := a.UserIDFromAuthHeader("bearer " + token); err != nil {
		t.Fatalf("case-insensitive scheme rejected: %v", err)
	}
}
