package api

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
)

func signHS256(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"sub": "user-123",
		"aud": "api://aud",
		"iss": "https://issuer/",
		"exp": time.Now().Add(5 * time.Minute).Unix(),
		"nbf": time.Now().Add(-time.Minute).Unix(),
		"iat": time.Now().Add(-time.Minute).Unix(),
	}
}

func TestBearerTokenSuccess(t *testing.T) {
	token, err := bearerToken("  Bearer header.payload.signature ")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(token) != "header.payload.signature" {
		t.Fatalf("unexpected token content: %s", string(token))
	}
}

func TestBearerTokenMissing(t *testing.T) {
	if _, err := bearerToken(""); err == nil || err.Error() != "missing authorization header" {
		t.Fatalf("expected missing header error, got %v", err)
	}
}

func TestBearerTokenManyPeriods(t *testing.T) {
	header := "Bearer " + strings.Repeat(".", 1000)
	if _, err := bearerToken(header); err == nil || err.Error() != "bad auth header" {
		t.Fatalf("expected bad auth header error, got %v", err)
	}
	if _, err := bearerToken("Basic a.b.c"); err != errBadAuthorization {
		t.Fatalf("expected bad auth header for basic scheme, got %v", err)
	}
}

func TestUserIDFromAuthHeaderHS256(t *testing.T) {
	auth := NewAuth(nil, AuthConfig{Audience: "api://aud", Issuer: "https://issuer/", SharedSecret: "test-secret"})

	userID, err := auth.UserIDFromAuthHeader("Bearer " + signHS256(t, "test-secret", validClaims()))
	if err != nil {
		t.Fatalf("unexpected error verifying token: %v", err)
	}
	if userID != "user-123" {
		t.Fatalf("unexpected user id: %s", userID)
	}
}

func TestUserIDFromBearerRejectsBadTokens(t *testing.T) {
	auth := NewAuth(nil, AuthConfig{Audience: "api://aud", Issuer: "https://issuer/", SharedSecret: "test-secret"})

	expired := validClaims()
	expired["exp"] = time.Now().Add(-5 * time.Minute).Unix()
	wrongAud := validClaims()
	wrongAud["aud"] = "api://other"
	noSub := validClaims()
	delete(noSub, "sub")

	cases := map[string]string{
		"wrong secret":   signHS256(t, "other-secret", validClaims()),
		"expired":        signHS256(t, "test-secret", expired),
		"wrong audience": signHS256(t, "test-secret", wrongAud),
		"missing sub":    signHS256(t, "test-secret", noSub),
	}
	for name, token := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := auth.UserIDFromBearer([]byte(token)); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestRS256WithoutJWKS(t *testing.T) {
	auth := NewAuth(nil, AuthConfig{})
	token := signHS256(t, "secret", validClaims())
	if _, err := auth.UserIDFromBearer([]byte(token)); err == nil {
		t.Fatal("expected HS256 token to be rejected in JWKS mode")
	}
}

func TestSessionForDefaultsWorkspace(t *testing.T) {
	if s := sessionFor("u1", ""); s.WorkspaceID != "u1" || s.UserID != "u1" {
		t.Fatalf("unexpected session %+v", s)
	}
	if s := sessionFor("u1", " team "); s.WorkspaceID != "team" {
		t.Fatalf("unexpected workspace %q", s.WorkspaceID)
	}
}
