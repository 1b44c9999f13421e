package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var testSecret = []byte("test-secret")

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(testSecret)
	if err != nil {
		t.Fatal(err)
	}
	return signed
}

func TestHMACVerifier_Valid(t *testing.T) {
	v := NewHMACVerifier(testSecret, "chat")
	token := signToken(t, jwt.MapClaims{
		"sub":                "u-123",
		"preferred_username": "alice",
		"iss":                "chat",
		"exp":                time.Now().Add(time.Hour).Unix(),
	})

	id, err := v.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if id.UserID != "u-123" || id.Username != "alice" {
		t.Errorf("identity = %+v", id)
	}
}

func TestHMACVerifier_UsernameFallsBackToSubject(t *testing.T) {
	v := NewHMACVerifier(testSecret, "")
	token := signToken(t, jwt.MapClaims{
		"sub": "u-123",
		"exp": time.Now().Add(time.Hour).Unix(),
	})

	id, err := v.Verify(token)
	if err != nil {
		t.Fatal(err)
	}
	if id.Username != "u-123" {
		t.Errorf("username = %q, want subject fallback", id.Username)
	}
}

func TestHMACVerifier_Rejections(t *testing.T) {
	v := NewHMACVerifier(testSecret, "chat")

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-jwt"},
		{"expired", signToken(t, jwt.MapClaims{
			"sub": "u-123", "iss": "chat", "exp": time.Now().Add(-time.Hour).Unix(),
		})},
		{"missing expiry", signToken(t, jwt.MapClaims{
			"sub": "u-123", "iss": "chat",
		})},
		{"wrong issuer", signToken(t, jwt.MapClaims{
			"sub": "u-123", "iss": "other", "exp": time.Now().Add(time.Hour).Unix(),
		})},
		{"missing subject", signToken(t, jwt.MapClaims{
			"iss": "chat", "exp": time.Now().Add(time.Hour).Unix(),
		})},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := v.Verify(tt.token); !errors.Is(err, ErrInvalidToken) {
				t.Errorf("err = %v, want ErrInvalidToken", err)
			}
		})
	}
}

func TestHMACVerifier_WrongSecret(t *testing.T) {
	v := NewHMACVerifier(testSecret, "")
	other := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"sub": "u-123",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := other.SignedString([]byte("different-secret"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.Verify(signed); !errors.Is(err, ErrInvalidToken) {
		t.Errorf("err = %v, want ErrInvalidToken", err)
	}
}
