// Package auth verifies the identity handoff for incoming connections. Token
// issuance lives with the external identity provider; this package only
// checks signatures and claims, once per connection, after which the gateway
// trusts the result for the connection's lifetime.
package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/golang-jwt/jwt/v5"
)

// Identity is the verified principal behind a connection.
type Identity struct {
	UserID   string
	Username string
}

// ErrInvalidToken is returned for any token that fails verification.
var ErrInvalidToken = errors.New("invalid token")

// Verifier validates a bearer token and yields the identity it asserts.
type Verifier interface {
	Verify(tokenString string) (Identity, error)
}

type tokenClaims struct {
	jwt.RegisteredClaims
	PreferredUsername string `json:"preferred_username"`
}

func identityFromClaims(claims *tokenClaims) (Identity, error) {
	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("%w: missing sub claim", ErrInvalidToken)
	}
	username := claims.PreferredUsername
	if username == "" {
		username = claims.Subject
	}
	return Identity{UserID: claims.Subject, Username: username}, nil
}

// JWKSVerifier validates tokens against a remote JWKS endpoint, refreshing
// keys in the background.
type JWKSVerifier struct {
	jwks   *keyfunc.JWKS
	issuer string
}

// NewJWKSVerifier fetches the JWKS with retries (the identity provider may
// still be starting alongside this process).
func NewJWKSVerifier(jwksURL, issuer string) (*JWKSVerifier, error) {
	var jwks *keyfunc.JWKS
	var err error
	for attempt := 1; attempt <= 30; attempt++ {
		jwks, err = keyfunc.Get(jwksURL, keyfunc.Options{
			Ctx:               context.Background(),
			RefreshInterval:   5 * time.Minute,
			RefreshRateLimit:  1 * time.Minute,
			RefreshUnknownKID: true,
			RefreshErrorHandler: func(err error) {
				slog.Error("JWKS refresh error", "error", err)
			},
		})
		if err == nil {
			break
		}
		slog.Info("Waiting for JWKS endpoint", "attempt", attempt, "error", err)
		time.Sleep(2 * time.Second)
	}
	if err != nil {
		return nil, fmt.Errorf("fetch JWKS after retries: %w", err)
	}
	slog.Info("JWKS loaded", "url", jwksURL)
	return &JWKSVerifier{jwks: jwks, issuer: issuer}, nil
}

func (v *JWKSVerifier) Verify(tokenString string) (Identity, error) {
	claims := &tokenClaims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, v.jwks.Keyfunc,
		jwt.WithIssuer(v.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	return identityFromClaims(claims)
}

// Close stops the JWKS background refresh goroutine.
func (v *JWKSVerifier) Close() {
	v.jwks.EndBackground()
}

// HMACVerifier validates tokens signed with a shared secret. Used for
// single-tenant deployments and tests.
type HMACVerifier struct {
	secret []byte
	issuer string
}

// NewHMACVerifier creates a verifier for HS256 tokens. issuer may be empty
// to skip issuer enforcement.
func NewHMACVerifier(secret []byte, issuer string) *HMACVerifier {
	return &HMACVerifier{secret: secret, issuer: issuer}
}

func (v *HMACVerifier) Verify(tokenString string) (Identity, error) {
	claims := &tokenClaims{}
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Name}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !token.Valid {
		return Identity{}, ErrInvalidToken
	}
	return identityFromClaims(claims)
}
