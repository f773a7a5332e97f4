package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"

	"valet/internal/domain"
)

// TokenVerifier validates bearer tokens and returns the caller id.
type TokenVerifier interface {
	VerifyToken(tokenString string) (string, error)
	Close() error
}

// JWKSVerifier validates tokens against keys fetched from a JWKS endpoint.
// Keys are cached and refreshed by the keyfunc library based on HTTP cache
// headers.
type JWKSVerifier struct {
	jwks   keyfunc.Keyfunc
	logger *slog.Logger
}

// NewJWKSVerifier creates a verifier backed by the given JWKS endpoint.
func NewJWKSVerifier(jwksURL string, logger *slog.Logger) (TokenVerifier, error) {
	if jwksURL == "" {
		return nil, errors.New("JWKS URL cannot be empty")
	}

	jwks, err := keyfunc.NewDefaultCtx(context.Background(), []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("create JWKS client: %w", err)
	}

	logger.Info("JWKS verifier initialized", "jwks_url", jwksURL)

	return &JWKSVerifier{jwks: jwks, logger: logger}, nil
}

// VerifyToken validates a JWT and returns its subject.
func (v *JWKSVerifier) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, v.jwks.Keyfunc)
	if err != nil || !token.Valid {
		return "", domain.ErrUnauthorized
	}

	// Prevent algorithm confusion attacks - allow only asymmetric schemes
	switch token.Method.Alg() {
	case "RS256", "ES256":
	default:
		v.logger.Warn("token uses unexpected algorithm", "algorithm", token.Method.Alg())
		return "", domain.ErrUnauthorized
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", domain.ErrUnauthorized
	}
	return claims.Subject, nil
}

// Close releases verifier resources. keyfunc manages its own refresh
// lifecycle, so this is a no-op kept for shutdown symmetry.
func (v *JWKSVerifier) Close() error {
	return nil
}

// HMACVerifier validates tokens signed with a shared secret. Used by
// single-operator deployments that have no external identity provider.
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier creates a shared-secret verifier.
func NewHMACVerifier(secret string) (TokenVerifier, error) {
	if secret == "" {
		return nil, errors.New("auth secret cannot be empty")
	}
	return &HMACVerifier{secret: []byte(secret)}, nil
}

// VerifyToken validates a JWT and returns its subject.
func (v *HMACVerifier) VerifyToken(tokenString string) (string, error) {
	token, err := jwt.ParseWithClaims(tokenString, &jwt.RegisteredClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %s", t.Method.Alg())
		}
		return v.secret, nil
	})
	if err != nil || !token.Valid {
		return "", domain.ErrUnauthorized
	}

	claims, ok := token.Claims.(*jwt.RegisteredClaims)
	if !ok || claims.Subject == "" {
		return "", domain.ErrUnauthorized
	}
	return claims.Subject, nil
}

// Close implements TokenVerifier.
func (v *HMACVerifier) Close() error { return nil }
