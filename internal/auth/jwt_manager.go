// Package auth issues and checks the bearer tokens that tie drafting
// sessions to a user. Tokens are HS256 JWTs signed with JWT_SECRET; the
// user id claim becomes the session owner.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const issuer = "spec-drafter"

var (
	// ErrMissingSigningKey is returned when no JWT secret is configured
	ErrMissingSigningKey = errors.New("JWT signing key is required")
	// ErrInvalidToken wraps every reason a token is rejected
	ErrInvalidToken = errors.New("invalid token")
)

var signingMethod = jwt.SigningMethodHS256

// JWTManager signs and verifies session owner tokens
type JWTManager struct {
	signingKey []byte
	tracer     trace.Tracer
}

// Claims carries the session owner. Roles are informational.
type Claims struct {
	UserID   string   `json:"user_id"`
	Username string   `json:"username"`
	Roles    []string `json:"roles"`
	jwt.RegisteredClaims
}

func NewJWTManager(signingKey string) (*JWTManager, error) {
	if signingKey == "" {
		return nil, ErrMissingSigningKey
	}
	return &JWTManager{
		signingKey: []byte(signingKey),
		tracer:     otel.Tracer("jwt-manager"),
	}, nil
}

// GenerateToken issues a token for userID that expires after ttl
func (jm *JWTManager) GenerateToken(ctx context.Context, userID, username string, roles []string, ttl time.Duration) (string, time.Time, error) {
	_, span := jm.tracer.Start(ctx, "jwt.generate_token")
	defer span.End()
	span.SetAttributes(attribute.String("user.id", userID))

	now := time.Now()
	expiresAt := now.Add(ttl)
	claims := &Claims{
		UserID:   userID,
		Username: username,
		Roles:    roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   userID,
			ID:        uuid.New().String(),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
	}

	signed, err := jwt.NewWithClaims(signingMethod, claims).SignedString(jm.signingKey)
	if err != nil {
		span.RecordError(err)
		return "", time.Time{}, fmt.Errorf("failed to sign token: %w", err)
	}
	span.SetAttributes(attribute.String("jwt.id", claims.ID))
	return signed, expiresAt, nil
}

// ValidateToken returns the claims of a token signed by this manager. The
// issuer and an expiry are required, and the token must name a user.
func (jm *JWTManager) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	_, span := jm.tracer.Start(ctx, "jwt.validate_token")
	defer span.End()

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(tokenString, claims,
		func(*jwt.Token) (interface{}, error) { return jm.signingKey, nil },
		jwt.WithValidMethods([]string{signingMethod.Alg()}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if claims.UserID == "" {
		return nil, fmt.Errorf("%w: no user id", ErrInvalidToken)
	}

	span.SetAttributes(attribute.String("user.id", claims.UserID))
	return claims, nil
}

// RefreshToken trades a still valid token for a new one with a fresh ttl
func (jm *JWTManager) RefreshToken(ctx context.Context, tokenString string, ttl time.Duration) (string, time.Time, error) {
	ctx, span := jm.tracer.Start(ctx, "jwt.refresh_token")
	defer span.End()

	claims, err := jm.ValidateToken(ctx, tokenString)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("cannot refresh: %w", err)
	}
	return jm.GenerateToken(ctx, claims.UserID, claims.Username, claims.Roles, ttl)
}
