// ABOUTME: JWT tokens identifying a spawned worker to its agent
// ABOUTME: HS256 signed; the subject is the worker address, the role claim its worker type

package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/2389/coven-sim/internal/address"
	"github.com/2389/coven-sim/internal/harness"
)

// Token errors
var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("token expired")
	ErrMissingClaim = errors.New("missing required claim")
	ErrWeakSecret   = errors.New("token secret too short")
)

// MinSecretLength is the minimum HS256 secret length in bytes.
const MinSecretLength = 32

// TokenVerifier defines the interface for token verification
type TokenVerifier interface {
	Verify(tokenString string) (WorkerIdentity, error)
}

// WorkerIdentity is what a verified token asserts about its bearer.
type WorkerIdentity struct {
	Address address.Address
	Type    harness.WorkerType
}

// JWTVerifier issues and verifies worker tokens signed with HS256.
type JWTVerifier struct {
	secret []byte
}

// NewJWTVerifier creates a verifier for secret.
func NewJWTVerifier(secret []byte) (*JWTVerifier, error) {
	if len(secret) < MinSecretLength {
		return nil, fmt.Errorf("%w: need %d bytes, got %d", ErrWeakSecret, MinSecretLength, len(secret))
	}
	return &JWTVerifier{secret: secret}, nil
}

// Verify validates the token and extracts the worker identity.
func (v *JWTVerifier) Verify(tokenString string) (WorkerIdentity, error) {
	token, err := jwt.Parse(tokenString, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))

	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return WorkerIdentity{}, ErrExpiredToken
		}
		return WorkerIdentity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return WorkerIdentity{}, ErrInvalidToken
	}

	sub, ok := claims["sub"].(string)
	if !ok || sub == "" {
		return WorkerIdentity{}, fmt.Errorf("%w: sub", ErrMissingClaim)
	}
	addr, err := address.Parse(sub)
	if err != nil {
		return WorkerIdentity{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if addr.Level() != address.WorkerLevel || addr.IsWildcard() {
		return WorkerIdentity{}, fmt.Errorf("%w: %s is not a worker address", ErrInvalidToken, addr)
	}

	role, ok := claims["role"].(string)
	if !ok || role == "" {
		return WorkerIdentity{}, fmt.Errorf("%w: role", ErrMissingClaim)
	}

	return WorkerIdentity{Address: addr, Type: harness.WorkerType(role)}, nil
}

// Generate creates a token for the worker at addr, valid for expiresIn.
func (v *JWTVerifier) Generate(addr address.Address, workerType harness.WorkerType, expiresIn time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub":  addr.String(),
		"role": string(workerType),
		"iat":  now.Unix(),
		"exp":  now.Add(expiresIn).Unix(),
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(v.secret)
}
