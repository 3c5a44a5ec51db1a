// Package auth validates identity-provider bearer tokens for escrowd.
//
// Authentication model:
//   - Webhooks and health probes: no bearer token (webhooks are verified
//     against the gateway instead)
//   - Buyer and seller endpoints: HS256 JWT whose subject is the user id
//   - Admin endpoints: same token with role "admin"
package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/mbd888/escrowd/internal/ledger"
)

// Errors
var (
	ErrNoToken      = errors.New("bearer token required")
	ErrInvalidToken = errors.New("invalid or expired bearer token")
	ErrNoSubject    = errors.New("token subject is required")
)

// Claims are the JWT claims expected from the identity provider.
type Claims struct {
	jwt.RegisteredClaims
	Role  ledger.Role `json:"role"`
	Email string      `json:"email,omitempty"`
	Name  string      `json:"name,omitempty"`
}

// Identity is the authenticated caller.
type Identity struct {
	UserID string
	Role   ledger.Role
	Email  string
	Name   string
}

// Validator checks HS256 bearer tokens.
type Validator struct {
	secret []byte
	issuer string
	leeway time.Duration
}

// NewValidator creates a validator. An empty issuer disables the iss check.
func NewValidator(secret, issuer string) *Validator {
	return &Validator{secret: []byte(secret), issuer: issuer, leeway: 30 * time.Second}
}

// Validate parses a raw token (with or without the "Bearer " prefix).
func (v *Validator) Validate(raw string) (*Identity, error) {
	raw = strings.TrimSpace(raw)
	if after, ok := strings.CutPrefix(raw, "Bearer "); ok {
		raw = strings.TrimSpace(after)
	}
	if raw == "" {
		return nil, ErrNoToken
	}

	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(v.leeway),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	claims := &Claims{}
	tok, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	if !tok.Valid {
		return nil, ErrInvalidToken
	}
	if claims.Subject == "" {
		return nil, ErrNoSubject
	}

	role := claims.Role
	if role == "" {
		role = ledger.RoleBuyer
	}
	return &Identity{UserID: claims.Subject, Role: role, Email: claims.Email, Name: claims.Name}, nil
}

// Issue signs a token for id. Used by dev seeding and tests; production
// tokens come from the identity provider.
func (v *Validator) Issue(id Identity, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   id.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		Role:  id.Role,
		Email: id.Email,
		Name:  id.Name,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}
