// Package identity consumes verified identity claims from the external
// identity provider. Token issuance, credential storage and signature key
// management all live outside this service; the only thing trusted here is
// the shared verification secret.
package identity

import (
	"errors"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrInvalidToken indicates the bearer token failed verification.
var ErrInvalidToken = errors.New("identity: invalid token")

// Claim is the verified identity presented with a request: a stable user id
// and the account's active status, plus the optional organizational scope the
// identity provider assigned at issuance.
type Claim struct {
	UserID    string
	Active    bool
	Scope     string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

type tokenClaims struct {
	Active bool   `json:"active"`
	Scope  string `json:"scope,omitempty"`
	jwt.RegisteredClaims
}

// Verifier validates HS256 bearer tokens issued by the identity provider.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier builds a Verifier for the given shared secret. The expected
// issuer is optional; when set, tokens from any other issuer are rejected.
func NewVerifier(secret, issuer string) (*Verifier, error) {
	secret = strings.TrimSpace(secret)
	if secret == "" {
		return nil, errors.New("identity: verification secret is required")
	}
	return &Verifier{secret: []byte(secret), issuer: strings.TrimSpace(issuer), now: time.Now}, nil
}

// ParseToken verifies the token signature and required claims and returns the
// identity claim it carries.
func (v *Verifier) ParseToken(token string) (Claim, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Claim{}, ErrInvalidToken
	}
	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if t.Method != jwt.SigningMethodHS256 {
			return nil, ErrInvalidToken
		}
		return v.secret, nil
	}, jwt.WithTimeFunc(v.now))
	if err != nil {
		return Claim{}, ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return Claim{}, ErrInvalidToken
	}
	if strings.TrimSpace(claims.Subject) == "" {
		return Claim{}, ErrInvalidToken
	}
	if v.issuer != "" && claims.Issuer != v.issuer {
		return Claim{}, ErrInvalidToken
	}
	claim := Claim{
		UserID: claims.Subject,
		Active: claims.Active,
		Scope:  claims.Scope,
	}
	if claims.IssuedAt != nil {
		claim.IssuedAt = claims.IssuedAt.Time
	}
	if claims.ExpiresAt != nil {
		claim.ExpiresAt = claims.ExpiresAt.Time
	}
	return claim, nil
}
