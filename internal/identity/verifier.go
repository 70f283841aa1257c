// Package identity is the boundary to the external identity provider.
package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Result reports the outcome of a token verification. An invalid token
// is an expected outcome carried in the result, not an error; errors are
// reserved for provider failures (timeouts, transport).
type Result struct {
	Valid    bool
	Identity string
	Reason   string
}

// Verifier checks identity tokens presented during connection
// authentication.
type Verifier interface {
	VerifyToken(ctx context.Context, token string) (Result, error)
}

// JWTVerifier validates HMAC-signed platform tokens. The subject claim
// is the user identity.
type JWTVerifier struct {
	secret []byte
	issuer string
}

func NewJWTVerifier(secret, issuer string) (*JWTVerifier, error) {
	if secret == "" {
		return nil, errors.New("jwt verifier requires a non-empty secret")
	}
	return &JWTVerifier{secret: []byte(secret), issuer: issuer}, nil
}

func (v *JWTVerifier) VerifyToken(_ context.Context, tokenString string) (Result, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
		jwt.WithExpirationRequired(),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		return v.secret, nil
	}, opts...)
	if err != nil {
		return Result{Valid: false, Reason: fmt.Sprintf("token rejected: %v", err)}, nil
	}

	subject, err := token.Claims.GetSubject()
	if err != nil || subject == "" {
		return Result{Valid: false, Reason: "token has no subject"}, nil
	}

	return Result{Valid: true, Identity: subject}, nil
}

// InsecureDevVerifier accepts any non-empty token and uses it verbatim
// as the identity. Development use only; refused in production by the
// factory.
type InsecureDevVerifier struct{}

func (InsecureDevVerifier) VerifyToken(_ context.Context, token string) (Result, error) {
	if token == "" {
		return Result{Valid: false, Reason: "empty token"}, nil
	}
	return Result{Valid: true, Identity: token}, nil
}

// StaticVerifier accepts a fixed token-to-identity mapping. Development
// and test use only.
type StaticVerifier struct {
	Tokens map[string]string
}

func (v *StaticVerifier) VerifyToken(_ context.Context, token string) (Result, error) {
	if identity, ok := v.Tokens[token]; ok {
		return Result{Valid: true, Identity: identity}, nil
	}
	return Result{Valid: false, Reason: "unknown token"}, nil
}
