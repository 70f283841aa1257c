package identity

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "test-secret-key"

func signToken(t *testing.T, secret string, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return signed
}

func TestNewJWTVerifier_RequiresSecret(t *testing.T) {
	t.Parallel()
	_, err := NewJWTVerifier("", "issuer")
	assert.Error(t, err)
}

func TestJWTVerifier_VerifyToken(t *testing.T) {
	t.Parallel()
	v, err := NewJWTVerifier(testSecret, "tutoring-platform")
	require.NoError(t, err)

	now := time.Now()

	tests := []struct {
		name         string
		token        string
		wantValid    bool
		wantIdentity string
	}{
		{
			name: "valid token",
			token: signToken(t, testSecret, jwt.MapClaims{
				"sub": "student-1",
				"iss": "tutoring-platform",
				"exp": now.Add(time.Hour).Unix(),
			}),
			wantValid:    true,
			wantIdentity: "student-1",
		},
		{
			name: "wrong signature",
			token: signToken(t, "other-secret", jwt.MapClaims{
				"sub": "student-1",
				"iss": "tutoring-platform",
				"exp": now.Add(time.Hour).Unix(),
			}),
		},
		{
			name: "expired",
			token: signToken(t, testSecret, jwt.MapClaims{
				"sub": "student-1",
				"iss": "tutoring-platform",
				"exp": now.Add(-time.Hour).Unix(),
			}),
		},
		{
			name: "missing expiry",
			token: signToken(t, testSecret, jwt.MapClaims{
				"sub": "student-1",
				"iss": "tutoring-platform",
			}),
		},
		{
			name: "wrong issuer",
			token: signToken(t, testSecret, jwt.MapClaims{
				"sub": "student-1",
				"iss": "someone-else",
				"exp": now.Add(time.Hour).Unix(),
			}),
		},
		{
			name: "missing subject",
			token: signToken(t, testSecret, jwt.MapClaims{
				"iss": "tutoring-platform",
				"exp": now.Add(time.Hour).Unix(),
			}),
		},
		{
			name:  "garbage",
			token: "not.a.jwt",
		},
	}

	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			res, err := v.VerifyToken(context.Background(), tt.token)
			// Token rejection is an outcome, never an error.
			require.NoError(t, err)
			assert.Equal(t, tt.wantValid, res.Valid)
			if tt.wantValid {
				assert.Equal(t, tt.wantIdentity, res.Identity)
			} else {
				assert.NotEmpty(t, res.Reason)
			}
		})
	}
}

func TestJWTVerifier_NoIssuerConfigured(t *testing.T) {
	t.Parallel()
	v, err := NewJWTVerifier(testSecret, "")
	require.NoError(t, err)

	token := signToken(t, testSecret, jwt.MapClaims{
		"sub": "student-1",
		"iss": "anything",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	res, err := v.VerifyToken(context.Background(), token)
	require.NoError(t, err)
	assert.True(t, res.Valid)
}

func TestStaticVerifier(t *testing.T) {
	t.Parallel()
	v := &StaticVerifier{Tokens: map[string]string{"tok": "alice"}}

	res, err := v.VerifyToken(context.Background(), "tok")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "alice", res.Identity)

	res, err = v.VerifyToken(context.Background(), "other")
	require.NoError(t, err)
	assert.False(t, res.Valid)
}

func TestInsecureDevVerifier(t *testing.T) {
	t.Parallel()
	v := InsecureDevVerifier{}

	res, err := v.VerifyToken(context.Background(), "anything")
	require.NoError(t, err)
	assert.True(t, res.Valid)
	assert.Equal(t, "anything", res.Identity)

	res, err = v.VerifyToken(context.Background(), "")
	require.NoError(t, err)
	assert.False(t, res.Valid)
}
