package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "ops-secret"

func signedToken(t *testing.T, secret string, exp time.Time) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "ops-user",
			ExpiresAt: jwt.NewNumericDate(exp),
		},
		Scope: "read",
	})
	s, err := token.SignedString([]byte(secret))
	require.NoError(t, err)
	return s
}

func TestValidateAccepts(t *testing.T) {
	v := NewValidator(testSecret)
	claims, err := v.Validate(signedToken(t, testSecret, time.Now().Add(time.Hour)))
	require.NoError(t, err)
	assert.Equal(t, "ops-user", claims.Subject)
	assert.Equal(t, "read", claims.Scope)
}

func TestValidateRejects(t *testing.T) {
	v := NewValidator(testSecret)

	_, err := v.Validate(signedToken(t, "wrong-secret", time.Now().Add(time.Hour)))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Validate(signedToken(t, testSecret, time.Now().Add(-time.Hour)))
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = v.Validate("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestNoExpiryRejected(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "ops-user"},
	})
	s, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = NewValidator(testSecret).Validate(s)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestMiddleware(t *testing.T) {
	v := NewValidator(testSecret)
	var gotSubject string
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		claims, ok := FromContext(r.Context())
		require.True(t, ok)
		gotSubject = claims.Subject
		w.WriteHeader(200)
	}))

	// Missing header.
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, httptest.NewRequest("GET", "/v1/executions", nil))
	assert.Equal(t, 401, rr.Code)

	// Wrong scheme.
	rr = httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/v1/executions", nil)
	req.Header.Set("Authorization", "Basic abc")
	handler.ServeHTTP(rr, req)
	assert.Equal(t, 401, rr.Code)

	// Valid token.
	rr = httptest.NewRecorder()
	req = httptest.NewRequest("GET", "/v1/executions", nil)
	req.Header.Set("Authorization", "Bearer "+signedToken(t, testSecret, time.Now().Add(time.Hour)))
	handler.ServeHTTP(rr, req)
	assert.Equal(t, 200, rr.Code)
	assert.Equal(t, "ops-user", gotSubject)
}
