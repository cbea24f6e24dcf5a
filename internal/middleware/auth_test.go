package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"storefront-payments/internal/apperr"
	"storefront-payments/internal/config"
	"storefront-payments/internal/model"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testJWT = config.JWT{Secret: "test-secret", Issuer: "storefront"}

func run(t *testing.T, header string, mw ...echo.MiddlewareFunc) (model.Actor, error) {
	t.Helper()

	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set(echo.HeaderAuthorization, header)
	}
	c := e.NewContext(req, httptest.NewRecorder())

	var seen model.Actor
	h := func(c echo.Context) error {
		seen = ActorFrom(c)
		return nil
	}
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return seen, h(c)
}

func TestAuthenticate(t *testing.T) {
	token, err := IssueToken(testJWT, "user-7", "customer", time.Hour)
	require.NoError(t, err)

	actor, err := run(t, "Bearer "+token, Authenticate(testJWT))
	require.NoError(t, err)
	assert.Equal(t, model.UserActor("user-7", "customer"), actor)
}

func TestAuthenticate_Rejects(t *testing.T) {
	expired, err := IssueToken(testJWT, "user-7", "customer", -time.Minute)
	require.NoError(t, err)
	otherIssuer, err := IssueToken(config.JWT{Secret: testJWT.Secret, Issuer: "elsewhere"}, "user-7", "", time.Hour)
	require.NoError(t, err)
	otherSecret, err := IssueToken(config.JWT{Secret: "nope", Issuer: testJWT.Issuer}, "user-7", "", time.Hour)
	require.NoError(t, err)
	noSubject, err := IssueToken(testJWT, "", "admin", time.Hour)
	require.NoError(t, err)
	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub": "user-7", "exp": time.Now().Add(time.Hour).Unix()}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"not bearer", "Basic dXNlcjpwYXNz"},
		{"empty bearer", "Bearer "},
		{"garbage", "Bearer not.a.token"},
		{"expired", "Bearer " + expired},
		{"wrong issuer", "Bearer " + otherIssuer},
		{"wrong secret", "Bearer " + otherSecret},
		{"no subject", "Bearer " + noSubject},
		{"unsigned", "Bearer " + none},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := run(t, tt.header, Authenticate(testJWT))
			assert.Equal(t, apperr.CodeUnauthorized, apperr.CodeOf(err))
		})
	}
}

func TestAuthenticate_NoSecretConfigured(t *testing.T) {
	token, err := IssueToken(testJWT, "user-7", "", time.Hour)
	require.NoError(t, err)

	_, err = run(t, "Bearer "+token, Authenticate(config.JWT{}))
	assert.Equal(t, apperr.CodeUnauthorized, apperr.CodeOf(err))
}

func TestRequireAdmin(t *testing.T) {
	customer, err := IssueToken(testJWT, "user-7", "customer", time.Hour)
	require.NoError(t, err)
	admin, err := IssueToken(testJWT, "admin-1", model.RoleAdmin, time.Hour)
	require.NoError(t, err)

	_, err = run(t, "Bearer "+customer, Authenticate(testJWT), RequireAdmin())
	assert.Equal(t, apperr.CodeForbidden, apperr.CodeOf(err))

	actor, err := run(t, "Bearer "+admin, Authenticate(testJWT), RequireAdmin())
	require.NoError(t, err)
	assert.True(t, actor.IsAdmin())

	_, err = run(t, "", RequireAdmin())
	assert.Equal(t, apperr.CodeUnauthorized, apperr.CodeOf(err))
}
