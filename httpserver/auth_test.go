package httpserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ruteri/compute-wallet-billing/interfaces"
	"github.com/ruteri/compute-wallet-billing/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func echoIdentity(w http.ResponseWriter, r *http.Request) {
	id, ok := IdentityFromContext(r.Context())
	if !ok {
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": string(id.UserID), "email": id.Email})
}

func serveWithToken(t *testing.T, auth *Authenticator, token string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	auth.Middleware(http.HandlerFunc(echoIdentity)).ServeHTTP(rec, req)
	return rec
}

func sign(t *testing.T, method jwt.SigningMethod, key any, claims jwt.Claims) string {
	t.Helper()
	token, err := jwt.NewWithClaims(method, claims).SignedString(key)
	require.NoError(t, err)
	return token
}

func TestAuthenticator(t *testing.T) {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	users := store.NewMemory()
	users.AddUser(interfaces.Identity{UserID: "u-7", Email: "seven@example.com"})

	auth, err := NewAuthenticator([]byte(testSecret), users, log)
	require.NoError(t, err)
	exp := jwt.NewNumericDate(time.Now().Add(time.Hour))

	t.Run("id and email claims", func(t *testing.T) {
		token := sign(t, jwt.SigningMethodHS256, []byte(testSecret), Claims{
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp},
			ID:               "u-1",
			Email:            "one@example.com",
		})
		rec := serveWithToken(t, auth, token)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"id":"u-1","email":"one@example.com"}`, rec.Body.String())
	})

	t.Run("sub claim with email from directory", func(t *testing.T) {
		token := sign(t, jwt.SigningMethodHS256, []byte(testSecret), Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "u-7", ExpiresAt: exp},
		})
		rec := serveWithToken(t, auth, token)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"id":"u-7","email":"seven@example.com"}`, rec.Body.String())
	})

	t.Run("unknown user without email", func(t *testing.T) {
		token := sign(t, jwt.SigningMethodHS256, []byte(testSecret), Claims{
			RegisteredClaims: jwt.RegisteredClaims{Subject: "u-404", ExpiresAt: exp},
		})
		assert.Equal(t, http.StatusUnauthorized, serveWithToken(t, auth, token).Code)
	})

	t.Run("missing token", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, serveWithToken(t, auth, "").Code)
	})

	t.Run("wrong secret", func(t *testing.T) {
		token := sign(t, jwt.SigningMethodHS256, []byte("another-secret-another-secret-xx"), Claims{
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp},
			ID:               "u-1",
			Email:            "one@example.com",
		})
		assert.Equal(t, http.StatusUnauthorized, serveWithToken(t, auth, token).Code)
	})

	t.Run("expired", func(t *testing.T) {
		token := sign(t, jwt.SigningMethodHS256, []byte(testSecret), Claims{
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute))},
			ID:               "u-1",
			Email:            "one@example.com",
		})
		assert.Equal(t, http.StatusUnauthorized, serveWithToken(t, auth, token).Code)
	})

	t.Run("no expiry", func(t *testing.T) {
		token := sign(t, jwt.SigningMethodHS256, []byte(testSecret), Claims{ID: "u-1", Email: "one@example.com"})
		assert.Equal(t, http.StatusUnauthorized, serveWithToken(t, auth, token).Code)
	})

	t.Run("algorithm none", func(t *testing.T) {
		token := sign(t, jwt.SigningMethodNone, jwt.UnsafeAllowNoneSignatureType, Claims{
			RegisteredClaims: jwt.RegisteredClaims{ExpiresAt: exp},
			ID:               "u-1",
			Email:            "one@example.com",
		})
		assert.Equal(t, http.StatusUnauthorized, serveWithToken(t, auth, token).Code)
	})
}

func TestNewAuthenticatorRejectsShortSecret(t *testing.T) {
	_, err := NewAuthenticator([]byte("short"), nil, slog.Default())
	assert.ErrorIs(t, err, interfaces.ErrValidation)
}

func TestIdentityFromContextEmpty(t *testing.T) {
	_, ok := IdentityFromContext(context.Background())
	assert.False(t, ok)
}
