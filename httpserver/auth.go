package httpserver

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ruteri/compute-wallet-billing/interfaces"
)

// RoleAdmin grants access to the reconciliation endpoints.
const RoleAdmin = "admin"

// Claims are the bearer token claims issued by the identity service. The
// user id is read from "id" and falls back to "sub".
type Claims struct {
	jwt.RegisteredClaims
	ID    string `json:"id,omitempty"`
	Email string `json:"email,omitempty"`
	Role  string `json:"role,omitempty"`
}

type identityKey struct{}

type principal struct {
	identity interfaces.Identity
	role     string
}

// Authenticator validates HS256 bearer tokens and attaches the caller's
// identity to the request context.
type Authenticator struct {
	secret []byte
	users  interfaces.UserDirectory
	log    *slog.Logger
}

// NewAuthenticator creates an authenticator. users resolves the email of
// tokens that carry only a user id and may be nil.
func NewAuthenticator(secret []byte, users interfaces.UserDirectory, log *slog.Logger) (*Authenticator, error) {
	if len(secret) < 32 {
		return nil, fmt.Errorf("%w: jwt secret must be at least 32 bytes", interfaces.ErrValidation)
	}
	return &Authenticator{secret: secret, users: users, log: log}, nil
}

// IssueToken signs a token for identity. Used by operator tooling and tests.
func (a *Authenticator) IssueToken(identity interfaces.Identity, role string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   string(identity.UserID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
		ID:    string(identity.UserID),
		Email: identity.Email,
		Role:  role,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *Authenticator) parse(ctx context.Context, raw string) (*principal, error) {
	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	userID := claims.ID
	if userID == "" {
		userID = claims.Subject
	}
	if userID == "" {
		return nil, errors.New("token carries no user id")
	}

	identity := interfaces.Identity{UserID: interfaces.UserID(userID), Email: claims.Email}
	if identity.Email == "" && a.users != nil {
		found, err := a.users.LookupUser(ctx, identity.UserID)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve user: %w", err)
		}
		identity.Email = found.Email
	}
	return &principal{identity: identity, role: claims.Role}, nil
}

// Middleware rejects requests without a valid bearer token.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			writeJSON(w, http.StatusUnauthorized, errorBody{Code: "unauthorized", Message: "Missing bearer token."})
			return
		}

		p, err := a.parse(r.Context(), raw)
		if err != nil {
			a.log.Debug("Rejected bearer token", "err", err)
			writeJSON(w, http.StatusUnauthorized, errorBody{Code: "unauthorized", Message: "Invalid bearer token."})
			return
		}

		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), identityKey{}, p)))
	})
}

// RequireAdmin must run after Middleware.
func (a *Authenticator) RequireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p, ok := r.Context().Value(identityKey{}).(*principal)
		if !ok || p.role != RoleAdmin {
			writeJSON(w, http.StatusForbidden, errorBody{Code: interfaces.CodeForbidden, Message: "Not allowed."})
			return
		}
		next.ServeHTTP(w, r)
	})
}

// IdentityFromContext returns the authenticated caller.
func IdentityFromContext(ctx context.Context) (interfaces.Identity, bool) {
	p, ok := ctx.Value(identityKey{}).(*principal)
	if !ok {
		return interfaces.Identity{}, false
	}
	return p.identity, true
}
