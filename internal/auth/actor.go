// Package auth identifies the current actor from a bearer token.
package auth

import (
	"context"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/pesio-ai/be-hse-approvals/internal/platform/errors"
)

// Actor is the authenticated user making a call.
type Actor struct {
	ID          string   `json:"id"`
	DisplayName string   `json:"display_name"`
	JobTitle    string   `json:"job_title,omitempty"`
	Department  string   `json:"department,omitempty"`
	Roles       []string `json:"roles,omitempty"`
}

// Anonymous is the zero actor.
var Anonymous = Actor{}

// IsAnonymous reports whether no user is authenticated.
func (a Actor) IsAnonymous() bool {
	return a.ID == ""
}

// HasAnyRole reports whether the actor holds one of roles.
func (a Actor) HasAnyRole(roles ...string) bool {
	for _, r := range a.Roles {
		if slices.ContainsFunc(roles, func(want string) bool { return strings.EqualFold(want, r) }) {
			return true
		}
	}
	return false
}

// Claims is the JWT payload issued by the platform identity service.
type Claims struct {
	DisplayName string   `json:"name,omitempty"`
	JobTitle    string   `json:"job_title,omitempty"`
	Department  string   `json:"department,omitempty"`
	Roles       []string `json:"roles,omitempty"`
	jwt.RegisteredClaims
}

// Authenticator validates HS256 tokens.
type Authenticator struct {
	secret []byte
	issuer string
}

// NewAuthenticator creates an Authenticator. An empty issuer skips the
// issuer check.
func NewAuthenticator(secret, issuer string) *Authenticator {
	return &Authenticator{secret: []byte(secret), issuer: issuer}
}

// Parse validates a raw token and returns its actor.
func (a *Authenticator) Parse(raw string) (Actor, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	claims := &Claims{}
	_, err := jwt.ParseWithClaims(raw, claims, func(*jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil {
		return Anonymous, errors.Wrap(err, errors.ErrCodeUnauthenticated, "invalid bearer token")
	}
	if claims.Subject == "" {
		return Anonymous, errors.New(errors.ErrCodeUnauthenticated, "token has no subject")
	}

	return Actor{
		ID:          claims.Subject,
		DisplayName: claims.DisplayName,
		JobTitle:    claims.JobTitle,
		Department:  claims.Department,
		Roles:       claims.Roles,
	}, nil
}

// Issue signs a token for actor. Used by tests and the dev token command.
func (a *Authenticator) Issue(actor Actor, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		DisplayName: actor.DisplayName,
		JobTitle:    actor.JobTitle,
		Department:  actor.Department,
		Roles:       actor.Roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.ID,
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

type actorKey struct{}

// WithActor stores actor in ctx.
func WithActor(ctx context.Context, actor Actor) context.Context {
	return context.WithValue(ctx, actorKey{}, actor)
}

// CurrentActor returns the actor stored in ctx, or Anonymous.
func CurrentActor(ctx context.Context) Actor {
	if a, ok := ctx.Value(actorKey{}).(Actor); ok {
		return a
	}
	return Anonymous
}

// BearerToken extracts the token from an Authorization header value.
func BearerToken(header string) string {
	const prefix = "bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}

// Middleware attaches the actor from the Authorization header. Requests
// without a token continue as anonymous; invalid tokens are rejected.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw := BearerToken(r.Header.Get("Authorization"))
		if raw == "" {
			// Browsers cannot set headers on websocket upgrades.
			raw = r.URL.Query().Get("access_token")
		}
		if raw == "" {
			next.ServeHTTP(w, r)
			return
		}

		actor, err := a.Parse(raw)
		if err != nil {
			http.Error(w, "Invalid bearer token", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithActor(r.Context(), actor)))
	})
}
