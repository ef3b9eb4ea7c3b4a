package access

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/relabs-tech/scaup/core/client"
	"github.com/relabs-tech/scaup/core/logger"
)

// TokenCookie is the cookie used by the frontend to carry the bearer token
const TokenCookie = "cookie_key"

// Authorizer resolves users and checks their permissions
type Authorizer interface {
	// User returns the user behind token
	User(ctx context.Context, token string) (*Authorization, error)
	// Check returns nil if the user behind token may access the object id of kind endpoint
	// ("proposal", "session", ...)
	Check(ctx context.Context, token, endpoint, id string) error
}

// Error is an authorization failure with the status code reported by the auth service
type Error struct {
	Status int
	Detail string
}

func (e *Error) Error() string {
	return fmt.Sprintf("authorization failed with status %d: %s", e.Status, e.Detail)
}

// MicroAuth delegates to the auth microservice
type MicroAuth struct {
	client client.Client
	users  *AuthorizationCache
	checks *AuthorizationCache
}

// NewMicroAuth returns an Authorizer for the auth service at endpoint
func NewMicroAuth(endpoint string) *MicroAuth {
	return &MicroAuth{
		client: client.NewWithURL("auth", endpoint),
		users:  NewAuthorizationCache(5 * time.Minute),
		checks: NewAuthorizationCache(time.Minute),
	}
}

// User implements Authorizer
func (m *MicroAuth) User(ctx context.Context, token string) (*Authorization, error) {
	if auth := m.users.Read(token); auth != nil {
		return auth, nil
	}
	var user Authorization
	res, err := m.client.WithContext(ctx).WithToken(token).Do(http.MethodGet, "/user", nil)
	if err != nil {
		return nil, err
	}
	if res.Status != http.StatusOK {
		return nil, &Error{Status: res.Status, Detail: res.Detail()}
	}
	if err := res.Decode(&user); err != nil {
		return nil, err
	}
	m.users.Write(token, &user)
	return &user, nil
}

// Check implements Authorizer
func (m *MicroAuth) Check(ctx context.Context, token, endpoint, id string) error {
	path := "/permission/" + endpoint + "/" + id
	if endpoint == "proposal" {
		path += "/inSessions"
	}
	if m.checks.Read(token+path) != nil {
		return nil
	}
	res, err := m.client.WithContext(ctx).WithToken(token).Do(http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	if res.Status != http.StatusOK {
		logger.FromContext(ctx).Errorf("auth service returned %d for %s: %s", res.Status, path, res.Detail())
		return &Error{Status: res.Status, Detail: res.Detail()}
	}
	m.checks.Write(token+path, &Authorization{})
	return nil
}

// DummyAuth accepts every token as a staff user. Only meant for local development.
type DummyAuth struct{}

// User implements Authorizer
func (DummyAuth) User(_ context.Context, token string) (*Authorization, error) {
	return &Authorization{Fedid: "dummy", Permissions: StaffPermissions, Token: token}, nil
}

// Check implements Authorizer
func (DummyAuth) Check(context.Context, string, string, string) error {
	return nil
}

// BearerToken extracts the token from the Authorization header or the token cookie
func BearerToken(r *http.Request) string {
	bearer := r.Header.Get("Authorization")
	if len(bearer) > 0 && bearer != "null" {
		if len(bearer) >= 7 && strings.EqualFold(bearer[:7], "bearer ") {
			return bearer[7:]
		}
		return bearer
	}
	if cookie, _ := r.Cookie(TokenCookie); cookie != nil {
		return cookie.Value
	}
	return ""
}

// NewMiddleware returns a middleware which resolves the bearer token of a request into an
// Authorization. Requests without token are answered with 401, unless the route is public.
func NewMiddleware(authorizer Authorizer, public func(r *http.Request) bool) mux.MiddlewareFunc {
	return func(h http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodOptions || (public != nil && public(r)) {
				h.ServeHTTP(w, r)
				return
			}
			token := BearerToken(r)
			if token == "" {
				http.Error(w, "missing bearer token", http.StatusUnauthorized)
				return
			}
			auth, err := authorizer.User(r.Context(), token)
			if err != nil {
				WriteError(w, r, err)
				return
			}
			withToken := *auth
			withToken.Token = token
			ctx, _ := logger.ContextWithIdentity(r.Context(), withToken.Fedid)
			h.ServeHTTP(w, r.WithContext(withToken.ContextWithAuthorization(ctx)))
		})
	}
}

// WriteError answers an authorization error
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	if authErr, ok := err.(*Error); ok {
		http.Error(w, authErr.Detail, authErr.Status)
		return
	}
	logger.FromContext(r.Context()).WithError(err).Errorln("Error 4731: auth service unavailable")
	http.Error(w, "Error 4731", http.StatusBadGateway)
}
