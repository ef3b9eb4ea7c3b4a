/*Package access provides utilities for access control

The service does not authenticate users itself. Bearer tokens (or the token cookie of the
frontend) are handed to the auth microservice, which reports who the user is and whether
they may access a proposal or session. The resulting Authorization is stored in the
request context.

Authorizations are added to a request context with

	ctx = auth.ContextWithAuthorization(ctx)

and retrieved with

	auth := AuthorizationFromContext(ctx)
*/
package access

import (
	"context"
	"sync"
	"time"
)

type contextKey string

const contextKeyAuthorization contextKey = "_authorization_"

// StaffPermissions are the permissions of facility staff. Staff may modify shipments of
// sessions which are about to start, and manage internal containers.
var StaffPermissions = []string{"em_admin", "super_admin"}

// Authorization is the user as reported by the auth service, together with the token it
// was derived from
type Authorization struct {
	Fedid       string   `json:"fedid"`
	GivenName   string   `json:"givenName,omitempty"`
	FamilyName  string   `json:"familyName,omitempty"`
	Email       string   `json:"email,omitempty"`
	Permissions []string `json:"permissions"`
	// Token is the bearer token of the request, forwarded to upstream services
	Token string `json:"-"`
}

// HasPermission returns true if the authorization carries any of the requested permissions
func (a *Authorization) HasPermission(permissions ...string) bool {
	if a == nil {
		return false
	}
	for _, has := range a.Permissions {
		for _, p := range permissions {
			if has == p {
				return true
			}
		}
	}
	return false
}

// IsStaff returns true for facility staff
func (a *Authorization) IsStaff() bool {
	return a.HasPermission(StaffPermissions...)
}

// ContextWithAuthorization returns a new context with this authorization added to it
func (a *Authorization) ContextWithAuthorization(ctx context.Context) context.Context {
	return context.WithValue(ctx, contextKeyAuthorization, a)
}

// AuthorizationFromContext retrieves an authorization from the context
func AuthorizationFromContext(ctx context.Context) *Authorization {
	a, _ := ctx.Value(contextKeyAuthorization).(*Authorization)
	return a
}

// TokenFromContext returns the bearer token of the authorization in ctx
func TokenFromContext(ctx context.Context) string {
	if a := AuthorizationFromContext(ctx); a != nil {
		return a.Token
	}
	return ""
}

type cachedAuthorization struct {
	auth    *Authorization
	expires time.Time
}

// AuthorizationCache is an in-memory cache for authorizations, keyed by token. It spares
// a round trip to the auth service for every single request.
type AuthorizationCache struct {
	mutex sync.RWMutex
	ttl   time.Duration
	cache map[string]cachedAuthorization
}

// NewAuthorizationCache creates a new authorization cache whose entries live for ttl
func NewAuthorizationCache(ttl time.Duration) *AuthorizationCache {
	return &AuthorizationCache{ttl: ttl, cache: make(map[string]cachedAuthorization)}
}

// Read returns an authorization from the cache, or nil if there is none or it expired.
// This function is go-routine safe
func (c *AuthorizationCache) Read(key string) *Authorization {
	c.mutex.RLock()
	entry, ok := c.cache[key]
	c.mutex.RUnlock()
	if !ok || time.Now().After(entry.expires) {
		return nil
	}
	return entry.auth
}

// Write stores an authorization in the cache. Expired entries are dropped on the way.
// This function is go-routine safe
func (c *AuthorizationCache) Write(key string, auth *Authorization) {
	now := time.Now()
	c.mutex.Lock()
	for k, entry := range c.cache {
		if now.After(entry.expires) {
			delete(c.cache, k)
		}
	}
	c.cache[key] = cachedAuthorization{auth: auth, expires: now.Add(c.ttl)}
	c.mutex.Unlock()
}
