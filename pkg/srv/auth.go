package srv

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"strings"
)

// ErrUnauthorized is returned for unknown tokens and for tokens used for a
// restaurant they were not issued for.
var ErrUnauthorized = errors.New("unauthorized")

// Authenticator maps a bearer token to the restaurant it grants, or AnyTenant.
type Authenticator interface {
	Grant(ctx context.Context, token string) (string, error)
}

// StaticTokens is a fixed token to tenant table.
type StaticTokens map[string]string

// Grant looks token up in constant time per entry.
func (s StaticTokens) Grant(_ context.Context, token string) (string, error) {
	if token == "" {
		return "", ErrUnauthorized
	}
	grant := ""
	for t, tenant := range s {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			grant = tenant
		}
	}
	if grant == "" {
		return "", ErrUnauthorized
	}
	return grant, nil
}

// authorize checks that token grants tenantID.
func authorize(ctx context.Context, auth Authenticator, token, tenantID string) (string, error) {
	grant, err := auth.Grant(ctx, token)
	if err != nil {
		return "", err
	}
	if grant != AnyTenant && grant != tenantID {
		return "", ErrUnauthorized
	}
	return grant, nil
}

// bearerToken returns the Authorization bearer token, or the token query
// parameter used by WebSocket clients that cannot set headers.
func bearerToken(r *http.Request) string {
	const prefix = "Bearer "
	if h := r.Header.Get("Authorization"); len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return strings.TrimSpace(h[len(prefix):])
	}
	return r.URL.Query().Get("token")
}
