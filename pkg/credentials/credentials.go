// Package credentials resolves the bearer token used to authenticate with the
// notification server.
package credentials

import (
	"encoding/json"
	"os"
	"strings"
)

// Source returns a token, or "" when none is available.
type Source interface {
	Token() string
}

// Static is a fixed token.
type Static string

// Token returns s.
func (s Static) Token() string { return strings.TrimSpace(string(s)) }

// Env reads the token from an environment variable on every call.
type Env string

// Token returns the variable's trimmed value.
func (e Env) Token() string {
	return strings.TrimSpace(os.Getenv(string(e)))
}

// File reads the token from a file on every call, so rotated tokens are picked up.
type File string

// Token returns the file's trimmed contents, or "" if it cannot be read.
func (f File) Token() string {
	if f == "" {
		return ""
	}
	b, err := os.ReadFile(string(f))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(b))
}

// AuthState reads a JSON auth-state document and returns the token found at
// "token", "auth.token" or "state.token".
type AuthState string

// Token returns the first token found in the document.
func (a AuthState) Token() string {
	if a == "" {
		return ""
	}
	b, err := os.ReadFile(string(a))
	if err != nil {
		return ""
	}
	return TokenFromAuthState(b)
}

// TokenFromAuthState extracts a token from an auth-state document.
func TokenFromAuthState(doc []byte) string {
	var m map[string]any
	if err := json.Unmarshal(doc, &m); err != nil {
		return ""
	}
	if s, ok := m["token"].(string); ok && strings.TrimSpace(s) != "" {
		return strings.TrimSpace(s)
	}
	for _, key := range []string{"auth", "state"} {
		nested, ok := m[key].(map[string]any)
		if !ok {
			continue
		}
		if s, ok := nested["token"].(string); ok && strings.TrimSpace(s) != "" {
			return strings.TrimSpace(s)
		}
	}
	return ""
}

// Chain returns the first non-empty token from its sources, in order.
type Chain []Source

// Token walks the chain.
func (c Chain) Token() string {
	for _, s := range c {
		if s == nil {
			continue
		}
		if t := s.Token(); t != "" {
			return t
		}
	}
	return ""
}
