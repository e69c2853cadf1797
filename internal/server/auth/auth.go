// Package auth checks bearer tokens at connection boundaries.
package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"
)

// Scope identifies what a token is allowed to do.
type Scope int

const (
	ScopeNone Scope = iota
	// ScopeUser may read and emit general events.
	ScopeUser
	// ScopeRelay may additionally register as a relay.
	ScopeRelay
)

// Checker validates bearer tokens against the two configured secrets.
type Checker struct {
	userToken  string
	relayToken string
}

func New(userToken, relayToken string) *Checker {
	return &Checker{userToken: userToken, relayToken: relayToken}
}

// FromRequest extracts the bearer token from the Authorization header,
// falling back to the token query parameter for WebSocket clients that
// cannot set headers.
func FromRequest(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return tok
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

// Check returns the scope a token grants.
func (c *Checker) Check(token string) Scope {
	if token == "" {
		return ScopeNone
	}
	if c.relayToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(c.relayToken)) == 1 {
		return ScopeRelay
	}
	if c.userToken != "" && subtle.ConstantTimeCompare([]byte(token), []byte(c.userToken)) == 1 {
		return ScopeUser
	}
	return ScopeNone
}
