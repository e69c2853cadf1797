package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestFromRequest(t *testing.T) {
	r := httptest.NewRequest("GET", "/ws/events", nil)
	r.Header.Set("Authorization", "Bearer secret")
	require.Equal(t, "secret", FromRequest(r))

	// Header takes precedence but a malformed one is not salvaged from
	// the query string.
	r = httptest.NewRequest("GET", "/ws/events?token=qs", nil)
	r.Header.Set("Authorization", "Basic abc")
	require.Equal(t, "", FromRequest(r))

	r = httptest.NewRequest("GET", "/ws/events?token=qs", nil)
	require.Equal(t, "qs", FromRequest(r))
}

func TestCheck_Scopes(t *testing.T) {
	c := New("user-secret", "relay-secret")

	require.Equal(t, ScopeUser, c.Check("user-secret"))
	require.Equal(t, ScopeRelay, c.Check("relay-secret"))
	require.Equal(t, ScopeNone, c.Check("wrong"))
	require.Equal(t, ScopeNone, c.Check(""))
}

func TestCheck_EmptySecretsNeverMatch(t *testing.T) {
	c := New("", "")
	require.Equal(t, ScopeNone, c.Check(""))
	require.Equal(t, ScopeNone, c.Check("anything"))
}
