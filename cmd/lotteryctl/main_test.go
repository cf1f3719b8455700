package main

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/lottery_engine/internal/middleware"
)

type recorded struct {
	method  string
	path    string
	body    map[string]any
	headers http.Header
}

func recordingServer(t *testing.T) (*httptest.Server, *[]recorded) {
	t.Helper()
	var calls []recorded
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := recorded{method: r.Method, path: r.URL.RequestURI(), headers: r.Header.Clone()}
		raw, _ := io.ReadAll(r.Body)
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &rec.body)
		}
		calls = append(calls, rec)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd(&out)
	cmd.SetArgs(args)
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	err := cmd.Execute()
	return out.String(), err
}

func TestCommands_SendExpectedRequests(t *testing.T) {
	srv, calls := recordingServer(t)

	_, err := run(t, "--server", srv.URL, "-p", "alice", "buy", "-n", "3")
	require.NoError(t, err)
	_, err = run(t, "--server", srv.URL, "-p", "alice", "reveal", "4")
	require.NoError(t, err)
	_, err = run(t, "--server", srv.URL, "--token", "abc", "claim")
	require.NoError(t, err)
	_, err = run(t, "--server", srv.URL, "upkeep", "--perform")
	require.NoError(t, err)
	_, err = run(t, "--server", srv.URL, "tickets", "bob", "--round", "2")
	require.NoError(t, err)
	out, err := run(t, "--server", srv.URL, "status")
	require.NoError(t, err)
	assert.Contains(t, out, `"ok": true`)

	require.Len(t, *calls, 6)
	c := *calls

	assert.Equal(t, http.MethodPost, c[0].method)
	assert.Equal(t, "/tickets", c[0].path)
	assert.Equal(t, "alice", c[0].body["participant"])
	assert.EqualValues(t, 3, c[0].body["count"])
	assert.NotContains(t, c[0].body, "stake")

	assert.Equal(t, "/rounds/4/reveal", c[1].path)
	assert.Equal(t, "alice", c[1].body["participant"])

	assert.Equal(t, "/rewards/claim", c[2].path)
	assert.Equal(t, "Bearer abc", c[2].headers.Get("Authorization"))

	assert.Equal(t, http.MethodPost, c[3].method)
	assert.Equal(t, "/admin/upkeep", c[3].path)

	assert.Equal(t, "/participants/bob/tickets?round=2", c[4].path)
	assert.Equal(t, http.MethodGet, c[5].method)
	assert.Equal(t, "/lottery", c[5].path)
}

func TestFulfill_SendsServiceToken(t *testing.T) {
	srv, calls := recordingServer(t)

	_, err := run(t, "--server", srv.URL, "fulfill", "req-1", "42")
	require.Error(t, err)
	assert.Empty(t, *calls)

	_, err = run(t, "--server", srv.URL, "--service-token", "svc", "fulfill", "req-1", "42", "0x2a")
	require.NoError(t, err)
	require.Len(t, *calls, 1)
	c := (*calls)[0]
	assert.Equal(t, "/oracle/fulfillments", c.path)
	assert.Equal(t, "svc", c.headers.Get(middleware.ServiceTokenHeader))
	assert.Equal(t, "req-1", c.body["request_token"])
	assert.Equal(t, []any{"42", "0x2a"}, c.body["words"])
}

func TestRevealRejectsBadRound(t *testing.T) {
	_, err := run(t, "--server", "http://127.0.0.1:1", "reveal", "four")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid round")
}

func TestToken_IssuesVerifiableTokens(t *testing.T) {
	secret := strings.Repeat("s", 32)

	out, err := run(t, "-p", "carol", "token", "--secret", secret, "--role", middleware.RoleAdmin, "--issuer", "lotteryd")
	require.NoError(t, err)
	claims := &middleware.Claims{}
	_, err = jwt.ParseWithClaims(strings.TrimSpace(out), claims, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "carol", claims.Subject)
	assert.Equal(t, "lotteryd", claims.Issuer)
	assert.Equal(t, middleware.RoleAdmin, claims.Role)

	out, err = run(t, "token", "--secret", secret, "--service", "vrf-oracle")
	require.NoError(t, err)
	svc := &middleware.ServiceClaims{}
	_, err = jwt.ParseWithClaims(strings.TrimSpace(out), svc, func(*jwt.Token) (interface{}, error) {
		return []byte(secret), nil
	})
	require.NoError(t, err)
	assert.Equal(t, "vrf-oracle", svc.ServiceID)

	_, err = run(t, "token", "--secret", secret)
	assert.Error(t, err)
}
