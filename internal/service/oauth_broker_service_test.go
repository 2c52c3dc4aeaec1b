package service_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"

	"github.com/idbroker/idbroker/internal/cache"
	"github.com/idbroker/idbroker/internal/config"
	"github.com/idbroker/idbroker/internal/service"

	"gotest.tools/v3/assert"
)

type upstreamProvider struct {
	server        *httptest.Server
	userinfoCalls atomic.Int32
	failUserinfo  atomic.Int32
}

func newUpstreamProvider(t *testing.T) *upstreamProvider {
	t.Helper()

	upstream := &upstreamProvider{}

	mux := http.NewServeMux()

	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil || r.Form.Get("code") != "upstream-code" || r.Form.Get("code_verifier") == "" {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusBadRequest)
			json.NewEncoder(w).Encode(map[string]string{"error": "invalid_grant"})
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"access_token": "upstream-access-token",
			"token_type":   "Bearer",
			"expires_in":   3600,
		})
	})

	mux.HandleFunc("/userinfo", func(w http.ResponseWriter, r *http.Request) {
		upstream.userinfoCalls.Add(1)
		if upstream.failUserinfo.Load() > 0 {
			upstream.failUserinfo.Add(-1)
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		if r.Header.Get("Authorization") != "Bearer upstream-access-token" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(config.Claims{
			Sub:   "upstream-42",
			Name:  "Dana Smith",
			Email: "dana@example.com",
		})
	})

	upstream.server = httptest.NewServer(mux)
	t.Cleanup(upstream.server.Close)

	return upstream
}

func newTestBroker(t *testing.T, upstream *upstreamProvider) *service.OAuthBrokerService {
	t.Helper()

	broker := service.NewOAuthBrokerService(service.OAuthBrokerServiceConfig{
		Providers: map[string]config.OAuthServiceConfig{
			"acme": {
				ClientID:      "broker",
				ClientSecret:  "broker-secret",
				RedirectURL:   "https://auth.example.com/api/federation/oauth/acme/callback",
				AuthURL:       upstream.server.URL + "/authorize",
				TokenURL:      upstream.server.URL + "/token",
				UserinfoURL:   upstream.server.URL + "/userinfo",
				Scopes:        []string{"openid", "email"},
				Organization:  "partners",
				SessionClient: testClientID,
			},
		},
		Timeout: 5,
	}, cache.NewMemoryStore())
	assert.NilError(t, broker.Init())

	return broker
}

func TestBrokerBeginAndComplete(t *testing.T) {
	upstream := newUpstreamProvider(t)
	broker := newTestBroker(t, upstream)
	ctx := context.Background()

	assert.DeepEqual(t, broker.GetConfiguredServices(), []string{"acme"})
	assert.Equal(t, broker.GetOrganization("acme"), "partners")
	assert.Equal(t, broker.GetOrganization("unknown"), service.DefaultOrganization)
	assert.Equal(t, broker.GetSessionClient("acme"), testClientID)
	assert.Equal(t, broker.GetSessionClient("unknown"), "")

	authURL, state, err := broker.Begin(ctx, "acme", "https://app.example.com/done")
	assert.NilError(t, err)

	parsed, err := url.Parse(authURL)
	assert.NilError(t, err)
	assert.Equal(t, parsed.Query().Get("state"), state)
	assert.Equal(t, parsed.Query().Get("code_challenge_method"), "S256")
	assert.Equal(t, parsed.Query().Get("client_id"), "broker")

	claims, pending, err := broker.Complete(ctx, "acme", state, "upstream-code")
	assert.NilError(t, err)
	assert.Equal(t, claims.Sub, "upstream-42")
	assert.Equal(t, claims.Email, "dana@example.com")
	assert.Equal(t, pending.RedirectURI, "https://app.example.com/done")

	// states are single use
	_, _, err = broker.Complete(ctx, "acme", state, "upstream-code")
	assert.ErrorIs(t, err, service.ErrUnauthorized)
}

func TestBrokerRejectsBadState(t *testing.T) {
	upstream := newUpstreamProvider(t)
	broker := newTestBroker(t, upstream)
	ctx := context.Background()

	_, _, err := broker.Begin(ctx, "missing", "")
	assert.ErrorIs(t, err, service.ErrNotFound)

	_, _, err = broker.Complete(ctx, "acme", "forged-state", "upstream-code")
	assert.ErrorIs(t, err, service.ErrUnauthorized)

	_, state, err := broker.Begin(ctx, "acme", "")
	assert.NilError(t, err)

	_, _, err = broker.Complete(ctx, "acme", state, "wrong-code")
	assert.ErrorIs(t, err, service.ErrUnauthorized)
	assert.Equal(t, upstream.userinfoCalls.Load(), int32(0))
}

func TestBrokerRetriesUserinfo(t *testing.T) {
	upstream := newUpstreamProvider(t)
	broker := newTestBroker(t, upstream)
	ctx := context.Background()

	upstream.failUserinfo.Store(1)

	_, state, err := broker.Begin(ctx, "acme", "")
	assert.NilError(t, err)

	claims, _, err := broker.Complete(ctx, "acme", state, "upstream-code")
	assert.NilError(t, err)
	assert.Equal(t, claims.Sub, "upstream-42")
	assert.Equal(t, upstream.userinfoCalls.Load(), int32(2))
}

func TestBrokerInitRequiresGenericEndpoints(t *testing.T) {
	broker := service.NewOAuthBrokerService(service.OAuthBrokerServiceConfig{
		Providers: map[string]config.OAuthServiceConfig{
			"acme": {ClientID: "broker", AuthURL: "https://idp.example.com/authorize"},
		},
	}, cache.NewMemoryStore())

	assert.ErrorContains(t, broker.Init(), "userinfo")
}
