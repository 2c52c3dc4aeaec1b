package service_test

import (
	"context"
	"testing"

	"github.com/idbroker/idbroker/internal/config"
	"github.com/idbroker/idbroker/internal/service"

	"gotest.tools/v3/assert"
)

func TestClientSync(t *testing.T) {
	env := newTestEnv(t,
		withOrganization("partners"),
		withClient("partner-app", config.ClientConfig{
			ClientID:             "partner-app-id",
			ClientSecret:         "partner-secret",
			Organization:         "partners",
			RedirectURI:          "https://partner.example.com/cb",
			Scopes:               []string{"openid read"},
			AccessTokenExpiry:    600,
			DisableRefreshTokens: true,
		}),
		withClient("no-redirect", config.ClientConfig{ClientSecret: "secret"}),
	)
	ctx := context.Background()

	client, err := env.clients.GetClient(ctx, "partner-app-id")
	assert.NilError(t, err)
	assert.Equal(t, client.Name, "partner-app")
	assert.Equal(t, client.Scopes, "openid read")
	assert.Equal(t, client.AccessTokenTtl, int64(600))
	assert.Assert(t, !client.RefreshEnabled)

	partners, err := env.clients.GetOrganization(ctx, "partners")
	assert.NilError(t, err)
	assert.Equal(t, client.OrganizationID, partners.ID)
	assert.Equal(t, partners.Name, "Partners")

	_, err = env.clients.GetClient(ctx, "no-redirect")
	assert.ErrorIs(t, err, service.ErrNotFound)

	web, err := env.clients.GetClient(ctx, testClientID)
	assert.NilError(t, err)
	assert.Equal(t, web.AccessTokenTtl, int64(3600))
	assert.Assert(t, web.RefreshEnabled)
}

func TestClientSyncUnknownOrganization(t *testing.T) {
	queries := newTestQueries(t)

	clients := service.NewClientService(service.ClientServiceConfig{
		Clients: map[string]config.ClientConfig{
			"web": {ClientSecret: "secret", RedirectURI: "https://app.example.com/cb", Organization: "missing"},
		},
		AccessTokenExpiry: 3600,
		BcryptCost:        4,
	}, queries)

	assert.ErrorContains(t, clients.Init(), "unknown organization missing")
}

func TestClientAuthenticate(t *testing.T) {
	env := newTestEnv(t, withClient("retired", config.ClientConfig{
		ClientSecret: "retired-secret",
		RedirectURI:  "https://old.example.com/cb",
		Disabled:     true,
	}))
	ctx := context.Background()

	client, err := env.clients.Authenticate(ctx, testClientID, testClientSecret)
	assert.NilError(t, err)
	assert.Equal(t, client.ClientID, testClientID)

	testCases := []struct {
		description string
		clientID    string
		secret      string
	}{
		{"wrong secret", testClientID, "guess"},
		{"unknown client", "ghost", testClientSecret},
		{"missing secret", testClientID, ""},
		{"disabled client", "retired", "retired-secret"},
	}

	for _, test := range testCases {
		t.Run(test.description, func(t *testing.T) {
			_, err := env.clients.Authenticate(ctx, test.clientID, test.secret)
			assert.ErrorIs(t, err, service.ErrUnauthorized)
		})
	}
}

func TestClientValidateScopeAndRedirect(t *testing.T) {
	env := newTestEnv(t)

	client, err := env.clients.GetClient(context.Background(), testClientID)
	assert.NilError(t, err)

	scopes, err := env.clients.ValidateScope(client, "")
	assert.NilError(t, err)
	assert.DeepEqual(t, scopes, []string{"openid", "profile", "email", "read", "write"})

	scopes, err = env.clients.ValidateScope(client, "read  openid read")
	assert.NilError(t, err)
	assert.DeepEqual(t, scopes, []string{"read", "openid"})

	_, err = env.clients.ValidateScope(client, "read admin")
	assert.ErrorIs(t, err, service.ErrValidation)

	assert.Assert(t, env.clients.ValidateRedirectURI(client, testRedirectURI))
	assert.Assert(t, !env.clients.ValidateRedirectURI(client, testRedirectURI+"/"))
	assert.Assert(t, !env.clients.ValidateRedirectURI(client, ""))
}
