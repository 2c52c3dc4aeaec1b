package service_test

import (
	"context"
	"testing"

	"github.com/idbroker/idbroker/internal/config"
	"github.com/idbroker/idbroker/internal/service"

	"gotest.tools/v3/assert"
)

func newTestFederation(env *testEnv) *service.FederationService {
	return service.NewFederationService(service.FederationServiceConfig{Now: env.clock.Now}, env.queries, env.identity)
}

func TestFederationCreatesUser(t *testing.T) {
	env := newTestEnv(t)
	federation := newTestFederation(env)
	ctx := context.Background()

	login := service.FederatedLogin{
		Provider:       "github",
		ProviderUserID: "1001",
		Profile: service.ProfileFromClaims(config.Claims{
			Sub:               "1001",
			Email:             "Dana@Example.com",
			PreferredUsername: "dana",
		}),
		IP: "10.0.0.7",
	}

	user, created, err := federation.CompleteLogin(ctx, env.org.ID, login)
	assert.NilError(t, err)
	assert.Assert(t, created)
	assert.Equal(t, user.Email.String, "dana@example.com")
	assert.Equal(t, user.Name, "dana")

	again, created, err := federation.CompleteLogin(ctx, env.org.ID, login)
	assert.NilError(t, err)
	assert.Assert(t, !created)
	assert.Equal(t, again.ID, user.ID)

	connections, err := federation.ListConnections(ctx, user.ID)
	assert.NilError(t, err)
	assert.Equal(t, len(connections), 1)
	assert.Equal(t, connections[0].Provider, "github")
	assert.Equal(t, connections[0].ProviderUserID, "1001")

	reloaded, err := env.identity.GetUser(ctx, user.ID)
	assert.NilError(t, err)
	assert.Equal(t, reloaded.LastLoginProvider, "github")
}

func TestFederationLinksExistingUserByEmail(t *testing.T) {
	env := newTestEnv(t)
	federation := newTestFederation(env)
	ctx := context.Background()

	existing := env.createUser(t, "erin@example.com")

	user, created, err := federation.CompleteLogin(ctx, env.org.ID, service.FederatedLogin{
		Provider:       "google",
		ProviderUserID: "g-77",
		Profile:        service.IdentityProfile{Email: "erin@example.com", Picture: "https://cdn.example.com/erin.png"},
	})
	assert.NilError(t, err)
	assert.Assert(t, !created)
	assert.Equal(t, user.ID, existing.ID)
	assert.Equal(t, user.Picture, "https://cdn.example.com/erin.png")
	assert.Equal(t, user.Name, existing.Name)
}

func TestFederationMatchesNationalIDFirst(t *testing.T) {
	env := newTestEnv(t)
	federation := newTestFederation(env)
	ctx := context.Background()

	citizen, _, err := env.identity.FindOrCreate(ctx, env.org.ID, service.IdentityProfile{NationalID: "199001011234", Name: "Eva Berg"})
	assert.NilError(t, err)

	user, created, err := federation.CompleteLogin(ctx, env.org.ID, service.FederatedLogin{
		Provider:       service.ProviderEID,
		ProviderUserID: "199001011234",
		Profile:        service.IdentityProfile{NationalID: "199001011234", IdentityVerified: true},
	})
	assert.NilError(t, err)
	assert.Assert(t, !created)
	assert.Equal(t, user.ID, citizen.ID)
	assert.Assert(t, user.IdentityVerifiedAt.Valid)
}

func TestFederationCrossOrganization(t *testing.T) {
	env := newTestEnv(t, withOrganization("partners"))
	federation := newTestFederation(env)
	ctx := context.Background()

	partners, err := env.clients.GetOrganization(ctx, "partners")
	assert.NilError(t, err)

	login := service.FederatedLogin{
		Provider:       "github",
		ProviderUserID: "2002",
		Profile:        service.IdentityProfile{Email: "frank@example.com"},
	}

	_, _, err = federation.CompleteLogin(ctx, env.org.ID, login)
	assert.NilError(t, err)

	_, _, err = federation.CompleteLogin(ctx, partners.ID, login)
	assert.ErrorIs(t, err, service.ErrConflict)
}

func TestFederationRequiresProviderIdentity(t *testing.T) {
	env := newTestEnv(t)
	federation := newTestFederation(env)

	_, _, err := federation.CompleteLogin(context.Background(), env.org.ID, service.FederatedLogin{Provider: "github"})
	assert.ErrorIs(t, err, service.ErrValidation)
}
