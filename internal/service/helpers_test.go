package service_test

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/idbroker/idbroker/internal/bootstrap"
	"github.com/idbroker/idbroker/internal/cache"
	"github.com/idbroker/idbroker/internal/config"
	"github.com/idbroker/idbroker/internal/repository"
	"github.com/idbroker/idbroker/internal/service"
	"github.com/idbroker/idbroker/internal/utils"
	"github.com/idbroker/idbroker/internal/utils/tlog"

	"golang.org/x/crypto/bcrypt"
	"gotest.tools/v3/assert"
)

const (
	testClientID     = "web"
	testClientSecret = "web-secret"
	testRedirectURI  = "https://app.example.com/callback"
	testPassword     = "correct horse"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type testEnv struct {
	queries  *repository.Queries
	store    cache.Store
	clock    *testClock
	signing  *service.SigningService
	clients  *service.ClientService
	identity *service.IdentityService
	codes    *service.CodeService
	webhooks *service.WebhookService
	tokens   *service.TokenService
	auth     *service.AuthService
	org      repository.Organization
}

type testEnvOption func(*config.Config)

func withClient(name string, client config.ClientConfig) testEnvOption {
	return func(cfg *config.Config) {
		cfg.Clients[name] = client
	}
}

func withOrganization(slug string) testEnvOption {
	return func(cfg *config.Config) {
		cfg.Organizations[slug] = config.OrganizationConfig{}
	}
}

func newTestQueries(t *testing.T) *repository.Queries {
	t.Helper()

	db, err := bootstrap.SetupDatabase(filepath.Join(t.TempDir(), "idbroker.db"))
	assert.NilError(t, err)

	t.Cleanup(func() { db.Close() })

	return repository.New(db)
}

func newTestEnv(t *testing.T, opts ...testEnvOption) *testEnv {
	t.Helper()

	tlog.NewSimpleLogger().Init()

	cfg := config.NewDefaultConfiguration()
	cfg.Organizations = map[string]config.OrganizationConfig{}
	cfg.Clients = map[string]config.ClientConfig{
		testClientID: {
			ClientSecret: testClientSecret,
			RedirectURI:  testRedirectURI,
			Scopes:       []string{"openid", "profile", "email", "read", "write"},
		},
	}

	for _, opt := range opts {
		opt(cfg)
	}

	env := &testEnv{
		queries: newTestQueries(t),
		store:   cache.NewMemoryStore(),
		clock:   newTestClock(),
	}

	env.signing = service.NewSigningService(service.SigningServiceConfig{
		Secret: "test-signing-secret",
		Issuer: "https://auth.example.com",
		Leeway: cfg.Tokens.Leeway,
		Now:    env.clock.Now,
	})
	assert.NilError(t, env.signing.Init())

	env.clients = service.NewClientService(service.ClientServiceConfig{
		Organizations:     cfg.Organizations,
		Clients:           cfg.Clients,
		AccessTokenExpiry: cfg.Tokens.AccessTokenExpiry,
		BcryptCost:        bcrypt.MinCost,
	}, env.queries)
	assert.NilError(t, env.clients.Init())

	env.identity = service.NewIdentityService(service.IdentityServiceConfig{
		LoginMaxRetries: 3,
		LoginTimeout:    300,
		Now:             env.clock.Now,
	}, env.queries)

	env.codes = service.NewCodeService(service.CodeServiceConfig{
		CodeExpiry: cfg.Tokens.CodeExpiry,
		Now:        env.clock.Now,
	}, env.queries)

	env.webhooks = service.NewWebhookService(service.WebhookServiceConfig{
		Timeout:     5,
		MaxAttempts: 3,
		BaseBackoff: 300,
		Now:         env.clock.Now,
	}, env.queries)
	assert.NilError(t, env.webhooks.Init())

	env.tokens = service.NewTokenService(service.TokenServiceConfig{
		RefreshTokenExpiry: cfg.Tokens.RefreshTokenExpiry,
		Denylist:           true,
		Now:                env.clock.Now,
	}, env.queries, env.signing, env.codes, env.clients, env.identity, env.webhooks, env.store)

	env.auth = service.NewAuthService(service.AuthServiceConfig{
		SessionExpiry:     3600,
		SessionCookieName: "idbroker-session",
		Now:               env.clock.Now,
	}, env.queries, env.identity, env.clients)
	assert.NilError(t, env.auth.Init())

	org, err := env.clients.GetOrganization(context.Background(), service.DefaultOrganization)
	assert.NilError(t, err)
	env.org = org

	return env
}

func (env *testEnv) createUser(t *testing.T, email string) repository.User {
	t.Helper()

	hash, err := utils.HashSecret(testPassword, bcrypt.MinCost)
	assert.NilError(t, err)

	user, err := env.identity.Create(context.Background(), env.org.ID, service.IdentityProfile{
		Email:         email,
		EmailVerified: true,
		Name:          "Test User",
	}, hash)
	assert.NilError(t, err)

	return user
}
