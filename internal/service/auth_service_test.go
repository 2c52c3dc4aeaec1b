package service_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/idbroker/idbroker/internal/service"

	"github.com/pquerna/otp/totp"
	"gotest.tools/v3/assert"
)

func TestLogin(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "alice@example.com")

	session, loggedIn, err := env.auth.Login(ctx, "", "Alice@Example.com", testPassword, "10.0.0.1")
	assert.NilError(t, err)
	assert.Equal(t, loggedIn.ID, user.ID)
	assert.Equal(t, session.UserID, user.ID)
	assert.Assert(t, !session.TotpPending)

	stored, err := env.auth.GetSession(ctx, session.ID)
	assert.NilError(t, err)
	assert.Equal(t, stored.Provider, service.ProviderPassword)

	reloaded, err := env.identity.GetUser(ctx, user.ID)
	assert.NilError(t, err)
	assert.Equal(t, reloaded.LastLoginIp, "10.0.0.1")
}

func TestLoginUnknownUserOrOrganization(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createUser(t, "alice@example.com")

	_, _, err := env.auth.Login(ctx, "", "nobody@example.com", testPassword, "")
	assert.ErrorIs(t, err, service.ErrUnauthorized)

	_, _, err = env.auth.Login(ctx, "missing-org", "alice@example.com", testPassword, "")
	assert.ErrorIs(t, err, service.ErrUnauthorized)
}

func TestLoginLockout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.createUser(t, "alice@example.com")

	for range 2 {
		_, _, err := env.auth.Login(ctx, "", "alice@example.com", "wrong", "")
		assert.ErrorIs(t, err, service.ErrUnauthorized)
	}

	_, _, err := env.auth.Login(ctx, "", "alice@example.com", "wrong", "")
	var locked *service.AccountLockedError
	assert.Assert(t, errors.As(err, &locked))
	assert.Equal(t, locked.RetryAfter(env.clock.Now()), 300)

	// even the right password is refused while locked
	_, _, err = env.auth.Login(ctx, "", "alice@example.com", testPassword, "")
	assert.ErrorIs(t, err, service.ErrAccountLocked)

	env.clock.Advance(301 * time.Second)

	_, _, err = env.auth.Login(ctx, "", "alice@example.com", testPassword, "")
	assert.NilError(t, err)
}

func TestLoginWithTotp(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "alice@example.com")

	key, err := totp.Generate(totp.GenerateOpts{Issuer: "idbroker", AccountName: "alice@example.com"})
	assert.NilError(t, err)
	assert.NilError(t, env.identity.SetTotpSecret(ctx, user.ID, key.Secret()))

	pending, _, err := env.auth.Login(ctx, "", "alice@example.com", testPassword, "")
	assert.NilError(t, err)
	assert.Assert(t, pending.TotpPending)

	_, _, err = env.auth.VerifyTotp(ctx, pending, "abcdef", "")
	assert.ErrorIs(t, err, service.ErrUnauthorized)

	code, err := totp.GenerateCode(key.Secret(), time.Now())
	assert.NilError(t, err)

	session, _, err := env.auth.VerifyTotp(ctx, pending, code, "")
	assert.NilError(t, err)
	assert.Assert(t, !session.TotpPending)

	_, err = env.auth.GetSession(ctx, pending.ID)
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestSessionExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "alice@example.com")

	session, err := env.auth.CreateSession(ctx, user, service.ProviderPassword, false)
	assert.NilError(t, err)

	env.clock.Advance(time.Hour + time.Second)

	_, err = env.auth.GetSession(ctx, session.ID)
	assert.ErrorIs(t, err, service.ErrExpired)
}

func TestFindOrCreateIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	profile := service.IdentityProfile{Email: "carol@example.com", GivenName: "Carol", FamilyName: "Jones"}

	first, created, err := env.identity.FindOrCreate(ctx, env.org.ID, profile)
	assert.NilError(t, err)
	assert.Assert(t, created)
	assert.Equal(t, first.Name, "Carol Jones")

	second, created, err := env.identity.FindOrCreate(ctx, env.org.ID, profile)
	assert.NilError(t, err)
	assert.Assert(t, !created)
	assert.Equal(t, second.ID, first.ID)

	_, err = env.identity.Create(ctx, env.org.ID, profile, "")
	assert.ErrorIs(t, err, service.ErrConflict)
}
