package service_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/idbroker/idbroker/internal/service"

	"gotest.tools/v3/assert"
)

func TestCodeConsumeOnce(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "alice@example.com")

	code, err := env.codes.Issue(ctx, user.ID, testClientID, testRedirectURI, []string{"read"})
	assert.NilError(t, err)
	assert.Assert(t, len(code) >= 43)

	consumed, err := env.codes.Consume(ctx, code, testClientID, testRedirectURI)
	assert.NilError(t, err)
	assert.Equal(t, consumed.UserID, user.ID)
	assert.Equal(t, consumed.Scope, "read")

	_, err = env.codes.Consume(ctx, code, testClientID, testRedirectURI)
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestCodeConcurrentConsume(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "alice@example.com")

	code, err := env.codes.Issue(ctx, user.ID, testClientID, testRedirectURI, []string{"read"})
	assert.NilError(t, err)

	var wg sync.WaitGroup
	var successes atomic.Int32

	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := env.codes.Consume(ctx, code, testClientID, testRedirectURI); err == nil {
				successes.Add(1)
			}
		}()
	}

	wg.Wait()
	assert.Equal(t, successes.Load(), int32(1))
}

func TestCodeBindings(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "alice@example.com")

	code, err := env.codes.Issue(ctx, user.ID, testClientID, testRedirectURI, []string{"read"})
	assert.NilError(t, err)

	_, err = env.codes.Consume(ctx, code, "other-client", testRedirectURI)
	assert.ErrorIs(t, err, service.ErrClientMismatch)

	_, err = env.codes.Consume(ctx, code, testClientID, "https://evil.example.com/callback")
	assert.ErrorIs(t, err, service.ErrRedirectMismatch)

	// mismatched attempts do not burn the code
	_, err = env.codes.Consume(ctx, code, testClientID, testRedirectURI)
	assert.NilError(t, err)
}

func TestCodeExpiry(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "alice@example.com")

	code, err := env.codes.Issue(ctx, user.ID, testClientID, testRedirectURI, []string{"read"})
	assert.NilError(t, err)

	env.clock.Advance(10*time.Minute + time.Second)

	_, err = env.codes.Consume(ctx, code, testClientID, testRedirectURI)
	assert.ErrorIs(t, err, service.ErrExpired)

	// the expired row is gone after the lookup
	_, err = env.codes.Consume(ctx, code, testClientID, testRedirectURI)
	assert.ErrorIs(t, err, service.ErrNotFound)
}

func TestCodeDeleteExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	user := env.createUser(t, "alice@example.com")

	_, err := env.codes.Issue(ctx, user.ID, testClientID, testRedirectURI, nil)
	assert.NilError(t, err)

	env.clock.Advance(time.Hour)

	fresh, err := env.codes.Issue(ctx, user.ID, testClientID, testRedirectURI, nil)
	assert.NilError(t, err)

	deleted, err := env.codes.DeleteExpired(ctx)
	assert.NilError(t, err)
	assert.Equal(t, deleted, int64(1))

	_, err = env.codes.Consume(ctx, fresh, testClientID, testRedirectURI)
	assert.NilError(t, err)
}
