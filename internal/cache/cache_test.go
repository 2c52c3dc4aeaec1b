package cache_test

import (
	"context"
	"testing"
	"time"

	"github.com/idbroker/idbroker/internal/cache"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"gotest.tools/v3/assert"
)

func newRedisStore(t *testing.T) (*cache.RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	store := cache.NewRedisStoreWithClient(client, "idbroker:")
	t.Cleanup(func() { store.Close() })
	return store, mr
}

func TestRedisStore(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)

	t.Run("Missing key returns cache miss", func(t *testing.T) {
		_, err := store.Get(ctx, "missing")
		assert.ErrorIs(t, err, cache.ErrCacheMiss)
	})

	t.Run("Set and get with prefix", func(t *testing.T) {
		err := store.Set(ctx, "tx:1", []byte("pending"), time.Minute)
		assert.NilError(t, err)

		value, err := store.Get(ctx, "tx:1")
		assert.NilError(t, err)
		assert.Equal(t, "pending", string(value))

		raw, err := mr.Get("idbroker:tx:1")
		assert.NilError(t, err)
		assert.Equal(t, "pending", raw)
	})

	t.Run("Get and delete is single use", func(t *testing.T) {
		err := store.Set(ctx, "state:abc", []byte("verifier"), time.Minute)
		assert.NilError(t, err)

		value, err := store.GetDel(ctx, "state:abc")
		assert.NilError(t, err)
		assert.Equal(t, "verifier", string(value))

		_, err = store.GetDel(ctx, "state:abc")
		assert.ErrorIs(t, err, cache.ErrCacheMiss)
	})

	t.Run("SetNX only stores once", func(t *testing.T) {
		ok, err := store.SetNX(ctx, "assertion:1", []byte("1"), time.Minute)
		assert.NilError(t, err)
		assert.Assert(t, ok)

		ok, err = store.SetNX(ctx, "assertion:1", []byte("1"), time.Minute)
		assert.NilError(t, err)
		assert.Assert(t, !ok)
	})

	t.Run("Keys expire", func(t *testing.T) {
		err := store.Set(ctx, "denylist:jti", []byte("1"), 10*time.Second)
		assert.NilError(t, err)

		exists, err := store.Exists(ctx, "denylist:jti")
		assert.NilError(t, err)
		assert.Assert(t, exists)

		mr.FastForward(11 * time.Second)

		exists, err = store.Exists(ctx, "denylist:jti")
		assert.NilError(t, err)
		assert.Assert(t, !exists)
	})

	t.Run("Delete removes key", func(t *testing.T) {
		err := store.Set(ctx, "tx:2", []byte("x"), time.Minute)
		assert.NilError(t, err)
		assert.NilError(t, store.Delete(ctx, "tx:2"))
		_, err = store.Get(ctx, "tx:2")
		assert.ErrorIs(t, err, cache.ErrCacheMiss)
	})
}

func TestNewRedisStoreFromURL(t *testing.T) {
	mr := miniredis.RunT(t)

	store, err := cache.NewRedisStore(context.Background(), "redis://"+mr.Addr()+"/0", "")
	assert.NilError(t, err)
	defer store.Close()

	assert.NilError(t, store.Set(context.Background(), "k", []byte("v"), 0))
	assert.Assert(t, mr.Exists("k"))

	_, err = cache.NewRedisStore(context.Background(), "not a url", "")
	assert.ErrorContains(t, err, "failed to parse redis url")
}

func TestMemoryStore(t *testing.T) {
	ctx := context.Background()
	store := cache.NewMemoryStore()

	_, err := store.Get(ctx, "missing")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	ok, err := store.SetNX(ctx, "a", []byte("1"), 20*time.Millisecond)
	assert.NilError(t, err)
	assert.Assert(t, ok)

	ok, err = store.SetNX(ctx, "a", []byte("2"), time.Minute)
	assert.NilError(t, err)
	assert.Assert(t, !ok)

	value, err := store.GetDel(ctx, "a")
	assert.NilError(t, err)
	assert.Equal(t, "1", string(value))

	_, err = store.Get(ctx, "a")
	assert.ErrorIs(t, err, cache.ErrCacheMiss)

	assert.NilError(t, store.Set(ctx, "b", []byte("x"), 20*time.Millisecond))
	time.Sleep(40 * time.Millisecond)

	exists, err := store.Exists(ctx, "b")
	assert.NilError(t, err)
	assert.Assert(t, !exists)

	assert.NilError(t, store.Set(ctx, "c", []byte("forever"), 0))
	value, err = store.Get(ctx, "c")
	assert.NilError(t, err)
	assert.Equal(t, "forever", string(value))
}
