// Package cache holds short lived broker state that has to be shared between
// instances: pending eID transactions, upstream OAuth state, SAML assertion ids
// and revoked access token ids.
package cache

import (
	"context"
	"errors"
	"time"
)

var ErrCacheMiss = errors.New("cache: key not found")

type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)
	// GetDel atomically returns and removes a key
	GetDel(ctx context.Context, key string) ([]byte, error)
	// SetNX stores the value only if the key does not exist and reports
	// whether it did so
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
	Close() error
}
