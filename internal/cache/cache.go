package cache

import (
	"context"
	"errors"
	"time"
)

// ErrCacheMiss is returned when a key is not found in cache
var ErrCacheMiss = errors.New("cache miss")

// Cache is the byte store behind the query cache
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Exists(ctx context.Context, key string) (bool, error)
	Clear(ctx context.Context, pattern string) error
}

// Clock returns the current time. Tests substitute a fake one.
type Clock func() time.Time

// QueryKeyPrefix namespaces query results in a shared store
const QueryKeyPrefix = "trolley:query:"

// QueryKey generates the cache key for a query signature
func QueryKey(namespace, signature string) string {
	if namespace == "" {
		return QueryKeyPrefix + signature
	}
	return QueryKeyPrefix + namespace + ":" + signature
}
