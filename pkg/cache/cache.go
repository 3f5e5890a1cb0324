// Package cache provides a small typed key/value cache with a TTL, used for
// lookups that are read far more often than they change.
package cache

import "context"

type Cache[V any] interface {
	Get(ctx context.Context, key string) (V, bool, error)
	Set(ctx context.Context, key string, value V) error
	Delete(ctx context.Context, key string) error
}
