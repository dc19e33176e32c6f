// Package cache holds derived read models (period summaries) behind a small
// byte-oriented port, backed by Redis when configured and by an in-process
// expiring LRU otherwise.
package cache

import (
	"context"
	"time"
)

// Store is the cache port. Keys are opaque; callers derive them from a
// content fingerprint so a stale entry is simply never asked for again.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Ping(ctx context.Context) error
}

// Nop never stores anything. Useful when caching is disabled.
type Nop struct{}

func (Nop) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (Nop) Set(context.Context, string, []byte, time.Duration) error { return nil }
func (Nop) Ping(context.Context) error { return nil }
