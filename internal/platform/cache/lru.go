package cache

import (
	"context"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

// LRU is an in-process Store. Entries expire after the TTL given at
// construction; the per-call TTL passed to Set is ignored.
type LRU struct {
	lru *expirable.LRU[string, []byte]
}

func NewLRU(size int, ttl time.Duration) *LRU {
	if size <= 0 {
		size = 128
	}
	return &LRU{lru: expirable.NewLRU[string, []byte](size, nil, ttl)}
}

func (c *LRU) Get(_ context.Context, key string) ([]byte, bool, error) {
	v, ok := c.lru.Get(key)
	if !ok {
		return nil, false, nil
	}
	out := make([]byte, len(v))
	copy(out, v)
	return out, true, nil
}

func (c *LRU) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	v := make([]byte, len(value))
	copy(v, value)
	c.lru.Add(key, v)
	return nil
}

func (c *LRU) Ping(context.Context) error { return nil }

// Len reports the number of live entries.
func (c *LRU) Len() int { return c.lru.Len() }
