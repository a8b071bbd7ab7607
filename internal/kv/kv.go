// Package kv wraps the key-value coordination service used for locks, buffs,
// leaderboards and settlement claims.
package kv

import (
	"context"
	"time"
)

// TTL sentinels, matching what Redis reports for missing and persistent keys.
const (
	NoKey    = time.Duration(-2)
	NoExpiry = time.Duration(-1)
)

type Member struct {
	Name  string
	Score float64
}

// Coordinator is the cache surface the core depends on. A zero ttl means the
// key never expires.
type Coordinator interface {
	SetIfAbsent(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Get(ctx context.Context, key string) (string, bool, error)
	Delete(ctx context.Context, key string) (bool, error)
	// CompareAndDelete removes key only while it still holds value.
	CompareAndDelete(ctx context.Context, key, value string) (bool, error)
	IncrBy(ctx context.Context, key string, n int64) (int64, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	SortedSetUpsert(ctx context.Context, board, member string, score float64) error
	SortedSetTopN(ctx context.Context, board string, n int) ([]Member, error)
}
