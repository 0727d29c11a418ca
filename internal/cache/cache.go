// Package cache holds the TTL cache in front of the progress store.
//
// Backends implement the narrow Cache interface. ProgressCache layers the
// snapshot codec, key layout and TTL policy on top and never surfaces backend
// failures to callers: every error is logged and treated as a miss.
package cache

import (
	"context"
	"errors"
	"time"
)

// ErrMiss is returned by a backend when the key is absent or expired.
var ErrMiss = errors.New("cache miss")

// Cache is a byte-oriented TTL cache.
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}

// Op names a cache operation reported to an Observer.
type Op string

// Cache operations.
const (
	OpGet    Op = "get"
	OpSet    Op = "set"
	OpDelete Op = "delete"
)

// Result names the outcome of a cache operation.
type Result string

// Cache outcomes.
const (
	ResultHit     Result = "hit"
	ResultMiss    Result = "miss"
	ResultOK      Result = "ok"
	ResultError   Result = "error"
	ResultSkipped Result = "skipped"
	// ResultStale marks a fill dropped because the job was written meanwhile.
	ResultStale Result = "stale"
)

// Observer receives one call per cache operation.
type Observer interface {
	CacheOp(op Op, result Result)
}
