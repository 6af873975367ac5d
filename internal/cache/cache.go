// Package cache defines the advisory cache the engine consults before the
// snapshot store, plus the in-memory and Redis bindings. Values are msgpack
// encoded. Correctness never depends on the cache: any entry can vanish at
// any time and the stores remain authoritative.
package cache

import (
	"context"
	"time"

	"github.com/vmihailenco/msgpack/v5"
)

// Cache is the abstract key-value interface. A ttl of zero means no
// expiration. No atomicity is assumed across keys.
type Cache interface {
	// Get decodes the entry into dest and reports whether it existed.
	Get(ctx context.Context, key string, dest any) (bool, error)
	// Put stores v under key with the given ttl.
	Put(ctx context.Context, key string, v any, ttl time.Duration) error
	// Evict removes key; absent keys are not an error.
	Evict(ctx context.Context, key string) error
	// Exists reports membership without decoding.
	Exists(ctx context.Context, key string) (bool, error)
}

// GetOrCompute returns the cached entry for key, or runs compute, stores the
// result and decodes it into dest. Compute failures are never cached.
func GetOrCompute(ctx context.Context, c Cache, key string, dest any, ttl time.Duration, compute func(ctx context.Context) (any, error)) error {
	ok, err := c.Get(ctx, key, dest)
	if err == nil && ok {
		return nil
	}
	// A broken cache read falls through to compute: the cache is a hint.
	v, err := compute(ctx)
	if err != nil {
		return err
	}
	// Best-effort store: a failed put only costs the next reader a recompute.
	_ = c.Put(ctx, key, v, ttl)
	return roundTrip(v, dest)
}

// roundTrip copies v into dest through the wire encoding so GetOrCompute
// behaves identically on hit and miss.
func roundTrip(v, dest any) error {
	data, err := msgpack.Marshal(v)
	if err != nil {
		return err
	}
	return msgpack.Unmarshal(data, dest)
}

// PositionKeyPrefix prefixes snapshot entries: "position:<positionKey>".
const PositionKeyPrefix = "position:"

// ContractKeyPrefix prefixes contract-rules entries: "contract:<contractId>".
const ContractKeyPrefix = "contract:"
