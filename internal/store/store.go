// Package store defines the key-value contract both protection layers
// coordinate through. The gateway holds no authoritative state in process;
// every cache and circuit decision re-reads the store, so instances sharing
// one store can be scaled out freely.
package store

import (
	"context"
	"time"
)

// Store is the required collaborator contract: plain get/put/forget plus an
// atomic counter. No transactions and no native tag support are assumed; the
// cache engine manufactures its own tag index on top.
type Store interface {
	// Get returns the value for key, reporting absence without error.
	Get(ctx context.Context, key string) ([]byte, bool, error)
	// Put writes value under key. A positive ttl bounds the entry's life;
	// zero or negative means no expiry.
	Put(ctx context.Context, key string, value []byte, ttl time.Duration) error
	// Forget removes key, reporting whether anything was deleted.
	Forget(ctx context.Context, key string) (bool, error)
	// Increment atomically adds one to the integer counter at key and
	// returns the new value. Missing counters start at zero.
	Increment(ctx context.Context, key string) (int64, error)
	// Close releases backend resources.
	Close(ctx context.Context) error
}
