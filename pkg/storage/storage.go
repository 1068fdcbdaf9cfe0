// Package storage provides the durable key-value substrate shared by the
// pending queue, write-ahead log and processing lock. A Store opens named
// Boxes; each Box is a flat key -> bytes map with per-key atomic writes.
package storage

import (
	"context"
	"time"
)

// Box is a named key-value namespace. Implementations must guarantee
// per-key atomicity: a reader sees either the previous value or the new
// value of a Put, never a torn write.
type Box interface {
	// Get returns the value for key. The second result is false when the
	// key is absent.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Put stores value under key, overwriting any previous value.
	Put(ctx context.Context, key string, value []byte) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys returns all keys in the box, in unspecified order.
	Keys(ctx context.Context) ([]string, error)

	// Len returns the number of keys in the box.
	Len(ctx context.Context) (int, error)
}

// Store opens named boxes over some backing medium.
type Store interface {
	// Box returns the box with the given name, creating it if needed.
	// Repeated calls with the same name return the same namespace.
	Box(name string) (Box, error)

	// Close releases backend resources. Boxes obtained from the store
	// must not be used afterwards.
	Close() error

	// Stats reports backend statistics for diagnostics.
	Stats() map[string]interface{}
}

// Well-known box names used by the sync core.
const (
	BoxPendingOps      = "pending_ops"
	BoxPendingOpsIndex = "pending_ops_index"
	BoxFailedOps       = "failed_ops"
	BoxSyncLock        = "sync_lock"
	BoxSyncWAL         = "sync_wal"
)

// Clock abstracts time for deterministic tests. The zero value is not
// usable; use SystemClock outside tests.
type Clock interface {
	Now() time.Time
}

// SystemClock is the wall-clock Clock used in production.
type SystemClock struct{}

// Now returns the current UTC time.
func (SystemClock) Now() time.Time { return time.Now().UTC() }
