// Package driven defines the outbound port interfaces of the sync engine.
package driven

import "context"

// KVStore is the durable local key/value store backing the cache store, the
// credential manager, and the offline mutation queue. Keys are scoped by
// namespace so each owner enumerates only its own entries.
type KVStore interface {
	// Get returns the stored value for (ns, key), or (nil, nil) when absent.
	Get(ctx context.Context, ns, key string) ([]byte, error)

	// Set stores or replaces the value for (ns, key).
	Set(ctx context.Context, ns, key string, value []byte) error

	// Delete removes (ns, key). Deleting an absent key is not an error.
	Delete(ctx context.Context, ns, key string) error

	// Keys returns all keys in ns in ascending lexicographic order.
	Keys(ctx context.Context, ns string) ([]string, error)

	// DeleteNamespace removes every entry in ns.
	DeleteNamespace(ctx context.Context, ns string) error
}
