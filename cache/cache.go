package cache

import (
	"context"
	"time"

	"github.com/jmgilman/go/errors"
)

// ErrEntryTooLarge is returned by Put when a backend cannot hold the entry.
var ErrEntryTooLarge = errors.New(errors.CodeInvalidInput, "cache entry too large")

// Storage is the set of named cache partitions, the equivalent of the
// browser's CacheStorage. Partitions are shared, mutable state: any caller
// may read or write any partition by name.
//
// Implementations must be thread-safe!
// Single-key operations are atomic. There are no multi-key transactions,
// so concurrent writers to the same key race and the last write wins.
type Storage interface {
	// Open returns the partition with the given name, creating it if needed.
	Open(ctx context.Context, name string) (Partition, error)
	// Has reports whether a partition with the given name exists.
	Has(ctx context.Context, name string) (bool, error)
	// Delete removes a partition and all of its entries.
	// It reports whether the partition existed.
	Delete(ctx context.Context, name string) (bool, error)
	// Names returns all partition names in creation order.
	Names(ctx context.Context) ([]string, error)
	// Close releases any resources held by the storage.
	Close() error
}

// Partition is a named bucket of request key -> stored response entries.
// Entries are ordered by insertion, oldest first. Insertion order is the only
// eviction signal: reads never reorder entries.
type Partition interface {
	Name() string
	// Match returns the entry stored under key, if any.
	Match(ctx context.Context, key string) (Entry, bool, error)
	// Put stores the entry, replacing any entry with the same key.
	// A replaced entry moves to the newest position.
	Put(ctx context.Context, entry Entry) error
	// Delete removes the entry stored under key and reports whether it existed.
	Delete(ctx context.Context, key string) (bool, error)
	// Keys returns all keys, oldest first.
	Keys(ctx context.Context) ([]string, error)
}

// Entry is one stored response.
type Entry struct {
	Key      string
	StoredAt time.Time
	// Serialized response, see pkg/response-serializer.
	Bytes []byte
}

// Stats summarizes the content of a partition.
type Stats struct {
	Name    string
	Entries int
	Bytes   int64
}

// PartitionStats counts the entries of p and their total size.
func PartitionStats(ctx context.Context, p Partition) (Stats, error) {
	stats := Stats{Name: p.Name()}
	keys, err := p.Keys(ctx)
	if err != nil {
		return stats, err
	}
	for _, key := range keys {
		entry, ok, err := p.Match(ctx, key)
		if err != nil {
			return stats, err
		}
		if ok {
			stats.Entries++
			stats.Bytes += int64(len(entry.Bytes))
		}
	}
	return stats, nil
}

// StorageError wraps a backend failure with the operation and partition name.
func StorageError(err error, op, name string) error {
	return errors.WrapWithContext(err, errors.CodeDatabase, "cache storage "+op+" failed", map[string]interface{}{
		"partition": name,
	})
}
