// Package kv implements the storage-engine-neutral versioned key-value
// contract the PBFT executor and checkpoint digesting depend on: two
// mutually exclusive per-key namespaces (plain and versioned), optimistic
// concurrency control on the versioned namespace, and deterministic
// ordered iteration for range queries and checkpoint digesting.
package kv

// VersionedValue is one entry of a key's history: a value and the
// monotonic version it was written at. Versions for a given key start
// at 1 and increase by exactly 1 per accepted write.
type VersionedValue struct {
	Value   string
	Version int
}

// Storage is the contract every backend (in-memory, or an external
// LevelDB/RocksDB/DuckDB/LMDB adapter, out of scope here) must satisfy.
// Non-versioned and versioned operations address disjoint namespaces
// per key: setting a non-versioned key that already has a version
// history fails with ErrVersionedKeyExists, and vice versa with
// ErrNonVersionedKeyExists.
type Storage interface {
	// Set writes a non-versioned value for key.
	Set(key, value string) error
	// Get reads the non-versioned value for key, or "" if absent.
	Get(key string) (string, error)
	// GetAllValues returns every non-versioned value, order unspecified.
	GetAllValues() ([]string, error)
	// GetRange returns non-versioned values for keys in [minKey, maxKey],
	// in ascending key order.
	GetRange(minKey, maxKey string) ([]string, error)

	// SetWithVersion appends (value, version+1) iff the key's current
	// version equals version. version == 0 on a brand-new key succeeds
	// and produces version 1.
	SetWithVersion(key, value string, version int) error
	// GetWithVersion returns the entry at exactly version if present;
	// version == 0, or any version beyond what's stored, returns the
	// latest entry instead.
	GetWithVersion(key string, version int) (VersionedValue, error)

	// GetAllItems returns the latest (value, version) for every
	// versioned key. The result is a map, so it carries no key order;
	// callers that need one sort the keys themselves.
	GetAllItems() (map[string]VersionedValue, error)
	// GetKeyRange restricts GetAllItems to minKey <= key <= maxKey.
	GetKeyRange(minKey, maxKey string) (map[string]VersionedValue, error)

	// GetHistory returns the entries of key with minVersion <= version
	// <= maxVersion, sorted strictly descending by version.
	GetHistory(key string, minVersion, maxVersion int) ([]VersionedValue, error)
	// GetTopHistory returns the n most recent entries of key, sorted
	// strictly descending by version.
	GetTopHistory(key string, n int) ([]VersionedValue, error)

	// Delete removes a key. Deleting a versioned key is rejected with
	// ErrVersionedKeyExists: this implementation picks "forbid" over
	// "tombstone version" so OCC's current-version contract never has
	// to account for deletes racing a concurrent SetWithVersion.
	Delete(key string) error

	// Flush forces any buffered writes to become durable.
	Flush() error
}
