package kv

import "github.com/pkg/errors"

// Sentinel error kinds for the versioned KV engine: callers test with
// errors.Is / errors.Cause rather than matching strings.
var (
	// ErrVersionMismatch is returned by SetWithVersion when the caller's
	// expected version does not equal the key's current version.
	ErrVersionMismatch = errors.New("kv: version mismatch")

	// ErrVersionedKeyExists is returned by Set (or Delete) when the key
	// already has a version history; the two namespaces are mutually
	// exclusive per key.
	ErrVersionedKeyExists = errors.New("kv: key has a version history")

	// ErrNonVersionedKeyExists is returned by SetWithVersion when the key
	// already holds a non-versioned value.
	ErrNonVersionedKeyExists = errors.New("kv: key holds a non-versioned value")

	// ErrKeyNotFound is returned by Delete for a key present in neither
	// namespace.
	ErrKeyNotFound = errors.New("kv: key not found")

	// ErrEmptyKey is returned when an operation is given an empty key.
	ErrEmptyKey = errors.New("kv: empty key")
)
