package pbft

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"

	"github.com/pkg/errors"
)

// digestOf hashes the canonical JSON encoding of v (json.Encoder
// output, trailing newline included, then sha256.Sum256), one function
// every message type calls instead of each having its own copy.
func digestOf(v interface{}) (Digest, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return Digest{}, errors.Wrap(err, "pbft: computing digest")
	}
	return sha256.Sum256(buf.Bytes()), nil
}

// BatchDigest computes the digest that indexes the consensus log for a
// batch. Serialization is canonical (field order fixed by the struct
// definition), so every correct replica computes the same digest for
// the same batch — required for the no-fork safety invariant.
func BatchDigest(b Batch) (Digest, error) {
	return digestOf(b)
}

// RequestHash computes a client request's content hash: SHA-256(payload).
func RequestHash(payload []byte) Digest {
	return sha256.Sum256(payload)
}
