package executor

import (
	"bytes"
	"crypto/sha256"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/resdb-go/pbftkv/pbft"
)

// digestOf hashes the canonical JSON encoding of v, the same
// encode-then-sha256 approach pbft's own digest helpers use, so a
// checkpoint's state digest and a consensus log's batch digest are
// produced the same way throughout the module.
func digestOf(v interface{}) (pbft.Digest, error) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		return pbft.Digest{}, errors.Wrap(err, "executor: computing state digest")
	}
	return sha256.Sum256(buf.Bytes()), nil
}
