// Package executor applies committed PBFT batches to a kv.Storage
// backend, dispatching each request by its operation code to the
// matching Storage method.
package executor

import (
	"encoding/json"
	"sort"

	"github.com/pkg/errors"
	"github.com/resdb-go/pbftkv/kv"
	"github.com/resdb-go/pbftkv/pbft"
)

// Op names the client-facing KV command.
type Op string

const (
	OpSet            Op = "SET"
	OpGet            Op = "GET"
	OpGetAllValues   Op = "GET_ALL_VALUES"
	OpGetRange       Op = "GET_RANGE"
	OpSetWithVersion Op = "SET_WITH_VERSION"
	OpGetWithVersion Op = "GET_WITH_VERSION"
	OpGetAllItems    Op = "GET_ALL_ITEMS"
	OpGetKeyRange    Op = "GET_KEY_RANGE"
	OpGetHistory     Op = "GET_HISTORY"
	OpGetTopHistory  Op = "GET_TOP_HISTORY"
	OpDelete         Op = "DELETE"
)

// Command is the decoded shape of a ClientRequest's Payload: one KV
// operation and the arguments it needs. Fields not relevant to Op are
// left zero.
type Command struct {
	Op         Op     `json:"op"`
	Key        string `json:"key,omitempty"`
	Value      string `json:"value,omitempty"`
	Version    int    `json:"version,omitempty"`
	MinKey     string `json:"min_key,omitempty"`
	MaxKey     string `json:"max_key,omitempty"`
	MinVersion int    `json:"min_version,omitempty"`
	MaxVersion int    `json:"max_version,omitempty"`
	N          int    `json:"n,omitempty"`
}

// Result is the JSON shape every KVExecutor reply's Output encodes,
// deliberately a single envelope so a client decodes every command's
// reply the same way.
type Result struct {
	Value   string                       `json:"value,omitempty"`
	Values  []string                     `json:"values,omitempty"`
	Items   map[string]kv.VersionedValue `json:"items,omitempty"`
	History []kv.VersionedValue          `json:"history,omitempty"`
	Version int                          `json:"version,omitempty"`
}

// KVExecutor applies committed batches to a single kv.Storage
// instance, strictly in the order Commitment hands them over, with no
// gaps in committed sequence order.
type KVExecutor struct {
	storage kv.Storage
}

// NewKVExecutor wraps storage as a pbft.Executor.
func NewKVExecutor(storage kv.Storage) *KVExecutor {
	return &KVExecutor{storage: storage}
}

// Execute applies every request in batch, in order, to storage and
// returns one ExecuteResult per request. A per-request error (e.g.
// ErrVersionMismatch) is captured in that result's Err, not returned
// from Execute itself — only a request whose payload can't even be
// decoded is treated as a (deliberately unlikely) executor fault.
func (e *KVExecutor) Execute(batch pbft.Batch) ([]pbft.ExecuteResult, error) {
	results := make([]pbft.ExecuteResult, 0, len(batch.Requests))
	for _, req := range batch.Requests {
		var cmd Command
		if err := json.Unmarshal(req.Payload, &cmd); err != nil {
			return nil, errors.Wrapf(err, "executor: decoding command for proxy %d seq %d", req.ProxyID, req.UserSeq)
		}
		output, err := e.apply(cmd)
		results = append(results, pbft.ExecuteResult{
			ProxyID: req.ProxyID,
			UserSeq: req.UserSeq,
			Output:  output,
			Err:     err,
		})
	}
	return results, nil
}

func (e *KVExecutor) apply(cmd Command) ([]byte, error) {
	switch cmd.Op {
	case OpSet:
		if err := e.storage.Set(cmd.Key, cmd.Value); err != nil {
			return nil, err
		}
		return nil, nil
	case OpGet:
		value, err := e.storage.Get(cmd.Key)
		if err != nil {
			return nil, err
		}
		return json.Marshal(Result{Value: value})
	case OpGetAllValues:
		values, err := e.storage.GetAllValues()
		if err != nil {
			return nil, err
		}
		return json.Marshal(Result{Values: values})
	case OpGetRange:
		values, err := e.storage.GetRange(cmd.MinKey, cmd.MaxKey)
		if err != nil {
			return nil, err
		}
		return json.Marshal(Result{Values: values})
	case OpSetWithVersion:
		if err := e.storage.SetWithVersion(cmd.Key, cmd.Value, cmd.Version); err != nil {
			return nil, err
		}
		return nil, nil
	case OpGetWithVersion:
		vv, err := e.storage.GetWithVersion(cmd.Key, cmd.Version)
		if err != nil {
			return nil, err
		}
		return json.Marshal(Result{Value: vv.Value, Version: vv.Version})
	case OpGetAllItems:
		items, err := e.storage.GetAllItems()
		if err != nil {
			return nil, err
		}
		return json.Marshal(Result{Items: items})
	case OpGetKeyRange:
		items, err := e.storage.GetKeyRange(cmd.MinKey, cmd.MaxKey)
		if err != nil {
			return nil, err
		}
		return json.Marshal(Result{Items: items})
	case OpGetHistory:
		history, err := e.storage.GetHistory(cmd.Key, cmd.MinVersion, cmd.MaxVersion)
		if err != nil {
			return nil, err
		}
		return json.Marshal(Result{History: history})
	case OpGetTopHistory:
		history, err := e.storage.GetTopHistory(cmd.Key, cmd.N)
		if err != nil {
			return nil, err
		}
		return json.Marshal(Result{History: history})
	case OpDelete:
		if err := e.storage.Delete(cmd.Key); err != nil {
			return nil, err
		}
		return nil, nil
	default:
		return nil, errors.Errorf("executor: unknown command op %q", cmd.Op)
	}
}

// Flush forces the storage backend's buffered writes durable, called
// when a checkpoint stabilizes so the consensus log can truncate.
func (e *KVExecutor) Flush() error {
	return e.storage.Flush()
}

// StateDigest hashes every versioned key's latest (value, version) in
// ascending key order, the deterministic walk a checkpoint needs.
// GetAllItems's map return type carries no ordering guarantee, so
// StateDigest sorts explicitly before hashing.
func (e *KVExecutor) StateDigest() (pbft.Digest, error) {
	items, err := e.storage.GetAllItems()
	if err != nil {
		return pbft.Digest{}, err
	}
	keys := make([]string, 0, len(items))
	for k := range items {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	type entry struct {
		Key   string
		Value kv.VersionedValue
	}
	encoded := make([]entry, 0, len(keys))
	for _, k := range keys {
		encoded = append(encoded, entry{Key: k, Value: items[k]})
	}
	return digestOf(encoded)
}
