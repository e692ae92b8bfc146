package kv

import (
	"sort"
	"sync"

	"github.com/coreos/pkg/capnslog"
	"github.com/google/btree"
)

var plog = capnslog.NewPackageLogger("github.com/resdb-go/pbftkv", "kv")

// Memory is an in-memory Storage backend. Key order is maintained with
// two google/btree trees (one per namespace) so range scans walk keys in
// deterministic, ascending-by-key-bytes order without re-sorting on
// every call — made explicit here because Go's map iteration order is
// not stable. GetRange and GetAllValues return values in that order;
// GetAllItems and GetKeyRange return maps, which do not keep it.
type Memory struct {
	mu sync.RWMutex

	plain     map[string]string
	plainKeys *btree.BTreeG[string]

	versioned     map[string][]VersionedValue
	versionedKeys *btree.BTreeG[string]
}

func less(a, b string) bool { return a < b }

// NewMemory constructs an empty in-memory versioned KV engine.
func NewMemory() *Memory {
	return &Memory{
		plain:         make(map[string]string),
		plainKeys:     btree.NewG[string](32, less),
		versioned:     make(map[string][]VersionedValue),
		versionedKeys: btree.NewG[string](32, less),
	}
}

func (m *Memory) Set(key, value string) error {
	if key == "" {
		return ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.versioned[key]; ok {
		return ErrVersionedKeyExists
	}
	if _, existed := m.plain[key]; !existed {
		m.plainKeys.ReplaceOrInsert(key)
	}
	m.plain[key] = value
	return nil
}

func (m *Memory) Get(key string) (string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.plain[key], nil
}

func (m *Memory) GetAllValues() ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	values := make([]string, 0, m.plainKeys.Len())
	m.plainKeys.Ascend(func(k string) bool {
		values = append(values, m.plain[k])
		return true
	})
	return values, nil
}

func (m *Memory) GetRange(minKey, maxKey string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var values []string
	m.plainKeys.AscendGreaterOrEqual(minKey, func(k string) bool {
		if k > maxKey {
			return false
		}
		values = append(values, m.plain[k])
		return true
	})
	return values, nil
}

func (m *Memory) SetWithVersion(key, value string, version int) error {
	if key == "" {
		return ErrEmptyKey
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.plain[key]; ok {
		return ErrNonVersionedKeyExists
	}
	history := m.versioned[key]
	current := 0
	if len(history) > 0 {
		current = history[len(history)-1].Version
	}
	if current != version {
		return ErrVersionMismatch
	}
	if len(history) == 0 {
		m.versionedKeys.ReplaceOrInsert(key)
	}
	m.versioned[key] = append(history, VersionedValue{Value: value, Version: version + 1})
	return nil
}

// GetWithVersion searches the history from the tail, stopping at the
// first entry whose version is <= the requested one. An exact match
// returns that entry; otherwise (including version == 0) the latest
// entry is returned. This is the single source of truth for "version
// does not exist -> return current".
func (m *Memory) GetWithVersion(key string, version int) (VersionedValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.versioned[key]
	if len(history) == 0 {
		return VersionedValue{}, nil
	}
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Version == version {
			return history[i], nil
		}
		if history[i].Version < version {
			break
		}
	}
	return history[len(history)-1], nil
}

func (m *Memory) GetAllItems() (map[string]VersionedValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]VersionedValue, m.versionedKeys.Len())
	m.versionedKeys.Ascend(func(k string) bool {
		history := m.versioned[k]
		result[k] = history[len(history)-1]
		return true
	})
	return result, nil
}

func (m *Memory) GetKeyRange(minKey, maxKey string) (map[string]VersionedValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	result := make(map[string]VersionedValue)
	m.versionedKeys.AscendGreaterOrEqual(minKey, func(k string) bool {
		if k > maxKey {
			return false
		}
		history := m.versioned[k]
		result[k] = history[len(history)-1]
		return true
	})
	return result, nil
}

func (m *Memory) GetHistory(key string, minVersion, maxVersion int) ([]VersionedValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var result []VersionedValue
	for _, v := range m.versioned[key] {
		if v.Version >= minVersion && v.Version <= maxVersion {
			result = append(result, v)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Version > result[j].Version })
	return result, nil
}

func (m *Memory) GetTopHistory(key string, n int) ([]VersionedValue, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	history := m.versioned[key]
	if n > len(history) {
		n = len(history)
	}
	result := make([]VersionedValue, 0, n)
	for i := len(history) - 1; i >= 0 && len(result) < n; i-- {
		result = append(result, history[i])
	}
	return result, nil
}

func (m *Memory) Delete(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.versioned[key]; ok {
		return ErrVersionedKeyExists
	}
	if _, ok := m.plain[key]; !ok {
		return ErrKeyNotFound
	}
	delete(m.plain, key)
	m.plainKeys.Delete(key)
	return nil
}

// Flush is a no-op for the in-memory backend; it exists to satisfy
// Storage for callers that checkpoint durability before truncating
// their log.
func (m *Memory) Flush() error { return nil }
