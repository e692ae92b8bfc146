package kv

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGetRoundTrip(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Set("a", "1"))
	v, err := m.Get("a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestSetRejectsVersionedKey(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.SetWithVersion("x", "v1", 0))
	assert.ErrorIs(t, m.Set("x", "plain"), ErrVersionedKeyExists)
}

func TestSetWithVersionRejectsPlainKey(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Set("x", "plain"))
	assert.ErrorIs(t, m.SetWithVersion("x", "v1", 0), ErrNonVersionedKeyExists)
}

// Versioned OCC: read-then-write must match the current version.
func TestVersionedOCC(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.SetWithVersion("x", "v1", 0))
	assert.ErrorIs(t, m.SetWithVersion("x", "v2", 0), ErrVersionMismatch)
	require.NoError(t, m.SetWithVersion("x", "v2", 1))

	got, err := m.GetWithVersion("x", 0)
	require.NoError(t, err)
	assert.Equal(t, VersionedValue{Value: "v2", Version: 2}, got)

	history, err := m.GetHistory("x", 0, 2)
	require.NoError(t, err)
	assert.Equal(t, []VersionedValue{{Value: "v2", Version: 2}, {Value: "v1", Version: 1}}, history)
}

func TestSetWithVersionZeroOnFreshKeyProducesVersionOne(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.SetWithVersion("fresh", "v1", 0))
	got, err := m.GetWithVersion("fresh", 0)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Version)
}

func TestGetWithVersionBeyondLatestReturnsLatest(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.SetWithVersion("k", "v1", 0))
	got, err := m.GetWithVersion("k", 99)
	require.NoError(t, err)
	assert.Equal(t, VersionedValue{Value: "v1", Version: 1}, got)
}

// Range and history queries after three versions of the same key.
func TestRangeAndHistoryAfterThreeVersions(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.SetWithVersion("k1", "a", 0))
	require.NoError(t, m.SetWithVersion("k1", "b", 1))
	require.NoError(t, m.SetWithVersion("k2", "c", 0))
	require.NoError(t, m.SetWithVersion("k1", "d", 2))

	rng, err := m.GetKeyRange("k1", "k2")
	require.NoError(t, err)
	assert.Equal(t, map[string]VersionedValue{
		"k1": {Value: "d", Version: 3},
		"k2": {Value: "c", Version: 1},
	}, rng)

	top, err := m.GetTopHistory("k1", 2)
	require.NoError(t, err)
	assert.Equal(t, []VersionedValue{{Value: "d", Version: 3}, {Value: "b", Version: 2}}, top)
}

func TestRangeQueryEmptyOnReversedBounds(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Set("a", "1"))
	require.NoError(t, m.Set("b", "2"))
	values, err := m.GetRange("b", "a")
	require.NoError(t, err)
	assert.Empty(t, values)
}

func TestRangeQueryMinEqualsMax(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Set("a", "1"))
	require.NoError(t, m.Set("b", "2"))
	values, err := m.GetRange("a", "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, values)
}

func TestDeleteForbiddenOnVersionedKey(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.SetWithVersion("x", "v1", 0))
	assert.ErrorIs(t, m.Delete("x"), ErrVersionedKeyExists)
}

func TestDeletePlainKey(t *testing.T) {
	m := NewMemory()
	require.NoError(t, m.Set("x", "v1"))
	require.NoError(t, m.Delete("x"))
	assert.ErrorIs(t, m.Delete("x"), ErrKeyNotFound)
}

func TestHistoryAndTopHistoryDescending(t *testing.T) {
	m := NewMemory()
	for i, v := range []string{"v0", "v1", "v2", "v3"} {
		require.NoError(t, m.SetWithVersion("k", v, i))
	}
	top, err := m.GetTopHistory("k", 10)
	require.NoError(t, err)
	for i := 1; i < len(top); i++ {
		assert.Greater(t, top[i-1].Version, top[i].Version)
	}
}
