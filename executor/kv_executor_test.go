package executor

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/resdb-go/pbftkv/kv"
	"github.com/resdb-go/pbftkv/pbft"
)

func requestFor(t *testing.T, cmd Command, proxyID, userSeq uint64) pbft.ClientRequest {
	t.Helper()
	payload, err := json.Marshal(cmd)
	require.NoError(t, err)
	return pbft.ClientRequest{ProxyID: proxyID, UserSeq: userSeq, Payload: payload}
}

func TestKVExecutorSetGetRoundTrip(t *testing.T) {
	e := NewKVExecutor(kv.NewMemory())
	results, err := e.Execute(pbft.Batch{Requests: []pbft.ClientRequest{
		requestFor(t, Command{Op: OpSet, Key: "a", Value: "1"}, 1, 1),
		requestFor(t, Command{Op: OpGet, Key: "a"}, 1, 2),
	}})
	require.NoError(t, err)
	require.Len(t, results, 2)
	require.NoError(t, results[0].Err)
	require.NoError(t, results[1].Err)

	var got Result
	require.NoError(t, json.Unmarshal(results[1].Output, &got))
	require.Equal(t, "1", got.Value)
}

func TestKVExecutorVersionMismatchSurfacesAsResultError(t *testing.T) {
	e := NewKVExecutor(kv.NewMemory())
	results, err := e.Execute(pbft.Batch{Requests: []pbft.ClientRequest{
		requestFor(t, Command{Op: OpSetWithVersion, Key: "k", Value: "v1", Version: 0}, 1, 1),
		requestFor(t, Command{Op: OpSetWithVersion, Key: "k", Value: "v2", Version: 0}, 1, 2),
	}})
	require.NoError(t, err)
	require.NoError(t, results[0].Err)
	require.Error(t, results[1].Err, "second write expected version 1, not 0")
}

func TestKVExecutorStateDigestIgnoresPlainNamespace(t *testing.T) {
	e1 := NewKVExecutor(kv.NewMemory())
	e1.Execute(pbft.Batch{Requests: []pbft.ClientRequest{
		requestFor(t, Command{Op: OpSet, Key: "a", Value: "1"}, 1, 1),
		requestFor(t, Command{Op: OpSetWithVersion, Key: "b", Value: "2", Version: 0}, 1, 2),
	}})

	e2 := NewKVExecutor(kv.NewMemory())
	e2.Execute(pbft.Batch{Requests: []pbft.ClientRequest{
		requestFor(t, Command{Op: OpSetWithVersion, Key: "b", Value: "2", Version: 0}, 1, 1),
	}})

	// e1 also wrote a plain-namespace key "a"; StateDigest only walks
	// GetAllItems (the versioned namespace), so it must match e2's
	// digest exactly despite that unrelated write.
	d1, err := e1.StateDigest()
	require.NoError(t, err)
	d2, err := e2.StateDigest()
	require.NoError(t, err)
	require.Equal(t, d1, d2)
	require.NotEqual(t, pbft.Digest{}, d1)
}

func TestKVExecutorUndecodablePayloadReturnsExecutorFault(t *testing.T) {
	e := NewKVExecutor(kv.NewMemory())
	_, err := e.Execute(pbft.Batch{Requests: []pbft.ClientRequest{
		{ProxyID: 1, UserSeq: 1, Payload: []byte("not json")},
	}})
	require.Error(t, err)
}
