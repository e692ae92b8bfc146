package client

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/resdb-go/pbftkv/crypto"
	"github.com/resdb-go/pbftkv/executor"
	"github.com/resdb-go/pbftkv/kv"
	"github.com/resdb-go/pbftkv/pbft"
	"github.com/resdb-go/pbftkv/transport"
)

// passVerifier "signs" by copying the payload, so signatures validate
// for any claimed signer. Good enough for end-to-end plumbing tests
// that are not about rejecting forgeries.
type passVerifier struct{}

func (passVerifier) Sign(payload []byte) ([]byte, error) {
	return append([]byte(nil), payload...), nil
}

func (passVerifier) Verify(_ crypto.NodeID, payload, signature []byte) error {
	if !bytes.Equal(payload, signature) {
		return errors.New("e2e: signature mismatch")
	}
	return nil
}

// wiring fans envelopes between the in-process cluster and the client:
// ClientRequest envelopes go to every replica, everything else between
// replicas, and each replica's signed replies come back to the client.
type wiring struct {
	mu       sync.Mutex
	replicas map[int]*pbft.ConsensusManager
	client   *Client
}

func (w *wiring) Broadcast(_ context.Context, peers []transport.Peer, env transport.Envelope) error {
	for _, p := range peers {
		w.mu.Lock()
		cm, ok := w.replicas[p.ID]
		w.mu.Unlock()
		if ok {
			_ = cm.Deliver(env)
		}
	}
	return nil
}

func (w *wiring) Unicast(_ context.Context, peer transport.Peer, env transport.Envelope) error {
	return w.Broadcast(context.Background(), []transport.Peer{peer}, env)
}

func newKVCluster(t *testing.T, n, f int) (*wiring, *Client) {
	t.Helper()
	w := &wiring{replicas: make(map[int]*pbft.ConsensusManager)}
	c := New(42, w, peersFor(n, -1), f+1)
	w.client = c
	for i := 0; i < n; i++ {
		info := pbft.NewSystemInfo(pbft.NodeID(i), n, f)
		log := pbft.NewMessageManager(info.QuorumSize(), 0)
		ckpt := pbft.NewCheckpointManager(info.QuorumSize(), 100)
		vc := pbft.NewViewChangeManager(pbft.NodeID(i), i, n, f, info, log, ckpt, passVerifier{})
		resp := pbft.NewResponseManager(pbft.NodeID(i), passVerifier{})
		commitment := pbft.NewCommitment(pbft.NodeID(i), i, info, log, passVerifier{})
		exec := executor.NewKVExecutor(kv.NewMemory())
		cm := pbft.NewConsensusManager(pbft.Config{
			Self: pbft.NodeID(i), SelfIndex: i, Peers: peersFor(n, i),
			Broadcaster: w, Verifier: passVerifier{},
			Info: info, Commitment: commitment, Log: log,
			Checkpoints: ckpt, ViewChange: vc, Responses: resp,
			Executor: exec, Replies: c,
			ComplaintTimeout:  time.Minute,
			ViewChangeTimeout: time.Second,
		})
		w.replicas[i] = cm
	}
	return w, c
}

func peersFor(n, self int) []transport.Peer {
	var peers []transport.Peer
	for j := 0; j < n; j++ {
		if j != self {
			peers = append(peers, transport.Peer{ID: j})
		}
	}
	return peers
}

func submit(t *testing.T, c *Client, cmd executor.Command) (executor.Result, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return c.Submit(ctx, cmd)
}

func TestEndToEndSetThenGet(t *testing.T) {
	_, c := newKVCluster(t, 4, 1)

	_, err := submit(t, c, executor.Command{Op: executor.OpSet, Key: "a", Value: "1"})
	require.NoError(t, err)

	got, err := submit(t, c, executor.Command{Op: executor.OpGet, Key: "a"})
	require.NoError(t, err)
	require.Equal(t, "1", got.Value)
}

func TestEndToEndVersionedOCC(t *testing.T) {
	_, c := newKVCluster(t, 4, 1)

	_, err := submit(t, c, executor.Command{Op: executor.OpSetWithVersion, Key: "x", Value: "v1", Version: 0})
	require.NoError(t, err)

	_, err = submit(t, c, executor.Command{Op: executor.OpSetWithVersion, Key: "x", Value: "v2", Version: 0})
	require.Error(t, err, "stale expected version must surface to the client as a typed reply")

	_, err = submit(t, c, executor.Command{Op: executor.OpSetWithVersion, Key: "x", Value: "v2", Version: 1})
	require.NoError(t, err)

	got, err := submit(t, c, executor.Command{Op: executor.OpGetWithVersion, Key: "x", Version: 0})
	require.NoError(t, err)
	require.Equal(t, "v2", got.Value)
	require.Equal(t, 2, got.Version)

	hist, err := submit(t, c, executor.Command{Op: executor.OpGetHistory, Key: "x", MinVersion: 0, MaxVersion: 2})
	require.NoError(t, err)
	require.Equal(t, []kv.VersionedValue{{Value: "v2", Version: 2}, {Value: "v1", Version: 1}}, hist.History)
}

func TestEndToEndRangeAndTopHistory(t *testing.T) {
	_, c := newKVCluster(t, 4, 1)

	for _, step := range []executor.Command{
		{Op: executor.OpSetWithVersion, Key: "k1", Value: "a", Version: 0},
		{Op: executor.OpSetWithVersion, Key: "k1", Value: "b", Version: 1},
		{Op: executor.OpSetWithVersion, Key: "k2", Value: "c", Version: 0},
		{Op: executor.OpSetWithVersion, Key: "k1", Value: "d", Version: 2},
	} {
		_, err := submit(t, c, step)
		require.NoError(t, err)
	}

	rng, err := submit(t, c, executor.Command{Op: executor.OpGetKeyRange, MinKey: "k1", MaxKey: "k2"})
	require.NoError(t, err)
	require.Equal(t, map[string]kv.VersionedValue{
		"k1": {Value: "d", Version: 3},
		"k2": {Value: "c", Version: 1},
	}, rng.Items)

	top, err := submit(t, c, executor.Command{Op: executor.OpGetTopHistory, Key: "k1", N: 2})
	require.NoError(t, err)
	require.Equal(t, []kv.VersionedValue{{Value: "d", Version: 3}, {Value: "b", Version: 2}}, top.History)
}
