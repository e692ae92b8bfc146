package pbft

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/resdb-go/pbftkv/transport"
)

// loopback delivers envelopes between in-process ConsensusManagers
// synchronously, with per-sender muting to simulate a silent primary.
type loopback struct {
	mu    sync.Mutex
	nodes map[int]*ConsensusManager
	muted map[int]bool
}

func newLoopback() *loopback {
	return &loopback{nodes: make(map[int]*ConsensusManager), muted: make(map[int]bool)}
}

func (l *loopback) mute(sender int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.muted[sender] = true
}

func (l *loopback) target(id int) (*ConsensusManager, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	cm, ok := l.nodes[id]
	return cm, ok
}

func (l *loopback) senderMuted(id int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.muted[id]
}

func (l *loopback) Broadcast(_ context.Context, peers []transport.Peer, env transport.Envelope) error {
	if l.senderMuted(env.SenderID) {
		return nil
	}
	for _, p := range peers {
		if cm, ok := l.target(p.ID); ok {
			_ = cm.Deliver(env)
		}
	}
	return nil
}

func (l *loopback) Unicast(_ context.Context, peer transport.Peer, env transport.Envelope) error {
	if l.senderMuted(env.SenderID) {
		return nil
	}
	if cm, ok := l.target(peer.ID); ok {
		_ = cm.Deliver(env)
	}
	return nil
}

// recordingExecutor applies batches by remembering each request
// payload in execution order; its state digest hashes that sequence,
// so two replicas agree exactly when they executed the same batches in
// the same order.
type recordingExecutor struct {
	mu       sync.Mutex
	payloads []string
	batches  int
}

func (e *recordingExecutor) Execute(batch Batch) ([]ExecuteResult, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.batches++
	results := make([]ExecuteResult, 0, len(batch.Requests))
	for _, req := range batch.Requests {
		e.payloads = append(e.payloads, string(req.Payload))
		results = append(results, ExecuteResult{ProxyID: req.ProxyID, UserSeq: req.UserSeq, Output: []byte("ok")})
	}
	return results, nil
}

func (e *recordingExecutor) StateDigest() (Digest, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return digestOf(e.payloads)
}

func (e *recordingExecutor) Flush() error { return nil }

func (e *recordingExecutor) batchCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.batches
}

func (e *recordingExecutor) applied() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.payloads...)
}

type replyCollector struct {
	mu      sync.Mutex
	replies []SignedClientReply
}

func (r *replyCollector) Deliver(sr SignedClientReply) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replies = append(r.replies, sr)
}

func (r *replyCollector) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.replies)
}

type itReplica struct {
	id      NodeID
	info    *SystemInfo
	log     *MessageManager
	ckpt    *CheckpointManager
	vc      *ViewChangeManager
	cm      *ConsensusManager
	exec    *recordingExecutor
	replies *replyCollector
}

func newLoopbackCluster(t *testing.T, n, f int, complaint time.Duration, ckptInterval SeqNum) (*loopback, []*itReplica) {
	t.Helper()
	lb := newLoopback()
	replicas := make([]*itReplica, n)
	for i := 0; i < n; i++ {
		var peers []transport.Peer
		for j := 0; j < n; j++ {
			if j != i {
				peers = append(peers, transport.Peer{ID: j})
			}
		}
		info := NewSystemInfo(NodeID(i), n, f)
		log := NewMessageManager(info.QuorumSize(), 0)
		ckpt := NewCheckpointManager(info.QuorumSize(), ckptInterval)
		vc := NewViewChangeManager(NodeID(i), i, n, f, info, log, ckpt, fakeVerifier{})
		resp := NewResponseManager(NodeID(i), fakeVerifier{})
		commitment := NewCommitment(NodeID(i), i, info, log, fakeVerifier{})
		exec := &recordingExecutor{}
		replies := &replyCollector{}
		cm := NewConsensusManager(Config{
			Self: NodeID(i), SelfIndex: i, Peers: peers,
			Broadcaster: lb, Verifier: fakeVerifier{},
			Info: info, Commitment: commitment, Log: log,
			Checkpoints: ckpt, ViewChange: vc, Responses: resp,
			Executor: exec, Replies: replies,
			ComplaintTimeout:  complaint,
			ViewChangeTimeout: time.Second,
		})
		lb.nodes[i] = cm
		replicas[i] = &itReplica{
			id: NodeID(i), info: info, log: log, ckpt: ckpt, vc: vc,
			cm: cm, exec: exec, replies: replies,
		}
	}
	return lb, replicas
}

func clientRequestEnvelope(t *testing.T, proxyID, userSeq uint64, payload string) transport.Envelope {
	t.Helper()
	req := ClientRequest{
		ProxyID: proxyID,
		UserSeq: userSeq,
		Payload: []byte(payload),
		Hash:    RequestHash([]byte(payload)),
	}
	raw, err := json.Marshal(req)
	require.NoError(t, err)
	return transport.Envelope{Type: transport.ClientRequestMsg, Payload: raw}
}

func TestClusterCommitsAndExecutesOnEveryReplica(t *testing.T) {
	_, replicas := newLoopbackCluster(t, 4, 1, time.Minute, 100)

	require.NoError(t, replicas[0].cm.Deliver(clientRequestEnvelope(t, 1, 1, `set a 1`)))

	for _, r := range replicas {
		require.Equal(t, 1, r.exec.batchCount(), "replica %d should have executed exactly one batch", r.id)
		slot, ok := r.log.Slot(SlotID{View: 0, Seq: 1})
		require.True(t, ok)
		require.Equal(t, StageExecuted, slot.Stage)
	}
	want, err := replicas[0].exec.StateDigest()
	require.NoError(t, err)
	for _, r := range replicas[1:] {
		got, err := r.exec.StateDigest()
		require.NoError(t, err)
		require.Equal(t, want, got, "all correct replicas must agree on the executed state")
	}
}

func TestDuplicateClientRequestRepliesFromCacheWithoutResequencing(t *testing.T) {
	_, replicas := newLoopbackCluster(t, 4, 1, time.Minute, 100)
	primary := replicas[0]

	env := clientRequestEnvelope(t, 7, 42, `set dup x`)
	require.NoError(t, primary.cm.Deliver(env))
	require.Equal(t, 1, primary.exec.batchCount())
	repliesAfterFirst := primary.replies.count()
	require.GreaterOrEqual(t, repliesAfterFirst, 1)

	require.NoError(t, primary.cm.Deliver(env))
	require.Equal(t, 1, primary.exec.batchCount(), "retransmission must not re-execute")
	require.Equal(t, repliesAfterFirst+1, primary.replies.count(), "retransmission answered from the reply cache")
	_, ok := primary.log.Slot(SlotID{View: 0, Seq: 2})
	require.False(t, ok, "no second sequence number may be assigned to a duplicate")
}

func TestPrimarySilenceAdvancesViewAndReproposesRequest(t *testing.T) {
	lb, replicas := newLoopbackCluster(t, 4, 1, 30*time.Millisecond, 100)
	lb.mute(0)

	env := clientRequestEnvelope(t, 3, 9, `orphaned request`)
	for _, r := range replicas[1:] {
		require.NoError(t, r.cm.Deliver(env))
	}

	// Complaint timers fire, the backups vote out view 0, replica 1
	// installs view 1 and re-proposes the held request.
	require.Eventually(t, func() bool {
		for _, r := range replicas[1:] {
			if r.info.View() != 1 || r.exec.batchCount() != 1 {
				return false
			}
		}
		return true
	}, 5*time.Second, 5*time.Millisecond)

	for _, r := range replicas[1:] {
		require.Equal(t, []string{"orphaned request"}, r.exec.applied(), "replica %d lost the orphaned request", r.id)
	}
}

func TestEquivocatingPrimaryNeverPreparesAndTriggersViewChange(t *testing.T) {
	_, replicas := newLoopbackCluster(t, 4, 1, time.Minute, 100)

	batchA := Batch{Requests: []ClientRequest{{ProxyID: 1, UserSeq: 1, Payload: []byte("a")}}}
	batchB := Batch{Requests: []ClientRequest{{ProxyID: 2, UserSeq: 1, Payload: []byte("b")}}}
	digestA, err := BatchDigest(batchA)
	require.NoError(t, err)
	digestB, err := BatchDigest(batchB)
	require.NoError(t, err)
	ppA, err := SignPrePrepare(fakeVerifier{}, 0, PrePrepare{View: 0, Seq: 1, Digest: digestA, Batch: batchA})
	require.NoError(t, err)
	ppB, err := SignPrePrepare(fakeVerifier{}, 0, PrePrepare{View: 0, Seq: 1, Digest: digestB, Batch: batchB})
	require.NoError(t, err)

	wrap := func(pp SignedPrePrepare) transport.Envelope {
		raw, err := json.Marshal(pp)
		require.NoError(t, err)
		return transport.Envelope{SenderID: 0, Type: transport.PrePrepareMsg, Payload: raw}
	}

	// Disjoint halves see conflicting proposals for (view 0, seq 1).
	require.NoError(t, replicas[1].cm.Deliver(wrap(ppA)))
	require.NoError(t, replicas[2].cm.Deliver(wrap(ppB)))
	require.NoError(t, replicas[3].cm.Deliver(wrap(ppB)))

	// The crossed proposal is equivocation evidence, consumed silently.
	require.NoError(t, replicas[1].cm.Deliver(wrap(ppB)))
	require.EqualValues(t, 1, replicas[1].cm.Metrics().Snapshot().Equivocation)

	for _, r := range replicas {
		if slot, ok := r.log.Slot(SlotID{View: 0, Seq: 1}); ok {
			require.Less(t, slot.Stage, StagePrepared, "no digest may prepare at an equivocated slot on replica %d", r.id)
		}
		require.Equal(t, 0, r.exec.batchCount())
	}

	_, inProgress := replicas[1].vc.InProgress()
	require.True(t, inProgress, "equivocation evidence must escalate to a view change")
}

func TestCheckpointStabilizesAndTruncatesEverywhere(t *testing.T) {
	_, replicas := newLoopbackCluster(t, 4, 1, time.Minute, 2)

	require.NoError(t, replicas[0].cm.Deliver(clientRequestEnvelope(t, 1, 1, `op one`)))
	require.NoError(t, replicas[0].cm.Deliver(clientRequestEnvelope(t, 1, 2, `op two`)))

	for _, r := range replicas {
		require.Equal(t, 2, r.exec.batchCount())
		stable, ok := r.ckpt.Stable()
		require.True(t, ok, "replica %d should have stabilized the seq-2 checkpoint", r.id)
		require.Equal(t, SeqNum(2), stable.Checkpoint.Seq)
		require.Equal(t, SeqNum(2), r.log.LowWatermark())
		_, ok = r.log.Slot(SlotID{View: 0, Seq: 1})
		require.False(t, ok, "entries below the stable checkpoint are garbage collected")
	}
}

func TestQueryStateAnswersWithoutSequencing(t *testing.T) {
	_, replicas := newLoopbackCluster(t, 4, 1, time.Minute, 100)
	primary := replicas[0]

	require.NoError(t, primary.cm.Deliver(clientRequestEnvelope(t, 1, 1, `set a 1`)))

	query := clientRequestEnvelope(t, 5, 1, ``)
	query.Type = transport.QueryStateMsg
	require.NoError(t, primary.cm.Deliver(query))

	var state ReplicaState
	primary.replies.mu.Lock()
	last := primary.replies.replies[len(primary.replies.replies)-1]
	primary.replies.mu.Unlock()
	require.NoError(t, json.Unmarshal(last.Reply.Result, &state))
	require.Equal(t, View(0), state.View)
	require.EqualValues(t, 1, state.ExecutedSeqs)
	_, ok := primary.log.Slot(SlotID{View: 0, Seq: 2})
	require.False(t, ok, "a state query must not consume a sequence number")
}
