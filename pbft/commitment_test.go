package pbft

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// replicaUnderTest bundles one simulated replica's SystemInfo,
// MessageManager and Commitment for the four-replica (f=1) happy-path
// three-phase test below.
type replicaUnderTest struct {
	info       *SystemInfo
	log        *MessageManager
	commitment *Commitment
}

func newTestCluster(t *testing.T, n, f int) []*replicaUnderTest {
	t.Helper()
	replicas := make([]*replicaUnderTest, n)
	for i := 0; i < n; i++ {
		info := NewSystemInfo(NodeID(i), n, f)
		log := NewMessageManager(info.QuorumSize(), 0)
		replicas[i] = &replicaUnderTest{
			info:       info,
			log:        log,
			commitment: NewCommitment(NodeID(i), i, info, log, fakeVerifier{}),
		}
	}
	return replicas
}

func TestCommitmentThreePhaseHappyPath(t *testing.T) {
	const n, f = 4, 1
	replicas := newTestCluster(t, n, f)
	primary := replicas[0]

	batch := Batch{Requests: []ClientRequest{{ProxyID: 1, UserSeq: 1, Payload: []byte("set x 1")}}}
	pp, err := primary.commitment.ProposeBatch(batch)
	require.NoError(t, err)

	var prepares []SignedPrepare
	for _, r := range replicas {
		vote, err := r.commitment.HandlePrePrepare(pp)
		require.NoError(t, err)
		prepares = append(prepares, vote)
	}

	var commits []SignedCommit
	for _, r := range replicas {
		for _, vote := range prepares {
			if vote.Signer == r.commitment.self {
				continue // a replica already recorded its own vote inside HandlePrePrepare
			}
			commitVote, ok, err := r.commitment.HandlePrepare(vote)
			require.NoError(t, err)
			if ok {
				commits = append(commits, commitVote)
			}
		}
	}
	require.Len(t, commits, n, "every replica should cast exactly one commit vote once prepared")

	for _, r := range replicas {
		for _, vote := range commits {
			if vote.Signer == r.commitment.self {
				continue
			}
			_, _, err := r.commitment.HandleCommit(vote)
			require.NoError(t, err)
		}
	}

	for _, r := range replicas {
		slot, ok := r.log.Slot(SlotID{View: 0, Seq: 1})
		require.True(t, ok)
		require.Equal(t, StageCommitted, slot.Stage, "replica %d should have committed", r.commitment.self)
	}
}

func TestCommitmentRejectsProposalFromNonPrimary(t *testing.T) {
	replicas := newTestCluster(t, 4, 1)
	backup := replicas[1]
	_, err := backup.commitment.ProposeBatch(Batch{})
	require.ErrorIs(t, err, ErrNotPrimary)
}

func TestCommitmentRejectsWrongView(t *testing.T) {
	replicas := newTestCluster(t, 4, 1)
	primary := replicas[0]
	pp, err := primary.commitment.ProposeBatch(Batch{Requests: []ClientRequest{{ProxyID: 1, UserSeq: 1}}})
	require.NoError(t, err)
	pp.PrePrepare.View = 5

	_, err = replicas[1].commitment.HandlePrePrepare(pp)
	require.ErrorIs(t, err, ErrWrongView)
}

func TestCommitmentRejectsPrePrepareFromNonPrimarySigner(t *testing.T) {
	replicas := newTestCluster(t, 4, 1)
	primary := replicas[0]
	pp, err := primary.commitment.ProposeBatch(Batch{Requests: []ClientRequest{{ProxyID: 1, UserSeq: 1}}})
	require.NoError(t, err)

	// Re-sign the same proposal as replica 2, which is not view 0's
	// primary; a correct backup must refuse it.
	forged, err := SignPrePrepare(fakeVerifier{}, 2, pp.PrePrepare)
	require.NoError(t, err)
	_, err = replicas[1].commitment.HandlePrePrepare(forged)
	require.ErrorIs(t, err, ErrWrongPrimary)
}
