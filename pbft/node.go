package pbft

import (
	"net"

	"github.com/pkg/errors"
	"github.com/resdb-go/pbftkv/config"
	"github.com/resdb-go/pbftkv/crypto"
	"github.com/resdb-go/pbftkv/internal/netutil"
	"github.com/resdb-go/pbftkv/transport"
)

// Node owns one replica's full collaborator set and its inbound RPC
// listener, wiring SystemInfo, the consensus log, checkpointing,
// view-change, response caching and the executor together behind a
// single ConsensusManager-centered dispatch.
type Node struct {
	Self       NodeID
	SystemInfo *SystemInfo
	Log        *MessageManager
	Checkpoint *CheckpointManager
	ViewChange *ViewChangeManager
	Responses  *ResponseManager
	Commitment *Commitment
	Consensus  *ConsensusManager
	Pipeline   *Pipeline

	listener net.Listener
}

// NewNode builds every pbft collaborator for this replica from cluster
// configuration, a storage executor, a signature verifier, and a
// broadcaster, but does not yet start listening.
func NewNode(cluster *config.ClusterConfig, exec Executor, verifier crypto.Verifier, bcast transport.Broadcaster, replies ReplySink, perf *PerformanceManager, recovery *Recovery) (*Node, error) {
	self := cluster.SelfID
	if _, ok := cluster.Replica(self); !ok {
		return nil, errors.Errorf("pbft: self id %d not present in cluster config", self)
	}
	n, f := cluster.N(), cluster.F()

	var selfIndex = -1
	var peers []transport.Peer
	for i, r := range cluster.Replicas {
		if r.ID == self {
			selfIndex = i
			continue
		}
		peers = append(peers, transport.Peer{ID: r.ID, Hostname: netutil.GetHostname(r.IP, r.Port)})
	}
	if selfIndex < 0 {
		return nil, errors.Errorf("pbft: could not locate replica %d in configured order", self)
	}

	info := NewSystemInfo(NodeID(self), n, f)
	order := make([]NodeID, 0, n)
	for _, r := range cluster.Replicas {
		order = append(order, NodeID(r.ID))
	}
	info.SetReplicaOrder(order)
	log := NewMessageManager(info.QuorumSize(), SeqNum(cluster.WindowSize))
	ckpt := NewCheckpointManager(info.QuorumSize(), SeqNum(cluster.CheckpointInterval))
	vc := NewViewChangeManager(NodeID(self), selfIndex, n, f, info, log, ckpt, verifier)
	resp := NewResponseManager(NodeID(self), verifier)
	commitment := NewCommitment(NodeID(self), selfIndex, info, log, verifier)

	consensus := NewConsensusManager(Config{
		Self: NodeID(self), SelfIndex: selfIndex, Peers: peers,
		Broadcaster: bcast, Verifier: verifier,
		Info: info, Commitment: commitment, Log: log,
		Checkpoints: ckpt, ViewChange: vc, Responses: resp,
		Perf: perf, Recovery: recovery, Executor: exec, Replies: replies,
		ComplaintTimeout:  cluster.ComplaintTimeout(),
		ViewChangeTimeout: cluster.ViewChangeTimeout(),
	})

	pipeline := NewPipeline(consensus, cluster.WorkerCount, cluster.QueueDepth, consensus.Metrics())

	return &Node{
		Self: NodeID(self), SystemInfo: info, Log: log, Checkpoint: ckpt,
		ViewChange: vc, Responses: resp, Commitment: commitment, Consensus: consensus,
		Pipeline: pipeline,
	}, nil
}

// Restore rebuilds this replica's consensus state from dbPath before
// it starts accepting live traffic: the persisted stable-checkpoint
// certificate truncates the log, the write-ahead log replays every
// durable PrePrepare/Prepare/Commit and the last known view, and any
// batches that re-reach Committed above the stable checkpoint are
// re-executed. Votes for truncated or superseded slots replay as
// no-ops.
func (n *Node) Restore(dbPath string) error {
	if seq, votes, ok, err := LatestCheckpointCertificate(dbPath); err != nil {
		return err
	} else if ok {
		for _, vote := range votes {
			n.Checkpoint.AddVote(vote)
		}
		n.Log.TruncateBelow(seq)
	}
	ignoreStale := func(err error) error {
		switch errors.Cause(err) {
		case ErrSlotTruncated, ErrDigestMismatch, ErrOutOfWindow:
			return nil
		}
		return err
	}
	err := Replay(dbPath, ReplayCallbacks{
		OnView: func(v View) error {
			n.SystemInfo.SetView(v)
			return nil
		},
		OnPrePrepare: func(sp SignedPrePrepare) error {
			_, err := n.Log.InsertPrePrepare(sp)
			if errors.Cause(err) == ErrEquivocation {
				return nil
			}
			return ignoreStale(err)
		},
		OnPrepare: func(vote SignedPrepare) error {
			_, err := n.Log.AddPrepare(vote)
			return ignoreStale(err)
		},
		OnCommit: func(vote SignedCommit) error {
			_, err := n.Log.AddCommit(vote)
			return ignoreStale(err)
		},
		OnCheckpoint: func(vote SignedCheckpoint) error {
			if stable, ok := n.Checkpoint.AddVote(vote); ok {
				n.Log.TruncateBelow(stable.Checkpoint.Seq)
			}
			return nil
		},
	})
	if err != nil {
		return err
	}
	return n.Consensus.drainExecutable()
}

// Listen starts serving this replica's RPC endpoint on port, dispatch
// going through the staged pipeline into the wired ConsensusManager.
func (n *Node) Listen(port int) error {
	listener, err := transport.ServeDispatcher(port, n.Pipeline)
	if err != nil {
		return err
	}
	n.listener = listener
	return nil
}

// Close stops accepting inbound connections and drains the pipeline.
func (n *Node) Close() error {
	n.Pipeline.Stop()
	if n.listener == nil {
		return nil
	}
	return n.listener.Close()
}

// SubmitLocal hands a client request straight to this replica's
// ConsensusManager, as if it had arrived over the wire — the path
// PerformanceManager's synthetic load generator and a co-located
// client both use.
func (n *Node) SubmitLocal(req ClientRequest) error {
	return n.Consensus.handleClientRequest(req)
}
