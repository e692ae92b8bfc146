// Package pbft implements the three-phase PBFT consensus pipeline:
// request dispatch, PrePrepare/Prepare/Commit, checkpointing and
// view-change, split into per-concern collaborators (SystemInfo,
// MessageManager, CheckpointManager, Commitment, ViewChangeManager,
// ResponseManager, Recovery) coordinated by ConsensusManager.
package pbft

import (
	"crypto/sha256"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/resdb-go/pbftkv/crypto"
)

// NodeID identifies a replica. Alias of crypto.NodeID so message types
// here don't force every caller to import both packages.
type NodeID = crypto.NodeID

// View is a monotonically nondecreasing consensus era; the primary
// for a view is selected round-robin over the replica set.
type View uint64

// SeqNum is a consensus log sequence number, strictly increasing
// within a view, never skipped except across a view change.
type SeqNum uint64

// Digest is a SHA-256 content hash, used to index the consensus log
// and identify batches, free of any particular message's encoding.
type Digest [sha256.Size]byte

// SlotID is the key of one consensus log entry: (view, seq).
type SlotID struct {
	View View
	Seq  SeqNum
}

// MarshalText/UnmarshalText render a SlotID as "view/seq" so it can
// key the JSON maps inside ViewChange and NewView messages.
func (id SlotID) MarshalText() ([]byte, error) {
	return []byte(fmt.Sprintf("%d/%d", id.View, id.Seq)), nil
}

func (id *SlotID) UnmarshalText(text []byte) error {
	var view, seq uint64
	if _, err := fmt.Sscanf(string(text), "%d/%d", &view, &seq); err != nil {
		return errors.Wrapf(err, "pbft: parsing slot id %q", text)
	}
	id.View = View(view)
	id.Seq = SeqNum(seq)
	return nil
}

// ClientRequest is one client-submitted operation.
// Hash is SHA-256(Payload); (ProxyID,UserSeq) is the client-visible
// dedup key.
type ClientRequest struct {
	ProxyID    uint64
	UserSeq    uint64
	Payload    []byte
	Hash       Digest
	CreateTime time.Time
}

// Batch is an ordered list of client requests agreed as a unit,
// serialized into a single opaque blob whose digest indexes the
// consensus log.
type Batch struct {
	Requests []ClientRequest
}

// Stage is a consensus log entry's phase. Transitions are monotone:
// None -> PrePrepared -> Prepared -> Committed -> Executed, with
// Truncated reachable from any stage once checkpoint GC passes its
// seq, and a reset to PrePrepared possible only via a view change
// (see Stage constants below).
type Stage int

const (
	StageNone Stage = iota
	StagePrePrepared
	StagePrepared
	StageCommitted
	StageExecuted
	StageTruncated
)

func (s Stage) String() string {
	switch s {
	case StageNone:
		return "None"
	case StagePrePrepared:
		return "PrePrepared"
	case StagePrepared:
		return "Prepared"
	case StageCommitted:
		return "Committed"
	case StageExecuted:
		return "Executed"
	case StageTruncated:
		return "Truncated"
	default:
		return "Unknown"
	}
}

// PrePrepare is the primary's proposal for a sequence number.
type PrePrepare struct {
	View   View
	Seq    SeqNum
	Digest Digest
	Batch  Batch
}

// SignedPrePrepare carries a PrePrepare plus the primary's signature
// over its fixed fields (Prepare/Commit drop the batch and keep only
// {view,seq,digest}).
type SignedPrePrepare struct {
	PrePrepare PrePrepare
	Signer     NodeID
	Signature  []byte
}

// VoteMsg is the shared shape of Prepare and Commit: {view,seq,digest}
// plus whichever replica cast it.
type VoteMsg struct {
	View   View
	Seq    SeqNum
	Digest Digest
}

type SignedPrepare struct {
	Prepare   VoteMsg
	Signer    NodeID
	Signature []byte
}

type SignedCommit struct {
	Commit    VoteMsg
	Signer    NodeID
	Signature []byte
}

// Checkpoint attests to the state digest at a given executed sequence
// for GC and view-change purposes.
type Checkpoint struct {
	Seq         SeqNum
	StateDigest Digest
}

type SignedCheckpoint struct {
	Checkpoint Checkpoint
	Signer     NodeID
	Signature  []byte
}

// PreparedProof is the witness a replica includes in its ViewChange
// message for every (view,seq,digest) it prepared since the last
// stable checkpoint: the PrePrepare plus the 2f Prepare signatures
// that witnessed it.
type PreparedProof struct {
	Slot       SlotID
	PrePrepare SignedPrePrepare
	Prepares   map[NodeID]SignedPrepare
}

// ViewChange is broadcast by a replica moving to NewViewNum, carrying
// its last stable checkpoint and every sequence it prepared since.
type ViewChange struct {
	NewViewNum View
	StableCkpt SeqNum
	CkptProof  map[NodeID]SignedCheckpoint
	Proofs     map[SlotID]PreparedProof
	Node       NodeID
}

type SignedViewChange struct {
	ViewChange ViewChange
	Signer     NodeID
	Signature  []byte
}

// NewView is the new primary's re-proposal set, re-deriving exactly
// what could have committed in the old view from the included
// ViewChange messages.
type NewView struct {
	NewViewNum   View
	ViewChanges  map[NodeID]SignedViewChange
	RePrePrepare map[SlotID]SignedPrePrepare
}

type SignedNewView struct {
	NewView   NewView
	Signer    NodeID
	Signature []byte
}

// ClientReply is the signed per-request result delivered back to the
// client once f+1 matching replies are observed.
type ClientReply struct {
	View    View
	ProxyID uint64
	UserSeq uint64
	Result  []byte
	Error   string
}

type SignedClientReply struct {
	Reply     ClientReply
	Signer    NodeID
	Signature []byte
}
