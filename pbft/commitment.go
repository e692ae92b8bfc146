package pbft

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/resdb-go/pbftkv/crypto"
)

// ErrNotPrimary is returned when a non-primary replica is asked to
// propose a batch: only the primary for the current view may do so.
var ErrNotPrimary = errors.New("pbft: not primary for current view")

// ErrWrongView means a message carries a view other than the one this
// replica is currently in.
var ErrWrongView = errors.New("pbft: message view does not match current view")

// ErrBadSignature wraps a crypto.Verifier rejection of a message.
var ErrBadSignature = errors.New("pbft: signature verification failed")

// ErrWrongPrimary means a PrePrepare was signed by a replica that is
// not the primary of the view it claims.
var ErrWrongPrimary = errors.New("pbft: pre-prepare not signed by the view's primary")

// Commitment drives the three-phase PrePrepare/Prepare/Commit pipeline
// for both the primary's proposing path and every replica's voting
// path.
type Commitment struct {
	self      NodeID
	selfIndex int
	info      *SystemInfo
	log       *MessageManager
	verifier  crypto.Verifier

	mu      sync.Mutex
	nextSeq SeqNum
}

// NewCommitment wires a Commitment for selfIndex's replica.
func NewCommitment(self NodeID, selfIndex int, info *SystemInfo, log *MessageManager, verifier crypto.Verifier) *Commitment {
	return &Commitment{self: self, selfIndex: selfIndex, info: info, log: log, verifier: verifier}
}

// nextSequence hands out strictly increasing sequence numbers for the
// local primary's proposals. Safe for concurrent callers.
func (c *Commitment) nextSequence() SeqNum {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSeq++
	return c.nextSeq
}

// ResetSequence is used by the consensus manager after a view change
// re-proposes the tail of the old view: it raises the last assigned
// sequence number to seq (never lowering it), so the next proposal
// gets seq+1.
func (c *Commitment) ResetSequence(seq SeqNum) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if seq > c.nextSeq {
		c.nextSeq = seq
	}
}

// ProposeBatch builds and self-signs a PrePrepare for batch, assigning
// it the next sequence number in the current view. Only valid when
// this replica is primary.
func (c *Commitment) ProposeBatch(batch Batch) (SignedPrePrepare, error) {
	if !c.info.IsPrimary(c.selfIndex) {
		return SignedPrePrepare{}, ErrNotPrimary
	}
	digest, err := BatchDigest(batch)
	if err != nil {
		return SignedPrePrepare{}, err
	}
	pp := PrePrepare{
		View:   c.info.View(),
		Seq:    c.nextSequence(),
		Digest: digest,
		Batch:  batch,
	}
	return SignPrePrepare(c.verifier, c.self, pp)
}

// HandlePrePrepare validates an incoming proposal and, once accepted,
// returns this replica's own Prepare vote to broadcast. A view or
// duplicate/conflicting mismatch is reported as an error and produces
// no vote.
func (c *Commitment) HandlePrePrepare(sp SignedPrePrepare) (SignedPrepare, error) {
	if sp.PrePrepare.View != c.info.View() {
		return SignedPrepare{}, ErrWrongView
	}
	if sp.Signer != c.info.PrimaryNodeForView(sp.PrePrepare.View) {
		return SignedPrepare{}, ErrWrongPrimary
	}
	if err := sp.Verify(c.verifier); err != nil {
		return SignedPrepare{}, errors.Wrap(ErrBadSignature, err.Error())
	}
	wantDigest, err := BatchDigest(sp.PrePrepare.Batch)
	if err != nil {
		return SignedPrepare{}, err
	}
	if wantDigest != sp.PrePrepare.Digest {
		return SignedPrepare{}, errors.New("pbft: pre-prepare digest does not match batch contents")
	}
	if _, err := c.log.InsertPrePrepare(sp); err != nil {
		return SignedPrepare{}, err
	}
	vote := VoteMsg{View: sp.PrePrepare.View, Seq: sp.PrePrepare.Seq, Digest: sp.PrePrepare.Digest}
	mine, err := SignPrepare(c.verifier, c.self, vote)
	if err != nil {
		return SignedPrepare{}, err
	}
	if _, err := c.log.AddPrepare(mine); err != nil {
		return SignedPrepare{}, err
	}
	return mine, nil
}

// HandlePrepare folds in a peer's Prepare vote. Once the slot crosses
// into Prepared and this replica has not yet cast its own Commit for
// it, it returns that Commit vote to broadcast (ok=true); otherwise ok
// is false and there is nothing new to send.
func (c *Commitment) HandlePrepare(vote SignedPrepare) (out SignedCommit, ok bool, err error) {
	if vote.Prepare.View != c.info.View() {
		return SignedCommit{}, false, ErrWrongView
	}
	if err := vote.Verify(c.verifier); err != nil {
		return SignedCommit{}, false, errors.Wrap(ErrBadSignature, err.Error())
	}
	slot, err := c.log.AddPrepare(vote)
	if err != nil {
		return SignedCommit{}, false, err
	}
	if slot.Stage < StagePrepared {
		return SignedCommit{}, false, nil
	}
	if _, already := slot.Commits[c.self]; already {
		return SignedCommit{}, false, nil
	}
	commitVote := VoteMsg{View: vote.Prepare.View, Seq: vote.Prepare.Seq, Digest: vote.Prepare.Digest}
	mine, err := SignCommit(c.verifier, c.self, commitVote)
	if err != nil {
		return SignedCommit{}, false, err
	}
	if _, err := c.log.AddCommit(mine); err != nil {
		return SignedCommit{}, false, err
	}
	return mine, true, nil
}

// CommitIfPrepared casts this replica's own Commit for id if the slot
// already reached Prepared without one — the path taken when a
// PrePrepare lands after its matching Prepare votes, so no further
// Prepare will arrive to trigger the usual HandlePrepare transition.
func (c *Commitment) CommitIfPrepared(id SlotID) (SignedCommit, bool, error) {
	slot, ok := c.log.Slot(id)
	if !ok || slot.Stage < StagePrepared || slot.PrePrepare == nil {
		return SignedCommit{}, false, nil
	}
	if _, already := slot.Commits[c.self]; already {
		return SignedCommit{}, false, nil
	}
	vote := VoteMsg{View: id.View, Seq: id.Seq, Digest: slot.PrePrepare.PrePrepare.Digest}
	mine, err := SignCommit(c.verifier, c.self, vote)
	if err != nil {
		return SignedCommit{}, false, err
	}
	if _, err := c.log.AddCommit(mine); err != nil {
		return SignedCommit{}, false, err
	}
	return mine, true, nil
}

// HandleCommit folds in a peer's Commit vote, returning the slot and
// ready=true the instant it reaches StageCommitted so the caller can
// hand it to the executor in sequence order.
func (c *Commitment) HandleCommit(vote SignedCommit) (slot Slot, ready bool, err error) {
	if vote.Commit.View != c.info.View() {
		return Slot{}, false, ErrWrongView
	}
	if err := vote.Verify(c.verifier); err != nil {
		return Slot{}, false, errors.Wrap(ErrBadSignature, err.Error())
	}
	s, err := c.log.AddCommit(vote)
	if err != nil {
		return Slot{}, false, err
	}
	return *s, s.Stage == StageCommitted, nil
}
