package pbft

import (
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
	"github.com/resdb-go/pbftkv/crypto"
)

// ViewChangeOutcome reports what HandleViewChange wants the caller to
// broadcast next. At most one field is set.
type ViewChangeOutcome struct {
	// StartView is non-nil when this replica should itself start (or
	// fast-forward to) a view change for this view number, on
	// observing f+1 view-change messages for a higher view.
	StartView *View
	// NewView is non-nil when this replica is the elected primary for
	// the target view and just reached 2f+1 matching ViewChange votes,
	// so it should sign and broadcast this NewView message.
	NewView *NewView
}

// ViewChangeManager drives the view-change sub-protocol: complaint
// timeouts escalate into a ViewChange broadcast, f+1 higher-view
// messages fast-forward a lagging replica, and 2f+1 matching votes for
// the same target view let its elected primary multicast a NewView
// re-proposing everything that could have committed in the old view.
type ViewChangeManager struct {
	self      NodeID
	selfIndex int
	n, f      int
	info      *SystemInfo
	log       *MessageManager
	ckpt      *CheckpointManager
	verifier  crypto.Verifier

	mu           sync.Mutex
	inProgress   bool
	targetView   View
	latestByNode map[NodeID]SignedViewChange
	nvBuilt      map[View]bool
}

// NewViewChangeManager builds a manager for a cluster of n replicas
// tolerating f faults.
func NewViewChangeManager(self NodeID, selfIndex, n, f int, info *SystemInfo, log *MessageManager, ckpt *CheckpointManager, verifier crypto.Verifier) *ViewChangeManager {
	return &ViewChangeManager{
		self: self, selfIndex: selfIndex, n: n, f: f,
		info: info, log: log, ckpt: ckpt, verifier: verifier,
		latestByNode: make(map[NodeID]SignedViewChange),
		nvBuilt:      make(map[View]bool),
	}
}

// InProgress reports whether a view change is currently underway and,
// if so, the view being moved to.
func (m *ViewChangeManager) InProgress() (View, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.targetView, m.inProgress
}

func (m *ViewChangeManager) currentViewLocked() View {
	if m.inProgress {
		return m.targetView
	}
	return m.info.View()
}

// StartViewChange builds and signs this replica's ViewChange message
// for targetView, refusing to move backward or re-announce the same
// in-flight target. ok is false when there is nothing new to send.
func (m *ViewChangeManager) StartViewChange(targetView View) (SignedViewChange, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inProgress && m.targetView >= targetView {
		return SignedViewChange{}, false, nil
	}
	if !m.inProgress && m.info.View() >= targetView {
		return SignedViewChange{}, false, nil
	}
	m.inProgress = true
	m.targetView = targetView

	stable, _ := m.ckpt.Stable()
	vc := ViewChange{
		NewViewNum: targetView,
		StableCkpt: stable.Checkpoint.Seq,
		CkptProof:  m.ckpt.ProofFor(stable.Checkpoint.Seq),
		Proofs:     m.log.ProofsAbove(stable.Checkpoint.Seq),
		Node:       m.self,
	}
	signed, err := SignViewChange(m.verifier, m.self, vc)
	if err != nil {
		return SignedViewChange{}, false, err
	}
	m.latestByNode[m.self] = signed
	return signed, true, nil
}

// HandleViewChange folds in a peer's ViewChange vote and reports what,
// if anything, this replica should broadcast as a result.
func (m *ViewChangeManager) HandleViewChange(msg SignedViewChange) (ViewChangeOutcome, error) {
	if err := msg.Verify(m.verifier); err != nil {
		return ViewChangeOutcome{}, errors.Wrap(ErrBadSignature, err.Error())
	}
	m.mu.Lock()
	m.latestByNode[msg.Signer] = msg
	current := m.currentViewLocked()

	if msg.ViewChange.NewViewNum > current {
		count := 0
		lowest := msg.ViewChange.NewViewNum
		for _, vc := range m.latestByNode {
			if vc.ViewChange.NewViewNum > current {
				count++
				if vc.ViewChange.NewViewNum < lowest {
					lowest = vc.ViewChange.NewViewNum
				}
			}
		}
		m.mu.Unlock()
		if count >= m.f+1 {
			return ViewChangeOutcome{StartView: &lowest}, nil
		}
		return ViewChangeOutcome{}, nil
	}

	isElectedPrimary := m.inProgress && m.info.PrimaryForView(msg.ViewChange.NewViewNum) == m.selfIndex
	if !isElectedPrimary || m.nvBuilt[msg.ViewChange.NewViewNum] {
		m.mu.Unlock()
		return ViewChangeOutcome{}, nil
	}
	votes := 0
	for _, vc := range m.latestByNode {
		if vc.ViewChange.NewViewNum == msg.ViewChange.NewViewNum {
			votes++
		}
	}
	if votes < 2*m.f+1 {
		m.mu.Unlock()
		return ViewChangeOutcome{}, nil
	}
	m.nvBuilt[msg.ViewChange.NewViewNum] = true
	nv, err := m.buildNewViewLocked(msg.ViewChange.NewViewNum)
	m.mu.Unlock()
	if err != nil {
		return ViewChangeOutcome{}, err
	}
	return ViewChangeOutcome{NewView: &nv}, nil
}

// buildNewViewLocked implements the paper's O-set construction (section
// 4.4): min-s is the highest stable checkpoint among the collected
// ViewChange votes, max-s is the highest prepared sequence number among
// them, and every seq in (min-s, max-s] gets a re-proposed PrePrepare —
// carrying forward the highest-view prepared batch when one exists, or
// an empty no-op batch otherwise. Caller holds m.mu.
func (m *ViewChangeManager) buildNewViewLocked(targetView View) (NewView, error) {
	voteSet := make(map[NodeID]SignedViewChange)
	for id, vc := range m.latestByNode {
		if vc.ViewChange.NewViewNum == targetView {
			voteSet[id] = vc
		}
	}
	batches, err := reproposalBatches(voteSet, targetView)
	if err != nil {
		return NewView{}, err
	}
	rePrePrepare := make(map[SlotID]SignedPrePrepare, len(batches))
	for seq, pp := range batches {
		signed, err := SignPrePrepare(m.verifier, m.self, pp)
		if err != nil {
			return NewView{}, err
		}
		rePrePrepare[SlotID{View: targetView, Seq: seq}] = signed
	}
	return NewView{NewViewNum: targetView, ViewChanges: voteSet, RePrePrepare: rePrePrepare}, nil
}

// reproposalBatches derives the re-proposal set any replica can
// recompute from a collection of ViewChange votes: for every seq in
// (min-s, max-s], the highest-view prepared batch if one exists, else
// an empty no-op batch.
func reproposalBatches(votes map[NodeID]SignedViewChange, targetView View) (map[SeqNum]PrePrepare, error) {
	type candidate struct {
		view View
		pp   SignedPrePrepare
	}
	bestForSeq := make(map[SeqNum]candidate)
	var minS, maxS SeqNum
	for _, vc := range votes {
		if vc.ViewChange.StableCkpt > minS {
			minS = vc.ViewChange.StableCkpt
		}
		for slotID, proof := range vc.ViewChange.Proofs {
			if slotID.Seq > maxS {
				maxS = slotID.Seq
			}
			cur, ok := bestForSeq[slotID.Seq]
			if !ok || proof.PrePrepare.PrePrepare.View > cur.view {
				bestForSeq[slotID.Seq] = candidate{view: proof.PrePrepare.PrePrepare.View, pp: proof.PrePrepare}
			}
		}
	}

	out := make(map[SeqNum]PrePrepare)
	for s := minS + 1; s <= maxS; s++ {
		var batch Batch
		if cand, ok := bestForSeq[s]; ok {
			batch = cand.pp.PrePrepare.Batch
		}
		digest, err := BatchDigest(batch)
		if err != nil {
			return nil, err
		}
		out[s] = PrePrepare{View: targetView, Seq: s, Digest: digest, Batch: batch}
	}
	return out, nil
}

// HandleNewView validates an incoming NewView for a view this replica
// is waiting on (or behind), installs every re-proposed PrePrepare into
// the consensus log, and enters the new view. It returns the
// SignedPrePrepares the caller should now locally process as if freshly
// received, so the normal HandlePrePrepare/Prepare path broadcasts this
// replica's own Prepare votes for them.
func (m *ViewChangeManager) HandleNewView(msg SignedNewView) ([]SignedPrePrepare, bool, error) {
	if err := msg.Verify(m.verifier); err != nil {
		return nil, false, errors.Wrap(ErrBadSignature, err.Error())
	}
	m.mu.Lock()
	current := m.currentViewLocked()
	if msg.NewView.NewViewNum <= current && !(m.inProgress && msg.NewView.NewViewNum == m.targetView) {
		m.mu.Unlock()
		return nil, false, nil
	}
	m.mu.Unlock()

	if err := m.validateNewView(msg.NewView); err != nil {
		return nil, false, err
	}

	var reproposed []SignedPrePrepare
	for _, pp := range msg.NewView.RePrePrepare {
		reproposed = append(reproposed, pp)
	}
	m.EnterView(msg.NewView.NewViewNum)
	return reproposed, true, nil
}

// validateNewView checks a NewView the way a backup must before
// trusting it: every included ViewChange vote verifies, there are at
// least 2f+1 of them, and the re-proposal set matches what this replica
// recomputes from those votes. A primary that omits or alters a
// prepared batch is caught here, not taken on faith.
func (m *ViewChangeManager) validateNewView(nv NewView) error {
	if len(nv.ViewChanges) < 2*m.f+1 {
		return errors.Errorf("pbft: new-view for %d carries %d view-change votes, need %d", nv.NewViewNum, len(nv.ViewChanges), 2*m.f+1)
	}
	var invalid *multierror.Error
	for id, vc := range nv.ViewChanges {
		if vc.ViewChange.NewViewNum != nv.NewViewNum {
			invalid = multierror.Append(invalid, errors.Errorf("vote from %d targets view %d", id, vc.ViewChange.NewViewNum))
			continue
		}
		if err := vc.Verify(m.verifier); err != nil {
			invalid = multierror.Append(invalid, errors.Wrapf(ErrBadSignature, "vote from %d: %v", id, err))
		}
	}
	if err := invalid.ErrorOrNil(); err != nil {
		return errors.Wrapf(err, "pbft: new-view for %d carries invalid view-change votes", nv.NewViewNum)
	}
	expected, err := reproposalBatches(nv.ViewChanges, nv.NewViewNum)
	if err != nil {
		return err
	}
	if len(expected) != len(nv.RePrePrepare) {
		return errors.Errorf("pbft: new-view re-proposes %d sequences, expected %d", len(nv.RePrePrepare), len(expected))
	}
	for id, pp := range nv.RePrePrepare {
		want, ok := expected[id.Seq]
		if !ok || want.Digest != pp.PrePrepare.Digest || id.View != nv.NewViewNum {
			return errors.Errorf("pbft: new-view re-proposal for seq %d does not match the included view-change votes", id.Seq)
		}
	}
	return nil
}

// EnterView finalizes a transition into newView: the pending view
// change is cleared and SystemInfo's view advances, so the replica
// starts accepting messages for the new view.
func (m *ViewChangeManager) EnterView(newView View) {
	m.mu.Lock()
	m.inProgress = false
	m.mu.Unlock()
	m.info.SetView(newView)
}
