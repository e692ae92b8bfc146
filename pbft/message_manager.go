package pbft

import (
	"sort"
	"sync"

	"github.com/pkg/errors"
)

// ErrDigestMismatch means a Prepare/Commit vote's digest does not
// match the PrePrepare already logged for that slot.
var ErrDigestMismatch = errors.New("pbft: vote digest does not match slot's pre-prepare")

// ErrSlotTruncated means the referenced slot falls below the stable
// checkpoint and has already been garbage collected.
var ErrSlotTruncated = errors.New("pbft: slot already truncated by checkpoint gc")

// ErrOutOfWindow means a PrePrepare's sequence number falls above the
// current watermark window [low, low+window].
var ErrOutOfWindow = errors.New("pbft: sequence number outside watermark window")

// ErrEquivocation means the same primary issued two PrePrepares with
// different digests for one (view, seq). The offending message is
// dropped and the conflict surfaced as evidence for a view change.
var ErrEquivocation = errors.New("pbft: conflicting pre-prepares for the same view and sequence")

// Slot is one consensus log entry, keyed by (view, seq) in
// MessageManager. It accumulates the PrePrepare and the Prepare/Commit
// votes witnessing it, tracking the monotone Stage machine.
type Slot struct {
	ID         SlotID
	PrePrepare *SignedPrePrepare
	Prepares   map[NodeID]SignedPrepare
	Commits    map[NodeID]SignedCommit
	Stage      Stage
}

func newSlot(id SlotID) *Slot {
	return &Slot{
		ID:       id,
		Prepares: make(map[NodeID]SignedPrepare),
		Commits:  make(map[NodeID]SignedCommit),
		Stage:    StageNone,
	}
}

// digest returns the batch digest the slot is pinned to, or the zero
// Digest if no PrePrepare has landed yet.
func (s *Slot) digest() Digest {
	if s.PrePrepare == nil {
		return Digest{}
	}
	return s.PrePrepare.PrePrepare.Digest
}

// matchingPrepares counts Prepare votes whose digest matches the
// slot's PrePrepare. Votes may land before the PrePrepare does, so
// quorum is always counted against the pinned digest, never raw vote
// count.
func (s *Slot) matchingPrepares() int {
	if s.PrePrepare == nil {
		return 0
	}
	n := 0
	for _, v := range s.Prepares {
		if v.Prepare.Digest == s.digest() {
			n++
		}
	}
	return n
}

func (s *Slot) matchingCommits() int {
	if s.PrePrepare == nil {
		return 0
	}
	n := 0
	for _, v := range s.Commits {
		if v.Commit.Digest == s.digest() {
			n++
		}
	}
	return n
}

// advance re-evaluates the slot's stage against quorum. Called after
// every mutation so a PrePrepare arriving after its matching votes
// still crosses Prepared/Committed.
func (s *Slot) advance(quorum int) {
	if s.Stage == StageNone && s.PrePrepare != nil {
		s.Stage = StagePrePrepared
	}
	if s.Stage == StagePrePrepared && s.matchingPrepares() >= quorum {
		s.Stage = StagePrepared
	}
	if s.Stage == StagePrepared && s.matchingCommits() >= quorum {
		s.Stage = StageCommitted
	}
}

// MessageManager owns the consensus log: one Slot per (view, seq),
// plus the low-watermark below which slots have been checkpointed
// away: the closed window [low, low+WindowSize].
type MessageManager struct {
	mu       sync.Mutex
	quorum   int
	window   SeqNum
	slots    map[SlotID]*Slot
	lowWater SeqNum
}

// NewMessageManager builds an empty log requiring quorumSize matching
// votes (2f+1) to reach Prepared/Committed. window bounds how far above
// the low watermark a PrePrepare's sequence may reach; zero disables
// the bound.
func NewMessageManager(quorumSize int, window SeqNum) *MessageManager {
	return &MessageManager{
		quorum: quorumSize,
		window: window,
		slots:  make(map[SlotID]*Slot),
	}
}

func (m *MessageManager) slot(id SlotID) *Slot {
	s, ok := m.slots[id]
	if !ok {
		s = newSlot(id)
		m.slots[id] = s
	}
	return s
}

// InsertPrePrepare records the primary's proposal for id, rejecting a
// conflicting proposal for an already-proposed slot: at most one
// PrePrepare is accepted per (view, seq).
func (m *MessageManager) InsertPrePrepare(pp SignedPrePrepare) (*Slot, error) {
	id := SlotID{View: pp.PrePrepare.View, Seq: pp.PrePrepare.Seq}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id.Seq < m.lowWater {
		return nil, ErrSlotTruncated
	}
	if m.window > 0 && id.Seq > m.lowWater+m.window {
		return nil, ErrOutOfWindow
	}
	s := m.slot(id)
	if s.PrePrepare != nil {
		if s.PrePrepare.PrePrepare.Digest != pp.PrePrepare.Digest {
			return nil, errors.Wrapf(ErrEquivocation, "seq %d in view %d", id.Seq, id.View)
		}
		return s, nil
	}
	s.PrePrepare = &pp
	s.advance(m.quorum)
	return s, nil
}

// AddPrepare records a Prepare vote, advancing the slot to Prepared
// once quorum matching votes are present.
func (m *MessageManager) AddPrepare(vote SignedPrepare) (*Slot, error) {
	id := SlotID{View: vote.Prepare.View, Seq: vote.Prepare.Seq}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id.Seq < m.lowWater {
		return nil, ErrSlotTruncated
	}
	s := m.slot(id)
	if s.PrePrepare != nil && s.PrePrepare.PrePrepare.Digest != vote.Prepare.Digest {
		return nil, ErrDigestMismatch
	}
	s.Prepares[vote.Signer] = vote
	s.advance(m.quorum)
	return s, nil
}

// AddCommit records a Commit vote, advancing the slot to Committed
// once quorum matching votes are present and the slot already reached
// Prepared: a slot cannot commit before it has prepared.
func (m *MessageManager) AddCommit(vote SignedCommit) (*Slot, error) {
	id := SlotID{View: vote.Commit.View, Seq: vote.Commit.Seq}
	m.mu.Lock()
	defer m.mu.Unlock()
	if id.Seq < m.lowWater {
		return nil, ErrSlotTruncated
	}
	s := m.slot(id)
	if s.PrePrepare != nil && s.PrePrepare.PrePrepare.Digest != vote.Commit.Digest {
		return nil, ErrDigestMismatch
	}
	s.Commits[vote.Signer] = vote
	s.advance(m.quorum)
	return s, nil
}

// MarkExecuted advances a Committed slot to Executed once the executor
// has applied its batch. It is a no-op (returns false) if the slot is
// not yet Committed, guarding against out-of-order execution.
func (m *MessageManager) MarkExecuted(id SlotID) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok || s.Stage != StageCommitted {
		return false
	}
	s.Stage = StageExecuted
	return true
}

// Slot returns a copy of the slot at id, or ok=false if absent.
func (m *MessageManager) Slot(id SlotID) (Slot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok {
		return Slot{}, false
	}
	return *s, true
}

// ReadyToCommit returns every slot at or above fromSeq that has
// reached StageCommitted but not yet StageExecuted, in ascending
// sequence order. Gaps are not filtered out: a committed slot above an
// uncommitted sequence is still returned. CommittedAt is the lookup
// that stalls at the first gap.
func (m *MessageManager) ReadyToCommit(view View, fromSeq SeqNum) []Slot {
	m.mu.Lock()
	defer m.mu.Unlock()
	var ready []Slot
	for id, s := range m.slots {
		if id.View == view && id.Seq >= fromSeq && s.Stage == StageCommitted {
			ready = append(ready, *s)
		}
	}
	sortSlotsBySeq(ready)
	return ready
}

func sortSlotsBySeq(slots []Slot) {
	sort.Slice(slots, func(i, j int) bool { return slots[i].ID.Seq < slots[j].ID.Seq })
}

// CommittedAt returns the committed-but-unexecuted slot at seq in any
// view, the lookup the execution path drains with: execute seq n, then
// seq n+1, stalling at the first sequence with no committed slot yet.
func (m *MessageManager) CommittedAt(seq SeqNum) (Slot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.slots {
		if id.Seq == seq && s.Stage == StageCommitted {
			return *s, true
		}
	}
	return Slot{}, false
}

// PreparedProofFor builds the witness a ViewChange message attaches
// for id, or ok=false if the slot never reached Prepared.
func (m *MessageManager) PreparedProofFor(id SlotID) (PreparedProof, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.slots[id]
	if !ok || s.Stage < StagePrepared || s.PrePrepare == nil {
		return PreparedProof{}, false
	}
	proofs := make(map[NodeID]SignedPrepare, len(s.Prepares))
	for k, v := range s.Prepares {
		proofs[k] = v
	}
	return PreparedProof{Slot: id, PrePrepare: *s.PrePrepare, Prepares: proofs}, true
}

// ProofsAbove returns a PreparedProof for every slot prepared (or
// further along) with sequence number greater than seq, the witness
// set a ViewChange message attaches for everything prepared since the
// last stable checkpoint.
func (m *MessageManager) ProofsAbove(seq SeqNum) map[SlotID]PreparedProof {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[SlotID]PreparedProof)
	for id, s := range m.slots {
		if id.Seq <= seq || s.Stage < StagePrepared || s.PrePrepare == nil {
			continue
		}
		proofs := make(map[NodeID]SignedPrepare, len(s.Prepares))
		for k, v := range s.Prepares {
			proofs[k] = v
		}
		out[id] = PreparedProof{Slot: id, PrePrepare: *s.PrePrepare, Prepares: proofs}
	}
	return out
}

// TruncateBelow discards every slot strictly below seq and raises the
// log's low watermark, called after a new stable checkpoint forms
// to garbage collect log entries below the stable checkpoint.
func (m *MessageManager) TruncateBelow(seq SeqNum) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if seq <= m.lowWater {
		return
	}
	for id, s := range m.slots {
		if id.Seq < seq {
			s.Stage = StageTruncated
			delete(m.slots, id)
		}
	}
	m.lowWater = seq
}

// LowWatermark returns the current log low watermark.
func (m *MessageManager) LowWatermark() SeqNum {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lowWater
}
