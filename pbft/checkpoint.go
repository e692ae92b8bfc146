package pbft

import "sync"

// CheckpointManager collects SignedCheckpoint votes per sequence
// number and declares a checkpoint stable once 2f+1 replicas agree on
// the same state digest, using the same quorum-counting style as
// Prepare/Commit votes.
type CheckpointManager struct {
	mu       sync.Mutex
	quorum   int
	interval SeqNum
	votes      map[SeqNum]map[NodeID]SignedCheckpoint
	stable     SignedCheckpoint
	stableCert map[NodeID]SignedCheckpoint
	stableOK   bool
}

// NewCheckpointManager builds a manager requiring quorumSize (2f+1)
// matching votes per checkpoint, taken every interval executed
// sequence numbers.
func NewCheckpointManager(quorumSize int, interval SeqNum) *CheckpointManager {
	return &CheckpointManager{
		quorum:   quorumSize,
		interval: interval,
		votes:    make(map[SeqNum]map[NodeID]SignedCheckpoint),
	}
}

// Interval returns the configured checkpoint interval.
func (c *CheckpointManager) Interval() SeqNum { return c.interval }

// ShouldCheckpoint reports whether seq is a checkpoint boundary: every
// Interval executed requests.
func (c *CheckpointManager) ShouldCheckpoint(seq SeqNum) bool {
	return c.interval > 0 && seq > 0 && seq%c.interval == 0
}

// AddVote records a peer's checkpoint vote, returning the now-stable
// checkpoint and true the moment quorum is reached for its sequence.
// Later votes for an already-stabilized (or older) sequence are
// accepted but never move the stable pointer backward.
func (c *CheckpointManager) AddVote(vote SignedCheckpoint) (SignedCheckpoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	seq := vote.Checkpoint.Seq
	if c.stableOK && seq <= c.stable.Checkpoint.Seq {
		return c.stable, false
	}
	byDigest, ok := c.votes[seq]
	if !ok {
		byDigest = make(map[NodeID]SignedCheckpoint)
		c.votes[seq] = byDigest
	}
	byDigest[vote.Signer] = vote

	matching := 0
	for _, v := range byDigest {
		if v.Checkpoint.StateDigest == vote.Checkpoint.StateDigest {
			matching++
		}
	}
	if matching >= c.quorum {
		c.stable = vote
		c.stableOK = true
		c.stableCert = make(map[NodeID]SignedCheckpoint, matching)
		for id, v := range byDigest {
			if v.Checkpoint.StateDigest == vote.Checkpoint.StateDigest {
				c.stableCert[id] = v
			}
		}
		delete(c.votes, seq)
		for s := range c.votes {
			if s <= seq {
				delete(c.votes, s)
			}
		}
		return c.stable, true
	}
	return SignedCheckpoint{}, false
}

// Stable returns the latest stabilized checkpoint, if any.
func (c *CheckpointManager) Stable() (SignedCheckpoint, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stable, c.stableOK
}

// ProofFor returns every matching vote collected for seq — the full
// quorum certificate when seq is the stable checkpoint — used to
// attach a CkptProof to an outgoing ViewChange message and to persist
// the stable-checkpoint certificate.
func (c *CheckpointManager) ProofFor(seq SeqNum) map[NodeID]SignedCheckpoint {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[NodeID]SignedCheckpoint)
	if c.stableOK && c.stable.Checkpoint.Seq == seq {
		for k, v := range c.stableCert {
			out[k] = v
		}
		return out
	}
	for k, v := range c.votes[seq] {
		out[k] = v
	}
	return out
}

// WindowHigh returns the high watermark of the current receive window
// given windowSize, i.e. the highest seq this replica will accept a
// PrePrepare for: the closed interval [low, low+windowSize].
func (c *CheckpointManager) WindowHigh(windowSize SeqNum) SeqNum {
	c.mu.Lock()
	defer c.mu.Unlock()
	low := SeqNum(0)
	if c.stableOK {
		low = c.stable.Checkpoint.Seq
	}
	return low + windowSize
}
