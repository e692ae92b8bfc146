package pbft

import "sync"

// SystemInfo is the single-writer/many-reader view/primary tracker
// every other collaborator consults.
type SystemInfo struct {
	mu      sync.RWMutex
	view    View
	n       int
	f       int
	replica NodeID
	order   []NodeID
}

// NewSystemInfo builds a SystemInfo starting at view 0, whose primary
// rotates round-robin over n replicas: replicas[view mod n]. The
// replica order defaults to NodeID(0)..NodeID(n-1); clusters whose ids
// are not their positions override it with SetReplicaOrder.
func NewSystemInfo(self NodeID, n, f int) *SystemInfo {
	order := make([]NodeID, n)
	for i := range order {
		order[i] = NodeID(i)
	}
	return &SystemInfo{n: n, f: f, replica: self, order: order}
}

// SetReplicaOrder installs the configured replica ordering that maps a
// primary index back to a NodeID. Called once during node construction,
// before any traffic flows.
func (s *SystemInfo) SetReplicaOrder(order []NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.order = append([]NodeID(nil), order...)
}

// View returns the current view.
func (s *SystemInfo) View() View {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.view
}

// SetView advances to newView. Callers (the view-change manager) must
// never move it backward; SystemInfo itself does not enforce that,
// trusting its single writer.
func (s *SystemInfo) SetView(newView View) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.view = newView
}

// PrimaryForView returns the replica index that is primary in v.
func (s *SystemInfo) PrimaryForView(v View) int {
	return int(uint64(v) % uint64(s.n))
}

// PrimaryNodeForView returns the NodeID of the replica that is primary
// in v, used to check that a PrePrepare really was signed by the
// claimed view's primary.
func (s *SystemInfo) PrimaryNodeForView(v View) NodeID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.order[s.PrimaryForView(v)]
}

// IsPrimary reports whether selfIndex is the primary of the current
// view.
func (s *SystemInfo) IsPrimary(selfIndex int) bool {
	return selfIndex == s.PrimaryForView(s.View())
}

func (s *SystemInfo) N() int { return s.n }
func (s *SystemInfo) F() int { return s.f }

// QuorumSize returns the 2f+1 matching-vote threshold for Prepare and
// Commit certificates — any two quorums of this size out of n
// replicas intersect in at least one correct replica.
func (s *SystemInfo) QuorumSize() int { return 2*s.f + 1 }

// WeakCertSize returns the f+1 threshold used to accept a client reply
// set or a checkpoint-from-a-behind-replica without a full quorum.
func (s *SystemInfo) WeakCertSize() int { return s.f + 1 }
