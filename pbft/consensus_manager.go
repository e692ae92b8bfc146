package pbft

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/coreos/pkg/capnslog"
	"github.com/pkg/errors"
	"github.com/resdb-go/pbftkv/crypto"
	"github.com/resdb-go/pbftkv/transport"
)

var plog = capnslog.NewPackageLogger("github.com/resdb-go/pbftkv", "pbft")

// ExecuteResult is one applied command's outcome, returned by Executor
// in request order.
type ExecuteResult struct {
	ProxyID uint64
	UserSeq uint64
	Output  []byte
	Err     error
}

// Executor applies a committed batch to durable state and reports the
// resulting state digest, kept as an interface here so pbft never
// imports the kv-specific executor package. Flush is invoked when a
// checkpoint stabilizes, before the consensus log truncates below it.
type Executor interface {
	Execute(batch Batch) ([]ExecuteResult, error)
	StateDigest() (Digest, error)
	Flush() error
}

// ReplySink is handed every signed client reply this replica produces.
// A real deployment's client-facing RPC service implements it; tests
// can use a channel-backed stub.
type ReplySink interface {
	Deliver(SignedClientReply)
}

// ConsensusManager is the top-level dispatcher wiring every other
// pbft collaborator together, demultiplexing inbound envelopes by
// message type and routing each to the collaborator that owns it.
type ConsensusManager struct {
	self      NodeID
	selfIndex int
	peers     []transport.Peer
	bcast     transport.Broadcaster
	verifier  crypto.Verifier

	info       *SystemInfo
	commitment *Commitment
	log        *MessageManager
	ckpt       *CheckpointManager
	vc         *ViewChangeManager
	resp       *ResponseManager
	perf       *PerformanceManager
	recovery   *Recovery
	exec       Executor
	replies    ReplySink

	complaintTimeout  time.Duration
	viewChangeTimeout time.Duration

	metrics Metrics

	mu         sync.Mutex
	pending    []transport.Envelope
	complained map[RequestKey]bool
	timers     map[RequestKey]*time.Timer
	unproposed map[RequestKey]ClientRequest

	execMu   sync.Mutex
	nextExec SeqNum
}

// Config bundles the collaborators and tuning knobs a ConsensusManager
// needs; every field besides Perf and Recovery is required.
type Config struct {
	Self              NodeID
	SelfIndex         int
	Peers             []transport.Peer
	Broadcaster       transport.Broadcaster
	Verifier          crypto.Verifier
	Info              *SystemInfo
	Commitment        *Commitment
	Log               *MessageManager
	Checkpoints       *CheckpointManager
	ViewChange        *ViewChangeManager
	Responses         *ResponseManager
	Perf              *PerformanceManager
	Recovery          *Recovery
	Executor          Executor
	Replies           ReplySink
	ComplaintTimeout  time.Duration
	ViewChangeTimeout time.Duration
}

// NewConsensusManager wires a ConsensusManager from cfg.
func NewConsensusManager(cfg Config) *ConsensusManager {
	return &ConsensusManager{
		self: cfg.Self, selfIndex: cfg.SelfIndex, peers: cfg.Peers,
		bcast: cfg.Broadcaster, verifier: cfg.Verifier,
		info: cfg.Info, commitment: cfg.Commitment, log: cfg.Log,
		ckpt: cfg.Checkpoints, vc: cfg.ViewChange, resp: cfg.Responses,
		perf: cfg.Perf, recovery: cfg.Recovery, exec: cfg.Executor, replies: cfg.Replies,
		complaintTimeout: cfg.ComplaintTimeout, viewChangeTimeout: cfg.ViewChangeTimeout,
		complained: make(map[RequestKey]bool),
		timers:     make(map[RequestKey]*time.Timer),
		unproposed: make(map[RequestKey]ClientRequest),
		nextExec:   1,
	}
}

// Metrics exposes the dropped-message and execution counters.
func (c *ConsensusManager) Metrics() *Metrics { return &c.metrics }

// Deliver implements transport.Dispatcher. Checkpoint/ViewChange/
// NewView messages are always processed; everything else queues while
// a view change is in progress and is replayed once it resolves.
// Per-message protocol faults (bad signature, out-of-window sequence,
// equivocation) are consumed here: the message is dropped, a metric
// bumped, and in the equivocation case a view change triggered; they
// never propagate to the transport as delivery failures.
func (c *ConsensusManager) Deliver(env transport.Envelope) error {
	if _, inProgress := c.vc.InProgress(); inProgress {
		switch env.Type {
		case transport.CheckpointMsg, transport.ViewChangeMsg, transport.NewViewMsg:
		default:
			c.mu.Lock()
			c.pending = append(c.pending, env)
			c.mu.Unlock()
			return nil
		}
	}
	err := c.dispatch(env)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrBadSignature):
		c.metrics.incrBadSignature()
		return nil
	case errors.Is(err, ErrOutOfWindow):
		c.metrics.incrOutOfWindow()
		return nil
	case errors.Is(err, ErrWrongView), errors.Is(err, ErrWrongPrimary), errors.Is(err, ErrSlotTruncated):
		// Stale or misdirected messages: common after a view change or
		// checkpoint truncation, dropped without ceremony.
		return nil
	case errors.Is(err, ErrEquivocation):
		c.metrics.incrEquivocation()
		plog.Warningf("equivocation evidence from sender %d: %v", env.SenderID, err)
		next := c.info.View() + 1
		if v, inProgress := c.vc.InProgress(); inProgress {
			next = v + 1
		}
		if vcErr := c.triggerViewChange(next); vcErr != nil {
			plog.Warningf("triggering view change on equivocation: %v", vcErr)
		}
		return nil
	default:
		return err
	}
}

func (c *ConsensusManager) dispatch(env transport.Envelope) error {
	switch env.Type {
	case transport.ClientRequestMsg:
		var req ClientRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return errors.Wrap(err, "pbft: decoding client request")
		}
		return c.handleClientRequest(req)
	case transport.PrePrepareMsg:
		var sp SignedPrePrepare
		if err := json.Unmarshal(env.Payload, &sp); err != nil {
			return errors.Wrap(err, "pbft: decoding pre-prepare")
		}
		return c.handlePrePrepare(sp)
	case transport.PrepareMsg:
		var sp SignedPrepare
		if err := json.Unmarshal(env.Payload, &sp); err != nil {
			return errors.Wrap(err, "pbft: decoding prepare")
		}
		return c.handlePrepare(sp)
	case transport.CommitMsg:
		var sc SignedCommit
		if err := json.Unmarshal(env.Payload, &sc); err != nil {
			return errors.Wrap(err, "pbft: decoding commit")
		}
		return c.handleCommit(sc)
	case transport.CheckpointMsg:
		var sc SignedCheckpoint
		if err := json.Unmarshal(env.Payload, &sc); err != nil {
			return errors.Wrap(err, "pbft: decoding checkpoint")
		}
		return c.handleCheckpoint(sc)
	case transport.ViewChangeMsg:
		var sv SignedViewChange
		if err := json.Unmarshal(env.Payload, &sv); err != nil {
			return errors.Wrap(err, "pbft: decoding view change")
		}
		return c.handleViewChange(sv)
	case transport.NewViewMsg:
		var sn SignedNewView
		if err := json.Unmarshal(env.Payload, &sn); err != nil {
			return errors.Wrap(err, "pbft: decoding new view")
		}
		return c.handleNewView(sn)
	case transport.QueryStateMsg:
		var req ClientRequest
		if err := json.Unmarshal(env.Payload, &req); err != nil {
			return errors.Wrap(err, "pbft: decoding state query")
		}
		return c.handleQueryState(req)
	default:
		return errors.Errorf("pbft: unknown envelope type %q", env.Type)
	}
}

func (c *ConsensusManager) broadcast(ctx context.Context, typ transport.MessageType, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		plog.Errorf("marshaling %s for broadcast: %v", typ, err)
		return
	}
	env := transport.Envelope{SenderID: int(c.self), Type: typ, Payload: raw}
	if err := c.bcast.Broadcast(ctx, c.peers, env); err != nil {
		plog.Warningf("broadcasting %s: %v", typ, err)
	}
}

func (c *ConsensusManager) handleClientRequest(req ClientRequest) error {
	key := keyFor(req)
	if reply, ok := c.resp.Cached(key); ok {
		c.replies.Deliver(reply)
		return nil
	}
	// Backups hold the request and complain if the primary never
	// proposes it; a new primary re-proposes whatever is still held
	// once its view installs.
	c.mu.Lock()
	c.unproposed[key] = req
	c.mu.Unlock()
	c.startComplaintTimer(key)
	if !c.info.IsPrimary(c.selfIndex) {
		return nil
	}
	if c.perf != nil {
		c.perf.RecordSubmit(req, time.Now())
	}
	pp, err := c.commitment.ProposeBatch(Batch{Requests: []ClientRequest{req}})
	if err != nil {
		return err
	}
	if c.recovery != nil {
		if err := c.recovery.RecordPrePrepare(pp); err != nil {
			plog.Warningf("recording pre-prepare to wal: %v", err)
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.viewChangeTimeout)
	defer cancel()
	c.broadcast(ctx, transport.PrePrepareMsg, pp)
	// The primary votes for its own proposal the same way a backup
	// would on receipt, keeping exactly one Prepare-issuing code path.
	return c.handlePrePrepare(pp)
}

// ReplicaState is the answer to a QueryState request: where this
// replica currently stands, read from local state without sequencing
// through consensus.
type ReplicaState struct {
	View         View
	StableSeq    SeqNum
	ExecutedSeqs uint64
}

func (c *ConsensusManager) handleQueryState(req ClientRequest) error {
	state := ReplicaState{
		View:         c.info.View(),
		StableSeq:    c.log.LowWatermark(),
		ExecutedSeqs: c.metrics.Snapshot().Executed,
	}
	raw, err := json.Marshal(state)
	if err != nil {
		return errors.Wrap(err, "pbft: encoding replica state")
	}
	reply, err := SignClientReply(c.verifier, c.self, ClientReply{
		View: state.View, ProxyID: req.ProxyID, UserSeq: req.UserSeq, Result: raw,
	})
	if err != nil {
		return err
	}
	c.replies.Deliver(reply)
	return nil
}

func (c *ConsensusManager) handlePrePrepare(sp SignedPrePrepare) error {
	vote, err := c.commitment.HandlePrePrepare(sp)
	if err != nil {
		return err
	}
	if c.recovery != nil {
		if err := c.recovery.RecordPrePrepare(sp); err != nil {
			plog.Warningf("recording pre-prepare to wal: %v", err)
		}
	}
	c.mu.Lock()
	for _, req := range sp.PrePrepare.Batch.Requests {
		delete(c.unproposed, keyFor(req))
	}
	c.mu.Unlock()
	for _, req := range sp.PrePrepare.Batch.Requests {
		c.startComplaintTimer(keyFor(req))
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.viewChangeTimeout)
	defer cancel()
	c.broadcast(ctx, transport.PrepareMsg, vote)
	// If the matching Prepare votes beat this PrePrepare here, the slot
	// is already Prepared and no further Prepare will arrive to trigger
	// the usual Commit transition.
	id := SlotID{View: sp.PrePrepare.View, Seq: sp.PrePrepare.Seq}
	commitVote, cast, err := c.commitment.CommitIfPrepared(id)
	if err != nil {
		return err
	}
	if cast {
		c.broadcast(ctx, transport.CommitMsg, commitVote)
		return c.drainExecutable()
	}
	return nil
}

func (c *ConsensusManager) handlePrepare(vote SignedPrepare) error {
	commitVote, ok, err := c.commitment.HandlePrepare(vote)
	if err != nil {
		return err
	}
	if c.recovery != nil {
		if err := c.recovery.RecordPrepare(vote); err != nil {
			plog.Warningf("recording prepare to wal: %v", err)
		}
	}
	if !ok {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.viewChangeTimeout)
	defer cancel()
	c.broadcast(ctx, transport.CommitMsg, commitVote)
	return nil
}

func (c *ConsensusManager) handleCommit(vote SignedCommit) error {
	_, ready, err := c.commitment.HandleCommit(vote)
	if err != nil {
		return err
	}
	if c.recovery != nil {
		if err := c.recovery.RecordCommit(vote); err != nil {
			plog.Warningf("recording commit to wal: %v", err)
		}
	}
	if !ready {
		return nil
	}
	return c.drainExecutable()
}

// drainExecutable applies committed batches strictly in sequence
// order, stalling at the first sequence with no committed slot. execMu
// makes the whole apply-reply-checkpoint step single-threaded, the
// exclusive-owner rule the KV engine relies on.
func (c *ConsensusManager) drainExecutable() error {
	c.execMu.Lock()
	defer c.execMu.Unlock()
	// Sequences strictly below the stable checkpoint are truncated and
	// unreachable; the checkpoint sequence itself is retained and still
	// executes locally if this replica commits it late.
	if low := c.log.LowWatermark(); c.nextExec < low {
		c.nextExec = low
	}
	for {
		slot, ok := c.log.CommittedAt(c.nextExec)
		if !ok {
			return nil
		}
		if err := c.execute(slot); err != nil {
			return err
		}
		c.nextExec++
	}
}

func (c *ConsensusManager) execute(slot Slot) error {
	if slot.PrePrepare == nil {
		return nil
	}
	if !c.log.MarkExecuted(slot.ID) {
		return nil
	}
	batch := slot.PrePrepare.PrePrepare.Batch
	results, err := c.exec.Execute(batch)
	if err != nil {
		return errors.Wrap(err, "pbft: executing committed batch")
	}
	c.metrics.incrExecuted()
	byKey := make(map[RequestKey]ExecuteResult, len(results))
	for _, r := range results {
		byKey[RequestKey{ProxyID: r.ProxyID, UserSeq: r.UserSeq}] = r
	}
	for _, req := range batch.Requests {
		key := keyFor(req)
		c.cancelComplaintTimer(key)
		c.mu.Lock()
		delete(c.unproposed, key)
		c.mu.Unlock()
		result := byKey[key]
		var execErr error
		if result.Err != nil {
			execErr = result.Err
		}
		reply, err := c.resp.Record(c.info.View(), req, result.Output, execErr)
		if err != nil {
			plog.Errorf("signing client reply for %+v: %v", key, err)
			continue
		}
		c.replies.Deliver(reply)
		if c.perf != nil {
			c.perf.RecordCommit(req, time.Now())
		}
	}
	if c.ckpt.ShouldCheckpoint(slot.ID.Seq) {
		c.emitCheckpoint(slot.ID.Seq)
	}
	return nil
}

func (c *ConsensusManager) emitCheckpoint(seq SeqNum) {
	digest, err := c.exec.StateDigest()
	if err != nil {
		plog.Errorf("computing state digest for checkpoint at seq %d: %v", seq, err)
		return
	}
	signed, err := SignCheckpoint(c.verifier, c.self, Checkpoint{Seq: seq, StateDigest: digest})
	if err != nil {
		plog.Errorf("signing checkpoint at seq %d: %v", seq, err)
		return
	}
	if stable, stabilized := c.ckpt.AddVote(signed); stabilized {
		c.stabilizeCheckpoint(stable)
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.viewChangeTimeout)
	defer cancel()
	c.broadcast(ctx, transport.CheckpointMsg, signed)
}

func (c *ConsensusManager) handleCheckpoint(vote SignedCheckpoint) error {
	if err := vote.Verify(c.verifier); err != nil {
		return errors.Wrap(ErrBadSignature, err.Error())
	}
	if c.recovery != nil {
		if err := c.recovery.RecordCheckpoint(vote); err != nil {
			plog.Warningf("recording checkpoint vote to wal: %v", err)
		}
	}
	if stable, stabilized := c.ckpt.AddVote(vote); stabilized {
		c.stabilizeCheckpoint(stable)
	}
	return nil
}

// stabilizeCheckpoint garbage-collects the log below the new stable
// checkpoint and persists its certificate for view-change and restart.
func (c *ConsensusManager) stabilizeCheckpoint(stable SignedCheckpoint) {
	seq := stable.Checkpoint.Seq
	if err := c.exec.Flush(); err != nil {
		// StorageUnavailable territory: without durable state below the
		// checkpoint, truncating the log would lose the only way to
		// rebuild it. Keep the log and let the operator intervene.
		plog.Errorf("flushing storage for checkpoint at seq %d, log not truncated: %v", seq, err)
		return
	}
	c.log.TruncateBelow(seq)
	if c.recovery == nil {
		return
	}
	if err := c.recovery.SaveCheckpointCertificate(seq, c.ckpt.ProofFor(seq)); err != nil {
		plog.Warningf("persisting stable checkpoint certificate at seq %d: %v", seq, err)
	}
}

func (c *ConsensusManager) handleViewChange(msg SignedViewChange) error {
	outcome, err := c.vc.HandleViewChange(msg)
	if err != nil {
		return err
	}
	if outcome.StartView != nil {
		return c.triggerViewChange(*outcome.StartView)
	}
	if outcome.NewView != nil {
		signed, err := SignNewView(c.verifier, c.self, *outcome.NewView)
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(context.Background(), c.viewChangeTimeout)
		defer cancel()
		c.broadcast(ctx, transport.NewViewMsg, signed)
		return c.handleNewView(signed)
	}
	return nil
}

func (c *ConsensusManager) handleNewView(msg SignedNewView) error {
	reproposed, ok, err := c.vc.HandleNewView(msg)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	if c.recovery != nil {
		if err := c.recovery.RecordView(msg.NewView.NewViewNum); err != nil {
			plog.Warningf("recording view change to wal: %v", err)
		}
	}
	var maxSeq SeqNum
	for _, pp := range reproposed {
		if pp.PrePrepare.Seq > maxSeq {
			maxSeq = pp.PrePrepare.Seq
		}
		if err := c.handlePrePrepare(pp); err != nil {
			plog.Warningf("re-proposing seq %d in new view %d: %v", pp.PrePrepare.Seq, pp.PrePrepare.View, err)
		}
	}
	// The new view's proposals continue above the re-proposed tail.
	c.commitment.ResetSequence(maxSeq)
	c.flushPending()
	c.proposeHeldRequests()
	return nil
}

// proposeHeldRequests re-proposes, as the new primary, every client
// request this replica saw but never observed a PrePrepare for in the
// old view, so a request orphaned by a failed primary is not lost.
func (c *ConsensusManager) proposeHeldRequests() {
	if !c.info.IsPrimary(c.selfIndex) {
		return
	}
	c.mu.Lock()
	held := make([]ClientRequest, 0, len(c.unproposed))
	for _, req := range c.unproposed {
		held = append(held, req)
	}
	c.mu.Unlock()
	for _, req := range held {
		if err := c.handleClientRequest(req); err != nil {
			plog.Warningf("re-proposing held request %d/%d in new view: %v", req.ProxyID, req.UserSeq, err)
		}
	}
}

// triggerViewChange starts (or fast-forwards) this replica's own view
// change to targetView and broadcasts the resulting ViewChange vote.
func (c *ConsensusManager) triggerViewChange(targetView View) error {
	signed, ok, err := c.vc.StartViewChange(targetView)
	if err != nil || !ok {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), c.viewChangeTimeout)
	defer cancel()
	c.broadcast(ctx, transport.ViewChangeMsg, signed)
	return c.handleViewChange(signed)
}

// flushPending redispatches every envelope queued while a view change
// was in progress, re-filtered against the now-current view by the
// same Deliver path (a stale PrePrepare/Prepare/Commit simply fails
// its view check and is dropped).
func (c *ConsensusManager) flushPending() {
	c.mu.Lock()
	queued := c.pending
	c.pending = nil
	c.mu.Unlock()
	for _, env := range queued {
		if err := c.Deliver(env); err != nil {
			plog.Infof("dropping replayed envelope of type %s: %v", env.Type, err)
		}
	}
}

func (c *ConsensusManager) startComplaintTimer(key RequestKey) {
	armed := c.info.View()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.complained[key] {
		return
	}
	if _, exists := c.timers[key]; exists {
		return
	}
	c.timers[key] = time.AfterFunc(c.complaintTimeout, func() {
		c.mu.Lock()
		delete(c.timers, key)
		_, stillHeld := c.unproposed[key]
		c.mu.Unlock()
		if !stillHeld {
			// The request was pre-prepared (or executed) in the
			// meantime; nothing to complain about.
			return
		}
		_, inProgress := c.vc.InProgress()
		if inProgress || c.info.View() != armed {
			// A view change is already resolving the silence, or a new
			// primary took over since this timer was armed. Give it a
			// full complaint window of its own before escalating.
			c.startComplaintTimer(key)
			return
		}
		c.mu.Lock()
		c.complained[key] = true
		c.mu.Unlock()
		if err := c.triggerViewChange(armed + 1); err != nil {
			plog.Warningf("triggering view change after complaint timeout for %+v: %v", key, err)
		}
	})
}

func (c *ConsensusManager) cancelComplaintTimer(key RequestKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if t, ok := c.timers[key]; ok {
		t.Stop()
		delete(c.timers, key)
	}
	delete(c.complained, key)
}
