// Package transport is the external collaborator carrying inter-replica
// messages: signed envelopes exchanged between replicas and clients.
// It is deliberately thin — a Broadcaster seam the consensus pipeline
// depends on by interface, plus one concrete net/rpc implementation,
// so the module runs end to end without a full async socket layer.
package transport

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/coreos/pkg/capnslog"
)

var plog = capnslog.NewPackageLogger("github.com/resdb-go/pbftkv", "transport")

// MessageType tags the payload carried by an Envelope.
type MessageType string

const (
	ClientRequestMsg MessageType = "ClientRequest"
	ClientReplyMsg   MessageType = "ClientReply"
	PrePrepareMsg    MessageType = "PrePrepare"
	PrepareMsg       MessageType = "Prepare"
	CommitMsg        MessageType = "Commit"
	CheckpointMsg    MessageType = "Checkpoint"
	ViewChangeMsg    MessageType = "ViewChange"
	NewViewMsg       MessageType = "NewView"
	QueryStateMsg    MessageType = "QueryState"
)

// Envelope is every message exchanged between replicas: a signed,
// typed, opaque payload — {sender_id, type, payload_bytes, signature}.
type Envelope struct {
	SenderID  int
	Type      MessageType
	Payload   []byte
	Signature []byte
}

// Peer addresses one cluster member for unicast delivery.
type Peer struct {
	ID       int
	Hostname string
}

// Broadcaster fans an Envelope out to the cluster, or unicasts it to
// one peer. The ConsensusManager holds it for the lifetime of the node
// and broadcasts through it from concurrent pipeline workers and timer
// callbacks, so it must be safe for concurrent use.
type Broadcaster interface {
	Broadcast(ctx context.Context, peers []Peer, env Envelope) error
	Unicast(ctx context.Context, peer Peer, env Envelope) error
}

// Dispatcher is implemented by whoever wants to receive inbound
// envelopes — the consensus manager's RPC-facing handler.
type Dispatcher interface {
	Deliver(env Envelope) error
}

// retryPolicy bounds every outbound RPC with exponential backoff.
func retryPolicy(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 20 * time.Millisecond
	b.MaxInterval = 500 * time.Millisecond
	b.MaxElapsedTime = 2 * time.Second
	return backoff.WithContext(b, ctx)
}
