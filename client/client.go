// Package client is the client-facing SDK: submit a KV command to
// every replica and release the caller once f+1 byte-identical signed
// replies arrive.
package client

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/pkg/errors"
	"github.com/resdb-go/pbftkv/executor"
	"github.com/resdb-go/pbftkv/pbft"
	"github.com/resdb-go/pbftkv/transport"
)

// ErrTimeout is returned when a submitted request does not collect
// f+1 matching replies before its context is done.
var ErrTimeout = errors.New("client: timed out waiting for matching replies")

// Client submits commands to a replica cluster and waits for quorum.
type Client struct {
	proxyID    uint64
	bcast      transport.Broadcaster
	replicas   []transport.Peer
	weakQuorum int

	mu      sync.Mutex
	nextSeq uint64
	waiters map[pbft.RequestKey]*waiter
}

type waiter struct {
	mu      sync.Mutex
	byHash  map[string]int
	replies map[pbft.NodeID]pbft.SignedClientReply
	done    chan struct{}
	closed  bool
	result  pbft.SignedClientReply
}

func newWaiter() *waiter {
	return &waiter{
		byHash:  make(map[string]int),
		replies: make(map[pbft.NodeID]pbft.SignedClientReply),
		done:    make(chan struct{}),
	}
}

// New builds a Client identified by proxyID, submitting to replicas
// over bcast and requiring weakQuorum (f+1) matching replies to
// release a call.
func New(proxyID uint64, bcast transport.Broadcaster, replicas []transport.Peer, weakQuorum int) *Client {
	return &Client{
		proxyID: proxyID, bcast: bcast, replicas: replicas, weakQuorum: weakQuorum,
		waiters: make(map[pbft.RequestKey]*waiter),
	}
}

func (c *Client) nextUserSeq() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextSeq++
	return c.nextSeq
}

// Submit sends cmd to every replica and blocks until f+1 replicas
// return a byte-identical reply or ctx is done.
func (c *Client) Submit(ctx context.Context, cmd executor.Command) (executor.Result, error) {
	payload, err := json.Marshal(cmd)
	if err != nil {
		return executor.Result{}, errors.Wrap(err, "client: encoding command")
	}
	req := pbft.ClientRequest{
		ProxyID: c.proxyID,
		UserSeq: c.nextUserSeq(),
		Payload: payload,
		Hash:    pbft.RequestHash(payload),
	}
	key := pbft.RequestKey{ProxyID: req.ProxyID, UserSeq: req.UserSeq}

	w := newWaiter()
	c.mu.Lock()
	c.waiters[key] = w
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, key)
		c.mu.Unlock()
	}()

	raw, err := json.Marshal(req)
	if err != nil {
		return executor.Result{}, errors.Wrap(err, "client: encoding request")
	}
	env := transport.Envelope{Type: transport.ClientRequestMsg, Payload: raw}
	if err := c.bcast.Broadcast(ctx, c.replicas, env); err != nil {
		return executor.Result{}, errors.Wrap(err, "client: broadcasting request")
	}

	select {
	case <-w.done:
		return decodeResult(w.result)
	case <-ctx.Done():
		return executor.Result{}, ErrTimeout
	}
}

// Deliver implements pbft.ReplySink: every reply a replica's RPC
// client receives is routed here, keyed by (proxy_id, user_seq), so
// any in-flight Submit call can fold it into its quorum tally.
func (c *Client) Deliver(reply pbft.SignedClientReply) {
	key := pbft.RequestKey{ProxyID: reply.Reply.ProxyID, UserSeq: reply.Reply.UserSeq}
	c.mu.Lock()
	w, ok := c.waiters[key]
	c.mu.Unlock()
	if !ok {
		return
	}
	w.fold(reply, c.weakQuorum)
}

func (w *waiter) fold(reply pbft.SignedClientReply, quorum int) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	if _, seen := w.replies[reply.Signer]; seen {
		return
	}
	hash := replyHash(reply.Reply)
	w.replies[reply.Signer] = reply
	w.byHash[hash]++
	if w.byHash[hash] >= quorum {
		w.closed = true
		w.result = reply
		close(w.done)
	}
}

func replyHash(r pbft.ClientReply) string {
	raw, _ := json.Marshal(r)
	return string(raw)
}

// RPCDispatcher adapts a Client to transport.Dispatcher so a
// network-separated client can run transport.ServeDispatcher and
// receive ClientReply envelopes unicast back from replicas, instead of
// relying on an in-process pbft.ReplySink wiring.
type RPCDispatcher struct {
	*Client
}

func (d RPCDispatcher) Deliver(env transport.Envelope) error {
	if env.Type != transport.ClientReplyMsg {
		return errors.Errorf("client: unexpected envelope type %q", env.Type)
	}
	var reply pbft.SignedClientReply
	if err := json.Unmarshal(env.Payload, &reply); err != nil {
		return errors.Wrap(err, "client: decoding client reply")
	}
	d.Client.Deliver(reply)
	return nil
}

func decodeResult(signed pbft.SignedClientReply) (executor.Result, error) {
	if signed.Reply.Error != "" {
		return executor.Result{}, errors.New(signed.Reply.Error)
	}
	if len(signed.Reply.Result) == 0 {
		return executor.Result{}, nil
	}
	var result executor.Result
	if err := json.Unmarshal(signed.Reply.Result, &result); err != nil {
		return executor.Result{}, errors.Wrap(err, "client: decoding result")
	}
	return result, nil
}
