package transport

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/rpc"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

// rpcPath is where the dispatcher's RPC endpoint mounts; the dialer
// and server must agree on it for the HTTP CONNECT upgrade to work.
const rpcPath = "/pbft"

// Ack is the RPC reply type for one-way deliveries.
type Ack struct {
	Success bool
}

// RPCBroadcaster fans Envelopes out over net/rpc: one persistent
// client connection per peer, dialed lazily and cached, with bounded
// exponential-backoff retries (github.com/cenkalti/backoff/v4).
type RPCBroadcaster struct {
	mu      sync.Mutex
	clients map[string]*rpc.Client
}

// NewRPCBroadcaster constructs an RPCBroadcaster with no open
// connections; they are dialed on first use.
func NewRPCBroadcaster() *RPCBroadcaster {
	return &RPCBroadcaster{clients: make(map[string]*rpc.Client)}
}

func (b *RPCBroadcaster) client(hostname string) (*rpc.Client, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if c, ok := b.clients[hostname]; ok {
		return c, nil
	}
	c, err := rpc.DialHTTPPath("tcp", hostname, rpcPath)
	if err != nil {
		return nil, errors.Wrapf(err, "transport: dialing %s", hostname)
	}
	b.clients[hostname] = c
	return c, nil
}

func (b *RPCBroadcaster) invalidate(hostname string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.clients, hostname)
}

func (b *RPCBroadcaster) Unicast(ctx context.Context, peer Peer, env Envelope) error {
	return backoff.Retry(func() error {
		client, err := b.client(peer.Hostname)
		if err != nil {
			return err
		}
		var ack Ack
		if err := client.Call("Node.Deliver", &env, &ack); err != nil {
			b.invalidate(peer.Hostname)
			plog.Warningf("rpc to %s failed, will retry: %v", peer.Hostname, err)
			return err
		}
		return nil
	}, retryPolicy(ctx))
}

// Broadcast unicasts env to every peer concurrently, aggregating every
// peer's failure (not just the first) so a caller deciding whether it
// reached quorum can see exactly which replicas it lost.
func (b *RPCBroadcaster) Broadcast(ctx context.Context, peers []Peer, env Envelope) error {
	var wg sync.WaitGroup
	errs := make([]error, len(peers))
	for i, p := range peers {
		wg.Add(1)
		go func(i int, p Peer) {
			defer wg.Done()
			errs[i] = b.Unicast(ctx, p, env)
		}(i, p)
	}
	wg.Wait()
	var result *multierror.Error
	for i, err := range errs {
		if err != nil {
			result = multierror.Append(result, errors.Wrapf(err, "peer %s", peers[i].Hostname))
		}
	}
	return result.ErrorOrNil()
}

// ServeDispatcher registers dispatcher as the RPC target named "Node"
// and serves it over an HTTP-upgraded TCP listener on port, mounted at
// the same "/pbft" path the broadcaster dials. The server gets its own
// mux so several replicas can share one test process.
func ServeDispatcher(port int, dispatcher Dispatcher) (net.Listener, error) {
	server := rpc.NewServer()
	if err := server.RegisterName("Node", &dispatcherRPC{dispatcher}); err != nil {
		return nil, errors.Wrap(err, "transport: registering dispatcher")
	}
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, errors.Wrapf(err, "transport: listening on port %d", port)
	}
	mux := http.NewServeMux()
	mux.Handle(rpcPath, server)
	go http.Serve(listener, mux)
	return listener, nil
}

// dispatcherRPC adapts the Dispatcher interface to the method shape
// net/rpc requires (exported method, two arguments, error return).
type dispatcherRPC struct {
	dispatcher Dispatcher
}

func (d *dispatcherRPC) Deliver(env *Envelope, ack *Ack) error {
	err := d.dispatcher.Deliver(*env)
	ack.Success = err == nil
	return err
}
