package pbft

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/resdb-go/pbftkv/transport"
)

// gateDispatcher blocks every Deliver until released, simulating a
// slow commitment stage so tests can fill the queues behind it.
type gateDispatcher struct {
	mu       sync.Mutex
	release  chan struct{}
	received []transport.Envelope
}

func newGateDispatcher() *gateDispatcher {
	return &gateDispatcher{release: make(chan struct{})}
}

func (g *gateDispatcher) Deliver(env transport.Envelope) error {
	<-g.release
	g.mu.Lock()
	g.received = append(g.received, env)
	g.mu.Unlock()
	return nil
}

func (g *gateDispatcher) count() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.received)
}

func TestPipelineBusyRepliesWhenClientQueueFull(t *testing.T) {
	gate := newGateDispatcher()
	metrics := &Metrics{}
	p := NewPipeline(gate, 1, 1, metrics)
	defer p.Stop()

	// First request occupies the lone worker (blocked on the gate),
	// second fills the depth-1 queue, third must be refused busy.
	require.NoError(t, p.Deliver(transport.Envelope{Type: transport.ClientRequestMsg}))
	require.Eventually(t, func() bool {
		return p.Deliver(transport.Envelope{Type: transport.ClientRequestMsg}) == nil
	}, time.Second, time.Millisecond)
	require.ErrorIs(t, p.Deliver(transport.Envelope{Type: transport.ClientRequestMsg}), ErrBusy)
	require.EqualValues(t, 1, metrics.Snapshot().Busy)

	// Consensus messages are still accepted despite the client flood.
	require.NoError(t, p.Deliver(transport.Envelope{Type: transport.CommitMsg}))

	close(gate.release)
	require.Eventually(t, func() bool { return gate.count() == 3 }, time.Second, time.Millisecond)
}

func TestPipelineStopRefusesFurtherTraffic(t *testing.T) {
	gate := newGateDispatcher()
	close(gate.release)
	p := NewPipeline(gate, 2, 8, nil)
	require.NoError(t, p.Deliver(transport.Envelope{Type: transport.PrepareMsg}))
	p.Stop()
	require.ErrorIs(t, p.Deliver(transport.Envelope{Type: transport.PrepareMsg}), ErrStopped)
}
