package pbft

import (
	"sync"

	"github.com/pkg/errors"
	"github.com/resdb-go/pbftkv/transport"
)

// ErrBusy is the backpressure reply to a client whose request could
// not be queued: the inbound client queue is full. It is never applied
// to consensus messages, which must always be accepted to avoid
// deadlocking the pipeline.
var ErrBusy = errors.New("pbft: replica busy, client request queue full")

// ErrStopped means the pipeline has shut down and no longer accepts
// messages.
var ErrStopped = errors.New("pbft: pipeline stopped")

// Pipeline is the staged front half of a replica: inbound envelopes
// land on bounded FIFO queues drained by a pool of worker goroutines
// that run the dispatcher (signature verification, state transitions,
// broadcast). Consensus messages and client requests queue separately
// so a flood of client traffic exerts backpressure (ErrBusy) without
// ever delaying the votes needed to make progress.
type Pipeline struct {
	dispatcher transport.Dispatcher
	metrics    *Metrics

	consensus chan transport.Envelope
	clients   chan transport.Envelope

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewPipeline stages dispatcher behind queueDepth-bounded queues
// drained by workers goroutines. metrics may be nil.
func NewPipeline(dispatcher transport.Dispatcher, workers, queueDepth int, metrics *Metrics) *Pipeline {
	if workers <= 0 {
		workers = 4
	}
	if queueDepth <= 0 {
		queueDepth = 128
	}
	p := &Pipeline{
		dispatcher: dispatcher,
		metrics:    metrics,
		consensus:  make(chan transport.Envelope, queueDepth),
		clients:    make(chan transport.Envelope, queueDepth),
		stop:       make(chan struct{}),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	return p
}

// Deliver implements transport.Dispatcher. Client requests are
// admitted only if their queue has room; consensus messages block
// until queued (or the pipeline stops) so they are never dropped for
// backpressure.
func (p *Pipeline) Deliver(env transport.Envelope) error {
	select {
	case <-p.stop:
		return ErrStopped
	default:
	}
	if env.Type == transport.ClientRequestMsg {
		select {
		case p.clients <- env:
			return nil
		default:
			if p.metrics != nil {
				p.metrics.incrBusy()
			}
			return ErrBusy
		}
	}
	select {
	case p.consensus <- env:
		return nil
	case <-p.stop:
		return ErrStopped
	}
}

// worker drains both queues, preferring consensus messages so client
// load cannot starve votes.
func (p *Pipeline) worker() {
	defer p.wg.Done()
	for {
		select {
		case env := <-p.consensus:
			p.handle(env)
		case <-p.stop:
			return
		default:
			select {
			case env := <-p.consensus:
				p.handle(env)
			case env := <-p.clients:
				p.handle(env)
			case <-p.stop:
				return
			}
		}
	}
}

func (p *Pipeline) handle(env transport.Envelope) {
	if err := p.dispatcher.Deliver(env); err != nil {
		plog.Infof("dropping %s envelope from %d: %v", env.Type, env.SenderID, err)
	}
}

// Stop shuts the pipeline down and waits for in-flight work to finish.
// Queued but undispatched envelopes are discarded.
func (p *Pipeline) Stop() {
	p.stopOnce.Do(func() { close(p.stop) })
	p.wg.Wait()
}
