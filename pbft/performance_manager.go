package pbft

import (
	"encoding/binary"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// PerformanceMetrics summarizes a PerformanceManager run: requests
// submitted vs. committed, and cumulative commit/queueing latency for
// computing running averages.
type PerformanceMetrics struct {
	Submitted          uint64
	Committed          uint64
	TotalQueueDelay    time.Duration
	TotalCommitLatency time.Duration
}

// AverageQueueDelay returns the mean time between a request's
// enqueue and its submission to consensus, or zero if none committed.
func (m PerformanceMetrics) AverageQueueDelay() time.Duration {
	if m.Committed == 0 {
		return 0
	}
	return m.TotalQueueDelay / time.Duration(m.Committed)
}

// AverageCommitLatency returns the mean time between submission and
// commit, or zero if none committed.
func (m PerformanceMetrics) AverageCommitLatency() time.Duration {
	if m.Committed == 0 {
		return 0
	}
	return m.TotalCommitLatency / time.Duration(m.Committed)
}

// PerformanceManager substitutes an internal synthetic client source
// for the real one, fanning out concurrent batches and tracking
// throughput/latency. Unlike a real client, proxy ids here are
// synthesized per request with google/uuid instead of being supplied
// by a remote caller.
type PerformanceManager struct {
	mu       sync.Mutex
	metrics  PerformanceMetrics
	enqueued map[RequestKey]time.Time
	submitted map[RequestKey]time.Time
}

// NewPerformanceManager builds an idle manager with zeroed metrics.
func NewPerformanceManager() *PerformanceManager {
	return &PerformanceManager{
		enqueued:  make(map[RequestKey]time.Time),
		submitted: make(map[RequestKey]time.Time),
	}
}

// GenerateRequest synthesizes one client request carrying payload,
// with a fresh UUID-derived proxy id standing in for a real client
// connection and userSeq as its per-proxy sequence number.
func GenerateRequest(payload []byte, userSeq uint64, now time.Time) ClientRequest {
	id := uuid.New()
	proxyID := binary.BigEndian.Uint64(id[:8])
	return ClientRequest{
		ProxyID:    proxyID,
		UserSeq:    userSeq,
		Payload:    payload,
		Hash:       RequestHash(payload),
		CreateTime: now,
	}
}

// Run drives the synthetic-load path: workers goroutines generate and
// submit requests through submit until stop closes. Each request's
// enqueue time is recorded so queueing delay and commit latency come
// out of the same accounting the real client path uses.
func (p *PerformanceManager) Run(stop <-chan struct{}, workers int, payload []byte, submit func(ClientRequest) error) {
	if workers <= 0 {
		workers = 1
	}
	var seq uint64
	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				now := time.Now()
				req := GenerateRequest(payload, atomic.AddUint64(&seq, 1), now)
				p.Enqueue(req, now)
				if err := submit(req); err != nil {
					plog.Debugf("synthetic submit %d/%d: %v", req.ProxyID, req.UserSeq, err)
				}
			}
		}()
	}
	wg.Wait()
}

// Enqueue records when a synthetic request entered the submission
// queue, the starting point for queueing-delay accounting.
func (p *PerformanceManager) Enqueue(req ClientRequest, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.enqueued[keyFor(req)] = now
}

// RecordSubmit records when a synthetic request was handed to the
// primary for proposal, closing out its queueing delay.
func (p *PerformanceManager) RecordSubmit(req ClientRequest, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := keyFor(req)
	p.metrics.Submitted++
	if enqueuedAt, ok := p.enqueued[key]; ok {
		p.metrics.TotalQueueDelay += now.Sub(enqueuedAt)
		delete(p.enqueued, key)
	}
	p.submitted[key] = now
}

// RecordCommit records that a synthetic request's batch committed,
// closing out its commit latency and bumping the committed counter.
func (p *PerformanceManager) RecordCommit(req ClientRequest, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	key := keyFor(req)
	p.metrics.Committed++
	if submittedAt, ok := p.submitted[key]; ok {
		p.metrics.TotalCommitLatency += now.Sub(submittedAt)
		delete(p.submitted, key)
	}
}

// Snapshot returns a copy of the metrics collected so far.
func (p *PerformanceManager) Snapshot() PerformanceMetrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}
