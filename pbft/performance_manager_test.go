package pbft

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPerformanceManagerTracksLatencies(t *testing.T) {
	p := NewPerformanceManager()
	req := GenerateRequest([]byte("payload"), 1, time.Unix(0, 0))
	require.NotZero(t, req.ProxyID)

	t0 := time.Unix(0, 0)
	p.Enqueue(req, t0)
	p.RecordSubmit(req, t0.Add(10*time.Millisecond))
	p.RecordCommit(req, t0.Add(30*time.Millisecond))

	snap := p.Snapshot()
	require.EqualValues(t, 1, snap.Submitted)
	require.EqualValues(t, 1, snap.Committed)
	require.Equal(t, 10*time.Millisecond, snap.AverageQueueDelay())
	require.Equal(t, 20*time.Millisecond, snap.AverageCommitLatency())
}

func TestPerformanceManagerZeroMetricsBeforeAnyCommit(t *testing.T) {
	p := NewPerformanceManager()
	snap := p.Snapshot()
	require.Zero(t, snap.AverageQueueDelay())
	require.Zero(t, snap.AverageCommitLatency())
}

func TestPerformanceManagerRunStopsAndCounts(t *testing.T) {
	p := NewPerformanceManager()
	stop := make(chan struct{})
	var submitted atomic.Uint64
	done := make(chan struct{})
	go func() {
		p.Run(stop, 2, []byte("payload"), func(req ClientRequest) error {
			if submitted.Add(1) == 10 {
				close(stop)
			}
			p.RecordSubmit(req, time.Now())
			return nil
		})
		close(done)
	}()
	<-done
	require.GreaterOrEqual(t, submitted.Load(), uint64(10))
	require.GreaterOrEqual(t, p.Snapshot().Submitted, uint64(10))
}
