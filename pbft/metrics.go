package pbft

import "sync/atomic"

// Metrics counts protocol events that are otherwise handled silently:
// messages dropped for a bad signature or an out-of-window sequence,
// equivocation evidence recorded, and client requests refused for
// backpressure. Counters are atomic so every stage can bump them
// without taking a lock.
type Metrics struct {
	BadSignature uint64
	OutOfWindow  uint64
	Equivocation uint64
	Busy         uint64
	Executed     uint64
}

// MetricsSnapshot is a point-in-time copy of the counters.
type MetricsSnapshot struct {
	BadSignature uint64
	OutOfWindow  uint64
	Equivocation uint64
	Busy         uint64
	Executed     uint64
}

func (m *Metrics) incrBadSignature() { atomic.AddUint64(&m.BadSignature, 1) }
func (m *Metrics) incrOutOfWindow()  { atomic.AddUint64(&m.OutOfWindow, 1) }
func (m *Metrics) incrEquivocation() { atomic.AddUint64(&m.Equivocation, 1) }
func (m *Metrics) incrBusy()         { atomic.AddUint64(&m.Busy, 1) }
func (m *Metrics) incrExecuted()     { atomic.AddUint64(&m.Executed, 1) }

// Snapshot reads every counter atomically (each individually, not as a
// consistent cut; these are monitoring counters, not protocol state).
func (m *Metrics) Snapshot() MetricsSnapshot {
	return MetricsSnapshot{
		BadSignature: atomic.LoadUint64(&m.BadSignature),
		OutOfWindow:  atomic.LoadUint64(&m.OutOfWindow),
		Equivocation: atomic.LoadUint64(&m.Equivocation),
		Busy:         atomic.LoadUint64(&m.Busy),
		Executed:     atomic.LoadUint64(&m.Executed),
	}
}
