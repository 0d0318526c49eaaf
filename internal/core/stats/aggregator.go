// Package stats keeps per-device telemetry counters in memory between
// durable flushes.
package stats

import (
	"sync"
	"time"
)

// Counters are the per-device event counts since the last flush.
type Counters struct {
	RxReceived int64
	TxEmitted  int64
	Errors     int64
	Acks       int64
}

// IsZero reports whether no event was counted.
func (c Counters) IsZero() bool {
	return c == Counters{}
}

// Add returns c + d, ignoring negative deltas.
func (c Counters) Add(d Counters) Counters {
	c.RxReceived += nonNegative(d.RxReceived)
	c.TxEmitted += nonNegative(d.TxEmitted)
	c.Errors += nonNegative(d.Errors)
	c.Acks += nonNegative(d.Acks)
	return c
}

func nonNegative(n int64) int64 {
	if n < 0 {
		return 0
	}
	return n
}

// Convenience deltas for the four event kinds.
var (
	Rx    = Counters{RxReceived: 1}
	Tx    = Counters{TxEmitted: 1}
	Error = Counters{Errors: 1}
	Ack   = Counters{Acks: 1}
)

// Aggregator accumulates Counters per device key. It is safe for concurrent
// use; Swap hands the current map to the caller and starts a fresh one, so
// increments racing a flush land in the next period.
type Aggregator struct {
	mu       sync.Mutex
	counters map[string]Counters
}

// NewAggregator creates an empty aggregator.
func NewAggregator() *Aggregator {
	return &Aggregator{counters: make(map[string]Counters)}
}

// Record adds delta to the device's counters. A zero delta creates no entry.
func (a *Aggregator) Record(devEUI string, delta Counters) {
	delta = Counters{}.Add(delta)
	if delta.IsZero() {
		return
	}
	a.mu.Lock()
	a.counters[devEUI] = a.counters[devEUI].Add(delta)
	a.mu.Unlock()
}

// Get returns the device's current counters (zero when untracked).
func (a *Aggregator) Get(devEUI string) Counters {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.counters[devEUI]
}

// Len returns the number of tracked devices.
func (a *Aggregator) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.counters)
}

// Swap returns the accumulated counters and resets the aggregator.
func (a *Aggregator) Swap() map[string]Counters {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := a.counters
	a.counters = make(map[string]Counters, len(out))
	return out
}

// NextHour returns the next wall-clock hour boundary strictly after t.
func NextHour(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, t.Hour(), 0, 0, 0, t.Location()).Add(time.Hour)
}
