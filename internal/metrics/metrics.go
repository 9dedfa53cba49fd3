// Counters shared by the transport and relay. Everything in here must be
// safe to touch from the transport's reader goroutine, so the fields are
// atomics and the labelled counters take a mutex.
package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Threshold past which a poll cycle is considered an overrun.
const pollOverrunThreshold = 50 * time.Millisecond

type Metrics struct {
	BytesIn    atomic.Int64
	BytesOut   atomic.Int64
	PacketsIn  atomic.Int64
	PacketsOut atomic.Int64

	PlayersConnected atomic.Int64
	PlayersJoined    atomic.Int64
	PlayersLeft      atomic.Int64

	mu          sync.Mutex
	disconnects map[string]int64
	errors      map[string]int64

	pollCount    atomic.Int64
	pollDuration atomic.Int64 // nanoseconds
	pollMax      atomic.Int64 // nanoseconds
	pollOverruns atomic.Int64
}

func New() *Metrics {
	return &Metrics{
		disconnects: make(map[string]int64),
		errors:      make(map[string]int64),
	}
}

// CountDisconnect increments the disconnect counter labelled with reason.
func (m *Metrics) CountDisconnect(reason string) {
	m.mu.Lock()
	m.disconnects[reason]++
	m.mu.Unlock()
}

// CountError increments the error counter labelled with the subsystem
// that observed it (transport, codec, relay, admission).
func (m *Metrics) CountError(subsystem string) {
	m.mu.Lock()
	m.errors[subsystem]++
	m.mu.Unlock()
}

// Errors returns a copy of the per-subsystem error counts.
func (m *Metrics) Errors() map[string]int64 {
	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int64, len(m.errors))
	for k, v := range m.errors {
		counts[k] = v
	}
	return counts
}

// ObservePoll records the duration of one completed poll cycle.
func (m *Metrics) ObservePoll(d time.Duration) {
	m.pollCount.Add(1)
	m.pollDuration.Add(int64(d))

	for {
		max := m.pollMax.Load()
		if int64(d) <= max || m.pollMax.CompareAndSwap(max, int64(d)) {
			break
		}
	}

	if d > pollOverrunThreshold {
		m.pollOverruns.Add(1)
	}
}

// PollSummary is a snapshot of poll loop health over the window since the
// previous call to SummarizePolls. Overruns is the exception: it is the
// cumulative overrun count since the metrics were created.
type PollSummary struct {
	Polls        int64
	AvgCycle     time.Duration
	MaxCycle     time.Duration
	Overruns     int64
	WindowLength time.Duration
}

// PollsPerSecond returns the poll rate over the summary window.
func (s PollSummary) PollsPerSecond() float64 {
	if s.WindowLength <= 0 {
		return 0
	}
	return float64(s.Polls) / s.WindowLength.Seconds()
}

// SummarizePolls returns the poll stats accumulated since the last summary
// and resets the window. The overrun counter is not reset.
func (m *Metrics) SummarizePolls(window time.Duration) PollSummary {
	polls := m.pollCount.Swap(0)
	total := m.pollDuration.Swap(0)
	max := m.pollMax.Swap(0)

	summary := PollSummary{
		Polls:        polls,
		MaxCycle:     time.Duration(max),
		Overruns:     m.pollOverruns.Load(),
		WindowLength: window,
	}
	if polls > 0 {
		summary.AvgCycle = time.Duration(total / polls)
	}
	return summary
}
