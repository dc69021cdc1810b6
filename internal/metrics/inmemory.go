package metrics

import (
	"sync"
	"sync/atomic"
	"time"
)

// Snapshot captures current in-memory counters.
type Snapshot struct {
	CompletionsCreated      uint64
	CompletionsReplayed     uint64
	CompletionsRejected     map[string]uint64
	UpstreamFailures        uint64
	CompletionCostLost      uint64
	TokensSpent             uint64
	ProviderDurationCount   uint64
	ProviderDurationTotalNs int64
	HTTPRequests            uint64
}

// InMemoryRecorder stores metrics in memory for tests.
type InMemoryRecorder struct {
	completionsCreated      uint64
	completionsReplayed     uint64
	upstreamFailures        uint64
	completionCostLost      uint64
	tokensSpent             uint64
	providerDurationCount   uint64
	providerDurationTotalNs int64
	httpRequests            uint64

	mu       sync.Mutex
	rejected map[string]uint64
}

// NewInMemory returns a Recorder that stores counters in memory.
func NewInMemory() *InMemoryRecorder {
	return &InMemoryRecorder{rejected: make(map[string]uint64)}
}

// Snapshot returns a copy of the counters.
func (m *InMemoryRecorder) Snapshot() Snapshot {
	m.mu.Lock()
	rejected := make(map[string]uint64, len(m.rejected))
	for k, v := range m.rejected {
		rejected[k] = v
	}
	m.mu.Unlock()

	return Snapshot{
		CompletionsCreated:      atomic.LoadUint64(&m.completionsCreated),
		CompletionsReplayed:     atomic.LoadUint64(&m.completionsReplayed),
		CompletionsRejected:     rejected,
		UpstreamFailures:        atomic.LoadUint64(&m.upstreamFailures),
		CompletionCostLost:      atomic.LoadUint64(&m.completionCostLost),
		TokensSpent:             atomic.LoadUint64(&m.tokensSpent),
		ProviderDurationCount:   atomic.LoadUint64(&m.providerDurationCount),
		ProviderDurationTotalNs: atomic.LoadInt64(&m.providerDurationTotalNs),
		HTTPRequests:            atomic.LoadUint64(&m.httpRequests),
	}
}

// IncCompletionCreated increments the created counter.
func (m *InMemoryRecorder) IncCompletionCreated() {
	atomic.AddUint64(&m.completionsCreated, 1)
}

// IncCompletionReplayed counts idempotent replays.
func (m *InMemoryRecorder) IncCompletionReplayed() {
	atomic.AddUint64(&m.completionsReplayed, 1)
}

// IncCompletionRejected counts a rejection under reason.
func (m *InMemoryRecorder) IncCompletionRejected(reason string) {
	m.mu.Lock()
	m.rejected[reason]++
	m.mu.Unlock()
}

// IncUpstreamFailure counts provider failures.
func (m *InMemoryRecorder) IncUpstreamFailure() {
	atomic.AddUint64(&m.upstreamFailures, 1)
}

// IncCompletionCostLost counts provider answers dropped after a failed commit.
func (m *InMemoryRecorder) IncCompletionCostLost() {
	atomic.AddUint64(&m.completionCostLost, 1)
}

// AddTokensSpent adds to the spent tokens total.
func (m *InMemoryRecorder) AddTokensSpent(tokens int) {
	atomic.AddUint64(&m.tokensSpent, uint64(tokens))
}

// ObserveProviderDuration records provider call duration.
func (m *InMemoryRecorder) ObserveProviderDuration(duration time.Duration) {
	atomic.AddUint64(&m.providerDurationCount, 1)
	atomic.AddInt64(&m.providerDurationTotalNs, duration.Nanoseconds())
}

// ObserveHTTPRequest counts handled requests.
func (m *InMemoryRecorder) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
	atomic.AddUint64(&m.httpRequests, 1)
}
