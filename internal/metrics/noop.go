package metrics

import "time"

// NoopRecorder implements Recorder with no-op methods.
type NoopRecorder struct{}

// NewNoop returns a Recorder that discards all metrics.
func NewNoop() Recorder {
	return &NoopRecorder{}
}

func (n *NoopRecorder) IncCompletionCreated() {}
func (n *NoopRecorder) IncCompletionReplayed() {}
func (n *NoopRecorder) IncCompletionRejected(reason string) {}
func (n *NoopRecorder) IncUpstreamFailure() {}
func (n *NoopRecorder) IncCompletionCostLost() {}
func (n *NoopRecorder) AddTokensSpent(tokens int) {}
func (n *NoopRecorder) ObserveProviderDuration(duration time.Duration) {}

func (n *NoopRecorder) ObserveHTTPRequest(method, route string, status int, duration time.Duration) {
}
