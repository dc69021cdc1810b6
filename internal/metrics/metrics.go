// Package metrics provides lightweight hooks for instrumentation.
package metrics

import "time"

// Reasons a completion submission was turned away.
const (
	RejectInsufficientTokens = "insufficient_tokens"
	RejectValidation         = "validation"
	RejectRateLimited        = "rate_limited"
)

// Recorder captures metric events for the application.
// Implementations can expose these to Prometheus or keep them in memory.
type Recorder interface {
	// Completion workflow metrics
	IncCompletionCreated()
	IncCompletionReplayed()
	IncCompletionRejected(reason string)
	IncUpstreamFailure()
	IncCompletionCostLost()
	AddTokensSpent(tokens int)
	ObserveProviderDuration(duration time.Duration)

	// HTTP metrics
	ObserveHTTPRequest(method, route string, status int, duration time.Duration)
}
