package authcore

import "sync"

// Metric event names recorded by the session manager and routes.
const (
	MetricLoginSuccess        = "login_success"
	MetricLoginFailure        = "login_failure"
	MetricOAuthBegin          = "oauth_begin"
	MetricOAuthComplete       = "oauth_complete"
	MetricOAuthFailure        = "oauth_failure"
	MetricRefreshSuccess      = "refresh_success"
	MetricRefreshRevoked      = "refresh_revoked"
	MetricReuseDetected       = "refresh_reuse_detected"
	MetricLogout              = "logout"
	MetricForcedLogout        = "forced_logout"
	MetricAuthRejected        = "auth_rejected"
	MetricTokenVersionStale   = "token_version_stale"
	MetricProviderUnavailable = "provider_unavailable"
	MetricStorageUnavailable  = "storage_unavailable"
)

// MetricsRecorder increments counters for auth events.
type MetricsRecorder interface {
	Increment(event string)
}

// CounterMetrics implements MetricsRecorder with in-memory counts.
type CounterMetrics struct {
	mutex  sync.Mutex
	counts map[string]int64
}

// NewCounterMetrics constructs an in-memory metrics recorder.
func NewCounterMetrics() *CounterMetrics {
	return &CounterMetrics{counts: make(map[string]int64)}
}

// Increment increases the counter for the given event.
func (recorder *CounterMetrics) Increment(event string) {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	recorder.counts[event]++
}

// Count returns the current value for the given event.
func (recorder *CounterMetrics) Count(event string) int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	return recorder.counts[event]
}

// Snapshot returns a copy of all recorded counters.
func (recorder *CounterMetrics) Snapshot() map[string]int64 {
	recorder.mutex.Lock()
	defer recorder.mutex.Unlock()
	clone := make(map[string]int64, len(recorder.counts))
	for key, value := range recorder.counts {
		clone[key] = value
	}
	return clone
}

type nopMetrics struct{}

func (nopMetrics) Increment(string) {}

// NopMetrics returns a recorder that drops every event.
func NopMetrics() MetricsRecorder {
	return nopMetrics{}
}
