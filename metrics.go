package opsauth

import "sync/atomic"

// MetricID identifies one in-process counter.
type MetricID uint16

const (
	// MetricLoginSuccess counts fully completed logins.
	MetricLoginSuccess MetricID = iota
	// MetricLoginFailure counts rejected credential checks.
	MetricLoginFailure
	// MetricLoginLocked counts logins rejected by an active lockout.
	MetricLoginLocked
	// MetricMFARequired counts success-shaped logins awaiting a second factor.
	MetricMFARequired
	// MetricMFASuccess counts accepted TOTP codes.
	MetricMFASuccess
	// MetricMFAFailure counts rejected second factors.
	MetricMFAFailure
	// MetricBackupCodeUsed counts logins completed with a backup code.
	MetricBackupCodeUsed
	// MetricBackupCodeRegenerated counts backup code set replacements.
	MetricBackupCodeRegenerated
	// MetricRefreshSuccess counts successful token rotations.
	MetricRefreshSuccess
	// MetricRefreshFailure counts rejected refresh attempts.
	MetricRefreshFailure
	// MetricRefreshReuseDetected counts refreshes with a stale rotated token.
	MetricRefreshReuseDetected
	// MetricSessionCreated counts sessions minted by login.
	MetricSessionCreated
	// MetricSessionRevoked counts individually revoked sessions.
	MetricSessionRevoked
	// MetricSessionsCleaned counts rows removed by the cleanup sweep.
	MetricSessionsCleaned
	// MetricAccountLocked counts lockout activations, automatic and manual.
	MetricAccountLocked
	// MetricPasswordChanged counts successful password changes.
	MetricPasswordChanged
	// MetricPasswordResetRequested counts reset requests, hits and misses alike.
	MetricPasswordResetRequested
	// MetricPasswordResetCompleted counts redeemed reset tokens.
	MetricPasswordResetCompleted
	// MetricEmailVerified counts redeemed verification tokens.
	MetricEmailVerified
	// MetricMFAEnabled counts confirmed TOTP setups.
	MetricMFAEnabled
	// MetricMFADisabled counts self-service TOTP disables.
	MetricMFADisabled
	// MetricEmergencyOverride counts emergency MFA overrides.
	MetricEmergencyOverride
	metricIDCount
)

const cacheLineSize = 64

type paddedCounter struct {
	value uint64
	_     [cacheLineSize - 8]byte
}

// Metrics holds lock-free counters, one cache line each.
type Metrics struct {
	enabled  bool
	counters [metricIDCount]paddedCounter
}

// MetricsSnapshot is a point-in-time copy of all counters.
type MetricsSnapshot struct {
	Counters map[MetricID]uint64
}

// NewMetrics creates a Metrics instance. When cfg.Enabled is false all
// operations are no-ops.
func NewMetrics(cfg MetricsConfig) *Metrics {
	return &Metrics{enabled: cfg.Enabled}
}

// Enabled reports whether counters are being recorded.
func (m *Metrics) Enabled() bool {
	return m != nil && m.enabled
}

// Inc adds one to the counter. Safe for concurrent use.
func (m *Metrics) Inc(id MetricID) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, 1)
}

// Add adds n to the counter. Safe for concurrent use.
func (m *Metrics) Add(id MetricID, n uint64) {
	if m == nil || !m.enabled || id >= metricIDCount {
		return
	}
	atomic.AddUint64(&m.counters[id].value, n)
}

// Value reads a single counter.
func (m *Metrics) Value(id MetricID) uint64 {
	if m == nil || id >= metricIDCount {
		return 0
	}
	return atomic.LoadUint64(&m.counters[id].value)
}

// Snapshot copies every counter.
func (m *Metrics) Snapshot() MetricsSnapshot {
	if m == nil || !m.enabled {
		return MetricsSnapshot{Counters: map[MetricID]uint64{}}
	}

	s := MetricsSnapshot{Counters: make(map[MetricID]uint64, int(metricIDCount))}
	for id := MetricID(0); id < metricIDCount; id++ {
		s.Counters[id] = atomic.LoadUint64(&m.counters[id].value)
	}

	return s
}
